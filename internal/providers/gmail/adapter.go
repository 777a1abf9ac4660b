package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mail-migrator/internal/mail"
)

// MaxAttachmentSize is the largest attachment Gmail accepts on import
const MaxAttachmentSize = 25 << 20

// pseudo labels that are message state, not taxonomy
var pseudoLabels = map[string]bool{
	"UNREAD": true,
	"CHAT":   true,
}

// Adapter implements mail.Client for Gmail
type Adapter struct {
	svc  *gmail.Service
	user string
}

// New creates a Gmail adapter. Every request reads the current token from
// ts, so a refreshed session takes effect on the next call.
func New(ctx context.Context, ts oauth2.TokenSource, user string, opts ...option.ClientOption) (*Adapter, error) {
	if user == "" {
		user = "me"
	}

	httpClient := &http.Client{
		Transport: &oauth2.Transport{Source: ts, Base: http.DefaultTransport},
	}
	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return &Adapter{svc: svc, user: user}, nil
}

// ListFolders returns every label that names a folder
func (a *Adapter) ListFolders(ctx context.Context) ([]mail.Folder, error) {
	resp, err := a.svc.Users.Labels.List(a.user).Context(ctx).Do()
	if err != nil {
		return nil, classify("list labels", err)
	}
	return labelsToFolders(resp.Labels), nil
}

func labelsToFolders(labels []*gmail.Label) []mail.Folder {
	byName := make(map[string]string, len(labels))
	for _, l := range labels {
		byName[l.Name] = l.Id
	}

	folders := make([]mail.Folder, 0, len(labels))
	for _, l := range labels {
		if pseudoLabels[l.Id] || strings.HasPrefix(l.Id, "CATEGORY_") {
			continue
		}
		f := mail.Folder{
			ID:           l.Id,
			Name:         l.Name,
			MessageCount: l.MessagesTotal,
			System:       l.Type == "system",
		}
		// nested user labels are spelled "Parent/Child"
		if i := strings.LastIndex(l.Name, "/"); i > 0 && !f.System {
			f.ParentID = byName[l.Name[:i]]
		}
		folders = append(folders, f)
	}
	return folders
}

// ListMessages lists one page of a label
func (a *Adapter) ListMessages(ctx context.Context, folderID string, filter mail.Filter, pageToken string, pageSize int) (mail.Page, error) {
	call := a.svc.Users.Messages.List(a.user).
		LabelIds(folderID).
		IncludeSpamTrash(folderID == "SPAM" || folderID == "TRASH").
		MaxResults(int64(pageSize)).
		Context(ctx)
	if q := query(filter); q != "" {
		call = call.Q(q)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return mail.Page{}, classify("list messages", err)
	}

	page := mail.Page{NextPageToken: resp.NextPageToken}
	for _, m := range resp.Messages {
		page.Messages = append(page.Messages, mail.MessageRef{ID: m.Id, FolderID: folderID, SizeHint: m.SizeEstimate})
	}
	return page, nil
}

// query renders filter in Gmail search syntax
func query(filter mail.Filter) string {
	var terms []string
	if filter.UnreadOnly {
		terms = append(terms, "is:unread")
	}
	if !filter.After.IsZero() {
		terms = append(terms, "after:"+strconv.FormatInt(filter.After.Unix(), 10))
	}
	if !filter.Before.IsZero() {
		terms = append(terms, "before:"+strconv.FormatInt(filter.Before.Unix(), 10))
	}
	return strings.Join(terms, " ")
}

// GetMessage fetches the raw RFC 822 message
func (a *Adapter) GetMessage(ctx context.Context, messageID string) (*mail.Message, error) {
	m, err := a.svc.Users.Messages.Get(a.user, messageID).Format("raw").Context(ctx).Do()
	if err != nil {
		return nil, classify("get message", err)
	}

	raw, err := decodeRaw(m.Raw)
	if err != nil {
		return nil, mail.Permanent("get message", fmt.Errorf("decode raw %s: %w", messageID, err))
	}

	msg := &mail.Message{ID: m.Id, Raw: raw, InternalDate: time.UnixMilli(m.InternalDate)}
	for _, l := range m.LabelIds {
		if l == "UNREAD" {
			msg.Unread = true
		}
	}
	return msg, nil
}

// decodeRaw decodes base64url with or without padding
func decodeRaw(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// CreateFolder creates a user label
func (a *Adapter) CreateFolder(ctx context.Context, name string) (string, error) {
	label, err := a.svc.Users.Labels.Create(a.user, &gmail.Label{
		Name:                  name,
		LabelListVisibility:   "labelShow",
		MessageListVisibility: "show",
	}).Context(ctx).Do()
	if err == nil {
		return label.Id, nil
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusConflict {
		if id, lerr := a.findLabel(ctx, name); lerr == nil && id != "" {
			return "", &mail.AlreadyExistsError{FolderID: id, Name: name}
		}
	}
	return "", classify("create label", err)
}

func (a *Adapter) findLabel(ctx context.Context, name string) (string, error) {
	resp, err := a.svc.Users.Labels.List(a.user).Context(ctx).Do()
	if err != nil {
		return "", err
	}
	for _, l := range resp.Labels {
		if l.Name == name {
			return l.Id, nil
		}
	}
	return "", nil
}

// InsertMessage imports msg under the label folderID. The internal date is
// taken from the Date header and spam filtering is bypassed.
func (a *Adapter) InsertMessage(ctx context.Context, folderID string, msg *mail.Message) (string, error) {
	labels := []string{folderID}
	if msg.Unread {
		labels = append(labels, "UNREAD")
	}

	imported, err := a.svc.Users.Messages.Import(a.user, &gmail.Message{LabelIds: labels}).
		InternalDateSource("dateHeader").
		NeverMarkSpam(true).
		Media(bytes.NewReader(msg.Raw), googleapi.ContentType("message/rfc822")).
		Context(ctx).
		Do()
	if err != nil {
		return "", classify("import message", err)
	}
	return imported.Id, nil
}

// MaxAttachmentSize implements mail.SizeLimiter
func (a *Adapter) MaxAttachmentSize() int64 {
	return MaxAttachmentSize
}

// SystemFolderName implements mail.SystemFolderNamer. System labels are
// named after their ids and cannot be created.
func (a *Adapter) SystemFolderName(label string) (string, bool) {
	switch label {
	case mail.SystemInbox, mail.SystemSent, mail.SystemDrafts, mail.SystemTrash,
		mail.SystemSpam, mail.SystemImportant, mail.SystemStarred:
		return label, true
	}
	return "", false
}

// classify maps Gmail API failures onto the provider error taxonomy. Quota
// errors come back as 403 with a rate limit reason and are transient.
func classify(op string, err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			return mail.AuthExpired(op, err)
		}
		return mail.Transient(op, err)
	}

	status := gerr.Code
	if status == http.StatusForbidden {
		for _, e := range gerr.Errors {
			if e.Reason == "rateLimitExceeded" || e.Reason == "userRateLimitExceeded" {
				status = http.StatusTooManyRequests
			}
		}
	}
	if status == http.StatusNotFound {
		return mail.Permanent(op, fmt.Errorf("%w: %v", mail.ErrNotFound, err))
	}
	return mail.FromStatus(op, status, retryAfter(gerr.Header), err)
}

func retryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}
