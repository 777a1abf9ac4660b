package outlook

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mail-migrator/internal/mail"
)

// MaxAttachmentSize keeps a base64 MIME import under Graph's 4 MB request cap
const MaxAttachmentSize = 3 << 20

const folderPageSize = 100

// well-known folders; Graph v1.0 exposes no wellKnownName
var systemFolders = map[string]bool{
	"Inbox":                true,
	"Sent Items":           true,
	"Drafts":               true,
	"Deleted Items":        true,
	"Junk Email":           true,
	"Archive":              true,
	"Outbox":               true,
	"Conversation History": true,
}

var systemFolderNames = map[string]string{
	mail.SystemInbox:     "Inbox",
	mail.SystemSent:      "Sent Items",
	mail.SystemDrafts:    "Drafts",
	mail.SystemTrash:     "Deleted Items",
	mail.SystemSpam:      "Junk Email",
	mail.SystemArchive:   "Archive",
	mail.SystemImportant: "Important",
	mail.SystemStarred:   "Favorites",
}

// Adapter implements mail.Client for Outlook/Microsoft Graph
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
	userID string
}

// New creates an Outlook adapter for userID. An empty userID resolves the
// owner of the token.
func New(ctx context.Context, ts oauth2.TokenSource, userID string) (*Adapter, error) {
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(&tokenSourceCredential{source: ts}, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	if userID == "" {
		me, err := client.Me().Get(ctx, nil)
		if err != nil {
			return nil, classify("get me", err)
		}
		userID = deref(me.GetId())
	}

	return &Adapter{client: client, userID: userID}, nil
}

// ListFolders walks the folder tree depth-first
func (a *Adapter) ListFolders(ctx context.Context) ([]mail.Folder, error) {
	top := int32(folderPageSize)
	resp, err := a.client.Users().ByUserId(a.userID).MailFolders().Get(ctx, &users.ItemMailFoldersRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersRequestBuilderGetQueryParameters{Top: &top},
	})
	if err != nil {
		return nil, classify("list folders", err)
	}

	var roots []models.MailFolderable
	for {
		roots = append(roots, resp.GetValue()...)
		next := resp.GetOdataNextLink()
		if next == nil || *next == "" {
			break
		}
		resp, err = a.client.Users().ByUserId(a.userID).MailFolders().WithUrl(*next).Get(ctx, nil)
		if err != nil {
			return nil, classify("list folders", err)
		}
	}

	var out []mail.Folder
	for _, f := range roots {
		var err error
		out, err = a.appendTree(ctx, out, f, "")
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (a *Adapter) appendTree(ctx context.Context, out []mail.Folder, f models.MailFolderable, parentID string) ([]mail.Folder, error) {
	folder := toFolder(f, parentID)
	out = append(out, folder)

	if f.GetChildFolderCount() == nil || *f.GetChildFolderCount() == 0 {
		return out, nil
	}

	builder := a.client.Users().ByUserId(a.userID).MailFolders().ByMailFolderId(folder.ID).ChildFolders()
	resp, err := builder.Get(ctx, nil)
	for {
		if err != nil {
			return nil, classify("list child folders", err)
		}
		for _, child := range resp.GetValue() {
			if out, err = a.appendTree(ctx, out, child, folder.ID); err != nil {
				return nil, err
			}
		}
		next := resp.GetOdataNextLink()
		if next == nil || *next == "" {
			return out, nil
		}
		resp, err = builder.WithUrl(*next).Get(ctx, nil)
	}
}

func toFolder(f models.MailFolderable, parentID string) mail.Folder {
	folder := mail.Folder{
		ID:       deref(f.GetId()),
		Name:     deref(f.GetDisplayName()),
		ParentID: parentID,
	}
	if n := f.GetTotalItemCount(); n != nil {
		folder.MessageCount = int64(*n)
	}
	folder.System = parentID == "" && systemFolders[folder.Name]
	return folder
}

// ListMessages lists one page of a folder. The page token is the Graph
// @odata.nextLink, which already carries the filter.
func (a *Adapter) ListMessages(ctx context.Context, folderID string, filter mail.Filter, pageToken string, pageSize int) (mail.Page, error) {
	builder := a.client.Users().ByUserId(a.userID).MailFolders().ByMailFolderId(folderID).Messages()

	var (
		resp models.MessageCollectionResponseable
		err  error
	)
	if pageToken != "" {
		resp, err = builder.WithUrl(pageToken).Get(ctx, nil)
	} else {
		top := int32(pageSize)
		params := &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
			Top:     &top,
			Select:  []string{"id"},
			Orderby: []string{"receivedDateTime"},
		}
		if f := odataFilter(filter); f != "" {
			params.Filter = &f
		}
		resp, err = builder.Get(ctx, &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{QueryParameters: params})
	}
	if err != nil {
		return mail.Page{}, classify("list messages", err)
	}

	page := mail.Page{NextPageToken: deref(resp.GetOdataNextLink())}
	for _, m := range resp.GetValue() {
		page.Messages = append(page.Messages, mail.MessageRef{ID: deref(m.GetId()), FolderID: folderID})
	}
	return page, nil
}

// odataFilter renders filter as an OData $filter expression
func odataFilter(filter mail.Filter) string {
	var terms []string
	if !filter.After.IsZero() {
		terms = append(terms, "receivedDateTime ge "+filter.After.UTC().Format(time.RFC3339))
	}
	if !filter.Before.IsZero() {
		terms = append(terms, "receivedDateTime lt "+filter.Before.UTC().Format(time.RFC3339))
	}
	if filter.UnreadOnly {
		terms = append(terms, "isRead eq false")
	}
	return strings.Join(terms, " and ")
}

// GetMessage fetches the MIME content and read state of a message
func (a *Adapter) GetMessage(ctx context.Context, messageID string) (*mail.Message, error) {
	item := a.client.Users().ByUserId(a.userID).Messages().ByMessageId(messageID)

	meta, err := item.Get(ctx, &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: []string{"id", "isRead", "receivedDateTime"},
		},
	})
	if err != nil {
		return nil, classify("get message", err)
	}

	raw, err := item.Content().Get(ctx, nil)
	if err != nil {
		return nil, classify("get message content", err)
	}

	msg := &mail.Message{ID: messageID, Raw: raw}
	if read := meta.GetIsRead(); read != nil {
		msg.Unread = !*read
	}
	if rcvd := meta.GetReceivedDateTime(); rcvd != nil {
		msg.InternalDate = *rcvd
	}
	return msg, nil
}

// CreateFolder creates a top-level mail folder
func (a *Adapter) CreateFolder(ctx context.Context, name string) (string, error) {
	body := models.NewMailFolder()
	body.SetDisplayName(&name)

	created, err := a.client.Users().ByUserId(a.userID).MailFolders().Post(ctx, body, nil)
	if err == nil {
		return deref(created.GetId()), nil
	}

	if isFolderExists(err) {
		if id := a.findFolder(ctx, name); id != "" {
			return "", &mail.AlreadyExistsError{FolderID: id, Name: name}
		}
	}
	return "", classify("create folder", err)
}

func (a *Adapter) findFolder(ctx context.Context, name string) string {
	f := fmt.Sprintf("displayName eq '%s'", strings.ReplaceAll(name, "'", "''"))
	resp, err := a.client.Users().ByUserId(a.userID).MailFolders().Get(ctx, &users.ItemMailFoldersRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersRequestBuilderGetQueryParameters{Filter: &f},
	})
	if err != nil {
		return ""
	}
	for _, folder := range resp.GetValue() {
		if deref(folder.GetDisplayName()) == name {
			return deref(folder.GetId())
		}
	}
	return ""
}

// InsertMessage imports raw MIME into folderID and restores its read state
func (a *Adapter) InsertMessage(ctx context.Context, folderID string, msg *mail.Message) (string, error) {
	info := abstractions.NewRequestInformationWithMethodAndUrlTemplateAndPathParameters(
		abstractions.POST,
		"{+baseurl}/users/{user%2Did}/mailFolders/{mailFolder%2Did}/messages",
		map[string]string{"user%2Did": a.userID, "mailFolder%2Did": folderID},
	)
	info.Headers.TryAdd("Accept", "application/json")
	info.SetStreamContentAndContentType([]byte(base64.StdEncoding.EncodeToString(msg.Raw)), "text/plain")

	errorMapping := abstractions.ErrorMappings{
		"XXX": odataerrors.CreateODataErrorFromDiscriminatorValue,
	}
	res, err := a.client.GetAdapter().Send(ctx, info, models.CreateMessageFromDiscriminatorValue, errorMapping)
	if err != nil {
		return "", classify("import message", err)
	}
	created, ok := res.(models.Messageable)
	if !ok || created.GetId() == nil {
		return "", mail.Permanent("import message", errors.New("empty import response"))
	}
	id := *created.GetId()

	// the message exists from here on; an error would make the caller import it again
	if err := a.setRead(ctx, id, !msg.Unread); err != nil {
		log.Warn().Err(err).Str("message_id", id).Str("folder_id", folderID).Msg("set read state after import")
	}
	return id, nil
}

func (a *Adapter) setRead(ctx context.Context, id string, read bool) error {
	patch := models.NewMessage()
	patch.SetIsRead(&read)
	_, err := a.client.Users().ByUserId(a.userID).Messages().ByMessageId(id).Patch(ctx, patch, nil)
	return err
}

// MaxAttachmentSize implements mail.SizeLimiter
func (a *Adapter) MaxAttachmentSize() int64 {
	return MaxAttachmentSize
}

// SystemFolderName implements mail.SystemFolderNamer
func (a *Adapter) SystemFolderName(label string) (string, bool) {
	name, ok := systemFolderNames[label]
	return name, ok
}

// statusCoder is implemented by every Graph API error
type statusCoder interface {
	GetStatusCode() int
}

// classify maps Graph failures onto the provider error taxonomy. The kiota
// retry handler has already honored Retry-After on 429 and 503.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var sc statusCoder
	if errors.As(err, &sc) && sc.GetStatusCode() != 0 {
		if sc.GetStatusCode() == http.StatusNotFound {
			return mail.Permanent(op, fmt.Errorf("%w: %v", mail.ErrNotFound, err))
		}
		return mail.FromStatus(op, sc.GetStatusCode(), 0, err)
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return mail.AuthExpired(op, err)
	}
	return mail.Transient(op, err)
}

func isFolderExists(err error) bool {
	var odataErr *odataerrors.ODataError
	if errors.As(err, &odataErr) {
		if detail := odataErr.GetErrorEscaped(); detail != nil && deref(detail.GetCode()) == "ErrorFolderExists" {
			return true
		}
		return odataErr.GetStatusCode() == http.StatusConflict
	}
	return false
}

// tokenSourceCredential adapts an oauth2.TokenSource to the Azure credential
// interface; the Graph auth provider asks for a token on every request
type tokenSourceCredential struct {
	source oauth2.TokenSource
}

func (c *tokenSourceCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.source.Token()
	if err != nil {
		return azcore.AccessToken{}, err
	}
	expires := tok.Expiry
	if expires.IsZero() {
		expires = time.Now().Add(time.Hour)
	}
	return azcore.AccessToken{Token: tok.AccessToken, ExpiresOn: expires}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
