// Package imap implements mail.Client over IMAP4rev1 for Yahoo and other
// IMAP-only providers.
package imap

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mail-migrator/internal/mail"
)

const (
	// DefaultYahooAddr is the Yahoo Mail IMAP endpoint
	DefaultYahooAddr = "imap.mail.yahoo.com:993"
	// DefaultMaxAttachmentSize is the Yahoo attachment cap
	DefaultMaxAttachmentSize = 25 << 20

	defaultTimeout = time.Minute
)

// special-use attributes (RFC 6154) that mark provider folders
var specialUse = map[string]bool{
	`\All`:     true,
	`\Archive`: true,
	`\Drafts`:  true,
	`\Flagged`: true,
	`\Junk`:    true,
	`\Sent`:    true,
	`\Trash`:   true,
}

// Yahoo's names for the well-known mailboxes
var systemMailboxes = map[string]string{
	mail.SystemInbox:   "INBOX",
	mail.SystemSent:    "Sent",
	mail.SystemDrafts:  "Draft",
	mail.SystemTrash:   "Trash",
	mail.SystemSpam:    "Bulk Mail",
	mail.SystemArchive: "Archive",
}

// Config describes one IMAP account
type Config struct {
	Addr     string
	Username string
	// Tokens authenticates with OAUTHBEARER; read on every (re)connect
	Tokens oauth2.TokenSource
	// Password authenticates with LOGIN when set
	Password string
	// Insecure dials plain TCP instead of TLS
	Insecure bool
	// Timeout bounds each IMAP command (default: 1m)
	Timeout time.Duration
	// MaxAttachmentBytes is advertised to the controller (default: 25 MiB)
	MaxAttachmentBytes int64
}

// Adapter implements mail.Client over one IMAP connection. Commands are
// serialized; a connection that fails is dropped and redialed on next use.
type Adapter struct {
	cfg Config

	mutex    sync.Mutex
	conn     *client.Client
	selected string
}

// New creates an adapter; the connection is opened lazily
func New(cfg Config) *Adapter {
	if cfg.Addr == "" {
		cfg.Addr = DefaultYahooAddr
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAttachmentBytes <= 0 {
		cfg.MaxAttachmentBytes = DefaultMaxAttachmentSize
	}
	return &Adapter{cfg: cfg}
}

// connLocked returns a logged-in connection, dialing if needed
func (a *Adapter) connLocked(ctx context.Context) (*client.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a.conn != nil && !loggedOut(a.conn) {
		return a.conn, nil
	}
	a.conn = nil
	a.selected = ""

	dialer := &net.Dialer{Timeout: a.cfg.Timeout}
	var (
		c   *client.Client
		err error
	)
	if a.cfg.Insecure {
		c, err = client.DialWithDialer(dialer, a.cfg.Addr)
	} else {
		c, err = client.DialWithDialerTLS(dialer, a.cfg.Addr, &tls.Config{ServerName: host(a.cfg.Addr)})
	}
	if err != nil {
		return nil, mail.Transient("dial", err)
	}
	c.Timeout = a.cfg.Timeout

	if err := a.authenticate(c); err != nil {
		_ = c.Logout()
		return nil, err
	}

	log.Debug().Str("addr", a.cfg.Addr).Str("user", a.cfg.Username).Msg("imap connected")
	a.conn = c
	return c, nil
}

func (a *Adapter) authenticate(c *client.Client) error {
	if a.cfg.Password != "" {
		if err := c.Login(a.cfg.Username, a.cfg.Password); err != nil {
			return mail.AuthExpired("login", err)
		}
		return nil
	}
	if a.cfg.Tokens == nil {
		return mail.Permanent("authenticate", errors.New("no credential configured"))
	}
	tok, err := a.cfg.Tokens.Token()
	if err != nil {
		return mail.AuthExpired("authenticate", err)
	}
	bearer := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: a.cfg.Username,
		Token:    tok.AccessToken,
	})
	if err := c.Authenticate(bearer); err != nil {
		return mail.AuthExpired("authenticate", err)
	}
	return nil
}

func loggedOut(c *client.Client) bool {
	select {
	case <-c.LoggedOut():
		return true
	default:
		return false
	}
}

func host(addr string) string {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return h
}

// resetLocked drops the connection so the next call redials
func (a *Adapter) resetLocked() {
	if a.conn != nil {
		_ = a.conn.Logout()
	}
	a.conn = nil
	a.selected = ""
}

// Close logs out
func (a *Adapter) Close() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.resetLocked()
	return nil
}

// failLocked classifies err. A broken connection is transient and dropped;
// a tagged NO or BAD on a live connection is permanent for that command.
func (a *Adapter) failLocked(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pe *mail.ProviderError
	if errors.As(err, &pe) {
		return err
	}

	var netErr net.Error
	if a.conn == nil || loggedOut(a.conn) || errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		a.resetLocked()
		return mail.Transient(op, err)
	}
	return mail.Permanent(op, err)
}

func (a *Adapter) selectLocked(c *client.Client, mailbox string) error {
	if a.selected == mailbox {
		return nil
	}
	if _, err := c.Select(mailbox, true); err != nil {
		a.selected = ""
		return err
	}
	a.selected = mailbox
	return nil
}

// ListFolders lists every selectable mailbox
func (a *Adapter) ListFolders(ctx context.Context) ([]mail.Folder, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	c, err := a.connLocked(ctx)
	if err != nil {
		return nil, err
	}

	infos, err := list(c, "*")
	if err != nil {
		return nil, a.failLocked("list", err)
	}
	return toFolders(infos), nil
}

func list(c *client.Client, pattern string) ([]*imap.MailboxInfo, error) {
	ch := make(chan *imap.MailboxInfo, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.List("", pattern, ch)
	}()

	var infos []*imap.MailboxInfo
	for info := range ch {
		infos = append(infos, info)
	}
	return infos, <-done
}

func toFolders(infos []*imap.MailboxInfo) []mail.Folder {
	names := make(map[string]bool, len(infos))
	for _, info := range infos {
		names[info.Name] = true
	}

	var folders []mail.Folder
	for _, info := range infos {
		if hasAttr(info.Attributes, imap.NoSelectAttr) {
			continue
		}
		f := mail.Folder{ID: info.Name, Name: info.Name}
		f.System = strings.EqualFold(info.Name, "INBOX")
		for _, attr := range info.Attributes {
			if specialUse[attr] {
				f.System = true
			}
		}
		if info.Delimiter != "" {
			if i := strings.LastIndex(info.Name, info.Delimiter); i > 0 && names[info.Name[:i]] {
				f.ParentID = info.Name[:i]
			}
		}
		folders = append(folders, f)
	}
	return folders
}

func hasAttr(attrs []string, want string) bool {
	for _, a := range attrs {
		if strings.EqualFold(a, want) {
			return true
		}
	}
	return false
}

// ListMessages pages through a mailbox in UID order. The page token is the
// last UID already returned.
func (a *Adapter) ListMessages(ctx context.Context, folderID string, filter mail.Filter, pageToken string, pageSize int) (mail.Page, error) {
	var after uint32
	if pageToken != "" {
		n, err := strconv.ParseUint(pageToken, 10, 32)
		if err != nil {
			return mail.Page{}, mail.Permanent("list messages", fmt.Errorf("bad page token %q", pageToken))
		}
		after = uint32(n)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	c, err := a.connLocked(ctx)
	if err != nil {
		return mail.Page{}, err
	}
	if err := a.selectLocked(c, folderID); err != nil {
		return mail.Page{}, a.failLocked("select", err)
	}

	uids, err := c.UidSearch(criteria(filter, after))
	if err != nil {
		return mail.Page{}, a.failLocked("search", err)
	}

	// "n:*" always matches the highest UID, even below n
	kept := uids[:0]
	for _, uid := range uids {
		if uid > after {
			kept = append(kept, uid)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i] < kept[j] })

	var page mail.Page
	if pageSize > 0 && len(kept) > pageSize {
		kept = kept[:pageSize]
		page.NextPageToken = strconv.FormatUint(uint64(kept[len(kept)-1]), 10)
	}
	for _, uid := range kept {
		page.Messages = append(page.Messages, mail.MessageRef{ID: messageID(folderID, uid), FolderID: folderID})
	}
	return page, nil
}

func criteria(filter mail.Filter, after uint32) *imap.SearchCriteria {
	c := imap.NewSearchCriteria()
	if filter.UnreadOnly {
		c.WithoutFlags = []string{imap.SeenFlag}
	}
	if !filter.After.IsZero() {
		c.Since = filter.After
	}
	if !filter.Before.IsZero() {
		c.Before = filter.Before
	}
	if after > 0 {
		c.Uid = new(imap.SeqSet)
		c.Uid.AddRange(after+1, 0)
	}
	return c
}

// messageID packs the mailbox with the UID: "<uid>@<mailbox>"
func messageID(mailbox string, uid uint32) string {
	return strconv.FormatUint(uint64(uid), 10) + "@" + mailbox
}

func parseMessageID(id string) (string, uint32, error) {
	i := strings.IndexByte(id, '@')
	if i <= 0 {
		return "", 0, fmt.Errorf("%w: message id %q", mail.ErrNotFound, id)
	}
	uid, err := strconv.ParseUint(id[:i], 10, 32)
	if err != nil || uid == 0 {
		return "", 0, fmt.Errorf("%w: message id %q", mail.ErrNotFound, id)
	}
	return id[i+1:], uint32(uid), nil
}

// GetMessage fetches BODY.PEEK[] so the source keeps its \Seen state
func (a *Adapter) GetMessage(ctx context.Context, id string) (*mail.Message, error) {
	mailbox, uid, err := parseMessageID(id)
	if err != nil {
		return nil, mail.Permanent("get message", err)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	c, err := a.connLocked(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.selectLocked(c, mailbox); err != nil {
		return nil, a.failLocked("select", err)
	}

	seq := new(imap.SeqSet)
	seq.AddNum(uid)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchFlags, imap.FetchInternalDate, imap.FetchUid}

	ch := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seq, items, ch)
	}()

	var msg *mail.Message
	for m := range ch {
		if m.Uid != uid {
			continue
		}
		body := m.GetBody(section)
		if body == nil {
			continue
		}
		raw, err := io.ReadAll(body)
		if err != nil {
			continue
		}
		msg = &mail.Message{ID: id, Raw: raw, Unread: !hasAttr(m.Flags, imap.SeenFlag), InternalDate: m.InternalDate}
	}
	if err := <-done; err != nil {
		return nil, a.failLocked("fetch", err)
	}
	if msg == nil {
		return nil, mail.Permanent("fetch", fmt.Errorf("%w: %s", mail.ErrNotFound, id))
	}
	return msg, nil
}

// CreateFolder creates a mailbox named name
func (a *Adapter) CreateFolder(ctx context.Context, name string) (string, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	c, err := a.connLocked(ctx)
	if err != nil {
		return "", err
	}

	existing, err := list(c, name)
	if err != nil {
		return "", a.failLocked("list", err)
	}
	for _, info := range existing {
		if strings.EqualFold(info.Name, name) {
			return "", &mail.AlreadyExistsError{FolderID: info.Name, Name: name}
		}
	}

	if err := c.Create(name); err != nil {
		return "", a.failLocked("create", err)
	}
	return name, nil
}

// InsertMessage appends msg to folderID. IMAP APPEND reports no id without
// UIDPLUS, so the returned id is empty.
func (a *Adapter) InsertMessage(ctx context.Context, folderID string, msg *mail.Message) (string, error) {
	var flags []string
	if !msg.Unread {
		flags = append(flags, imap.SeenFlag)
	}
	date := msg.InternalDate
	if date.IsZero() {
		date = time.Now()
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	c, err := a.connLocked(ctx)
	if err != nil {
		return "", err
	}
	if err := c.Append(folderID, flags, date, bytes.NewBuffer(msg.Raw)); err != nil {
		return "", a.failLocked("append", err)
	}
	return "", nil
}

// MaxAttachmentSize implements mail.SizeLimiter
func (a *Adapter) MaxAttachmentSize() int64 {
	return a.cfg.MaxAttachmentBytes
}

// SystemFolderName implements mail.SystemFolderNamer
func (a *Adapter) SystemFolderName(label string) (string, bool) {
	name, ok := systemMailboxes[label]
	return name, ok
}
