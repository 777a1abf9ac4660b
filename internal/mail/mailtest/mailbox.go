// Package mailtest provides an in-memory mail.Client for tests.
package mailtest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Martian-dev/mail-migrator/internal/mail"
)

type stored struct {
	folderID string
	msg      mail.Message
}

// Mailbox is an in-memory provider account. Failures can be injected per
// operation and key with FailNext.
type Mailbox struct {
	mutex    sync.Mutex
	folders  []mail.Folder
	order    map[string][]string
	messages map[string]*stored
	nextID   int
	failures map[string][]error
	calls    map[string]int

	// AttachmentLimit is advertised through mail.SizeLimiter when > 0
	AttachmentLimit int64
	// SystemNames answers mail.SystemFolderNamer
	SystemNames map[string]string
}

// NewMailbox creates an empty account
func NewMailbox() *Mailbox {
	return &Mailbox{
		order:    make(map[string][]string),
		messages: make(map[string]*stored),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// AddFolder adds a folder and returns its id
func (m *Mailbox) AddFolder(name string, system bool) string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.addFolderLocked(name, system)
}

func (m *Mailbox) addFolderLocked(name string, system bool) string {
	m.nextID++
	id := fmt.Sprintf("f%d", m.nextID)
	m.folders = append(m.folders, mail.Folder{ID: id, Name: name, System: system})
	return id
}

// AddMessage stores raw in folderID and returns the message id
func (m *Mailbox) AddMessage(folderID string, raw []byte, unread bool, date time.Time) string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.addMessageLocked(folderID, mail.Message{Raw: raw, Unread: unread, InternalDate: date})
}

func (m *Mailbox) addMessageLocked(folderID string, msg mail.Message) string {
	m.nextID++
	msg.ID = fmt.Sprintf("m%d", m.nextID)
	m.messages[msg.ID] = &stored{folderID: folderID, msg: msg}
	m.order[folderID] = append(m.order[folderID], msg.ID)
	return msg.ID
}

// Label makes an existing message also listed under folderID, the way a
// Gmail message carrying several labels is
func (m *Mailbox) Label(messageID, folderID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.order[folderID] = append(m.order[folderID], messageID)
}

// FailNext queues errs to be returned, in order, by the next calls of op
// for key. key is the message id for GetMessage, the folder id for
// ListMessages and InsertMessage, the name for CreateFolder, and "" for
// ListFolders.
func (m *Mailbox) FailNext(op, key string, errs ...error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	k := op + ":" + key
	m.failures[k] = append(m.failures[k], errs...)
}

// Calls returns how many times op was invoked
func (m *Mailbox) Calls(op string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.calls[op]
}

// Messages returns the messages stored in folderID in insertion order
func (m *Mailbox) Messages(folderID string) []mail.Message {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	var out []mail.Message
	for _, id := range m.order[folderID] {
		out = append(out, m.messages[id].msg)
	}
	return out
}

// Folders returns a copy of the folder list
func (m *Mailbox) Folders() []mail.Folder {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]mail.Folder(nil), m.folders...)
}

func (m *Mailbox) fail(op, key string) error {
	m.calls[op]++
	k := op + ":" + key
	if q := m.failures[k]; len(q) > 0 {
		m.failures[k] = q[1:]
		return q[0]
	}
	return nil
}

func (m *Mailbox) ListFolders(ctx context.Context) ([]mail.Folder, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.fail("ListFolders", ""); err != nil {
		return nil, err
	}
	out := make([]mail.Folder, 0, len(m.folders))
	for _, f := range m.folders {
		f.MessageCount = int64(len(m.order[f.ID]))
		out = append(out, f)
	}
	return out, nil
}

func (m *Mailbox) ListMessages(ctx context.Context, folderID string, filter mail.Filter, pageToken string, pageSize int) (mail.Page, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.fail("ListMessages", folderID); err != nil {
		return mail.Page{}, err
	}

	var matched []mail.MessageRef
	for _, id := range m.order[folderID] {
		s := m.messages[id]
		if filter.UnreadOnly && !s.msg.Unread {
			continue
		}
		if !filter.After.IsZero() && s.msg.InternalDate.Before(filter.After) {
			continue
		}
		if !filter.Before.IsZero() && !s.msg.InternalDate.Before(filter.Before) {
			continue
		}
		matched = append(matched, mail.MessageRef{ID: id, FolderID: folderID, SizeHint: int64(len(s.msg.Raw))})
	}

	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil {
			return mail.Page{}, mail.Permanent("list messages", fmt.Errorf("bad page token %q", pageToken))
		}
		offset = n
	}
	if pageSize <= 0 {
		pageSize = len(matched)
	}
	end := offset + pageSize
	if end > len(matched) {
		end = len(matched)
	}

	page := mail.Page{Messages: append([]mail.MessageRef(nil), matched[offset:end]...)}
	if end < len(matched) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

func (m *Mailbox) GetMessage(ctx context.Context, messageID string) (*mail.Message, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.fail("GetMessage", messageID); err != nil {
		return nil, err
	}
	s, ok := m.messages[messageID]
	if !ok {
		return nil, mail.Permanent("get message", mail.ErrNotFound)
	}
	msg := s.msg
	msg.Raw = append([]byte(nil), s.msg.Raw...)
	return &msg, nil
}

func (m *Mailbox) CreateFolder(ctx context.Context, name string) (string, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.fail("CreateFolder", name); err != nil {
		return "", err
	}
	for _, f := range m.folders {
		if f.Name == name {
			return "", &mail.AlreadyExistsError{FolderID: f.ID, Name: name}
		}
	}
	return m.addFolderLocked(name, false), nil
}

func (m *Mailbox) InsertMessage(ctx context.Context, folderID string, msg *mail.Message) (string, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.fail("InsertMessage", folderID); err != nil {
		return "", err
	}
	found := false
	for _, f := range m.folders {
		if f.ID == folderID {
			found = true
			break
		}
	}
	if !found {
		return "", mail.Permanent("insert message", mail.ErrNotFound)
	}
	cp := *msg
	cp.Raw = append([]byte(nil), msg.Raw...)
	return m.addMessageLocked(folderID, cp), nil
}

// MaxAttachmentSize implements mail.SizeLimiter
func (m *Mailbox) MaxAttachmentSize() int64 {
	return m.AttachmentLimit
}

// SystemFolderName implements mail.SystemFolderNamer
func (m *Mailbox) SystemFolderName(label string) (string, bool) {
	name, ok := m.SystemNames[label]
	return name, ok
}

// Raw builds a minimal text/plain RFC 822 message
func Raw(subject string) []byte {
	return []byte("From: sender@example.com\r\n" +
		"To: rcpt@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
		"Message-ID: <" + strings.ReplaceAll(subject, " ", ".") + "@example.com>\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Body of " + subject + "\r\n")
}

// RawWithAttachment builds a multipart message with one attachment of size bytes
func RawWithAttachment(subject, fileName string, size int) []byte {
	payload := strings.Repeat("A", size)
	return []byte("From: sender@example.com\r\n" +
		"To: rcpt@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=\"XYZ\"\r\n" +
		"\r\n" +
		"--XYZ\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"See attached.\r\n" +
		"--XYZ\r\n" +
		"Content-Type: application/octet-stream\r\n" +
		"Content-Disposition: attachment; filename=\"" + fileName + "\"\r\n" +
		"\r\n" +
		payload + "\r\n" +
		"--XYZ--\r\n")
}
