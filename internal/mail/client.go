package mail

import (
	"context"
	"time"
)

// ProviderName represents email provider types
type ProviderName string

const (
	ProviderGoogle    ProviderName = "GOOGLE"
	ProviderMicrosoft ProviderName = "MICROSOFT"
	ProviderYahoo     ProviderName = "YAHOO"
)

// ParseProvider maps user input ("gmail", "outlook", "YAHOO", ...) to a ProviderName
func ParseProvider(s string) (ProviderName, bool) {
	switch s {
	case "google", "gmail", "GOOGLE":
		return ProviderGoogle, true
	case "microsoft", "outlook", "MICROSOFT":
		return ProviderMicrosoft, true
	case "yahoo", "imap", "YAHOO":
		return ProviderYahoo, true
	}
	return "", false
}

// Folder is one node of a provider's folder/label taxonomy
type Folder struct {
	ID           string
	Name         string
	ParentID     string
	MessageCount int64
	// System marks provider-defined folders (Gmail INBOX, SENT, ...)
	System bool
}

// Filter restricts listing. Applied by the provider at listing time.
type Filter struct {
	UnreadOnly bool
	After      time.Time
	Before     time.Time
}

// MessageRef identifies a source message produced by paginated listing
type MessageRef struct {
	ID       string
	FolderID string
	SizeHint int64
}

// Page is one page of a folder listing. NextPageToken is empty on the last page.
type Page struct {
	Messages      []MessageRef
	NextPageToken string
}

// Message is a full message as raw RFC 822 bytes plus the metadata that
// travels outside the MIME body.
type Message struct {
	ID           string
	Raw          []byte
	Unread       bool
	InternalDate time.Time
}

// Client is the uniform capability set over one provider's mail API.
// Implementations classify their failures with the ProviderError taxonomy.
type Client interface {
	ListFolders(ctx context.Context) ([]Folder, error)
	ListMessages(ctx context.Context, folderID string, filter Filter, pageToken string, pageSize int) (Page, error)
	GetMessage(ctx context.Context, messageID string) (*Message, error)
	// CreateFolder returns the new folder id, or an *AlreadyExistsError
	// carrying the existing id.
	CreateFolder(ctx context.Context, name string) (string, error)
	InsertMessage(ctx context.Context, folderID string, msg *Message) (string, error)
}

// SizeLimiter is implemented by destinations that cap attachment size
type SizeLimiter interface {
	MaxAttachmentSize() int64
}

// Well-known folders, named by their Gmail label ids
const (
	SystemInbox     = "INBOX"
	SystemSent      = "SENT"
	SystemDrafts    = "DRAFT"
	SystemTrash     = "TRASH"
	SystemSpam      = "SPAM"
	SystemImportant = "IMPORTANT"
	SystemStarred   = "STARRED"
	SystemArchive   = "ARCHIVE"
)

// SystemFolderNamer is implemented by destinations whose well-known folders
// have reserved names. label is one of the System* constants.
type SystemFolderNamer interface {
	SystemFolderName(label string) (string, bool)
}
