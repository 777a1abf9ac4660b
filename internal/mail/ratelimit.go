package mail

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimited wraps c so that every provider call first waits on a token
// bucket allowing perMinute calls per minute. perMinute <= 0 returns c.
func RateLimited(c Client, perMinute int) Client {
	if perMinute <= 0 {
		return c
	}
	every := time.Minute / time.Duration(perMinute)
	return &rateLimited{
		next:    c,
		limiter: rate.NewLimiter(rate.Every(every), 1),
	}
}

type rateLimited struct {
	next    Client
	limiter *rate.Limiter
}

func (r *rateLimited) ListFolders(ctx context.Context) ([]Folder, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.next.ListFolders(ctx)
}

func (r *rateLimited) ListMessages(ctx context.Context, folderID string, filter Filter, pageToken string, pageSize int) (Page, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Page{}, err
	}
	return r.next.ListMessages(ctx, folderID, filter, pageToken, pageSize)
}

func (r *rateLimited) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.next.GetMessage(ctx, messageID)
}

func (r *rateLimited) CreateFolder(ctx context.Context, name string) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return r.next.CreateFolder(ctx, name)
}

func (r *rateLimited) InsertMessage(ctx context.Context, folderID string, msg *Message) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return r.next.InsertMessage(ctx, folderID, msg)
}

// MaxAttachmentSize forwards to the wrapped client when it advertises a limit
func (r *rateLimited) MaxAttachmentSize() int64 {
	if l, ok := r.next.(SizeLimiter); ok {
		return l.MaxAttachmentSize()
	}
	return 0
}

// SystemFolderName forwards to the wrapped client
func (r *rateLimited) SystemFolderName(label string) (string, bool) {
	if n, ok := r.next.(SystemFolderNamer); ok {
		return n.SystemFolderName(label)
	}
	return "", false
}
