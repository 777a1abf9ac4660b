package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mail-migrator/internal/mail"
)

const rawMessage = "From: a@example.com\r\nTo: b@example.com\r\nSubject: hi\r\n\r\nbody\r\n"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func apiError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": "failure",
			"errors":  []map[string]any{{"reason": reason, "message": "failure"}},
		},
	})
}

func newTestAdapter(t *testing.T, h http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok"})
	a, err := New(context.Background(), ts, "", option.WithEndpoint(srv.URL+"/"))
	require.NoError(t, err)
	return a
}

func TestListFoldersSkipsPseudoLabels(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.True(t, strings.HasSuffix(r.URL.Path, "/users/me/labels"))
		writeJSON(w, http.StatusOK, map[string]any{"labels": []map[string]any{
			{"id": "INBOX", "name": "INBOX", "type": "system"},
			{"id": "UNREAD", "name": "UNREAD", "type": "system"},
			{"id": "CATEGORY_SOCIAL", "name": "CATEGORY_SOCIAL", "type": "system"},
			{"id": "Label_1", "name": "Work", "type": "user"},
			{"id": "Label_2", "name": "Work/Projects", "type": "user"},
		}})
	})

	folders, err := a.ListFolders(context.Background())
	require.NoError(t, err)
	require.Len(t, folders, 3)
	assert.Equal(t, mail.Folder{ID: "INBOX", Name: "INBOX", System: true}, folders[0])
	assert.Equal(t, "Label_1", folders[2].ParentID)
}

func TestListMessagesAppliesFilter(t *testing.T) {
	after := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "Label_1", q.Get("labelIds"))
		assert.Equal(t, "50", q.Get("maxResults"))
		assert.Equal(t, "next", q.Get("pageToken"))
		assert.Equal(t, "is:unread after:1704067200", q.Get("q"))
		writeJSON(w, http.StatusOK, map[string]any{
			"messages":      []map[string]any{{"id": "m1"}, {"id": "m2"}},
			"nextPageToken": "more",
		})
	})

	page, err := a.ListMessages(context.Background(), "Label_1", mail.Filter{UnreadOnly: true, After: after}, "next", 50)
	require.NoError(t, err)
	assert.Equal(t, "more", page.NextPageToken)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, mail.MessageRef{ID: "m1", FolderID: "Label_1"}, page.Messages[0])
}

func TestGetMessageDecodesRaw(t *testing.T) {
	date := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "raw", r.URL.Query().Get("format"))
		writeJSON(w, http.StatusOK, map[string]any{
			"id":           "m1",
			"raw":          base64.URLEncoding.EncodeToString([]byte(rawMessage)),
			"labelIds":     []string{"INBOX", "UNREAD"},
			"internalDate": date.UnixMilli(),
		})
	})

	msg, err := a.GetMessage(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, rawMessage, string(msg.Raw))
	assert.True(t, msg.Unread)
	assert.True(t, date.Equal(msg.InternalDate))
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		reason string
		class  mail.ErrorClass
	}{
		{"rate limited", http.StatusTooManyRequests, "rateLimitExceeded", mail.ClassTransient},
		{"quota as 403", http.StatusForbidden, "userRateLimitExceeded", mail.ClassTransient},
		{"forbidden", http.StatusForbidden, "insufficientPermissions", mail.ClassPermanent},
		{"unavailable", http.StatusServiceUnavailable, "backendError", mail.ClassTransient},
		{"expired", http.StatusUnauthorized, "authError", mail.ClassAuthExpired},
		{"bad request", http.StatusBadRequest, "invalidArgument", mail.ClassPermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				apiError(w, tc.status, tc.reason)
			})
			_, err := a.GetMessage(context.Background(), "m1")
			require.Error(t, err)
			assert.Equal(t, tc.class, mail.ClassOf(err))
		})
	}
}

func TestNotFoundIsPermanent(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		apiError(w, http.StatusNotFound, "notFound")
	})
	_, err := a.GetMessage(context.Background(), "gone")
	assert.ErrorIs(t, err, mail.ErrNotFound)
	assert.Equal(t, mail.ClassPermanent, mail.ClassOf(err))
}

func TestRetryAfterIsHonored(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		apiError(w, http.StatusTooManyRequests, "rateLimitExceeded")
	})
	_, err := a.ListFolders(context.Background())
	assert.Equal(t, 7*time.Second, mail.RetryAfterOf(err))
}

func TestCreateFolderConflictReturnsExisting(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			apiError(w, http.StatusConflict, "duplicate")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"labels": []map[string]any{
			{"id": "Label_9", "name": "Imported", "type": "user"},
		}})
	})

	_, err := a.CreateFolder(context.Background(), "Imported")
	var exists *mail.AlreadyExistsError
	require.True(t, errors.As(err, &exists))
	assert.Equal(t, "Label_9", exists.FolderID)
}

func TestCreateFolderConflictMatchesExactName(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			apiError(w, http.StatusConflict, "duplicate")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"labels": []map[string]any{
			{"id": "Label_8", "name": "imported", "type": "user"},
			{"id": "Label_9", "name": "Imported", "type": "user"},
		}})
	})

	_, err := a.CreateFolder(context.Background(), "Imported")
	var exists *mail.AlreadyExistsError
	require.True(t, errors.As(err, &exists))
	assert.Equal(t, "Label_9", exists.FolderID)
}

func TestSystemFolderName(t *testing.T) {
	a := &Adapter{}
	name, ok := a.SystemFolderName(mail.SystemSent)
	assert.True(t, ok)
	assert.Equal(t, "SENT", name)
	_, ok = a.SystemFolderName(mail.SystemArchive)
	assert.False(t, ok, "archiving removes INBOX, there is no label")
}

func TestQuery(t *testing.T) {
	assert.Empty(t, query(mail.Filter{}))
	before := time.Unix(1700000000, 0)
	assert.Equal(t, "before:1700000000", query(mail.Filter{Before: before}))
}
