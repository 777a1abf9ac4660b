package api

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mail-migrator/internal/auth"
	"github.com/Martian-dev/mail-migrator/internal/mail"
	"github.com/Martian-dev/mail-migrator/internal/mail/mailtest"
	"github.com/Martian-dev/mail-migrator/internal/migration"
	"github.com/Martian-dev/mail-migrator/internal/progress"
	"github.com/Martian-dev/mail-migrator/internal/retry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeMigrations records calls and serves canned state
type fakeMigrations struct {
	mutex    sync.Mutex
	requests []migration.Request
	actions  []string
	status   progress.Status
	events   chan progress.Event
	startErr error
}

func newFake() *fakeMigrations {
	return &fakeMigrations{status: progress.StatusRunning, events: make(chan progress.Event, 8)}
}

func (f *fakeMigrations) StartMigration(ctx context.Context, req migration.Request) (string, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.requests = append(f.requests, req)
	return "job-1", nil
}

func (f *fakeMigrations) act(action, id string, next progress.Status) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if id != "job-1" {
		return migration.ErrNotFound
	}
	if f.status.Terminal() {
		return fmt.Errorf("%w: %s is %s", migration.ErrInvalidTransition, id, f.status)
	}
	f.actions = append(f.actions, action)
	f.status = next
	return nil
}

func (f *fakeMigrations) Pause(id string) error {
	return f.act("pause", id, progress.StatusPaused)
}

func (f *fakeMigrations) Resume(id string) error {
	return f.act("resume", id, progress.StatusRunning)
}

func (f *fakeMigrations) Cancel(id string) error {
	return f.act("cancel", id, progress.StatusCancelled)
}

func (f *fakeMigrations) Actions() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]string(nil), f.actions...)
}

func (f *fakeMigrations) Subscribe(ctx context.Context, id string) (<-chan progress.Event, error) {
	if id != "job-1" {
		return nil, migration.ErrNotFound
	}
	return f.events, nil
}

func (f *fakeMigrations) Get(ctx context.Context, id string) (migration.Snapshot, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if id != "job-1" {
		return migration.Snapshot{}, migration.ErrNotFound
	}
	return migration.Snapshot{ID: id, Status: f.status}, nil
}

func (f *fakeMigrations) List() []migration.Snapshot {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return []migration.Snapshot{{ID: "job-1", Status: f.status}}
}

func (f *fakeMigrations) Report(id string) (migration.Report, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if id != "job-1" {
		return migration.Report{}, migration.ErrNotFound
	}
	if !f.status.Terminal() {
		return migration.Report{}, migration.ErrNotTerminal
	}
	return migration.Report{JobID: id, Status: f.status}, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestStartMigration(t *testing.T) {
	f := newFake()
	r := NewServer(f, nil).Router()

	w := do(t, r, http.MethodPost, "/migrations", `{
		"source": {"provider": "google", "access_token": "g-token"},
		"destination": {"provider": "outlook", "account": "me@example.com", "access_token": "m-token"},
		"scope": {"folder_id": "INBOX"},
		"options": {"batch_size": 50, "unread_only": true}
	}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.JSONEq(t, `{"job_id":"job-1","status":"pending"}`, w.Body.String())

	require.Len(t, f.requests, 1)
	req := f.requests[0]
	assert.Equal(t, mail.ProviderGoogle, req.Source.Provider)
	assert.Equal(t, "g-token", req.Source.AccessToken)
	assert.Equal(t, mail.ProviderMicrosoft, req.Destination.Provider)
	assert.Equal(t, "me@example.com", req.Destination.Account)
	assert.Equal(t, "INBOX", req.Scope.FolderID)
	assert.Equal(t, 50, req.Options.BatchSize)
	assert.True(t, req.Options.UnreadOnly)
	// unset options keep their defaults
	assert.True(t, req.Options.PreserveFolders)
	assert.True(t, req.Options.IncludeAttachments)
}

func TestStartMigrationRejects(t *testing.T) {
	f := newFake()
	r := NewServer(f, nil).Router()

	cases := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"missing destination", `{"source": {"provider": "google", "access_token": "x"}}`},
		{"unknown provider", `{"source": {"provider": "aol", "access_token": "x"}, "destination": {"provider": "google", "access_token": "y"}}`},
		{"no credential", `{"source": {"provider": "google"}, "destination": {"provider": "yahoo", "access_token": "y"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, r, http.MethodPost, "/migrations", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
	assert.Empty(t, f.requests)

	f.startErr = fmt.Errorf("%w: empty date range", migration.ErrInvalidRequest)
	w := do(t, r, http.MethodPost, "/migrations", `{"source": {"provider": "google", "access_token": "x"}, "destination": {"provider": "yahoo", "access_token": "y"}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.startErr = fmt.Errorf("create source provider: %w", mail.AuthExpired("list folders", fmt.Errorf("token revoked")))
	w = do(t, r, http.MethodPost, "/migrations", `{"source": {"provider": "google", "access_token": "x"}, "destination": {"provider": "yahoo", "access_token": "y"}}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestControlEndpoints(t *testing.T) {
	f := newFake()
	r := NewServer(f, nil).Router()

	w := do(t, r, http.MethodPost, "/migrations/job-1/pause", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"job_id":"job-1","status":"paused"}`, w.Body.String())

	w = do(t, r, http.MethodPost, "/migrations/job-1/resume", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"job_id":"job-1","status":"running"}`, w.Body.String())

	w = do(t, r, http.MethodGet, "/migrations/job-1/report", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, r, http.MethodPost, "/migrations/job-1/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodPost, "/migrations/job-1/resume", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, r, http.MethodGet, "/migrations/job-1/report", "")
	require.Equal(t, http.StatusOK, w.Code)
	var report migration.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, progress.StatusCancelled, report.Status)

	w = do(t, r, http.MethodPost, "/migrations/nope/pause", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(t, r, http.MethodGet, "/migrations/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodGet, "/migrations", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"job_id":"job-1"`)

	assert.Equal(t, []string{"pause", "resume", "cancel"}, f.Actions())
}

func TestServerSentEvents(t *testing.T) {
	f := newFake()
	f.events <- progress.Event{Seq: 1, JobID: "job-1", Status: progress.StatusRunning, Snapshot: true}
	f.events <- progress.Event{Seq: 2, JobID: "job-1", Status: progress.StatusCompleted}
	close(f.events)

	srv := httptest.NewServer(NewServer(f, nil).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/migrations/job-1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}

	require.Len(t, lines, 6)
	assert.Equal(t, "event:progress", lines[0])
	assert.Contains(t, lines[1], `"seq":1`)
	assert.Equal(t, "event:progress", lines[2])
	assert.Contains(t, lines[3], `"status":"completed"`)
	assert.Equal(t, "event:end", lines[4])
	assert.Equal(t, "data:job-1", lines[5])

	w := do(t, NewServer(f, nil).Router(), http.MethodGet, "/migrations/nope/events", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebSocketStreamsAndControls(t *testing.T) {
	f := newFake()
	srv := httptest.NewServer(NewServer(f, nil).Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/migrations/job-1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	f.events <- progress.Event{Seq: 1, JobID: "job-1", Status: progress.StatusRunning}
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	ev, err := progress.DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.Seq)

	require.NoError(t, conn.WriteJSON(wsCommand{Action: "pause"}))
	require.NoError(t, conn.WriteJSON(wsCommand{Action: "explode"}))
	require.NoError(t, conn.WriteJSON(wsCommand{Action: "cancel"}))
	assert.Eventually(t, func() bool {
		return len(f.Actions()) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"pause", "cancel"}, f.Actions())

	close(f.events)
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func remoteServer(t *testing.T) (*miniredis.Miniredis, *progress.RedisForwarder, *httptest.Server) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	forwarder := progress.NewRedisForwarder(client)

	srv := httptest.NewServer(NewServer(newFake(), nil, WithRemote(forwarder)).Router())
	t.Cleanup(srv.Close)
	return mr, forwarder, srv
}

func publishWhenListening(t *testing.T, mr *miniredis.Miniredis, f *progress.RedisForwarder, events ...progress.Event) {
	t.Helper()
	ch := progress.Channel("job-7")
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(ch)[ch] > 0
	}, 2*time.Second, 10*time.Millisecond)
	for _, ev := range events {
		require.NoError(t, f.Publish(context.Background(), ev))
	}
}

func TestServerSentEventsFromAnotherInstance(t *testing.T) {
	mr, forwarder, srv := remoteServer(t)

	type result struct {
		body string
		err  error
	}
	got := make(chan result, 1)
	go func() {
		resp, err := http.Get(srv.URL + "/migrations/job-7/events")
		if err != nil {
			got <- result{err: err}
			return
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		got <- result{body: string(body), err: err}
	}()

	publishWhenListening(t, mr, forwarder,
		progress.Event{Seq: 4, JobID: "job-7", Status: progress.StatusRunning},
		progress.Event{Seq: 5, JobID: "job-7", Status: progress.StatusCompleted},
	)

	select {
	case r := <-got:
		require.NoError(t, r.err)
		assert.Contains(t, r.body, `"seq":4`)
		assert.Contains(t, r.body, `"status":"completed"`)
		assert.Contains(t, r.body, "event:end")
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end after the terminal event")
	}
}

func TestWebSocketFromAnotherInstance(t *testing.T) {
	mr, forwarder, srv := remoteServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/migrations/job-7/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	publishWhenListening(t, mr, forwarder,
		progress.Event{Seq: 1, JobID: "job-7", Status: progress.StatusRunning},
		progress.Event{Seq: 2, JobID: "job-7", Status: progress.StatusCancelled},
	)

	for _, want := range []uint64{1, 2} {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		ev, err := progress.DecodeEvent(data)
		require.NoError(t, err)
		assert.Equal(t, want, ev.Seq)
	}
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestUnknownJobWithoutRemoteIsNotFound(t *testing.T) {
	r := NewServer(newFake(), nil).Router()
	w := do(t, r, http.MethodGet, "/migrations/job-7/ws", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func signingKey(t *testing.T) (jwk.Key, jwk.Set) {
	t.Helper()
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	key, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, "api-test"))
	require.NoError(t, key.Set(jwk.AlgorithmKey, jwa.RS256))

	pub, err := key.PublicKey()
	require.NoError(t, err)
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))
	return key, set
}

func TestAuthMiddleware(t *testing.T) {
	key, set := signingKey(t)
	tok, err := jwt.NewBuilder().Subject("user-1").Expiration(time.Now().Add(time.Hour)).Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, key))
	require.NoError(t, err)

	f := newFake()
	r := NewServer(f, auth.NewStaticVerifier(set)).Router()

	w := do(t, r, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodGet, "/migrations", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/migrations", strings.NewReader(
		`{"source": {"provider": "google"}, "destination": {"provider": "outlook"}}`))
	req.Header.Set("Authorization", "Bearer "+string(signed))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	// provider tokens come from the auth manager on behalf of the caller
	require.Len(t, f.requests, 1)
	assert.Equal(t, string(signed), f.requests[0].Source.UserJWT)
	assert.Equal(t, string(signed), f.requests[0].Destination.UserJWT)

	w = do(t, r, http.MethodGet, "/migrations?token="+string(signed), "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMigrationEndToEnd(t *testing.T) {
	src := mailtest.NewMailbox()
	inbox := src.AddFolder("INBOX", true)
	src.AddMessage(inbox, mailtest.Raw("one"), true, time.Now())
	src.AddMessage(inbox, mailtest.Raw("two"), false, time.Now())
	dst := mailtest.NewMailbox()

	m := migration.NewManager(migration.Config{
		Factory: func(ctx context.Context, ep migration.Endpoint) (mail.Client, retry.Refresher, error) {
			if ep.Provider == mail.ProviderGoogle {
				return src, nil, nil
			}
			return dst, nil, nil
		},
		Policy: retry.Policy{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 2},
	})
	r := NewServer(m, nil).Router()

	w := do(t, r, http.MethodPost, "/migrations", `{"source": {"provider": "google", "access_token": "x"}, "destination": {"provider": "microsoft", "access_token": "y"}}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var started struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))

	done, err := m.Done(started.JobID)
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("migration did not finish")
	}

	w = do(t, r, http.MethodGet, "/migrations/"+started.JobID+"/report", "")
	require.Equal(t, http.StatusOK, w.Code)
	var report migration.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, progress.StatusCompleted, report.Status)
	assert.EqualValues(t, 2, report.Counters.Succeeded)

	// a late subscriber still gets the final state before the stream ends
	srv := httptest.NewServer(r)
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/migrations/" + started.JobID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"status":"completed"`)
	assert.Contains(t, string(body), "event:end")
}
