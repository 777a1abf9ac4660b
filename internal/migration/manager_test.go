package migration

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mail-migrator/internal/eventstore/sqlite"
	"github.com/Martian-dev/mail-migrator/internal/mail"
	"github.com/Martian-dev/mail-migrator/internal/mail/mailtest"
	"github.com/Martian-dev/mail-migrator/internal/progress"
	"github.com/Martian-dev/mail-migrator/internal/retry"
)

type memorySink struct {
	mutex sync.Mutex
	puts  map[string][]byte
}

func (s *memorySink) Put(ctx context.Context, key string, data []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.puts == nil {
		s.puts = map[string][]byte{}
	}
	s.puts[key] = data
	return nil
}

func (s *memorySink) get(key string) []byte {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.puts[key]
}

type countingObserver struct {
	mutex  sync.Mutex
	events []progress.Event
}

func (o *countingObserver) Forward(ctx context.Context, events <-chan progress.Event) {
	for ev := range events {
		o.mutex.Lock()
		o.events = append(o.events, ev)
		o.mutex.Unlock()
	}
}

func factoryFor(src, dst mail.Client) ProviderFactory {
	return func(ctx context.Context, ep Endpoint) (mail.Client, retry.Refresher, error) {
		switch ep.Provider {
		case mail.ProviderGoogle:
			return src, nil, nil
		case mail.ProviderMicrosoft:
			return dst, nil, nil
		}
		return nil, nil, errors.New("no client")
	}
}

func request(batch int) Request {
	return Request{
		Source:      Endpoint{Provider: mail.ProviderGoogle, AccessToken: "a"},
		Destination: Endpoint{Provider: mail.ProviderMicrosoft, AccessToken: "b"},
		Options:     defaultOpts(batch),
	}
}

func waitDone(t *testing.T, m *Manager, id string) {
	t.Helper()
	done, err := m.Done(id)
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("migration did not finish")
	}
}

func TestManagerRunsAndPersists(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "events.db"), sqlite.DriverModernc)
	require.NoError(t, err)
	defer store.Close()

	src := mailtest.NewMailbox()
	seedInbox(src, 3)
	src.AddFolder("Work", false)
	dst := mailtest.NewMailbox()
	sink := &memorySink{}
	obs := &countingObserver{}

	m := NewManager(Config{Factory: factoryFor(src, dst), Store: store, Reports: sink, Observers: []Observer{obs}, Policy: quick, RateLimit: 6000})
	id, err := m.StartMigration(context.Background(), request(2))
	require.NoError(t, err)
	waitDone(t, m, id)

	snap, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, progress.StatusCompleted, snap.Status)
	assert.Equal(t, int64(3), snap.Counters.Succeeded)

	rec, err := store.LoadJob(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "completed", rec.Status)

	events, err := store.LoadProgress(context.Background(), id, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	last, err := progress.DecodeEvent(events[len(events)-1].Payload)
	require.NoError(t, err)
	assert.Equal(t, progress.StatusCompleted, last.Status)

	outbox, err := store.DequeueOutbox(context.Background(), 1000)
	require.NoError(t, err)
	require.Len(t, outbox, len(events))
	assert.Equal(t, Subject(id), outbox[0].Subject)
	assert.Equal(t, MsgID(id, 1), outbox[0].MsgID)

	mappings, err := store.LoadMappings(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, mappings, 2)

	var rep Report
	require.NoError(t, json.Unmarshal(sink.get(ReportKey(id)), &rep))
	assert.Equal(t, id, rep.JobID)
	assert.Equal(t, int64(3), rep.Counters.Processed)
	assert.Len(t, rep.FolderResults, 2)
	assert.NotEmpty(t, rep.Log)

	obs.mutex.Lock()
	assert.Len(t, obs.events, len(events)+1, "observer sees the snapshot and every event")
	obs.mutex.Unlock()

	fromAPI, err := m.Report(id)
	require.NoError(t, err)
	assert.Equal(t, rep.Counters, fromAPI.Counters)

	// a restarted process still answers Get from the store
	restarted := NewManager(Config{Factory: factoryFor(src, dst), Store: store})
	old, err := restarted.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, progress.StatusCompleted, old.Status)
	assert.Equal(t, int64(3), old.Counters.Succeeded)
	assert.Equal(t, 2, old.Options.BatchSize)
}

func TestManagerControlsAndReportGate(t *testing.T) {
	base := mailtest.NewMailbox()
	_, ids := seedInbox(base, 3)
	src := newGated(base, ids[0])
	m := NewManager(Config{Factory: factoryFor(src, mailtest.NewMailbox()), Policy: quick})

	id, err := m.StartMigration(context.Background(), request(2))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := m.Subscribe(ctx, id)
	require.NoError(t, err)

	<-src.entered
	_, err = m.Report(id)
	assert.ErrorIs(t, err, ErrNotTerminal)

	require.NoError(t, m.Pause(id))
	require.NoError(t, m.Resume(id))
	require.NoError(t, m.Cancel(id))
	close(src.release)
	waitDone(t, m, id)

	var statuses []progress.Status
	for ev := range stream {
		if len(statuses) == 0 || statuses[len(statuses)-1] != ev.Status {
			statuses = append(statuses, ev.Status)
		}
	}
	assert.Contains(t, statuses, progress.StatusPaused)
	assert.Equal(t, progress.StatusCancelled, statuses[len(statuses)-1])

	rep, err := m.Report(id)
	require.NoError(t, err)
	assert.Equal(t, progress.StatusCancelled, rep.Status)
	assert.Equal(t, int64(1), rep.Counters.Processed)

	list := m.List()
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
}

func TestManagerUnknownJob(t *testing.T) {
	m := NewManager(Config{Factory: factoryFor(nil, nil)})
	assert.ErrorIs(t, m.Pause("nope"), ErrNotFound)
	assert.ErrorIs(t, m.Resume("nope"), ErrNotFound)
	assert.ErrorIs(t, m.Cancel("nope"), ErrNotFound)
	_, err := m.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Report("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Subscribe(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStartMigrationValidates(t *testing.T) {
	m := NewManager(Config{Factory: factoryFor(mailtest.NewMailbox(), mailtest.NewMailbox())})

	bad := request(2)
	bad.Source.Provider = "AOL"
	_, err := m.StartMigration(context.Background(), bad)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	bad = request(2)
	bad.Options.After = day
	bad.Options.Before = day.Add(-time.Hour)
	_, err = m.StartMigration(context.Background(), bad)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	bad = request(2)
	bad.Destination.Provider = mail.ProviderYahoo
	_, err = m.StartMigration(context.Background(), bad)
	assert.Error(t, err, "factory error surfaces")
	assert.Empty(t, m.List())
}

func TestManagerShutdownCancelsJobs(t *testing.T) {
	base := mailtest.NewMailbox()
	_, ids := seedInbox(base, 2)
	src := newGated(base, ids[0])
	m := NewManager(Config{Factory: factoryFor(src, mailtest.NewMailbox()), Policy: quick})

	id, err := m.StartMigration(context.Background(), request(2))
	require.NoError(t, err)
	<-src.entered

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	snap, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, progress.StatusCancelled, snap.Status)
}

// liveObserver keeps only events that arrive while its context is live,
// the way a network forwarder drops writes on a cancelled context
type liveObserver struct {
	countingObserver
}

func (o *liveObserver) Forward(ctx context.Context, events <-chan progress.Event) {
	for ev := range events {
		if ctx.Err() != nil {
			continue
		}
		o.mutex.Lock()
		o.events = append(o.events, ev)
		o.mutex.Unlock()
	}
}

func TestManagerShutdownStoresTerminalEvent(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "events.db"), sqlite.DriverModernc)
	require.NoError(t, err)
	defer store.Close()

	base := mailtest.NewMailbox()
	_, ids := seedInbox(base, 2)
	src := newGated(base, ids[0])
	obs := &liveObserver{}
	m := NewManager(Config{Factory: factoryFor(src, mailtest.NewMailbox()), Store: store, Observers: []Observer{obs}, Policy: quick})

	id, err := m.StartMigration(context.Background(), request(2))
	require.NoError(t, err)
	<-src.entered

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	events, err := store.LoadProgress(context.Background(), id, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	last, err := progress.DecodeEvent(events[len(events)-1].Payload)
	require.NoError(t, err)
	assert.Equal(t, progress.StatusCancelled, last.Status)

	rec, err := store.LoadJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", rec.Status)

	obs.mutex.Lock()
	defer obs.mutex.Unlock()
	require.NotEmpty(t, obs.events)
	assert.Equal(t, progress.StatusCancelled, obs.events[len(obs.events)-1].Status)
}

type flakyPublisher struct {
	mutex     sync.Mutex
	fail      bool
	published []string
}

func (p *flakyPublisher) Publish(subject string, payload []byte, msgID string) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.fail {
		return errors.New("nats unavailable")
	}
	p.published = append(p.published, msgID)
	return nil
}

func TestDispatcher(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "events.db"), "")
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	for seq := uint64(1); seq <= 3; seq++ {
		ev := progress.Event{Seq: seq, JobID: "job-1", Status: progress.StatusRunning}
		payload, err := progress.Encode(ev)
		require.NoError(t, err)
		require.NoError(t, store.AppendProgress(ctx,
			sqlite.ProgressRecord{JobID: "job-1", Seq: seq, TS: time.Now(), Payload: payload},
			outboxMessage(ev, payload)))
	}

	pub := &flakyPublisher{fail: true}
	d := &Dispatcher{Outbox: store, Publisher: pub, Backoff: retry.Policy{InitialBackoff: time.Hour, MaxBackoff: time.Hour, Multiplier: 2}}
	n, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// every row is parked for an hour
	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	store2 := &sqliteOutboxNow{Store: store}
	pub.fail = false
	d.Outbox = store2
	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{MsgID("job-1", 1), MsgID("job-1", 2), MsgID("job-1", 3)}, pub.published)

	left, err := store.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, left)
}

// sqliteOutboxNow ignores next_attempt_at so parked rows can be dispatched
type sqliteOutboxNow struct {
	*sqlite.Store
}

func (s *sqliteOutboxNow) DequeueOutbox(ctx context.Context, limit int) ([]sqlite.OutboxMessage, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, event_type, payload, msg_id, retries FROM outbox
		WHERE published_at IS NULL ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []sqlite.OutboxMessage
	for rows.Next() {
		var m sqlite.OutboxMessage
		if err := rows.Scan(&m.ID, &m.Subject, &m.EventType, &m.Payload, &m.MsgID, &m.Retries); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func TestSubjectAndMsgID(t *testing.T) {
	assert.Equal(t, "migration.abc.progress", Subject("abc"))
	assert.Equal(t, "progress|abc|7", MsgID("abc", 7))
	assert.Equal(t, "reports/abc.json", ReportKey("abc"))
}
