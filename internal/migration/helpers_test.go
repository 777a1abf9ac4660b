package migration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mail-migrator/internal/mail"
	"github.com/Martian-dev/mail-migrator/internal/mail/mailtest"
	"github.com/Martian-dev/mail-migrator/internal/mapper"
	"github.com/Martian-dev/mail-migrator/internal/progress"
	"github.com/Martian-dev/mail-migrator/internal/retry"
)

var quick = retry.Policy{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Multiplier: 2}

var day = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// refresher counts refresh calls and fails with err when set
type refresher struct {
	mutex sync.Mutex
	calls int
	err   error
}

func (r *refresher) Refresh(ctx context.Context) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.calls++
	return r.err
}

func (r *refresher) Calls() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.calls
}

// gated blocks GetMessage of one message until released
type gated struct {
	*mailtest.Mailbox
	messageID string
	entered   chan struct{}
	release   chan struct{}
}

func newGated(m *mailtest.Mailbox, messageID string) *gated {
	return &gated{Mailbox: m, messageID: messageID, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gated) GetMessage(ctx context.Context, id string) (*mail.Message, error) {
	if id == g.messageID {
		close(g.entered)
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.Mailbox.GetMessage(ctx, id)
}

type harness struct {
	job    *Job
	ctrl   *Controller
	events []progress.Event
	err    error
	done   chan struct{}
}

func newHarness(src, dst mail.Client, opts Options, scope Scope) *harness {
	job := newJob("job-1", mail.ProviderGoogle, mail.ProviderMicrosoft, scope, opts)
	h := &harness{job: job, done: make(chan struct{})}
	h.ctrl = &Controller{
		Job:         job,
		Source:      src,
		Destination: dst,
		Policy:      quick,
		Mapper: mapper.New(mapper.Config{
			JobID:       job.id,
			Destination: dst,
			Policy:      quick,
			FlattenTo:   flattenTarget(job.options),
		}),
	}
	return h
}

// start runs the controller in the background and records every event
func (h *harness) start(t *testing.T) {
	t.Helper()
	events := h.job.Reporter().Attach(context.Background())
	collected := make(chan struct{})
	go func() {
		for ev := range events {
			if !ev.Snapshot {
				h.events = append(h.events, ev)
			}
		}
		close(collected)
	}()
	go func() {
		h.err = h.ctrl.Run(context.Background())
		h.job.Reporter().Close()
		<-collected
		close(h.done)
	}()
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	h.start(t)
	h.wait(t)
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not finish")
	}
}

func (h *harness) batches() []int {
	var sizes []int
	for _, ev := range h.events {
		if ev.Batch != nil {
			sizes = append(sizes, ev.Batch.Size)
		}
	}
	return sizes
}

func (h *harness) logs(match func(progress.LogEntry) bool) []progress.LogEntry {
	var out []progress.LogEntry
	for _, ev := range h.events {
		if ev.Log != nil && match(*ev.Log) {
			out = append(out, *ev.Log)
		}
	}
	return out
}

// assertCounterInvariants checks every observed snapshot
func assertCounterInvariants(t *testing.T, events []progress.Event) {
	t.Helper()
	var lastSeq uint64
	terminal := false
	for _, ev := range events {
		c := ev.Counters
		assert.Equal(t, c.Succeeded+c.Failed, c.Processed, "seq %d", ev.Seq)
		if c.TotalKnown {
			assert.LessOrEqual(t, c.Processed, c.Total, "seq %d", ev.Seq)
		}
		assert.Greater(t, ev.Seq, lastSeq)
		lastSeq = ev.Seq
		assert.False(t, terminal, "event after terminal status at seq %d", ev.Seq)
		terminal = ev.Status.Terminal()
	}
}

func seedInbox(src *mailtest.Mailbox, n int) (string, []string) {
	folder := src.AddFolder("Inbox", false)
	var ids []string
	for i := 0; i < n; i++ {
		ids = append(ids, src.AddMessage(folder, mailtest.Raw("message "+string(rune('a'+i))), i%2 == 0, day.Add(time.Duration(i)*time.Hour)))
	}
	return folder, ids
}

func defaultOpts(batch int) Options {
	o := DefaultOptions()
	o.BatchSize = batch
	return o
}

var errBoom = errors.New("boom")

func requireStatus(t *testing.T, h *harness, want progress.Status) {
	t.Helper()
	require.Equal(t, want, h.job.Status(), "job error: %v", h.err)
}
