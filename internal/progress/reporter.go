package progress

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxPending is the backlog after which a Subscribe consumer is
// considered gone and dropped
const DefaultMaxPending = 10000

// Reporter is the per-job event stream. Publish never blocks: every
// subscriber owns an unbounded queue drained by its own goroutine.
type Reporter struct {
	mutex sync.Mutex

	jobID      string
	seq        uint64
	last       Event
	log        []LogEntry
	subs       map[*subscriber]struct{}
	closed     bool
	maxPending int
	now        func() time.Time
}

// Option configures a Reporter
type Option func(*Reporter)

// WithMaxPending sets the per-subscriber backlog limit for Subscribe
func WithMaxPending(n int) Option {
	return func(r *Reporter) { r.maxPending = n }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

// NewReporter creates the stream for jobID
func NewReporter(jobID string, opts ...Option) *Reporter {
	r := &Reporter{
		jobID:      jobID,
		subs:       make(map[*subscriber]struct{}),
		maxPending: DefaultMaxPending,
		now:        time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	r.last = Event{JobID: jobID, Status: StatusPending, Timestamp: r.now().UTC()}
	return r
}

// Publish stamps ev with the next sequence number, the job id and a
// timestamp, appends it, and hands it to every subscriber. Events published
// after Close are dropped.
func (r *Reporter) Publish(ev Event) Event {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.closed {
		return ev
	}

	r.seq++
	ev.Seq = r.seq
	ev.JobID = r.jobID
	ev.Snapshot = false
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now().UTC()
	}
	if ev.Log != nil {
		entry := *ev.Log
		if entry.Timestamp.IsZero() {
			entry.Timestamp = ev.Timestamp
		}
		ev.Log = &entry
		r.log = append(r.log, entry)
	}
	r.last = ev

	for s := range r.subs {
		if !s.push(ev) {
			delete(r.subs, s)
		}
	}
	return ev
}

// Snapshot returns the counters and status as of the last event, without
// its log entry
func (r *Reporter) Snapshot() Event {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.snapshotLocked()
}

func (r *Reporter) snapshotLocked() Event {
	ev := r.last
	ev.Log = nil
	ev.Batch = nil
	ev.Snapshot = true
	return ev
}

// Log returns every log entry published so far
func (r *Reporter) Log() []LogEntry {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]LogEntry(nil), r.log...)
}

// Subscribe returns a channel that yields the current snapshot followed by
// every event published from now on. The channel is closed when ctx ends,
// when the reporter is closed and the backlog drained, or when the consumer
// falls more than the configured backlog behind.
func (r *Reporter) Subscribe(ctx context.Context) <-chan Event {
	return r.subscribe(ctx, r.maxPending)
}

// Attach is Subscribe without a backlog limit, for in-process sinks that
// must observe every event
func (r *Reporter) Attach(ctx context.Context) <-chan Event {
	return r.subscribe(ctx, 0)
}

func (r *Reporter) subscribe(ctx context.Context, limit int) <-chan Event {
	s := &subscriber{
		out:    make(chan Event),
		signal: make(chan struct{}, 1),
		limit:  limit,
	}

	r.mutex.Lock()
	s.queue = append(s.queue, r.snapshotLocked())
	if r.closed {
		s.done = true
	} else {
		r.subs[s] = struct{}{}
	}
	r.mutex.Unlock()

	go func() {
		s.pump(ctx)
		r.mutex.Lock()
		delete(r.subs, s)
		r.mutex.Unlock()
	}()
	return s.out
}

// Subscribers returns the number of attached consumers
func (r *Reporter) Subscribers() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.subs)
}

// Close ends the stream. Subscribers receive what is already queued and
// then see their channel closed.
func (r *Reporter) Close() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for s := range r.subs {
		s.finish()
	}
	r.subs = map[*subscriber]struct{}{}
}

type subscriber struct {
	mutex  sync.Mutex
	queue  []Event
	done   bool
	limit  int
	signal chan struct{}
	out    chan Event
}

// push queues ev; false means the subscriber is over its limit or gone
func (s *subscriber) push(ev Event) bool {
	s.mutex.Lock()
	if s.done {
		s.mutex.Unlock()
		return false
	}
	if s.limit > 0 && len(s.queue) >= s.limit {
		s.queue = nil
		s.done = true
		s.mutex.Unlock()
		s.wake()
		return false
	}
	s.queue = append(s.queue, ev)
	s.mutex.Unlock()
	s.wake()
	return true
}

func (s *subscriber) finish() {
	s.mutex.Lock()
	s.done = true
	s.mutex.Unlock()
	s.wake()
}

func (s *subscriber) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump(ctx context.Context) {
	defer close(s.out)
	for {
		s.mutex.Lock()
		if len(s.queue) == 0 {
			done := s.done
			s.mutex.Unlock()
			if done {
				return
			}
			select {
			case <-s.signal:
				continue
			case <-ctx.Done():
				s.finish()
				return
			}
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mutex.Unlock()

		select {
		case s.out <- ev:
		case <-ctx.Done():
			s.finish()
			return
		}
	}
}
