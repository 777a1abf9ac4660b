package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mail-migrator/internal/eventstore/sqlite"
	"github.com/Martian-dev/mail-migrator/internal/mail"
	"github.com/Martian-dev/mail-migrator/internal/mapper"
	"github.com/Martian-dev/mail-migrator/internal/progress"
	"github.com/Martian-dev/mail-migrator/internal/retry"
)

// ErrInvalidRequest is wrapped by StartMigration for malformed requests
var ErrInvalidRequest = errors.New("invalid migration request")

// Endpoint is one side of a migration
type Endpoint struct {
	Provider mail.ProviderName `json:"provider"`
	// UserJWT fetches provider tokens from the auth manager
	UserJWT string `json:"-"`
	// AccessToken is used as-is when UserJWT is empty
	AccessToken string `json:"-"`
	// Account is the provider login; "me" for the token owner when empty
	Account string `json:"account,omitempty"`
}

// Request is everything needed to start a migration
type Request struct {
	Source      Endpoint `json:"source"`
	Destination Endpoint `json:"destination"`
	Scope       Scope    `json:"scope"`
	Options     Options  `json:"options"`
}

// ProviderFactory creates a client for one side of a migration together with
// the refresher that renews its credential (nil when it cannot be renewed)
type ProviderFactory func(ctx context.Context, ep Endpoint) (mail.Client, retry.Refresher, error)

// Store is the durable side of the Manager; *sqlite.Store implements it
type Store interface {
	mapper.Store
	SaveJob(ctx context.Context, job sqlite.JobRecord) error
	LoadJob(ctx context.Context, id string) (*sqlite.JobRecord, error)
	AppendProgress(ctx context.Context, ev sqlite.ProgressRecord, out sqlite.OutboxMessage) error
}

// ReportSink archives end-of-job reports
type ReportSink interface {
	Put(ctx context.Context, key string, data []byte) error
}

// Observer consumes a job's live events, e.g. a Redis forwarder
type Observer interface {
	Forward(ctx context.Context, events <-chan progress.Event)
}

// Config wires a Manager. Only Factory is required.
type Config struct {
	Factory ProviderFactory
	Store   Store
	Reports ReportSink
	// Observers receive every live event of every job
	Observers []Observer
	Policy    retry.Policy
	// RateLimit caps provider calls per minute per client; 0 disables
	RateLimit int
}

type jobEntry struct {
	job    *Job
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns every job of the process, keyed by job id
type Manager struct {
	cfg       Config
	jobs      map[string]*jobEntry
	jobsMutex sync.RWMutex
	wg        sync.WaitGroup
}

// NewManager creates a migration manager
func NewManager(cfg Config) *Manager {
	if cfg.Policy == (retry.Policy{}) {
		cfg.Policy = retry.DefaultPolicy()
	}
	return &Manager{cfg: cfg, jobs: make(map[string]*jobEntry)}
}

// StartMigration validates req, connects both providers and starts the job
// in the background. The job outlives ctx.
func (m *Manager) StartMigration(ctx context.Context, req Request) (string, error) {
	if err := validate(req); err != nil {
		return "", err
	}

	source, sourceAuth, err := m.cfg.Factory(ctx, req.Source)
	if err != nil {
		return "", fmt.Errorf("create source provider: %w", err)
	}
	dest, destAuth, err := m.cfg.Factory(ctx, req.Destination)
	if err != nil {
		if cl, ok := source.(io.Closer); ok {
			_ = cl.Close()
		}
		return "", fmt.Errorf("create destination provider: %w", err)
	}
	closers := []mail.Client{source, dest}
	if m.cfg.RateLimit > 0 {
		source = mail.RateLimited(source, m.cfg.RateLimit)
		dest = mail.RateLimited(dest, m.cfg.RateLimit)
	}

	id := uuid.NewString()
	job := newJob(id, req.Source.Provider, req.Destination.Provider, req.Scope, req.Options)

	var mappings mapper.Store
	if m.cfg.Store != nil {
		mappings = m.cfg.Store
		if err := m.cfg.Store.SaveJob(ctx, m.record(job)); err != nil {
			return "", fmt.Errorf("save job: %w", err)
		}
	}

	ctrl := &Controller{
		Job:             job,
		Source:          source,
		Destination:     dest,
		SourceAuth:      sourceAuth,
		DestinationAuth: destAuth,
		Policy:          m.cfg.Policy,
		Mapper: mapper.New(mapper.Config{
			JobID:       id,
			Destination: dest,
			Store:       mappings,
			Policy:      m.cfg.Policy,
			Refresher:   destAuth,
			FlattenTo:   flattenTarget(job.options),
		}),
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	entry := &jobEntry{job: job, cancel: cancel, done: make(chan struct{})}

	m.jobsMutex.Lock()
	m.jobs[id] = entry
	m.jobsMutex.Unlock()

	// sinks attach before the controller publishes anything. They outlive
	// cancellation so the terminal event is still stored and forwarded;
	// Reporter.Close ends them.
	sinkCtx := context.WithoutCancel(runCtx)
	var sinks sync.WaitGroup
	if m.cfg.Store != nil {
		events := job.Reporter().Attach(sinkCtx)
		sinks.Add(1)
		go func() {
			defer sinks.Done()
			m.persist(sinkCtx, job, events)
		}()
	}
	for _, o := range m.cfg.Observers {
		events := job.Reporter().Attach(sinkCtx)
		sinks.Add(1)
		go func(o Observer) {
			defer sinks.Done()
			o.Forward(sinkCtx, events)
		}(o)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(entry.done)
		defer cancel()

		log.Info().Str("job_id", id).Msg("migration accepted")
		if err := ctrl.Run(runCtx); err != nil {
			log.Error().Err(err).Str("job_id", id).Msg("migration error")
		}
		for _, c := range closers {
			if cl, ok := c.(io.Closer); ok {
				_ = cl.Close()
			}
		}
		job.Reporter().Close()
		sinks.Wait()
		if m.cfg.Store != nil {
			if err := m.cfg.Store.SaveJob(sinkCtx, m.record(job)); err != nil {
				log.Error().Err(err).Str("job_id", id).Msg("save job")
			}
		}
		m.archive(job)
	}()

	return id, nil
}

func validate(req Request) error {
	for _, ep := range []Endpoint{req.Source, req.Destination} {
		if _, ok := mail.ParseProvider(string(ep.Provider)); !ok {
			return fmt.Errorf("%w: unsupported provider %q", ErrInvalidRequest, ep.Provider)
		}
	}
	o := req.Options
	if o.BatchSize < 0 {
		return fmt.Errorf("%w: negative batch size", ErrInvalidRequest)
	}
	if !o.After.IsZero() && !o.Before.IsZero() && !o.After.Before(o.Before) {
		return fmt.Errorf("%w: empty date range", ErrInvalidRequest)
	}
	return nil
}

func flattenTarget(o Options) string {
	if o.PreserveFolders {
		return ""
	}
	return o.TargetFolder
}

// persist writes every event and its outbox row, and keeps the job row
// current on status changes and batch boundaries
func (m *Manager) persist(ctx context.Context, job *Job, events <-chan progress.Event) {
	var lastStatus progress.Status
	for ev := range events {
		if ev.Snapshot {
			continue
		}
		payload, err := progress.Encode(ev)
		if err != nil {
			log.Error().Err(err).Str("job_id", ev.JobID).Msg("encode progress event")
			continue
		}
		rec := sqlite.ProgressRecord{JobID: ev.JobID, Seq: ev.Seq, TS: ev.Timestamp, Payload: payload}
		if err := m.cfg.Store.AppendProgress(ctx, rec, outboxMessage(ev, payload)); err != nil {
			log.Error().Err(err).Str("job_id", ev.JobID).Uint64("seq", ev.Seq).Msg("persist progress event")
		}
		if ev.Status != lastStatus || ev.Batch != nil {
			lastStatus = ev.Status
			if err := m.cfg.Store.SaveJob(ctx, m.record(job)); err != nil {
				log.Error().Err(err).Str("job_id", ev.JobID).Msg("save job")
			}
		}
	}
}

func (m *Manager) record(job *Job) sqlite.JobRecord {
	s := job.Snapshot()
	request, _ := json.Marshal(struct {
		Scope   Scope   `json:"scope"`
		Options Options `json:"options"`
	}{s.Scope, s.Options})
	counters, _ := json.Marshal(s.Counters)
	return sqlite.JobRecord{
		ID:           s.ID,
		Source:       string(s.Source),
		Destination:  string(s.Destination),
		Status:       string(s.Status),
		RequestJSON:  string(request),
		CountersJSON: string(counters),
		LastError:    s.Error,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

// ReportKey is where the report of jobID is archived
func ReportKey(jobID string) string {
	return "reports/" + jobID + ".json"
}

func (m *Manager) archive(job *Job) {
	if m.cfg.Reports == nil {
		return
	}
	data, err := json.MarshalIndent(job.report(), "", "  ")
	if err != nil {
		log.Error().Err(err).Str("job_id", job.id).Msg("encode report")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := m.cfg.Reports.Put(ctx, ReportKey(job.id), data); err != nil {
		log.Error().Err(err).Str("job_id", job.id).Msg("archive report")
		return
	}
	log.Info().Str("job_id", job.id).Str("key", ReportKey(job.id)).Msg("report archived")
}

func (m *Manager) lookup(id string) (*jobEntry, error) {
	m.jobsMutex.RLock()
	defer m.jobsMutex.RUnlock()
	e, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// Pause pauses a running job
func (m *Manager) Pause(id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	return e.job.Pause()
}

// Resume resumes a paused job
func (m *Manager) Resume(id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	return e.job.Resume()
}

// Cancel stops a job after its in-flight message
func (m *Manager) Cancel(id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	return e.job.Cancel()
}

// Subscribe streams a job's progress: a snapshot, then live events until
// the job ends or ctx is done
func (m *Manager) Subscribe(ctx context.Context, id string) (<-chan progress.Event, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.job.Reporter().Subscribe(ctx), nil
}

// Get returns the job's current state. Jobs of earlier runs are read from
// the store.
func (m *Manager) Get(ctx context.Context, id string) (Snapshot, error) {
	e, err := m.lookup(id)
	if err == nil {
		return e.job.Snapshot(), nil
	}
	if m.cfg.Store == nil {
		return Snapshot{}, err
	}

	rec, serr := m.cfg.Store.LoadJob(ctx, id)
	if serr != nil {
		return Snapshot{}, serr
	}
	if rec == nil {
		return Snapshot{}, err
	}
	return snapshotFromRecord(*rec), nil
}

func snapshotFromRecord(rec sqlite.JobRecord) Snapshot {
	s := Snapshot{
		ID:          rec.ID,
		Source:      mail.ProviderName(rec.Source),
		Destination: mail.ProviderName(rec.Destination),
		Status:      progress.Status(rec.Status),
		Error:       rec.LastError,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
	var request struct {
		Scope   Scope   `json:"scope"`
		Options Options `json:"options"`
	}
	if json.Unmarshal([]byte(rec.RequestJSON), &request) == nil {
		s.Scope = request.Scope
		s.Options = request.Options
	}
	_ = json.Unmarshal([]byte(rec.CountersJSON), &s.Counters)
	return s
}

// List returns the jobs of this process, oldest first
func (m *Manager) List() []Snapshot {
	m.jobsMutex.RLock()
	out := make([]Snapshot, 0, len(m.jobs))
	for _, e := range m.jobs {
		out = append(out, e.job.Snapshot())
	}
	m.jobsMutex.RUnlock()

	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out
}

// Report returns the end-of-job report; ErrNotTerminal while the job runs
func (m *Manager) Report(id string) (Report, error) {
	e, err := m.lookup(id)
	if err != nil {
		return Report{}, err
	}
	if status := e.job.Status(); !status.Terminal() {
		return Report{}, fmt.Errorf("%w: %s is %s", ErrNotTerminal, id, status)
	}
	return e.job.report(), nil
}

// Done is closed once the job is terminal and its events and report are stored
func (m *Manager) Done(id string) (<-chan struct{}, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.done, nil
}

// Shutdown interrupts every running job and waits for them to stop or for
// ctx to end
func (m *Manager) Shutdown(ctx context.Context) error {
	m.jobsMutex.RLock()
	for id, e := range m.jobs {
		select {
		case <-e.done:
			continue
		default:
		}
		log.Info().Str("job_id", id).Msg("stopping migration")
		e.cancel()
	}
	m.jobsMutex.RUnlock()

	finished := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
