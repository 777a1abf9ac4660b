// Package migration runs mailbox migrations: one Job per request, driven
// batch by batch by a Controller and tracked by a Manager.
package migration

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Martian-dev/mail-migrator/internal/mail"
	"github.com/Martian-dev/mail-migrator/internal/mapper"
	"github.com/Martian-dev/mail-migrator/internal/progress"
)

// DefaultBatchSize is the page size used when a request does not set one
const DefaultBatchSize = 100

var (
	ErrNotFound          = errors.New("migration not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotTerminal       = errors.New("migration has not finished")
	errCancelRequested   = errors.New("cancel requested")
)

// Scope selects what to migrate. An empty FolderID means the whole account.
type Scope struct {
	FolderID string `json:"folder_id,omitempty"`
}

// Options tune one migration. Start from DefaultOptions.
type Options struct {
	BatchSize          int       `json:"batch_size"`
	PreserveFolders    bool      `json:"preserve_folders"`
	IncludeAttachments bool      `json:"include_attachments"`
	UnreadOnly         bool      `json:"unread_only"`
	After              time.Time `json:"after,omitempty"`
	Before             time.Time `json:"before,omitempty"`
	// TargetFolder receives everything when PreserveFolders is off
	TargetFolder string `json:"target_folder,omitempty"`
	// Dedupe migrates a message carrying several labels only once
	Dedupe bool `json:"dedupe"`
	// MaxAttachmentBytes overrides the destination's advertised limit when > 0
	MaxAttachmentBytes int64 `json:"max_attachment_bytes,omitempty"`
}

// DefaultOptions preserves folders and attachments with the default batch size
func DefaultOptions() Options {
	return Options{
		BatchSize:          DefaultBatchSize,
		PreserveFolders:    true,
		IncludeAttachments: true,
	}
}

func (o Options) filter() mail.Filter {
	return mail.Filter{UnreadOnly: o.UnreadOnly, After: o.After, Before: o.Before}
}

func (o Options) normalized() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if !o.PreserveFolders && o.TargetFolder == "" {
		o.TargetFolder = mapper.DefaultFlattenFolder
	}
	return o
}

// JobFailedError is the unrecoverable condition that ended a job
type JobFailedError struct {
	JobID string
	Err   error
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %s failed: %v", e.JobID, e.Err)
}

func (e *JobFailedError) Unwrap() error {
	return e.Err
}

// FolderResult is the per-folder tally kept for the report
type FolderResult struct {
	FolderID   string `json:"folder_id"`
	Name       string `json:"name"`
	DestID     string `json:"dest_id,omitempty"`
	Total      int64  `json:"total"`
	Succeeded  int64  `json:"succeeded"`
	Failed     int64  `json:"failed"`
	Skipped    bool   `json:"skipped,omitempty"`
	SkipReason string `json:"skip_reason,omitempty"`
}

// Snapshot is a point-in-time copy of a job
type Snapshot struct {
	ID          string            `json:"job_id"`
	Source      mail.ProviderName `json:"source"`
	Destination mail.ProviderName `json:"destination"`
	Scope       Scope             `json:"scope"`
	Options     Options           `json:"options"`
	Status      progress.Status   `json:"status"`
	Counters    progress.Counters `json:"counters"`
	Folder      string            `json:"folder,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Job is the single owner of a migration's state. Only its Controller
// mutates counters; operators change status through Pause, Resume and
// Cancel.
type Job struct {
	mutex sync.Mutex

	id          string
	source      mail.ProviderName
	destination mail.ProviderName
	scope       Scope
	options     Options
	createdAt   time.Time
	updatedAt   time.Time

	status          progress.Status
	cancelRequested bool
	counters        progress.Counters
	folder          string
	folders         []*FolderResult
	failedIDs       []string
	err             error

	// wake is closed and replaced on every operator action
	wake     chan struct{}
	reporter *progress.Reporter
}

func newJob(id string, source, destination mail.ProviderName, scope Scope, options Options) *Job {
	now := time.Now().UTC()
	return &Job{
		id:          id,
		source:      source,
		destination: destination,
		scope:       scope,
		options:     options.normalized(),
		createdAt:   now,
		updatedAt:   now,
		status:      progress.StatusPending,
		wake:        make(chan struct{}),
		reporter:    progress.NewReporter(id),
	}
}

// ID returns the job id
func (j *Job) ID() string {
	return j.id
}

// Reporter returns the job's event stream
func (j *Job) Reporter() *progress.Reporter {
	return j.reporter
}

// Status returns the current status
func (j *Job) Status() progress.Status {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	return j.status
}

// Snapshot copies the job's state
func (j *Job) Snapshot() Snapshot {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	s := Snapshot{
		ID:          j.id,
		Source:      j.source,
		Destination: j.destination,
		Scope:       j.scope,
		Options:     j.options,
		Status:      j.status,
		Counters:    j.counters,
		Folder:      j.folder,
		CreatedAt:   j.createdAt,
		UpdatedAt:   j.updatedAt,
	}
	if j.err != nil {
		s.Error = j.err.Error()
	}
	return s
}

// Pause stops the job before its next message
func (j *Job) Pause() error {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	if j.status != progress.StatusRunning || j.cancelRequested {
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, j.status)
	}
	j.setStatusLocked(progress.StatusPaused, &progress.LogEntry{Level: progress.LevelInfo, Message: "migration paused"})
	return nil
}

// Resume continues a paused job with its next unprocessed message
func (j *Job) Resume() error {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	if j.status != progress.StatusPaused || j.cancelRequested {
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, j.status)
	}
	j.setStatusLocked(progress.StatusRunning, &progress.LogEntry{Level: progress.LevelInfo, Message: "migration resumed"})
	return nil
}

// Cancel asks the job to stop. The message in flight finishes and is
// counted; the job then becomes cancelled.
func (j *Job) Cancel() error {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	if j.status.Terminal() {
		return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, j.status)
	}
	if j.cancelRequested {
		return nil
	}
	j.cancelRequested = true
	j.publishLocked(&progress.LogEntry{Level: progress.LevelWarn, Message: "cancellation requested"}, nil)
	j.signalLocked()
	return nil
}

// checkpoint is called by the Controller between messages. It blocks while
// the job is paused and returns errCancelRequested once Cancel was called.
func (j *Job) checkpoint(done <-chan struct{}) error {
	for {
		j.mutex.Lock()
		if j.cancelRequested {
			j.mutex.Unlock()
			return errCancelRequested
		}
		if j.status != progress.StatusPaused {
			j.mutex.Unlock()
			return nil
		}
		wake := j.wake
		j.mutex.Unlock()

		select {
		case <-wake:
		case <-done:
			return errCancelRequested
		}
	}
}

// transition moves the job to status unless it is already terminal
func (j *Job) transition(status progress.Status, entry *progress.LogEntry) bool {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	if j.status.Terminal() {
		return false
	}
	j.setStatusLocked(status, entry)
	return true
}

func (j *Job) fail(err error) bool {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	if j.status.Terminal() {
		return false
	}
	j.err = &JobFailedError{JobID: j.id, Err: err}
	j.setStatusLocked(progress.StatusFailed, &progress.LogEntry{
		Level:      progress.LevelError,
		Message:    "migration failed: " + err.Error(),
		ErrorClass: "JobFailed",
	})
	return true
}

func (j *Job) setStatusLocked(status progress.Status, entry *progress.LogEntry) {
	j.status = status
	j.publishLocked(entry, nil)
	j.signalLocked()
}

func (j *Job) signalLocked() {
	close(j.wake)
	j.wake = make(chan struct{})
}

// publish emits the committed counters with an optional log entry
func (j *Job) publish(entry *progress.LogEntry) {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	j.publishLocked(entry, nil)
}

func (j *Job) publishLocked(entry *progress.LogEntry, batch *progress.BatchSummary) {
	j.updatedAt = time.Now().UTC()
	j.reporter.Publish(progress.Event{
		Status:   j.status,
		Folder:   j.folder,
		Counters: j.counters,
		Log:      entry,
		Batch:    batch,
	})
}

func (j *Job) setTotal(total int64, folders int) {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	j.counters.Total = total
	j.counters.TotalKnown = true
	j.counters.FoldersTotal = folders
	j.publishLocked(&progress.LogEntry{
		Level:   progress.LevelInfo,
		Message: fmt.Sprintf("found %d messages in %d folders", total, folders),
	}, nil)
}

func (j *Job) enterFolder(res *FolderResult) {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	j.folder = res.Name
	j.publishLocked(&progress.LogEntry{
		Level:    progress.LevelInfo,
		Message:  "processing folder: " + res.Name,
		FolderID: res.FolderID,
	}, nil)
}

func (j *Job) addFolder(res *FolderResult) {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	j.folders = append(j.folders, res)
}

// finishFolder marks a folder attempted
func (j *Job) finishFolder(res *FolderResult) {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	j.counters.FoldersDone++
	j.publishLocked(&progress.LogEntry{
		Level:    progress.LevelInfo,
		Message:  fmt.Sprintf("finished folder %s: %d succeeded, %d failed", res.Name, res.Succeeded, res.Failed),
		FolderID: res.FolderID,
	}, nil)
}

// commitBatch applies one batch's outcomes to the counters in a single step
func (j *Job) commitBatch(res *FolderResult, b *batch) {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	j.counters.Succeeded += int64(b.succeeded)
	j.counters.Failed += int64(b.failed)
	j.counters.Processed = j.counters.Succeeded + j.counters.Failed
	if j.counters.Processed > j.counters.Total {
		j.counters.Total = j.counters.Processed
	}
	res.Succeeded += int64(b.succeeded)
	res.Failed += int64(b.failed)
	j.failedIDs = append(j.failedIDs, b.failedIDs...)
	j.publishLocked(nil, &progress.BatchSummary{
		Number:    b.number,
		FolderID:  res.FolderID,
		Size:      b.succeeded + b.failed,
		Succeeded: b.succeeded,
		Failed:    b.failed,
	})
}

// settleTotal lowers total to processed when messages disappeared or could
// not be listed after counting
func (j *Job) settleTotal() {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	if j.counters.Processed >= j.counters.Total {
		return
	}
	missing := j.counters.Total - j.counters.Processed
	j.counters.Total = j.counters.Processed
	j.publishLocked(&progress.LogEntry{
		Level:   progress.LevelWarn,
		Message: fmt.Sprintf("%d counted messages were not found during migration", missing),
	}, nil)
}

func (j *Job) report() Report {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	folders := make([]FolderResult, 0, len(j.folders))
	for _, f := range j.folders {
		folders = append(folders, *f)
	}
	r := Report{
		JobID:         j.id,
		Source:        j.source,
		Destination:   j.destination,
		Status:        j.status,
		Counters:      j.counters,
		FolderResults: folders,
		FailedIDs:     append([]string(nil), j.failedIDs...),
		Log:           j.reporter.Log(),
		CreatedAt:     j.createdAt,
		FinishedAt:    j.updatedAt,
	}
	if j.err != nil {
		r.Error = j.err.Error()
	}
	return r
}

// Report is the end-of-job document
type Report struct {
	JobID         string              `json:"job_id"`
	Source        mail.ProviderName   `json:"source"`
	Destination   mail.ProviderName   `json:"destination"`
	Status        progress.Status     `json:"status"`
	Counters      progress.Counters   `json:"counters"`
	FolderResults []FolderResult      `json:"folder_results"`
	FailedIDs     []string            `json:"failed_ids"`
	Log           []progress.LogEntry `json:"log"`
	Error         string              `json:"error,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	FinishedAt    time.Time           `json:"finished_at"`
}
