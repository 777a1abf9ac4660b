package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mail-migrator/internal/mail"
	"github.com/Martian-dev/mail-migrator/internal/mapper"
	"github.com/Martian-dev/mail-migrator/internal/progress"
	"github.com/Martian-dev/mail-migrator/internal/retry"
)

// countPageSize is the listing page size of the counting pass
const countPageSize = 500

// Controller drives one Job: it resolves the folder mapping, counts the
// messages in scope and then moves them one batch at a time.
type Controller struct {
	Job         *Job
	Source      mail.Client
	Destination mail.Client
	// SourceAuth and DestinationAuth renew credentials; either may be nil
	SourceAuth      retry.Refresher
	DestinationAuth retry.Refresher
	Policy          retry.Policy
	Mapper          *mapper.Mapper

	instruments *instruments
	batches     int
	seen        map[string]bool
}

// mappedFolder is a source folder with its destination
type mappedFolder struct {
	source mail.Folder
	destID string
	result *FolderResult
}

// batch accumulates the outcomes of one page until it is committed
type batch struct {
	number    int
	succeeded int
	failed    int
	failedIDs []string
}

func (b *batch) size() int {
	return b.succeeded + b.failed
}

// reset starts the next batch under a new number
func (b *batch) reset(number int) {
	b.number, b.succeeded, b.failed, b.failedIDs = number, 0, 0, nil
}

// Run executes the job to a terminal state. The returned error is the
// JobFailedError of a failed job, nil otherwise.
func (c *Controller) Run(ctx context.Context) error {
	if c.instruments == nil {
		c.instruments = newInstruments()
	}
	j := c.Job

	if err := j.checkpoint(ctx.Done()); err != nil {
		return c.stop(ctx, err)
	}
	if !j.transition(progress.StatusRunning, &progress.LogEntry{Level: progress.LevelInfo, Message: "migration started"}) {
		return nil
	}
	log.Info().Str("job_id", j.id).Str("source", string(j.source)).Str("destination", string(j.destination)).Msg("migration start")

	folders, err := c.sourceFolders(ctx)
	if err != nil {
		return c.stop(ctx, err)
	}

	mapped, err := c.resolve(ctx, folders)
	if err != nil {
		return c.stop(ctx, err)
	}

	total, err := c.count(ctx, mapped)
	if err != nil {
		return c.stop(ctx, err)
	}
	j.setTotal(total, len(mapped))

	c.seen = nil
	for _, f := range mapped {
		j.enterFolder(f.result)
		if err := c.migrateFolder(ctx, f); err != nil {
			return c.stop(ctx, err)
		}
		j.finishFolder(f.result)
	}

	j.settleTotal()
	snap := j.Snapshot()
	j.transition(progress.StatusCompleted, &progress.LogEntry{
		Level:   progress.LevelInfo,
		Message: fmt.Sprintf("migration completed: %d succeeded, %d failed", snap.Counters.Succeeded, snap.Counters.Failed),
	})
	log.Info().Str("job_id", j.id).Int64("succeeded", snap.Counters.Succeeded).Int64("failed", snap.Counters.Failed).Msg("migration complete")
	return nil
}

// stop ends the job on err: a cancel request or a cancelled context
// cancels it, anything else fails it
func (c *Controller) stop(ctx context.Context, err error) error {
	j := c.Job
	if errors.Is(err, errCancelRequested) || ctx.Err() != nil {
		j.transition(progress.StatusCancelled, &progress.LogEntry{Level: progress.LevelWarn, Message: "migration cancelled"})
		log.Info().Str("job_id", j.id).Msg("migration cancelled")
		return nil
	}
	if j.fail(err) {
		log.Error().Err(err).Str("job_id", j.id).Msg("migration failed")
	}
	return &JobFailedError{JobID: j.id, Err: err}
}

func (c *Controller) sourceFolders(ctx context.Context) ([]mail.Folder, error) {
	var folders []mail.Folder
	err := c.Policy.Do(ctx, c.SourceAuth, c.hooks("", ""), func(ctx context.Context) error {
		var err error
		folders, err = c.Source.ListFolders(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list source folders: %w", err)
	}

	scope := c.Job.scope.FolderID
	if scope == "" {
		return folders, nil
	}
	for _, f := range folders {
		if f.ID == scope || f.Name == scope {
			return []mail.Folder{f}, nil
		}
	}
	return nil, fmt.Errorf("source folder %q: %w", scope, mail.ErrNotFound)
}

// resolve maps folders and returns the migratable ones in listing order.
// Folders the mapper could not place are recorded as skipped.
func (c *Controller) resolve(ctx context.Context, folders []mail.Folder) ([]mappedFolder, error) {
	j := c.Job
	mapping, failed, err := c.Mapper.Resolve(ctx, folders)
	if err != nil {
		return nil, fmt.Errorf("resolve folders: %w", err)
	}

	skipped := make(map[string]*mapper.MappingFailedError, len(failed))
	for _, f := range failed {
		skipped[f.SourceFolderID] = f
	}

	var out []mappedFolder
	for _, f := range folders {
		res := &FolderResult{FolderID: f.ID, Name: f.Name}
		if mf, ok := skipped[f.ID]; ok {
			res.Skipped = true
			res.SkipReason = mf.Error()
			j.addFolder(res)
			j.publish(&progress.LogEntry{
				Level:      progress.LevelError,
				Message:    "skipping folder " + f.Name,
				FolderID:   f.ID,
				ErrorClass: "MappingFailed",
				Detail:     mf.Error(),
			})
			continue
		}
		e, ok := mapping[f.ID]
		if !ok {
			continue
		}
		res.DestID = e.DestID
		j.addFolder(res)
		out = append(out, mappedFolder{source: f, destID: e.DestID, result: res})
	}
	return out, nil
}

// count lists every mapped folder once so that total is known before the
// first batch. A folder that cannot be listed counts as empty here.
func (c *Controller) count(ctx context.Context, folders []mappedFolder) (int64, error) {
	var total int64
	for _, f := range folders {
		if err := c.Job.checkpoint(ctx.Done()); err != nil {
			return 0, err
		}
		pageToken := ""
		for {
			page, err := c.listPage(ctx, f.source.ID, pageToken, countPageSize)
			if err != nil {
				if fatal(ctx, err) {
					return 0, err
				}
				c.Job.publish(&progress.LogEntry{
					Level:      progress.LevelWarn,
					Message:    "could not count folder " + f.source.Name,
					FolderID:   f.source.ID,
					ErrorClass: errorClass(err),
					Detail:     err.Error(),
				})
				break
			}
			refs := c.dedupe(page.Messages)
			f.result.Total += int64(len(refs))
			total += int64(len(refs))
			if page.NextPageToken == "" {
				break
			}
			pageToken = page.NextPageToken
		}
	}
	return total, nil
}

// migrateFolder pages through one folder, one batch per page
func (c *Controller) migrateFolder(ctx context.Context, f mappedFolder) error {
	pageToken := ""
	for {
		if err := c.Job.checkpoint(ctx.Done()); err != nil {
			return err
		}
		page, err := c.listPage(ctx, f.source.ID, pageToken, c.Job.options.BatchSize)
		if err != nil {
			if fatal(ctx, err) {
				return err
			}
			c.Job.publish(&progress.LogEntry{
				Level:      progress.LevelError,
				Message:    "listing folder " + f.source.Name + " failed",
				FolderID:   f.source.ID,
				ErrorClass: errorClass(err),
				Detail:     err.Error(),
			})
			return nil
		}

		if refs := c.dedupe(page.Messages); len(refs) > 0 {
			if err := c.runBatch(ctx, f, refs); err != nil {
				return err
			}
		}
		if page.NextPageToken == "" {
			return nil
		}
		pageToken = page.NextPageToken
	}
}

func (c *Controller) listPage(ctx context.Context, folderID, pageToken string, size int) (mail.Page, error) {
	var page mail.Page
	err := c.Policy.Do(ctx, c.SourceAuth, c.hooks(folderID, ""), func(ctx context.Context) error {
		var err error
		page, err = c.Source.ListMessages(ctx, folderID, c.Job.options.filter(), pageToken, size)
		return err
	})
	return page, err
}

// dedupe drops messages already seen in an earlier folder when the job
// migrates each message once
func (c *Controller) dedupe(refs []mail.MessageRef) []mail.MessageRef {
	if !c.Job.options.Dedupe {
		return refs
	}
	if c.seen == nil {
		c.seen = make(map[string]bool)
	}
	out := refs[:0:0]
	for _, r := range refs {
		if c.seen[r.ID] {
			continue
		}
		c.seen[r.ID] = true
		out = append(out, r)
	}
	return out
}

// runBatch transfers refs in order and commits their outcomes together.
// A cancel request or a fatal error stops the batch after the message in
// flight; what was attempted is still committed.
func (c *Controller) runBatch(ctx context.Context, f mappedFolder, refs []mail.MessageRef) error {
	c.batches++
	b := &batch{number: c.batches}
	bctx, span := c.instruments.startBatch(ctx, c.Job.id, f.source.ID, b.number)

	var stopErr error
	attempted, failed := 0, 0
	for _, ref := range refs {
		if b.size() > 0 && c.Job.Status() == progress.StatusPaused {
			// a paused job shows what it has done so far
			attempted, failed = attempted+b.size(), failed+b.failed
			c.Job.commitBatch(f.result, b)
			c.batches++
			b.reset(c.batches)
		}
		if err := c.Job.checkpoint(ctx.Done()); err != nil {
			stopErr = err
			break
		}
		if err := c.transfer(bctx, f, ref, b); err != nil {
			stopErr = err
			break
		}
	}

	attempted, failed = attempted+b.size(), failed+b.failed
	if b.size() > 0 {
		c.Job.commitBatch(f.result, b)
	}
	c.instruments.endBatch(bctx, span, attempted, failed, stopErr)
	return stopErr
}

// transfer moves one message. Per-message failures are recorded in b and
// return nil; the error is non-nil only when the job must stop.
func (c *Controller) transfer(ctx context.Context, f mappedFolder, ref mail.MessageRef, b *batch) error {
	start := time.Now()
	hooks := c.hooks(f.source.ID, ref.ID)

	var msg *mail.Message
	err := c.Policy.Do(ctx, c.SourceAuth, hooks, func(ctx context.Context) error {
		var err error
		msg, err = c.Source.GetMessage(ctx, ref.ID)
		return err
	})
	if err == nil {
		err = c.prepare(msg)
	}
	var destID string
	if err == nil {
		err = c.Policy.Do(ctx, c.DestinationAuth, hooks, func(ctx context.Context) error {
			var err error
			destID, err = c.Destination.InsertMessage(ctx, f.destID, msg)
			return err
		})
	}

	if err != nil && ctx.Err() != nil {
		// interrupted mid-transfer; the message is neither counted nor logged
		return ctx.Err()
	}

	if err != nil {
		b.failed++
		b.failedIDs = append(b.failedIDs, ref.ID)
		c.instruments.message(ctx, progress.OutcomeFailed, time.Since(start))
		c.Job.publish(&progress.LogEntry{
			Level:      progress.LevelError,
			Message:    fmt.Sprintf("failed to migrate message %s from %s", ref.ID, f.source.Name),
			FolderID:   f.source.ID,
			MessageID:  ref.ID,
			Outcome:    progress.OutcomeFailed,
			ErrorClass: errorClass(err),
			Detail:     errorDetail(err),
		})
		if retry.IsFatal(err) {
			return err
		}
		return nil
	}

	b.succeeded++
	c.instruments.message(ctx, progress.OutcomeSuccess, time.Since(start))
	c.Job.publish(&progress.LogEntry{
		Level:     progress.LevelInfo,
		Message:   fmt.Sprintf("migrated message %s from %s", ref.ID, f.source.Name),
		FolderID:  f.source.ID,
		MessageID: ref.ID,
		Outcome:   progress.OutcomeSuccess,
		Detail:    destID,
	})
	return nil
}

// prepare applies the attachment options and the destination size limit
func (c *Controller) prepare(msg *mail.Message) error {
	opts := c.Job.options
	if !opts.IncludeAttachments {
		raw, err := mail.StripAttachments(msg.Raw)
		if err != nil {
			return mail.Permanent("strip attachments", err)
		}
		msg.Raw = raw
	}

	limit := opts.MaxAttachmentBytes
	if limit <= 0 {
		if sl, ok := c.Destination.(mail.SizeLimiter); ok {
			limit = sl.MaxAttachmentSize()
		}
	}
	return mail.CheckAttachmentLimit(msg.Raw, limit)
}

func (c *Controller) hooks(folderID, messageID string) retry.Hooks {
	return retry.Hooks{
		OnRetry: func(a retry.Attempt, err error, d retry.Decision) {
			class := mail.ClassOf(err).String()
			c.instruments.retry(context.Background(), class)
			msg := fmt.Sprintf("retrying in %s", d.Delay.Round(time.Millisecond))
			if d.Action == retry.ActionRefreshAuth {
				msg = "retrying with refreshed credential"
			}
			if messageID != "" {
				msg = "message " + messageID + ": " + msg
			}
			c.Job.publish(&progress.LogEntry{
				Level:      progress.LevelWarn,
				Message:    msg,
				FolderID:   folderID,
				MessageID:  messageID,
				Outcome:    progress.OutcomeRetried,
				ErrorClass: class,
				Detail:     err.Error(),
			})
		},
		OnRefresh: func(err error) {
			entry := &progress.LogEntry{Level: progress.LevelInfo, Message: "credential refreshed", FolderID: folderID, MessageID: messageID}
			if err != nil {
				entry.Level = progress.LevelError
				entry.Message = "credential refresh failed"
				entry.ErrorClass = mail.ClassAuthExpired.String()
				entry.Detail = err.Error()
			}
			c.Job.publish(entry)
		},
	}
}

// fatal reports whether err must end the job rather than one folder
func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, errCancelRequested) || retry.IsFatal(err)
}

// errorClass names err for log entries
func errorClass(err error) string {
	var g *retry.GiveUpError
	if errors.As(err, &g) {
		return g.Class.String()
	}
	return mail.ClassOf(err).String()
}

func errorDetail(err error) string {
	if errors.Is(err, mail.ErrAttachmentTooLarge) {
		return "attachment_too_large: " + err.Error()
	}
	return err.Error()
}
