package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mail-migrator/internal/mapper"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "events.db"), DriverModernc)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "x.db"), "postgres")
	assert.Error(t, err)
}

func TestJobRoundTrip(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	created := time.Unix(1700000000, 0).UTC()

	job := JobRecord{
		ID: "job-1", Source: "GOOGLE", Destination: "MICROSOFT", Status: "running",
		RequestJSON: `{"batch_size":2}`, CountersJSON: `{"total":3}`,
		CreatedAt: created, UpdatedAt: created,
	}
	require.NoError(t, s.SaveJob(ctx, job))

	job.Status = "failed"
	job.LastError = "auth expired"
	job.CountersJSON = `{"total":3,"processed":1}`
	job.UpdatedAt = created.Add(time.Minute)
	require.NoError(t, s.SaveJob(ctx, job))

	got, err := s.LoadJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job, *got)

	missing, err := s.LoadJob(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	all, err := s.ListJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMappingsAreWriteOnce(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	require.NoError(t, s.SaveMapping(ctx, "job-1", mapper.Entry{SourceID: "INBOX", SourceName: "INBOX", DestID: "d1", DestName: "Inbox"}))
	require.NoError(t, s.SaveMapping(ctx, "job-1", mapper.Entry{SourceID: "INBOX", SourceName: "INBOX", DestID: "d2", DestName: "Inbox"}))
	require.NoError(t, s.SaveMapping(ctx, "job-2", mapper.Entry{SourceID: "INBOX", SourceName: "INBOX", DestID: "d9", DestName: "Inbox"}))

	got, err := s.LoadMappings(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "d1", got[0].DestID)
}

func TestProgressAndOutbox(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	ts := time.UnixMilli(1700000000123).UTC()

	for seq := uint64(1); seq <= 3; seq++ {
		rec := ProgressRecord{JobID: "job-1", Seq: seq, TS: ts, Payload: []byte(`{"seq":1}`)}
		out := OutboxMessage{Subject: "migration.job-1.progress", EventType: "migration.progress", Payload: rec.Payload, MsgID: "progress|job-1|" + string(rune('0'+seq))}
		require.NoError(t, s.AppendProgress(ctx, rec, out))
	}
	// a replayed event is ignored on both tables
	require.NoError(t, s.AppendProgress(ctx,
		ProgressRecord{JobID: "job-1", Seq: 2, TS: ts, Payload: []byte(`{}`)},
		OutboxMessage{Subject: "migration.job-1.progress", EventType: "migration.progress", Payload: []byte(`{}`), MsgID: "progress|job-1|2"}))

	events, err := s.LoadProgress(ctx, "job-1", 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(2), events[0].Seq)
	assert.Equal(t, ts, events[0].TS)

	pending, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "progress|job-1|1", pending[0].MsgID)

	require.NoError(t, s.MarkPublished(ctx, pending[0].ID))
	require.NoError(t, s.MarkOutboxRetry(ctx, pending[1].ID, time.Hour))

	pending, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "progress|job-1|3", pending[0].MsgID)
	assert.Equal(t, 0, pending[0].Retries)
}
