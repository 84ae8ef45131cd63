package downloader

import (
	"testing"
	"time"

	"github.com/italolelis/drogue/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(status storage.Status, resume storage.ResumeSupport, total int64) *storage.DownloadRecord {
	rec := &storage.DownloadRecord{ID: "id", Status: status, SupportsResume: resume}
	if total >= 0 {
		rec.SetTotal(total)
	}

	return rec
}

func TestRetryPolicyBound(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 24}
	rec := record(storage.StatusInterrupted, storage.ResumeUnknown, -1)

	retries := 0
	for p.Consume(rec) {
		retries++
	}

	assert.Equal(t, 23, retries, "the 24th interruption fails the download")
	assert.Equal(t, 24, rec.AttemptCount)

	assert.False(t, p.Consume(rec))
	assert.Equal(t, 24, rec.AttemptCount, "attempt count never exceeds the maximum")
}

func TestPlanAttempt(t *testing.T) {
	tests := []struct {
		name   string
		resume storage.ResumeSupport
		total  int64
		staged int64
		want   Plan
	}{
		{"fresh download", storage.ResumeUnknown, -1, 0, Plan{}},
		{"resume when supported", storage.ResumeYes, 100, 40, Plan{Offset: 40}},
		{"probe when unknown", storage.ResumeUnknown, 100, 40, Plan{Offset: 40}},
		{"restart when unsupported", storage.ResumeNo, 100, 40, Plan{Truncate: true}},
		{"unknown total resumes", storage.ResumeYes, -1, 40, Plan{Offset: 40}},
		{"oversized stage restarts", storage.ResumeYes, 100, 140, Plan{Truncate: true}},
		{"complete stage finalizes", storage.ResumeNo, 100, 100, Plan{Offset: 100, FinalizeOnly: true}},
		{"empty resource", storage.ResumeUnknown, 0, 0, Plan{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := record(storage.StatusInterrupted, tt.resume, tt.total)
			assert.Equal(t, tt.want, PlanAttempt(rec, tt.staged))
		})
	}
}

func TestPrepareRestart(t *testing.T) {
	tests := []struct {
		name      string
		status    storage.Status
		resume    storage.ResumeSupport
		total     int64
		staged    int64
		keep      bool
		wantBytes int64
	}{
		{"failed resumable keeps stage", storage.StatusFailed, storage.ResumeYes, 100, 60, true, 60},
		{"failed unknown keeps stage", storage.StatusFailed, storage.ResumeUnknown, -1, 60, true, 60},
		{"failed non resumable discards", storage.StatusFailed, storage.ResumeNo, 100, 60, false, 0},
		{"oversized stage discarded", storage.StatusInterrupted, storage.ResumeYes, 100, 160, false, 0},
		{"complete stage kept for finalize", storage.StatusFailed, storage.ResumeYes, 100, 100, true, 100},
		{"completed restages fresh", storage.StatusCompleted, storage.ResumeYes, 100, 0, false, 0},
		{"streaming resumable keeps stage", storage.StatusStreaming, storage.ResumeYes, 100, 10, true, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := record(tt.status, tt.resume, tt.total)
			rec.AttemptCount = 24
			rec.LastError = "boom"
			rec.BytesDownloaded = tt.staged

			keep, err := PrepareRestart(rec, tt.staged)
			require.NoError(t, err)

			assert.Equal(t, tt.keep, keep)
			assert.Equal(t, storage.StatusPending, rec.Status)
			assert.Zero(t, rec.AttemptCount)
			assert.Empty(t, rec.LastError)
			assert.Equal(t, tt.wantBytes, rec.BytesDownloaded)
		})
	}
}

func TestPrepareRestartCompletedClearsTotal(t *testing.T) {
	rec := record(storage.StatusCompleted, storage.ResumeYes, 100)
	rec.BytesDownloaded = 100

	keep, err := PrepareRestart(rec, 0)
	require.NoError(t, err)
	assert.False(t, keep)
	assert.Nil(t, rec.TotalBytes)
	assert.Equal(t, storage.ResumeYes, rec.SupportsResume, "learned resume support is kept")
}

func TestBackoffIsCapped(t *testing.T) {
	b := BackoffOptions{Initial: 10 * time.Millisecond, Max: 40 * time.Millisecond, Multiplier: 2}.NewBackOff()

	want := []time.Duration{10, 20, 40, 40, 40}
	for _, w := range want {
		assert.Equal(t, w*time.Millisecond, b.NextBackOff())
	}
}
