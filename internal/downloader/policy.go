package downloader

import (
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/italolelis/drogue/internal/storage"
)

// Options configures the download actors.
type Options struct {
	// DownloadDir is where completed files are moved.
	DownloadDir string

	// MaxAttempts bounds the interruptions a download may consume before it fails.
	// Default: 24
	MaxAttempts int

	// CheckpointInterval and CheckpointBytes set the progress checkpoint cadence;
	// whichever is reached first triggers one.
	CheckpointInterval time.Duration
	CheckpointBytes    int64

	// ChunkSize is the read buffer size.
	ChunkSize int

	// ReadTimeout interrupts a stream that delivers no bytes for this long.
	ReadTimeout time.Duration

	Backoff BackoffOptions
}

// BackoffOptions is a capped exponential delay between attempts.
type BackoffOptions struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the randomization factor in [0, 1).
	Jitter float64
}

// DefaultOptions returns options with the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:        24,
		CheckpointInterval: time.Second,
		CheckpointBytes:    4 * 1024 * 1024,
		ChunkSize:          32 * 1024,
		ReadTimeout:        time.Minute,
		Backoff: BackoffOptions{
			Initial:    time.Second,
			Max:        5 * time.Minute,
			Multiplier: 2,
			Jitter:     0.2,
		},
	}
}

// NewBackOff builds the retry delay sequence for one actor.
func (o BackoffOptions) NewBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     o.Initial,
		RandomizationFactor: o.Jitter,
		Multiplier:          o.Multiplier,
		MaxInterval:         o.Max,
	}
	b.Reset()

	return b
}

// RetryPolicy bounds automatic retries.
type RetryPolicy struct {
	MaxAttempts int
}

// Consume records one interruption on rec and reports whether it may be retried.
// AttemptCount never exceeds MaxAttempts.
func (p RetryPolicy) Consume(rec *storage.DownloadRecord) bool {
	if rec.AttemptCount < p.MaxAttempts {
		rec.AttemptCount++
	}

	return rec.AttemptCount < p.MaxAttempts
}

// Plan is how the next attempt treats the staged file.
type Plan struct {
	// Offset is the first byte to request; 0 means a plain GET.
	Offset int64
	// Truncate discards the staged bytes before connecting.
	Truncate bool
	// FinalizeOnly means the staged file already holds every byte.
	FinalizeOnly bool
}

// PlanAttempt decides resume or restart from the record and the staged file's
// actual size, which is the only trustworthy offset after a crash.
func PlanAttempt(rec *storage.DownloadRecord, staged int64) Plan {
	if total, known := totalOf(rec); known {
		switch {
		case staged > total:
			return Plan{Truncate: true}
		case staged == total && total > 0:
			return Plan{Offset: staged, FinalizeOnly: true}
		}
	}

	if staged == 0 {
		return Plan{}
	}

	if rec.SupportsResume == storage.ResumeNo {
		return Plan{Truncate: true}
	}

	return Plan{Offset: staged}
}

// PrepareRestart resets rec for an operator restart and reports whether the
// staged bytes are kept. Resumption is kept unless the server is known to
// ignore ranges or the stage is larger than the total. A completed download
// is staged afresh; its destination file stays until the new copy replaces it.
func PrepareRestart(rec *storage.DownloadRecord, staged int64) (keepStage bool, err error) {
	status, err := Next(rec.Status, EventRestart)
	if err != nil {
		return false, err
	}

	completed := rec.Status == storage.StatusCompleted

	rec.Status = status
	rec.AttemptCount = 0
	rec.LastError = ""

	keepStage = !completed && staged > 0 && rec.SupportsResume != storage.ResumeNo
	if total, known := totalOf(rec); known && staged > total {
		keepStage = false
	}

	if keepStage {
		rec.BytesDownloaded = staged
	} else {
		rec.BytesDownloaded = 0
	}

	if completed {
		rec.TotalBytes = nil
	}

	return keepStage, nil
}

func totalOf(rec *storage.DownloadRecord) (int64, bool) {
	if rec.TotalBytes == nil {
		return 0, false
	}

	return *rec.TotalBytes, true
}
