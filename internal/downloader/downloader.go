package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"
	"github.com/italolelis/drogue/internal/downloader/progress"
	"github.com/italolelis/drogue/internal/logctx"
	"github.com/italolelis/drogue/internal/staging"
	"github.com/italolelis/drogue/internal/storage"
	"github.com/italolelis/drogue/internal/telemetry"
)

// stopTimeout bounds the final checkpoint written after cancellation.
const stopTimeout = 5 * time.Second

// Deps are the collaborators shared by all actors.
type Deps struct {
	Repo      storage.DownloadRepository
	Stage     *staging.Store
	Client    *Client
	Telemetry *telemetry.Telemetry
	Options   Options
}

// Actor owns the lifecycle of one download. It is not safe for concurrent use;
// the registry runs at most one actor per download id.
type Actor struct {
	rec     *storage.DownloadRecord
	deps    Deps
	policy  RetryPolicy
	backoff backoff.BackOff
}

func NewActor(rec *storage.DownloadRecord, deps Deps) *Actor {
	return &Actor{
		rec:     rec.Clone(),
		deps:    deps,
		policy:  RetryPolicy{MaxAttempts: deps.Options.MaxAttempts},
		backoff: deps.Options.Backoff.NewBackOff(),
	}
}

// Run drives the download until it is completed or failed and returns the final record.
// Cancelling ctx leaves an Interrupted checkpoint and returns the context error.
func (a *Actor) Run(ctx context.Context) (*storage.DownloadRecord, error) {
	ctx = logctx.WithDownloadID(ctx, a.rec.ID)
	logger := logctx.LoggerFromContext(ctx)

	switch a.rec.Status {
	case storage.StatusConnecting, storage.StatusStreaming:
		// A crash left the record mid-attempt. That attempt is not charged.
		a.rec.Status = storage.StatusInterrupted
	}

	for !a.rec.Status.Terminal() {
		if err := ctx.Err(); err != nil {
			return a.stop(ctx, err)
		}

		err := a.deps.Telemetry.InstrumentAttempt(ctx, a.rec.ID, a.rec.AttemptCount+1, a.attempt, outcome)
		if err == nil {
			continue
		}

		if ctx.Err() != nil {
			return a.stop(ctx, ctx.Err())
		}

		if !Retryable(err) {
			return a.rec.Clone(), err
		}

		if !a.interrupt(ctx, err) {
			break
		}

		delay := a.backoff.NextBackOff()

		logger.Warn("download interrupted, retrying",
			"attempt", a.rec.AttemptCount,
			"max_attempts", a.policy.MaxAttempts,
			"downloaded", humanize.Bytes(uint64(a.rec.BytesDownloaded)),
			"retry_in", delay,
			"err", err)

		if err := sleep(ctx, delay); err != nil {
			return a.stop(ctx, err)
		}
	}

	return a.rec.Clone(), nil
}

// attempt runs one connect-and-stream cycle. Any panic becomes an interruption.
func (a *Actor) attempt(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).Error("download attempt panicked", "panic", r, "stack", string(debug.Stack()))

			err = fmt.Errorf("download attempt panicked: %v", r)
		}
	}()

	if err := a.apply(EventConnect); err != nil {
		return err
	}

	if a.alreadyFinalized() {
		return a.complete(ctx)
	}

	path := a.deps.Stage.Path(a.rec.ID)

	staged, err := a.deps.Stage.Size(a.rec.ID)
	if err != nil {
		return &StagingWriteError{Path: path, Err: err}
	}

	plan := PlanAttempt(a.rec, staged)
	if plan.Truncate {
		if err := a.truncate(); err != nil {
			return err
		}
	} else {
		a.rec.BytesDownloaded = staged
	}

	if err := a.checkpoint(ctx); err != nil {
		return err
	}

	if plan.FinalizeOnly {
		return a.finalize(ctx)
	}

	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var watchdog *time.Timer
	if timeout := a.deps.Options.ReadTimeout; timeout > 0 {
		watchdog = time.AfterFunc(timeout, func() { cancel(ErrReadTimeout) })
		defer watchdog.Stop()
	}

	resp, err := a.deps.Client.Get(attemptCtx, a.rec.SourceURL, plan.Offset)
	if err != nil {
		if ctx.Err() == nil && errors.Is(context.Cause(attemptCtx), ErrReadTimeout) {
			err = &ConnectError{URL: a.rec.SourceURL, Err: ErrReadTimeout}
		}

		return a.rejected(err)
	}

	defer resp.Body.Close()

	if err := a.accept(ctx, resp, plan.Offset); err != nil {
		return err
	}

	if err := a.apply(EventResponse); err != nil {
		return err
	}

	if err := a.checkpoint(ctx); err != nil {
		return err
	}

	a.backoff.Reset()

	return a.stream(ctx, attemptCtx, watchdog, resp.Body)
}

// rejected adjusts the stage for a response that could not be streamed.
func (a *Actor) rejected(err error) error {
	var (
		statusErr *UnexpectedStatusError
		rangeErr  *RangeNotHonoredError
	)

	switch {
	case errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		// The stage no longer lines up with the resource; start over on the next attempt.
		a.rec.TotalBytes = nil
		if terr := a.truncate(); terr != nil {
			return terr
		}
	case errors.As(err, &rangeErr):
		a.rec.SupportsResume = storage.ResumeNo
		if terr := a.truncate(); terr != nil {
			return terr
		}
	}

	return err
}

// accept checks the response against the requested offset and records what it
// says about the resource.
func (a *Actor) accept(ctx context.Context, resp *Response, offset int64) error {
	logger := logctx.LoggerFromContext(ctx)

	switch {
	case offset > 0 && resp.Partial:
		if resp.Start != offset {
			a.rec.SupportsResume = storage.ResumeNo
			if err := a.truncate(); err != nil {
				return err
			}

			return &RangeNotHonoredError{
				Offset:     offset,
				StatusCode: resp.StatusCode,
				Reason:     fmt.Sprintf("response starts at byte %d", resp.Start),
			}
		}

		if total, known := totalOf(a.rec); known && resp.Total >= 0 && resp.Total != total {
			a.rec.TotalBytes = nil
			if err := a.truncate(); err != nil {
				return err
			}

			return &RangeNotHonoredError{
				Offset:     offset,
				StatusCode: resp.StatusCode,
				Reason:     fmt.Sprintf("resource size changed from %d to %d", total, resp.Total),
			}
		}

		a.rec.SupportsResume = storage.ResumeYes

		logger.Info("resuming download", "offset", humanize.Bytes(uint64(offset)))
	case offset > 0:
		logger.Info("server ignored range request, restarting from the first byte",
			"offset", humanize.Bytes(uint64(offset)), "status_code", resp.StatusCode)

		a.rec.SupportsResume = storage.ResumeNo
		if err := a.truncate(); err != nil {
			return err
		}
	case resp.Partial && resp.Start != 0:
		return &RangeNotHonoredError{
			StatusCode: resp.StatusCode,
			Reason:     fmt.Sprintf("unrequested partial response from byte %d", resp.Start),
		}
	default:
		if a.rec.SupportsResume == storage.ResumeUnknown {
			switch resp.AcceptRanges {
			case "bytes":
				a.rec.SupportsResume = storage.ResumeYes
			case "none":
				a.rec.SupportsResume = storage.ResumeNo
			}
		}
	}

	switch {
	case resp.Total >= 0:
		a.rec.SetTotal(resp.Total)
	case !resp.Partial:
		a.rec.TotalBytes = nil
	}

	return nil
}

// stream appends the body to the staged file, checkpointing as it goes, and
// finalizes once every byte has arrived.
func (a *Actor) stream(ctx, attemptCtx context.Context, watchdog *time.Timer, body io.Reader) error {
	logger := logctx.LoggerFromContext(ctx)
	path := a.deps.Stage.Path(a.rec.ID)

	f, err := a.deps.Stage.OpenAppend(a.rec.ID)
	if err != nil {
		return &StagingWriteError{Path: path, Err: err}
	}

	defer f.Close()

	base := a.rec.BytesDownloaded

	if remaining, known := a.rec.Remaining(); known {
		body = io.LimitReader(body, remaining)
	}

	if watchdog != nil {
		body = &idleReader{r: body, timer: watchdog, timeout: a.deps.Options.ReadTimeout}
	}

	if total, known := totalOf(a.rec); known {
		logger.Info("streaming download",
			"downloaded", humanize.Bytes(uint64(base)), "total", humanize.Bytes(uint64(total)))
	} else {
		logger.Info("streaming download", "downloaded", humanize.Bytes(uint64(base)))
	}

	var reported int64

	pw := progress.NewWriter(
		&stagingWriter{w: f, path: path},
		a.deps.Options.CheckpointBytes,
		a.deps.Options.CheckpointInterval,
		func(written int64) error {
			if err := f.Sync(); err != nil {
				return &StagingWriteError{Path: path, Err: err}
			}

			a.deps.Telemetry.AddBytes(ctx, written-reported)
			reported = written

			a.rec.BytesDownloaded = base + written

			logger.Debug("download progress", "downloaded", humanize.Bytes(uint64(a.rec.BytesDownloaded)))

			return a.checkpoint(ctx)
		},
	)

	buf := make([]byte, max(a.deps.Options.ChunkSize, 1))

	_, err = io.CopyBuffer(pw, body, buf)
	if err == nil {
		err = pw.Flush()
	}

	if err != nil {
		_ = f.Sync()

		return a.streamError(ctx, attemptCtx, err, base+pw.Written())
	}

	received := base + pw.Written()

	total, known := totalOf(a.rec)
	if !known {
		a.rec.SetTotal(received)
	} else if received < total {
		return &StreamError{Offset: received, Err: io.ErrUnexpectedEOF}
	}

	if err := f.Close(); err != nil {
		return &StagingWriteError{Path: path, Err: err}
	}

	return a.finalize(ctx)
}

func (a *Actor) streamError(ctx, attemptCtx context.Context, err error, offset int64) error {
	var (
		stagingErr    *StagingWriteError
		checkpointErr *CheckpointError
	)

	switch {
	case errors.As(err, &stagingErr), errors.As(err, &checkpointErr):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(context.Cause(attemptCtx), ErrReadTimeout):
		return &StreamError{Offset: offset, Err: ErrReadTimeout}
	}

	return &StreamError{Offset: offset, Err: err}
}

func (a *Actor) finalize(ctx context.Context) error {
	destination := filepath.Join(a.deps.Options.DownloadDir, a.rec.DestinationName)

	if err := a.deps.Stage.Finalize(a.rec.ID, destination); err != nil {
		return &FinalizeError{StagedPath: a.deps.Stage.Path(a.rec.ID), Destination: destination, Err: err}
	}

	logctx.LoggerFromContext(ctx).Info("download completed",
		"destination", destination, "size", humanize.Bytes(uint64(a.rec.BytesDownloaded)))

	return a.complete(ctx)
}

// complete marks the record Completed. If that cannot be persisted the record
// goes back to its previous status; the next attempt finds the finalized
// destination and completes without the network.
func (a *Actor) complete(ctx context.Context) error {
	previous := a.rec.Status

	if err := a.apply(EventComplete); err != nil {
		return err
	}

	lastError := a.rec.LastError
	a.rec.LastError = ""

	if err := a.checkpoint(ctx); err != nil {
		a.rec.Status = previous
		a.rec.LastError = lastError

		return err
	}

	return nil
}

// alreadyFinalized reports whether an earlier attempt moved the file into place
// but never recorded it.
func (a *Actor) alreadyFinalized() bool {
	return finalized(a.rec, a.deps.Stage, a.deps.Options.DownloadDir)
}

// Reconcile sets rec.BytesDownloaded to the staged file's size. A record whose
// file already sits at its destination keeps its count, so the next attempt
// completes it without the network.
func Reconcile(rec *storage.DownloadRecord, stage *staging.Store, downloadDir string) error {
	if finalized(rec, stage, downloadDir) {
		return nil
	}

	staged, err := stage.Size(rec.ID)
	if err != nil {
		return err
	}

	rec.BytesDownloaded = staged

	return nil
}

// finalized holds when the stage is gone and the destination has exactly the
// known total that the record counted.
func finalized(rec *storage.DownloadRecord, stage *staging.Store, downloadDir string) bool {
	total, known := totalOf(rec)
	if !known || rec.BytesDownloaded != total {
		return false
	}

	if _, err := os.Stat(stage.Path(rec.ID)); !errors.Is(err, os.ErrNotExist) {
		return false
	}

	info, err := os.Stat(filepath.Join(downloadDir, rec.DestinationName))
	if err != nil {
		return false
	}

	return info.Mode().IsRegular() && info.Size() == total
}

// interrupt charges one attempt for err and persists the outcome. It reports
// whether the download will be retried.
func (a *Actor) interrupt(ctx context.Context, err error) bool {
	logger := logctx.LoggerFromContext(ctx)

	if rerr := Reconcile(a.rec, a.deps.Stage, a.deps.Options.DownloadDir); rerr != nil {
		logger.Warn("failed to inspect staged file", "err", rerr)
	}

	if aerr := a.apply(EventInterrupt); aerr != nil {
		logger.Warn("forcing download to interrupted", "status", a.rec.Status, "err", aerr)

		a.rec.Status = storage.StatusInterrupted
	}

	a.rec.LastError = err.Error()

	retry := a.policy.Consume(a.rec)
	if !retry {
		if aerr := a.apply(EventExhaust); aerr != nil {
			logger.Warn("forcing download to failed", "err", aerr)

			a.rec.Status = storage.StatusFailed
		}
	}

	if perr := a.deps.Repo.Put(ctx, a.rec); perr != nil {
		logger.Error("failed to checkpoint interruption", "err", perr)
	}

	if !retry {
		if a.rec.BytesDownloaded == 0 {
			if rerr := a.deps.Stage.Remove(a.rec.ID); rerr != nil {
				logger.Warn("failed to remove empty staged file", "err", rerr)
			}
		}

		logger.Error("download failed", "attempts", a.rec.AttemptCount, "err", err)
	}

	return retry
}

// stop writes a clean Interrupted checkpoint for a cancelled actor without
// charging an attempt.
func (a *Actor) stop(ctx context.Context, cause error) (*storage.DownloadRecord, error) {
	if a.rec.Status != storage.StatusConnecting && a.rec.Status != storage.StatusStreaming {
		return a.rec.Clone(), cause
	}

	_ = Reconcile(a.rec, a.deps.Stage, a.deps.Options.DownloadDir)

	a.rec.Status = storage.StatusInterrupted

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()

	logger := logctx.LoggerFromContext(ctx)

	if err := a.deps.Repo.Put(pctx, a.rec); err != nil {
		logger.Error("failed to checkpoint stopped download", "err", err)
	} else {
		logger.Info("download stopped", "downloaded", humanize.Bytes(uint64(a.rec.BytesDownloaded)))
	}

	return a.rec.Clone(), cause
}

func (a *Actor) apply(ev Event) error {
	next, err := Next(a.rec.Status, ev)
	if err != nil {
		return err
	}

	a.rec.Status = next

	return nil
}

func (a *Actor) truncate() error {
	if err := a.deps.Stage.Truncate(a.rec.ID); err != nil {
		return &StagingWriteError{Path: a.deps.Stage.Path(a.rec.ID), Err: err}
	}

	a.rec.BytesDownloaded = 0

	return nil
}

func (a *Actor) checkpoint(ctx context.Context) error {
	if err := a.deps.Repo.Put(ctx, a.rec); err != nil {
		return &CheckpointError{Err: err}
	}

	return nil
}

// stagingWriter tags write failures so they are not mistaken for network errors.
type stagingWriter struct {
	w    io.Writer
	path string
}

func (s *stagingWriter) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err != nil {
		return n, &StagingWriteError{Path: s.path, Err: err}
	}

	return n, nil
}

// idleReader pushes the watchdog back every time bytes arrive.
type idleReader struct {
	r       io.Reader
	timer   *time.Timer
	timeout time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.timer.Reset(r.timeout)
	}

	return n, err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
