// Package registry owns the running download actors: at most one per id.
package registry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/italolelis/drogue/internal/downloader"
	"github.com/italolelis/drogue/internal/logctx"
	"github.com/italolelis/drogue/internal/storage"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotRunning is returned by operations issued before Open or after Close.
	ErrNotRunning = errors.New("registry is not running")
	// ErrBusy is returned while another restart or delete of the same id runs.
	ErrBusy = errors.New("download is being restarted or deleted")
)

const (
	eventBuffer      = 32
	recoveryParallel = 8
)

type Options struct {
	// MaxParallel bounds how many actors stream at once; the rest wait for a slot.
	// Default: 3
	MaxParallel int
}

type handle struct {
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
}

// Registry starts, restarts and stops download actors and publishes their outcome.
type Registry struct {
	deps downloader.Deps
	sem  chan struct{}

	mu      sync.Mutex
	base    context.Context
	cancel  context.CancelFunc
	actors  map[string]*handle
	claimed map[string]bool // ids with a restart or delete in progress
	wg      sync.WaitGroup

	OnDownloadCompleted chan *storage.DownloadRecord
	OnDownloadFailed    chan *storage.DownloadRecord
}

func New(deps downloader.Deps, opts Options) *Registry {
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 3
	}

	return &Registry{
		deps:                deps,
		sem:                 make(chan struct{}, opts.MaxParallel),
		actors:              make(map[string]*handle),
		claimed:             make(map[string]bool),
		OnDownloadCompleted: make(chan *storage.DownloadRecord, eventBuffer),
		OnDownloadFailed:    make(chan *storage.DownloadRecord, eventBuffer),
	}
}

// Open starts the registry and resumes every unfinished download. Records left
// Connecting or Streaming by a crash are checkpointed as Interrupted first.
// Actors live until ctx is cancelled or Close is called.
func (r *Registry) Open(ctx context.Context) error {
	r.mu.Lock()
	if r.base != nil {
		r.mu.Unlock()

		return errors.New("registry already open")
	}

	r.base, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	logger := logctx.LoggerFromContext(ctx)

	records, err := r.deps.Repo.ListUnfinished(ctx)
	if err != nil {
		return fmt.Errorf("failed to list unfinished downloads: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(recoveryParallel)

	for i := range records {
		rec := &records[i]

		g.Go(func() error {
			if err := r.resume(gctx, rec); err != nil {
				return fmt.Errorf("failed to recover download %s: %w", rec.ID, err)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("download registry open", "recovered", len(records))

	return nil
}

func (r *Registry) resume(ctx context.Context, rec *storage.DownloadRecord) error {
	switch rec.Status {
	case storage.StatusConnecting, storage.StatusStreaming:
		if err := downloader.Reconcile(rec, r.deps.Stage, r.deps.Options.DownloadDir); err != nil {
			return err
		}

		rec.Status = storage.StatusInterrupted

		if err := r.deps.Repo.Put(ctx, rec); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.base == nil {
		return ErrNotRunning
	}

	r.spawn(rec)

	return nil
}

// Close stops every actor, waits for their final checkpoints and closes the event channels.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.base == nil {
		r.mu.Unlock()

		return
	}

	r.cancel()
	r.base = nil
	r.mu.Unlock()

	r.wg.Wait()

	close(r.OnDownloadCompleted)
	close(r.OnDownloadFailed)
}

// Start validates rawURL, persists a Pending record and spawns its actor.
func (r *Registry) Start(ctx context.Context, rawURL string) (string, error) {
	u, err := downloader.ValidateURL(rawURL)
	if err != nil {
		return "", err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate download id: %w", err)
	}

	rec := &storage.DownloadRecord{
		ID:              id.String(),
		SourceURL:       u.String(),
		DestinationName: downloader.DestinationName(u),
		Status:          storage.StatusPending,
		SupportsResume:  storage.ResumeUnknown,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.base == nil {
		return "", ErrNotRunning
	}

	if err := r.deps.Repo.Put(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to persist download: %w", err)
	}

	r.deps.Telemetry.RecordDownloadStarted(ctx)
	r.spawn(rec)

	logctx.LoggerFromContext(ctx).Info("download started",
		"download_id", rec.ID, "url", rec.SourceURL, "destination", rec.DestinationName)

	return rec.ID, nil
}

// Restart stops any live actor for id, resets the record and spawns a new actor.
// Staged bytes are kept unless the server is known to ignore ranges.
func (r *Registry) Restart(ctx context.Context, id string) error {
	unclaim, err := r.claim(ctx, id)
	if err != nil {
		return err
	}
	defer unclaim()

	rec, err := r.deps.Repo.Get(ctx, id)
	if err != nil {
		return err
	}

	staged, err := r.deps.Stage.Size(id)
	if err != nil {
		return fmt.Errorf("failed to inspect staged file: %w", err)
	}

	previous := rec.Status

	keep, err := downloader.PrepareRestart(rec, staged)
	if err != nil {
		return err
	}

	if !keep {
		if err := r.deps.Stage.Remove(id); err != nil {
			return fmt.Errorf("failed to discard staged file: %w", err)
		}
	}

	if err := r.deps.Repo.Put(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist restart: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// A Pending record left by a concurrent Close is resumed by the next Open.
	if r.base == nil {
		return ErrNotRunning
	}

	r.deps.Telemetry.RecordDownloadStarted(ctx)
	r.spawn(rec)

	logctx.LoggerFromContext(ctx).Info("download restarted",
		"download_id", id, "previous_status", previous, "kept_staged_bytes", keep)

	return nil
}

// Delete stops the actor for id and removes its staged file and record.
// A finished destination file is never touched.
func (r *Registry) Delete(ctx context.Context, id string) error {
	unclaim, err := r.claim(ctx, id)
	if err != nil {
		return err
	}
	defer unclaim()

	if _, err := r.deps.Repo.Get(ctx, id); err != nil {
		return err
	}

	if err := r.deps.Stage.Remove(id); err != nil {
		return fmt.Errorf("failed to remove staged file: %w", err)
	}

	if err := r.deps.Repo.Delete(ctx, id); err != nil {
		return err
	}

	logctx.LoggerFromContext(ctx).Info("download deleted", "download_id", id)

	return nil
}

func (r *Registry) Get(ctx context.Context, id string) (*storage.DownloadRecord, error) {
	return r.deps.Repo.Get(ctx, id)
}

// List returns all records ordered by creation time.
func (r *Registry) List(ctx context.Context) ([]storage.DownloadRecord, error) {
	return r.deps.Repo.List(ctx)
}

// Active returns the number of live actors.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.actors)
}

// claim reserves id for a restart or delete, cancels its live actor and waits
// for the final checkpoint. The lock is not held while waiting, so other ids
// and Active are never stuck behind a slow stop. unclaim frees the id.
func (r *Registry) claim(ctx context.Context, id string) (unclaim func(), err error) {
	r.mu.Lock()
	if r.base == nil {
		r.mu.Unlock()

		return nil, ErrNotRunning
	}

	if r.claimed[id] {
		r.mu.Unlock()

		return nil, ErrBusy
	}

	r.claimed[id] = true
	h := r.actors[id]
	r.mu.Unlock()

	unclaim = func() {
		r.mu.Lock()
		delete(r.claimed, id)
		r.mu.Unlock()
	}

	if h == nil {
		return unclaim, nil
	}

	h.cancel()

	select {
	case <-h.done:
		return unclaim, nil
	case <-ctx.Done():
		unclaim()

		return nil, ctx.Err()
	}
}

// spawn must be called with r.mu held.
func (r *Registry) spawn(rec *storage.DownloadRecord) {
	ctx, cancel := context.WithCancel(r.base)
	h := &handle{cancel: cancel, done: make(chan struct{}), startedAt: time.Now()}

	r.actors[rec.ID] = h

	r.wg.Add(1)

	go r.run(ctx, rec.Clone(), h)
}

func (r *Registry) run(ctx context.Context, rec *storage.DownloadRecord, h *handle) {
	defer r.wg.Done()
	defer r.release(rec.ID, h)

	ctx = logctx.WithDownloadID(ctx, rec.ID)
	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if p := recover(); p != nil {
			logger.Error("download actor crashed", "panic", p, "stack", string(debug.Stack()))
			r.deps.Telemetry.RecordSystemError(ctx, "registry", "actor_panic")
		}
	}()

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return
	}

	r.deps.Telemetry.IncrementActiveDownloads(ctx)
	defer r.deps.Telemetry.DecrementActiveDownloads(ctx)

	final, err := downloader.NewActor(rec, r.deps).Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Debug("download actor stopped")
		} else {
			logger.Error("download actor exited", "err", err)
		}

		return
	}

	r.finished(ctx, final, time.Since(h.startedAt))
}

// release closes done before taking the lock so waiters in claim wake first.
func (r *Registry) release(id string, h *handle) {
	h.cancel()
	close(h.done)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.actors[id] == h {
		delete(r.actors, id)
	}
}

// finished publishes the outcome without blocking the actor.
func (r *Registry) finished(ctx context.Context, rec *storage.DownloadRecord, duration time.Duration) {
	r.deps.Telemetry.RecordDownloadFinished(ctx, string(rec.Status), duration)

	events := r.OnDownloadFailed
	if rec.Status == storage.StatusCompleted {
		events = r.OnDownloadCompleted
	}

	select {
	case events <- rec:
	default:
		logctx.LoggerFromContext(ctx).Warn("dropping download event, no listener keeping up", "status", rec.Status)
	}
}
