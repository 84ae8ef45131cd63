package downloader_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/drogue/internal/downloader"
	"github.com/italolelis/drogue/internal/staging"
	"github.com/italolelis/drogue/internal/storage"
	"github.com/italolelis/drogue/internal/storage/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mb = 1024 * 1024

// testServer serves content, optionally honoring range requests and dropping
// the connection at an absolute byte offset for the first drops responses.
type testServer struct {
	content    []byte
	honorRange bool
	status     int
	dropAt     int64
	drops      int

	mu       sync.Mutex
	requests int
	ranges   []string
}

func (s *testServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests++
	s.ranges = append(s.ranges, r.Header.Get("Range"))
	drop := s.drops > 0
	if drop {
		s.drops--
	}
	s.mu.Unlock()

	if s.status != 0 {
		http.Error(w, http.StatusText(s.status), s.status)
		return
	}

	var start int64
	rng := r.Header.Get("Range")
	if s.honorRange && rng != "" {
		if _, err := fmt.Sscanf(rng, "bytes=%d-", &start); err != nil || start >= int64(len(s.content)) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
	}

	body := s.content[start:]
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))

	if s.honorRange {
		w.Header().Set("Accept-Ranges", "bytes")
	}

	if s.honorRange && rng != "" {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, len(s.content)-1, len(s.content)))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	if drop && s.dropAt >= start {
		_, _ = w.Write(body[:s.dropAt-start])
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}

	_, _ = w.Write(body)
}

func (s *testServer) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.requests
}

func (s *testServer) rangeHeaders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.ranges...)
}

type harness struct {
	repo  *sqlite.DownloadRepository
	stage *staging.Store
	deps  downloader.Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	root := t.TempDir()

	db, err := sqlite.InitDB(filepath.Join(root, "drogue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	stage, err := staging.New(filepath.Join(root, "staging"))
	require.NoError(t, err)

	opts := downloader.DefaultOptions()
	opts.DownloadDir = filepath.Join(root, "downloads")
	opts.CheckpointBytes = mb
	opts.ReadTimeout = 5 * time.Second
	opts.Backoff = downloader.BackoffOptions{Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2}

	repo := sqlite.NewDownloadRepository(db)

	return &harness{
		repo:  repo,
		stage: stage,
		deps: downloader.Deps{
			Repo:    repo,
			Stage:   stage,
			Client:  downloader.NewClient(downloader.DefaultClientOptions()),
			Options: opts,
		},
	}
}

func (h *harness) newRecord(t *testing.T, rawURL string) *storage.DownloadRecord {
	t.Helper()

	u, err := downloader.ValidateURL(rawURL)
	require.NoError(t, err)

	rec := &storage.DownloadRecord{
		ID:              "0190b8c2-0000-7000-8000-000000000001",
		SourceURL:       rawURL,
		DestinationName: downloader.DestinationName(u),
		Status:          storage.StatusPending,
		SupportsResume:  storage.ResumeUnknown,
	}
	require.NoError(t, h.repo.Put(context.Background(), rec))

	return rec
}

func (h *harness) destination(rec *storage.DownloadRecord) string {
	return filepath.Join(h.deps.Options.DownloadDir, rec.DestinationName)
}

func randomContent(size int) []byte {
	b := make([]byte, size)
	r := rand.New(rand.NewPCG(1, 2))

	for i := range b {
		b[i] = byte(r.UintN(256))
	}

	return b
}

func assertFinished(t *testing.T, h *harness, rec *storage.DownloadRecord, content []byte) {
	t.Helper()

	got, err := os.ReadFile(h.destination(rec))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got), "destination differs from the served content")

	_, err = os.Stat(h.stage.Path(rec.ID))
	assert.ErrorIs(t, err, os.ErrNotExist, "staged file is gone after finalize")

	stored, err := h.repo.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, stored.Status)
	assert.Equal(t, int64(len(content)), stored.BytesDownloaded)
	require.NotNil(t, stored.TotalBytes)
	assert.Equal(t, int64(len(content)), *stored.TotalBytes)
}

func TestRunResumesAfterDisconnects(t *testing.T) {
	content := randomContent(10 * mb)
	srv := &testServer{content: content, honorRange: true, dropAt: 4 * mb, drops: 3}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	h := newHarness(t)
	rec := h.newRecord(t, ts.URL+"/files/big.bin?token=abc")

	final, err := downloader.NewActor(rec, h.deps).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, storage.StatusCompleted, final.Status)
	assert.Equal(t, 3, final.AttemptCount)
	assert.Equal(t, storage.ResumeYes, final.SupportsResume)
	assert.Equal(t, "big.bin", final.DestinationName)
	assertFinished(t, h, rec, content)

	ranges := srv.rangeHeaders()
	require.Len(t, ranges, 4)
	assert.Empty(t, ranges[0])
	for _, r := range ranges[1:] {
		assert.Equal(t, fmt.Sprintf("bytes=%d-", 4*mb), r)
	}
}

func TestRunRestartsWhenRangeIgnored(t *testing.T) {
	content := randomContent(3 * mb)
	srv := &testServer{content: content, dropAt: mb, drops: 1}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	h := newHarness(t)
	rec := h.newRecord(t, ts.URL+"/plain.bin")

	final, err := downloader.NewActor(rec, h.deps).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, final.AttemptCount)
	assert.Equal(t, storage.ResumeNo, final.SupportsResume)
	assertFinished(t, h, rec, content)

	ranges := srv.rangeHeaders()
	require.Len(t, ranges, 2)
	assert.Equal(t, fmt.Sprintf("bytes=%d-", mb), ranges[1], "resumption is attempted while support is unknown")
}

func TestRunFailsAfterMaxAttempts(t *testing.T) {
	srv := &testServer{status: http.StatusBadRequest}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	h := newHarness(t)
	rec := h.newRecord(t, ts.URL+"/missing.bin")

	final, err := downloader.NewActor(rec, h.deps).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, storage.StatusFailed, final.Status)
	assert.Equal(t, 24, final.AttemptCount)
	assert.Contains(t, final.LastError, "400")
	assert.Equal(t, 24, srv.requestCount())

	_, err = os.Stat(h.stage.Path(rec.ID))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = os.Stat(h.destination(rec))
	assert.ErrorIs(t, err, os.ErrNotExist)

	stored, err := h.repo.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, stored.Status)
	assert.Equal(t, 24, stored.AttemptCount)
}

func TestRunRecoversFromCheckpoint(t *testing.T) {
	content := randomContent(4 * mb)
	srv := &testServer{content: content, honorRange: true}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	h := newHarness(t)
	rec := h.newRecord(t, ts.URL+"/resume.bin")

	// Simulate a crash: the stage is ahead of the last durable checkpoint.
	staged := int64(3 * mb)
	require.NoError(t, os.WriteFile(h.stage.Path(rec.ID), content[:staged], 0o644))

	rec.Status = storage.StatusStreaming
	rec.BytesDownloaded = 2 * mb
	rec.SupportsResume = storage.ResumeYes
	rec.SetTotal(int64(len(content)))
	require.NoError(t, h.repo.Put(context.Background(), rec))

	stored, err := h.repo.Get(context.Background(), rec.ID)
	require.NoError(t, err)

	final, err := downloader.NewActor(stored, h.deps).Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, final.AttemptCount, "a crash does not consume an attempt")
	assertFinished(t, h, rec, content)
	assert.Equal(t, []string{fmt.Sprintf("bytes=%d-", staged)}, srv.rangeHeaders())
}

func TestRunUnknownLength(t *testing.T) {
	content := randomContent(256 * 1024)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		for chunk := range slices.Chunk(content, 64*1024) {
			_, _ = w.Write(chunk)
			w.(http.Flusher).Flush()
		}
	}))
	defer ts.Close()

	h := newHarness(t)
	rec := h.newRecord(t, ts.URL+"/stream")

	final, err := downloader.NewActor(rec, h.deps).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, storage.StatusCompleted, final.Status)
	assertFinished(t, h, rec, content)
}

func TestRunFinalizeErrorKeepsStage(t *testing.T) {
	content := randomContent(512 * 1024)
	srv := &testServer{content: content, honorRange: true}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	h := newHarness(t)
	h.deps.Options.MaxAttempts = 2

	// A regular file where the download directory should be makes every move fail.
	require.NoError(t, os.WriteFile(h.deps.Options.DownloadDir, nil, 0o644))

	rec := h.newRecord(t, ts.URL+"/kept.bin")

	final, err := downloader.NewActor(rec, h.deps).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, storage.StatusFailed, final.Status)
	assert.Contains(t, final.LastError, "failed to move")
	assert.Equal(t, 1, srv.requestCount(), "a complete stage is finalized without refetching")

	size, err := h.stage.Size(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), size)

	require.NoError(t, os.Remove(h.deps.Options.DownloadDir))

	_, err = downloader.PrepareRestart(final, size)
	require.NoError(t, err)
	require.NoError(t, h.repo.Put(context.Background(), final))

	_, err = downloader.NewActor(final, h.deps).Run(context.Background())
	require.NoError(t, err)

	assertFinished(t, h, rec, content)
	assert.Equal(t, 1, srv.requestCount())
}

func TestRunCancelCheckpointsInterrupted(t *testing.T) {
	started := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(mb))
		w.Header().Set("Accept-Ranges", "bytes")
		_, _ = w.Write(make([]byte, 1024))
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer ts.Close()

	h := newHarness(t)
	rec := h.newRecord(t, ts.URL+"/slow.bin")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	var final *storage.DownloadRecord
	go func() {
		var err error
		final, err = downloader.NewActor(rec, h.deps).Run(ctx)
		done <- err
	}()

	<-started
	cancel()

	err := <-done
	require.ErrorIs(t, err, context.Canceled)

	stored, err := h.repo.Get(context.Background(), rec.ID)
	require.NoError(t, err)

	size, err := h.stage.Size(rec.ID)
	require.NoError(t, err)

	assert.Equal(t, storage.StatusInterrupted, stored.Status)
	assert.Zero(t, stored.AttemptCount)
	assert.Equal(t, size, stored.BytesDownloaded)
	assert.Equal(t, storage.StatusInterrupted, final.Status)
}

func TestRunReadTimeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(mb))
		_, _ = w.Write(make([]byte, 1024))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer ts.Close()

	h := newHarness(t)
	h.deps.Options.MaxAttempts = 1
	h.deps.Options.ReadTimeout = 50 * time.Millisecond

	rec := h.newRecord(t, ts.URL+"/stall.bin")

	final, err := downloader.NewActor(rec, h.deps).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, storage.StatusFailed, final.Status)
	assert.Contains(t, final.LastError, downloader.ErrReadTimeout.Error())
	assert.Equal(t, int64(1024), final.BytesDownloaded, "failed record keeps its progress")
}

func TestRunCheckpointFailureIsAnInterruption(t *testing.T) {
	h := newHarness(t)
	h.deps.Repo = failingRepo{h.repo}
	h.deps.Options.MaxAttempts = 1

	rec := h.newRecord(t, "http://127.0.0.1:1/unreachable")

	final, err := downloader.NewActor(rec, h.deps).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, final.Status)
	assert.Contains(t, final.LastError, "failed to checkpoint progress")
}

// failingRepo rejects progress checkpoints but accepts terminal ones.
type failingRepo struct {
	*sqlite.DownloadRepository
}

func (r failingRepo) Put(ctx context.Context, rec *storage.DownloadRecord) error {
	if !rec.Status.Terminal() && rec.Status != storage.StatusInterrupted {
		return errors.New("disk I/O error")
	}

	return r.DownloadRepository.Put(ctx, rec)
}

// completedPutFails rejects the first Completed checkpoint.
type completedPutFails struct {
	*sqlite.DownloadRepository

	failed atomic.Bool
}

func (r *completedPutFails) Put(ctx context.Context, rec *storage.DownloadRecord) error {
	if rec.Status == storage.StatusCompleted && r.failed.CompareAndSwap(false, true) {
		return errors.New("database is locked")
	}

	return r.DownloadRepository.Put(ctx, rec)
}

func TestRunCompletesFinalizedFileWithoutRefetching(t *testing.T) {
	content := randomContent(512 * 1024)
	srv := &testServer{content: content, honorRange: true}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	h := newHarness(t)
	repo := &completedPutFails{DownloadRepository: h.repo}
	h.deps.Repo = repo

	rec := h.newRecord(t, ts.URL+"/moved.bin")

	final, err := downloader.NewActor(rec, h.deps).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, repo.failed.Load())
	assert.Equal(t, storage.StatusCompleted, final.Status)
	assert.Equal(t, 1, final.AttemptCount, "the lost checkpoint is one interruption")
	assert.Equal(t, 1, srv.requestCount(), "the finalized file is not downloaded again")
	assertFinished(t, h, rec, content)
}

func TestReconcile(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.MkdirAll(h.deps.Options.DownloadDir, 0o755))

	rec := h.newRecord(t, "http://example.com/done.bin")
	rec.SetTotal(4)
	rec.BytesDownloaded = 4

	t.Run("keeps the count of a file already in place", func(t *testing.T) {
		require.NoError(t, os.WriteFile(h.destination(rec), []byte("done"), 0o644))
		t.Cleanup(func() { _ = os.Remove(h.destination(rec)) })

		got := rec.Clone()
		require.NoError(t, downloader.Reconcile(got, h.stage, h.deps.Options.DownloadDir))
		assert.Equal(t, int64(4), got.BytesDownloaded)
	})

	t.Run("takes the staged size otherwise", func(t *testing.T) {
		require.NoError(t, os.WriteFile(h.stage.Path(rec.ID), []byte("do"), 0o644))
		t.Cleanup(func() { _ = h.stage.Remove(rec.ID) })

		got := rec.Clone()
		require.NoError(t, downloader.Reconcile(got, h.stage, h.deps.Options.DownloadDir))
		assert.Equal(t, int64(2), got.BytesDownloaded)
	})

	t.Run("no stage and no destination is zero", func(t *testing.T) {
		got := rec.Clone()
		require.NoError(t, downloader.Reconcile(got, h.stage, h.deps.Options.DownloadDir))
		assert.Zero(t, got.BytesDownloaded)
	})
}
