package rest

import (
	"sync"
	"time"

	"github.com/italolelis/drogue/internal/storage"
)

const speedWindow = 60

// movingAverage is the throughput over the last speedWindow samples.
type movingAverage struct {
	bytes   [speedWindow]int64
	elapsed [speedWindow]time.Duration
	index   int
	filled  int
}

func (m *movingAverage) add(bytes int64, elapsed time.Duration) {
	m.bytes[m.index] = bytes
	m.elapsed[m.index] = elapsed
	m.index = (m.index + 1) % speedWindow

	if m.filled < speedWindow {
		m.filled++
	}
}

// average returns bytes per second, 0 without samples.
func (m *movingAverage) average() float64 {
	var (
		bytes   int64
		elapsed time.Duration
	)

	for i := range m.filled {
		bytes += m.bytes[i]
		elapsed += m.elapsed[i]
	}

	if elapsed <= 0 {
		return 0
	}

	return float64(bytes) / elapsed.Seconds()
}

type speedSample struct {
	bytes     int64
	updatedAt time.Time
	avg       movingAverage
}

// speedTracker turns successive checkpoints of each download into a speed.
type speedTracker struct {
	mu    sync.Mutex
	state map[string]*speedSample
}

func newSpeedTracker() *speedTracker {
	return &speedTracker{state: make(map[string]*speedSample)}
}

// observe feeds the delta since the previously seen checkpoint of rec.
func (t *speedTracker) observe(rec *storage.DownloadRecord) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.state[rec.ID]
	if !ok || rec.BytesDownloaded < s.bytes {
		// First sighting or the stage was restarted.
		t.state[rec.ID] = &speedSample{bytes: rec.BytesDownloaded, updatedAt: rec.UpdatedAt}

		return 0
	}

	if elapsed := rec.UpdatedAt.Sub(s.updatedAt); elapsed > 0 {
		s.avg.add(rec.BytesDownloaded-s.bytes, elapsed)
		s.bytes = rec.BytesDownloaded
		s.updatedAt = rec.UpdatedAt
	}

	return s.avg.average()
}

// retain drops state for downloads that are gone or no longer streaming.
func (t *speedTracker) retain(records []storage.DownloadRecord) {
	keep := make(map[string]bool, len(records))
	for _, rec := range records {
		if rec.Status == storage.StatusStreaming {
			keep[rec.ID] = true
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for id := range t.state {
		if !keep[id] {
			delete(t.state, id)
		}
	}
}
