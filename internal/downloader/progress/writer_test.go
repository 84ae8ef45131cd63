package progress

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterReportsByBytes(t *testing.T) {
	var buf bytes.Buffer
	var reports []int64

	w := NewWriter(&buf, 10, 0, func(written int64) error {
		reports = append(reports, written)
		return nil
	})

	for range 5 {
		_, err := w.Write([]byte("abcd"))
		require.NoError(t, err)
	}

	require.NoError(t, w.Flush())

	assert.Equal(t, []int64{12, 20}, reports)
	assert.Equal(t, int64(20), w.Written())
	assert.Equal(t, 20, buf.Len())
}

func TestWriterReportsByTime(t *testing.T) {
	clock := time.Unix(0, 0)
	var reports []int64

	w := NewWriter(&bytes.Buffer{}, 0, time.Second, func(written int64) error {
		reports = append(reports, written)
		return nil
	})
	w.now = func() time.Time { return clock }
	w.lastTime = clock

	_, _ = w.Write([]byte("ab"))
	assert.Empty(t, reports)

	clock = clock.Add(time.Second)
	_, _ = w.Write([]byte("cd"))
	assert.Equal(t, []int64{4}, reports)
}

func TestWriterFlushWithoutPendingBytes(t *testing.T) {
	called := false
	w := NewWriter(&bytes.Buffer{}, 1, 0, func(int64) error {
		called = true
		return nil
	})

	require.NoError(t, w.Flush())
	assert.False(t, called)
}

func TestWriterCallbackErrorStopsWrite(t *testing.T) {
	boom := errors.New("boom")
	w := NewWriter(&bytes.Buffer{}, 1, 0, func(int64) error { return boom })

	n, err := w.Write([]byte("x"))
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, boom)
}
