package downloader

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		header    string
		wantStart int64
		wantTotal int64
		wantErr   bool
	}{
		{header: "bytes 0-99/100", wantStart: 0, wantTotal: 100},
		{header: "bytes 40-99/100", wantStart: 40, wantTotal: 100},
		{header: "bytes 40-99/*", wantStart: 40, wantTotal: -1},
		{header: "", wantErr: true},
		{header: "items 0-1/2", wantErr: true},
		{header: "bytes */100", wantErr: true},
		{header: "bytes 50-40/100", wantErr: true},
		{header: "bytes 0-99/99", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			start, total, err := parseContentRange(tt.header)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantStart, start)
			assert.Equal(t, tt.wantTotal, total)
		})
	}
}

func TestClientGet(t *testing.T) {
	var (
		mu                 sync.Mutex
		gotRange, gotAgent string
	)

	seen := func() (string, string) {
		mu.Lock()
		defer mu.Unlock()

		return gotRange, gotAgent
	}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotRange = r.Header.Get("Range")
		gotAgent = r.Header.Get("User-Agent")
		mu.Unlock()

		switch r.URL.Path {
		case "/full":
			w.Header().Set("Accept-Ranges", "Bytes")
			_, _ = io.WriteString(w, "hello world")
		case "/partial":
			w.Header().Set("Content-Range", "bytes 6-10/11")
			w.WriteHeader(http.StatusPartialContent)
			_, _ = io.WriteString(w, "world")
		case "/garbled":
			w.Header().Set("Content-Range", "nonsense")
			w.WriteHeader(http.StatusPartialContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	client := NewClient(DefaultClientOptions())
	ctx := context.Background()

	t.Run("plain get", func(t *testing.T) {
		resp, err := client.Get(ctx, ts.URL+"/full", 0)
		require.NoError(t, err)
		defer resp.Body.Close()

		rng, agent := seen()
		assert.Empty(t, rng)
		assert.Equal(t, "drogue", agent)
		assert.False(t, resp.Partial)
		assert.Equal(t, int64(11), resp.Total)
		assert.Equal(t, "bytes", resp.AcceptRanges)
	})

	t.Run("range get", func(t *testing.T) {
		resp, err := client.Get(ctx, ts.URL+"/partial", 6)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)

		rng, _ := seen()
		assert.Equal(t, "bytes=6-", rng)
		assert.True(t, resp.Partial)
		assert.Equal(t, int64(6), resp.Start)
		assert.Equal(t, int64(11), resp.Total)
		assert.Equal(t, "world", string(body))
	})

	t.Run("garbled content range", func(t *testing.T) {
		_, err := client.Get(ctx, ts.URL+"/garbled", 6)

		var rangeErr *RangeNotHonoredError
		require.ErrorAs(t, err, &rangeErr)
		assert.Equal(t, int64(6), rangeErr.Offset)
	})

	t.Run("unexpected status", func(t *testing.T) {
		_, err := client.Get(ctx, ts.URL+"/missing", 0)

		var statusErr *UnexpectedStatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	})

	t.Run("connect error", func(t *testing.T) {
		_, err := client.Get(ctx, "http://127.0.0.1:1/", 0)

		var connectErr *ConnectError
		require.ErrorAs(t, err, &connectErr)
		assert.True(t, Retryable(err))
	})
}

func TestClientThrottles(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, 4096))
	}))
	defer ts.Close()

	opts := DefaultClientOptions()
	opts.MaxBytesPerSecond = 1024
	client := NewClient(opts)

	require.NotNil(t, client.limiter)
	assert.GreaterOrEqual(t, client.limiter.Burst(), opts.ChunkSize, "burst must cover a full chunk")

	resp, err := client.Get(context.Background(), ts.URL, 0)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.IsType(t, &throttledReader{}, resp.Body)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Len(t, body, 4096)
}
