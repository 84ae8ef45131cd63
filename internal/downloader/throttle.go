package downloader

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// throttledReader spends limiter tokens for every byte read.
type throttledReader struct {
	ctx     context.Context
	rc      io.ReadCloser
	limiter *rate.Limiter
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if burst := t.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}

	n, err := t.rc.Read(p)
	if n > 0 {
		if werr := t.limiter.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}

	return n, err
}

func (t *throttledReader) Close() error {
	return t.rc.Close()
}
