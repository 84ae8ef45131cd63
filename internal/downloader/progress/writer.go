// Package progress reports write progress at a byte or time cadence.
package progress

import (
	"io"
	"time"
)

// Writer wraps an io.Writer and calls OnProgress with the cumulative count
// every Interval bytes or Period, whichever comes first. An error from the
// callback is returned from Write and stops the copy.
type Writer struct {
	Writer     io.Writer
	OnProgress func(written int64) error

	interval int64
	period   time.Duration
	now      func() time.Time

	written    int64
	lastReport int64 // bytes since last report
	lastTime   time.Time
}

func NewWriter(w io.Writer, interval int64, period time.Duration, cb func(written int64) error) *Writer {
	pw := &Writer{
		Writer:     w,
		OnProgress: cb,
		interval:   interval,
		period:     period,
		now:        time.Now,
	}
	pw.lastTime = pw.now()

	return pw
}

func (pw *Writer) Write(p []byte) (int, error) {
	n, err := pw.Writer.Write(p)
	if n > 0 {
		pw.written += int64(n)
		pw.lastReport += int64(n)
	}

	if err != nil {
		return n, err
	}

	if pw.due() {
		if err := pw.report(); err != nil {
			return n, err
		}
	}

	return n, nil
}

// Flush reports any bytes written since the last report.
func (pw *Writer) Flush() error {
	if pw.lastReport == 0 {
		return nil
	}

	return pw.report()
}

// Written returns the bytes written so far.
func (pw *Writer) Written() int64 {
	return pw.written
}

func (pw *Writer) due() bool {
	if pw.lastReport == 0 {
		return false
	}

	if pw.interval > 0 && pw.lastReport >= pw.interval {
		return true
	}

	return pw.period > 0 && pw.now().Sub(pw.lastTime) >= pw.period
}

func (pw *Writer) report() error {
	pw.lastReport = 0
	pw.lastTime = pw.now()

	return pw.OnProgress(pw.written)
}
