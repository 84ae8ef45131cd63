package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for a download id.
var ErrNotFound = errors.New("download not found")

// Status is the lifecycle state of a download.
type Status string

const (
	StatusPending     Status = "pending"
	StatusConnecting  Status = "connecting"
	StatusStreaming   Status = "streaming"
	StatusInterrupted Status = "interrupted"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Terminal reports whether the status ends the automatic lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ResumeSupport records what the server told us about byte-range requests.
type ResumeSupport string

const (
	ResumeUnknown ResumeSupport = "unknown"
	ResumeYes     ResumeSupport = "yes"
	ResumeNo      ResumeSupport = "no"
)

// DownloadRecord is the durable state of one download.
type DownloadRecord struct {
	ID              string
	SourceURL       string
	DestinationName string
	Status          Status
	BytesDownloaded int64
	// TotalBytes is nil until the server reports a content length.
	TotalBytes     *int64
	AttemptCount   int
	SupportsResume ResumeSupport
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Clone returns a deep copy so callers can mutate it without sharing TotalBytes.
func (r *DownloadRecord) Clone() *DownloadRecord {
	c := *r
	if r.TotalBytes != nil {
		total := *r.TotalBytes
		c.TotalBytes = &total
	}

	return &c
}

// SetTotal records a known content length.
func (r *DownloadRecord) SetTotal(total int64) {
	r.TotalBytes = &total
}

// Remaining returns the bytes left to fetch and whether the total is known.
func (r *DownloadRecord) Remaining() (int64, bool) {
	if r.TotalBytes == nil {
		return 0, false
	}

	return *r.TotalBytes - r.BytesDownloaded, true
}

// DownloadReadRepository gives read access to download records.
type DownloadReadRepository interface {
	Get(ctx context.Context, id string) (*DownloadRecord, error)
	List(ctx context.Context) ([]DownloadRecord, error)
	// ListUnfinished returns records that are neither completed nor failed.
	ListUnfinished(ctx context.Context) ([]DownloadRecord, error)
}

// DownloadWriteRepository persists download records. Put must be durable before it returns.
type DownloadWriteRepository interface {
	Put(ctx context.Context, record *DownloadRecord) error
	Delete(ctx context.Context, id string) error
}

type DownloadRepository interface {
	DownloadReadRepository
	DownloadWriteRepository
}
