package rest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/italolelis/drogue/internal/downloader"
	"github.com/italolelis/drogue/internal/logctx"
	"github.com/italolelis/drogue/internal/registry"
	"github.com/italolelis/drogue/internal/storage"
)

const maxRequestBody = 64 * 1024

// Downloads is the engine surface exposed over HTTP.
type Downloads interface {
	Start(ctx context.Context, rawURL string) (string, error)
	Restart(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*storage.DownloadRecord, error)
	List(ctx context.Context) ([]storage.DownloadRecord, error)
}

type StartRequest struct {
	URL string `json:"url"`
}

type StartResponse struct {
	ID string `json:"id"`
}

// DownloadView is a record plus the figures derived for display.
type DownloadView struct {
	ID              string  `json:"id"`
	URL             string  `json:"url"`
	DestinationName string  `json:"destination_name"`
	Status          string  `json:"status"`
	BytesDownloaded int64   `json:"bytes_downloaded"`
	TotalBytes      *int64  `json:"total_bytes,omitempty"`
	Percent         float64 `json:"percent"`
	Downloaded      string  `json:"downloaded"`
	Total           string  `json:"total,omitempty"`
	BytesPerSecond  float64 `json:"bytes_per_second"`
	Speed           string  `json:"speed"`
	ETASeconds      *int64  `json:"eta_seconds,omitempty"`
	AttemptCount    int     `json:"attempt_count"`
	SupportsResume  string  `json:"supports_resume"`
	LastError       string  `json:"last_error,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type DownloadsHandler struct {
	username  string
	password  string
	downloads Downloads
	speeds    *speedTracker
}

// NewDownloadsHandler creates the handler for the downloads API.
func NewDownloadsHandler(username, password string, downloads Downloads) *DownloadsHandler {
	return &DownloadsHandler{
		username:  username,
		password:  password,
		downloads: downloads,
		speeds:    newSpeedTracker(),
	}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.basicAuthMiddleware)

	r.Post("/downloads", h.HandleStart)
	r.Get("/downloads", h.HandleList)
	r.Get("/downloads/{id}", h.HandleGet)
	r.Post("/downloads/{id}/restart", h.HandleRestart)
	r.Delete("/downloads/{id}", h.HandleDelete)

	return r
}

// HandleStart accepts a URL and starts downloading it.
func (h *DownloadsHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req StartRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		logger.Debug("failed to decode start request", "err", err)
		writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	id, err := h.downloads.Start(r.Context(), req.URL)
	if err != nil {
		h.fail(w, r, "failed to start download", err)

		return
	}

	writeJSON(w, http.StatusCreated, StartResponse{ID: id})
}

// HandleList lists every download ordered by creation time.
func (h *DownloadsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	records, err := h.downloads.List(r.Context())
	if err != nil {
		h.fail(w, r, "failed to list downloads", err)

		return
	}

	views := make([]DownloadView, 0, len(records))
	for i := range records {
		views = append(views, h.view(&records[i]))
	}

	h.speeds.retain(records)

	writeJSON(w, http.StatusOK, views)
}

func (h *DownloadsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.downloads.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "failed to get download", err)

		return
	}

	writeJSON(w, http.StatusOK, h.view(rec))
}

func (h *DownloadsHandler) HandleRestart(w http.ResponseWriter, r *http.Request) {
	if err := h.downloads.Restart(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, "failed to restart download", err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.downloads.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, "failed to delete download", err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadsHandler) view(rec *storage.DownloadRecord) DownloadView {
	v := DownloadView{
		ID:              rec.ID,
		URL:             rec.SourceURL,
		DestinationName: rec.DestinationName,
		Status:          string(rec.Status),
		BytesDownloaded: rec.BytesDownloaded,
		TotalBytes:      rec.TotalBytes,
		Downloaded:      humanize.Bytes(uint64(max(rec.BytesDownloaded, 0))),
		AttemptCount:    rec.AttemptCount,
		SupportsResume:  string(rec.SupportsResume),
		LastError:       rec.LastError,
		CreatedAt:       rec.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       rec.UpdatedAt.Format(time.RFC3339),
	}

	if rec.TotalBytes != nil {
		total := *rec.TotalBytes
		v.Total = humanize.Bytes(uint64(max(total, 0)))

		switch {
		case total > 0:
			v.Percent = float64(rec.BytesDownloaded) * 100 / float64(total)
		case rec.Status == storage.StatusCompleted:
			v.Percent = 100
		}
	}

	if rec.Status == storage.StatusStreaming {
		v.BytesPerSecond = h.speeds.observe(rec)
	}

	v.Speed = humanize.Bytes(uint64(v.BytesPerSecond)) + "/s"

	if remaining, known := rec.Remaining(); known && v.BytesPerSecond > 0 && remaining > 0 {
		eta := int64(float64(remaining) / v.BytesPerSecond)
		v.ETASeconds = &eta
	}

	return v
}

// fail maps engine errors to status codes.
func (h *DownloadsHandler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	switch {
	case errors.Is(err, downloader.ErrInvalidURL):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrNotRunning):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logctx.LoggerFromContext(r.Context()).Error(msg, "err", err)
		writeError(w, http.StatusInternalServerError, msg)
	}
}

func (h *DownloadsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="drogue"`)
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		userOK := subtle.ConstantTimeCompare([]byte(username), []byte(h.username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(password), []byte(h.password)) == 1

		if !userOK || !passOK {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
