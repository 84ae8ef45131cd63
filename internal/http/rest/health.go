package rest

import "net/http"

type healthResponse struct {
	Status          string `json:"status"`
	ActiveDownloads int    `json:"active_downloads"`
}

// HealthHandler reports liveness along with the number of running actors.
func HealthHandler(active func() int) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", ActiveDownloads: active()})
	}
}
