package apihttp

import (
	"net/http"

	"animestream/internal/domain"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	report := domain.HealthReport{Status: "ok", DownloadRate: "0 B/s", UploadRate: "0 B/s"}
	if s.health != nil {
		report = s.health.Execute()
	}
	writeJSON(w, http.StatusOK, report)
}
