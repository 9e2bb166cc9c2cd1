package httpapi

import "net/http"

// handlePerfLatency serves the rolling stage-latency window plus event
// indicators such as oracle retries and budget stops. ?reset=true clears
// the window after the snapshot is taken.
func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	snap := s.metrics.SnapshotStages()
	if r.URL.Query().Get("reset") == "true" {
		s.metrics.ResetStages()
	}
	respondJSON(w, http.StatusOK, snap)
}
