package api

import "net/http"

// handleRecords serves the cached archive tree. Until the first refresh
// succeeds there is nothing to show, which mirrors an empty remote.
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	if s.recs == nil {
		respondError(w, http.StatusServiceUnavailable, "Records backend disabled")
		return
	}
	snap := s.recs.Current()
	if snap == nil || snap.Data == nil {
		respondJSON(w, http.StatusNotFound, map[string]any{
			"data":         map[string]any{},
			"last_updated": 0,
			"total_size":   0,
		})
		return
	}
	respondJSON(w, http.StatusOK, snap)
}
