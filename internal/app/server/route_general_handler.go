package server

import (
	"encoding/json"
	"net/http"

	"repsheet/internal/config"
	"repsheet/internal/store"
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	health := store.CheckConnection(r.Context(), s.deps.Conn)
	status := http.StatusOK
	if health != store.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"backend": health.String()})
}

func getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, config.GetConfig())
}

func saveSettings(w http.ResponseWriter, r *http.Request) {
	var newConfig config.Config
	if err := json.NewDecoder(r.Body).Decode(&newConfig); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := config.SetConfig(newConfig); err != nil {
		writeError(w, "Settings applied but not fully persisted: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, config.GetConfig())
}
