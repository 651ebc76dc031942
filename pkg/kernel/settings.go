package kernel

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/manthysbr/variantforge/internal/core/domain"
)

// GET /v1/settings
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.MaskedConfig())
}

// PUT /v1/settings. Masked or empty API keys keep the stored value.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var update domain.AppConfig
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := s.settings.Update(r.Context(), update); err != nil {
		if errors.Is(err, domain.ErrInvalidSettings) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("failed to update settings", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update settings")
		return
	}
	writeJSON(w, http.StatusOK, s.settings.MaskedConfig())
}
