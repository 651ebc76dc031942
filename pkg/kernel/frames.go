package kernel

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/manthysbr/variantforge/internal/adapters/scene"
	"github.com/manthysbr/variantforge/internal/core/domain"
)

const maxManifestBytes = 8 << 20

// FrameImporter stores frame documents so runs can reference them by id.
type FrameImporter interface {
	Import(ctx context.Context, docs []domain.FrameDocument) error
}

// POST /v1/frames
//
// Accepts a frame manifest as JSON or YAML and answers with the frame list
// ready to be used as the frames of a run request.
func (s *Server) handleImportFrames(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxManifestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read manifest: %v", err))
		return
	}

	manifest, err := scene.ParseManifest(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.frames.Import(r.Context(), manifest.Documents()); err != nil {
		s.logger.Error("failed to import frames", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to import frames")
		return
	}
	writeJSON(w, http.StatusCreated, map[string][]domain.Frame{"frames": manifest.RunFrames()})
}
