package kernel

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/manthysbr/variantforge/internal/core/domain"
	"github.com/manthysbr/variantforge/internal/core/services"
)

// handleRunSSE streams a run's progress events until the run finishes or the
// client goes away. The last event is always run.finished.
// GET /v1/runs/{id}/events
func (s *Server) handleRunSSE(w http.ResponseWriter, r *http.Request) {
	runID := domain.RunID(r.PathValue("id"))

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// subscribe before reading the record so no event falls between the two
	ch, unsub := s.eventBus.Subscribe(runID)
	defer unsub()
	done := s.runs.Done(runID)

	if _, err := s.runs.Get(r.Context(), runID); err != nil {
		s.writeRunError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(evt services.Event) bool {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, evt.Data)
		flusher.Flush()
		return evt.Type == services.EventTypeRunFinished
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok || send(evt) {
				return
			}
		case <-done:
			// flush what is buffered, then close with the saved summary
		drain:
			for {
				select {
				case evt, ok := <-ch:
					if !ok || send(evt) {
						return
					}
				default:
					break drain
				}
			}
			s.sendFinal(w, flusher, r, runID)
			return
		}
	}
}

func (s *Server) sendFinal(w http.ResponseWriter, flusher http.Flusher, r *http.Request, runID domain.RunID) {
	run, err := s.runs.Get(r.Context(), runID)
	if err != nil {
		s.logger.Warn("failed to load finished run", "run_id", runID, "error", err)
		return
	}
	data, _ := json.Marshal(run.Summary)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", services.EventTypeRunFinished, data)
	flusher.Flush()
}
