package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Asdafers/contenitzer/pkg/store"
)

// keepaliveInterval paces SSE comment frames so idle streams survive
// proxy timeouts.
const keepaliveInterval = 15 * time.Second

// handleJobEvents handles GET /api/v1/jobs/{id}/events. It bridges the
// job's progress channel to an SSE stream: one data frame per event,
// with the per-job sequence number as the event ID, closed after the
// terminal event. A stream opened for an already finished job closes
// right away; consumers read final state from the job record.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	if _, err := s.store.GetJob(r.Context(), jobID); err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			s.sendError(w, http.StatusNotFound, "job_not_found", fmt.Sprintf("Job %s not found", jobID))
			return
		}
		s.sendError(w, http.StatusInternalServerError, "store_error", fmt.Sprintf("Failed to get job: %v", err))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming_unsupported", "Streaming is not supported")
		return
	}

	events, cancel := s.events.Subscribe(jobID)
	defer cancel()

	// Streams outlive the server write timeout.
	http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Handshake comment; some proxies need an immediate first byte.
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case evt, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				s.log.Error().Err(err).Str("job_id", jobID).Msg("encoding progress event")
				continue
			}
			fmt.Fprintf(w, "id: %d\ndata: %s\n\n", evt.SequenceNumber, payload)
			flusher.Flush()
		}
	}
}
