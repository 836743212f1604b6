package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ripel-io/ripel/cdc"
	"github.com/ripel-io/ripel/health"
	"github.com/ripel-io/ripel/pipeline"
	"github.com/ripel-io/ripel/publisher"
	"github.com/ripel-io/ripel/resilience"
	"github.com/rs/zerolog/log"
)

// ReaderView is the part of the change reader the admin API reads
type ReaderView interface {
	State() cdc.State
	CurrentPosition() cdc.Position
	LastCheckpoint() cdc.Position
}

// PipelineView is the part of the pipeline the admin API reads
type PipelineView interface {
	Stats() pipeline.Stats
}

// Handlers serves the admin API. Nil dependencies make their endpoints
// answer 404.
type Handlers struct {
	Health   *health.Registry
	Reader   ReaderView
	Pipeline PipelineView
	Breakers *resilience.BreakerSet
	Spool    *publisher.Spool
	Drainer  *publisher.Drainer
	// Secret protects mutating endpoints; empty disables authentication
	Secret string
}

type positionResponse struct {
	State          string `json:"state"`
	Current        string `json:"current"`
	LastCheckpoint string `json:"last_checkpoint"`
}

type breakerResponse struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Cooldown string `json:"cooldown"`
	Calls    int    `json:"window_calls"`
	Failures int    `json:"window_failures"`
}

type spoolEntryResponse struct {
	Seq         uint64 `json:"seq"`
	EventID     string `json:"event_id"`
	EventType   string `json:"event_type"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Reason      string `json:"reason"`
	Error       string `json:"error"`
	Attempts    int    `json:"attempt_count"`
	FailedAt    string `json:"failed_at"`
}

// handleHealth reports every component. Unhealthy answers 503.
func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.Health == nil {
		writeErrorResponse(w, http.StatusNotFound, "health registry not configured")
		return
	}

	snap := h.Health.Check()
	status := http.StatusOK
	if snap.Status == health.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSONStatus(w, status, snap)
}

// handleReady answers 200 only while the reader is streaming
func (h *Handlers) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.Reader == nil {
		writeErrorResponse(w, http.StatusNotFound, "reader not configured")
		return
	}

	state := h.Reader.State()
	if state != cdc.Streaming {
		writeErrorResponse(w, http.StatusServiceUnavailable, fmt.Sprintf("reader is %s", state))
		return
	}
	writeJSONResponse(w, map[string]string{"state": state.String()})
}

func (h *Handlers) handlePosition(w http.ResponseWriter, r *http.Request) {
	if h.Reader == nil {
		writeErrorResponse(w, http.StatusNotFound, "reader not configured")
		return
	}

	writeJSONResponse(w, positionResponse{
		State:          h.Reader.State().String(),
		Current:        h.Reader.CurrentPosition().String(),
		LastCheckpoint: h.Reader.LastCheckpoint().String(),
	})
}

func (h *Handlers) handleBreakers(w http.ResponseWriter, r *http.Request) {
	if h.Breakers == nil {
		writeErrorResponse(w, http.StatusNotFound, "breakers not configured")
		return
	}

	names := h.Breakers.Names()
	out := make([]breakerResponse, 0, len(names))
	for _, name := range names {
		b := h.Breakers.Get(name)
		calls, failures := b.Counts()
		out = append(out, breakerResponse{
			Name:     name,
			State:    b.State().String(),
			Cooldown: b.Cooldown().String(),
			Calls:    calls,
			Failures: failures,
		})
	}
	writeJSONResponse(w, out)
}

func (h *Handlers) handlePipeline(w http.ResponseWriter, r *http.Request) {
	if h.Pipeline == nil {
		writeErrorResponse(w, http.StatusNotFound, "pipeline not configured")
		return
	}
	writeJSONResponse(w, h.Pipeline.Stats())
}

func (h *Handlers) handleSpool(w http.ResponseWriter, r *http.Request) {
	if h.Spool == nil {
		writeErrorResponse(w, http.StatusNotFound, "spool not configured")
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.Spool.List(limit)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]spoolEntryResponse, 0, len(entries))
	for _, e := range entries {
		dl := e.Letter
		out = append(out, spoolEntryResponse{
			Seq:         e.Seq,
			EventID:     dl.Event.ID,
			EventType:   dl.Event.Type,
			Source:      dl.Event.Source,
			Destination: dl.Destination,
			Reason:      dl.Reason,
			Error:       dl.Error,
			Attempts:    dl.Attempts,
			FailedAt:    dl.FailedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSONResponse(w, out)
}

// handleSpoolDrain replays the spool against the dead-letter destination now
func (h *Handlers) handleSpoolDrain(w http.ResponseWriter, r *http.Request) {
	if h.Drainer == nil {
		writeErrorResponse(w, http.StatusNotFound, "spool drainer not configured")
		return
	}

	n, err := h.Drainer.DrainOnce(r.Context())
	if err != nil {
		log.Warn().Err(err).Int("delivered", n).Msg("Manual spool drain stopped early")
		writeJSONStatus(w, http.StatusBadGateway, map[string]any{
			"delivered": n,
			"error":     err.Error(),
		})
		return
	}

	log.Info().Int("delivered", n).Msg("Manual spool drain finished")
	writeJSONResponse(w, map[string]int{"delivered": n})
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 100, nil // default
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}

	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}

	if limit > 1024 {
		return 0, fmt.Errorf("limit cannot exceed 1024")
	}

	return limit, nil
}
