package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/psantana5/jobdriver/pkg/journal"
	"github.com/psantana5/jobdriver/pkg/logging"
	"github.com/psantana5/jobdriver/pkg/models"
)

const (
	defaultEventsLimit = 100
	maxEventsLimit     = 1000
)

// EntitySummary counts and names one kind of job entity
type EntitySummary struct {
	Count int      `json:"count"`
	IDs   []string `json:"ids"`
}

func summarize(ids []string) EntitySummary {
	if ids == nil {
		ids = []string{}
	}
	return EntitySummary{Count: len(ids), IDs: ids}
}

// StatusResponse is the body of GET /status
type StatusResponse struct {
	DriverID         string           `json:"driver_id"`
	Phase            models.Phase     `json:"phase"`
	StartedAt        *time.Time       `json:"started_at,omitempty"`
	StoppedAt        *time.Time       `json:"stopped_at,omitempty"`
	Evaluators       EntitySummary    `json:"evaluators"`
	Contexts         EntitySummary    `json:"contexts"`
	RunningTasks     EntitySummary    `json:"running_tasks"`
	CompletedTasks   EntitySummary    `json:"completed_tasks"`
	LastError        string           `json:"last_error,omitempty"`
	MessageLogLength int              `json:"message_log_length"`
	EventsApplied    int64            `json:"events_applied"`
	LastEventKind    models.EventKind `json:"last_event_kind,omitempty"`
	LastEventAt      *time.Time       `json:"last_event_at,omitempty"`
}

// NewStatusResponse renders a snapshot
func NewStatusResponse(snap models.Snapshot) StatusResponse {
	return StatusResponse{
		DriverID:         snap.DriverID,
		Phase:            snap.Phase,
		StartedAt:        snap.StartedAt,
		StoppedAt:        snap.StoppedAt,
		Evaluators:       summarize(snap.EvaluatorIDs()),
		Contexts:         summarize(snap.Contexts),
		RunningTasks:     summarize(snap.RunningTasks),
		CompletedTasks:   summarize(snap.CompletedTasks),
		LastError:        snap.LastError,
		MessageLogLength: len(snap.Messages),
		EventsApplied:    snap.EventsApplied,
		LastEventKind:    snap.LastEventKind,
		LastEventAt:      snap.LastEventAt,
	}
}

// Status renders the current job snapshot
func (b *Bridge) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, NewStatusResponse(b.job.Snapshot()))
}

// Evaluators lists active evaluators with their resources and the failed ones
// with their cause
func (b *Bridge) Evaluators(w http.ResponseWriter, r *http.Request) {
	snap := b.job.Snapshot()
	failed := snap.FailedEvaluators
	if failed == nil {
		failed = map[string]string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"evaluators": snap.Evaluators,
		"failed":     failed,
		"count":      len(snap.Evaluators),
	})
}

// Messages lists the command log, optionally filtered by ?status=
func (b *Bridge) Messages(w http.ResponseWriter, r *http.Request) {
	snap := b.job.Snapshot()
	messages := snap.Messages
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := make([]models.MessageRecord, 0, len(messages))
		for _, m := range messages {
			if string(m.Status) == status {
				filtered = append(filtered, m)
			}
		}
		messages = filtered
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": messages,
		"count":    len(messages),
	})
}

// Events returns the most recent journal entries, oldest first
func (b *Bridge) Events(w http.ResponseWriter, r *http.Request) {
	if b.journal == nil {
		http.Error(w, "Event journal not configured", http.StatusNotFound)
		return
	}

	limit := defaultEventsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if limit > maxEventsLimit {
		limit = maxEventsLimit
	}
	var kind models.EventKind
	if raw := r.URL.Query().Get("kind"); raw != "" {
		k, err := models.ParseEventKind(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		kind = k
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	window := limit
	if kind != "" {
		window = 0 // filter over the whole journal, then take the tail
	}
	entries, err := b.journal.Recent(ctx, window)
	if err != nil {
		b.logger.Error("Failed to read journal", logging.Fields{"error": err.Error()})
		http.Error(w, "Failed to read journal", http.StatusInternalServerError)
		return
	}
	if kind != "" {
		matched := entries[:0]
		for _, e := range entries {
			if e.Kind == kind {
				matched = append(matched, e)
			}
		}
		if len(matched) > limit {
			matched = matched[len(matched)-limit:]
		}
		entries = matched
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": entries,
		"count":  len(entries),
	})
}
