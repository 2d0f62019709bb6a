package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/isdelr/backupsync/internal/models"
	"github.com/isdelr/backupsync/internal/services"
)

// EventHandler serves the backup job's event log.
type EventHandler struct {
	service services.EventServiceProvider
	jobName string
}

// NewEventHandler creates an EventHandler. jobName is used when a request
// does not name a job.
func NewEventHandler(service services.EventServiceProvider, jobName string) *EventHandler {
	return &EventHandler{service: service, jobName: jobName}
}

var eventLevels = map[string]bool{"": true, "info": true, "warn": true, "error": true}

// List returns events filtered by the type, level and job query
// parameters, newest first.
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := services.EventFilter{
		Type:    q.Get("type"),
		Level:   q.Get("level"),
		JobName: q.Get("job"),
	}
	if !eventLevels[filter.Level] {
		http.Error(w, "level must be info, warn or error", http.StatusBadRequest)
		return
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 {
		filter.Limit = min(limit, 500)
	} else {
		filter.Limit = 20
	}

	events, err := h.service.ListEvents(filter)
	if err != nil {
		serverError(w, r, http.StatusInternalServerError, "Failed to retrieve events", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(events)
}

type alertResponse struct {
	Active bool          `json:"active"`
	Event  *models.Event `json:"event,omitempty"`
}

// Alert reports the failure a job escalated after exhausting its retries.
// It clears once a backup completes.
func (h *EventHandler) Alert(w http.ResponseWriter, r *http.Request) {
	job := r.URL.Query().Get("job")
	if job == "" {
		job = h.jobName
	}
	event, err := h.service.ActiveAlert(job)
	if err != nil {
		serverError(w, r, http.StatusInternalServerError, "Failed to retrieve alert", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(alertResponse{Active: event != nil, Event: event})
}
