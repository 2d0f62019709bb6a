package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/isdelr/backupsync/internal/jobqueue"
	"github.com/isdelr/backupsync/internal/services"
	"github.com/rs/zerolog/log"
)

// Trigger accepts backup requests and reports queue state.
type Trigger interface {
	Enqueue(req jobqueue.Request) *jobqueue.Ticket
	Status() jobqueue.Status
}

// BackupHandler handles HTTP requests related to backups.
type BackupHandler struct {
	service services.BackupServiceProvider
	queue   Trigger
}

// NewBackupHandler creates a new BackupHandler.
func NewBackupHandler(service services.BackupServiceProvider, queue Trigger) *BackupHandler {
	return &BackupHandler{service: service, queue: queue}
}

// CreateBackupPayload is the optional JSON body for triggering a backup.
type CreateBackupPayload struct {
	Force *bool `json:"force"`
}

type triggerResponse struct {
	TicketID string          `json:"ticketId"`
	Forced   bool            `json:"forced"`
	Queue    jobqueue.Status `json:"queue"`
}

// Create queues a backup. Requests from the API are forced unless the body
// says otherwise.
func (h *BackupHandler) Create(w http.ResponseWriter, r *http.Request) {
	var payload CreateBackupPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	force := true
	if payload.Force != nil {
		force = *payload.Force
	}

	ticket := h.queue.Enqueue(jobqueue.Request{Force: force, Reason: "api"})
	log.Info().Str("ticket", ticket.ID).Bool("force", force).Msg("Backup requested via API")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(triggerResponse{TicketID: ticket.ID, Forced: force, Queue: h.queue.Status()})
}

// Status reports whether a backup is running or queued.
func (h *BackupHandler) Status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.queue.Status())
}

// ListAttempts returns the attempt history, newest first.
func (h *BackupHandler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 20
	}
	attempts, err := h.service.ListAttempts(limit)
	if err != nil {
		serverError(w, r, http.StatusInternalServerError, "Failed to retrieve backup attempts", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(attempts)
}

// Latest returns metadata for the newest remote backup.
func (h *BackupHandler) Latest(w http.ResponseWriter, r *http.Request) {
	info, err := h.service.Latest(r.Context())
	if errors.Is(err, services.ErrNoBackups) {
		http.Error(w, "No backups found", http.StatusNotFound)
		return
	}
	if err != nil {
		serverError(w, r, http.StatusBadGateway, "Failed to look up latest backup", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

// DownloadLatest streams the newest remote backup, still encrypted.
func (h *BackupHandler) DownloadLatest(w http.ResponseWriter, r *http.Request) {
	info, err := h.service.Latest(r.Context())
	if errors.Is(err, services.ErrNoBackups) {
		http.Error(w, "No backups found", http.StatusNotFound)
		return
	}
	if err != nil {
		serverError(w, r, http.StatusBadGateway, "Failed to look up latest backup", err)
		return
	}
	data, err := h.service.Download(r.Context(), info)
	if err != nil {
		serverError(w, r, http.StatusBadGateway, "Failed to download backup", err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", info.Name))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

// serverError logs err with the request id and sends only msg to the client.
func serverError(w http.ResponseWriter, r *http.Request, status int, msg string, err error) {
	log.Error().Err(err).
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("path", r.URL.Path).
		Msg(msg)
	http.Error(w, msg, status)
}
