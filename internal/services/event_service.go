package services

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/isdelr/backupsync/internal/models"
)

// Event types written by the backup job.
const (
	EventBackupDone   = "backup.done"
	EventBackupFailed = "backup.failed"
)

// EventFilter narrows ListEvents. Empty fields match everything.
type EventFilter struct {
	Type    string
	Level   string
	JobName string
	Limit   int
}

// EventServiceProvider defines the interface for event services.
type EventServiceProvider interface {
	CreateEvent(eventType, level, message string, jobName *string) error
	ListEvents(filter EventFilter) ([]models.Event, error)
	ActiveAlert(jobName string) (*models.Event, error)
}

// EventService stores the job's user-visible event log.
type EventService struct {
	db *sql.DB
}

// NewEventService creates a new EventService.
func NewEventService(db *sql.DB) *EventService {
	return &EventService{db: db}
}

// CreateEvent logs a new event to the database.
func (s *EventService) CreateEvent(eventType, level, message string, jobName *string) error {
	event := models.Event{
		ID:      uuid.New().String(),
		Type:    eventType,
		Level:   level,
		Message: message,
		JobName: jobName,
	}

	stmt, err := s.db.Prepare("INSERT INTO events (id, type, level, message, job_name) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	_, err = stmt.Exec(event.ID, event.Type, event.Level, event.Message, event.JobName)
	return err
}

// ListEvents returns matching events, newest first.
func (s *EventService) ListEvents(filter EventFilter) ([]models.Event, error) {
	var where []string
	var args []interface{}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.Level != "" {
		where = append(where, "level = ?")
		args = append(args, filter.Level)
	}
	if filter.JobName != "" {
		where = append(where, "job_name = ?")
		args = append(args, filter.JobName)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := "SELECT id, type, level, message, job_name, created_at FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []models.Event{}
	for rows.Next() {
		var event models.Event
		if err := rows.Scan(&event.ID, &event.Type, &event.Level, &event.Message, &event.JobName, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// ActiveAlert returns the error-level failure the job escalated after its
// retries ran out, or nil once a later backup has completed.
func (s *EventService) ActiveAlert(jobName string) (*models.Event, error) {
	row := s.db.QueryRow(`SELECT id, type, level, message, job_name, created_at FROM events
		WHERE job_name = ? AND (type = ? OR (type = ? AND level = 'error'))
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, jobName, EventBackupDone, EventBackupFailed)

	var event models.Event
	err := row.Scan(&event.ID, &event.Type, &event.Level, &event.Message, &event.JobName, &event.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if event.Type != EventBackupFailed {
		return nil, nil
	}
	return &event, nil
}
