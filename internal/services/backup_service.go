package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/isdelr/backupsync/internal/models"
	"github.com/isdelr/backupsync/internal/remote"
	"github.com/isdelr/backupsync/internal/staging"
)

// ErrNoBackups is returned when the remote store holds no backup.
var ErrNoBackups = errors.New("no backups found")

// BackupServiceProvider defines the interface for backup services.
type BackupServiceProvider interface {
	StartAttempt(a *models.Attempt) error
	FinishAttempt(a *models.Attempt) error
	ListAttempts(limit int) ([]models.Attempt, error)
	Latest(ctx context.Context) (models.BackupInfo, error)
	Download(ctx context.Context, info models.BackupInfo) ([]byte, error)
}

// BackupService keeps attempt history and looks up backups in the remote store.
type BackupService struct {
	db    *sql.DB
	store remote.Store
}

// NewBackupService creates a new BackupService. store may be nil when only
// history is needed.
func NewBackupService(db *sql.DB, store remote.Store) *BackupService {
	return &BackupService{db: db, store: store}
}

// StartAttempt inserts a running attempt.
func (s *BackupService) StartAttempt(a *models.Attempt) error {
	_, err := s.db.Exec(`INSERT INTO backup_attempts
		(id, attempt_number, max_attempts, forced, outcome, state, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.AttemptNumber, a.MaxAttempts, a.Forced, a.Outcome, a.State, a.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// FinishAttempt stores the terminal outcome of an attempt.
func (s *BackupService) FinishAttempt(a *models.Attempt) error {
	var finished interface{}
	if a.FinishedAt != nil {
		finished = a.FinishedAt.UTC()
	}
	res, err := s.db.Exec(`UPDATE backup_attempts SET
		outcome = ?, state = ?, error_kind = ?, error = ?, final_name = ?, remote_id = ?, size_bytes = ?, finished_at = ?
		WHERE id = ?`,
		a.Outcome, a.State, a.ErrorKind, a.Error, a.FinalName, a.RemoteID, a.SizeBytes, finished, a.ID)
	if err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("attempt %s not found", a.ID)
	}
	return nil
}

// ListAttempts returns the newest attempts first.
func (s *BackupService) ListAttempts(limit int) ([]models.Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, attempt_number, max_attempts, forced, outcome, state, error_kind, error,
		final_name, remote_id, size_bytes, started_at, finished_at
		FROM backup_attempts ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attempts := []models.Attempt{}
	for rows.Next() {
		var a models.Attempt
		var finished sql.NullTime
		if err := rows.Scan(&a.ID, &a.AttemptNumber, &a.MaxAttempts, &a.Forced, &a.Outcome, &a.State,
			&a.ErrorKind, &a.Error, &a.FinalName, &a.RemoteID, &a.SizeBytes, &a.StartedAt, &finished); err != nil {
			return nil, err
		}
		if finished.Valid {
			t := finished.Time
			a.FinishedAt = &t
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// Latest returns the newest backup in the remote store, judged by the
// timestamp encoded in its name.
func (s *BackupService) Latest(ctx context.Context) (models.BackupInfo, error) {
	if s.store == nil {
		return models.BackupInfo{}, errors.New("no remote store configured")
	}
	objects, err := s.store.List(ctx, staging.FinalPrefix)
	if err != nil {
		return models.BackupInfo{}, fmt.Errorf("list remote backups: %w", err)
	}

	var latest models.BackupInfo
	found := false
	for _, o := range objects {
		ts, ok := staging.ParseFinalName(o.Name)
		if !ok {
			continue
		}
		if !found || ts.After(latest.Timestamp) {
			latest = models.BackupInfo{ID: string(o.ID), Name: o.Name, Timestamp: ts, SizeBytes: o.Size}
			found = true
		}
	}
	if !found {
		return models.BackupInfo{}, ErrNoBackups
	}
	return latest, nil
}

// Download fetches the encrypted bytes of a backup.
func (s *BackupService) Download(ctx context.Context, info models.BackupInfo) ([]byte, error) {
	if s.store == nil {
		return nil, errors.New("no remote store configured")
	}
	data, err := s.store.Get(ctx, remote.ObjectID(info.ID))
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", info.Name, err)
	}
	return data, nil
}
