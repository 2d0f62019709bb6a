package models

import "time"

// Artifact is one backup produced by a successful or in-progress attempt.
type Artifact struct {
	CreatedAt   time.Time `json:"createdAt"`
	FinalName   string    `json:"finalName"`
	StagingName string    `json:"-"` // Transient, never exposed
	SizeBytes   int64     `json:"sizeBytes"`
	RemoteID    string    `json:"remoteId,omitempty"` // Set only after a confirmed upload
}

// Attempt outcomes recorded in the history table.
const (
	OutcomeRunning = "running"
	OutcomeDone    = "done"
	OutcomeFailed  = "failed"
)

// Attempt records a single run of the sync job.
type Attempt struct {
	ID            string     `json:"id"`
	AttemptNumber int        `json:"attemptNumber"`
	MaxAttempts   int        `json:"maxAttempts"`
	Forced        bool       `json:"forced"`
	Outcome       string     `json:"outcome"`
	State         string     `json:"state"`
	ErrorKind     string     `json:"errorKind,omitempty"`
	Error         string     `json:"error,omitempty"`
	FinalName     string     `json:"finalName,omitempty"`
	RemoteID      string     `json:"remoteId,omitempty"`
	SizeBytes     int64      `json:"sizeBytes"`
	StartedAt     time.Time  `json:"startedAt"`
	FinishedAt    *time.Time `json:"finishedAt"`
}

// BackupInfo describes a backup held by the remote store.
type BackupInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"sizeBytes"`
}
