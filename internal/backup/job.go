// Package backup implements the sync job: one attempt that validates the
// destination, stages an encrypted export, uploads it and promotes it to its
// permanent name, cleaning up the staging file on every failure path.
package backup

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/isdelr/backupsync/internal/backuperr"
	"github.com/isdelr/backupsync/internal/destination"
	"github.com/isdelr/backupsync/internal/export"
	"github.com/isdelr/backupsync/internal/metrics"
	"github.com/isdelr/backupsync/internal/models"
	"github.com/isdelr/backupsync/internal/notify"
	"github.com/isdelr/backupsync/internal/remote"
	"github.com/isdelr/backupsync/internal/staging"
	"github.com/rs/zerolog/log"
)

// ErrNoPassphrase is returned by validation when no secret is configured.
var ErrNoPassphrase = errors.New("backup passphrase is not set")

// PassphraseFunc returns the current backup secret.
type PassphraseFunc func() (string, error)

// Pruner enforces retention once an attempt has completed.
type Pruner interface {
	Prune(ctx context.Context) error
}

// Config holds the collaborators of a Job. Dir, Exporter, Store and
// Passphrase are required.
type Config struct {
	Dir        destination.Directory
	Staging    *staging.Manager
	Exporter   export.Exporter
	Store      remote.Store
	Sink       notify.Sink
	Pruner     Pruner
	Passphrase PassphraseFunc
	Metrics    metrics.Metrics
	Now        func() time.Time
}

// Job runs backup attempts. Attempts must not overlap; the queue in front
// of the job guarantees that, and Run rejects a concurrent call.
type Job struct {
	cfg Config

	mu      sync.Mutex
	state   State
	running bool
}

// New validates cfg and fills optional collaborators with no-op defaults.
func New(cfg Config) (*Job, error) {
	if cfg.Dir == nil || cfg.Exporter == nil || cfg.Store == nil || cfg.Passphrase == nil {
		return nil, errors.New("backup job requires a directory, exporter, store and passphrase source")
	}
	if cfg.Staging == nil {
		cfg.Staging = staging.NewManager()
	}
	if cfg.Sink == nil {
		cfg.Sink = notify.Discard{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Job{cfg: cfg}, nil
}

// State returns the state of the current or last attempt.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) transition(s State) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
	j.cfg.Metrics.ObserveState(s.String())
	j.cfg.Sink.Progress(s.String())
	log.Debug().Str("state", s.String()).Msg("Backup: state changed")
}

// Run executes one attempt. attempt is the 1-based invocation number
// supplied by the scheduler and is only used for reporting.
func (j *Job) Run(ctx context.Context, attempt int) (models.Artifact, error) {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return models.Artifact{}, backuperr.Newf(backuperr.PreconditionError, "run", "an attempt is already in flight")
	}
	j.running = true
	j.state = Idle
	j.mu.Unlock()
	defer func() {
		j.mu.Lock()
		j.running = false
		j.mu.Unlock()
	}()

	started := j.cfg.Now()
	log.Info().Int("attempt", attempt).Str("dir", j.cfg.Dir.Location()).Msg("Backup: executing backup job")
	j.cfg.Sink.Clear()

	artifact, err := j.run(ctx, attempt)
	j.cfg.Metrics.ObserveAttemptDuration(j.cfg.Now().Sub(started).Seconds())
	if err != nil {
		kind, _ := backuperr.KindOf(err)
		j.transition(Failed)
		j.cfg.Metrics.IncAttempt(models.OutcomeFailed, string(kind))
		j.cfg.Sink.ReportFailure(kind, attempt)
		log.Error().Err(err).Int("attempt", attempt).Str("kind", string(kind)).Msg("Backup: attempt failed")
		return models.Artifact{}, err
	}

	j.transition(Done)
	j.cfg.Metrics.IncAttempt(models.OutcomeDone, "")
	log.Info().
		Str("final_name", artifact.FinalName).
		Str("remote_id", artifact.RemoteID).
		Str("size", humanize.Bytes(uint64(artifact.SizeBytes))).
		Msg("Backup: attempt completed")

	if j.cfg.Pruner != nil {
		if err := j.cfg.Pruner.Prune(ctx); err != nil {
			log.Warn().Err(err).Msg("Backup: pruning old backups failed")
		}
	}
	return artifact, nil
}

func (j *Job) run(ctx context.Context, attempt int) (models.Artifact, error) {
	dir := j.cfg.Dir
	st := j.cfg.Staging

	j.transition(Validating)
	timestamp := j.cfg.Now()
	finalName := staging.FinalName(timestamp)
	secret, err := j.validate(finalName)
	if err != nil {
		return models.Artifact{}, backuperr.New(backuperr.PreconditionError, "validate", err)
	}

	j.transition(Staging)
	if purged := st.PurgeOrphans(dir); purged > 0 {
		j.cfg.Metrics.AddOrphansPurged(purged)
		log.Warn().Int("purged", purged).Msg("Backup: removed stale staging files from a previous run")
	}
	slot, err := st.Reserve(dir)
	if err != nil {
		return models.Artifact{}, backuperr.New(backuperr.StagingUnavailable, "stage", err)
	}

	j.transition(Exporting)
	if err := j.export(ctx, slot, secret); err != nil {
		j.purge(slot)
		return models.Artifact{}, backuperr.New(backuperr.ExportError, "export", err)
	}

	j.transition(Uploading)
	data, err := readSlot(slot)
	if err != nil {
		j.purge(slot)
		return models.Artifact{}, backuperr.New(backuperr.StagingUnavailable, "read staged backup", err)
	}
	remoteID, err := j.cfg.Store.Put(ctx, finalName, data)
	if err != nil {
		j.purge(slot)
		return models.Artifact{}, backuperr.New(backuperr.UploadError, "upload", err)
	}
	j.cfg.Metrics.AddUploadedBytes(int64(len(data)))
	log.Info().Str("remote_id", string(remoteID)).Int("attempt", attempt).Msg("Backup: uploaded to remote store")

	j.transition(Promoting)
	artifact, err := st.Promote(slot, finalName)
	switch {
	case errors.Is(err, backuperr.PromotionConflict):
		// Another valid backup owns the name. Leave both files for inspection.
		log.Error().Str("staging_name", slot.Name).Str("final_name", finalName).
			Str("remote_id", string(remoteID)).Msg("Backup: final name already taken, not overwriting")
		return models.Artifact{}, backuperr.New(backuperr.DuplicateBackupError, "promote", err)
	case err != nil:
		j.purge(slot)
		return models.Artifact{}, backuperr.New(backuperr.StagingUnavailable, "promote", err)
	}

	artifact.CreatedAt = timestamp
	artifact.RemoteID = string(remoteID)
	if artifact.SizeBytes == 0 {
		artifact.SizeBytes = int64(len(data))
	}
	return artifact, nil
}

// validate checks preconditions without touching the directory.
func (j *Job) validate(finalName string) (string, error) {
	if err := j.cfg.Dir.CheckWritable(); err != nil {
		return "", fmt.Errorf("cannot write to backup directory location: %w", err)
	}
	secret, err := j.cfg.Passphrase()
	if err != nil {
		return "", fmt.Errorf("read backup passphrase: %w", err)
	}
	if secret == "" {
		return "", ErrNoPassphrase
	}
	if _, err := j.cfg.Dir.Stat(finalName); err == nil {
		return "", fmt.Errorf("backup file %s already exists", finalName)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("check %s: %w", finalName, err)
	}
	return secret, nil
}

func (j *Job) export(ctx context.Context, slot *staging.Slot, secret string) error {
	w, err := slot.Dir.OpenWrite(slot.Name)
	if err != nil {
		return err
	}
	buffered := bufio.NewWriterSize(w, 256*1024)
	exportErr := j.cfg.Exporter.Export(ctx, secret, buffered)
	if exportErr == nil {
		exportErr = buffered.Flush()
	}
	if exportErr == nil {
		if syncer, ok := w.(interface{ Sync() error }); ok {
			exportErr = syncer.Sync()
		}
	}
	closeErr := w.Close()
	if exportErr != nil {
		return exportErr
	}
	if closeErr != nil {
		return closeErr
	}
	return ctx.Err()
}

func (j *Job) purge(slot *staging.Slot) {
	if err := j.cfg.Staging.Purge(slot); err != nil {
		log.Warn().Err(err).Str("staging_name", slot.Name).Msg("Backup: failed to delete temp file")
		return
	}
	log.Warn().Str("staging_name", slot.Name).Msg("Backup: failed, deleted temp file")
}

func readSlot(slot *staging.Slot) ([]byte, error) {
	r, err := slot.Dir.Open(slot.Name)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
