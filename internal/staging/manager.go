// Package staging owns the crash-safe lifecycle of backup files inside a
// destination directory: orphan cleanup, slot reservation, promotion to the
// permanent name and purge.
package staging

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	"github.com/isdelr/backupsync/internal/backuperr"
	"github.com/isdelr/backupsync/internal/destination"
	"github.com/isdelr/backupsync/internal/models"
	"github.com/rs/zerolog/log"
)

// Slot is a reserved staging file in a destination directory.
type Slot struct {
	Dir        destination.Directory
	Name       string
	ReservedAt time.Time
	promoted   bool
}

// Promoted reports whether the slot has been consumed by Promote.
func (s *Slot) Promoted() bool { return s.promoted }

// Manager implements the staging area over any destination.Directory.
type Manager struct {
	newToken func() string
	now      func() time.Time
}

// NewManager creates a Manager that names slots with random UUIDs.
func NewManager() *Manager {
	return &Manager{
		newToken: uuid.NewString,
		now:      time.Now,
	}
}

// PurgeOrphans deletes every staging-named file in dir, regardless of age.
// Deletion is best effort and the number of removed entries is returned.
func (m *Manager) PurgeOrphans(dir destination.Directory) int {
	entries, err := dir.List()
	if err != nil {
		log.Warn().Err(err).Str("dir", dir.Location()).Msg("Staging: could not list directory for orphan cleanup")
		return 0
	}

	purged := 0
	for _, entry := range entries {
		if !entry.Regular || !IsStagingName(entry.Name) {
			continue
		}
		if err := dir.Remove(entry.Name); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				log.Warn().Err(err).Str("staging_name", entry.Name).Msg("Staging: could not delete old temporary backup file")
			}
			continue
		}
		log.Warn().Str("staging_name", entry.Name).Msg("Staging: deleted old temporary backup file")
		purged++
	}
	return purged
}

// Reserve creates an empty placeholder under a fresh staging name.
func (m *Manager) Reserve(dir destination.Directory) (*Slot, error) {
	if err := dir.CheckWritable(); err != nil {
		return nil, backuperr.New(backuperr.StagingUnavailable, "reserve", err)
	}

	name := StagingName(m.newToken())
	placeholder, err := dir.Create(name)
	if err != nil {
		return nil, backuperr.New(backuperr.StagingUnavailable, "reserve",
			fmt.Errorf("failed to create temporary backup file: %w", err))
	}
	if err := placeholder.Close(); err != nil {
		_ = dir.Remove(name)
		return nil, backuperr.New(backuperr.StagingUnavailable, "reserve", err)
	}
	return &Slot{Dir: dir, Name: name, ReservedAt: m.now()}, nil
}

// Promote moves the slot to finalName without ever replacing an existing entry.
func (m *Manager) Promote(slot *Slot, finalName string) (models.Artifact, error) {
	dir := slot.Dir
	if finalName == "" || IsStagingName(finalName) {
		return models.Artifact{}, backuperr.Newf(backuperr.PromotionFailed, "promote", "invalid final name %q", finalName)
	}

	if _, err := dir.Stat(finalName); err == nil {
		return models.Artifact{}, backuperr.Newf(backuperr.PromotionConflict, "promote", "%s already exists", finalName)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return models.Artifact{}, backuperr.New(backuperr.PromotionFailed, "promote", err)
	}

	if err := m.renameNoReplace(dir, slot.Name, finalName); err != nil {
		return models.Artifact{}, err
	}
	slot.promoted = true

	artifact := models.Artifact{
		CreatedAt:   slot.ReservedAt,
		FinalName:   finalName,
		StagingName: slot.Name,
	}
	if t, ok := ParseFinalName(finalName); ok {
		artifact.CreatedAt = t
	}
	if entry, err := dir.Stat(finalName); err == nil {
		artifact.SizeBytes = entry.Size
	}
	return artifact, nil
}

// renameNoReplace links the final name first, which fails atomically when
// the target exists, and falls back to a plain rename on filesystems
// without hard links.
func (m *Manager) renameNoReplace(dir destination.Directory, from, to string) error {
	err := dir.Link(from, to)
	switch {
	case err == nil:
		if rmErr := dir.Remove(from); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			// The final name is in place; the next PurgeOrphans removes the leftover link.
			log.Warn().Err(rmErr).Str("staging_name", from).Msg("Staging: promoted but could not unlink staging name")
		}
		return nil
	case errors.Is(err, fs.ErrExist):
		return backuperr.Newf(backuperr.PromotionConflict, "promote", "%s already exists", to)
	case errors.Is(err, fs.ErrNotExist):
		return backuperr.New(backuperr.PromotionFailed, "promote", err)
	}

	log.Debug().Err(err).Str("dir", dir.Location()).Msg("Staging: hard link unavailable, falling back to rename")
	if _, statErr := dir.Stat(to); statErr == nil {
		return backuperr.Newf(backuperr.PromotionConflict, "promote", "%s already exists", to)
	}
	if err := dir.Rename(from, to); err != nil {
		return backuperr.New(backuperr.PromotionFailed, "promote", fmt.Errorf("renaming temporary backup file failed: %w", err))
	}
	return nil
}

// Purge deletes the slot's staging file. A missing file is not an error.
func (m *Manager) Purge(slot *Slot) error {
	if slot == nil {
		return nil
	}
	if err := slot.Dir.Remove(slot.Name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("purge %s: %w", slot.Name, err)
	}
	return nil
}
