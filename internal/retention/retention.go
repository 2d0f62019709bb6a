// Package retention deletes old backups so that only the newest few are kept
// locally and remotely.
package retention

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/isdelr/backupsync/internal/destination"
	"github.com/isdelr/backupsync/internal/remote"
	"github.com/isdelr/backupsync/internal/staging"
	"github.com/rs/zerolog/log"
)

// Pruner keeps the KeepLocal newest final-named files in Dir and the
// KeepRemote newest objects in Store. A keep count <= 0 disables that side.
// Staging files are never touched.
type Pruner struct {
	Dir        destination.Directory
	Store      remote.Store
	KeepLocal  int
	KeepRemote int
}

type dated struct {
	name string
	id   remote.ObjectID
	at   time.Time
}

func newestFirst(items []dated) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].at.Equal(items[j].at) {
			return items[i].name > items[j].name
		}
		return items[i].at.After(items[j].at)
	})
}

// Prune runs both sides and joins their errors.
func (p *Pruner) Prune(ctx context.Context) error {
	var errs []error
	if p.Dir != nil && p.KeepLocal > 0 {
		if err := p.pruneLocal(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.Store != nil && p.KeepRemote > 0 {
		if err := p.pruneRemote(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pruner) pruneLocal() error {
	entries, err := p.Dir.List()
	if err != nil {
		return fmt.Errorf("list local backups: %w", err)
	}
	var backups []dated
	for _, e := range entries {
		if !e.Regular {
			continue
		}
		if at, ok := staging.ParseFinalName(e.Name); ok {
			backups = append(backups, dated{name: e.Name, at: at})
		}
	}
	if len(backups) <= p.KeepLocal {
		return nil
	}
	newestFirst(backups)

	var errs []error
	for _, b := range backups[p.KeepLocal:] {
		if err := p.Dir.Remove(b.name); err != nil {
			errs = append(errs, fmt.Errorf("delete local backup %s: %w", b.name, err))
			continue
		}
		log.Info().Str("name", b.name).Msg("Retention: deleted old local backup")
	}
	return errors.Join(errs...)
}

func (p *Pruner) pruneRemote(ctx context.Context) error {
	objects, err := p.Store.List(ctx, staging.FinalPrefix)
	if err != nil {
		return fmt.Errorf("list remote backups: %w", err)
	}
	var backups []dated
	for _, o := range objects {
		if at, ok := staging.ParseFinalName(o.Name); ok {
			backups = append(backups, dated{name: o.Name, id: o.ID, at: at})
		}
	}
	if len(backups) <= p.KeepRemote {
		return nil
	}
	newestFirst(backups)

	var errs []error
	for _, b := range backups[p.KeepRemote:] {
		if err := p.Store.Delete(ctx, b.id); err != nil && !errors.Is(err, remote.ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete remote backup %s: %w", b.name, err))
			continue
		}
		log.Info().Str("name", b.name).Str("remote_id", string(b.id)).Msg("Retention: deleted old remote backup")
	}
	return errors.Join(errs...)
}
