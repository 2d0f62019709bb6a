// Package remote defines the object store backups are uploaded to and its
// concrete providers.
package remote

import (
	"context"
	"errors"
	"sort"
	"time"
)

// ObjectID identifies an object within a store.
type ObjectID string

// ObjectMeta describes one stored object.
type ObjectMeta struct {
	ID           ObjectID
	Name         string
	Size         int64
	LastModified time.Time
}

var (
	// ErrNotFound is returned by Get and Delete for unknown ids.
	ErrNotFound = errors.New("remote object not found")
	// ErrExists is returned by Put when an object with the name is already stored.
	ErrExists = errors.New("remote object already exists")
)

// Store is a capability-bounded object store. Put must be atomic: on error
// no object for name may be left behind. Put never replaces an existing
// object.
type Store interface {
	List(ctx context.Context, prefix string) ([]ObjectMeta, error)
	Put(ctx context.Context, name string, data []byte) (ObjectID, error)
	Get(ctx context.Context, id ObjectID) ([]byte, error)
	Delete(ctx context.Context, id ObjectID) error
}

func sortByName(objects []ObjectMeta) {
	sort.Slice(objects, func(i, j int) bool { return objects[i].Name < objects[j].Name })
}
