package remote

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const localPartSuffix = ".part"

// LocalStore keeps objects as files in a directory, for development setups
// where the "remote" is a mounted volume. Object ids are file names.
type LocalStore struct {
	root string
}

// NewLocalStore creates the directory if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create local store: %w", err)
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) path(id ObjectID) (string, error) {
	name := string(id)
	if name == "" || name != filepath.Base(name) || strings.HasSuffix(name, localPartSuffix) {
		return "", fmt.Errorf("invalid object id %q", name)
	}
	return filepath.Join(s.root, name), nil
}

func (s *LocalStore) List(ctx context.Context, prefix string) ([]ObjectMeta, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var objects []ObjectMeta
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, localPartSuffix) || !strings.HasPrefix(name, prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		objects = append(objects, ObjectMeta{
			ID:           ObjectID(name),
			Name:         name,
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
	}
	sortByName(objects)
	return objects, nil
}

// Put writes to a hidden part file and links it into place, so a failed
// upload never leaves a visible object and an existing object is kept.
func (s *LocalStore) Put(ctx context.Context, name string, data []byte) (ObjectID, error) {
	target, err := s.path(ObjectID(name))
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	part := filepath.Join(s.root, "."+uuid.NewString()+localPartSuffix)
	if err := os.WriteFile(part, data, 0o600); err != nil {
		os.Remove(part)
		return "", err
	}
	if err := ctx.Err(); err != nil {
		os.Remove(part)
		return "", err
	}
	err = os.Link(part, target)
	os.Remove(part)
	if errors.Is(err, fs.ErrExist) {
		return "", fmt.Errorf("put %s: %w", name, ErrExists)
	}
	if err != nil {
		return "", err
	}
	return ObjectID(name), nil
}

func (s *LocalStore) Get(ctx context.Context, id ObjectID) ([]byte, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *LocalStore) Delete(ctx context.Context, id ObjectID) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}
