// Package destination abstracts the directory backups are staged and promoted in.
//
// Two providers exist: PathDir works on a raw filesystem path (the legacy
// mode) and RootDir works through an os.Root handle that cannot escape the
// directory it was opened on (the scoped mode). The provider is chosen once,
// from configuration, and the rest of the system only sees Directory.
package destination

import (
	"fmt"
	"io"
	"io/fs"
	"time"
)

// Modes accepted by Open.
const (
	ModeLegacy = "legacy"
	ModeScoped = "scoped"
)

// Entry describes one name in a Directory.
type Entry struct {
	Name    string
	Size    int64
	ModTime time.Time
	Regular bool
}

// Directory is the capability the staging area and the job operate on.
// Names are always single path elements relative to the directory.
type Directory interface {
	// Location is a human readable description used in logs.
	Location() string
	// CheckWritable verifies the directory exists and accepts writes without mutating it.
	CheckWritable() error
	List() ([]Entry, error)
	// Stat returns an error satisfying errors.Is(err, fs.ErrNotExist) for absent names.
	Stat(name string) (Entry, error)
	// Create makes a new empty file and fails if the name already exists.
	Create(name string) (io.WriteCloser, error)
	// OpenWrite truncates an existing file for writing.
	OpenWrite(name string) (io.WriteCloser, error)
	Open(name string) (io.ReadCloser, error)
	Remove(name string) error
	// Link adds newname as a hard link to oldname. It fails if newname exists.
	Link(oldname, newname string) error
	Rename(oldname, newname string) error
	Close() error
}

// Open returns the provider for mode rooted at path.
func Open(mode, path string) (Directory, error) {
	switch mode {
	case ModeLegacy, "":
		return NewPathDir(path), nil
	case ModeScoped:
		return OpenRootDir(path)
	default:
		return nil, fmt.Errorf("unknown destination mode %q", mode)
	}
}

func entryFromInfo(info fs.FileInfo) Entry {
	return Entry{
		Name:    info.Name(),
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Regular: info.Mode().IsRegular(),
	}
}

func checkDirInfo(location string, info fs.FileInfo) error {
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", location)
	}
	if info.Mode().Perm()&0o200 == 0 {
		return fmt.Errorf("%s is not writable: %w", location, fs.ErrPermission)
	}
	if err := accessWritable(location); err != nil {
		return fmt.Errorf("%s is not writable: %w", location, err)
	}
	return nil
}
