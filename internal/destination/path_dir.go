package destination

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// PathDir is a Directory backed by a plain filesystem path.
type PathDir struct {
	path string
}

// NewPathDir returns a PathDir for path. The directory is not created.
func NewPathDir(path string) *PathDir {
	return &PathDir{path: filepath.Clean(path)}
}

func (d *PathDir) Location() string { return d.path }

func (d *PathDir) join(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid entry name %q", name)
	}
	return filepath.Join(d.path, name), nil
}

func (d *PathDir) CheckWritable() error {
	info, err := os.Stat(d.path)
	if err != nil {
		return fmt.Errorf("backup directory unavailable: %w", err)
	}
	return checkDirInfo(d.path, info)
}

func (d *PathDir) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		entries = append(entries, entryFromInfo(info))
	}
	return entries, nil
}

func (d *PathDir) Stat(name string) (Entry, error) {
	p, err := d.join(name)
	if err != nil {
		return Entry{}, err
	}
	info, err := os.Lstat(p)
	if err != nil {
		return Entry{}, err
	}
	return entryFromInfo(info), nil
}

func (d *PathDir) Create(name string) (io.WriteCloser, error) {
	p, err := d.join(name)
	if err != nil {
		return nil, err
	}
	return os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
}

func (d *PathDir) OpenWrite(name string) (io.WriteCloser, error) {
	p, err := d.join(name)
	if err != nil {
		return nil, err
	}
	return os.OpenFile(p, os.O_WRONLY|os.O_TRUNC, 0)
}

func (d *PathDir) Open(name string) (io.ReadCloser, error) {
	p, err := d.join(name)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

func (d *PathDir) Remove(name string) error {
	p, err := d.join(name)
	if err != nil {
		return err
	}
	return os.Remove(p)
}

func (d *PathDir) Link(oldname, newname string) error {
	oldp, err := d.join(oldname)
	if err != nil {
		return err
	}
	newp, err := d.join(newname)
	if err != nil {
		return err
	}
	return os.Link(oldp, newp)
}

func (d *PathDir) Rename(oldname, newname string) error {
	oldp, err := d.join(oldname)
	if err != nil {
		return err
	}
	newp, err := d.join(newname)
	if err != nil {
		return err
	}
	return os.Rename(oldp, newp)
}

func (d *PathDir) Close() error { return nil }
