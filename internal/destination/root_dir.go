package destination

import (
	"fmt"
	"io"
	"os"
)

// RootDir is a Directory confined to an os.Root handle. Names that would
// resolve outside the root are rejected by the runtime.
type RootDir struct {
	root *os.Root
}

// OpenRootDir opens path as a scoped root.
func OpenRootDir(path string) (*RootDir, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, fmt.Errorf("open scoped backup directory: %w", err)
	}
	return &RootDir{root: root}, nil
}

func (d *RootDir) Location() string { return d.root.Name() }

func (d *RootDir) CheckWritable() error {
	info, err := d.root.Stat(".")
	if err != nil {
		return fmt.Errorf("backup directory unavailable: %w", err)
	}
	return checkDirInfo(d.root.Name(), info)
}

func (d *RootDir) List() ([]Entry, error) {
	f, err := d.root.Open(".")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dirEntries, err := f.ReadDir(-1)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, entryFromInfo(info))
	}
	return entries, nil
}

func (d *RootDir) Stat(name string) (Entry, error) {
	info, err := d.root.Lstat(name)
	if err != nil {
		return Entry{}, err
	}
	return entryFromInfo(info), nil
}

func (d *RootDir) Create(name string) (io.WriteCloser, error) {
	return d.root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
}

func (d *RootDir) OpenWrite(name string) (io.WriteCloser, error) {
	return d.root.OpenFile(name, os.O_WRONLY|os.O_TRUNC, 0)
}

func (d *RootDir) Open(name string) (io.ReadCloser, error) {
	return d.root.Open(name)
}

func (d *RootDir) Remove(name string) error {
	return d.root.Remove(name)
}

func (d *RootDir) Link(oldname, newname string) error {
	return d.root.Link(oldname, newname)
}

func (d *RootDir) Rename(oldname, newname string) error {
	return d.root.Rename(oldname, newname)
}

func (d *RootDir) Close() error { return d.root.Close() }
