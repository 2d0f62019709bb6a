package jobqueue

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"
)

// Constraint gates non-forced requests. A pending request whose constraints
// are not met stays queued and is re-checked later.
type Constraint interface {
	Name() string
	Satisfied() (bool, error)
}

// FreeSpace requires at least MinBytes available on the filesystem holding Path.
type FreeSpace struct {
	Path     string
	MinBytes uint64

	usage func(path string) (uint64, error)
}

func NewFreeSpace(path string, minBytes uint64) *FreeSpace {
	return &FreeSpace{Path: path, MinBytes: minBytes, usage: diskFree}
}

func diskFree(path string) (uint64, error) {
	stat, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return stat.Free, nil
}

func (f *FreeSpace) Name() string {
	return fmt.Sprintf("free space >= %s on %s", humanize.IBytes(f.MinBytes), f.Path)
}

func (f *FreeSpace) Satisfied() (bool, error) {
	usage := f.usage
	if usage == nil {
		usage = diskFree
	}
	free, err := usage(f.Path)
	if err != nil {
		return false, fmt.Errorf("query disk usage for %s: %w", f.Path, err)
	}
	return free >= f.MinBytes, nil
}
