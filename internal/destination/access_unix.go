//go:build unix

package destination

import "golang.org/x/sys/unix"

// accessWritable asks the kernel whether the process may create entries in
// path. It sees read-only mounts and ownership that mode bits alone do not.
var accessWritable = func(path string) error {
	return unix.Access(path, unix.W_OK|unix.X_OK)
}
