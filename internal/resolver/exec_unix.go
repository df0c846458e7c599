//go:build unix

package resolver

import (
	"errors"
	"io/fs"

	"golang.org/x/sys/unix"
)

// canExecute asks the kernel whether this process may execute path.
func canExecute(path string, fi fs.FileInfo) bool {
	if fi.Mode().Perm()&0o111 == 0 {
		return false
	}
	return unix.Access(path, unix.X_OK) == nil
}

func isNotDir(err error) bool {
	return errors.Is(err, unix.ENOTDIR)
}
