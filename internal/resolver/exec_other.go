//go:build !unix

package resolver

import "io/fs"

func canExecute(_ string, fi fs.FileInfo) bool {
	return fi.Mode().Perm()&0o111 != 0
}

func isNotDir(error) bool { return false }
