//go:build !unix

package scanner

import "io/fs"

func inodeKey(fi fs.FileInfo) (visitKey, bool) {
	return visitKey{}, false
}
