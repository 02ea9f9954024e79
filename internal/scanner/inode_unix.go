//go:build unix

package scanner

import (
	"io/fs"
	"syscall"
)

func inodeKey(fi fs.FileInfo) (visitKey, bool) {
	stat, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return visitKey{}, false
	}
	return visitKey{dev: uint64(stat.Dev), ino: uint64(stat.Ino)}, true
}
