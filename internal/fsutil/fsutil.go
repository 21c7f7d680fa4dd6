// Package fsutil wraps the few file-system calls the cache needs: a stable
// identity for an open file and a durable flush.
package fsutil

import "fmt"

// FileID identifies the file behind a descriptor independently of the path
// used to open it.
type FileID struct {
	Dev uint64
	Ino uint64
}

func (id FileID) String() string { return fmt.Sprintf("%d:%d", id.Dev, id.Ino) }

// Less orders ids by device, then inode.
func (id FileID) Less(o FileID) bool {
	if id.Dev != o.Dev {
		return id.Dev < o.Dev
	}
	return id.Ino < o.Ino
}
