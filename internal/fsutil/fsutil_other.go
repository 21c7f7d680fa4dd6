//go:build !unix

package fsutil

import (
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
)

// IDOf falls back to a hash of the absolute path where inode numbers are
// not available.
func IDOf(f *os.File) (FileID, error) {
	abs, err := filepath.Abs(f.Name())
	if err != nil {
		return FileID{}, err
	}
	return FileID{Ino: xxhash.Sum64String(abs)}, nil
}

// Fsync flushes the file to stable storage.
func Fsync(f *os.File) error { return f.Sync() }
