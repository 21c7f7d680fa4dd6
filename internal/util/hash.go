// Package util contains internal helpers (hashing, sharding, padding).
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// FullHash mixes a cachefile's hash id with a block number. The result
// selects both the hash bucket and the bucket mutex, so it must be stable
// for the lifetime of the cachefile.
func FullHash(hashID uint32, key uint64) uint32 {
	var b [12]byte
	binary.LittleEndian.PutUint32(b[0:4], hashID)
	binary.LittleEndian.PutUint64(b[4:12], key)
	h := xxhash.Sum64(b[:])
	return uint32(h) ^ uint32(h>>32)
}
