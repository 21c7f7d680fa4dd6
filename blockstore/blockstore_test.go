package blockstore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ansel1/merry"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/pagecache/cachetable"
)

const testBlockSize = 256

func newTable(t *testing.T, limit int64) *cachetable.CacheTable {
	t.Helper()
	l, _ := logtest.NewNullLogger()
	ct, err := cachetable.New(cachetable.Options{
		SizeLimit:     limit,
		EvictorPeriod: 5 * time.Millisecond,
		CleanerPeriod: time.Hour,
		HashTableSize: 1 << 10,
		Logger:        l,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ct.Close() })
	return ct
}

func open(t *testing.T, ct *cachetable.CacheTable, path string, clone bool) *Store {
	t.Helper()
	l, _ := logtest.NewNullLogger()
	s, err := Open(ct, path, Options{BlockSize: testBlockSize, Clone: clone, Logger: l})
	require.NoError(t, err)
	return s
}

func payload(key cachetable.Key, n int) []byte {
	return bytes.Repeat([]byte{byte(key), byte(key >> 8)}, n/2)
}

func TestStore_ReadWrite(t *testing.T) {
	t.Parallel()
	ct := newTable(t, 1<<20)
	s := open(t, ct, filepath.Join(t.TempDir(), "blocks"), false)

	got, err := s.Read(3)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, s.PayloadSize()), got, "unwritten blocks read as zeros")

	require.NoError(t, s.Write(3, []byte("hello")))
	got, err = s.Read(3)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got[:5])
	assert.True(t, isZero(got[5:]))

	require.NoError(t, s.Update(3, func(p []byte) { p[0] = 'j' }))
	got, err = s.Read(3)
	require.NoError(t, err)
	assert.Equal(t, []byte("jello"), got[:5])

	err = s.Write(4, make([]byte, s.PayloadSize()+1))
	assert.True(t, merry.Is(err, ErrTooLarge))
}

// Data written through one cache table is read back from disk by another.
func TestStore_Persists(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "blocks")

	ct := newTable(t, 1<<20)
	s := open(t, ct, path, false)
	for k := cachetable.Key(0); k < 32; k++ {
		require.NoError(t, s.Write(k, payload(k, 100)))
	}
	require.NoError(t, s.Close())
	require.NoError(t, ct.Close())

	ct2 := newTable(t, 1<<20)
	s2 := open(t, ct2, path, false)
	for k := cachetable.Key(0); k < 32; k++ {
		got, err := s2.Read(k)
		require.NoError(t, err)
		assert.Equal(t, payload(k, 100), got[:100], "block %d", k)
	}
	assert.EqualValues(t, 32, s2.Stats().Reads)
}

// Blocks survive being evicted and fetched again under a tight limit.
func TestStore_UnderEviction(t *testing.T) {
	t.Parallel()
	ct := newTable(t, 8*testBlockSize)
	s := open(t, ct, filepath.Join(t.TempDir(), "blocks"), true)

	const n = 64
	for k := cachetable.Key(0); k < n; k++ {
		require.NoError(t, s.Write(k, payload(k, 64)))
	}
	require.Eventually(t, func() bool {
		return ct.Status().SizeCurrent <= 8*testBlockSize
	}, 5*time.Second, time.Millisecond)

	for k := cachetable.Key(0); k < n; k++ {
		got, err := s.Read(k)
		require.NoError(t, err)
		assert.Equal(t, payload(k, 64), got[:64], "block %d", k)
	}
	assert.Greater(t, ct.Status().FullEvictions, uint64(0))
	assert.Greater(t, s.Stats().Writes, uint64(0))
}

func TestStore_ChecksumMismatch(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "blocks")
	ct := newTable(t, 1<<20)
	s := open(t, ct, path, false)
	require.NoError(t, s.Write(1, []byte("payload")))
	require.NoError(t, s.Close())
	require.NoError(t, ct.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xff}, 2*testBlockSize+10)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	ct2 := newTable(t, 1<<20)
	s2 := open(t, ct2, path, false)
	_, err = s2.Read(1)
	require.Error(t, err)
	assert.True(t, merry.Is(err, ErrChecksum))
	assert.True(t, cachetable.IsKind(err, cachetable.KindIO))
}

func TestStore_GeometryMismatch(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "blocks")
	ct := newTable(t, 1<<20)
	s := open(t, ct, path, false)
	require.NoError(t, s.Close())

	_, err := Open(ct, path, Options{BlockSize: 2 * testBlockSize})
	assert.True(t, merry.Is(err, ErrGeometry))

	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "junk"), []byte("not a block store at all, really"), 0o644))
	_, err = Open(ct, filepath.Join(filepath.Dir(path), "junk"), Options{BlockSize: testBlockSize})
	assert.True(t, merry.Is(err, ErrGeometry))
}

// A checkpoint makes its LSN durable in the superblock, with the clone
// written for a block updated mid-checkpoint.
func TestStore_CheckpointLSN(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "blocks")
	ct := newTable(t, 1<<20)
	s := open(t, ct, path, true)

	require.NoError(t, s.Write(0, []byte("before")))
	require.NoError(t, ct.BeginCheckpoint(17))
	require.NoError(t, s.Write(0, []byte("after")))
	require.NoError(t, ct.EndCheckpoint(nil))

	assert.Equal(t, cachetable.LSN(17), s.DurableLSN())
	assert.EqualValues(t, 1, s.Stats().CloneWrites)

	// the checkpointed image is the pre-update one
	raw := make([]byte, testBlockSize)
	_, err := s.f.ReadAt(raw, s.offset(0))
	require.NoError(t, err)
	assert.Equal(t, []byte("before"), raw[:6])

	require.NoError(t, s.Close())
	require.NoError(t, ct.Close())

	ct2 := newTable(t, 1<<20)
	s2 := open(t, ct2, path, false)
	assert.Equal(t, cachetable.LSN(17), s2.DurableLSN())
	got, err := s2.Read(0)
	require.NoError(t, err)
	assert.Equal(t, []byte("after"), got[:5])
}

// Closing and reopening on the same table hits the blocks left cached.
func TestStore_ReopenHitsStaleBlocks(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "blocks")
	ct := newTable(t, 1<<20)
	s := open(t, ct, path, false)
	require.NoError(t, s.Write(5, []byte("five")))
	require.NoError(t, s.Close())

	s2 := open(t, ct, path, false)
	got, err := s2.Read(5)
	require.NoError(t, err)
	assert.Equal(t, []byte("five"), got[:4])
	assert.EqualValues(t, 0, s2.Stats().Reads)

	// the revived pair writes through the new store
	require.NoError(t, s2.Write(5, []byte("FIVE")))
	require.NoError(t, s2.Flush())
	assert.EqualValues(t, 1, s2.Stats().Writes)
}

func TestStore_Discard(t *testing.T) {
	t.Parallel()
	ct := newTable(t, 1<<20)
	s := open(t, ct, filepath.Join(t.TempDir(), "blocks"), false)

	require.NoError(t, s.Write(2, []byte("gone")))
	require.NoError(t, s.Flush())
	require.NoError(t, s.Discard(2))
	assert.Equal(t, 0, ct.Status().NumPairs)

	got, err := s.Read(2)
	require.NoError(t, err)
	assert.True(t, isZero(got))
}

func isZero(b []byte) bool { return allZero(b) }
