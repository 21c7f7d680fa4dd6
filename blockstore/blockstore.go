// Package blockstore is a fixed-size block file served through a
// cachetable. Block n lives at offset (n+1)*BlockSize; block 0 of the file
// is a superblock holding the geometry and the LSN of the last completed
// checkpoint. Every data block ends in a cityhash checksum of its payload,
// seeded with the block number, so torn or misplaced blocks are detected
// on fetch.
package blockstore

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/ansel1/merry"
	"github.com/creachadair/cityhash"
	"github.com/sirupsen/logrus"

	"github.com/IvanBrykalov/pagecache/cachetable"
	"github.com/IvanBrykalov/pagecache/internal/fsutil"
)

const (
	// DefaultBlockSize is used when Options.BlockSize is zero.
	DefaultBlockSize = 4096

	minBlockSize  = 64
	checksumSize  = 8
	superMagic    = "PGCBLKS1"
	superDataSize = 24 // magic, block size, lsn
)

var (
	// ErrChecksum is returned when a block's payload does not match its
	// checksum.
	ErrChecksum = merry.New("blockstore: checksum mismatch")
	// ErrGeometry is returned when a file was created with another block
	// size, or is not a block store at all.
	ErrGeometry = merry.New("blockstore: bad superblock")
	// ErrTooLarge is returned by Write when the data does not fit a block.
	ErrTooLarge = merry.New("blockstore: data larger than a block")
)

// Options configures Open.
type Options struct {
	BlockSize int
	// Clone lets checkpoints snapshot dirty blocks instead of writing them
	// ahead of a writer.
	Clone  bool
	Logger logrus.FieldLogger
}

// block is the cached value: a payload of BlockSize-8 bytes.
type block struct {
	data []byte
}

// Store is a block file opened through a cachetable. Safe for concurrent
// use; concurrent writers of one block are serialized by the cache.
type Store struct {
	cf        *cachetable.Cachefile
	f         *os.File
	blockSize int
	log       logrus.FieldLogger

	fc cachetable.FetchCallbacks
	wc cachetable.WriteCallbacks

	mu         sync.Mutex
	pendingLSN cachetable.LSN
	durableLSN cachetable.LSN

	reads       atomic.Uint64
	writes      atomic.Uint64
	cloneWrites atomic.Uint64
	bufs        sync.Pool
}

// Open opens (creating if needed) the block file at path and registers it
// with ct.
func Open(ct *cachetable.CacheTable, path string, opt Options) (*Store, error) {
	if opt.BlockSize == 0 {
		opt.BlockSize = DefaultBlockSize
	}
	if opt.BlockSize < minBlockSize {
		return nil, merry.Errorf("blockstore: block size %d below %d", opt.BlockSize, minBlockSize)
	}
	if opt.Logger == nil {
		opt.Logger = logrus.StandardLogger()
	}
	cf, err := ct.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	s := &Store{
		cf:        cf,
		f:         cf.File(),
		blockSize: opt.BlockSize,
		log:       opt.Logger.WithFields(logrus.Fields{"component": "blockstore", "path": path}),
	}
	s.bufs.New = func() any { return make([]byte, s.blockSize) }
	s.fc = cachetable.FetchCallbacks{Fetch: s.fetch}
	s.wc = cachetable.WriteCallbacks{Flush: flushBlock}
	if opt.Clone {
		s.wc.Clone = cloneBlock
	}

	if err := s.loadSuper(); err != nil {
		_ = cf.Close()
		return nil, err
	}
	cf.SetUserdata(cachetable.CachefileCallbacks{
		Userdata:        s,
		BeginCheckpoint: s.beginCheckpoint,
		Checkpoint:      s.checkpoint,
		EndCheckpoint:   s.endCheckpoint,
		Close:           s.close,
	})
	s.log.WithFields(logrus.Fields{
		"block_size":  s.blockSize,
		"durable_lsn": s.durableLSN,
	}).Debug("block store opened")
	return s, nil
}

// PayloadSize is the usable size of one block.
func (s *Store) PayloadSize() int { return s.blockSize - checksumSize }

// Cachefile returns the cachefile backing the store.
func (s *Store) Cachefile() *cachetable.Cachefile { return s.cf }

// DurableLSN is the LSN of the last checkpoint that completed on this file.
func (s *Store) DurableLSN() cachetable.LSN {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.durableLSN
}

func (s *Store) attr() cachetable.PairAttr {
	return cachetable.PairAttr{
		Size:     int64(s.blockSize),
		LeafSize: int64(s.blockSize),
		IsValid:  true,
	}
}

// Read returns a copy of block key's payload. Blocks never written read as
// zeros.
func (s *Store) Read(key cachetable.Key) ([]byte, error) {
	p, err := s.cf.GetAndPin(key, s.cf.Hash(key), cachetable.LockRead, s.fc, s.wc)
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), p.Value().(*block).data...)
	s.cf.Unpin(p, false, cachetable.PairAttr{})
	return out, nil
}

// Write replaces block key's payload; a short data is zero-padded.
func (s *Store) Write(key cachetable.Key, data []byte) error {
	if len(data) > s.PayloadSize() {
		return merry.Here(ErrTooLarge).Appendf("%d > %d", len(data), s.PayloadSize())
	}
	return s.Update(key, func(payload []byte) {
		n := copy(payload, data)
		clear(payload[n:])
	})
}

// Update runs fn on block key's payload under the block's write lock.
func (s *Store) Update(key cachetable.Key, fn func(payload []byte)) error {
	p, err := s.cf.GetAndPin(key, s.cf.Hash(key), cachetable.LockWriteCheap, s.fc, s.wc)
	if err != nil {
		return err
	}
	fn(p.Value().(*block).data)
	s.cf.Unpin(p, true, cachetable.PairAttr{})
	return nil
}

// Prefetch starts reading block key in the background.
func (s *Store) Prefetch(key cachetable.Key) (bool, error) {
	return s.cf.Prefetch(key, s.cf.Hash(key), s.fc, s.wc)
}

// Discard drops block key from the cache and zeroes it on disk.
func (s *Store) Discard(key cachetable.Key) error {
	p, err := s.cf.GetAndPin(key, s.cf.Hash(key), cachetable.LockWriteExpensive, s.fc, s.wc)
	if err != nil {
		return err
	}
	var werr error
	err = s.cf.UnpinAndRemove(p, func(k cachetable.Key, _ bool, _ any) {
		werr = s.writeBlock(k, nil)
	})
	if err != nil {
		return err
	}
	return werr
}

// Flush writes every dirty block and syncs the file.
func (s *Store) Flush() error {
	if err := s.cf.Flush(); err != nil {
		return err
	}
	return fsutil.Fsync(s.f)
}

// Close flushes and closes the store. Clean blocks stay cached until
// evicted, and hit again if the file is reopened.
func (s *Store) Close() error { return s.cf.Close() }

// Stats are the store's I/O counters.
type Stats struct {
	Reads       uint64
	Writes      uint64
	CloneWrites uint64
}

// Stats returns the I/O counters.
func (s *Store) Stats() Stats {
	return Stats{
		Reads:       s.reads.Load(),
		Writes:      s.writes.Load(),
		CloneWrites: s.cloneWrites.Load(),
	}
}

// ---- cache callbacks ----

func (s *Store) offset(key cachetable.Key) int64 { return (int64(key) + 1) * int64(s.blockSize) }

func (s *Store) fetch(_ *cachetable.Cachefile, key cachetable.Key, _ uint32, _ any) (cachetable.FetchResult, error) {
	buf := s.bufs.Get().([]byte)
	defer s.bufs.Put(buf)

	n, err := s.f.ReadAt(buf, s.offset(key))
	if err != nil && !errors.Is(err, io.EOF) {
		return cachetable.FetchResult{}, merry.Prependf(err, "blockstore: read block %d", key)
	}
	clear(buf[n:])
	s.reads.Add(1)

	payload := buf[:s.PayloadSize()]
	sum := binary.LittleEndian.Uint64(buf[s.PayloadSize():])
	if sum != 0 || !allZero(payload) {
		if want := cityhash.Hash64WithSeed(payload, uint64(key)); sum != want {
			return cachetable.FetchResult{}, merry.Here(ErrChecksum).Appendf("block %d: stored %x, computed %x", key, sum, want)
		}
	}
	return cachetable.FetchResult{
		Value: &block{data: append([]byte(nil), payload...)},
		Attr:  s.attr(),
	}, nil
}

// flushBlock and cloneBlock stay with a pair for its whole life, which can
// span a close and reopen of the file, so they find the store through the
// cachefile rather than capturing one.
func flushBlock(cf *cachetable.Cachefile, key cachetable.Key, value any, _ *any, _ any, _ cachetable.PairAttr, req cachetable.FlushRequest) (cachetable.PairAttr, error) {
	if !req.Write {
		return cachetable.PairAttr{}, nil
	}
	s, ok := cf.Userdata().(*Store)
	if !ok {
		return cachetable.PairAttr{}, merry.Errorf("blockstore: %s has no store attached", cf.Fname())
	}
	if err := s.writeBlock(key, value.(*block).data); err != nil {
		return cachetable.PairAttr{}, err
	}
	if req.IsClone {
		s.cloneWrites.Add(1)
	}
	return cachetable.PairAttr{}, nil
}

func cloneBlock(value any, _ bool, _ any) (any, int64, cachetable.PairAttr) {
	b := value.(*block)
	return &block{data: append([]byte(nil), b.data...)}, int64(len(b.data) + checksumSize), cachetable.PairAttr{}
}

// writeBlock writes payload (nil for zeros) with its checksum.
func (s *Store) writeBlock(key cachetable.Key, payload []byte) error {
	buf := s.bufs.Get().([]byte)
	defer s.bufs.Put(buf)

	n := copy(buf[:s.PayloadSize()], payload)
	clear(buf[n:])
	if payload != nil {
		binary.LittleEndian.PutUint64(buf[s.PayloadSize():], cityhash.Hash64WithSeed(buf[:s.PayloadSize()], uint64(key)))
	}
	if _, err := s.f.WriteAt(buf, s.offset(key)); err != nil {
		return merry.Prependf(err, "blockstore: write block %d", key)
	}
	s.writes.Add(1)
	return nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// ---- superblock and cachefile callbacks ----

func (s *Store) loadSuper() error {
	var buf [superDataSize + checksumSize]byte
	n, err := s.f.ReadAt(buf[:], 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return merry.Prepend(err, "blockstore: read superblock")
	}
	if n == 0 {
		return s.writeSuper(0)
	}
	if n < len(buf) || string(buf[:8]) != superMagic {
		return merry.Here(ErrGeometry).Append("no magic")
	}
	if sum := binary.LittleEndian.Uint64(buf[superDataSize:]); sum != cityhash.Hash64(buf[:superDataSize]) {
		return merry.Here(ErrGeometry).Append("superblock checksum mismatch")
	}
	if bs := int(binary.LittleEndian.Uint64(buf[8:16])); bs != s.blockSize {
		return merry.Here(ErrGeometry).Appendf("file block size %d, want %d", bs, s.blockSize)
	}
	s.durableLSN = cachetable.LSN(binary.LittleEndian.Uint64(buf[16:24]))
	return nil
}

func (s *Store) writeSuper(lsn cachetable.LSN) error {
	buf := make([]byte, s.blockSize)
	copy(buf, superMagic)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(s.blockSize))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(lsn))
	binary.LittleEndian.PutUint64(buf[superDataSize:], cityhash.Hash64(buf[:superDataSize]))
	if _, err := s.f.WriteAt(buf, 0); err != nil {
		return merry.Prepend(err, "blockstore: write superblock")
	}
	return nil
}

// beginCheckpoint runs with the cache's pair list locked.
func (s *Store) beginCheckpoint(lsn cachetable.LSN, _ any) {
	s.mu.Lock()
	s.pendingLSN = lsn
	s.mu.Unlock()
}

// checkpoint records the LSN; the cache fsyncs the file right after.
func (s *Store) checkpoint(_ *cachetable.Cachefile, _ *os.File, _ any) error {
	s.mu.Lock()
	lsn := s.pendingLSN
	s.mu.Unlock()
	return s.writeSuper(lsn)
}

func (s *Store) endCheckpoint(_ *cachetable.Cachefile, _ *os.File, _ any) error {
	s.mu.Lock()
	s.durableLSN = s.pendingLSN
	lsn := s.durableLSN
	s.mu.Unlock()
	s.log.WithField("lsn", lsn).Debug("checkpoint durable")
	return nil
}

func (s *Store) close(_ *cachetable.Cachefile, _ *os.File, _ any) error {
	st := s.Stats()
	s.log.WithFields(logrus.Fields{
		"reads":        st.Reads,
		"writes":       st.Writes,
		"clone_writes": st.CloneWrites,
		"durable_lsn":  s.DurableLSN(),
	}).Debug("block store closed")
	return nil
}
