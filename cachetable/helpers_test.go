package cachetable

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

const (
	testTick = time.Millisecond
	testWait = 5 * time.Second
)

// testValue is what the fake store caches.
type testValue struct {
	v int
}

type flushRecord struct {
	key Key
	v   int
	req FlushRequest
}

// testStore is an in-memory backing store that records every callback.
type testStore struct {
	mu       sync.Mutex
	data     map[Key]int
	fetches  map[Key]int
	freed    map[Key]int
	writes   []flushRecord
	fetchErr error
	flushErr error
	size     int64
}

func newTestStore(size int64) *testStore {
	return &testStore{
		data:    make(map[Key]int),
		fetches: make(map[Key]int),
		freed:   make(map[Key]int),
		size:    size,
	}
}

func (s *testStore) fetch() FetchCallbacks {
	return FetchCallbacks{
		Fetch: func(_ *Cachefile, key Key, _ uint32, _ any) (FetchResult, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.fetches[key]++
			if s.fetchErr != nil {
				return FetchResult{}, s.fetchErr
			}
			return FetchResult{Value: &testValue{v: s.data[key]}, Attr: MakePairAttr(s.size)}, nil
		},
	}
}

func (s *testStore) write(clone bool) WriteCallbacks {
	wc := WriteCallbacks{
		Flush: func(cf *Cachefile, key Key, value any, _ *any, _ any, _ PairAttr, req FlushRequest) (PairAttr, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if req.Write {
				if s.flushErr != nil {
					return PairAttr{}, s.flushErr
				}
				v := value.(*testValue).v
				s.data[key] = v
				s.writes = append(s.writes, flushRecord{key: key, v: v, req: req})
			}
			if cf == nil {
				s.freed[key]++
			}
			return PairAttr{}, nil
		},
	}
	if clone {
		wc.Clone = func(value any, _ bool, _ any) (any, int64, PairAttr) {
			c := *value.(*testValue)
			return &c, 1, PairAttr{}
		}
	}
	return wc
}

func (s *testStore) writesFor(key Key) []flushRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []flushRecord
	for _, w := range s.writes {
		if w.key == key {
			out = append(out, w)
		}
	}
	return out
}

func (s *testStore) numWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func (s *testStore) stored(key Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[key]
}

func (s *testStore) numFetches(key Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches[key]
}

func (s *testStore) numFreed(key Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freed[key]
}

func (s *testStore) setFlushErr(err error) {
	s.mu.Lock()
	s.flushErr = err
	s.mu.Unlock()
}

func (s *testStore) setFetchErr(err error) {
	s.mu.Lock()
	s.fetchErr = err
	s.mu.Unlock()
}

// quietLogger discards output but keeps entries for assertions.
func quietLogger() (*logrus.Logger, *logtest.Hook) {
	return logtest.NewNullLogger()
}

// newTestTable builds a cache table with quiet logging and slow background
// timers unless the options say otherwise. It is closed on cleanup.
func newTestTable(t *testing.T, opt Options) *CacheTable {
	t.Helper()
	if opt.Logger == nil {
		l, _ := quietLogger()
		opt.Logger = l
	}
	if opt.SizeLimit == 0 {
		opt.SizeLimit = 1 << 30
	}
	if opt.EvictorPeriod == 0 {
		opt.EvictorPeriod = time.Hour
	}
	if opt.CleanerPeriod == 0 {
		opt.CleanerPeriod = time.Hour
	}
	if opt.HashTableSize == 0 {
		opt.HashTableSize = 1 << 10
	}
	ct, err := New(opt)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ct.Close() })
	return ct
}

func openTestFile(t *testing.T, ct *CacheTable) *Cachefile {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	cf, err := ct.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	return cf
}

// putClean inserts key with value v and writes it so it is clean.
func putClean(t *testing.T, cf *Cachefile, s *testStore, key Key, v int) {
	t.Helper()
	p := cf.Put(key, cf.Hash(key), &testValue{v: v}, MakePairAttr(s.size), s.write(false))
	cf.Unpin(p, false, PairAttr{})
	require.NoError(t, cf.Flush())
}

func refcount(p *Pair) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refcount
}

func isDirty(p *Pair) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dirty
}
