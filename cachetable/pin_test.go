package cachetable

import (
	"errors"
	"testing"
	"time"

	"github.com/ansel1/merry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A miss fetches once; the second pin hits and the refcount returns to zero
// after each unpin.
func TestGetAndPin_MissThenHit(t *testing.T) {
	t.Parallel()
	ct := newTestTable(t, Options{})
	cf := openTestFile(t, ct)
	s := newTestStore(4)
	s.data[7] = 70

	p, err := cf.GetAndPin(7, cf.Hash(7), LockRead, s.fetch(), s.write(false))
	require.NoError(t, err)
	assert.Equal(t, 70, p.Value().(*testValue).v)
	assert.Equal(t, 1, refcount(p))
	cf.Unpin(p, false, PairAttr{})
	assert.Equal(t, 0, refcount(p))

	p2, err := cf.GetAndPin(7, cf.Hash(7), LockWriteCheap, s.fetch(), s.write(false))
	require.NoError(t, err)
	assert.Same(t, p, p2)
	cf.Unpin(p2, false, PairAttr{})

	assert.Equal(t, 1, s.numFetches(7))
	st := ct.Status()
	assert.EqualValues(t, 1, st.Hits)
	assert.EqualValues(t, 1, st.Misses)
	assert.EqualValues(t, 4, st.SizeCurrent)
	assert.Equal(t, 1, st.NumPairs)
}

// Readers share the value lock.
func TestGetAndPin_ReadersShare(t *testing.T) {
	t.Parallel()
	ct := newTestTable(t, Options{})
	cf := openTestFile(t, ct)
	s := newTestStore(1)

	p1, err := cf.GetAndPin(1, cf.Hash(1), LockRead, s.fetch(), s.write(false))
	require.NoError(t, err)
	p2, err := cf.GetAndPin(1, cf.Hash(1), LockRead, s.fetch(), s.write(false))
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	assert.Equal(t, 2, refcount(p1))
	assert.Equal(t, 1, cf.CountPinned())

	cf.Unpin(p1, false, PairAttr{})
	cf.Unpin(p2, false, PairAttr{})
	assert.Equal(t, 0, cf.CountPinned())
}

// Unpin with a valid attr replaces the pair's contribution to every
// accountant.
func TestUnpin_AttrDeltaTracked(t *testing.T) {
	t.Parallel()
	ct := newTestTable(t, Options{})
	cf := openTestFile(t, ct)
	s := newTestStore(10)

	p := cf.Put(1, cf.Hash(1), &testValue{v: 1}, MakePairAttr(10), s.write(false))
	assert.EqualValues(t, 10, ct.Status().SizeCurrent)

	cf.Unpin(p, true, PairAttr{Size: 25, LeafSize: 25, CachePressureSize: 3, IsValid: true})
	st := ct.Status()
	assert.EqualValues(t, 25, st.SizeCurrent)
	assert.EqualValues(t, 25, st.SizeLeaf)
	assert.EqualValues(t, 3, st.SizeCachePressure)

	p, err := cf.GetAndPin(1, cf.Hash(1), LockWriteCheap, s.fetch(), s.write(false))
	require.NoError(t, err)
	cf.Unpin(p, false, PairAttr{Size: 5, NonleafSize: 5, IsValid: true})
	st = ct.Status()
	assert.EqualValues(t, 5, st.SizeCurrent)
	assert.EqualValues(t, 0, st.SizeLeaf)
	assert.EqualValues(t, 5, st.SizeNonleaf)
	assert.EqualValues(t, 0, st.SizeCachePressure)
}

func TestPut_DuplicatePanics(t *testing.T) {
	t.Parallel()
	ct := newTestTable(t, Options{})
	cf := openTestFile(t, ct)
	s := newTestStore(1)

	p := cf.Put(3, cf.Hash(3), &testValue{v: 3}, MakePairAttr(1), s.write(false))
	cf.Unpin(p, false, PairAttr{})
	assert.Panics(t, func() {
		cf.Put(3, cf.Hash(3), &testValue{v: 4}, MakePairAttr(1), s.write(false))
	})

	// the panic leaves no lock behind
	p = cf.Put(4, cf.Hash(4), &testValue{v: 4}, MakePairAttr(1), s.write(false))
	cf.Unpin(p, false, PairAttr{})
	require.NoError(t, cf.Flush())
	assert.Equal(t, 2, ct.Status().NumPairs)
	assert.Equal(t, 3, s.stored(3))
}

// A miss or a put that would add data while the cache is above its high
// watermark sleeps until the pinned oversized pair is released.
func TestGetAndPin_StallsUnderPressure(t *testing.T) {
	t.Parallel()
	ct := newTestTable(t, Options{SizeLimit: 10, EvictorPeriod: 2 * time.Millisecond})
	cf := openTestFile(t, ct)
	s := newTestStore(100)

	big := cf.Put(1, cf.Hash(1), &testValue{v: 1}, MakePairAttr(100), s.write(false))
	require.Greater(t, ct.Status().SizeCurrent, ct.Status().HighWatermark)

	pinned := make(chan *Pair, 1)
	go func() {
		p, err := cf.GetAndPin(2, cf.Hash(2), LockRead, s.fetch(), s.write(false))
		if err != nil {
			close(pinned)
			return
		}
		pinned <- p
	}()
	put := make(chan *Pair, 1)
	go func() {
		put <- cf.Put(3, cf.Hash(3), &testValue{v: 3}, MakePairAttr(1), s.write(false))
	}()

	require.Eventually(t, func() bool { return ct.Status().Sleepers == 2 }, testWait, testTick)
	assert.Never(t, func() bool { return len(pinned) > 0 || len(put) > 0 }, 50*time.Millisecond, testTick)
	assert.EqualValues(t, 0, s.numFetches(2))

	cf.Unpin(big, false, PairAttr{})
	var p2, p3 *Pair
	select {
	case p2 = <-pinned:
	case <-time.After(testWait):
		t.Fatal("miss still stalled after the pressure was released")
	}
	require.NotNil(t, p2)
	select {
	case p3 = <-put:
	case <-time.After(testWait):
		t.Fatal("put still stalled after the pressure was released")
	}
	cf.Unpin(p2, false, PairAttr{})
	cf.Unpin(p3, false, PairAttr{})
	assert.GreaterOrEqual(t, ct.Status().Stalls, uint64(2))
}

// Only write pins can dirty a pair.
func TestUnpin_ReadPinCannotDirty(t *testing.T) {
	t.Parallel()
	ct := newTestTable(t, Options{})
	cf := openTestFile(t, ct)
	s := newTestStore(1)

	putClean(t, cf, s, 1, 1)
	p, err := cf.GetAndPin(1, cf.Hash(1), LockRead, s.fetch(), s.write(false))
	require.NoError(t, err)
	cf.Unpin(p, true, PairAttr{})
	assert.False(t, isDirty(p))

	p, err = cf.GetAndPin(1, cf.Hash(1), LockWriteCheap, s.fetch(), s.write(false))
	require.NoError(t, err)
	cf.Unpin(p, true, PairAttr{})
	assert.True(t, isDirty(p))
}

// A failed fetch fails the pin and leaves nothing behind; the next pin
// fetches again.
func TestGetAndPin_FetchError(t *testing.T) {
	t.Parallel()
	ct := newTestTable(t, Options{})
	cf := openTestFile(t, ct)
	s := newTestStore(1)
	boom := errors.New("disk on fire")
	s.setFetchErr(boom)

	_, err := cf.GetAndPin(5, cf.Hash(5), LockRead, s.fetch(), s.write(false))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindIO))
	assert.True(t, merry.Is(err, boom))
	assert.Equal(t, 0, ct.Status().NumPairs)
	assert.EqualValues(t, 0, ct.Status().SizeCurrent)

	s.setFetchErr(nil)
	p, err := cf.GetAndPin(5, cf.Hash(5), LockRead, s.fetch(), s.write(false))
	require.NoError(t, err)
	cf.Unpin(p, false, PairAttr{})
	assert.Equal(t, 2, s.numFetches(5))
}

func TestGetAndPin_NoFetchCallback(t *testing.T) {
	t.Parallel()
	ct := newTestTable(t, Options{})
	cf := openTestFile(t, ct)

	_, err := cf.GetAndPin(5, cf.Hash(5), LockRead, FetchCallbacks{}, WriteCallbacks{})
	assert.True(t, IsKind(err, KindInvalid))
}

// A background write failure is reported once by the next pin.
func TestGetAndPin_SurfacesBackgroundError(t *testing.T) {
	t.Parallel()
	ct := newTestTable(t, Options{})
	cf := openTestFile(t, ct)
	s := newTestStore(1)

	p := cf.Put(9, cf.Hash(9), &testValue{v: 9}, MakePairAttr(1), s.write(false))
	cf.Unpin(p, false, PairAttr{})

	s.setFlushErr(errors.New("EIO"))
	err := cf.Flush()
	require.Error(t, err)
	assert.True(t, IsKind(err, KindIO))
	assert.True(t, isDirty(p), "failed write must leave the pair dirty")

	_, err = cf.GetAndPin(9, cf.Hash(9), LockRead, s.fetch(), s.write(false))
	assert.True(t, IsKind(err, KindIO))
	assert.Equal(t, 0, refcount(p))

	p, err = cf.GetAndPin(9, cf.Hash(9), LockRead, s.fetch(), s.write(false))
	require.NoError(t, err)
	cf.Unpin(p, false, PairAttr{})

	s.setFlushErr(nil)
	require.NoError(t, cf.Flush())
	assert.False(t, isDirty(p))
	assert.Equal(t, 0, s.numFetches(9))
}

func TestMaybeGetAndPin(t *testing.T) {
	t.Parallel()
	ct := newTestTable(t, Options{})
	cf := openTestFile(t, ct)
	s := newTestStore(1)

	_, err := cf.MaybeGetAndPinClean(1, cf.Hash(1), LockRead)
	assert.True(t, merry.Is(err, ErrNotFound))

	p := cf.Put(1, cf.Hash(1), &testValue{v: 1}, MakePairAttr(1), s.write(false))

	// write-locked by the put
	_, err = cf.MaybeGetAndPinClean(1, cf.Hash(1), LockRead)
	assert.True(t, IsKind(err, KindNotFound))
	cf.Unpin(p, false, PairAttr{})

	p, err = cf.MaybeGetAndPin(1, cf.Hash(1), LockWriteCheap)
	require.NoError(t, err)
	cf.Unpin(p, false, PairAttr{})

	require.NoError(t, cf.Flush())
	_, err = cf.MaybeGetAndPin(1, cf.Hash(1), LockRead)
	assert.True(t, merry.Is(err, ErrNotFound), "clean pair must not satisfy the dirty variant")

	p, err = cf.MaybeGetAndPinClean(1, cf.Hash(1), LockRead)
	require.NoError(t, err)
	cf.Unpin(p, false, PairAttr{})
}

// A non-blocking miss runs the unlockers, fetches, and asks for a retry.
func TestPinNonblocking_MissThenHit(t *testing.T) {
	t.Parallel()
	ct := newTestTable(t, Options{})
	cf := openTestFile(t, ct)
	s := newTestStore(1)
	s.data[2] = 20

	unlocked := 0
	_, err := cf.PinNonblocking(2, cf.Hash(2), LockRead, s.fetch(), s.write(false), func() { unlocked++ })
	assert.True(t, merry.Is(err, ErrTryAgain))
	assert.Equal(t, 1, unlocked)

	p, err := cf.PinNonblocking(2, cf.Hash(2), LockRead, s.fetch(), s.write(false), func() { unlocked++ })
	require.NoError(t, err)
	assert.Equal(t, 20, p.Value().(*testValue).v)
	assert.Equal(t, 1, unlocked)
	cf.Unpin(p, false, PairAttr{})
	assert.Equal(t, 1, s.numFetches(2))
}

// A non-blocking pin backs off from an expensive writer.
func TestPinNonblocking_ExpensiveHolder(t *testing.T) {
	t.Parallel()
	ct := newTestTable(t, Options{})
	cf := openTestFile(t, ct)
	s := newTestStore(1)

	p, err := cf.GetAndPin(4, cf.Hash(4), LockWriteExpensive, s.fetch(), s.write(false))
	require.NoError(t, err)

	done := make(chan error, 1)
	unlocked := make(chan struct{})
	go func() {
		_, err := cf.PinNonblocking(4, cf.Hash(4), LockRead, s.fetch(), s.write(false), func() { close(unlocked) })
		done <- err
	}()

	<-unlocked
	cf.Unpin(p, false, PairAttr{})
	assert.True(t, merry.Is(<-done, ErrTryAgain))
	assert.Equal(t, 0, refcount(p))
}

func TestPartialFetch_OnHit(t *testing.T) {
	t.Parallel()
	ct := newTestTable(t, Options{})
	cf := openTestFile(t, ct)
	s := newTestStore(2)

	partial := false
	fc := s.fetch()
	fc.PartialFetchRequired = func(any, any) bool { return partial }
	fc.PartialFetch = func(_ *Cachefile, value any, _ any, _ any) (PairAttr, error) {
		partial = false
		value.(*testValue).v = 99
		return MakePairAttr(6), nil
	}

	p, err := cf.GetAndPin(8, cf.Hash(8), LockRead, fc, s.write(false))
	require.NoError(t, err)
	cf.Unpin(p, false, PairAttr{})
	assert.EqualValues(t, 2, ct.Status().SizeCurrent)

	partial = true
	p, err = cf.GetAndPin(8, cf.Hash(8), LockRead, fc, s.write(false))
	require.NoError(t, err)
	assert.Equal(t, 99, p.Value().(*testValue).v)
	assert.EqualValues(t, 6, p.Attr().Size)
	cf.Unpin(p, false, PairAttr{})
	assert.EqualValues(t, 6, ct.Status().SizeCurrent)
}

// UnpinAndRemove frees the value, drops its size and runs the remove-key
// callback; the next pin fetches again.
func TestUnpinAndRemove(t *testing.T) {
	t.Parallel()
	ct := newTestTable(t, Options{})
	cf := openTestFile(t, ct)
	s := newTestStore(3)

	p := cf.Put(6, cf.Hash(6), &testValue{v: 6}, MakePairAttr(3), s.write(false))
	var removedKey Key
	require.NoError(t, cf.UnpinAndRemove(p, func(k Key, forCheckpoint bool, _ any) {
		removedKey = k
		assert.False(t, forCheckpoint)
	}))
	assert.EqualValues(t, 6, removedKey)
	assert.Equal(t, 1, s.numFreed(6))
	st := ct.Status()
	assert.Equal(t, 0, st.NumPairs)
	assert.EqualValues(t, 0, st.SizeCurrent)

	p, err := cf.GetAndPin(6, cf.Hash(6), LockRead, s.fetch(), s.write(false))
	require.NoError(t, err)
	cf.Unpin(p, false, PairAttr{})
	assert.Equal(t, 1, s.numFetches(6))
}

func TestUnpinAndRemove_RequiresWritePin(t *testing.T) {
	t.Parallel()
	ct := newTestTable(t, Options{})
	cf := openTestFile(t, ct)
	s := newTestStore(1)

	p, err := cf.GetAndPin(1, cf.Hash(1), LockRead, s.fetch(), s.write(false))
	require.NoError(t, err)
	assert.True(t, IsKind(cf.UnpinAndRemove(p, nil), KindInvalid))
	cf.Unpin(p, false, PairAttr{})
}
