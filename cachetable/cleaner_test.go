package cachetable

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pressureAttr(size, pressure int64) PairAttr {
	return PairAttr{Size: size, CachePressureSize: pressure, IsValid: true}
}

// The cleaner picks the pair under the most pressure and applies what its
// callback returns.
func TestCleaner_PicksHighestPressure(t *testing.T) {
	t.Parallel()
	ct := newTestTable(t, Options{})
	cf := openTestFile(t, ct)
	s := newTestStore(4)

	var (
		mu      sync.Mutex
		cleaned []Key
	)
	wc := s.write(false)
	wc.Cleaner = func(_ *Cachefile, key Key, _ uint32, value any, _ any) (PairAttr, bool, error) {
		mu.Lock()
		cleaned = append(cleaned, key)
		mu.Unlock()
		value.(*testValue).v++
		return pressureAttr(4, 0), true, nil
	}
	for k := Key(0); k < 4; k++ {
		p := cf.Put(k, cf.Hash(k), &testValue{v: int(k)}, pressureAttr(4, int64(k)*10), wc)
		cf.Unpin(p, false, PairAttr{})
	}
	require.NoError(t, cf.Flush())
	require.EqualValues(t, 60, ct.Status().SizeCachePressure)

	require.True(t, ct.cl.runOnce())
	require.True(t, ct.cl.runOnce())
	require.True(t, ct.cl.runOnce())
	// the last one has no pressure left to relieve
	assert.False(t, ct.cl.runOnce())

	assert.Equal(t, []Key{3, 2, 1}, cleaned)
	st := ct.Status()
	assert.EqualValues(t, 3, st.CleanerExecutions)
	assert.EqualValues(t, 0, st.SizeCachePressure)
	assert.EqualValues(t, 16, st.SizeCurrent)

	p, err := cf.MaybeGetAndPin(3, cf.Hash(3), LockRead)
	require.NoError(t, err)
	assert.Equal(t, 4, p.Value().(*testValue).v)
	assert.True(t, isDirty(p))
	cf.Unpin(p, false, PairAttr{})
}

// Pinned pairs are skipped.
func TestCleaner_SkipsPinned(t *testing.T) {
	t.Parallel()
	ct := newTestTable(t, Options{})
	cf := openTestFile(t, ct)
	s := newTestStore(1)

	calls := 0
	wc := s.write(false)
	wc.Cleaner = func(*Cachefile, Key, uint32, any, any) (PairAttr, bool, error) {
		calls++
		return PairAttr{}, false, nil
	}
	p := cf.Put(1, cf.Hash(1), &testValue{v: 1}, pressureAttr(1, 5), wc)
	assert.False(t, ct.cl.runOnce())
	cf.Unpin(p, false, PairAttr{})
	assert.True(t, ct.cl.runOnce())
	assert.Equal(t, 1, calls)
}

func TestCleaner_Periodic(t *testing.T) {
	t.Parallel()
	ct := newTestTable(t, Options{CleanerIterations: 2})
	cf := openTestFile(t, ct)
	s := newTestStore(1)

	wc := s.write(false)
	wc.Cleaner = func(*Cachefile, Key, uint32, any, any) (PairAttr, bool, error) {
		return pressureAttr(1, 0), false, nil
	}
	for k := Key(0); k < 6; k++ {
		p := cf.Put(k, cf.Hash(k), &testValue{}, pressureAttr(1, 1), wc)
		cf.Unpin(p, false, PairAttr{})
	}

	assert.Equal(t, 2, ct.CleanerIterations())
	ct.SetCleanerIterations(3)
	ct.SetCleanerPeriod(testTick)
	require.Eventually(t, func() bool { return ct.Status().SizeCachePressure == 0 }, testWait, testTick)
	assert.EqualValues(t, 6, ct.Status().CleanerExecutions)
}

// A failed clean is reported by the next pin of the pair, and the pair is
// not picked again until then.
func TestCleaner_ErrorSurfacesOnNextPin(t *testing.T) {
	t.Parallel()
	ct := newTestTable(t, Options{})
	cf := openTestFile(t, ct)
	s := newTestStore(1)

	boom := errors.New("cleaner boom")
	calls := 0
	wc := s.write(false)
	wc.Cleaner = func(*Cachefile, Key, uint32, any, any) (PairAttr, bool, error) {
		calls++
		return PairAttr{}, false, boom
	}
	p := cf.Put(1, cf.Hash(1), &testValue{v: 1}, pressureAttr(1, 5), wc)
	cf.Unpin(p, false, PairAttr{})

	require.True(t, ct.cl.runOnce())
	assert.False(t, ct.cl.runOnce())
	assert.Equal(t, 1, calls)

	_, err := cf.GetAndPin(1, cf.Hash(1), LockRead, s.fetch(), wc)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindIO))
	assert.ErrorIs(t, err, boom)

	p, err = cf.GetAndPin(1, cf.Hash(1), LockRead, s.fetch(), wc)
	require.NoError(t, err)
	cf.Unpin(p, false, PairAttr{})
	assert.True(t, ct.cl.runOnce())
	assert.Equal(t, 2, calls)
}
