package cachetable

import (
	"context"
	"math/rand/v2"
	"sync/atomic"
	"testing"

	"github.com/ansel1/merry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// Random pins and updates against a cache a quarter the size of the key
// space, with checkpoints running alongside. Every update must survive
// eviction, clone writes and refetches.
func TestStress_PinsEvictionsCheckpoints(t *testing.T) {
	if testing.Short() {
		t.Skip("stress")
	}
	t.Parallel()

	const (
		numKeys    = 64
		numClients = 8
		opsEach    = 2000
	)
	ct := newTestTable(t, Options{
		SizeLimit:     numKeys / 4,
		EvictorPeriod: testTick,
		Workers:       4,
	})
	cf := openTestFile(t, ct)
	s := newTestStore(1)
	wc := s.write(true)
	fc := s.fetch()

	var expected [numKeys]atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clients, cctx := errgroup.WithContext(ctx)
	for c := 0; c < numClients; c++ {
		seed := uint64(c)
		clients.Go(func() error {
			rng := rand.New(rand.NewPCG(seed, 0x5eed))
			for i := 0; i < opsEach && cctx.Err() == nil; i++ {
				k := Key(rng.IntN(numKeys))
				lt := LockRead
				if rng.IntN(3) == 0 {
					lt = LockWriteCheap
				}
				var (
					p   *Pair
					err error
				)
				if rng.IntN(2) == 0 {
					p, err = cf.GetAndPin(k, cf.Hash(k), lt, fc, wc)
				} else {
					for {
						p, err = cf.PinNonblocking(k, cf.Hash(k), lt, fc, wc, nil)
						if !merry.Is(err, ErrTryAgain) {
							break
						}
					}
				}
				if err != nil {
					return err
				}
				if lt == LockRead {
					cf.Unpin(p, false, PairAttr{})
					continue
				}
				p.Value().(*testValue).v++
				expected[k].Add(1)
				cf.Unpin(p, true, PairAttr{})
			}
			return nil
		})
	}

	var checkpoints errgroup.Group
	stop := make(chan struct{})
	checkpoints.Go(func() error {
		for {
			select {
			case <-stop:
				return nil
			default:
			}
			if _, err := ct.Checkpoint(ctx); err != nil {
				return err
			}
		}
	})

	require.NoError(t, clients.Wait())
	close(stop)
	require.NoError(t, checkpoints.Wait())

	require.NoError(t, cf.Close())
	for k := 0; k < numKeys; k++ {
		assert.EqualValues(t, expected[k].Load(), s.stored(Key(k)), "key %d", k)
	}
	st := ct.Status()
	assert.Greater(t, st.FullEvictions, uint64(0))
	assert.Greater(t, st.Checkpoints, uint64(0))
	assert.EqualValues(t, 0, st.SizeCloned)
}
