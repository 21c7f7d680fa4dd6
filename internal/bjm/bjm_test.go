package bjm

import (
	"testing"
	"time"

	"github.com/ansel1/merry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_DrainWaitsForJobs(t *testing.T) {
	t.Parallel()
	m := New()

	require.NoError(t, m.Add())
	require.NoError(t, m.Add())

	done := make(chan struct{})
	go func() {
		m.WaitForJobsToFinish()
		close(done)
	}()

	require.Eventually(t, func() bool {
		err := m.Add()
		if err == nil {
			m.Remove()
			return false
		}
		return merry.Is(err, ErrNotAccepting)
	}, time.Second, time.Millisecond)

	m.Remove()
	select {
	case <-done:
		t.Fatal("drain returned with a job outstanding")
	case <-time.After(20 * time.Millisecond):
	}
	m.Remove()
	<-done
	assert.Equal(t, 0, m.Jobs())
}

func TestManager_Reset(t *testing.T) {
	t.Parallel()
	m := New()
	m.WaitForJobsToFinish()
	assert.Error(t, m.Add())
	m.Reset()
	assert.NoError(t, m.Add())
	m.Remove()
}
