package dedup

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lab-platform/labhub/pkg/log"
)

func newTestCache(t *testing.T, capacity uint64, ttl time.Duration) *Cache {
	t.Helper()
	c := New(capacity, ttl, log.InitLogs())
	c.Start()
	t.Cleanup(c.Stop)
	return c
}

func TestBeginClaimsFresh(t *testing.T) {
	require := require.New(t)
	c := newTestCache(t, 100, time.Minute)

	fp := Fingerprint("lab-projector-1", "projector", "power_on", nil)

	state, result := c.Begin("req-1", fp)
	require.Equal(StateFresh, state)
	require.Nil(result)

	// second claim while in flight
	state, result = c.Begin("req-1", fp)
	require.Equal(StateProcessing, state)
	require.Nil(result)
}

func TestReplayObservesOutcome(t *testing.T) {
	require := require.New(t)
	c := newTestCache(t, 100, time.Minute)

	fp := Fingerprint("lab-projector-1", "projector", "power_on", nil)

	state, _ := c.Begin("req-2", fp)
	require.Equal(StateFresh, state)

	c.FinishOK("req-2", &Result{Success: true, Code: "OK", Details: map[string]any{"power": "on"}})

	state, result := c.Begin("req-2", fp)
	require.Equal(StateCompleted, state)
	require.NotNil(result)
	require.True(result.Success)
	require.Equal("on", result.Details["power"])
}

func TestFailedOutcomeReplayed(t *testing.T) {
	require := require.New(t)
	c := newTestCache(t, 100, time.Minute)

	fp := Fingerprint("lab-projector-1", "projector", "power_on", nil)

	state, _ := c.Begin("req-3", fp)
	require.Equal(StateFresh, state)

	c.FinishErr("req-3", &Result{Success: false, Code: "TIMEOUT", Error: "no ack within deadline"})

	state, result := c.Begin("req-3", fp)
	require.Equal(StateFailed, state)
	require.NotNil(result)
	require.False(result.Success)
	require.Equal("TIMEOUT", result.Code)
}

func TestReqIDReuseIsConflict(t *testing.T) {
	require := require.New(t)
	c := newTestCache(t, 100, time.Minute)

	fpA := Fingerprint("lab-projector-1", "projector", "power_on", nil)
	fpB := Fingerprint("lab-projector-1", "projector", "power_off", nil)
	require.NotEqual(fpA, fpB)

	state, _ := c.Begin("req-4", fpA)
	require.Equal(StateFresh, state)

	state, result := c.Begin("req-4", fpB)
	require.Equal(StateConflict, state)
	require.Nil(result)

	// the original claim is untouched
	state, _ = c.Begin("req-4", fpA)
	require.Equal(StateProcessing, state)
}

func TestForgetAllowsRetry(t *testing.T) {
	require := require.New(t)
	c := newTestCache(t, 100, time.Minute)

	fp := Fingerprint("lab-projector-1", "projector", "power_on", nil)

	state, _ := c.Begin("req-5", fp)
	require.Equal(StateFresh, state)

	c.Forget("req-5")

	state, _ = c.Begin("req-5", fp)
	require.Equal(StateFresh, state)
}

func TestTTLExpiry(t *testing.T) {
	require := require.New(t)
	c := newTestCache(t, 100, 50*time.Millisecond)

	fp := Fingerprint("lab-projector-1", "projector", "power_on", nil)

	state, _ := c.Begin("req-6", fp)
	require.Equal(StateFresh, state)
	c.FinishOK("req-6", &Result{Success: true, Code: "OK"})

	require.Eventually(func() bool {
		state, _ := c.Begin("req-6", fp)
		if state == StateFresh {
			return true
		}
		c.Forget("req-6")
		return false
	}, time.Second, 20*time.Millisecond)
}

func TestCapacityBound(t *testing.T) {
	require := require.New(t)
	c := newTestCache(t, 10, time.Minute)

	for i := 0; i < 25; i++ {
		reqID := fmt.Sprintf("req-%d", i)
		fp := Fingerprint("lab-projector-1", "projector", "power_on", map[string]any{"i": i})
		state, _ := c.Begin(reqID, fp)
		require.Equal(StateFresh, state)
	}

	stats := c.Stats()
	require.LessOrEqual(stats.Size, 10)
	require.Equal(uint64(10), stats.Capacity)
	require.NotZero(stats.Evictions)
}

func TestSingleFlight(t *testing.T) {
	require := require.New(t)
	c := newTestCache(t, 1000, time.Minute)

	fp := Fingerprint("lab-projector-1", "projector", "power_on", nil)

	var fresh int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state, _ := c.Begin("req-race", fp)
			if state == StateFresh {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// exactly one goroutine wins the claim
	require.Equal(int64(1), fresh)
}

func TestFingerprintCanonical(t *testing.T) {
	require := require.New(t)

	a := Fingerprint("dev", "mod", "adjust_image", map[string]any{"keystone": 10, "shift": -5})
	b := Fingerprint("dev", "mod", "adjust_image", map[string]any{"shift": -5, "keystone": 10})
	require.Equal(a, b)

	c := Fingerprint("dev", "mod", "adjust_image", map[string]any{"keystone": 11, "shift": -5})
	require.NotEqual(a, c)
}
