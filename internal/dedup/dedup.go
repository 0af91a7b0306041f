// Package dedup provides the request deduplication cache guarding command
// dispatch. Every req_id is tracked for a TTL window; replays of a req_id
// observe the first submission's outcome instead of re-dispatching.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"
)

type State int

const (
	// StateFresh means the req_id was unseen and is now marked processing.
	StateFresh State = iota
	// StateProcessing means another submission with this req_id is in flight.
	StateProcessing
	// StateCompleted means this req_id already finished successfully.
	StateCompleted
	// StateFailed means this req_id already finished with a failure.
	StateFailed
	// StateConflict means the req_id was reused with a different payload.
	StateConflict
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateProcessing:
		return "processing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateConflict:
		return "conflict"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Result is the cached outcome replayed to duplicate submissions.
type Result struct {
	Success bool
	Code    string
	Details map[string]any
	Error   string
}

type entry struct {
	state       State
	fingerprint string
	result      *Result
}

// Stats is a point-in-time snapshot for health reporting.
type Stats struct {
	Size       int    `json:"size"`
	Capacity   uint64 `json:"capacity"`
	Insertions uint64 `json:"insertions"`
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Evictions  uint64 `json:"evictions"`
}

// Cache tracks req_ids for a TTL window with a bounded capacity; the
// oldest entries are evicted once the bound is hit.
type Cache struct {
	mu       sync.Mutex
	entries  *ttlcache.Cache[string, *entry]
	capacity uint64
	log      logrus.FieldLogger
}

func New(capacity uint64, ttl time.Duration, log logrus.FieldLogger) *Cache {
	entries := ttlcache.New[string, *entry](
		ttlcache.WithTTL[string, *entry](ttl),
		ttlcache.WithCapacity[string, *entry](capacity),
	)
	return &Cache{
		entries:  entries,
		capacity: capacity,
		log:      log,
	}
}

// Start runs the expiry loop until Stop is called.
func (c *Cache) Start() {
	go c.entries.Start()
}

func (c *Cache) Stop() {
	c.entries.Stop()
}

// Fingerprint derives a payload identity for conflict detection. Two
// submissions with the same req_id but different fingerprints are a
// req_id reuse, not a retry.
func Fingerprint(deviceID, moduleName, action string, params map[string]any) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00", deviceID, moduleName, action)
	if len(params) > 0 {
		// json.Marshal sorts map keys, so the encoding is canonical
		raw, _ := json.Marshal(params)
		h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Begin atomically claims a req_id. A fresh req_id transitions to
// processing and StateFresh is returned; anything else reports the
// existing state, with the cached result for completed and failed.
func (c *Cache) Begin(reqID, fingerprint string) (State, *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item := c.entries.Get(reqID)
	if item == nil {
		c.entries.Set(reqID, &entry{state: StateProcessing, fingerprint: fingerprint}, ttlcache.DefaultTTL)
		return StateFresh, nil
	}

	e := item.Value()
	if e.fingerprint != fingerprint {
		return StateConflict, nil
	}
	return e.state, e.result
}

// FinishOK records the successful outcome for a processing req_id.
func (c *Cache) FinishOK(reqID string, result *Result) {
	c.finish(reqID, StateCompleted, result)
}

// FinishErr records the failed outcome for a processing req_id.
func (c *Cache) FinishErr(reqID string, result *Result) {
	c.finish(reqID, StateFailed, result)
}

func (c *Cache) finish(reqID string, state State, result *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item := c.entries.Get(reqID)
	if item == nil {
		// entry expired or was evicted while the command ran
		c.log.WithField("req_id", reqID).Debug("dedup entry gone before finish")
		return
	}
	e := item.Value()
	e.state = state
	e.result = result
	// reset the TTL so the window covers the outcome, not the claim
	c.entries.Set(reqID, e, ttlcache.DefaultTTL)
}

// Forget drops the req_id so a retry can claim it again. Used when a
// submission fails before dispatch and must not poison later attempts.
func (c *Cache) Forget(reqID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Delete(reqID)
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.entries.Metrics()
	return Stats{
		Size:       c.entries.Len(),
		Capacity:   c.capacity,
		Insertions: m.Insertions,
		Hits:       m.Hits,
		Misses:     m.Misses,
		Evictions:  m.Evictions,
	}
}
