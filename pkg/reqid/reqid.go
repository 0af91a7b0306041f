// Package reqid generates request identifiers for submissions that
// arrive without one. The prefix is a fresh UUID per process, so IDs
// never collide across restarts and never alias a stored outcome from
// a previous run.
package reqid

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

var prefix = uuid.NewString()
var reqid uint64

// NextRequestID generates the next request ID in the sequence.
func NextRequestID() string {
	return fmt.Sprintf("%s-%09d", prefix, atomic.AddUint64(&reqid, 1))
}
