package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lab-platform/labhub/internal/lherrors"
	"github.com/lab-platform/labhub/pkg/retry"
)

var (
	observerMu sync.RWMutex
	observer   func(op string, d time.Duration, err error)
)

// RegisterOpObserver installs the instrumentation hook called after every
// store operation. Registered once at startup, before traffic.
func RegisterOpObserver(f func(op string, d time.Duration, err error)) {
	observerMu.Lock()
	observer = f
	observerMu.Unlock()
}

func observeOp(op string, d time.Duration, err error) {
	observerMu.RLock()
	f := observer
	observerMu.RUnlock()
	if f != nil {
		f(op, d, err)
	}
}

// databasePolicy is the retry policy wrapping every store operation.
// Not-found and uniqueness violations are domain outcomes, not transient
// faults, so they short-circuit.
func databasePolicy() retry.Policy {
	p := retry.Database()
	p.Retriable = func(err error) bool {
		return !errors.Is(err, lherrors.ErrNotFound) && !errors.Is(err, lherrors.ErrDuplicateReqID)
	}
	return p
}

func withRetry(ctx context.Context, log logrus.FieldLogger, name string, op func(ctx context.Context) error) error {
	start := time.Now()
	err := retry.Do(ctx, databasePolicy(), log, name, op)
	observeOp(name, time.Since(start), err)
	return err
}
