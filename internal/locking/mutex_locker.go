package locking

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/juju/clock"
	"github.com/juju/mutex/v2"
)

const maxMutexNameLength = 40

var invalidMutexChars = regexp.MustCompile(`[^a-z0-9-]+`)

// MutexLocker serializes orchestrators of the same entity on one host with a named OS mutex.
type MutexLocker struct {
	clock   clock.Clock
	delay   time.Duration
	timeout time.Duration

	mu        sync.Mutex
	releasers map[string]mutex.Releaser
}

// NewMutexLocker creates a MutexLocker that waits up to timeout for a held lock
func NewMutexLocker(timeout time.Duration) *MutexLocker {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &MutexLocker{
		clock:     clock.WallClock,
		delay:     50 * time.Millisecond,
		timeout:   timeout,
		releasers: make(map[string]mutex.Releaser),
	}
}

// MutexName converts a lock name into a valid mutex name. Names too long for a mutex keep their
// prefix and end in a hash of the full lock name.
func MutexName(lockName string) string {
	name := invalidMutexChars.ReplaceAllString(strings.ToLower(lockName), "-")
	name = "dstream-" + strings.Trim(name, "-")
	if len(name) <= maxMutexNameLength {
		return name
	}
	suffix := fmt.Sprintf("-%08x", uint32(xxhash.Sum64String(lockName)))
	return strings.TrimRight(name[:maxMutexNameLength-len(suffix)], "-") + suffix
}

// AcquireLock acquires the host mutex for lockName. It returns an empty lease ID when another
// process holds it past the timeout.
func (m *MutexLocker) AcquireLock(ctx context.Context, lockName string) (string, error) {
	name := MutexName(lockName)

	m.mu.Lock()
	_, held := m.releasers[name]
	m.mu.Unlock()
	if held {
		return "", nil
	}

	r, err := mutex.Acquire(mutex.Spec{
		Name:    name,
		Clock:   m.clock,
		Delay:   m.delay,
		Timeout: m.timeout,
		Cancel:  ctx.Done(),
	})
	switch {
	case errors.Is(err, mutex.ErrTimeout):
		return "", nil
	case errors.Is(err, mutex.ErrCancelled):
		return "", ctx.Err()
	case err != nil:
		return "", fmt.Errorf("failed to acquire mutex %s: %w", name, err)
	}

	m.mu.Lock()
	m.releasers[name] = r
	m.mu.Unlock()
	return name, nil
}

// ReleaseLock releases the mutex acquired for lockName
func (m *MutexLocker) ReleaseLock(ctx context.Context, lockName string, leaseID string) error {
	name := MutexName(lockName)

	m.mu.Lock()
	r, ok := m.releasers[name]
	delete(m.releasers, name)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("mutex %s is not held", name)
	}
	r.Release()
	return nil
}

// RenewLock is a no-op; a host mutex is held until released
func (m *MutexLocker) RenewLock(ctx context.Context, lockName string) error {
	return nil
}

// StartLockRenewal is a no-op
func (m *MutexLocker) StartLockRenewal(ctx context.Context, lockName string) {}
