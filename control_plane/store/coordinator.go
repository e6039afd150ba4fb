package store

import (
	"context"
	"time"
)

// Coordinator abstracts the fast coordination backend (Redis) used by the
// control plane for leader election across API replicas. This is distinct
// from the scheduler core's file-based coordinator, which ties together
// runtimes on one host; this one elects which API replica runs the global
// maintenance duties.
type Coordinator interface {
	// AcquireLease atomically creates key with value and TTL if absent.
	// value carries the holder's metadata (owner, epoch, req_id).
	AcquireLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)

	// RenewLease extends the TTL only if the current value matches.
	RenewLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)

	// ReleaseLease deletes the key only if the current value matches.
	ReleaseLease(ctx context.Context, key string, value string) error

	// GetLockOwner returns the current value of a lock key, "" if free.
	GetLockOwner(ctx context.Context, key string) (string, error)

	// ScanLocks returns all lock keys matching the pattern
	// (e.g. "agentflux:lock:*"); used by the janitor.
	ScanLocks(ctx context.Context, pattern string) ([]string, error)
}
