package store

import (
	"context"
	"time"
)

// Store defines the methods required for the control plane's durable
// backend. It abstracts over Postgres (durable) and memory (tests,
// single-node dev). The scheduler core itself never touches this store;
// it only records tenant registrations and the dispatch audit log.
type Store interface {
	// Tenant Operations
	UpsertTenant(ctx context.Context, tenant *Tenant) error
	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)
	ListTenants(ctx context.Context) ([]*Tenant, error)

	// Dispatch Audit Operations
	RecordDispatch(ctx context.Context, tenantID string, d *Dispatch) error
	UpdateDispatchOutcome(ctx context.Context, tenantID string, dispatchID string, outcome string, detail string, executionMs int64, finishedAt time.Time) error
	GetDispatch(ctx context.Context, tenantID string, dispatchID string) (*Dispatch, error)
	ListDispatches(ctx context.Context, tenantID string, limit int) ([]*Dispatch, error)
	CountDispatchesByOutcome(ctx context.Context, tenantID string, outcome string) (int, error)

	// Coordination Operations
	// IncrementDurableEpoch increments the epoch for a given resource
	// (e.g. "leader_election") and returns the new epoch. This must be
	// atomic and durable.
	IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error)

	// GetDurableEpoch returns the current epoch without incrementing.
	GetDurableEpoch(ctx context.Context, resourceID string) (int64, error)
}
