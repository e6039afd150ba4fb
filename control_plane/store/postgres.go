package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Tenant Operations ---

func (s *PostgresStore) UpsertTenant(ctx context.Context, tenant *Tenant) error {
	query := `
		INSERT INTO tenants (tenant_id, name, status, weight, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			weight = EXCLUDED.weight,
			metadata = EXCLUDED.metadata,
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query,
		tenant.TenantID, tenant.Name, tenant.Status, tenant.Weight, tenant.Metadata,
	)
	return err
}

func (s *PostgresStore) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	query := `
		SELECT tenant_id, name, status, weight, metadata, created_at, updated_at
		FROM tenants WHERE tenant_id = $1
	`
	var t Tenant
	err := s.pool.QueryRow(ctx, query, tenantID).Scan(
		&t.TenantID, &t.Name, &t.Status, &t.Weight, &t.Metadata, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // Not found, consistent with the interface contract
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) ListTenants(ctx context.Context) ([]*Tenant, error) {
	query := `
		SELECT tenant_id, name, status, weight, metadata, created_at, updated_at
		FROM tenants ORDER BY tenant_id
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(
			&t.TenantID, &t.Name, &t.Status, &t.Weight, &t.Metadata, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, err
		}
		tenants = append(tenants, &t)
	}
	return tenants, nil
}

// --- Dispatch Audit Operations ---

func (s *PostgresStore) RecordDispatch(ctx context.Context, tenantID string, d *Dispatch) error {
	d.TenantID = tenantID
	query := `
		INSERT INTO dispatches (dispatch_id, tenant_id, task_id, lease_id, tool_name, provider, model, priority, outcome, detail, wait_ms, execution_ms, trace_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := s.pool.Exec(ctx, query,
		d.DispatchID, d.TenantID, d.TaskID, d.LeaseID, d.ToolName, d.Provider, d.Model,
		d.Priority, d.Outcome, d.Detail, d.WaitMs, d.ExecutionMs, d.TraceID, d.CreatedAt,
	)
	return err
}

func (s *PostgresStore) UpdateDispatchOutcome(ctx context.Context, tenantID string, dispatchID string, outcome string, detail string, executionMs int64, finishedAt time.Time) error {
	query := `
		UPDATE dispatches
		SET outcome = $3, detail = $4, execution_ms = $5, finished_at = $6
		WHERE dispatch_id = $1 AND tenant_id = $2
	`
	_, err := s.pool.Exec(ctx, query, dispatchID, tenantID, outcome, detail, executionMs, finishedAt)
	return err
}

func (s *PostgresStore) GetDispatch(ctx context.Context, tenantID string, dispatchID string) (*Dispatch, error) {
	query := `
		SELECT dispatch_id, tenant_id, task_id, lease_id, tool_name, provider, model, priority, outcome, detail, wait_ms, execution_ms, trace_id, created_at, finished_at
		FROM dispatches WHERE dispatch_id = $1 AND tenant_id = $2
	`
	var d Dispatch
	err := s.pool.QueryRow(ctx, query, dispatchID, tenantID).Scan(
		&d.DispatchID, &d.TenantID, &d.TaskID, &d.LeaseID, &d.ToolName, &d.Provider, &d.Model,
		&d.Priority, &d.Outcome, &d.Detail, &d.WaitMs, &d.ExecutionMs, &d.TraceID, &d.CreatedAt, &d.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) ListDispatches(ctx context.Context, tenantID string, limit int) ([]*Dispatch, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT dispatch_id, tenant_id, task_id, lease_id, tool_name, provider, model, priority, outcome, detail, wait_ms, execution_ms, trace_id, created_at, finished_at
		FROM dispatches WHERE tenant_id = $1
		ORDER BY created_at DESC LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dispatches []*Dispatch
	for rows.Next() {
		var d Dispatch
		if err := rows.Scan(
			&d.DispatchID, &d.TenantID, &d.TaskID, &d.LeaseID, &d.ToolName, &d.Provider, &d.Model,
			&d.Priority, &d.Outcome, &d.Detail, &d.WaitMs, &d.ExecutionMs, &d.TraceID, &d.CreatedAt, &d.FinishedAt,
		); err != nil {
			return nil, err
		}
		dispatches = append(dispatches, &d)
	}
	return dispatches, nil
}

func (s *PostgresStore) CountDispatchesByOutcome(ctx context.Context, tenantID string, outcome string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM dispatches WHERE tenant_id = $1 AND outcome = $2`,
		tenantID, outcome,
	).Scan(&count)
	return count, err
}

// --- Coordination Operations ---

// IncrementDurableEpoch atomically increments and returns the epoch for a
// resource. Fencing tokens must survive a Redis flush, hence Postgres.
func (s *PostgresStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	query := `
		INSERT INTO coordination_epochs (resource_id, epoch)
		VALUES ($1, 1)
		ON CONFLICT (resource_id) DO UPDATE SET epoch = coordination_epochs.epoch + 1
		RETURNING epoch
	`
	var epoch int64
	err := s.pool.QueryRow(ctx, query, resourceID).Scan(&epoch)
	return epoch, err
}

func (s *PostgresStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	var epoch int64
	err := s.pool.QueryRow(ctx,
		`SELECT epoch FROM coordination_epochs WHERE resource_id = $1`, resourceID,
	).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return epoch, err
}
