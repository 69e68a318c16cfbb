package siteagent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Instance is one deployed instance group kept by the agent.
type Instance struct {
	ID               string
	RequestID        string
	ServiceID        string
	Gas              int
	Cost             int
	CSCIID           string
	Delay            int
	UnitsPerInstance int
	TotalUnits       int
	CreatedAt        time.Time
}

type Store struct {
	conn *sql.DB
}

func OpenStore(ctx context.Context, path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection keeps ":memory:" databases shared and writes serialized
	conn.SetMaxOpenConns(1)

	s := &Store{conn: conn}
	if err = s.migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS deployed_services (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL DEFAULT '',
		service_id TEXT NOT NULL,
		gas INTEGER NOT NULL,
		cost INTEGER NOT NULL,
		csci_id TEXT NOT NULL,
		delay INTEGER NOT NULL,
		resource_per_inst INTEGER NOT NULL,
		total_resource_used INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS deployed_services_service_idx ON deployed_services (service_id);
	CREATE INDEX IF NOT EXISTS deployed_services_request_idx ON deployed_services (request_id);
	`
	_, err := s.conn.ExecContext(ctx, schema)
	return err
}

func (s *Store) Insert(ctx context.Context, inst Instance) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO deployed_services (
			id, request_id, service_id, gas, cost, csci_id, delay,
			resource_per_inst, total_resource_used, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.RequestID, inst.ServiceID, inst.Gas, inst.Cost, inst.CSCIID, inst.Delay,
		inst.UnitsPerInstance, inst.TotalUnits, inst.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert instance %s: %w", inst.ID, err)
	}
	return nil
}

// DeleteService removes every instance group of a service and returns the
// units they held.
func (s *Store) DeleteService(ctx context.Context, serviceID string) (int, int, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin stop transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var (
		groups int
		units  sql.NullInt64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*), SUM(total_resource_used) FROM deployed_services WHERE service_id = ?`,
		serviceID,
	).Scan(&groups, &units)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count instances of %s: %w", serviceID, err)
	}
	if groups == 0 {
		return 0, 0, nil
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM deployed_services WHERE service_id = ?`, serviceID); err != nil {
		return 0, 0, fmt.Errorf("failed to delete instances of %s: %w", serviceID, err)
	}
	if err = tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit stop of %s: %w", serviceID, err)
	}
	return groups, int(units.Int64), nil
}

func (s *Store) UsedUnits(ctx context.Context) (int, error) {
	var used sql.NullInt64
	err := s.conn.QueryRowContext(ctx, `SELECT SUM(total_resource_used) FROM deployed_services`).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("failed to sum used resources: %w", err)
	}
	return int(used.Int64), nil
}

func (s *Store) FindByRequestID(ctx context.Context, requestID string) (Instance, bool, error) {
	rows, err := s.query(ctx, `WHERE request_id = ? LIMIT 1`, requestID)
	if err != nil {
		return Instance{}, false, err
	}
	if len(rows) == 0 {
		return Instance{}, false, nil
	}
	return rows[0], true, nil
}

// List returns instance groups newest first.
func (s *Store) List(ctx context.Context) ([]Instance, error) {
	return s.query(ctx, `ORDER BY created_at DESC, id DESC`)
}

func (s *Store) query(ctx context.Context, tail string, args ...any) ([]Instance, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, request_id, service_id, gas, cost, csci_id, delay,
			resource_per_inst, total_resource_used, created_at
		FROM deployed_services `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	result := make([]Instance, 0, 16)
	for rows.Next() {
		var (
			inst      Instance
			createdAt int64
		)
		err = rows.Scan(
			&inst.ID, &inst.RequestID, &inst.ServiceID, &inst.Gas, &inst.Cost, &inst.CSCIID, &inst.Delay,
			&inst.UnitsPerInstance, &inst.TotalUnits, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		inst.CreatedAt = time.UnixMilli(createdAt)
		result = append(result, inst)
	}
	if err = rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read instances: %w", err)
	}
	return result, nil
}
