/*
Copyright 2026 The Swiped Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/loccen/swiped/pkg/model"
)

// InstanceStore is a typed repository over the instances table. At
// most one row may ever be "live" (spec.md invariant I2); callers
// enforce that by reading GetLive before inserting.
type InstanceStore struct {
	q querier
}

const instanceSelectColumns = `SELECT id, provider_id, label, region, ipv4,
       proxy_port, proxy_username, proxy_password, status,
       created_at, ready_at, destroyed_at, total_minutes, hourly_cost`

// Insert creates a new instance row and populates i.ID and i.CreatedAt.
func (s *InstanceStore) Insert(ctx context.Context, i *model.Instance) error {
	now := time.Now().UTC()
	res, err := s.q.ExecContext(ctx, `
INSERT INTO instances (provider_id, label, region, ipv4, proxy_port, proxy_username,
                        proxy_password, status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		i.ProviderID, i.Label, i.Region, i.IPv4, i.ProxyPort, i.ProxyUsername,
		i.ProxyPassword, i.Status, now)
	if err != nil {
		return fmt.Errorf("store: insert instance: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("store: insert instance: %w", err)
	}
	i.ID = id
	i.CreatedAt = now
	return nil
}

// GetLive returns the instance row currently occupying the singleton
// slot (PROVISIONING, RUNNING or DESTROYING), or nil if none exists.
func (s *InstanceStore) GetLive(ctx context.Context) (*model.Instance, error) {
	row := s.q.QueryRowContext(ctx, instanceSelectColumns+`
 FROM instances WHERE status IN (?, ?, ?) ORDER BY id DESC LIMIT 1`,
		model.InstanceProvisioning, model.InstanceRunning, model.InstanceDestroying)
	inst, err := scanInstance(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return inst, err
}

// GetByProviderID looks up an instance by its cloud-provider id, or
// ErrNotFound.
func (s *InstanceStore) GetByProviderID(ctx context.Context, providerID string) (*model.Instance, error) {
	row := s.q.QueryRowContext(ctx, instanceSelectColumns+` FROM instances WHERE provider_id = ?`, providerID)
	return scanInstance(row)
}

// ListNonDestroyed returns every row whose status is not DESTROYED,
// for the dashboard status endpoint.
func (s *InstanceStore) ListNonDestroyed(ctx context.Context) ([]*model.Instance, error) {
	rows, err := s.q.QueryContext(ctx, instanceSelectColumns+` FROM instances WHERE status != ? ORDER BY id`,
		model.InstanceDestroyed)
	if err != nil {
		return nil, fmt.Errorf("store: list non-destroyed instances: %w", err)
	}
	defer rows.Close()

	var out []*model.Instance
	for rows.Next() {
		inst, err := scanInstanceRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// UpdateCAS writes every mutable field of i back to its row, but only
// if the row's current status still equals fromStatus; see
// TaskStore.UpdateCAS for the rationale.
func (s *InstanceStore) UpdateCAS(ctx context.Context, i *model.Instance, fromStatus model.InstanceStatus) error {
	res, err := s.q.ExecContext(ctx, `
UPDATE instances SET provider_id = ?, region = ?, ipv4 = ?, proxy_port = ?,
                      proxy_username = ?, proxy_password = ?, status = ?,
                      ready_at = ?, destroyed_at = ?, total_minutes = ?, hourly_cost = ?
WHERE id = ? AND status = ?`,
		i.ProviderID, i.Region, i.IPv4, i.ProxyPort, i.ProxyUsername, i.ProxyPassword,
		i.Status, i.ReadyAt, i.DestroyedAt, i.TotalMinutes, i.HourlyCost, i.ID, fromStatus)
	if err != nil {
		return fmt.Errorf("store: update instance %d: %w", i.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update instance %d: %w", i.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("store: update instance %d from %s: %w", i.ID, fromStatus, ErrConflict)
	}
	return nil
}

// MarkDestroyed force-sets every non-destroyed row to DESTROYED,
// stamping destroyed_at. Used by reconcile-on-startup (remote instance
// gone: local residue) and by the emergency-destroy endpoint, neither
// of which has a single expected "from" status to condition on.
func (s *InstanceStore) MarkDestroyed(ctx context.Context, destroyedAt time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
UPDATE instances SET status = ?, destroyed_at = ? WHERE status != ?`,
		model.InstanceDestroyed, destroyedAt, model.InstanceDestroyed)
	if err != nil {
		return 0, fmt.Errorf("store: mark instances destroyed: %w", err)
	}
	return res.RowsAffected()
}

func scanInstance(row *sql.Row) (*model.Instance, error) {
	i, err := scanInstanceFields(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return i, err
}

func scanInstanceRows(rows *sql.Rows) (*model.Instance, error) {
	return scanInstanceFields(rows)
}

func scanInstanceFields(row rowScanner) (*model.Instance, error) {
	var i model.Instance
	var readyAt, destroyedAt sql.NullTime

	err := row.Scan(&i.ID, &i.ProviderID, &i.Label, &i.Region, &i.IPv4,
		&i.ProxyPort, &i.ProxyUsername, &i.ProxyPassword, &i.Status,
		&i.CreatedAt, &readyAt, &destroyedAt, &i.TotalMinutes, &i.HourlyCost)
	if err != nil {
		return nil, err
	}
	if readyAt.Valid {
		i.ReadyAt = &readyAt.Time
	}
	if destroyedAt.Valid {
		i.DestroyedAt = &destroyedAt.Time
	}
	return &i, nil
}
