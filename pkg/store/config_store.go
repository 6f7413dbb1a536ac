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
	"strconv"
)

// ConfigStore is a typed key/value repository over the config table.
// It holds the runtime-tunable knobs from spec.md §6
// (aggregation_window_minutes, batch_task_threshold,
// idle_destroy_minutes) so the dashboard surface can report the
// values actually in effect for the running process, independent of
// whatever the config file on disk says right now.
type ConfigStore struct {
	q querier
}

// SetInt upserts an integer config value.
func (s *ConfigStore) SetInt(ctx context.Context, key string, value int) error {
	_, err := s.q.ExecContext(ctx, `
INSERT INTO config (config_key, value) VALUES (?, ?)
ON CONFLICT(config_key) DO UPDATE SET value = excluded.value`,
		key, strconv.Itoa(value))
	if err != nil {
		return fmt.Errorf("store: set config %q: %w", key, err)
	}
	return nil
}

// GetInt returns the stored value for key, or ok=false if unset.
func (s *ConfigStore) GetInt(ctx context.Context, key string) (value int, ok bool, err error) {
	row := s.q.QueryRowContext(ctx, `SELECT value FROM config WHERE config_key = ?`, key)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("store: get config %q: %w", key, err)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("store: config %q is not an integer: %w", key, err)
	}
	return n, true, nil
}

// All returns every stored key as a map, for the dashboard status
// endpoint.
func (s *ConfigStore) All(ctx context.Context) (map[string]string, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT config_key, value FROM config`)
	if err != nil {
		return nil, fmt.Errorf("store: list config: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("store: list config: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}
