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

// Package store is the database/sql persistence layer over a single
// SQLite file: one row per Task, at most one live row in instances, a
// config table recording the tuning knobs in effect, and a meta
// table recording the schema version.
package store

const requiredSchemaVersion = 1

func sqlCreateTables() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS meta (
 metakey VARCHAR(255) NOT NULL PRIMARY KEY,
 value VARCHAR(255) NOT NULL)`,

		`CREATE TABLE IF NOT EXISTS tasks (
 id INTEGER PRIMARY KEY AUTOINCREMENT,
 chat_id INTEGER NOT NULL,
 msg_id INTEGER NOT NULL,
 source_url TEXT NOT NULL,
 title TEXT NOT NULL DEFAULT '',
 description TEXT NOT NULL DEFAULT '',
 preview_images TEXT NOT NULL DEFAULT '[]',
 file_size_hint INTEGER NOT NULL DEFAULT 0,
 status VARCHAR(32) NOT NULL,
 drive_file_id TEXT NOT NULL DEFAULT '',
 drive_file_name TEXT NOT NULL DEFAULT '',
 download_handles TEXT NOT NULL DEFAULT '[]',
 error_message TEXT NOT NULL DEFAULT '',
 created_at DATETIME NOT NULL,
 confirmed_at DATETIME,
 completed_at DATETIME)`,

		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_chat_msg
 ON tasks(chat_id, msg_id)`,

		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,

		`CREATE TABLE IF NOT EXISTS config (
 config_key VARCHAR(255) NOT NULL PRIMARY KEY,
 value TEXT NOT NULL)`,

		`CREATE TABLE IF NOT EXISTS instances (
 id INTEGER PRIMARY KEY AUTOINCREMENT,
 provider_id TEXT NOT NULL DEFAULT '',
 label TEXT NOT NULL,
 region TEXT NOT NULL DEFAULT '',
 ipv4 TEXT NOT NULL DEFAULT '',
 proxy_port INTEGER NOT NULL DEFAULT 0,
 proxy_username TEXT NOT NULL DEFAULT '',
 proxy_password TEXT NOT NULL DEFAULT '',
 status VARCHAR(32) NOT NULL,
 created_at DATETIME NOT NULL,
 ready_at DATETIME,
 destroyed_at DATETIME,
 total_minutes INTEGER NOT NULL DEFAULT 0,
 hourly_cost REAL NOT NULL DEFAULT 0)`,

		`CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_provider_id
 ON instances(provider_id) WHERE provider_id != ''`,
	}
}
