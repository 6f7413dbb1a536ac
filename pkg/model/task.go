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

// Package model defines the persisted entities the orchestrator works
// over: approved download tasks and the singleton proxy instance.
package model

import "time"

// TaskStatus is the stable, wire-visible lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending      TaskStatus = "PENDING"
	TaskConfirmed    TaskStatus = "CONFIRMED"
	TaskTransferring TaskStatus = "TRANSFERRING"
	TaskDownloading  TaskStatus = "DOWNLOADING"
	TaskComplete     TaskStatus = "COMPLETE"
	TaskIgnored      TaskStatus = "IGNORED"
	TaskError        TaskStatus = "ERROR"
)

// errorMessageMaxLen is the truncation length for Task.ErrorMessage,
// per spec: operator-facing messages are capped at 500 chars so a
// runaway exception string can't blow out a dashboard column.
const errorMessageMaxLen = 500

// Task is one row per approved resource, driven from CONFIRMED through
// either COMPLETE or ERROR by the four scheduler ticks.
type Task struct {
	ID int64

	ChatID int64
	MsgID  int64

	SourceURL string

	Title           string
	Description     string
	PreviewImages   []string
	FileSizeHint    int64

	Status TaskStatus

	DriveFileID   string
	DriveFileName string

	DownloadHandles []string

	ErrorMessage string

	CreatedAt   time.Time
	ConfirmedAt *time.Time
	CompletedAt *time.Time
}

// SetError truncates msg to the persisted error budget and applies it
// alongside the ERROR status, matching the `str(e)[:500]` discipline
// every tick in the original orchestrator applies before a commit.
func (t *Task) SetError(msg string) {
	if r := []rune(msg); len(r) > errorMessageMaxLen {
		msg = string(r[:errorMessageMaxLen])
	}
	t.Status = TaskError
	t.ErrorMessage = msg
}

// IsMagnet reports whether the task's source is a magnet URI rather
// than a drive share URL.
func (t *Task) IsMagnet() bool {
	return isMagnetURL(t.SourceURL)
}

func isMagnetURL(url string) bool {
	const prefix = "magnet:?"
	return len(url) >= len(prefix) && url[:len(prefix)] == prefix
}
