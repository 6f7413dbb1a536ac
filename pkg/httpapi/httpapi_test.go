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

package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loccen/swiped/pkg/model"
	"github.com/loccen/swiped/pkg/store"
)

type fakeCloud struct {
	deletedPrefix string
	deleted       int
}

func (c *fakeCloud) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	c.deletedPrefix = prefix
	return c.deleted, nil
}

type fakeDaemon struct {
	lastProxy string
}

func (d *fakeDaemon) SetProxy(ctx context.Context, proxyURL string) error {
	d.lastProxy = proxyURL
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *store.Store, *fakeCloud, *fakeDaemon) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "swiped.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cloud := &fakeCloud{deleted: 1}
	daemon := &fakeDaemon{lastProxy: "<never set>"}
	srv := httptest.NewServer(New(st, cloud, daemon).Handler())
	t.Cleanup(srv.Close)
	return srv, st, cloud, daemon
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestCreateTask(t *testing.T) {
	srv, st, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/tasks/internal/create",
		`{"chat_id": 7, "msg_id": 42, "source_url": "magnet:?xt=urn:btih:X", "title": "Movie"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var out struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if out.Status != string(model.TaskPending) {
		t.Errorf("status = %q, want PENDING", out.Status)
	}

	task, err := st.Tasks().Get(context.Background(), out.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if task.Title != "Movie" || task.ChatID != 7 || task.MsgID != 42 {
		t.Errorf("persisted task = %+v", task)
	}
}

func TestCreateTaskDuplicateIs409(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	body := `{"chat_id": 7, "msg_id": 42, "source_url": "magnet:?xt=urn:btih:X"}`
	if resp := postJSON(t, srv.URL+"/tasks/internal/create", body); resp.StatusCode != http.StatusCreated {
		t.Fatalf("first create: status = %d, want 201", resp.StatusCode)
	}
	if resp := postJSON(t, srv.URL+"/tasks/internal/create", body); resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate create: status = %d, want 409", resp.StatusCode)
	}
}

func TestActionConfirm(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	ctx := context.Background()

	task := &model.Task{ChatID: 1, MsgID: 1, SourceURL: "magnet:?xt=urn:btih:X"}
	if err := st.Tasks().Create(ctx, task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	resp := postJSON(t, fmt.Sprintf("%s/tasks/%d/action", srv.URL, task.ID), `{"action": "confirm"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	got, err := st.Tasks().Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.TaskConfirmed {
		t.Errorf("status = %s, want CONFIRMED", got.Status)
	}
	if got.ConfirmedAt == nil {
		t.Error("ConfirmedAt not set")
	}
}

func TestActionIgnore(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	ctx := context.Background()

	task := &model.Task{ChatID: 1, MsgID: 2, SourceURL: "magnet:?xt=urn:btih:X"}
	if err := st.Tasks().Create(ctx, task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	resp := postJSON(t, fmt.Sprintf("%s/tasks/%d/action", srv.URL, task.ID), `{"action": "ignore"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	got, _ := st.Tasks().Get(ctx, task.ID)
	if got.Status != model.TaskIgnored {
		t.Errorf("status = %s, want IGNORED", got.Status)
	}
}

func TestActionOnNonPendingIs409(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	ctx := context.Background()

	task := &model.Task{ChatID: 1, MsgID: 3, SourceURL: "magnet:?xt=urn:btih:X"}
	if err := st.Tasks().Create(ctx, task); err != nil {
		t.Fatalf("Create: %v", err)
	}
	task.Status = model.TaskConfirmed
	if err := st.Tasks().UpdateCAS(ctx, task, model.TaskPending); err != nil {
		t.Fatalf("UpdateCAS: %v", err)
	}

	resp := postJSON(t, fmt.Sprintf("%s/tasks/%d/action", srv.URL, task.ID), `{"action": "confirm"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestActionUnknownVerbIs400(t *testing.T) {
	srv, st, _, _ := newTestServer(t)

	task := &model.Task{ChatID: 1, MsgID: 4, SourceURL: "magnet:?xt=urn:btih:X"}
	if err := st.Tasks().Create(context.Background(), task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	resp := postJSON(t, fmt.Sprintf("%s/tasks/%d/action", srv.URL, task.ID), `{"action": "defenestrate"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestEmergencyDestroy(t *testing.T) {
	srv, st, cloud, daemon := newTestServer(t)
	ctx := context.Background()

	inst := &model.Instance{ProviderID: "42", Label: model.InstanceLabel, Status: model.InstanceRunning}
	if err := st.Instances().Insert(ctx, inst); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// An in-flight task must be left alone (the monitor tick settles it).
	task := &model.Task{ChatID: 1, MsgID: 5, SourceURL: "magnet:?xt=urn:btih:X"}
	if err := st.Tasks().Create(ctx, task); err != nil {
		t.Fatalf("Create: %v", err)
	}
	task.Status = model.TaskDownloading
	task.DownloadHandles = []string{"gid-1"}
	if err := st.Tasks().UpdateCAS(ctx, task, model.TaskPending); err != nil {
		t.Fatalf("UpdateCAS: %v", err)
	}

	resp := postJSON(t, srv.URL+"/dashboard/emergency-destroy", `{}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if cloud.deletedPrefix != model.InstanceLabel {
		t.Errorf("DeleteByPrefix called with %q, want %q", cloud.deletedPrefix, model.InstanceLabel)
	}
	if daemon.lastProxy != "" {
		t.Errorf("daemon proxy = %q, want cleared", daemon.lastProxy)
	}
	if live, err := st.Instances().GetLive(ctx); err != nil || live != nil {
		t.Errorf("GetLive = (%v, %v), want (nil, nil)", live, err)
	}
	got, _ := st.Tasks().Get(ctx, task.ID)
	if got.Status != model.TaskDownloading || len(got.DownloadHandles) != 1 {
		t.Errorf("in-flight task mutated by emergency destroy: %+v", got)
	}
}

func TestDashboardStatus(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	ctx := context.Background()

	task := &model.Task{ChatID: 1, MsgID: 6, SourceURL: "magnet:?xt=urn:btih:X"}
	if err := st.Tasks().Create(ctx, task); err != nil {
		t.Fatalf("Create: %v", err)
	}
	inst := &model.Instance{ProviderID: "9", Label: model.InstanceLabel, Status: model.InstanceZombie}
	if err := st.Instances().Insert(ctx, inst); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	resp, err := http.Get(srv.URL + "/dashboard/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out struct {
		TaskCounts map[string]int `json:"task_counts"`
		Instances  []struct {
			ProviderID string `json:"provider_id"`
			Status     string `json:"status"`
		} `json:"instances"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if out.TaskCounts["PENDING"] != 1 {
		t.Errorf("task_counts = %v, want one PENDING", out.TaskCounts)
	}
	if len(out.Instances) != 1 || out.Instances[0].Status != "ZOMBIE" {
		t.Errorf("instances = %v, want the zombie surfaced", out.Instances)
	}
}
