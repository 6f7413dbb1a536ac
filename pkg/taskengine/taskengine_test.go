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

package taskengine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loccen/swiped/pkg/driveclient"
	"github.com/loccen/swiped/pkg/model"
	"github.com/loccen/swiped/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "swiped.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeDrive scripts each drive operation's behavior per test.
type fakeDrive struct {
	offlineFileID string
	offlineErr    error

	shareMembers []driveclient.ShareMember
	shareErr     error

	// readyResults is consumed one entry per IsReady call, so a test
	// can script "not ready, then ready under a new id".
	readyResults []readyResult

	videos    []driveclient.Video
	videosErr error

	// listedRootID records the id ListVideosRecursive was called with.
	listedRootID string
}

type readyResult struct {
	ready    bool
	actualID string
	err      error
}

func (d *fakeDrive) OfflineDownload(ctx context.Context, url, parent string) (string, error) {
	return d.offlineFileID, d.offlineErr
}

func (d *fakeDrive) TransferShare(ctx context.Context, shareURL string) ([]driveclient.ShareMember, error) {
	return d.shareMembers, d.shareErr
}

func (d *fakeDrive) IsReady(ctx context.Context, fileID, fileName string) (bool, string, error) {
	if len(d.readyResults) == 0 {
		return false, "", nil
	}
	r := d.readyResults[0]
	d.readyResults = d.readyResults[1:]
	return r.ready, r.actualID, r.err
}

func (d *fakeDrive) ListVideosRecursive(ctx context.Context, rootID string) ([]driveclient.Video, error) {
	d.listedRootID = rootID
	return d.videos, d.videosErr
}

// fakeDaemon hands out sequential handles and reports a scripted
// status per handle.
type fakeDaemon struct {
	nextHandle int
	addErr     error

	statuses map[string]string
	probeErr error
}

func (d *fakeDaemon) AddURI(ctx context.Context, uris []string, options map[string]string) (string, error) {
	if d.addErr != nil {
		return "", d.addErr
	}
	d.nextHandle++
	return fmt.Sprintf("gid-%d", d.nextHandle), nil
}

func (d *fakeDaemon) TellStatus(ctx context.Context, handle string, keys []string) (map[string]interface{}, error) {
	if d.probeErr != nil {
		return nil, d.probeErr
	}
	return map[string]interface{}{"status": d.statuses[handle]}, nil
}

// fakeProxy is either live (returns a RUNNING instance) or pending
// (returns nil, as EnsureAvailable does while provisioning runs).
type fakeProxy struct {
	inst         *model.Instance
	proxyApplied int
}

func (p *fakeProxy) EnsureAvailable(ctx context.Context) (*model.Instance, error) {
	return p.inst, nil
}

func (p *fakeProxy) ApplyDaemonProxy(ctx context.Context, inst *model.Instance) error {
	p.proxyApplied++
	return nil
}

func liveProxy() *fakeProxy {
	return &fakeProxy{inst: &model.Instance{
		Label: model.InstanceLabel, IPv4: "203.0.113.7",
		ProxyPort: 1080, Status: model.InstanceRunning,
	}}
}

// msgSeq makes every created task's (chat_id, msg_id) unique.
var msgSeq int64

func createTask(t *testing.T, st *store.Store, sourceURL string, status model.TaskStatus) *model.Task {
	t.Helper()
	ctx := context.Background()
	msgSeq++
	task := &model.Task{ChatID: 1, MsgID: msgSeq, SourceURL: sourceURL}
	if err := st.Tasks().Create(ctx, task); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if status != model.TaskPending {
		task.Status = status
		if err := st.Tasks().UpdateCAS(ctx, task, model.TaskPending); err != nil {
			t.Fatalf("UpdateCAS to %s: %v", status, err)
		}
	}
	return task
}

func getTask(t *testing.T, st *store.Store, id int64) *model.Task {
	t.Helper()
	task, err := st.Tasks().Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%d): %v", id, err)
	}
	return task
}

func TestConfirmAndTransferMagnetHappyPath(t *testing.T) {
	st := newTestStore(t)
	drive := &fakeDrive{offlineFileID: "f1"}
	proxy := liveProxy()
	e := New(st, drive, &fakeDaemon{}, proxy, "/downloads")

	task := createTask(t, st, "magnet:?xt=urn:btih:AAAABBBB", model.TaskConfirmed)

	if err := e.ConfirmAndTransfer(context.Background()); err != nil {
		t.Fatalf("ConfirmAndTransfer: %v", err)
	}

	got := getTask(t, st, task.ID)
	if got.Status != model.TaskTransferring {
		t.Fatalf("status = %s, want TRANSFERRING", got.Status)
	}
	if got.DriveFileID != "f1" {
		t.Errorf("DriveFileID = %q, want f1", got.DriveFileID)
	}
	if proxy.proxyApplied != 1 {
		t.Errorf("daemon proxy applied %d times, want 1", proxy.proxyApplied)
	}
}

func TestConfirmAndTransferWaitsForInstance(t *testing.T) {
	st := newTestStore(t)
	e := New(st, &fakeDrive{offlineFileID: "f1"}, &fakeDaemon{}, &fakeProxy{}, "/downloads")

	task := createTask(t, st, "magnet:?xt=urn:btih:AAAABBBB", model.TaskConfirmed)

	if err := e.ConfirmAndTransfer(context.Background()); err != nil {
		t.Fatalf("ConfirmAndTransfer: %v", err)
	}
	if got := getTask(t, st, task.ID); got.Status != model.TaskConfirmed {
		t.Fatalf("status = %s, want CONFIRMED (still waiting for instance)", got.Status)
	}
}

func TestConfirmAndTransferMagnetNoFileID(t *testing.T) {
	st := newTestStore(t)
	e := New(st, &fakeDrive{offlineFileID: ""}, &fakeDaemon{}, liveProxy(), "/downloads")

	task := createTask(t, st, "magnet:?xt=urn:btih:AAAABBBB", model.TaskConfirmed)

	if err := e.ConfirmAndTransfer(context.Background()); err != nil {
		t.Fatalf("ConfirmAndTransfer: %v", err)
	}
	got := getTask(t, st, task.ID)
	if got.Status != model.TaskError {
		t.Fatalf("status = %s, want ERROR", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "未返回 file_id") {
		t.Errorf("ErrorMessage = %q, want mention of missing file_id", got.ErrorMessage)
	}
}

func TestConfirmAndTransferEmptyShare(t *testing.T) {
	st := newTestStore(t)
	drive := &fakeDrive{shareErr: &driveclient.Error{Code: "SHARE_EMPTY", Message: "share has no files"}}
	e := New(st, drive, &fakeDaemon{}, liveProxy(), "/downloads")

	task := createTask(t, st, "https://mypikpak.com/s/ABCDE", model.TaskConfirmed)

	if err := e.ConfirmAndTransfer(context.Background()); err != nil {
		t.Fatalf("ConfirmAndTransfer: %v", err)
	}
	got := getTask(t, st, task.ID)
	if got.Status != model.TaskError {
		t.Fatalf("status = %s, want ERROR", got.Status)
	}
	if !strings.HasPrefix(got.ErrorMessage, "PikPak 转存分享失败") {
		t.Errorf("ErrorMessage = %q, want PikPak 转存分享失败 prefix", got.ErrorMessage)
	}
}

func TestConfirmAndTransferShareStoresNameAndID(t *testing.T) {
	st := newTestStore(t)
	drive := &fakeDrive{shareMembers: []driveclient.ShareMember{{FileName: "Pack.mkv", OriginalID: "pre-77"}}}
	e := New(st, drive, &fakeDaemon{}, liveProxy(), "/downloads")

	task := createTask(t, st, "https://mypikpak.com/s/ABCDE", model.TaskConfirmed)

	if err := e.ConfirmAndTransfer(context.Background()); err != nil {
		t.Fatalf("ConfirmAndTransfer: %v", err)
	}
	got := getTask(t, st, task.ID)
	if got.Status != model.TaskTransferring {
		t.Fatalf("status = %s, want TRANSFERRING", got.Status)
	}
	if got.DriveFileID != "pre-77" || got.DriveFileName != "Pack.mkv" {
		t.Errorf("(DriveFileID, DriveFileName) = (%q, %q), want (pre-77, Pack.mkv)", got.DriveFileID, got.DriveFileName)
	}
}

func TestPushToDaemonNotReadyLeavesTask(t *testing.T) {
	st := newTestStore(t)
	drive := &fakeDrive{readyResults: []readyResult{{ready: false}}}
	e := New(st, drive, &fakeDaemon{}, liveProxy(), "/downloads")

	task := createTask(t, st, "magnet:?xt=urn:btih:X", model.TaskTransferring)

	if err := e.PushToDaemon(context.Background()); err != nil {
		t.Fatalf("PushToDaemon: %v", err)
	}
	if got := getTask(t, st, task.ID); got.Status != model.TaskTransferring {
		t.Fatalf("status = %s, want TRANSFERRING (artifact not ready)", got.Status)
	}
}

func TestPushToDaemonMigratesRestoredID(t *testing.T) {
	st := newTestStore(t)
	drive := &fakeDrive{
		readyResults: []readyResult{{ready: true, actualID: "post-99"}},
		videos:       []driveclient.Video{{FileID: "v1", FileName: "Pack.mkv", Size: 4200, DirectURL: "https://cdn/pack"}},
	}
	daemon := &fakeDaemon{}
	e := New(st, drive, daemon, liveProxy(), "/downloads")

	ctx := context.Background()
	task := createTask(t, st, "https://mypikpak.com/s/ABCDE", model.TaskTransferring)
	task.DriveFileID = "pre-77"
	task.DriveFileName = "Pack.mkv"
	if err := st.Tasks().UpdateCAS(ctx, task, model.TaskTransferring); err != nil {
		t.Fatalf("UpdateCAS: %v", err)
	}

	if err := e.PushToDaemon(ctx); err != nil {
		t.Fatalf("PushToDaemon: %v", err)
	}

	got := getTask(t, st, task.ID)
	if got.Status != model.TaskDownloading {
		t.Fatalf("status = %s, want DOWNLOADING", got.Status)
	}
	if got.DriveFileID != "post-99" {
		t.Errorf("DriveFileID = %q, want post-99 (restored id adopted)", got.DriveFileID)
	}
	if drive.listedRootID != "post-99" {
		t.Errorf("ListVideosRecursive called with %q, want post-99", drive.listedRootID)
	}
	if len(got.DownloadHandles) != 1 {
		t.Errorf("DownloadHandles = %v, want one handle", got.DownloadHandles)
	}
}

func TestPushToDaemonNoVideosFails(t *testing.T) {
	st := newTestStore(t)
	drive := &fakeDrive{readyResults: []readyResult{{ready: true, actualID: "f1"}}}
	e := New(st, drive, &fakeDaemon{}, liveProxy(), "/downloads")

	ctx := context.Background()
	task := createTask(t, st, "magnet:?xt=urn:btih:X", model.TaskTransferring)
	task.DriveFileID = "f1"
	if err := st.Tasks().UpdateCAS(ctx, task, model.TaskTransferring); err != nil {
		t.Fatalf("UpdateCAS: %v", err)
	}

	if err := e.PushToDaemon(ctx); err != nil {
		t.Fatalf("PushToDaemon: %v", err)
	}
	got := getTask(t, st, task.ID)
	if got.Status != model.TaskError {
		t.Fatalf("status = %s, want ERROR", got.Status)
	}
	if got.ErrorMessage != "未找到视频文件" {
		t.Errorf("ErrorMessage = %q, want 未找到视频文件", got.ErrorMessage)
	}
}

func downloadingTask(t *testing.T, st *store.Store, handles ...string) *model.Task {
	t.Helper()
	ctx := context.Background()
	task := createTask(t, st, "magnet:?xt=urn:btih:X", model.TaskTransferring)
	task.Status = model.TaskDownloading
	task.DriveFileID = "f1"
	task.DownloadHandles = handles
	if err := st.Tasks().UpdateCAS(ctx, task, model.TaskTransferring); err != nil {
		t.Fatalf("UpdateCAS: %v", err)
	}
	return task
}

func TestMonitorAllCompleteFinishesTask(t *testing.T) {
	st := newTestStore(t)
	daemon := &fakeDaemon{statuses: map[string]string{"gid-1": "complete", "gid-2": "complete"}}
	e := New(st, &fakeDrive{}, daemon, liveProxy(), "/downloads")

	task := downloadingTask(t, st, "gid-1", "gid-2")

	if err := e.Monitor(context.Background()); err != nil {
		t.Fatalf("Monitor: %v", err)
	}
	got := getTask(t, st, task.ID)
	if got.Status != model.TaskComplete {
		t.Fatalf("status = %s, want COMPLETE", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set on completion")
	}
}

func TestMonitorPartialProgressWaits(t *testing.T) {
	st := newTestStore(t)
	daemon := &fakeDaemon{statuses: map[string]string{"gid-1": "complete", "gid-2": "active"}}
	e := New(st, &fakeDrive{}, daemon, liveProxy(), "/downloads")

	task := downloadingTask(t, st, "gid-1", "gid-2")

	if err := e.Monitor(context.Background()); err != nil {
		t.Fatalf("Monitor: %v", err)
	}
	if got := getTask(t, st, task.ID); got.Status != model.TaskDownloading {
		t.Fatalf("status = %s, want DOWNLOADING (one handle still active)", got.Status)
	}
}

func TestMonitorHandleErrorFailsTask(t *testing.T) {
	st := newTestStore(t)
	daemon := &fakeDaemon{statuses: map[string]string{"gid-1": "error"}}
	e := New(st, &fakeDrive{}, daemon, liveProxy(), "/downloads")

	task := downloadingTask(t, st, "gid-1")

	if err := e.Monitor(context.Background()); err != nil {
		t.Fatalf("Monitor: %v", err)
	}
	got := getTask(t, st, task.ID)
	if got.Status != model.TaskError {
		t.Fatalf("status = %s, want ERROR", got.Status)
	}
	if !strings.HasPrefix(got.ErrorMessage, "Aria2 下载失败") {
		t.Errorf("ErrorMessage = %q, want Aria2 下载失败 prefix", got.ErrorMessage)
	}
}

func TestMonitorProbeFailureIsTransient(t *testing.T) {
	st := newTestStore(t)
	daemon := &fakeDaemon{probeErr: errors.New("connection refused")}
	e := New(st, &fakeDrive{}, daemon, liveProxy(), "/downloads")

	task := downloadingTask(t, st, "gid-1")

	if err := e.Monitor(context.Background()); err != nil {
		t.Fatalf("Monitor: %v", err)
	}
	if got := getTask(t, st, task.ID); got.Status != model.TaskDownloading {
		t.Fatalf("status = %s, want DOWNLOADING (probe failure is transient)", got.Status)
	}
}

func TestMonitorEmptyHandlesFailsTask(t *testing.T) {
	st := newTestStore(t)
	e := New(st, &fakeDrive{}, &fakeDaemon{}, liveProxy(), "/downloads")

	task := downloadingTask(t, st)

	if err := e.Monitor(context.Background()); err != nil {
		t.Fatalf("Monitor: %v", err)
	}
	got := getTask(t, st, task.ID)
	if got.Status != model.TaskError {
		t.Fatalf("status = %s, want ERROR", got.Status)
	}
	if got.ErrorMessage != "无下载任务 GID" {
		t.Errorf("ErrorMessage = %q, want 无下载任务 GID", got.ErrorMessage)
	}
}
