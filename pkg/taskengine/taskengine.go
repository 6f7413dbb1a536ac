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

// Package taskengine advances approved tasks through the download
// pipeline: stage the source onto the remote drive, wait for the
// artifact to land, hand each video file to the local download daemon
// and watch the handles until they all finish.
//
// Each tick reads the tasks in one status, does its external calls,
// and conditions every status write on the status it read, so a
// crashed or doubled-up tick re-converges from persisted state alone.
package taskengine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/loccen/swiped/pkg/driveclient"
	"github.com/loccen/swiped/pkg/model"
	"github.com/loccen/swiped/pkg/store"
)

// Drive is the subset of the drive client the engine calls.
type Drive interface {
	OfflineDownload(ctx context.Context, url, parent string) (fileID string, err error)
	TransferShare(ctx context.Context, shareURL string) ([]driveclient.ShareMember, error)
	IsReady(ctx context.Context, fileID, fileName string) (ready bool, actualID string, err error)
	ListVideosRecursive(ctx context.Context, rootID string) ([]driveclient.Video, error)
}

// Daemon is the subset of the download daemon client the engine calls.
type Daemon interface {
	AddURI(ctx context.Context, uris []string, options map[string]string) (handle string, err error)
	TellStatus(ctx context.Context, handle string, keys []string) (map[string]interface{}, error)
}

// Proxy is the slice of the proxy-instance manager Tick-1 needs: a
// non-blocking "give me a live instance or start making one" and the
// idempotent daemon-proxy re-apply.
type Proxy interface {
	EnsureAvailable(ctx context.Context) (*model.Instance, error)
	ApplyDaemonProxy(ctx context.Context, inst *model.Instance) error
}

// Engine is the per-task state machine driver.
type Engine struct {
	store  *store.Store
	drive  Drive
	daemon Daemon
	proxy  Proxy

	// downloadBase is the absolute directory the daemon writes
	// finished files into (the "dir" option on every AddURI).
	downloadBase string
}

// New returns an Engine writing downloads under downloadBase.
func New(st *store.Store, drive Drive, daemon Daemon, proxy Proxy, downloadBase string) *Engine {
	return &Engine{
		store:        st,
		drive:        drive,
		daemon:       daemon,
		proxy:        proxy,
		downloadBase: downloadBase,
	}
}

// failTask marks the task ERROR with msg, conditioned on the status
// the tick read it in. A conflict means another actor already moved
// the task; that outcome is logged and dropped, not escalated.
func (e *Engine) failTask(ctx context.Context, t *model.Task, from model.TaskStatus, msg string) {
	t.SetError(msg)
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.Tasks().UpdateCAS(ctx, t, from)
	})
	if errors.Is(err, store.ErrConflict) {
		log.Printf("taskengine: task %d moved out of %s before error could be recorded", t.ID, from)
		return
	}
	if err != nil {
		log.Printf("taskengine: recording error on task %d: %v", t.ID, err)
		return
	}
	log.Printf("taskengine: task %d failed: %s", t.ID, msg)
}

// advanceTask commits t's new status, conditioned on from. Returns
// false when the write lost a race and the task should be left alone.
func (e *Engine) advanceTask(ctx context.Context, t *model.Task, from model.TaskStatus) bool {
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.Tasks().UpdateCAS(ctx, t, from)
	})
	if errors.Is(err, store.ErrConflict) {
		log.Printf("taskengine: task %d moved out of %s concurrently; skipping", t.ID, from)
		return false
	}
	if err != nil {
		log.Printf("taskengine: updating task %d: %v", t.ID, err)
		return false
	}
	return true
}

// ConfirmAndTransfer is Tick-1: push every CONFIRMED task's source
// onto the remote drive and move it to TRANSFERRING. If no proxy
// instance is live yet, it kicks off provisioning and returns without
// touching any task — the next tick picks the batch up again.
func (e *Engine) ConfirmAndTransfer(ctx context.Context) error {
	tasks, err := e.store.Tasks().ListByStatus(ctx, model.TaskConfirmed)
	if err != nil {
		return fmt.Errorf("taskengine: confirm-and-transfer: %w", err)
	}
	if len(tasks) == 0 {
		return nil
	}

	inst, err := e.proxy.EnsureAvailable(ctx)
	if err != nil {
		return fmt.Errorf("taskengine: confirm-and-transfer: %w", err)
	}
	if inst == nil {
		log.Printf("taskengine: %d confirmed task(s) waiting for proxy instance", len(tasks))
		return nil
	}
	if err := e.proxy.ApplyDaemonProxy(ctx, inst); err != nil {
		// Transient daemon trouble; the batch stays CONFIRMED.
		return fmt.Errorf("taskengine: confirm-and-transfer: applying daemon proxy: %w", err)
	}

	for _, t := range tasks {
		e.transferOne(ctx, t)
	}
	return nil
}

func (e *Engine) transferOne(ctx context.Context, t *model.Task) {
	if t.IsMagnet() {
		fileID, err := e.drive.OfflineDownload(ctx, t.SourceURL, "")
		if err != nil {
			e.failTask(ctx, t, model.TaskConfirmed, "PikPak 离线下载失败: "+err.Error())
			return
		}
		if fileID == "" {
			e.failTask(ctx, t, model.TaskConfirmed, "PikPak 离线下载失败: 未返回 file_id")
			return
		}
		t.DriveFileID = fileID
	} else {
		members, err := e.drive.TransferShare(ctx, t.SourceURL)
		if err != nil {
			e.failTask(ctx, t, model.TaskConfirmed, "PikPak 转存分享失败: "+err.Error())
			return
		}
		if len(members) == 0 {
			e.failTask(ctx, t, model.TaskConfirmed, "PikPak 转存分享失败: 分享内容为空")
			return
		}
		t.DriveFileID = members[0].OriginalID
		t.DriveFileName = members[0].FileName
	}

	t.Status = model.TaskTransferring
	if e.advanceTask(ctx, t, model.TaskConfirmed) {
		log.Printf("taskengine: task %d transferring (drive file %s)", t.ID, t.DriveFileID)
	}
}

// PushToDaemon is Tick-2: for every TRANSFERRING task whose drive
// artifact is ready, enumerate its video files, enqueue one daemon
// download per video and move the task to DOWNLOADING. Not-ready
// tasks are left untouched for the next tick.
func (e *Engine) PushToDaemon(ctx context.Context) error {
	tasks, err := e.store.Tasks().ListByStatus(ctx, model.TaskTransferring)
	if err != nil {
		return fmt.Errorf("taskengine: push-to-daemon: %w", err)
	}
	for _, t := range tasks {
		e.pushOne(ctx, t)
	}
	return nil
}

func (e *Engine) pushOne(ctx context.Context, t *model.Task) {
	ready, actualID, err := e.drive.IsReady(ctx, t.DriveFileID, t.DriveFileName)
	if err != nil {
		e.failTask(ctx, t, model.TaskTransferring, "PikPak 文件检查失败: "+err.Error())
		return
	}
	if !ready {
		return
	}
	if actualID != "" && actualID != t.DriveFileID {
		// Share restore re-keyed the artifact; adopt the current id.
		log.Printf("taskengine: task %d drive file id %s -> %s", t.ID, t.DriveFileID, actualID)
		t.DriveFileID = actualID
	}

	videos, err := e.drive.ListVideosRecursive(ctx, t.DriveFileID)
	if err != nil {
		e.failTask(ctx, t, model.TaskTransferring, "PikPak 文件列表失败: "+err.Error())
		return
	}
	if len(videos) == 0 {
		e.failTask(ctx, t, model.TaskTransferring, "未找到视频文件")
		return
	}

	for _, v := range videos {
		handle, err := e.daemon.AddURI(ctx, []string{v.DirectURL}, map[string]string{
			"dir": e.downloadBase,
			"out": v.FileName,
		})
		if err != nil {
			e.failTask(ctx, t, model.TaskTransferring, "Aria2 添加下载失败: "+err.Error())
			return
		}
		t.DownloadHandles = append(t.DownloadHandles, handle)
	}

	t.Status = model.TaskDownloading
	if e.advanceTask(ctx, t, model.TaskTransferring) {
		log.Printf("taskengine: task %d downloading (%d file(s))", t.ID, len(videos))
	}
}

// Monitor is Tick-3: poll every DOWNLOADING task's daemon handles and
// settle the task once they all report complete or any reports error.
// A probe failure (transport trouble, or a handle the daemon no
// longer knows) leaves the task untouched this tick rather than
// guessing at an outcome.
func (e *Engine) Monitor(ctx context.Context) error {
	tasks, err := e.store.Tasks().ListByStatus(ctx, model.TaskDownloading)
	if err != nil {
		return fmt.Errorf("taskengine: monitor: %w", err)
	}
	for _, t := range tasks {
		e.monitorOne(ctx, t)
	}
	return nil
}

func (e *Engine) monitorOne(ctx context.Context, t *model.Task) {
	if len(t.DownloadHandles) == 0 {
		e.failTask(ctx, t, model.TaskDownloading, "无下载任务 GID")
		return
	}

	allComplete := true
	for _, handle := range t.DownloadHandles {
		status, err := e.daemon.TellStatus(ctx, handle, []string{"status", "errorMessage"})
		if err != nil {
			log.Printf("taskengine: task %d: probing handle %s: %v", t.ID, handle, err)
			return
		}
		s, _ := status["status"].(string)
		switch s {
		case "error":
			msg := "Aria2 下载失败"
			if em, _ := status["errorMessage"].(string); em != "" {
				msg += ": " + em
			}
			e.failTask(ctx, t, model.TaskDownloading, msg)
			return
		case "complete":
		default:
			allComplete = false
		}
	}
	if !allComplete {
		return
	}

	now := time.Now().UTC()
	t.Status = model.TaskComplete
	t.CompletedAt = &now
	if e.advanceTask(ctx, t, model.TaskDownloading) {
		log.Printf("taskengine: task %d complete", t.ID)
	}
}
