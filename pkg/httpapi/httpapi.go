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

// Package httpapi serves the surfaces the orchestration core must
// answer for: task intake from the collector, the swipe confirm/ignore
// action, dashboard status counts and the emergency-destroy escape
// hatch.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/loccen/swiped/pkg/model"
	"github.com/loccen/swiped/pkg/store"
)

// Cloud is the slice of the cloud client the emergency endpoint uses.
type Cloud interface {
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)
}

// Daemon is the slice of the daemon client the emergency endpoint
// uses to clear the global proxy.
type Daemon interface {
	SetProxy(ctx context.Context, proxyURL string) error
}

// Server holds the handler's collaborators.
type Server struct {
	store  *store.Store
	cloud  Cloud
	daemon Daemon
}

// New returns a Server over the given collaborators.
func New(st *store.Store, cloud Cloud, daemon Daemon) *Server {
	return &Server{store: st, cloud: cloud, daemon: daemon}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tasks/internal/create", s.handleCreate)
	mux.HandleFunc("POST /tasks/{id}/action", s.handleAction)
	mux.HandleFunc("GET /dashboard/status", s.handleDashboardStatus)
	mux.HandleFunc("POST /dashboard/emergency-destroy", s.handleEmergencyDestroy)
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("httpapi: encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

type createRequest struct {
	ChatID        int64    `json:"chat_id"`
	MsgID         int64    `json:"msg_id"`
	SourceURL     string   `json:"source_url"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	FileSize      int64    `json:"file_size"`
	PreviewImage  string   `json:"preview_image"`
	PreviewImages []string `json:"preview_images"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.SourceURL == "" {
		writeError(w, http.StatusBadRequest, "source_url is required")
		return
	}

	ctx := r.Context()
	exists, err := s.store.Tasks().ExistsBySource(ctx, req.ChatID, req.MsgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if exists {
		writeError(w, http.StatusConflict, fmt.Sprintf("task for chat %d message %d already exists", req.ChatID, req.MsgID))
		return
	}

	previews := req.PreviewImages
	if len(previews) == 0 && req.PreviewImage != "" {
		previews = []string{req.PreviewImage}
	}
	task := &model.Task{
		ChatID:        req.ChatID,
		MsgID:         req.MsgID,
		SourceURL:     req.SourceURL,
		Title:         req.Title,
		Description:   req.Description,
		FileSizeHint:  req.FileSize,
		PreviewImages: previews,
	}
	if err := s.store.Tasks().Create(ctx, task); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"id": task.ID, "status": task.Status})
}

type actionRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	ctx := r.Context()
	task, err := s.store.Tasks().Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no such task")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task.Status != model.TaskPending {
		writeError(w, http.StatusConflict, fmt.Sprintf("task is %s; only PENDING tasks accept an action", task.Status))
		return
	}

	switch req.Action {
	case "confirm":
		now := time.Now().UTC()
		task.Status = model.TaskConfirmed
		task.ConfirmedAt = &now
	case "ignore":
		task.Status = model.TaskIgnored
	default:
		writeError(w, http.StatusBadRequest, `action must be "confirm" or "ignore"`)
		return
	}

	if err := s.store.Tasks().UpdateCAS(ctx, task, model.TaskPending); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict, "task changed state concurrently")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": task.ID, "status": task.Status})
}

func (s *Server) handleDashboardStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counts, err := s.store.Tasks().CountByStatus(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	instances, err := s.store.Instances().ListNonDestroyed(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	knobs, err := s.store.Config().All(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type instanceView struct {
		ID           int64                `json:"id"`
		ProviderID   string               `json:"provider_id"`
		Status       model.InstanceStatus `json:"status"`
		IPv4         string               `json:"ipv4"`
		TotalMinutes int                  `json:"total_minutes"`
	}
	views := make([]instanceView, 0, len(instances))
	for _, inst := range instances {
		views = append(views, instanceView{
			ID: inst.ID, ProviderID: inst.ProviderID, Status: inst.Status,
			IPv4: inst.IPv4, TotalMinutes: inst.TotalMinutes,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"task_counts": counts,
		"instances":   views,
		"config":      knobs,
	})
}

// handleEmergencyDestroy is the operator escape hatch: delete every
// remote instance under the swipe label prefix, clear the daemon
// proxy, and force every local instance row to DESTROYED. In-flight
// tasks are deliberately left alone; the monitor tick settles them.
func (s *Server) handleEmergencyDestroy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	deleted, err := s.cloud.DeleteByPrefix(ctx, model.InstanceLabel)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "deleting remote instances: "+err.Error())
		return
	}
	if err := s.daemon.SetProxy(ctx, ""); err != nil {
		log.Printf("httpapi: emergency destroy: clearing daemon proxy: %v", err)
	}
	marked, err := s.store.Instances().MarkDestroyed(ctx, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "marking local rows destroyed: "+err.Error())
		return
	}

	log.Printf("httpapi: emergency destroy: %d remote instance(s) deleted, %d local row(s) marked destroyed", deleted, marked)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"remote_deleted": deleted,
		"local_marked":   marked,
	})
}
