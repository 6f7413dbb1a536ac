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

// Package proxyinstance owns the singleton proxy VM's lifecycle: it
// reconciles local state against the cloud provider on startup,
// provisions a VM on demand and tears it down once the system has
// gone idle.
package proxyinstance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/loccen/swiped/pkg/cloudclient"
	"github.com/loccen/swiped/pkg/daemonrpc"
	"github.com/loccen/swiped/pkg/model"
	"github.com/loccen/swiped/pkg/store"
)

const (
	defaultProvisionTimeout = 300 * time.Second
	defaultBootstrapGrace   = 30 * time.Second

	// idleThreshold and staleThreshold are the two cleanup conditions
	// spec.md §4.5 specifies: destroy once the last completion is
	// this old, or — if nothing ever completed — once a live instance
	// has sat this long without active work (crash-residue cleanup).
	idleThreshold  = 5 * time.Minute
	staleThreshold = 30 * time.Minute
)

// Manager drives the singleton VM through PROVISIONING, RUNNING,
// DESTROYING and ZOMBIE, and keeps the download daemon's global proxy
// pointed at whichever instance (if any) is live.
type Manager struct {
	store  *store.Store
	cloud  *cloudclient.Client
	daemon *daemonrpc.Client

	proxyPort     int
	proxyUsername string
	proxyPassword string

	// provisionTimeout and bootstrapGrace default to the spec's 300s
	// and 30s; tests shrink them so a provisioning run completes in
	// milliseconds instead of real wall-clock minutes.
	provisionTimeout time.Duration
	bootstrapGrace   time.Duration

	mu       sync.Mutex
	creating bool
}

// New returns a Manager. proxyPort/username/password are the fixed
// credentials baked into every cloud-init bootstrap and copied onto
// every instance row this Manager creates or adopts; the daemon proxy
// is always built from the row's copy.
func New(st *store.Store, cloud *cloudclient.Client, daemon *daemonrpc.Client, proxyPort int, proxyUsername, proxyPassword string) *Manager {
	return &Manager{
		store:            st,
		cloud:            cloud,
		daemon:           daemon,
		proxyPort:        proxyPort,
		proxyUsername:    proxyUsername,
		proxyPassword:    proxyPassword,
		provisionTimeout: defaultProvisionTimeout,
		bootstrapGrace:   defaultBootstrapGrace,
	}
}

// daemonProxyURL builds the literal the daemon's all-proxy option
// expects: http://<user>:<pct-encoded-pass>@<ipv4>:<proxyPort+7000>.
func daemonProxyURL(ipv4, username, password string, httpPort int) string {
	return fmt.Sprintf("http://%s:%s@%s:%d", username, url.QueryEscape(password), ipv4, httpPort)
}

func (m *Manager) applyDaemonProxy(ctx context.Context, inst *model.Instance) error {
	// Credentials come from the row, not global config: they were
	// persisted at creation time and stay valid for the life of the VM
	// even if the config file changes underneath a running process.
	proxyURL := daemonProxyURL(inst.IPv4, inst.ProxyUsername, inst.ProxyPassword, inst.ProxyHTTPPort())
	return m.daemon.SetProxy(ctx, proxyURL)
}

// ApplyDaemonProxy points the daemon's global all-proxy option at
// inst. Tick-1 calls this on every scan so daemon-side drift (a
// restarted daemon, an operator poking the option) heals itself.
func (m *Manager) ApplyDaemonProxy(ctx context.Context, inst *model.Instance) error {
	return m.applyDaemonProxy(ctx, inst)
}

func (m *Manager) clearDaemonProxy(ctx context.Context) error {
	return m.daemon.SetProxy(ctx, "")
}

// ReconcileOnStartup adopts a remote instance into local state, or
// marks local residue destroyed if the remote side has none. Called
// once at engine start (spec.md §4.5, scenario S6).
func (m *Manager) ReconcileOnStartup(ctx context.Context) error {
	remote, err := m.cloud.GetByLabel(ctx, model.InstanceLabel)
	if err != nil {
		return fmt.Errorf("proxyinstance: reconcile: %w", err)
	}

	if remote == nil {
		n, err := m.store.Instances().MarkDestroyed(ctx, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("proxyinstance: reconcile: marking residue destroyed: %w", err)
		}
		if n > 0 {
			log.Printf("proxyinstance: no remote instance found; marked %d local row(s) destroyed", n)
		}
		return nil
	}

	local, err := m.store.Instances().GetByProviderID(ctx, providerIDString(remote.ID))
	now := time.Now().UTC()
	if errors.Is(err, store.ErrNotFound) {
		local = &model.Instance{
			ProviderID:    providerIDString(remote.ID),
			Label:         model.InstanceLabel,
			Region:        remote.Region,
			ProxyPort:     m.proxyPort,
			ProxyUsername: m.proxyUsername,
			ProxyPassword: m.proxyPassword,
			Status:        model.InstanceProvisioning,
		}
		if err := m.store.Instances().Insert(ctx, local); err != nil {
			return fmt.Errorf("proxyinstance: reconcile: inserting adopted instance: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("proxyinstance: reconcile: looking up adopted instance: %w", err)
	}

	fromStatus := local.Status
	local.IPv4 = firstOrEmpty(remote.IPv4)
	if remote.Running() {
		local.Status = model.InstanceRunning
		if local.ReadyAt == nil {
			local.ReadyAt = &now
		}
	}
	if err := m.store.Instances().UpdateCAS(ctx, local, fromStatus); err != nil {
		return fmt.Errorf("proxyinstance: reconcile: updating adopted instance: %w", err)
	}

	if remote.Running() && local.IPv4 != "" {
		if err := m.applyDaemonProxy(ctx, local); err != nil {
			log.Printf("proxyinstance: reconcile: re-applying daemon proxy: %v", err)
		}
	}
	return nil
}

// EnsureAvailable returns the live RUNNING instance, or nil if none is
// ready yet. When no instance is live at all and provisioning is not
// already underway, it spawns a background provisioning attempt and
// returns (nil, nil) immediately — Tick-1 must not block on VM boot.
func (m *Manager) EnsureAvailable(ctx context.Context) (*model.Instance, error) {
	live, err := m.store.Instances().GetLive(ctx)
	if err != nil {
		return nil, fmt.Errorf("proxyinstance: ensure available: %w", err)
	}
	if live != nil && live.Status == model.InstanceRunning {
		return live, nil
	}
	if live != nil {
		// PROVISIONING or DESTROYING: wait, don't start a second one.
		return nil, nil
	}

	m.mu.Lock()
	if m.creating {
		m.mu.Unlock()
		return nil, nil
	}
	m.creating = true
	m.mu.Unlock()

	go m.provision(context.Background())
	return nil, nil
}

// provision runs the background create→wait→bootstrap sequence
// (spec.md §4.5). It always clears the creating guard on exit,
// including on every early-return path, per §9's deferred-clear
// recommendation.
func (m *Manager) provision(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.creating = false
		m.mu.Unlock()
	}()

	log.Printf("proxyinstance: creating %s instance", model.InstanceLabel)
	created, err := m.cloud.CreateInstance(ctx, model.InstanceLabel, m.proxyPort, m.proxyUsername, m.proxyPassword)
	if err != nil {
		log.Printf("proxyinstance: create instance: %v", err)
		return
	}

	local := &model.Instance{
		ProviderID:    providerIDString(created.ID),
		Label:         model.InstanceLabel,
		Region:        created.Region,
		ProxyPort:     m.proxyPort,
		ProxyUsername: m.proxyUsername,
		ProxyPassword: m.proxyPassword,
		Status:        model.InstanceProvisioning,
	}
	if err := m.store.Instances().Insert(ctx, local); err != nil {
		log.Printf("proxyinstance: insert provisioning row: %v", err)
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.provisionTimeout)
	defer cancel()
	running, err := m.cloud.WaitUntilRunning(waitCtx, created.ID)
	if err != nil || running == nil {
		log.Printf("proxyinstance: instance %d never became running: %v", created.ID, err)
		local.Status = model.InstanceZombie
		if err := m.store.Instances().UpdateCAS(ctx, local, model.InstanceProvisioning); err != nil {
			log.Printf("proxyinstance: marking zombie: %v", err)
		}
		return
	}

	now := time.Now().UTC()
	local.IPv4 = firstOrEmpty(running.IPv4)
	local.Status = model.InstanceRunning
	local.ReadyAt = &now
	if err := m.store.Instances().UpdateCAS(ctx, local, model.InstanceProvisioning); err != nil {
		log.Printf("proxyinstance: marking running: %v", err)
		return
	}
	log.Printf("proxyinstance: instance %d running at %s; waiting %s bootstrap grace", created.ID, local.IPv4, m.bootstrapGrace)

	select {
	case <-time.After(m.bootstrapGrace):
	case <-ctx.Done():
		return
	}

	if err := m.applyDaemonProxy(ctx, local); err != nil {
		log.Printf("proxyinstance: configuring daemon proxy: %v", err)
	}
}

// Destroy tears down whatever instance currently occupies the
// singleton slot. Idempotent: a no-op when nothing is live.
func (m *Manager) Destroy(ctx context.Context) error {
	live, err := m.store.Instances().GetLive(ctx)
	if err != nil {
		return fmt.Errorf("proxyinstance: destroy: %w", err)
	}
	if live == nil {
		return nil
	}

	fromStatus := live.Status
	live.Status = model.InstanceDestroying
	if err := m.store.Instances().UpdateCAS(ctx, live, fromStatus); err != nil {
		return fmt.Errorf("proxyinstance: destroy: marking destroying: %w", err)
	}

	id, err := providerIDInt(live.ProviderID)
	if err != nil {
		return fmt.Errorf("proxyinstance: destroy: %w", err)
	}
	if err := m.cloud.Delete(ctx, id); err != nil {
		live.Status = model.InstanceZombie
		if upErr := m.store.Instances().UpdateCAS(ctx, live, model.InstanceDestroying); upErr != nil {
			log.Printf("proxyinstance: destroy: marking zombie after delete failure: %v", upErr)
		}
		return fmt.Errorf("proxyinstance: destroy: deleting remote instance: %w", err)
	}

	now := time.Now().UTC()
	live.Status = model.InstanceDestroyed
	live.DestroyedAt = &now
	if live.ReadyAt != nil {
		live.TotalMinutes = int(now.Sub(*live.ReadyAt).Minutes())
	}
	if err := m.store.Instances().UpdateCAS(ctx, live, model.InstanceDestroying); err != nil {
		return fmt.Errorf("proxyinstance: destroy: marking destroyed: %w", err)
	}

	if err := m.clearDaemonProxy(ctx); err != nil {
		log.Printf("proxyinstance: destroy: clearing daemon proxy: %v", err)
	}
	return nil
}

// CheckIdle is the idle reaper (Tick-4, spec.md §4.5/§4.7). It
// destroys the live instance when no task is active and the latest
// completion is at least idleThreshold old, or — if nothing has ever
// completed — when no task is active and the live instance was created
// at least staleThreshold ago (crash-residue cleanup).
func (m *Manager) CheckIdle(ctx context.Context) error {
	active, err := m.store.Tasks().CountActive(ctx)
	if err != nil {
		return fmt.Errorf("proxyinstance: check idle: %w", err)
	}
	if active > 0 {
		return nil
	}

	latest, err := m.store.Tasks().LatestCompletedAt(ctx)
	if err != nil {
		return fmt.Errorf("proxyinstance: check idle: %w", err)
	}

	now := time.Now().UTC()
	if latest == nil {
		live, err := m.store.Instances().GetLive(ctx)
		if err != nil {
			return fmt.Errorf("proxyinstance: check idle: %w", err)
		}
		if live == nil || now.Sub(live.CreatedAt) < staleThreshold {
			return nil
		}
		log.Printf("proxyinstance: instance %s idle since creation with no completed work; destroying", live.ProviderID)
		return m.Destroy(ctx)
	}

	if now.Sub(*latest) < idleThreshold {
		return nil
	}
	return m.Destroy(ctx)
}

func firstOrEmpty(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}

func providerIDString(id int) string {
	return fmt.Sprintf("%d", id)
}

func providerIDInt(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("parsing provider id %q: %w", s, err)
	}
	return n, nil
}
