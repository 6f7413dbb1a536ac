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

// Package cloudclient provisions and tears down the singleton proxy
// VM on a Linode-shaped cloud API: create an instance label-
// idempotently, poll it until running, and bootstrap it with a
// SOCKS5 proxy daemon via cloud-init user-data.
package cloudclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://api.linode.com/v4"

// cloudInitTemplate installs and starts a Dante SOCKS5 daemon bound
// to the given port, behind a single username/password pair, and opens
// that port in ufw. It is a fmt format string: the verbs are, in
// order, the port, the username (twice), the password and the port
// again. No HTTP proxy is installed and no other port is opened.
const cloudInitTemplate = `#cloud-config
packages:
  - dante-server
  - ufw

runcmd:
  - |
    IFACE=$(ip route | grep default | awk '{print $5}' | head -1)
    cat > /etc/danted.conf << EOF
    logoutput: syslog

    internal: 0.0.0.0 port = %d
    external: $IFACE

    socksmethod: username
    clientmethod: none

    user.privileged: root
    user.unprivileged: nobody

    client pass {
        from: 0.0.0.0/0 to: 0.0.0.0/0
        log: error
    }

    socks pass {
        from: 0.0.0.0/0 to: 0.0.0.0/0
        protocol: tcp udp
        command: bind connect udpassociate
        log: error
        socksmethod: username
    }
    EOF
  - useradd -r -s /bin/false %s || true
  - echo "%s:%s" | chpasswd
  - systemctl enable danted
  - systemctl start danted
  - ufw allow %d/tcp
  - ufw --force enable
  - touch /var/run/socks5_ready
`

// CloudInitUserData renders the Dante bootstrap script for the given
// proxy credentials and returns it base64-encoded, the form Linode's
// metadata.user_data field requires.
func CloudInitUserData(port int, username, password string) string {
	script := fmt.Sprintf(cloudInitTemplate, port, username, username, password, port)
	return base64.StdEncoding.EncodeToString([]byte(script))
}

// Error is a cloud-provider API error: the request reached Linode but
// was rejected (bad token, invalid region, quota). Distinct from a
// transport error, which callers should retry.
type Error struct {
	Status int
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("cloudclient: status %d: %s", e.Status, e.Body)
}

// Instance is a Linode instance's fields relevant to the proxy
// lifecycle.
type Instance struct {
	ID     int
	Label  string
	Status string
	IPv4   []string
	Region string
}

// Running reports whether the provider considers the instance up.
func (i *Instance) Running() bool {
	return i.Status == "running"
}

// Client is a REST client for the cloud provider's instance API.
type Client struct {
	token  string
	region string
	typ    string

	baseURL string
	http    *http.Client

	pollLimiter *rate.Limiter
}

// New returns a Client authenticated with token that creates every
// instance with type typ in region.
func New(token, region, typ string) *Client {
	return &Client{
		token:       token,
		region:      region,
		typ:         typ,
		baseURL:     defaultBaseURL,
		http:        &http.Client{Timeout: 60 * time.Second},
		pollLimiter: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
}

// SetBaseURL points the client at an alternate API endpoint, for
// tests that substitute an httptest.Server for the real provider.
func (c *Client) SetBaseURL(url string) {
	c.baseURL = url
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("cloudclient: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("cloudclient: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cloudclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("cloudclient: %s %s: reading response: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Status: resp.StatusCode, Body: string(data)}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("cloudclient: %s %s: decoding response: %w", method, path, err)
	}
	return nil
}

type instanceWire struct {
	ID     int      `json:"id"`
	Label  string   `json:"label"`
	Status string   `json:"status"`
	IPv4   []string `json:"ipv4"`
	Region string   `json:"region"`
}

func (w instanceWire) toInstance() *Instance {
	return &Instance{ID: w.ID, Label: w.Label, Status: w.Status, IPv4: w.IPv4, Region: w.Region}
}

// ListByPrefix lists every instance whose label starts with prefix.
// An empty prefix lists everything.
func (c *Client) ListByPrefix(ctx context.Context, prefix string) ([]*Instance, error) {
	var resp struct {
		Data []instanceWire `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/linode/instances", nil, &resp); err != nil {
		return nil, err
	}
	var out []*Instance
	for _, w := range resp.Data {
		if strings.HasPrefix(w.Label, prefix) {
			out = append(out, w.toInstance())
		}
	}
	return out, nil
}

// GetByLabel returns the instance with the exact label, or nil if
// none exists.
func (c *Client) GetByLabel(ctx context.Context, label string) (*Instance, error) {
	instances, err := c.ListByPrefix(ctx, label)
	if err != nil {
		return nil, err
	}
	for _, inst := range instances {
		if inst.Label == label {
			return inst, nil
		}
	}
	return nil, nil
}

// Get fetches a single instance by provider id.
func (c *Client) Get(ctx context.Context, id int) (*Instance, error) {
	var w instanceWire
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/linode/instances/%d", id), nil, &w); err != nil {
		return nil, err
	}
	return w.toInstance(), nil
}

// CreateInstance creates a new instance under label and bootstraps it
// with a SOCKS5 proxy via cloud-init, unless an instance
// with that exact label already exists, in which case the existing
// instance is returned unchanged — the provider-side half of spec
// I2's at-most-one-instance invariant.
func (c *Client) CreateInstance(ctx context.Context, label string, proxyPort int, proxyUsername, proxyPassword string) (*Instance, error) {
	if existing, err := c.GetByLabel(ctx, label); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	userData := CloudInitUserData(proxyPort, proxyUsername, proxyPassword)
	payload := map[string]interface{}{
		"type":   c.typ,
		"region": c.region,
		"image":  "linode/debian12",
		"label":  label,
		"metadata": map[string]string{
			"user_data": userData,
		},
	}

	var w instanceWire
	if err := c.do(ctx, http.MethodPost, "/linode/instances", payload, &w); err != nil {
		return nil, err
	}
	return w.toInstance(), nil
}

// WaitUntilRunning polls the instance until the provider reports it
// running and has assigned a public IPv4, or ctx is done.
func (c *Client) WaitUntilRunning(ctx context.Context, id int) (*Instance, error) {
	for {
		inst, err := c.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst.Running() && len(inst.IPv4) > 0 {
			return inst, nil
		}
		if err := c.pollLimiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
}

// Delete destroys the instance. Deleting an instance that no longer
// exists is treated as success, matching the emergency-destroy path's
// need to be idempotent under retries.
func (c *Client) Delete(ctx context.Context, id int) error {
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/linode/instances/%d", id), nil, nil)
	var cloudErr *Error
	if err != nil && !(errors.As(err, &cloudErr) && cloudErr.Status == http.StatusNotFound) {
		return err
	}
	return nil
}

// DeleteByPrefix deletes every instance whose label starts with
// prefix and returns the count actually removed, for the emergency
// "destroy everything swipe-related" operation.
func (c *Client) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	instances, err := c.ListByPrefix(ctx, prefix)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, inst := range instances {
		if err := c.Delete(ctx, inst.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}
