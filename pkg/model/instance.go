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

package model

import "time"

// InstanceLabel is the fixed label every proxy instance is created
// and looked up under. There is never more than one live instance.
const InstanceLabel = "swipe"

type InstanceStatus string

const (
	InstanceProvisioning InstanceStatus = "PROVISIONING"
	InstanceRunning      InstanceStatus = "RUNNING"
	InstanceDestroying   InstanceStatus = "DESTROYING"
	InstanceDestroyed    InstanceStatus = "DESTROYED"
	InstanceZombie       InstanceStatus = "ZOMBIE"
)

// Instance is the singleton proxy VM row, identified on the wire by
// InstanceLabel and on the provider side by ProviderID.
type Instance struct {
	ID int64

	ProviderID string
	Label      string
	Region     string
	IPv4       string

	ProxyPort     int
	ProxyUsername string
	ProxyPassword string

	Status InstanceStatus

	CreatedAt   time.Time
	ReadyAt     *time.Time
	DestroyedAt *time.Time

	TotalMinutes int
	HourlyCost   float64
}

// Live reports whether the instance occupies the singleton slot:
// spec I2 requires at most one row in this set at any time.
func (i *Instance) Live() bool {
	switch i.Status {
	case InstanceProvisioning, InstanceRunning, InstanceDestroying:
		return true
	default:
		return false
	}
}

// ProxyHTTPPort is the port the daemon's HTTP proxy URL points at:
// SOCKS5 port + 7000. The cloudclient cloud-init payload does not set
// up a listener on this port; it opens only the SOCKS5 port.
func (i *Instance) ProxyHTTPPort() int {
	return i.ProxyPort + 7000
}
