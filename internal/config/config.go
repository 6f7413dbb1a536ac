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

package config

import (
	"fmt"

	"github.com/loccen/swiped/pkg/model"
)

// Load reads the JSON config file at path and returns a fully
// populated model.Config. Every recognized key from spec.md's
// configuration surface is read through the typed Obj accessors, so a
// missing pikpak_username or linode_token surfaces as a Validate
// error rather than a zero-value silently propagating into a client.
func Load(path string) (*model.Config, error) {
	obj, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := FromObj(obj)
	if err := obj.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return cfg, nil
}

// FromObj reads a model.Config out of obj without validating it,
// letting callers (chiefly tests) inspect obj.Validate() separately.
func FromObj(obj Obj) *model.Config {
	return &model.Config{
		DatabasePath: obj.OptionalString("database_path", "swiped.db"),

		PikPakUsername: obj.RequiredString("pikpak_username"),
		PikPakPassword: obj.RequiredString("pikpak_password"),

		LinodeToken:  obj.RequiredString("linode_token"),
		LinodeRegion: obj.OptionalString("linode_region", "us-east"),
		LinodeType:   obj.OptionalString("linode_type", "g6-nanode-1"),

		Socks5Port:     obj.OptionalInt("socks5_port", 1080),
		Socks5Username: obj.OptionalString("socks5_username", "swipe"),
		Socks5Password: obj.RequiredString("socks5_password"),

		Aria2RPCURL:    obj.OptionalString("aria2_rpc_url", "http://localhost:6800/jsonrpc"),
		Aria2RPCSecret: obj.OptionalString("aria2_rpc_secret", ""),

		AggregationWindowMinutes: obj.OptionalInt("aggregation_window_minutes", 10),
		BatchTaskThreshold:       obj.OptionalInt("batch_task_threshold", 3),
		IdleDestroyMinutes:       obj.OptionalInt("idle_destroy_minutes", 30),

		DownloadBasePath: obj.OptionalString("download_base_path", "/downloads"),
		PreviewsPath:     obj.OptionalString("previews_path", "/downloads/.previews"),
	}
}
