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

// Config is the subset of global settings the core reads at runtime
// (spec.md §6). It is loaded once at startup by internal/config and
// copied onto Instance rows so proxy credentials survive process
// restarts even if the config file changes underneath a running VM.
type Config struct {
	DatabasePath string

	PikPakUsername string
	PikPakPassword string

	LinodeToken  string
	LinodeRegion string
	LinodeType   string

	Socks5Port     int
	Socks5Username string
	Socks5Password string

	Aria2RPCURL    string
	Aria2RPCSecret string

	AggregationWindowMinutes int
	BatchTaskThreshold       int

	// IdleDestroyMinutes is parsed but intentionally unused by the
	// idle reaper today; see DESIGN.md's Open Question decisions.
	IdleDestroyMinutes int

	DownloadBasePath string
	PreviewsPath     string
}
