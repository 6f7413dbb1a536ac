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

// Package config defines a typed accessor over a JSON configuration
// object, in the same spirit as Perkeep's jsonconfig.Obj: every read
// is tracked, unknown or missing keys accumulate as errors, and a
// single Validate call at the end of setup surfaces all of them at
// once instead of failing on the first bad field.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Obj is a JSON configuration map.
type Obj map[string]interface{}

// ReadFile reads and parses the JSON configuration file at path.
func ReadFile(path string) (Obj, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return Obj(m), nil
}

func (o Obj) RequiredString(key string) string {
	return o.string(key, nil)
}

func (o Obj) OptionalString(key, def string) string {
	return o.string(key, &def)
}

func (o Obj) string(key string, def *string) string {
	o.noteKnownKey(key)
	v, ok := o[key]
	if !ok {
		if def != nil {
			return *def
		}
		o.appendError(fmt.Errorf("missing required config key %q (string)", key))
		return ""
	}
	s, ok := v.(string)
	if !ok {
		o.appendError(fmt.Errorf("config key %q must be a string, got %T", key, v))
		return ""
	}
	return s
}

func (o Obj) RequiredInt(key string) int {
	return o.int(key, nil)
}

func (o Obj) OptionalInt(key string, def int) int {
	return o.int(key, &def)
}

func (o Obj) int(key string, def *int) int {
	o.noteKnownKey(key)
	v, ok := o[key]
	if !ok {
		if def != nil {
			return *def
		}
		o.appendError(fmt.Errorf("missing required config key %q (integer)", key))
		return 0
	}
	f, ok := v.(float64)
	if !ok {
		o.appendError(fmt.Errorf("config key %q must be a number, got %T", key, v))
		return 0
	}
	return int(f)
}

func (o Obj) noteKnownKey(key string) {
	known, ok := o["_knownkeys"].(map[string]bool)
	if !ok {
		known = make(map[string]bool)
		o["_knownkeys"] = known
	}
	known[key] = true
}

func (o Obj) appendError(err error) {
	if errs, ok := o["_errors"].([]error); ok {
		o["_errors"] = append(errs, err)
	} else {
		o["_errors"] = []error{err}
	}
}

func (o Obj) lookForUnknownKeys() {
	known, _ := o["_knownkeys"].(map[string]bool)
	for k := range o {
		if known[k] {
			continue
		}
		if strings.HasPrefix(k, "_") {
			continue
		}
		o.appendError(fmt.Errorf("unknown config key %q", k))
	}
}

// Validate reports every accumulated error from missing, malformed,
// or unrecognized keys, or nil if every read succeeded and no stray
// key was left untouched.
func (o Obj) Validate() error {
	o.lookForUnknownKeys()
	errs, ok := o["_errors"].([]error)
	if !ok || len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("multiple config errors: %s", strings.Join(msgs, "; "))
}
