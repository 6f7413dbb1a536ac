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

package daemonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T, handle func(method string, params []json.RawMessage) (interface{}, *Error)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     string            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		result, rpcErr := handle(req.Method, req.Params)

		resp := map[string]interface{}{"id": req.ID, "jsonrpc": "2.0"}
		if rpcErr != nil {
			resp["error"] = map[string]interface{}{"code": rpcErr.Code, "message": rpcErr.Message}
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAddURIMergesDefaultsAndReturnsHandle(t *testing.T) {
	var gotParams []json.RawMessage
	srv := newTestServer(t, func(method string, params []json.RawMessage) (interface{}, *Error) {
		gotParams = params
		return "gid-1", nil
	})

	c := New(srv.URL, "")
	handle, err := c.AddURI(context.Background(), []string{"https://cdn/a.mkv"},
		map[string]string{"dir": "/downloads", "out": "a.mkv"})
	if err != nil {
		t.Fatalf("AddURI: %v", err)
	}
	if handle != "gid-1" {
		t.Fatalf("handle = %q, want gid-1", handle)
	}

	var opts map[string]string
	if err := json.Unmarshal(gotParams[1], &opts); err != nil {
		t.Fatalf("unmarshal options: %v", err)
	}
	if opts["dir"] != "/downloads" || opts["out"] != "a.mkv" {
		t.Errorf("options = %v, want dir/out set", opts)
	}
	if opts["split"] != "16" {
		t.Errorf("options missing default split value: %v", opts)
	}
}

func TestAddURIPrependsToken(t *testing.T) {
	var gotParams []json.RawMessage
	srv := newTestServer(t, func(method string, params []json.RawMessage) (interface{}, *Error) {
		gotParams = params
		return "gid-1", nil
	})

	c := New(srv.URL, "s3cr3t")
	if _, err := c.AddURI(context.Background(), []string{"https://cdn/a.mkv"}, nil); err != nil {
		t.Fatalf("AddURI: %v", err)
	}

	var token string
	if err := json.Unmarshal(gotParams[0], &token); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	if token != "token:s3cr3t" {
		t.Errorf("first param = %q, want token:s3cr3t", token)
	}
}

func TestTellStatusReturnsFields(t *testing.T) {
	srv := newTestServer(t, func(method string, params []json.RawMessage) (interface{}, *Error) {
		if method != "aria2.tellStatus" {
			t.Errorf("method = %q, want aria2.tellStatus", method)
		}
		return map[string]string{"status": "complete"}, nil
	})

	c := New(srv.URL, "")
	status, err := c.TellStatus(context.Background(), "gid-1", []string{"status"})
	if err != nil {
		t.Fatalf("TellStatus: %v", err)
	}
	if status["status"] != "complete" {
		t.Errorf("status = %v, want complete", status)
	}
}

func TestTellStatusRPCError(t *testing.T) {
	srv := newTestServer(t, func(method string, params []json.RawMessage) (interface{}, *Error) {
		return nil, &Error{Code: 1, Message: "GID gid-missing is not found"}
	})

	c := New(srv.URL, "")
	_, err := c.TellStatus(context.Background(), "gid-missing", nil)
	if err == nil {
		t.Fatal("TellStatus succeeded, want error")
	}
	var rpcErr *Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error = %v, want *daemonrpc.Error", err)
	}
	if rpcErr.Code != 1 {
		t.Errorf("Code = %d, want 1", rpcErr.Code)
	}
}

func TestSetProxyEmptyClears(t *testing.T) {
	var gotOptions map[string]string
	srv := newTestServer(t, func(method string, params []json.RawMessage) (interface{}, *Error) {
		if method != "aria2.changeGlobalOption" {
			t.Errorf("method = %q, want aria2.changeGlobalOption", method)
		}
		json.Unmarshal(params[0], &gotOptions)
		return "OK", nil
	})

	c := New(srv.URL, "")
	if err := c.SetProxy(context.Background(), ""); err != nil {
		t.Fatalf("SetProxy: %v", err)
	}
	if gotOptions["all-proxy"] != "" {
		t.Errorf("all-proxy = %q, want empty string", gotOptions["all-proxy"])
	}
}
