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

// Package driveclient talks to the remote drive account used to stage
// magnet and share content before local download: offline-download a
// magnet, restore a public share into the account, and discover the
// video files (and their direct URLs) an artifact resolves to once
// ready.
package driveclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	authBaseURL = "https://user.mypikpak.com"
	apiBaseURL  = "https://api-drive.mypikpak.com"

	// wellKnownRestoreFolder is the fixed folder name the drive places
	// share-restored content into. There is no API to rename or avoid
	// it, so IsReady's name-based fallback always scans here.
	wellKnownRestoreFolder = "Pack From Shared"

	sharePhaseComplete = "PHASE_TYPE_COMPLETE"
	kindFolder         = "drive#folder"
)

// videoExtensions is the set of file extensions (lowercase, dot
// included) ListVideosRecursive treats as downloadable media.
var videoExtensions = map[string]bool{
	".mp4": true, ".mkv": true, ".avi": true, ".wmv": true, ".mov": true,
	".flv": true, ".webm": true, ".m4v": true, ".rmvb": true, ".rm": true,
	".ts": true, ".m2ts": true,
}

// shareTokenPattern extracts the share token from a …/s/<token> URL.
var shareTokenPattern = regexp.MustCompile(`/s/([A-Za-z0-9]+)`)

// Error is a drive-input error: the request reached the drive but its
// content is unusable for the purpose the caller asked for (an empty
// share, a share that never reached OK, a missing file id), as opposed
// to a transport or HTTP-status error, which is returned as a plain
// wrapped error. The task engine fails the task on either kind.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("driveclient: [%s] %s", e.Code, e.Message)
}

// ShareMember is one item returned by a share restore, paired with
// its pre-restore id: the drive does not return post-restore ids, so
// IsReady must later repair DriveFileID by matching on FileName.
type ShareMember struct {
	FileName   string
	OriginalID string
}

// Video is one video file discovered by ListVideosRecursive.
type Video struct {
	FileID    string
	FileName  string
	Size      int64
	DirectURL string
}

// Client is a session-holding REST client for the drive account. Log
// in lazily on first use and reuse the session for the process
// lifetime, the way the teacher's OAuth importer clients do.
type Client struct {
	username string
	password string

	// authBaseURL and apiBaseURL default to the real PikPak-shaped
	// endpoints; tests override them to point at an httptest server.
	authBaseURL string
	apiBaseURL  string

	http *http.Client

	// readyLimiter throttles IsReady, the poll Tick-2 calls on every
	// TRANSFERRING task every scheduler pass.
	readyLimiter *rate.Limiter

	mu          sync.Mutex
	accessToken string

	// restoreFolderID caches the id of wellKnownRestoreFolder once
	// resolved, since it never moves for the life of the account.
	restoreFolderID string
}

// New returns a Client for the given account credentials.
func New(username, password string) *Client {
	return &Client{
		username:     username,
		password:     password,
		authBaseURL:  authBaseURL,
		apiBaseURL:   apiBaseURL,
		http:         &http.Client{Timeout: 30 * time.Second},
		readyLimiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 1),
	}
}

// IsMagnet reports whether url is a magnet URI rather than a drive
// share URL.
func IsMagnet(url string) bool {
	return strings.HasPrefix(url, "magnet:?")
}

func (c *Client) ensureSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" {
		return nil
	}

	body, err := json.Marshal(map[string]string{
		"username":  c.username,
		"password":  c.password,
		"client_id": "swiped",
	})
	if err != nil {
		return fmt.Errorf("driveclient: marshal login request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authBaseURL+"/v1/auth/signin", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("driveclient: build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("driveclient: login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("driveclient: login: unexpected status %d", resp.StatusCode)
	}

	var loginResp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		return fmt.Errorf("driveclient: login: decoding response: %w", err)
	}
	if loginResp.AccessToken == "" {
		return errors.New("driveclient: login: no access_token in response")
	}
	c.accessToken = loginResp.AccessToken
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, url string, body, out interface{}) error {
	if err := c.ensureSession(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("driveclient: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("driveclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.mu.Lock()
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	c.mu.Unlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("driveclient: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("driveclient: %s %s: status %d: %s", method, url, resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("driveclient: %s %s: decoding response: %w", method, url, err)
	}
	return nil
}

// OfflineDownload pushes a magnet into the drive's offline-download
// queue under parent (empty string means the account root) and
// returns the tentative file id the queued task was assigned.
func (c *Client) OfflineDownload(ctx context.Context, url, parent string) (fileID string, err error) {
	var resp struct {
		Task struct {
			FileID string `json:"file_id"`
		} `json:"task"`
	}
	err = c.doJSON(ctx, http.MethodPost, c.apiBaseURL+"/drive/v1/files", map[string]interface{}{
		"kind":        "drive#file",
		"name":        url,
		"upload_type": "UPLOAD_TYPE_URL",
		"url":         map[string]string{"url": url},
		"parent_id":   parent,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Task.FileID, nil
}

type shareFileInfo struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
}

// TransferShare resolves a …/s/<token> share URL, verifies it is
// usable, and restores its members into the account. It returns each
// member's display name paired with its pre-restore id — the drive
// never reports the post-restore id, so callers must pair this with
// IsReady's name-based lookup once the restore lands.
func (c *Client) TransferShare(ctx context.Context, shareURL string) ([]ShareMember, error) {
	match := shareTokenPattern.FindStringSubmatch(shareURL)
	if match == nil {
		return nil, &Error{Code: "BAD_SHARE_URL", Message: fmt.Sprintf("could not parse share token from %q", shareURL)}
	}
	token := match[1]

	var shareInfo struct {
		ShareStatus   string          `json:"share_status"`
		PassCodeToken string          `json:"pass_code_token"`
		Files         []shareFileInfo `json:"files"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.apiBaseURL+"/drive/v1/share?share_id="+token, nil, &shareInfo); err != nil {
		return nil, err
	}
	if shareInfo.ShareStatus != "OK" {
		return nil, &Error{Code: "SHARE_NOT_OK", Message: fmt.Sprintf("share %q status is %q", token, shareInfo.ShareStatus)}
	}
	if len(shareInfo.Files) == 0 {
		return nil, &Error{Code: "SHARE_EMPTY", Message: fmt.Sprintf("share %q has no files", token)}
	}

	fileIDs := make([]string, len(shareInfo.Files))
	members := make([]ShareMember, len(shareInfo.Files))
	for i, f := range shareInfo.Files {
		fileIDs[i] = f.FileID
		members[i] = ShareMember{FileName: f.FileName, OriginalID: f.FileID}
	}

	err := c.doJSON(ctx, http.MethodPost, c.apiBaseURL+"/drive/v1/share/restore", map[string]interface{}{
		"share_id":        token,
		"pass_code_token": shareInfo.PassCodeToken,
		"file_ids":        fileIDs,
	}, nil)
	if err != nil {
		return nil, err
	}
	return members, nil
}

type fileEntry struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	Kind           string                 `json:"kind"`
	Size           string                 `json:"size"`
	Phase          string                 `json:"phase"`
	WebContentLink string                 `json:"web_content_link"`
	Links          map[string]linkWithURL `json:"links"`
}

type linkWithURL struct {
	URL string `json:"url"`
}

func (c *Client) listChildren(ctx context.Context, parentID string) ([]fileEntry, error) {
	var resp struct {
		Files []fileEntry `json:"files"`
	}
	url := c.apiBaseURL + "/drive/v1/files?parent_id=" + parentID
	if err := c.doJSON(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Files, nil
}

func (c *Client) findByNameInRoot(ctx context.Context, name string) (*fileEntry, error) {
	entries, err := c.listChildren(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].Name == name && entries[i].Kind == kindFolder {
			return &entries[i], nil
		}
	}
	return nil, nil
}

func (c *Client) restoreFolder(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.restoreFolderID
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	entry, err := c.findByNameInRoot(ctx, wellKnownRestoreFolder)
	if err != nil {
		return "", err
	}
	if entry == nil {
		return "", nil
	}
	c.mu.Lock()
	c.restoreFolderID = entry.ID
	c.mu.Unlock()
	return entry.ID, nil
}

func findByID(entries []fileEntry, id string) *fileEntry {
	for i := range entries {
		if entries[i].ID == id {
			return &entries[i]
		}
	}
	return nil
}

func isEntryReady(e *fileEntry) bool {
	if e.Kind == kindFolder {
		return true
	}
	var size int64
	fmt.Sscanf(e.Size, "%d", &size)
	return size > 0 && e.Phase == sharePhaseComplete
}

// IsReady reports whether the drive artifact at fileID is usable yet.
// A folder is always ready; a file is ready once its reported size is
// positive and its phase reads complete. If fileID can't be found but
// fileName is non-empty, IsReady falls back to scanning the
// well-known restore folder by name and returns the match's current
// id as actualID — the repair path for share-restore's id churn.
func (c *Client) IsReady(ctx context.Context, fileID, fileName string) (ready bool, actualID string, err error) {
	if err := c.readyLimiter.Wait(ctx); err != nil {
		return false, "", err
	}

	root, err := c.listChildren(ctx, "")
	if err != nil {
		return false, "", err
	}
	if e := findByID(root, fileID); e != nil {
		return isEntryReady(e), fileID, nil
	}

	folderID, err := c.restoreFolder(ctx)
	if err != nil {
		return false, "", err
	}
	if folderID != "" {
		restored, err := c.listChildren(ctx, folderID)
		if err != nil {
			return false, "", err
		}
		if e := findByID(restored, fileID); e != nil {
			return isEntryReady(e), fileID, nil
		}
		if fileName != "" {
			for i := range restored {
				if restored[i].Name == fileName {
					return isEntryReady(&restored[i]), restored[i].ID, nil
				}
			}
		}
	}
	return false, "", nil
}

func extension(name string) string {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return ""
	}
	return strings.ToLower(name[i:])
}

func directURL(e *fileEntry) string {
	if e.WebContentLink != "" {
		return e.WebContentLink
	}
	for _, link := range e.Links {
		if link.URL != "" {
			return link.URL
		}
	}
	return ""
}

// ListVideosRecursive depth-first walks rootID and returns every
// video file found, with its resolved direct download URL.
func (c *Client) ListVideosRecursive(ctx context.Context, rootID string) ([]Video, error) {
	var videos []Video
	var walk func(parentID string) error
	walk = func(parentID string) error {
		entries, err := c.listChildren(ctx, parentID)
		if err != nil {
			return err
		}
		for i := range entries {
			e := &entries[i]
			if e.Kind == kindFolder {
				if err := walk(e.ID); err != nil {
					return err
				}
				continue
			}
			if !videoExtensions[extension(e.Name)] {
				continue
			}
			var size int64
			fmt.Sscanf(e.Size, "%d", &size)
			videos = append(videos, Video{
				FileID:    e.ID,
				FileName:  e.Name,
				Size:      size,
				DirectURL: directURL(e),
			})
		}
		return nil
	}
	if err := walk(rootID); err != nil {
		return nil, err
	}
	return videos, nil
}
