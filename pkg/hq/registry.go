// Package hq implements the remote-node registry an HQ-mode server uses
// to merge session listings and proxy per-session calls across a fleet
// of vibetunnel instances (spec §4.8).
package hq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	healthCheckInterval = 15 * time.Second
	healthTimeout       = 5 * time.Second
	refreshTimeout      = 10 * time.Second
	callTimeout         = 30 * time.Second

	// defaultRemovalWindow is how many consecutive failed health checks
	// a remote tolerates before it is dropped — a transient network
	// partition shouldn't erase a remote's sessions.
	defaultRemovalWindow = 3
)

// Remote is one registered downstream vibetunnel instance.
type Remote struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	URL      string    `json:"url"`
	Bearer   string    `json:"-"`
	LastSeen time.Time `json:"lastSeen"`
	Sessions []json.RawMessage `json:"sessions"`

	consecutiveFailures int
}

// Registry tracks every registered Remote plus the reverse session→remote
// index, guarded by a single RW lock. No I/O happens while the lock is
// held.
type Registry struct {
	logger *zap.SugaredLogger
	client *http.Client

	mu           sync.RWMutex
	remotes      map[string]*Remote
	nameTaken    map[string]string // name -> remoteId
	sessionOwner map[string]string // sessionId -> remoteId

	removalWindow int
	stop          chan struct{}
}

// NewRegistry starts the 15s health-check loop. Call Shutdown to end it.
func NewRegistry(logger *zap.SugaredLogger) *Registry {
	reg := &Registry{
		logger:        logger,
		client:        &http.Client{},
		remotes:       make(map[string]*Remote),
		nameTaken:     make(map[string]string),
		sessionOwner:  make(map[string]string),
		removalWindow: defaultRemovalWindow,
		stop:          make(chan struct{}),
	}
	go reg.healthLoop()
	return reg
}

// ErrDuplicateName is returned by Register for an already-taken name.
type ErrDuplicateName struct{ Name string }

func (e *ErrDuplicateName) Error() string { return fmt.Sprintf("remote name already registered: %s", e.Name) }

// Register adds a new remote, rejecting a duplicate name, and kicks off
// an initial session refresh.
func (r *Registry) Register(name, url, bearer string) (*Remote, error) {
	r.mu.Lock()
	if _, taken := r.nameTaken[name]; taken {
		r.mu.Unlock()
		return nil, &ErrDuplicateName{Name: name}
	}
	remote := &Remote{ID: uuid.New().String(), Name: name, URL: url, Bearer: bearer, LastSeen: time.Now()}
	r.remotes[remote.ID] = remote
	r.nameTaken[name] = remote.ID
	r.mu.Unlock()

	go r.RefreshSessions(remote.ID)
	return remote, nil
}

// Unregister removes a remote and every session index entry pointing
// at it. Idempotent.
func (r *Registry) Unregister(remoteID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	remote, ok := r.remotes[remoteID]
	if !ok {
		return
	}
	delete(r.nameTaken, remote.Name)
	delete(r.remotes, remoteID)
	for sid, rid := range r.sessionOwner {
		if rid == remoteID {
			delete(r.sessionOwner, sid)
		}
	}
}

// List returns a snapshot of every registered remote.
func (r *Registry) List() []*Remote {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Remote, 0, len(r.remotes))
	for _, remote := range r.remotes {
		copied := *remote
		out = append(out, &copied)
	}
	return out
}

// OwnerOf reports which remote (if any) owns sessionID.
func (r *Registry) OwnerOf(sessionID string) (*Remote, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rid, ok := r.sessionOwner[sessionID]
	if !ok {
		return nil, false
	}
	remote, ok := r.remotes[rid]
	return remote, ok
}

// RefreshSessions GETs the remote's session list and rebuilds the
// session index for it atomically. A failed refresh leaves existing
// state untouched.
func (r *Registry) RefreshSessions(remoteID string) error {
	r.mu.RLock()
	remote, ok := r.remotes[remoteID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown remote: %s", remoteID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	sessions, err := r.getJSON(ctx, remote, "/api/sessions")
	if err != nil {
		return err
	}

	var list []json.RawMessage
	if err := json.Unmarshal(sessions, &list); err != nil {
		return fmt.Errorf("parse remote sessions: %w", err)
	}

	ids := make([]string, 0, len(list))
	for _, raw := range list {
		var partial struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &partial); err == nil && partial.ID != "" {
			ids = append(ids, partial.ID)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// remote may have been unregistered while the call was in flight
	if _, ok := r.remotes[remoteID]; !ok {
		return nil
	}
	for sid, rid := range r.sessionOwner {
		if rid == remoteID {
			delete(r.sessionOwner, sid)
		}
	}
	for _, id := range ids {
		r.sessionOwner[id] = remoteID
	}
	remote.Sessions = list
	return nil
}

func (r *Registry) healthLoop() {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.checkAll()
		}
	}
}

func (r *Registry) checkAll() {
	for _, remote := range r.List() {
		r.checkOne(remote.ID)
	}
}

func (r *Registry) checkOne(remoteID string) {
	r.mu.RLock()
	remote, ok := r.remotes[remoteID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
	defer cancel()
	_, err := r.getJSON(ctx, remote, "/api/health")

	r.mu.Lock()
	if err != nil {
		remote.consecutiveFailures++
		remove := remote.consecutiveFailures >= r.removalWindow
		r.mu.Unlock()
		if r.logger != nil {
			r.logger.Warnw("remote health check failed", "remote", remote.Name, "error", err, "failures", remote.consecutiveFailures)
		}
		if remove {
			r.Unregister(remoteID)
		}
		return
	}
	remote.consecutiveFailures = 0
	remote.LastSeen = time.Now()
	r.mu.Unlock()

	go r.RefreshSessions(remoteID)
}

func (r *Registry) getJSON(ctx context.Context, remote *Remote, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remote.URL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+remote.Bearer)
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("remote %s returned %d: %s", remote.Name, resp.StatusCode, body)
	}
	return body, nil
}

// Proxy forwards method/path/body to the remote identified by remoteID, with
// the remote's bearer token, and returns its raw response so the caller
// can relay status, headers, and body (including SSE and binary
// payloads) verbatim.
func (r *Registry) Proxy(ctx context.Context, remoteID, method, path string, body io.Reader) (*http.Response, error) {
	r.mu.RLock()
	remote, ok := r.remotes[remoteID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown remote: %s", remoteID)
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	req, err := http.NewRequestWithContext(ctx, method, remote.URL+path, body)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+remote.Bearer)
	resp, err := r.client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnCloseBody releases a Proxy call's context once the caller is
// done reading the response, instead of waiting out the full timeout.
type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	b.cancel()
	return b.ReadCloser.Close()
}

// CleanupExitedSessions fans POST /api/cleanup-exited out to every
// remote and reports each one's outcome.
func (r *Registry) CleanupExitedSessions() map[string]error {
	results := make(map[string]error)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, remote := range r.List() {
		wg.Add(1)
		go func(remote *Remote) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, remote.URL+"/api/cleanup-exited", bytes.NewReader(nil))
			if err == nil {
				req.Header.Set("Authorization", "Bearer "+remote.Bearer)
				resp, doErr := r.client.Do(req)
				if doErr == nil {
					resp.Body.Close()
				}
				err = doErr
			}
			mu.Lock()
			results[remote.Name] = err
			mu.Unlock()
		}(remote)
	}
	wg.Wait()
	return results
}

// Shutdown stops the health-check loop.
func (r *Registry) Shutdown() {
	close(r.stop)
}
