// Package api exposes the session manager over HTTP (spec §4.7): list,
// create, kill, cleanup, resize, input, buffer snapshot, SSE stream, and
// (in HQ mode) transparent proxying to remote nodes.
package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/vibetunnel/vibetunnel/pkg/auth"
	"github.com/vibetunnel/vibetunnel/pkg/buffer"
	"github.com/vibetunnel/vibetunnel/pkg/hq"
	"github.com/vibetunnel/vibetunnel/pkg/session"
	"github.com/vibetunnel/vibetunnel/pkg/stream"
	"github.com/vibetunnel/vibetunnel/pkg/terminal"
)

// Server wires every session operation to its HTTP route. HQ is nil on a
// plain (non-HQ) instance; every HQ-merge or proxy path becomes a no-op
// in that case.
type Server struct {
	sessions *session.Manager
	cache    *terminal.Cache
	gate     *auth.Gate
	hq       *hq.Registry
	agg      *buffer.Aggregator
	logger   *zap.SugaredLogger

	watchersMu sync.Mutex
	watchers   map[string]*watcherRef
}

type watcherRef struct {
	w        *stream.Watcher
	refcount int
}

// New builds a Server and its gorilla/mux router. hqRegistry may be nil.
func New(sessions *session.Manager, cache *terminal.Cache, gate *auth.Gate, hqRegistry *hq.Registry, logger *zap.SugaredLogger) *Server {
	s := &Server{
		sessions: sessions,
		cache:    cache,
		gate:     gate,
		hq:       hqRegistry,
		agg:      buffer.New(sessions, cache, logger),
		logger:   logger,
		watchers: make(map[string]*watcherRef),
	}
	return s
}

// Router builds the full route table wrapped in the auth middleware.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	api.HandleFunc("/cleanup-exited", s.handleCleanupExited).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/cleanup", s.handleCleanupSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/buffer", s.handleBuffer).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/stream", s.handleStream).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/input", s.handleInput).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/resize", s.handleResize).Methods(http.MethodPost)

	if s.hq != nil {
		api.HandleFunc("/remotes/register", s.handleRegisterRemote).Methods(http.MethodPost)
		api.HandleFunc("/remotes/{id}", s.handleUnregisterRemote).Methods(http.MethodDelete)
	}

	r.Handle("/buffers", s.agg)

	return s.withAuth(r)
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := s.gate.Allow(r)
		if !result.Allowed {
			auth.WriteChallenge(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	if se, ok := err.(*session.Error); ok {
		switch se.Kind {
		case session.KindInvalidArgument:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": se.Error()})
		case session.KindNotFound:
			writeJSON(w, http.StatusNotFound, map[string]string{"error": se.Error()})
		case session.KindConflict:
			writeJSON(w, http.StatusConflict, map[string]string{"error": se.Error()})
		case session.KindBackpressure:
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": se.Error()})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": se.Error()})
		}
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sessionView is Info plus the remote-tagging fields spec.md §4.7 wants
// attached when an entry comes from HQ merge.
type sessionView struct {
	session.Info
	ID         string `json:"id"`
	Source     string `json:"source,omitempty"`
	RemoteID   string `json:"remoteId,omitempty"`
	RemoteName string `json:"remoteName,omitempty"`
	RemoteURL  string `json:"remoteUrl,omitempty"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	local, err := s.sessions.ListSessions()
	if err != nil {
		writeErr(w, err)
		return
	}

	views := make([]sessionView, 0, len(local))
	for _, info := range local {
		views = append(views, sessionView{Info: info, ID: info.ID})
	}

	if s.hq != nil {
		for _, remote := range s.hq.List() {
			for _, raw := range remote.Sessions {
				var view sessionView
				if err := json.Unmarshal(raw, &view); err != nil {
					continue
				}
				view.Source = "remote"
				view.RemoteID = remote.ID
				view.RemoteName = remote.Name
				view.RemoteURL = remote.URL
				views = append(views, view)
			}
		}
	}

	writeJSON(w, http.StatusOK, views)
}

type createSessionRequest struct {
	Command    []string `json:"command"`
	WorkingDir string   `json:"workingDir"`
	Name       string   `json:"name"`
	RemoteID   string   `json:"remoteId"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	var req createSessionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if req.RemoteID != "" && s.hq != nil {
		r.Body = io.NopCloser(bytes.NewReader(body))
		s.proxyToRemote(w, r, req.RemoteID, "/api/sessions")
		return
	}

	sess, err := s.sessions.CreateSession(session.Config{
		Name:       req.Name,
		Command:    req.Command,
		WorkingDir: req.WorkingDir,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": sess.ID})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.sessions.GetSession(id)
	if err != nil {
		if s.hq != nil {
			if remote, ok := s.hq.OwnerOf(id); ok {
				s.proxyToRemoteID(w, r, remote.ID, "/api/sessions/"+id)
				return
			}
		}
		writeErr(w, err)
		return
	}
	info := sess.GetInfo()
	writeJSON(w, http.StatusOK, sessionView{Info: info, ID: id})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session id required"})
		return
	}
	sess, err := s.sessions.GetSession(id)
	if err != nil {
		if s.hq != nil {
			if remote, ok := s.hq.OwnerOf(id); ok {
				s.proxyToRemoteID(w, r, remote.ID, "/api/sessions/"+id)
				return
			}
		}
		writeErr(w, err)
		return
	}
	if err := sess.Kill(); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleCleanupSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.sessions.RemoveSession(id); err != nil {
		if s.hq != nil {
			if remote, ok := s.hq.OwnerOf(id); ok {
				s.proxyToRemoteID(w, r, remote.ID, "/api/sessions/"+id+"/cleanup")
				return
			}
		}
		writeErr(w, err)
		return
	}
	s.dropWatcher(id)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleCleanupExited(w http.ResponseWriter, r *http.Request) {
	localErr := s.sessions.CleanupExitedSessions()
	counts := map[string]any{"local": localErr == nil}
	if localErr != nil {
		counts["localError"] = localErr.Error()
	}
	if s.hq != nil {
		results := s.hq.CleanupExitedSessions()
		remoteCounts := make(map[string]string)
		for name, err := range results {
			if err != nil {
				remoteCounts[name] = err.Error()
			} else {
				remoteCounts[name] = "ok"
			}
		}
		counts["remotes"] = remoteCounts
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleBuffer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.sessions.GetSession(id)
	if err != nil {
		if s.hq != nil {
			if remote, ok := s.hq.OwnerOf(id); ok {
				s.proxyToRemoteID(w, r, remote.ID, "/api/sessions/"+id+"/buffer")
				return
			}
		}
		writeErr(w, err)
		return
	}
	frame := buffer.FrameSnapshot(id, s.cache.GetBufferSnapshot(sess))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(frame)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.sessions.GetSession(id)
	if err != nil {
		if s.hq != nil {
			if remote, ok := s.hq.OwnerOf(id); ok {
				s.proxyToRemoteID(w, r, remote.ID, "/api/sessions/"+id+"/stream")
				return
			}
		}
		writeErr(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	watcher := s.acquireWatcher(id, sess.StreamOutPath())
	defer s.releaseWatcher(id)

	recv, detach := watcher.Attach()
	defer detach()

	for {
		select {
		case frame, ok := <-recv:
			if !ok {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) acquireWatcher(sessionID, path string) *stream.Watcher {
	s.watchersMu.Lock()
	defer s.watchersMu.Unlock()
	ref, ok := s.watchers[sessionID]
	if !ok {
		ref = &watcherRef{w: stream.New(path, s.logger)}
		s.watchers[sessionID] = ref
	}
	ref.refcount++
	return ref.w
}

func (s *Server) releaseWatcher(sessionID string) {
	s.watchersMu.Lock()
	defer s.watchersMu.Unlock()
	ref, ok := s.watchers[sessionID]
	if !ok {
		return
	}
	ref.refcount--
	if ref.refcount <= 0 {
		ref.w.Stop()
		delete(s.watchers, sessionID)
	}
}

func (s *Server) dropWatcher(sessionID string) {
	s.watchersMu.Lock()
	ref, ok := s.watchers[sessionID]
	if ok {
		delete(s.watchers, sessionID)
	}
	s.watchersMu.Unlock()
	if ok {
		ref.w.Stop()
	}
	s.cache.Drop(sessionID)
}

type inputRequest struct {
	Text string `json:"text,omitempty"`
	Key  string `json:"key,omitempty"`
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	var req inputRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if (req.Text == "" && req.Key == "") || (req.Text != "" && req.Key != "") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "exactly one of text or key is required"})
		return
	}

	sess, err := s.sessions.GetSession(id)
	if err != nil {
		if s.hq != nil {
			if remote, ok := s.hq.OwnerOf(id); ok {
				r.Body = io.NopCloser(bytes.NewReader(body))
				s.proxyToRemoteID(w, r, remote.ID, "/api/sessions/"+id+"/input")
				return
			}
		}
		writeErr(w, err)
		return
	}

	if req.Text != "" {
		err = sess.SendInput(req.Text)
	} else {
		err = sess.SendKey(req.Key)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	var req resizeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	sess, err := s.sessions.GetSession(id)
	if err != nil {
		if s.hq != nil {
			if remote, ok := s.hq.OwnerOf(id); ok {
				r.Body = io.NopCloser(bytes.NewReader(body))
				s.proxyToRemoteID(w, r, remote.ID, "/api/sessions/"+id+"/resize")
				return
			}
		}
		writeErr(w, err)
		return
	}

	if err := sess.Resize(req.Cols, req.Rows); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type registerRemoteRequest struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Bearer string `json:"bearer"`
}

func (s *Server) handleRegisterRemote(w http.ResponseWriter, r *http.Request) {
	var req registerRemoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	remote, err := s.hq.Register(req.Name, req.URL, req.Bearer)
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": remote.ID})
}

func (s *Server) handleUnregisterRemote(w http.ResponseWriter, r *http.Request) {
	s.hq.Unregister(mux.Vars(r)["id"])
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// proxyToRemote is used when the client explicitly named a remoteId
// (session creation); proxyToRemoteID is used when an id was resolved
// to a remote via the session index.
func (s *Server) proxyToRemote(w http.ResponseWriter, r *http.Request, remoteID, path string) {
	s.proxyToRemoteID(w, r, remoteID, path)
}

func (s *Server) proxyToRemoteID(w http.ResponseWriter, r *http.Request, remoteID, path string) {
	resp, err := s.hq.Proxy(r.Context(), remoteID, r.Method, path, r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	defer resp.Body.Close()

	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if flusher, ok := w.(http.Flusher); ok && strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				_, _ = w.Write(buf[:n])
				flusher.Flush()
			}
			if err != nil {
				return
			}
		}
	}

	_, _ = io.Copy(w, resp.Body)
}

// Shutdown stops every active stream watcher. Called during graceful
// shutdown before sessions are killed, per spec.md §5's drain order.
func (s *Server) Shutdown() {
	s.watchersMu.Lock()
	defer s.watchersMu.Unlock()
	for id, ref := range s.watchers {
		ref.w.Stop()
		delete(s.watchers, id)
	}
}
