package api

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibetunnel/vibetunnel/pkg/auth"
	"github.com/vibetunnel/vibetunnel/pkg/hq"
	"github.com/vibetunnel/vibetunnel/pkg/session"
	"github.com/vibetunnel/vibetunnel/pkg/terminal"
)

func newAPIServer(t *testing.T, hqRegistry *hq.Registry) (*Server, *session.Manager) {
	t.Helper()
	mgr, err := session.NewManager(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(mgr.Shutdown)

	cache := terminal.NewCache(nil)
	gate := auth.New(auth.Config{NoAuth: true})
	srv := New(mgr, cache, gate, hqRegistry, nil)
	t.Cleanup(srv.Shutdown)
	return srv, mgr
}

func waitUntilExited(t *testing.T, sess *session.Session) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if sess.GetInfo().Status == session.StatusExited {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session never exited")
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealthReturnsOK(t *testing.T) {
	srv, _ := newAPIServer(t, nil)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleCreateAndGetSession(t *testing.T) {
	srv, _ := newAPIServer(t, nil)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/sessions", createSessionRequest{Command: []string{"/bin/sleep", "5"}})
	require.Equal(t, http.StatusOK, rec.Code)

	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created["sessionId"]
	require.NotEmpty(t, id)

	getRec := doJSON(t, router, http.MethodGet, "/api/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, getRec.Code)

	var view sessionView
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &view))
	assert.Equal(t, id, view.ID)
}

func TestHandleCreateSessionRejectsInvalidBody(t *testing.T) {
	srv, _ := newAPIServer(t, nil)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetSessionUnknownIDReturns404(t *testing.T) {
	srv, _ := newAPIServer(t, nil)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/sessions/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleListSessionsReturnsCreatedSessions(t *testing.T) {
	srv, mgr := newAPIServer(t, nil)
	sess, err := mgr.CreateSession(session.Config{Command: []string{"/bin/sleep", "5"}})
	require.NoError(t, err)
	defer sess.Kill()

	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var views []sessionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, sess.ID, views[0].ID)
}

func TestHandleDeleteSessionKillsRunningSession(t *testing.T) {
	srv, mgr := newAPIServer(t, nil)
	sess, err := mgr.CreateSession(session.Config{Command: []string{"/bin/sleep", "5"}})
	require.NoError(t, err)

	rec := doJSON(t, srv.Router(), http.MethodDelete, "/api/sessions/"+sess.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	waitUntilExited(t, sess)
}

func TestHandleCleanupSessionRemovesExitedSessionDirectory(t *testing.T) {
	srv, mgr := newAPIServer(t, nil)
	sess, err := mgr.CreateSession(session.Config{Command: []string{"/bin/true"}})
	require.NoError(t, err)
	waitUntilExited(t, sess)

	rec := doJSON(t, srv.Router(), http.MethodDelete, "/api/sessions/"+sess.ID+"/cleanup", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	getRec := doJSON(t, srv.Router(), http.MethodGet, "/api/sessions/"+sess.ID, nil)
	assert.Equal(t, http.StatusNotFound, getRec.Code)
}

func TestHandleCleanupExitedReportsLocalSuccess(t *testing.T) {
	srv, mgr := newAPIServer(t, nil)
	sess, err := mgr.CreateSession(session.Config{Command: []string{"/bin/true"}})
	require.NoError(t, err)
	waitUntilExited(t, sess)

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/cleanup-exited", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["local"])
}

func TestHandleBufferReturnsBinarySnapshot(t *testing.T) {
	srv, mgr := newAPIServer(t, nil)
	sess, err := mgr.CreateSession(session.Config{Command: []string{"/bin/sleep", "5"}, Cols: 80, Rows: 24})
	require.NoError(t, err)
	defer sess.Kill()

	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/sessions/"+sess.ID+"/buffer", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.Bytes()
	require.True(t, len(body) > 5)
	assert.Equal(t, byte(0xbf), body[0])
	idLen := binary.LittleEndian.Uint32(body[1:5])
	require.True(t, len(body) >= 5+int(idLen))
	assert.Equal(t, sess.ID, string(body[5:5+idLen]))
	assert.NotEmpty(t, body[5+idLen:])
}

func TestHandleInputRejectsNeitherTextNorKey(t *testing.T) {
	srv, mgr := newAPIServer(t, nil)
	sess, err := mgr.CreateSession(session.Config{Command: []string{"/bin/sleep", "5"}})
	require.NoError(t, err)
	defer sess.Kill()

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/sessions/"+sess.ID+"/input", inputRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleInputRejectsBothTextAndKey(t *testing.T) {
	srv, mgr := newAPIServer(t, nil)
	sess, err := mgr.CreateSession(session.Config{Command: []string{"/bin/sleep", "5"}})
	require.NoError(t, err)
	defer sess.Kill()

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/sessions/"+sess.ID+"/input", inputRequest{Text: "a", Key: "enter"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleInputSendsTextToSession(t *testing.T) {
	srv, mgr := newAPIServer(t, nil)
	sess, err := mgr.CreateSession(session.Config{Command: []string{"/bin/cat"}})
	require.NoError(t, err)
	defer sess.Kill()

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/sessions/"+sess.ID+"/input", inputRequest{Text: "hello"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleResizeUpdatesSessionDimensions(t *testing.T) {
	srv, mgr := newAPIServer(t, nil)
	sess, err := mgr.CreateSession(session.Config{Command: []string{"/bin/sleep", "5"}, Cols: 80, Rows: 24})
	require.NoError(t, err)
	defer sess.Kill()

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/sessions/"+sess.ID+"/resize", resizeRequest{Cols: 100, Rows: 40})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 100, sess.GetInfo().Cols)
	assert.Equal(t, 40, sess.GetInfo().Rows)
}

func TestHandleResizeOnUnknownSessionReturns404(t *testing.T) {
	srv, _ := newAPIServer(t, nil)
	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/sessions/does-not-exist/resize", resizeRequest{Cols: 80, Rows: 24})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWithAuthRejectsWhenGateDisallows(t *testing.T) {
	mgr, err := session.NewManager(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(mgr.Shutdown)
	cache := terminal.NewCache(nil)
	gate := auth.New(auth.Config{StaticBearer: "secret"})
	srv := New(mgr, cache, gate, nil, nil)
	t.Cleanup(srv.Shutdown)

	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/sessions", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
}

func TestWriteErrMapsSessionErrorKindsToHTTPStatus(t *testing.T) {
	cases := []struct {
		kind   session.Kind
		status int
	}{
		{session.KindInvalidArgument, http.StatusBadRequest},
		{session.KindNotFound, http.StatusNotFound},
		{session.KindConflict, http.StatusConflict},
		{session.KindIO, http.StatusInternalServerError},
		{session.KindBackpressure, http.StatusTooManyRequests},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeErr(rec, &session.Error{Kind: tc.kind, SessionID: "s1", Msg: "boom"})
		assert.Equal(t, tc.status, rec.Code)
	}
}

func TestWriteErrFallsBackToInternalServerErrorForPlainErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	writeErr(rec, assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleRegisterAndUnregisterRemote(t *testing.T) {
	registry := hq.NewRegistry(nil)
	t.Cleanup(registry.Shutdown)
	srv, _ := newAPIServer(t, registry)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/remotes/register", registerRemoteRequest{Name: "node-a", URL: "http://node-a.invalid", Bearer: "tok"})
	require.Equal(t, http.StatusOK, rec.Code)

	var reply map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	require.NotEmpty(t, reply["id"])

	require.Len(t, registry.List(), 1)

	delRec := doJSON(t, router, http.MethodDelete, "/api/remotes/"+reply["id"], nil)
	require.Equal(t, http.StatusOK, delRec.Code)
	assert.Empty(t, registry.List())
}

func TestHandleGetSessionProxiesToOwningRemote(t *testing.T) {
	remoteSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/sessions":
			json.NewEncoder(w).Encode([]map[string]string{{"id": "remote-sess-1"}})
		case "/api/sessions/remote-sess-1":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"id": "remote-sess-1", "status": "running"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(remoteSrv.Close)

	registry := hq.NewRegistry(nil)
	t.Cleanup(registry.Shutdown)
	remote, err := registry.Register("node-a", remoteSrv.URL, "tok")
	require.NoError(t, err)
	require.NoError(t, registry.RefreshSessions(remote.ID))

	srv, _ := newAPIServer(t, registry)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/sessions/remote-sess-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "remote-sess-1", body["id"])
}

func TestHandleStreamDeliversRecordingHeaderToClient(t *testing.T) {
	srv, mgr := newAPIServer(t, nil)
	sess, err := mgr.CreateSession(session.Config{Command: []string{"/bin/cat"}, Cols: 80, Rows: 24})
	require.NoError(t, err)
	defer sess.Kill()

	httpSrv := httptest.NewServer(srv.Router())
	defer httpSrv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpSrv.URL+"/api/sessions/"+sess.ID+"/stream", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), `"version"`)
}
