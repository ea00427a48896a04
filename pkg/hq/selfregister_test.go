package hq

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterSendsNameURLAndBearerThenStoresRemoteID(t *testing.T) {
	var gotAuth string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		assert.Equal(t, "/api/remotes/register", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"id": "remote-42"})
	}))
	defer srv.Close()

	sr := NewSelfRegistration(srv.URL, "my-bearer", "node-a", "http://node-a.local:4020", nil)
	require.NoError(t, sr.Register(context.Background()))

	assert.Equal(t, "Bearer my-bearer", gotAuth)
	assert.Equal(t, "node-a", gotBody["name"])
	assert.Equal(t, "http://node-a.local:4020", gotBody["url"])
	assert.Equal(t, "my-bearer", gotBody["bearer"])
	assert.Equal(t, "remote-42", sr.remoteID)
}

func TestRegisterFailsOnNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("nope"))
	}))
	defer srv.Close()

	sr := NewSelfRegistration(srv.URL, "bad-bearer", "node-a", "http://node-a.local", nil)
	err := sr.Register(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestUnregisterIsNoopWhenRegisterNeverSucceeded(t *testing.T) {
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	sr := NewSelfRegistration(srv.URL, "bearer", "node-a", "http://node-a.local", nil)
	sr.Unregister(context.Background())
	assert.False(t, called)
}

func TestUnregisterSendsDeleteForRegisteredRemote(t *testing.T) {
	var gotMethod, gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/remotes/register" {
			json.NewEncoder(w).Encode(map[string]string{"id": "remote-7"})
			return
		}
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sr := NewSelfRegistration(srv.URL, "bearer-x", "node-a", "http://node-a.local", nil)
	require.NoError(t, sr.Register(context.Background()))

	sr.Unregister(context.Background())
	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "/api/remotes/remote-7", gotPath)
	assert.Equal(t, "Bearer bearer-x", gotAuth)
}
