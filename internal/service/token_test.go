package service

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/model"
)

type fakeSecrets struct {
	mu      sync.Mutex
	secrets map[string]string
	calls   int
}

func (f *fakeSecrets) GetTenantSecret(_ context.Context, tenantID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	s, ok := f.secrets[tenantID]
	if !ok {
		return "", fmt.Errorf("no secret for %s", tenantID)
	}
	return s, nil
}

func testTenant(id string) *model.Tenant {
	return &model.Tenant{ID: id, DirectoryID: "dir-" + id, ClientID: "client-" + id, Enabled: true}
}

// TestTokenBroker_CachesToken verifies a second call reuses the cached token
// without hitting the identity endpoint again.
func TestTokenBroker_CachesToken(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":3600}`, atomic.LoadInt64(&hits))
	}))
	defer srv.Close()

	broker := NewTokenBroker(srv.URL, 2*time.Minute, "scope", &fakeSecrets{secrets: map[string]string{"t1": "s1"}}, nil)

	tok1, err := broker.Token(context.Background(), testTenant("t1"))
	require.NoError(t, err)
	tok2, err := broker.Token(context.Background(), testTenant("t1"))
	require.NoError(t, err)

	assert.Equal(t, tok1, tok2)
	assert.Equal(t, int64(1), atomic.LoadInt64(&hits))
}

// TestTokenBroker_RefreshesInsideMargin verifies a token expiring within the
// margin is treated as stale.
func TestTokenBroker_RefreshesInsideMargin(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		// 60s lifetime is inside a 2m margin, so every call refetches.
		fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":60}`, atomic.LoadInt64(&hits))
	}))
	defer srv.Close()

	broker := NewTokenBroker(srv.URL, 2*time.Minute, "scope", &fakeSecrets{secrets: map[string]string{"t1": "s1"}}, nil)

	tok1, err := broker.Token(context.Background(), testTenant("t1"))
	require.NoError(t, err)
	tok2, err := broker.Token(context.Background(), testTenant("t1"))
	require.NoError(t, err)

	assert.NotEqual(t, tok1, tok2)
	assert.Equal(t, int64(2), atomic.LoadInt64(&hits))
}

// TestTokenBroker_PerTenantIsolation verifies tenants get separate cache
// entries.
func TestTokenBroker_PerTenantIsolation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		fmt.Fprintf(w, `{"access_token":"tok-%s","expires_in":3600}`, r.Form.Get("client_id"))
	}))
	defer srv.Close()

	broker := NewTokenBroker(srv.URL, time.Minute, "scope",
		&fakeSecrets{secrets: map[string]string{"t1": "s1", "t2": "s2"}}, nil)

	tok1, err := broker.Token(context.Background(), testTenant("t1"))
	require.NoError(t, err)
	tok2, err := broker.Token(context.Background(), testTenant("t2"))
	require.NoError(t, err)

	assert.Equal(t, "tok-client-t1", tok1)
	assert.Equal(t, "tok-client-t2", tok2)
}

// TestTokenBroker_SingleFlight verifies concurrent callers for the same
// tenant collapse into one exchange.
func TestTokenBroker_SingleFlight(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		time.Sleep(50 * time.Millisecond)
		fmt.Fprint(w, `{"access_token":"tok","expires_in":3600}`)
	}))
	defer srv.Close()

	broker := NewTokenBroker(srv.URL, time.Minute, "scope", &fakeSecrets{secrets: map[string]string{"t1": "s1"}}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := broker.Token(context.Background(), testTenant("t1"))
			assert.NoError(t, err)
			assert.Equal(t, "tok", tok)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&hits))
}

// TestTokenBroker_RejectedCredentials verifies a 401 surfaces as an auth
// error and is not cached.
func TestTokenBroker_RejectedCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	broker := NewTokenBroker(srv.URL, time.Minute, "scope", &fakeSecrets{secrets: map[string]string{"t1": "bad"}}, nil)

	_, err := broker.Token(context.Background(), testTenant("t1"))
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
}

// TestTokenBroker_ServerErrorIsTransient verifies a 503 maps to a retryable
// remote error, not an auth error.
func TestTokenBroker_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	broker := NewTokenBroker(srv.URL, time.Minute, "scope", &fakeSecrets{secrets: map[string]string{"t1": "s1"}}, nil)

	_, err := broker.Token(context.Background(), testTenant("t1"))
	require.Error(t, err)
	assert.False(t, IsAuthError(err))
	assert.True(t, IsTransient(err))
}

// TestTokenBroker_Invalidate verifies invalidation forces a fresh exchange.
func TestTokenBroker_Invalidate(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		fmt.Fprint(w, `{"access_token":"tok","expires_in":3600}`)
	}))
	defer srv.Close()

	broker := NewTokenBroker(srv.URL, time.Minute, "scope", &fakeSecrets{secrets: map[string]string{"t1": "s1"}}, nil)

	_, err := broker.Token(context.Background(), testTenant("t1"))
	require.NoError(t, err)
	broker.Invalidate("t1")
	_, err = broker.Token(context.Background(), testTenant("t1"))
	require.NoError(t, err)

	assert.Equal(t, int64(2), atomic.LoadInt64(&hits))
}
