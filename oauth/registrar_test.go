package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	atxp "github.com/atxp-dev/atxp-go"
)

// registrationServer counts RFC 7591 registrations and hands out unique
// client ids.
func registrationServer(t *testing.T, count *int32, delay time.Duration) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)

		var meta clientMetadata
		require.NoError(t, json.NewDecoder(r.Body).Decode(&meta))
		assert.NotEmpty(t, meta.ClientName)
		assert.Equal(t, []string{"authorization_code", "refresh_token"}, meta.GrantTypes)
		assert.Equal(t, "none", meta.TokenEndpointAuthMethod)

		if delay > 0 {
			time.Sleep(delay)
		}
		n := atomic.AddInt32(count, 1)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(registrationResponse{ClientID: fmt.Sprintf("client-%d", n)})
	}))
}

func TestRegistrarStoreFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	stored := &ClientCredentials{ClientID: "existing", RedirectURI: DefaultRedirectURI}
	require.NoError(t, store.SaveClientCredentials(ctx, "https://auth.example.com", stored))

	// No HTTP client endpoint exists; a network call would fail loudly.
	registrar := NewRegistrar(store)
	creds, err := registrar.ClientCredentials(ctx, &AuthorizationServerMeta{Issuer: "https://auth.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "existing", creds.ClientID)
}

func TestRegistrarConcurrentCallersOneRegistration(t *testing.T) {
	var count int32
	srv := registrationServer(t, &count, 30*time.Millisecond)
	defer srv.Close()

	store := NewMemoryStore()
	registrar := NewRegistrar(store)
	server := &AuthorizationServerMeta{Issuer: srv.URL, RegistrationEndpoint: srv.URL}

	const callers = 20
	results := make([]*ClientCredentials, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			creds, err := registrar.ClientCredentials(context.Background(), server)
			require.NoError(t, err)
			results[i] = creds
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&count), "one registration for N concurrent callers")
	for _, creds := range results {
		require.NotNil(t, creds)
		assert.Equal(t, results[0].ClientID, creds.ClientID)
	}
}

func TestRegistrarPerIssuerIsolation(t *testing.T) {
	// One shared counter across both issuers, so the handed-out client ids
	// stay globally unique and the total registration count is observable.
	var count int32
	srvA := registrationServer(t, &count, 0)
	defer srvA.Close()
	srvB := registrationServer(t, &count, 0)
	defer srvB.Close()

	registrar := NewRegistrar(NewMemoryStore())

	credsA, err := registrar.ClientCredentials(context.Background(), &AuthorizationServerMeta{Issuer: srvA.URL, RegistrationEndpoint: srvA.URL})
	require.NoError(t, err)
	credsB, err := registrar.ClientCredentials(context.Background(), &AuthorizationServerMeta{Issuer: srvB.URL, RegistrationEndpoint: srvB.URL})
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&count), "one registration per issuer")
	assert.NotEqual(t, credsA.ClientID, credsB.ClientID)

	// Repeat calls reuse the stored credentials for each issuer.
	again, err := registrar.ClientCredentials(context.Background(), &AuthorizationServerMeta{Issuer: srvA.URL, RegistrationEndpoint: srvA.URL})
	require.NoError(t, err)
	assert.Equal(t, credsA.ClientID, again.ClientID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&count))
}

func TestRegistrarFailureRetriedByNextCall(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(registrationResponse{ClientID: "client-after-retry"})
	}))
	defer srv.Close()

	registrar := NewRegistrar(NewMemoryStore())
	server := &AuthorizationServerMeta{Issuer: srv.URL, RegistrationEndpoint: srv.URL}

	_, err := registrar.ClientCredentials(context.Background(), server)
	require.Error(t, err)
	var regErr *atxp.RegistrationError
	assert.True(t, errors.As(err, &regErr))

	// The in-flight dedup key is released on failure, so the next call
	// registers again instead of replaying the cached error.
	creds, err := registrar.ClientCredentials(context.Background(), server)
	require.NoError(t, err)
	assert.Equal(t, "client-after-retry", creds.ClientID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestRegistrarNoRegistrationEndpoint(t *testing.T) {
	registrar := NewRegistrar(NewMemoryStore())
	_, err := registrar.ClientCredentials(context.Background(), &AuthorizationServerMeta{Issuer: "https://auth.example.com"})
	require.Error(t, err)

	var regErr *atxp.RegistrationError
	require.True(t, errors.As(err, &regErr))
	assert.Equal(t, "https://auth.example.com", regErr.Issuer)
}
