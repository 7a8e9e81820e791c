package oauth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreClientCredentials(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	got, err := store.GetClientCredentials(ctx, "https://auth.example.com")
	require.NoError(t, err)
	assert.Nil(t, got)

	creds := &ClientCredentials{ClientID: "client-1", RedirectURI: "http://localhost:3000/callback"}
	require.NoError(t, store.SaveClientCredentials(ctx, "https://auth.example.com", creds))

	got, err = store.GetClientCredentials(ctx, "https://auth.example.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "client-1", got.ClientID)

	// The store hands out copies, not aliases.
	got.ClientID = "mutated"
	again, err := store.GetClientCredentials(ctx, "https://auth.example.com")
	require.NoError(t, err)
	assert.Equal(t, "client-1", again.ClientID)
}

func TestMemoryStorePKCESingleUse(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	values := &PKCEValues{CodeVerifier: "verifier", CodeChallenge: "challenge", ResourceURL: "https://rs.example.com"}
	require.NoError(t, store.SavePKCEValues(ctx, "default", "state-1", values))

	first, err := store.ConsumePKCEValues(ctx, "default", "state-1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "verifier", first.CodeVerifier)

	second, err := store.ConsumePKCEValues(ctx, "default", "state-1")
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestMemoryStorePKCEConcurrentConsume(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.SavePKCEValues(ctx, "default", "state-1", &PKCEValues{CodeVerifier: "v"}))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			values, err := store.ConsumePKCEValues(ctx, "default", "state-1")
			require.NoError(t, err)
			if values != nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins, "exactly one consumer sees the PKCE values")
}

func TestMemoryStoreAccessTokens(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	got, err := store.GetAccessToken(ctx, "default", "https://rs.example.com")
	require.NoError(t, err)
	assert.Nil(t, got)

	token := &Token{AccessToken: "at-1", ExpiresAt: time.Now().Add(time.Hour), ResourceURL: "https://rs.example.com"}
	require.NoError(t, store.SaveAccessToken(ctx, "default", "https://rs.example.com", token))

	got, err = store.GetAccessToken(ctx, "default", "https://rs.example.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "at-1", got.AccessToken)

	// Tokens are keyed per user.
	other, err := store.GetAccessToken(ctx, "someone-else", "https://rs.example.com")
	require.NoError(t, err)
	assert.Nil(t, other)

	require.NoError(t, store.DeleteAccessToken(ctx, "default", "https://rs.example.com"))
	got, err = store.GetAccessToken(ctx, "default", "https://rs.example.com")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTokenExpiry(t *testing.T) {
	fresh := &Token{AccessToken: "at", ExpiresAt: time.Now().Add(time.Hour)}
	assert.False(t, fresh.IsExpired())
	assert.False(t, fresh.NeedsRefresh())

	nearExpiry := &Token{AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Minute)}
	assert.False(t, nearExpiry.IsExpired())
	assert.True(t, nearExpiry.NeedsRefresh())

	expired := &Token{AccessToken: "at", ExpiresAt: time.Now().Add(-time.Minute)}
	assert.True(t, expired.IsExpired())

	// Tokens without a stated expiry never self-expire.
	unbounded := &Token{AccessToken: "at"}
	assert.False(t, unbounded.IsExpired())
	assert.False(t, unbounded.NeedsRefresh())
}

func TestToOAuth2Token(t *testing.T) {
	expiry := time.Now().Add(time.Hour)
	token := &Token{AccessToken: "at", RefreshToken: "rt", ExpiresAt: expiry}

	converted := token.ToOAuth2Token()
	assert.Equal(t, "at", converted.AccessToken)
	assert.Equal(t, "rt", converted.RefreshToken)
	assert.Equal(t, "Bearer", converted.TokenType)
	assert.True(t, converted.Expiry.Equal(expiry))
	assert.True(t, converted.Valid())
}
