package oauth

import (
	"time"

	"golang.org/x/oauth2"
)

// DefaultExpiryMargin accounts for clock skew and network latency when
// checking token expiry.
const DefaultExpiryMargin = 30 * time.Second

// TokenRefreshThreshold is how long before expiry a token is proactively
// refreshed when a refresh token is available.
const TokenRefreshThreshold = 5 * time.Minute

// AuthorizationServerMeta is the subset of RFC 8414 authorization-server
// metadata the client needs. It is immutable once discovered for a resource
// within one orchestration run.
type AuthorizationServerMeta struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	IntrospectionEndpoint string `json:"introspection_endpoint,omitempty"`
	RegistrationEndpoint  string `json:"registration_endpoint,omitempty"`
}

// ProtectedResourceMeta is the RFC 9728 protected-resource metadata document
// a resource server publishes to name its authorization server(s).
type ProtectedResourceMeta struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
}

// ClientCredentials is one dynamic client registration, one per issuer.
// Created once, reused indefinitely; deleted only by explicit external
// action.
type ClientCredentials struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret,omitempty"`
	RedirectURI  string `json:"redirectUri"`
}

// PKCEValues is the per-authorization PKCE state, keyed by (userID, state).
// Saved at redirect time, consumed exactly once at code-exchange time.
type PKCEValues struct {
	CodeVerifier  string `json:"codeVerifier"`
	CodeChallenge string `json:"codeChallenge"`
	ResourceURL   string `json:"resourceUrl"`
	URL           string `json:"url"`
}

// Token is a bearer token bound to a resource, keyed by (userID,
// resourceURL).
type Token struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
	ResourceURL  string    `json:"resourceUrl"`
}

// IsExpired reports whether the token is expired or expires within the
// default margin. Tokens without a stated expiry never self-expire; the
// resource server remains authoritative via 401.
func (t *Token) IsExpired() bool {
	return t.IsExpiredWithMargin(DefaultExpiryMargin)
}

// IsExpiredWithMargin reports expiry relative to now plus margin.
func (t *Token) IsExpiredWithMargin(margin time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(margin).After(t.ExpiresAt)
}

// NeedsRefresh reports whether the token should be proactively refreshed.
func (t *Token) NeedsRefresh() bool {
	return t.RefreshToken != "" && t.IsExpiredWithMargin(TokenRefreshThreshold)
}

// ToOAuth2Token converts to a golang.org/x/oauth2 token so callers can feed
// it into oauth2-aware HTTP stacks.
func (t *Token) ToOAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: t.RefreshToken,
		Expiry:       t.ExpiresAt,
	}
}

// tokenResponse is the token-endpoint wire format.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

func (r *tokenResponse) toToken(resourceURL string) *Token {
	t := &Token{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ResourceURL:  resourceURL,
	}
	if r.ExpiresIn > 0 {
		t.ExpiresAt = time.Now().Add(time.Duration(r.ExpiresIn) * time.Second)
	}
	return t
}
