package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	atxp "github.com/atxp-dev/atxp-go"
)

// DefaultUserID keys stored state for single-user clients.
const DefaultUserID = "default"

// AuthorizeFunc drives the user-facing authorization redirect. It receives
// the fully built authorization URL and returns the code and state from the
// redirect-back. Rendering UI, opening browsers, and callback listening are
// the caller's concern; this package only prepares and consumes PKCE state.
type AuthorizeFunc func(ctx context.Context, authorizationURL string) (code, state string, err error)

// TokenAcquirer runs the authorization-code-with-PKCE exchange and the
// refresh flow, producing bearer tokens bound to a resource.
type TokenAcquirer struct {
	store      Store
	httpClient *http.Client
	logger     *slog.Logger
	authorize  AuthorizeFunc
	userID     string
}

// AcquirerOption configures a TokenAcquirer.
type AcquirerOption func(*TokenAcquirer)

// WithAcquirerHTTPClient sets the HTTP client used for token requests.
func WithAcquirerHTTPClient(client *http.Client) AcquirerOption {
	return func(a *TokenAcquirer) { a.httpClient = client }
}

// WithAcquirerLogger sets the logger.
func WithAcquirerLogger(logger *slog.Logger) AcquirerOption {
	return func(a *TokenAcquirer) { a.logger = logger }
}

// WithAcquirerUserID scopes stored state to a user.
func WithAcquirerUserID(userID string) AcquirerOption {
	return func(a *TokenAcquirer) { a.userID = userID }
}

// NewTokenAcquirer creates a token acquirer. authorize may be nil, in which
// case only stored and refreshable tokens can be produced.
func NewTokenAcquirer(store Store, authorize AuthorizeFunc, opts ...AcquirerOption) *TokenAcquirer {
	a := &TokenAcquirer{
		store:      store,
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		logger:     slog.Default(),
		authorize:  authorize,
		userID:     DefaultUserID,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Token returns a valid access token for the resource, refreshing or
// re-authorizing as needed. A refresh grant is preferred over a fresh
// authorization redirect whenever a refresh token is present.
func (a *TokenAcquirer) Token(ctx context.Context, server *AuthorizationServerMeta, creds *ClientCredentials, resourceURL string) (*Token, error) {
	resourceURL = NormalizeResourceURL(resourceURL)

	stored, err := a.store.GetAccessToken(ctx, a.userID, resourceURL)
	if err != nil {
		return nil, fmt.Errorf("reading access token: %w", err)
	}
	if stored != nil {
		if !stored.NeedsRefresh() && !stored.IsExpired() {
			return stored, nil
		}
		if stored.RefreshToken != "" {
			token, err := a.refresh(ctx, server, creds, stored, resourceURL)
			if err == nil {
				return token, nil
			}
			a.logger.Warn("token refresh failed, falling back to authorization flow",
				"issuer", server.Issuer,
				"error", err)
			if err := a.store.DeleteAccessToken(ctx, a.userID, resourceURL); err != nil {
				a.logger.Warn("discarding stale token failed", "error", err)
			}
		}
	}

	return a.authorizationCodeFlow(ctx, server, creds, resourceURL)
}

// authorizationCodeFlow runs the full PKCE exchange: persist PKCE state,
// delegate the redirect, then consume the callback.
func (a *TokenAcquirer) authorizationCodeFlow(ctx context.Context, server *AuthorizationServerMeta, creds *ClientCredentials, resourceURL string) (*Token, error) {
	if a.authorize == nil {
		return nil, &atxp.TokenExchangeError{
			Issuer: server.Issuer,
			Grant:  "authorization_code",
			Err:    fmt.Errorf("no stored token and no authorize function configured"),
		}
	}

	authURL, state, err := a.StartAuthorization(ctx, server, creds, resourceURL)
	if err != nil {
		return nil, err
	}

	code, returnedState, err := a.authorize(ctx, authURL)
	if err != nil {
		return nil, &atxp.TokenExchangeError{Issuer: server.Issuer, Grant: "authorization_code", Err: err}
	}
	if returnedState == "" {
		returnedState = state
	}

	return a.HandleCallback(ctx, server, creds, returnedState, code)
}

// StartAuthorization generates PKCE material, persists it keyed by
// (userID, state), and returns the authorization URL to drive the user to.
func (a *TokenAcquirer) StartAuthorization(ctx context.Context, server *AuthorizationServerMeta, creds *ClientCredentials, resourceURL string) (authURL, state string, err error) {
	verifier, challenge, err := GeneratePKCE()
	if err != nil {
		return "", "", err
	}
	state, err = GenerateState()
	if err != nil {
		return "", "", err
	}

	u, err := url.Parse(server.AuthorizationEndpoint)
	if err != nil {
		return "", "", fmt.Errorf("invalid authorization endpoint: %w", err)
	}
	query := u.Query()
	query.Set("response_type", "code")
	query.Set("client_id", creds.ClientID)
	query.Set("redirect_uri", creds.RedirectURI)
	query.Set("state", state)
	query.Set("code_challenge", challenge)
	query.Set("code_challenge_method", "S256")
	query.Set("resource", resourceURL)
	u.RawQuery = query.Encode()
	authURL = u.String()

	err = a.store.SavePKCEValues(ctx, a.userID, state, &PKCEValues{
		CodeVerifier:  verifier,
		CodeChallenge: challenge,
		ResourceURL:   resourceURL,
		URL:           authURL,
	})
	if err != nil {
		return "", "", fmt.Errorf("persisting PKCE state: %w", err)
	}
	return authURL, state, nil
}

// HandleCallback consumes the redirect-back. The PKCE values for (userID,
// state) are single use; a repeated callback with the same state fails
// because the values are gone.
func (a *TokenAcquirer) HandleCallback(ctx context.Context, server *AuthorizationServerMeta, creds *ClientCredentials, state, code string) (*Token, error) {
	values, err := a.store.ConsumePKCEValues(ctx, a.userID, state)
	if err != nil {
		return nil, fmt.Errorf("consuming PKCE state: %w", err)
	}
	if values == nil {
		return nil, &atxp.TokenExchangeError{
			Issuer: server.Issuer,
			Grant:  "authorization_code",
			Err:    fmt.Errorf("unknown or already used state %q", state),
		}
	}

	data := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {creds.RedirectURI},
		"client_id":     {creds.ClientID},
		"code_verifier": {values.CodeVerifier},
	}
	if creds.ClientSecret != "" {
		data.Set("client_secret", creds.ClientSecret)
	}

	token, err := a.doTokenRequest(ctx, server.TokenEndpoint, data, values.ResourceURL)
	if err != nil {
		return nil, &atxp.TokenExchangeError{Issuer: server.Issuer, Grant: "authorization_code", Err: err}
	}

	if err := a.store.SaveAccessToken(ctx, a.userID, values.ResourceURL, token); err != nil {
		return nil, fmt.Errorf("persisting access token: %w", err)
	}
	return token, nil
}

// refresh exchanges a refresh token for a new access token.
func (a *TokenAcquirer) refresh(ctx context.Context, server *AuthorizationServerMeta, creds *ClientCredentials, stored *Token, resourceURL string) (*Token, error) {
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {stored.RefreshToken},
		"client_id":     {creds.ClientID},
	}
	if creds.ClientSecret != "" {
		data.Set("client_secret", creds.ClientSecret)
	}

	token, err := a.doTokenRequest(ctx, server.TokenEndpoint, data, resourceURL)
	if err != nil {
		return nil, &atxp.TokenExchangeError{Issuer: server.Issuer, Grant: "refresh_token", Err: err}
	}
	if token.RefreshToken == "" {
		token.RefreshToken = stored.RefreshToken
	}

	if err := a.store.SaveAccessToken(ctx, a.userID, resourceURL, token); err != nil {
		return nil, fmt.Errorf("persisting refreshed token: %w", err)
	}
	return token, nil
}

// Invalidate discards the stored token for a resource. Called on 401 even
// when the token has not reached its stated expiry; the server is
// authoritative.
func (a *TokenAcquirer) Invalidate(ctx context.Context, resourceURL string) error {
	return a.store.DeleteAccessToken(ctx, a.userID, NormalizeResourceURL(resourceURL))
}

// Stored returns the stored token for a resource without triggering any
// flow, or nil when none is stored.
func (a *TokenAcquirer) Stored(ctx context.Context, resourceURL string) (*Token, error) {
	return a.store.GetAccessToken(ctx, a.userID, NormalizeResourceURL(resourceURL))
}

func (a *TokenAcquirer) doTokenRequest(ctx context.Context, tokenEndpoint string, data url.Values, resourceURL string) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("parsing token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	return tr.toToken(resourceURL), nil
}
