package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	atxp "github.com/atxp-dev/atxp-go"
)

// DefaultRedirectURI is used for registrations when the caller does not
// supply one. Flows that consume the authorization redirect out-of-band
// (device-style approval in the ATXP authorization service) never hit it.
const DefaultRedirectURI = "http://localhost:3000/callback"

// clientMetadata is the RFC 7591 registration request body.
type clientMetadata struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// registrationResponse is the RFC 7591 registration response body.
type registrationResponse struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// Registrar obtains (or reuses) OAuth client credentials for an
// authorization server. For any one issuer at most one registration call is
// in flight at a time; concurrent callers share its result.
type Registrar struct {
	store       Store
	httpClient  *http.Client
	logger      *slog.Logger
	clientName  string
	redirectURI string

	// group deduplicates in-flight registrations per issuer. The key is
	// dropped when the shared call returns, on success and on failure, so
	// a failed registration is retried by the next caller.
	group singleflight.Group
}

// RegistrarOption configures a Registrar.
type RegistrarOption func(*Registrar)

// WithRegistrarHTTPClient sets the HTTP client used for registration calls.
func WithRegistrarHTTPClient(client *http.Client) RegistrarOption {
	return func(r *Registrar) { r.httpClient = client }
}

// WithRegistrarLogger sets the logger.
func WithRegistrarLogger(logger *slog.Logger) RegistrarOption {
	return func(r *Registrar) { r.logger = logger }
}

// WithClientName sets the client_name sent during registration.
func WithClientName(name string) RegistrarOption {
	return func(r *Registrar) { r.clientName = name }
}

// WithRedirectURI sets the redirect URI registered with the server.
func WithRedirectURI(uri string) RegistrarOption {
	return func(r *Registrar) { r.redirectURI = uri }
}

// NewRegistrar creates a registrar backed by the given store.
func NewRegistrar(store Store, opts ...RegistrarOption) *Registrar {
	r := &Registrar{
		store:       store,
		httpClient:  &http.Client{Timeout: DefaultHTTPTimeout},
		logger:      slog.Default(),
		clientName:  "atxp-go",
		redirectURI: DefaultRedirectURI,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ClientCredentials returns credentials for the issuer, registering a new
// client only when none are stored. N concurrent callers for one
// never-before-seen issuer produce exactly one registration call and
// identical credentials; distinct issuers register independently.
func (r *Registrar) ClientCredentials(ctx context.Context, server *AuthorizationServerMeta) (*ClientCredentials, error) {
	creds, err := r.store.GetClientCredentials(ctx, server.Issuer)
	if err != nil {
		return nil, fmt.Errorf("reading client credentials for %s: %w", server.Issuer, err)
	}
	if creds != nil {
		return creds, nil
	}

	result, err, _ := r.group.Do(server.Issuer, func() (interface{}, error) {
		// Another waiter may have completed registration between our store
		// read and joining the group.
		if creds, err := r.store.GetClientCredentials(ctx, server.Issuer); err != nil {
			return nil, err
		} else if creds != nil {
			return creds, nil
		}
		return r.register(ctx, server)
	})
	if err != nil {
		return nil, err
	}
	return result.(*ClientCredentials), nil
}

// register performs the RFC 7591 dynamic registration call and persists the
// resulting credentials.
func (r *Registrar) register(ctx context.Context, server *AuthorizationServerMeta) (*ClientCredentials, error) {
	if server.RegistrationEndpoint == "" {
		return nil, &atxp.RegistrationError{
			Issuer: server.Issuer,
			Err:    fmt.Errorf("authorization server does not support dynamic client registration"),
		}
	}

	body, err := json.Marshal(clientMetadata{
		ClientName:              r.clientName,
		RedirectURIs:            []string{r.redirectURI},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server.RegistrationEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, &atxp.RegistrationError{Issuer: server.Issuer, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &atxp.RegistrationError{Issuer: server.Issuer, Err: err}
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, &atxp.RegistrationError{
			Issuer: server.Issuer,
			Err:    fmt.Errorf("registration endpoint returned status %d: %s", resp.StatusCode, respBody),
		}
	}

	var reg registrationResponse
	if err := json.Unmarshal(respBody, &reg); err != nil {
		return nil, &atxp.RegistrationError{
			Issuer: server.Issuer,
			Err:    fmt.Errorf("parsing registration response: %w", err),
		}
	}
	if reg.ClientID == "" {
		return nil, &atxp.RegistrationError{
			Issuer: server.Issuer,
			Err:    fmt.Errorf("registration response missing client_id"),
		}
	}

	creds := &ClientCredentials{
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		RedirectURI:  r.redirectURI,
	}
	if err := r.store.SaveClientCredentials(ctx, server.Issuer, creds); err != nil {
		return nil, fmt.Errorf("persisting client credentials for %s: %w", server.Issuer, err)
	}

	r.logger.Info("registered OAuth client",
		"issuer", server.Issuer,
		"client_id", reg.ClientID,
		"took", time.Since(start))

	return creds, nil
}
