package oauth

import (
	"context"
	"log/slog"
	"net/http"
)

// Authorizer ties discovery, registration, and token acquisition together
// behind the one call the orchestrator makes on a 401. State lives in the
// injected Store and in per-instance caches; tests instantiate isolated
// Authorizers rather than sharing ambient globals.
type Authorizer struct {
	resolver  *Resolver
	registrar *Registrar
	acquirer  *TokenAcquirer
	logger    *slog.Logger
}

// AuthorizerConfig configures an Authorizer. Zero values get sensible
// defaults: an in-memory store, the default HTTP client, slog.Default().
type AuthorizerConfig struct {
	Store      Store
	Authorize  AuthorizeFunc
	HTTPClient *http.Client
	Logger     *slog.Logger
	UserID     string
	ClientName string
}

// NewAuthorizer wires a Resolver, Registrar, and TokenAcquirer over one
// store.
func NewAuthorizer(cfg AuthorizerConfig) *Authorizer {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if cfg.UserID == "" {
		cfg.UserID = DefaultUserID
	}

	registrarOpts := []RegistrarOption{
		WithRegistrarHTTPClient(cfg.HTTPClient),
		WithRegistrarLogger(cfg.Logger),
	}
	if cfg.ClientName != "" {
		registrarOpts = append(registrarOpts, WithClientName(cfg.ClientName))
	}

	return &Authorizer{
		resolver: NewResolver(
			WithResolverHTTPClient(cfg.HTTPClient),
			WithResolverLogger(cfg.Logger),
		),
		registrar: NewRegistrar(cfg.Store, registrarOpts...),
		acquirer: NewTokenAcquirer(cfg.Store, cfg.Authorize,
			WithAcquirerHTTPClient(cfg.HTTPClient),
			WithAcquirerLogger(cfg.Logger),
			WithAcquirerUserID(cfg.UserID),
		),
		logger: cfg.Logger,
	}
}

// BearerToken returns the stored, still-usable token for a resource, or ""
// when none is stored. No network flow is triggered.
func (a *Authorizer) BearerToken(ctx context.Context, resourceURL string) (string, error) {
	token, err := a.acquirer.Stored(ctx, resourceURL)
	if err != nil {
		return "", err
	}
	if token == nil || token.IsExpired() {
		return "", nil
	}
	return token.AccessToken, nil
}

// Authorize runs the full recovery flow for a 401: discover the
// authorization server, obtain client credentials, and acquire a token.
func (a *Authorizer) Authorize(ctx context.Context, resourceURL string) (*Token, *AuthorizationServerMeta, error) {
	server, err := a.resolver.ResolveAuthorizationServer(ctx, resourceURL)
	if err != nil {
		return nil, nil, err
	}

	creds, err := a.registrar.ClientCredentials(ctx, server)
	if err != nil {
		return nil, nil, err
	}

	token, err := a.acquirer.Token(ctx, server, creds, resourceURL)
	if err != nil {
		return nil, nil, err
	}
	return token, server, nil
}

// InvalidateToken discards the stored token for a resource.
func (a *Authorizer) InvalidateToken(ctx context.Context, resourceURL string) error {
	return a.acquirer.Invalidate(ctx, resourceURL)
}

// Resolver exposes the discovery layer, mostly for tests and diagnostics.
func (a *Authorizer) Resolver() *Resolver { return a.resolver }

// Registrar exposes the registration layer.
func (a *Authorizer) Registrar() *Registrar { return a.registrar }

// Acquirer exposes the token layer, e.g. for callback handling in hosts
// that run their own redirect endpoint.
func (a *Authorizer) Acquirer() *TokenAcquirer { return a.acquirer }
