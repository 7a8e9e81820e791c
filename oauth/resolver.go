package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	atxp "github.com/atxp-dev/atxp-go"
)

const (
	// DefaultHTTPTimeout bounds each discovery, registration, and token
	// request.
	DefaultHTTPTimeout = 30 * time.Second

	// DefaultMetadataCacheTTL is how long a discovered authorization server
	// is reused for a resource before re-discovery.
	DefaultMetadataCacheTTL = 30 * time.Minute
)

// httpStatusError is a non-2xx response from a metadata endpoint.
type httpStatusError struct {
	URL        string
	StatusCode int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.URL, e.StatusCode)
}

func isNotFound(err error) bool {
	var statusErr *httpStatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound
}

// isBlockedRequestError reports whether a transport error looks like the
// platform (not the server) refused to perform the request. Embedded and
// mobile webview environments surface these as "request interrupted" or
// "load failed"; only these trigger the direct-fetch fallback.
func isBlockedRequestError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "request interrupted") ||
		strings.Contains(msg, "load failed")
}

type resolverCacheEntry struct {
	meta      *AuthorizationServerMeta
	fetchedAt time.Time
}

// Resolver discovers the authorization server responsible for a resource
// URL via protected-resource metadata, with layered fallbacks for
// environments that block standard discovery.
type Resolver struct {
	httpClient *http.Client
	// directClient performs the minimal fallback fetches. It deliberately
	// shares nothing with httpClient so an interfering transport wrapper
	// cannot block it too.
	directClient *http.Client
	logger       *slog.Logger

	cacheMu  sync.RWMutex
	cache    map[string]*resolverCacheEntry
	cacheTTL time.Duration

	group singleflight.Group
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithResolverHTTPClient sets the client used for primary discovery.
func WithResolverHTTPClient(client *http.Client) ResolverOption {
	return func(r *Resolver) { r.httpClient = client }
}

// WithResolverLogger sets the logger.
func WithResolverLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = logger }
}

// WithResolverCacheTTL sets how long discovered metadata is reused.
func WithResolverCacheTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) { r.cacheTTL = ttl }
}

// NewResolver creates an authorization-server resolver.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		httpClient:   &http.Client{Timeout: DefaultHTTPTimeout},
		directClient: &http.Client{Timeout: DefaultHTTPTimeout},
		logger:       slog.Default(),
		cache:        make(map[string]*resolverCacheEntry),
		cacheTTL:     DefaultMetadataCacheTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NormalizeResourceURL collapses any run of trailing slashes so that
// discovery paths join with exactly one slash.
func NormalizeResourceURL(resourceURL string) string {
	return strings.TrimRight(resourceURL, "/")
}

// ProtectedResourceMetadataURL builds the RFC 9728 well-known URL for a
// resource: {origin}/.well-known/oauth-protected-resource{path}.
func ProtectedResourceMetadataURL(resourceURL string) (string, error) {
	normalized := NormalizeResourceURL(resourceURL)
	u, err := url.Parse(normalized)
	if err != nil {
		return "", fmt.Errorf("invalid resource URL %q: %w", resourceURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("resource URL %q must be absolute", resourceURL)
	}
	return u.Scheme + "://" + u.Host + "/.well-known/oauth-protected-resource" + u.Path, nil
}

func originOf(resourceURL string) (string, error) {
	u, err := url.Parse(resourceURL)
	if err != nil {
		return "", err
	}
	return u.Scheme + "://" + u.Host, nil
}

// ResolveAuthorizationServer discovers the authorization server for a
// resource. Results are cached per resource with a TTL; concurrent calls
// for the same resource share one discovery.
func (r *Resolver) ResolveAuthorizationServer(ctx context.Context, resourceURL string) (*AuthorizationServerMeta, error) {
	resourceURL = NormalizeResourceURL(resourceURL)

	r.cacheMu.RLock()
	if entry, ok := r.cache[resourceURL]; ok && time.Since(entry.fetchedAt) < r.cacheTTL {
		r.cacheMu.RUnlock()
		return entry.meta, nil
	}
	r.cacheMu.RUnlock()

	result, err, _ := r.group.Do(resourceURL, func() (interface{}, error) {
		meta, err := r.discover(ctx, resourceURL)
		if err != nil {
			return nil, err
		}
		r.cacheMu.Lock()
		r.cache[resourceURL] = &resolverCacheEntry{meta: meta, fetchedAt: time.Now()}
		r.cacheMu.Unlock()
		return meta, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*AuthorizationServerMeta), nil
}

// discover runs the primary discovery path and, when the platform blocks
// it or the server predates protected-resource metadata, the fallbacks.
// On total failure the primary error is propagated since it is normally
// the most diagnostic.
func (r *Resolver) discover(ctx context.Context, resourceURL string) (*AuthorizationServerMeta, error) {
	prmURL, err := ProtectedResourceMetadataURL(resourceURL)
	if err != nil {
		return nil, &atxp.DiscoveryError{ResourceURL: resourceURL, Err: err}
	}

	meta, primaryErr := r.discoverVia(ctx, r.httpClient, prmURL)
	if primaryErr == nil {
		return meta, nil
	}

	switch {
	case isBlockedRequestError(primaryErr):
		r.logger.Warn("primary discovery blocked by platform, retrying with direct fetch",
			"resource", resourceURL,
			"error", primaryErr)

		meta, err := r.discoverVia(ctx, r.directClient, prmURL)
		if err == nil {
			return meta, nil
		}
		if isNotFound(err) {
			if meta, err := r.discoverLegacyOrigin(ctx, resourceURL); err == nil {
				return meta, nil
			}
		} else {
			r.logger.Warn("direct protected-resource discovery failed",
				"resource", resourceURL,
				"error", err)
		}

	case isNotFound(primaryErr):
		if meta, err := r.discoverLegacyOrigin(ctx, resourceURL); err == nil {
			return meta, nil
		}
	}

	return nil, &atxp.DiscoveryError{ResourceURL: resourceURL, Err: primaryErr}
}

// discoverVia fetches protected-resource metadata with the given client and
// follows the authorization-server reference it names.
func (r *Resolver) discoverVia(ctx context.Context, client *http.Client, prmURL string) (*AuthorizationServerMeta, error) {
	var prm ProtectedResourceMeta
	if err := r.fetchJSON(ctx, client, prmURL, &prm); err != nil {
		return nil, err
	}
	if len(prm.AuthorizationServers) == 0 {
		return nil, fmt.Errorf("%s names no authorization servers", prmURL)
	}
	return r.fetchServerMeta(ctx, client, prm.AuthorizationServers[0])
}

// discoverLegacyOrigin treats the resource origin itself as the
// authorization server, for servers that never adopted protected-resource
// metadata but expose .well-known/oauth-authorization-server directly.
func (r *Resolver) discoverLegacyOrigin(ctx context.Context, resourceURL string) (*AuthorizationServerMeta, error) {
	origin, err := originOf(resourceURL)
	if err != nil {
		return nil, err
	}

	r.logger.Warn("protected-resource metadata missing, treating resource origin as authorization server",
		"resource", resourceURL,
		"origin", origin)

	return r.fetchServerMeta(ctx, r.directClient, origin)
}

// fetchServerMeta fetches authorization-server metadata for an issuer,
// trying RFC 8414 first and OpenID Connect discovery second.
func (r *Resolver) fetchServerMeta(ctx context.Context, client *http.Client, issuer string) (*AuthorizationServerMeta, error) {
	issuer = strings.TrimSuffix(issuer, "/")

	var meta AuthorizationServerMeta
	err := r.fetchJSON(ctx, client, issuer+"/.well-known/oauth-authorization-server", &meta)
	if err == nil {
		return &meta, nil
	}

	r.logger.Debug("RFC 8414 metadata fetch failed, trying OIDC discovery",
		"issuer", issuer,
		"error", err)

	if oidcErr := r.fetchJSON(ctx, client, issuer+"/.well-known/openid-configuration", &meta); oidcErr == nil {
		return &meta, nil
	}
	return nil, fmt.Errorf("fetching authorization server metadata for %s: %w", issuer, err)
}

func (r *Resolver) fetchJSON(ctx context.Context, client *http.Client, fetchURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &httpStatusError{URL: fetchURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parsing %s: %w", fetchURL, err)
	}
	return nil
}

// ClearCache drops all cached discovery results.
func (r *Resolver) ClearCache() {
	r.cacheMu.Lock()
	r.cache = make(map[string]*resolverCacheEntry)
	r.cacheMu.Unlock()
}
