package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/xeipuuv/gojsonschema"

	atxp "github.com/atxp-dev/atxp-go"
	"github.com/atxp-dev/atxp-go/destinations"
	"github.com/atxp-dev/atxp-go/oauth"
)

// Defaults for the retry budget and per-attempt timeout. Each signal type
// gets one retry: a fresh token and a settled payment each earn exactly one
// repeat of the tool call.
const (
	DefaultMaxAuthRetries    = 1
	DefaultMaxPaymentRetries = 1
	DefaultAttemptTimeout    = 30 * time.Second
)

// Client wraps an MCP client and transparently satisfies the two gates a
// resource server may raise on a tool call: a missing bearer token (HTTP
// 401) and an application-level payment-required signal.
type Client struct {
	mcpClient   MCPClient
	resourceURL string

	authorizer *oauth.Authorizer
	chain      *destinations.Chain
	makers     []atxp.PaymentMaker

	httpClient *http.Client
	logger     *slog.Logger
	schema     *gojsonschema.Schema

	approvePayment atxp.ApprovePaymentFunc
	onPayment      atxp.OnPaymentFunc
	onAuthorize    atxp.OnAuthorizeFunc

	maxAuthRetries    int
	maxPaymentRetries int
	attemptTimeout    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithOAuth enables the auth leg with the given authorizer.
func WithOAuth(authorizer *oauth.Authorizer) Option {
	return func(c *Client) { c.authorizer = authorizer }
}

// WithDestinationChain sets the resolver chain for the payment leg.
func WithDestinationChain(chain *destinations.Chain) Option {
	return func(c *Client) { c.chain = chain }
}

// WithPaymentMaker appends a payment maker. Makers are tried in
// registration order; a maker that cannot handle any resolved destination
// returns (nil, nil) and the next one is consulted.
func WithPaymentMaker(maker atxp.PaymentMaker) Option {
	return func(c *Client) { c.makers = append(c.makers, maker) }
}

// WithHTTPClient sets the client used for payment-request fetches and
// proof submission.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithApprovePayment installs the approval hook consulted before any
// funds move.
func WithApprovePayment(fn atxp.ApprovePaymentFunc) Option {
	return func(c *Client) { c.approvePayment = fn }
}

// WithOnPayment installs the payment notification hook.
func WithOnPayment(fn atxp.OnPaymentFunc) Option {
	return func(c *Client) { c.onPayment = fn }
}

// WithOnAuthorize installs the authorization notification hook.
func WithOnAuthorize(fn atxp.OnAuthorizeFunc) Option {
	return func(c *Client) { c.onAuthorize = fn }
}

// WithMaxAuthRetries overrides the auth retry budget.
func WithMaxAuthRetries(n int) Option {
	return func(c *Client) { c.maxAuthRetries = n }
}

// WithMaxPaymentRetries overrides the payment retry budget.
func WithMaxPaymentRetries(n int) Option {
	return func(c *Client) { c.maxPaymentRetries = n }
}

// WithAttemptTimeout overrides the per-network-call timeout.
func WithAttemptTimeout(d time.Duration) Option {
	return func(c *Client) { c.attemptTimeout = d }
}

// NewClient creates a payment-aware MCP client for one resource server.
// resourceURL is the server's canonical URL, used to key stored tokens.
func NewClient(mcpClient MCPClient, resourceURL string, opts ...Option) *Client {
	c := &Client{
		mcpClient:         mcpClient,
		resourceURL:       resourceURL,
		httpClient:        http.DefaultClient,
		logger:            slog.Default(),
		schema:            compilePaymentRequestSchema(),
		maxAuthRetries:    DefaultMaxAuthRetries,
		maxPaymentRetries: DefaultMaxPaymentRetries,
		attemptTimeout:    DefaultAttemptTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.chain == nil {
		c.chain = destinations.NewChain(
			[]destinations.Resolver{destinations.NewPassthrough()},
			destinations.WithChainLogger(c.logger),
		)
	}
	return c
}

// MCPClient returns the underlying MCP client.
func (c *Client) MCPClient() MCPClient { return c.mcpClient }

// CallTool invokes a tool, satisfying authorization and payment demands
// along the way. The auth leg runs before the payment leg; each leg
// repeats the call at most its configured retry budget.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*ToolCallResult, error) {
	params := map[string]interface{}{
		"name":      name,
		"arguments": args,
	}

	if c.authorizer != nil {
		token, err := c.authorizer.BearerToken(ctx, c.resourceURL)
		if err != nil {
			c.logger.Warn("stored token lookup failed", "resource", c.resourceURL, "error", err)
		} else if token != "" {
			c.mcpClient.SetBearerToken(token)
		}
	}

	authRetries := 0
	paymentRetries := 0
	var payment *atxp.PaymentResult

	for {
		result, err := c.callOnce(ctx, params)
		if err != nil {
			var unauth *UnauthorizedError
			if !errors.As(err, &unauth) {
				return nil, err
			}
			if c.authorizer == nil || authRetries >= c.maxAuthRetries {
				return nil, &atxp.AuthorizationError{
					ResourceURL: c.resourceURL,
					Attempts:    authRetries + 1,
					Err:         err,
				}
			}
			authRetries++
			if err := c.reauthorize(ctx); err != nil {
				return nil, err
			}
			continue
		}

		signal, err := ExtractPaymentRequired(result)
		if err != nil {
			return nil, fmt.Errorf("extracting payment required signal: %w", err)
		}
		if signal == nil {
			return &ToolCallResult{
				Content:           result.Content,
				IsError:           result.IsError,
				StructuredContent: result.StructuredContent,
				PaymentMade:       payment != nil,
				Payment:           payment,
			}, nil
		}

		if paymentRetries >= c.maxPaymentRetries {
			return nil, &PaymentRequiredError{
				Code:    PaymentRequiredCode,
				Message: fmt.Sprintf("tool %s still demands payment after settling request %s", name, signal.ID),
				Request: signal,
			}
		}
		paymentRetries++

		proof, result2, err := c.settle(ctx, name, signal)
		if err != nil {
			return nil, err
		}
		payment = result2
		params = AttachProofToMeta(params, proof)
	}
}

// callOnce runs a single tool call under the attempt timeout. A 401 is
// surfaced as *UnauthorizedError tagged with the resource URL.
func (c *Client) callOnce(ctx context.Context, params map[string]interface{}) (Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	result, err := c.mcpClient.CallTool(attemptCtx, params)
	if err != nil {
		var unauth *UnauthorizedError
		if errors.As(err, &unauth) && unauth.Resource == "" {
			unauth.Resource = c.resourceURL
		}
		return Result{}, err
	}
	return result, nil
}

// reauthorize runs the full OAuth subsystem after a 401. The stored token
// is dropped first: a 401 invalidates it regardless of its stated expiry.
func (c *Client) reauthorize(ctx context.Context) error {
	if err := c.authorizer.InvalidateToken(ctx, c.resourceURL); err != nil {
		c.logger.Warn("token invalidation failed", "resource", c.resourceURL, "error", err)
	}

	token, meta, err := c.authorizer.Authorize(ctx, c.resourceURL)
	if err != nil {
		return &atxp.AuthorizationError{ResourceURL: c.resourceURL, Attempts: 1, Err: err}
	}
	c.mcpClient.SetBearerToken(token.AccessToken)

	c.notifyAuthorize(atxp.AuthorizeEvent{
		ResourceURL: c.resourceURL,
		Issuer:      meta.Issuer,
	})
	return nil
}

// settle satisfies one payment-required signal: approval, the
// authoritative payment-request document, destination resolution, the
// transfer itself, and proof submission. Returns the signed proof for the
// retried call.
func (c *Client) settle(ctx context.Context, toolName string, signal *atxp.PaymentRequest) (string, *atxp.PaymentResult, error) {
	if c.approvePayment != nil {
		approved, err := c.approvePayment(ctx, *signal)
		if err != nil {
			return "", nil, fmt.Errorf("payment approval hook: %w", err)
		}
		if !approved {
			return "", nil, &atxp.PaymentExecutionError{
				Code:              atxp.ErrCodeUserRejected,
				Retryable:         false,
				ActionableMessage: fmt.Sprintf("payment for tool %s was declined", toolName),
			}
		}
	}

	request, err := c.confirmPaymentRequest(ctx, signal)
	if err != nil {
		return "", nil, err
	}

	if len(c.makers) == 0 {
		return "", nil, &atxp.PaymentExecutionError{
			Code:              atxp.ErrCodeUnsupportedCurrency,
			Retryable:         false,
			ActionableMessage: "no payment makers are registered",
		}
	}

	// Maker capability is part of option selection: an option whose
	// destinations no maker takes falls through to the next offered
	// option. Only a real execution error from a maker ends the walk.
	var maker atxp.PaymentMaker
	var result *atxp.PaymentResult
	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	_, option, err := c.chain.ResolveWith(attemptCtx, request.Accepts, request.ID,
		func(ctx context.Context, _ atxp.PaymentOption, dests []atxp.Destination) (bool, error) {
			for _, m := range c.makers {
				res, err := m.MakePayment(ctx, dests, toolName, request.ID)
				if err != nil {
					return false, err
				}
				if res != nil {
					maker, result = m, res
					return true, nil
				}
			}
			return false, nil
		})
	cancel()
	if err != nil {
		return "", nil, err
	}

	c.notifyPayment(atxp.PaymentAttempt{
		PaymentRequestID: request.ID,
		Network:          result.Chain,
		Currency:         result.Currency,
		Amount:           option.Amount,
		TransactionID:    result.TransactionID,
	})

	proof, err := maker.GenerateJWT(ctx, atxp.ProofParams{
		PaymentRequestID: request.ID,
		CodeChallenge:    request.CodeChallenge,
	})
	if err != nil {
		return "", nil, fmt.Errorf("building payment proof: %w", err)
	}

	submitCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()
	if err := submitProof(submitCtx, c.httpClient, request.ID, request.URL, proof); err != nil {
		return "", nil, err
	}

	c.logger.Info("payment settled",
		"payment_request_id", request.ID,
		"network", result.Chain,
		"tx", result.TransactionID)

	return proof, result, nil
}

// confirmPaymentRequest fetches the authoritative payment-request
// document named by the signal. The embedded signal advertises the
// demand; the document at paymentRequestUrl is what the client trusts
// before moving funds.
func (c *Client) confirmPaymentRequest(ctx context.Context, signal *atxp.PaymentRequest) (*atxp.PaymentRequest, error) {
	if signal.URL == "" {
		return nil, &atxp.ValidationError{
			Field:   "paymentRequestUrl",
			Message: "payment-required signal names no payment request URL",
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	request, err := fetchPaymentRequest(fetchCtx, c.httpClient, c.schema, signal.URL)
	if err != nil {
		return nil, fmt.Errorf("confirming payment request %s: %w", signal.ID, err)
	}
	if request.ID != signal.ID {
		return nil, &atxp.ValidationError{
			Field:   "paymentRequestId",
			Message: fmt.Sprintf("document id %s does not match signal id %s", request.ID, signal.ID),
		}
	}
	if request.CodeChallenge == "" {
		request.CodeChallenge = signal.CodeChallenge
	}
	return request, nil
}

func (c *Client) notifyPayment(attempt atxp.PaymentAttempt) {
	if c.onPayment == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("payment hook panicked", "error", r)
		}
	}()
	c.onPayment(attempt)
}

func (c *Client) notifyAuthorize(event atxp.AuthorizeEvent) {
	if c.onAuthorize == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("authorize hook panicked", "error", r)
		}
	}()
	c.onAuthorize(event)
}
