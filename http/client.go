// Package http wraps a standard *http.Client so that plain HTTP resources
// gated the same way as MCP tools — a 401 for authorization, a 402 with an
// embedded payment request for payment — are handled transparently. It
// shares the oauth and destinations subsystems with the MCP client.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	atxp "github.com/atxp-dev/atxp-go"
	"github.com/atxp-dev/atxp-go/destinations"
	"github.com/atxp-dev/atxp-go/oauth"
)

// PaymentProofHeader carries the signed payment proof on the retried
// request.
const PaymentProofHeader = "X-Payment-Proof"

// maxBufferedBody bounds how much of a request body is buffered for
// replay on retry.
const maxBufferedBody = 4 << 20

// Transport is an http.RoundTripper that satisfies authorization and
// payment gates before surfacing a response. Each gate earns at most one
// retry of the request.
type Transport struct {
	base       http.RoundTripper
	authorizer *oauth.Authorizer
	chain      *destinations.Chain
	makers     []atxp.PaymentMaker
	proofHTTP  *http.Client
	logger     *slog.Logger

	approvePayment atxp.ApprovePaymentFunc
}

// Option configures a Transport.
type Option func(*Transport)

// WithOAuth enables the auth leg.
func WithOAuth(authorizer *oauth.Authorizer) Option {
	return func(t *Transport) { t.authorizer = authorizer }
}

// WithDestinationChain sets the resolver chain for the payment leg.
func WithDestinationChain(chain *destinations.Chain) Option {
	return func(t *Transport) { t.chain = chain }
}

// WithPaymentMaker appends a payment maker, tried in registration order.
func WithPaymentMaker(maker atxp.PaymentMaker) Option {
	return func(t *Transport) { t.makers = append(t.makers, maker) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// WithApprovePayment installs the approval hook consulted before any funds
// move on a 402.
func WithApprovePayment(fn atxp.ApprovePaymentFunc) Option {
	return func(t *Transport) { t.approvePayment = fn }
}

// WithProofHTTPClient sets the client used for proof submission. It must
// not be the wrapped client itself.
func WithProofHTTPClient(client *http.Client) Option {
	return func(t *Transport) { t.proofHTTP = client }
}

// NewTransport creates a Transport over base, or http.DefaultTransport
// when base is nil.
func NewTransport(base http.RoundTripper, opts ...Option) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	t := &Transport{
		base:      base,
		proofHTTP: http.DefaultClient,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.chain == nil {
		t.chain = destinations.NewChain(
			[]destinations.Resolver{destinations.NewPassthrough()},
			destinations.WithChainLogger(t.logger),
		)
	}
	return t
}

// WrapClient returns client with its transport replaced by a payment and
// authorization aware one. A nil client wraps http.DefaultTransport into
// a fresh client.
func WrapClient(client *http.Client, opts ...Option) *http.Client {
	if client == nil {
		client = &http.Client{}
	}
	client.Transport = NewTransport(client.Transport, opts...)
	return client
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	resource := resourceURL(req.URL)
	bearer := ""
	if t.authorizer != nil {
		if stored, err := t.authorizer.BearerToken(req.Context(), resource); err == nil {
			bearer = stored
		}
	}

	authDone := false
	paymentDone := false
	proof := ""

	for {
		attempt := cloneRequest(req, body)
		if proof != "" {
			attempt.Header.Set(PaymentProofHeader, proof)
		}
		if bearer != "" && attempt.Header.Get("Authorization") == "" {
			attempt.Header.Set("Authorization", "Bearer "+bearer)
		}

		resp, err := t.base.RoundTrip(attempt)
		if err != nil {
			return nil, err
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized && t.authorizer != nil && !authDone:
			authDone = true
			drain(resp)
			token, err := t.reauthorize(req, resource)
			if err != nil {
				return nil, err
			}
			bearer = token

		case resp.StatusCode == http.StatusPaymentRequired && len(t.makers) > 0 && !paymentDone:
			paymentDone = true
			signal, err := readPaymentRequired(resp)
			if err != nil {
				return nil, err
			}
			proof, err = t.settle(req, signal)
			if err != nil {
				return nil, err
			}

		default:
			return resp, nil
		}
	}
}

func (t *Transport) reauthorize(req *http.Request, resource string) (string, error) {
	ctx := req.Context()
	if err := t.authorizer.InvalidateToken(ctx, resource); err != nil {
		t.logger.Warn("token invalidation failed", "resource", resource, "error", err)
	}
	token, _, err := t.authorizer.Authorize(ctx, resource)
	if err != nil {
		return "", &atxp.AuthorizationError{ResourceURL: resource, Attempts: 1, Err: err}
	}
	return token.AccessToken, nil
}

func (t *Transport) settle(req *http.Request, signal *atxp.PaymentRequest) (string, error) {
	ctx := req.Context()

	if t.approvePayment != nil {
		approved, err := t.approvePayment(ctx, *signal)
		if err != nil {
			return "", fmt.Errorf("payment approval hook: %w", err)
		}
		if !approved {
			return "", &atxp.PaymentExecutionError{
				Code:              atxp.ErrCodeUserRejected,
				Retryable:         false,
				ActionableMessage: fmt.Sprintf("payment for %s was declined", req.URL),
			}
		}
	}

	// An option whose destinations no maker takes falls through to the
	// next offered option rather than ending the walk.
	var maker atxp.PaymentMaker
	var result *atxp.PaymentResult
	_, _, err := t.chain.ResolveWith(ctx, signal.Accepts, signal.ID,
		func(ctx context.Context, _ atxp.PaymentOption, dests []atxp.Destination) (bool, error) {
			for _, m := range t.makers {
				res, err := m.MakePayment(ctx, dests, req.URL.String(), signal.ID)
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
	if err != nil {
		return "", err
	}

	proof, err := maker.GenerateJWT(ctx, atxp.ProofParams{
		PaymentRequestID: signal.ID,
		CodeChallenge:    signal.CodeChallenge,
	})
	if err != nil {
		return "", fmt.Errorf("building payment proof: %w", err)
	}

	if signal.URL != "" {
		submitReq, err := http.NewRequestWithContext(ctx, http.MethodPut, signal.URL, bytes.NewReader([]byte("{}")))
		if err != nil {
			return "", &atxp.ProofSubmissionError{PaymentRequestID: signal.ID, Err: err}
		}
		submitReq.Header.Set("Authorization", "Bearer "+proof)
		submitReq.Header.Set("Content-Type", "application/json")

		resp, err := t.proofHTTP.Do(submitReq)
		if err != nil {
			return "", &atxp.ProofSubmissionError{PaymentRequestID: signal.ID, Err: err}
		}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return "", &atxp.ProofSubmissionError{
				PaymentRequestID: signal.ID,
				StatusCode:       resp.StatusCode,
				Body:             string(respBody),
			}
		}
	}

	t.logger.Info("payment settled",
		"payment_request_id", signal.ID,
		"network", result.Chain,
		"tx", result.TransactionID)

	return proof, nil
}

// readPaymentRequired decodes the payment request embedded in a 402
// response body.
func readPaymentRequired(resp *http.Response) (*atxp.PaymentRequest, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading 402 response body: %w", err)
	}

	var signal atxp.PaymentRequest
	if err := json.Unmarshal(body, &signal); err != nil {
		return nil, &atxp.ValidationError{Field: "paymentRequest", Message: err.Error()}
	}
	if signal.ID == "" || len(signal.Accepts) == 0 {
		return nil, &atxp.ValidationError{
			Field:   "paymentRequest",
			Message: "402 response carries no payment request",
		}
	}
	return &signal, nil
}

// bufferBody reads the request body into memory so the request can be
// replayed. Requests with a GetBody func are left alone.
func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBufferedBody))
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("buffering request body: %w", err)
	}
	return body, nil
}

func cloneRequest(req *http.Request, body []byte) *http.Request {
	clone := req.Clone(req.Context())
	switch {
	case body != nil:
		clone.Body = io.NopCloser(bytes.NewReader(body))
		clone.ContentLength = int64(len(body))
	case req.GetBody != nil:
		if fresh, err := req.GetBody(); err == nil {
			clone.Body = fresh
		}
	}
	return clone
}

func resourceURL(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
