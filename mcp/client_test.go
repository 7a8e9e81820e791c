package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	atxp "github.com/atxp-dev/atxp-go"
	"github.com/atxp-dev/atxp-go/oauth"
)

// fakeMCPClient pops one scripted step per CallTool and records everything
// the orchestrator does to it.
type fakeMCPClient struct {
	mu     sync.Mutex
	steps  []scriptedStep
	calls  []map[string]interface{}
	tokens []string
}

type scriptedStep struct {
	result Result
	err    error
}

func (f *fakeMCPClient) CallTool(_ context.Context, params map[string]interface{}) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, params)
	if len(f.steps) == 0 {
		return Result{}, fmt.Errorf("no scripted step for call %d", len(f.calls))
	}
	step := f.steps[0]
	f.steps = f.steps[1:]
	return step.result, step.err
}

func (f *fakeMCPClient) SetBearerToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
}

func (f *fakeMCPClient) ListTools(context.Context) (interface{}, error) { return nil, nil }
func (f *fakeMCPClient) Ping(context.Context) error                    { return nil }
func (f *fakeMCPClient) Close(context.Context) error                   { return nil }

func (f *fakeMCPClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeMCPClient) lastCall() map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

// fakeMaker pays any destination on its network and returns a canned
// transaction id and proof.
type fakeMaker struct {
	network  atxp.Network
	payments []string
	proofs   []atxp.ProofParams
	payErr   error
}

func (m *fakeMaker) MakePayment(_ context.Context, dests []atxp.Destination, _ string, paymentRequestID string) (*atxp.PaymentResult, error) {
	if m.payErr != nil {
		return nil, m.payErr
	}
	for _, d := range dests {
		if d.Chain != m.network {
			continue
		}
		m.payments = append(m.payments, paymentRequestID)
		return &atxp.PaymentResult{
			TransactionID: "tx-" + paymentRequestID,
			Chain:         d.Chain,
			Currency:      d.Currency,
		}, nil
	}
	return nil, nil
}

func (m *fakeMaker) GenerateJWT(_ context.Context, params atxp.ProofParams) (string, error) {
	m.proofs = append(m.proofs, params)
	return "proof-" + params.PaymentRequestID, nil
}

func (m *fakeMaker) SourceAddress(context.Context) (string, error) { return "0xfake", nil }

// paymentServer serves the authoritative payment-request document and
// records proof submissions.
type paymentServer struct {
	srv      *httptest.Server
	mu       sync.Mutex
	proofs   []string
	docID    string
	networks []string
}

func newPaymentServer(t *testing.T, docID string, networks ...string) *paymentServer {
	t.Helper()
	if len(networks) == 0 {
		networks = []string{"base"}
	}
	ps := &paymentServer{docID: docID, networks: networks}
	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			accepts := make([]map[string]interface{}, 0, len(ps.networks))
			for _, network := range ps.networks {
				accepts = append(accepts, map[string]interface{}{
					"network": network, "currency": "USDC", "address": "0xdest", "amount": "1.50",
				})
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"paymentRequestId": ps.docID,
				"accepts":          accepts,
			})
		case http.MethodPut:
			ps.mu.Lock()
			ps.proofs = append(ps.proofs, r.Header.Get("Authorization"))
			ps.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *paymentServer) proofCount() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.proofs)
}

func paymentRequiredResult(id, docURL string) Result {
	signal, _ := json.Marshal(map[string]interface{}{
		"paymentRequestId":  id,
		"paymentRequestUrl": docURL,
		"accepts": []map[string]interface{}{
			{"network": "base", "currency": "USDC", "address": "0xdest", "amount": "1.50"},
		},
	})
	return Result{
		IsError: true,
		Content: []ContentItem{{Type: "text", Text: string(signal)}},
	}
}

func successResult(text string) Result {
	return Result{Content: []ContentItem{{Type: "text", Text: text}}}
}

func TestCallToolFreePassthrough(t *testing.T) {
	fake := &fakeMCPClient{steps: []scriptedStep{{result: successResult("ok")}}}
	client := NewClient(fake, "https://rs.example.com")

	result, err := client.CallTool(context.Background(), "search", map[string]interface{}{"q": "go"})
	require.NoError(t, err)
	assert.False(t, result.PaymentMade)
	assert.Nil(t, result.Payment)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "ok", result.Content[0].Text)

	assert.Equal(t, 1, fake.callCount())
	call := fake.lastCall()
	assert.Equal(t, "search", call["name"])
	assert.Equal(t, map[string]interface{}{"q": "go"}, call["arguments"])
}

func TestCallToolPaymentLeg(t *testing.T) {
	ps := newPaymentServer(t, "pr_1")
	fake := &fakeMCPClient{steps: []scriptedStep{
		{result: paymentRequiredResult("pr_1", ps.srv.URL)},
		{result: successResult("paid content")},
	}}

	maker := &fakeMaker{network: atxp.NetworkBase}
	approved := 0
	var attempts []atxp.PaymentAttempt

	client := NewClient(fake, "https://rs.example.com",
		WithPaymentMaker(maker),
		WithApprovePayment(func(_ context.Context, req atxp.PaymentRequest) (bool, error) {
			approved++
			assert.Equal(t, "pr_1", req.ID)
			return true, nil
		}),
		WithOnPayment(func(a atxp.PaymentAttempt) { attempts = append(attempts, a) }),
	)

	result, err := client.CallTool(context.Background(), "premium", nil)
	require.NoError(t, err)
	assert.True(t, result.PaymentMade)
	require.NotNil(t, result.Payment)
	assert.Equal(t, "tx-pr_1", result.Payment.TransactionID)
	assert.Equal(t, atxp.NetworkBase, result.Payment.Chain)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "paid content", result.Content[0].Text)

	assert.Equal(t, 1, approved)
	assert.Equal(t, []string{"pr_1"}, maker.payments)

	// The proof was submitted and then attached to the retried call.
	require.Equal(t, 1, ps.proofCount())
	assert.Equal(t, "Bearer proof-pr_1", ps.proofs[0])
	assert.Equal(t, 2, fake.callCount())
	assert.Equal(t, "proof-pr_1", ExtractProofFromMeta(fake.lastCall()))

	require.Len(t, attempts, 1)
	assert.Equal(t, "pr_1", attempts[0].PaymentRequestID)
	assert.Equal(t, "1.50", attempts[0].Amount)
	assert.Equal(t, "tx-pr_1", attempts[0].TransactionID)
}

func TestCallToolApprovalDeclined(t *testing.T) {
	ps := newPaymentServer(t, "pr_1")
	fake := &fakeMCPClient{steps: []scriptedStep{
		{result: paymentRequiredResult("pr_1", ps.srv.URL)},
	}}
	maker := &fakeMaker{network: atxp.NetworkBase}

	client := NewClient(fake, "https://rs.example.com",
		WithPaymentMaker(maker),
		WithApprovePayment(func(context.Context, atxp.PaymentRequest) (bool, error) {
			return false, nil
		}),
	)

	_, err := client.CallTool(context.Background(), "premium", nil)
	var perr *atxp.PaymentExecutionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, atxp.ErrCodeUserRejected, perr.Code)
	assert.False(t, perr.Retryable)

	assert.Equal(t, 1, fake.callCount())
	assert.Empty(t, maker.payments, "no funds move after a decline")
	assert.Equal(t, 0, ps.proofCount())
}

func TestCallToolPaymentRetryBudget(t *testing.T) {
	ps := newPaymentServer(t, "pr_1")
	fake := &fakeMCPClient{steps: []scriptedStep{
		{result: paymentRequiredResult("pr_1", ps.srv.URL)},
		{result: paymentRequiredResult("pr_1", ps.srv.URL)},
		{result: paymentRequiredResult("pr_1", ps.srv.URL)},
	}}
	maker := &fakeMaker{network: atxp.NetworkBase}

	client := NewClient(fake, "https://rs.example.com", WithPaymentMaker(maker))

	_, err := client.CallTool(context.Background(), "premium", nil)
	var prerr *PaymentRequiredError
	require.ErrorAs(t, err, &prerr)
	assert.Equal(t, PaymentRequiredCode, prerr.Code)
	require.NotNil(t, prerr.Request)
	assert.Equal(t, "pr_1", prerr.Request.ID)

	// One payment per budget, not one per demand.
	assert.Equal(t, 2, fake.callCount())
	assert.Equal(t, 1, ps.proofCount())
	assert.Len(t, maker.payments, 1)
}

func TestCallToolDocumentIDMismatch(t *testing.T) {
	ps := newPaymentServer(t, "pr_other")
	fake := &fakeMCPClient{steps: []scriptedStep{
		{result: paymentRequiredResult("pr_1", ps.srv.URL)},
	}}
	maker := &fakeMaker{network: atxp.NetworkBase}

	client := NewClient(fake, "https://rs.example.com", WithPaymentMaker(maker))

	_, err := client.CallTool(context.Background(), "premium", nil)
	var verr *atxp.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "paymentRequestId", verr.Field)
	assert.Empty(t, maker.payments)
}

func TestCallToolSignalWithoutRequestURL(t *testing.T) {
	signal := paymentRequiredResult("pr_1", "")
	fake := &fakeMCPClient{steps: []scriptedStep{{result: signal}}}

	client := NewClient(fake, "https://rs.example.com",
		WithPaymentMaker(&fakeMaker{network: atxp.NetworkBase}))

	_, err := client.CallTool(context.Background(), "premium", nil)
	var verr *atxp.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "paymentRequestUrl", verr.Field)
}

func TestCallToolNoMakerForNetwork(t *testing.T) {
	ps := newPaymentServer(t, "pr_1")
	fake := &fakeMCPClient{steps: []scriptedStep{
		{result: paymentRequiredResult("pr_1", ps.srv.URL)},
	}}

	client := NewClient(fake, "https://rs.example.com",
		WithPaymentMaker(&fakeMaker{network: atxp.NetworkSolana}))

	_, err := client.CallTool(context.Background(), "premium", nil)
	var resErr *atxp.ResolutionError
	require.ErrorAs(t, err, &resErr)
	require.Len(t, resErr.Failures, 1)
	assert.Contains(t, resErr.Failures[0].Reason, "no payment maker")
	assert.Equal(t, 0, ps.proofCount())
}

func TestCallToolFallsThroughToSupportedNetwork(t *testing.T) {
	// The server prefers ethereum but also offers solana; with only a
	// solana maker registered the ethereum option is skipped rather than
	// ending the payment leg.
	ps := newPaymentServer(t, "pr_1", "ethereum", "solana")
	fake := &fakeMCPClient{steps: []scriptedStep{
		{result: paymentRequiredResult("pr_1", ps.srv.URL)},
		{result: successResult("paid content")},
	}}
	maker := &fakeMaker{network: atxp.NetworkSolana}

	client := NewClient(fake, "https://rs.example.com", WithPaymentMaker(maker))

	result, err := client.CallTool(context.Background(), "premium", nil)
	require.NoError(t, err)
	assert.True(t, result.PaymentMade)
	require.NotNil(t, result.Payment)
	assert.Equal(t, atxp.NetworkSolana, result.Payment.Chain)
	assert.Equal(t, []string{"pr_1"}, maker.payments)
	assert.Equal(t, 1, ps.proofCount())
}

// issuerServer is a one-mux OAuth issuer: discovery, registration, and
// token issuance for the /mcp resource it fronts.
func issuerServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/.well-known/oauth-protected-resource/mcp", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"resource":              srv.URL + "/mcp",
			"authorization_servers": []string{srv.URL},
		})
	})
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"issuer":                 srv.URL,
			"authorization_endpoint": srv.URL + "/authorize",
			"token_endpoint":         srv.URL + "/token",
			"registration_endpoint":  srv.URL + "/register",
		})
	})
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{"client_id": "client-mcp"})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "at-mcp",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})

	return srv
}

func approveRedirect(t *testing.T) oauth.AuthorizeFunc {
	t.Helper()
	return func(_ context.Context, authURL string) (string, string, error) {
		parsed, err := url.Parse(authURL)
		if err != nil {
			return "", "", err
		}
		return "code-mcp", parsed.Query().Get("state"), nil
	}
}

func TestCallToolAuthLeg(t *testing.T) {
	issuer := issuerServer(t)
	resource := issuer.URL + "/mcp"

	fake := &fakeMCPClient{steps: []scriptedStep{
		{err: &UnauthorizedError{}},
		{result: successResult("authorized content")},
	}}

	authorizer := oauth.NewAuthorizer(oauth.AuthorizerConfig{
		Authorize:  approveRedirect(t),
		HTTPClient: issuer.Client(),
	})

	var events []atxp.AuthorizeEvent
	client := NewClient(fake, resource,
		WithOAuth(authorizer),
		WithOnAuthorize(func(e atxp.AuthorizeEvent) { events = append(events, e) }),
	)

	result, err := client.CallTool(context.Background(), "search", nil)
	require.NoError(t, err)
	assert.Equal(t, "authorized content", result.Content[0].Text)

	assert.Equal(t, 2, fake.callCount())
	assert.Equal(t, []string{"at-mcp"}, fake.tokens)

	require.Len(t, events, 1)
	assert.Equal(t, resource, events[0].ResourceURL)
	assert.Equal(t, issuer.URL, events[0].Issuer)
}

func TestCallToolAuthExhausted(t *testing.T) {
	issuer := issuerServer(t)
	resource := issuer.URL + "/mcp"

	fake := &fakeMCPClient{steps: []scriptedStep{
		{err: &UnauthorizedError{}},
		{err: &UnauthorizedError{}},
	}}

	authorizer := oauth.NewAuthorizer(oauth.AuthorizerConfig{
		Authorize:  approveRedirect(t),
		HTTPClient: issuer.Client(),
	})

	client := NewClient(fake, resource, WithOAuth(authorizer))

	_, err := client.CallTool(context.Background(), "search", nil)
	var aerr *atxp.AuthorizationError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, resource, aerr.ResourceURL)
	assert.Equal(t, 2, aerr.Attempts)
	assert.Equal(t, 2, fake.callCount(), "one retry per fresh token")
}

func TestCallToolUnauthorizedWithoutAuthorizer(t *testing.T) {
	fake := &fakeMCPClient{steps: []scriptedStep{
		{err: &UnauthorizedError{}},
	}}
	client := NewClient(fake, "https://rs.example.com")

	_, err := client.CallTool(context.Background(), "search", nil)
	var aerr *atxp.AuthorizationError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, 1, aerr.Attempts)
	assert.Equal(t, 1, fake.callCount())
}

func TestCallToolStoredTokenPrefetched(t *testing.T) {
	issuer := issuerServer(t)
	resource := issuer.URL + "/mcp"

	store := oauth.NewMemoryStore()
	require.NoError(t, store.SaveAccessToken(context.Background(), oauth.DefaultUserID, resource, &oauth.Token{
		AccessToken: "at-stored",
		ResourceURL: resource,
	}))

	authorizer := oauth.NewAuthorizer(oauth.AuthorizerConfig{
		Store:      store,
		HTTPClient: issuer.Client(),
	})

	fake := &fakeMCPClient{steps: []scriptedStep{{result: successResult("ok")}}}
	client := NewClient(fake, resource, WithOAuth(authorizer))

	_, err := client.CallTool(context.Background(), "search", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"at-stored"}, fake.tokens, "stored token installed before the first call")
}
