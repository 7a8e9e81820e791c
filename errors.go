package atxp

import (
	"fmt"
	"strings"
)

// Error codes carried by PaymentExecutionError. Retryable codes describe
// conditions a caller can fix and resubmit; the rest are final.
const (
	ErrCodeInsufficientFunds   = "insufficient_funds"
	ErrCodeRPCFailure          = "rpc_failure"
	ErrCodeUserRejected        = "user_rejected"
	ErrCodeGasEstimation       = "gas_estimation_failed"
	ErrCodeUnsupportedCurrency = "unsupported_currency"
	ErrCodeReverted            = "transaction_reverted"
)

// DiscoveryError means no authorization server could be found for a
// resource by any discovery method. It wraps the primary discovery error,
// which is normally the most diagnostic one.
type DiscoveryError struct {
	ResourceURL string
	Err         error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("no authorization server found for %s: %v", e.ResourceURL, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// RegistrationError means dynamic client registration was rejected or the
// registration endpoint was unreachable. It does not poison any cache; a
// later call retries registration.
type RegistrationError struct {
	Issuer string
	Err    error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("client registration with %s failed: %v", e.Issuer, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// TokenExchangeError means an authorization-code or refresh-grant exchange
// failed. Stale tokens are discarded so the next call re-authorizes.
type TokenExchangeError struct {
	Issuer string
	Grant  string // "authorization_code" or "refresh_token"
	Err    error
}

func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("%s exchange with %s failed: %v", e.Grant, e.Issuer, e.Err)
}

func (e *TokenExchangeError) Unwrap() error { return e.Err }

// AuthorizationError is the terminal error when the auth-retry budget is
// exhausted: the server kept answering 401 after a fresh token was attached.
type AuthorizationError struct {
	ResourceURL string
	Attempts    int
	Err         error
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorization failed for %s after %d attempt(s): %v", e.ResourceURL, e.Attempts, e.Err)
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

// OptionFailure records why one offered payment option produced nothing.
type OptionFailure struct {
	Option PaymentOption
	Reason string
}

// ResolutionError means every offered payment option failed to resolve or
// execute. It carries per-option reasons so the caller can diagnose.
type ResolutionError struct {
	PaymentRequestID string
	Failures         []OptionFailure
}

func (e *ResolutionError) Error() string {
	reasons := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		reasons = append(reasons, fmt.Sprintf("%s/%s %s: %s", f.Option.Network, f.Option.Currency, f.Option.Amount, f.Reason))
	}
	return fmt.Sprintf("payment request %s: no offered option could be satisfied [%s]",
		e.PaymentRequestID, strings.Join(reasons, "; "))
}

// PaymentExecutionError means a chosen payment maker's transfer failed.
// Retryable distinguishes conditions a caller can fix (top up funds, retry a
// flaky RPC) from final ones (unsupported currency, reverted transaction).
// The structured fields exist so telemetry never has to parse the message.
type PaymentExecutionError struct {
	Code              string
	Retryable         bool
	ActionableMessage string
	Network           Network
	Currency          Currency
	Amount            string
	TxHash            string
	Err               error
}

func (e *PaymentExecutionError) Error() string {
	if e.ActionableMessage != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.ActionableMessage)
	}
	return fmt.Sprintf("%s: payment on %s failed: %v", e.Code, e.Network, e.Err)
}

func (e *PaymentExecutionError) Unwrap() error { return e.Err }

// ProofSubmissionError means the resource's payment-request endpoint
// rejected the signed proof token.
type ProofSubmissionError struct {
	PaymentRequestID string
	StatusCode       int
	Body             string
	Err              error
}

func (e *ProofSubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payment request %s: proof submission failed: %v", e.PaymentRequestID, e.Err)
	}
	return fmt.Sprintf("payment request %s: proof rejected with status %d: %s",
		e.PaymentRequestID, e.StatusCode, e.Body)
}

func (e *ProofSubmissionError) Unwrap() error { return e.Err }

// ValidationError reports malformed caller or server input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NewInsufficientFundsError builds the actionable variant callers see most:
// it names the missing amount, currency, and network so a human or an agent
// can top up the wallet and resubmit.
func NewInsufficientFundsError(network Network, currency Currency, amount string, cause error) *PaymentExecutionError {
	return &PaymentExecutionError{
		Code:              ErrCodeInsufficientFunds,
		Retryable:         true,
		ActionableMessage: fmt.Sprintf("add at least %s %s to your wallet on network %s and retry", amount, currency, network),
		Network:           network,
		Currency:          currency,
		Amount:            amount,
		Err:               cause,
	}
}
