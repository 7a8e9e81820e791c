package atxp

import "context"

// ProofParams carries the claims a payment maker binds into a
// payment-authorization token.
type ProofParams struct {
	PaymentRequestID string
	CodeChallenge    string
}

// PaymentMaker executes value transfers for one chain family and signs
// payment-authorization tokens with the wallet that paid.
//
// MakePayment returns (nil, nil) when none of the destinations are ones it
// can handle; the orchestrator then tries the next registered maker rather
// than failing the option.
type PaymentMaker interface {
	// MakePayment transfers funds to the first destination it can handle.
	MakePayment(ctx context.Context, destinations []Destination, memo string, paymentRequestID string) (*PaymentResult, error)

	// GenerateJWT builds the signed payment-authorization token binding the
	// paying wallet to the payment request.
	GenerateJWT(ctx context.Context, params ProofParams) (string, error)

	// SourceAddress returns the wallet address payments are made from.
	SourceAddress(ctx context.Context) (string, error)
}

// ApprovePaymentFunc is consulted before any funds move. Returning false
// aborts the payment leg with a user_rejected error.
type ApprovePaymentFunc func(ctx context.Context, req PaymentRequest) (bool, error)

// OnPaymentFunc is a fire-and-forget notification after a transfer is
// submitted. Errors are logged, never surfaced.
type OnPaymentFunc func(attempt PaymentAttempt)

// OnAuthorizeFunc is a fire-and-forget notification after a bearer token is
// obtained. Errors are logged, never surfaced.
type OnAuthorizeFunc func(event AuthorizeEvent)
