package atxp

import (
	"fmt"
	"strings"
)

// Network identifies a chain family or settlement rail, e.g. "base",
// "ethereum", "solana", "world", "atxp" (abstract account), "stripe".
type Network string

// Known network values. The destination chain dispatches on these; adding a
// network means registering a resolver and (usually) a payment maker for it.
const (
	NetworkBase     Network = "base"
	NetworkEthereum Network = "ethereum"
	NetworkWorld    Network = "world"
	NetworkSolana   Network = "solana"
	NetworkATXP     Network = "atxp"
	NetworkStripe   Network = "stripe"
)

// Currency is a settlement currency symbol, e.g. "USDC".
type Currency string

// CurrencyUSDC is the only currency every stock payment maker supports.
const CurrencyUSDC Currency = "USDC"

// PaymentOption is one row of the ordered list a resource server offers for
// a pending payment, most-preferred first. The address may name a concrete
// on-chain destination or an abstract account id depending on Network.
type PaymentOption struct {
	Network  Network  `json:"network"`
	Currency Currency `json:"currency"`
	Address  string   `json:"address"`
	Amount   string   `json:"amount"`
}

// Destination is a fully concrete, payable target derived from a
// PaymentOption. One option can expand to several destinations (an abstract
// account with multiple linked wallets).
type Destination struct {
	Chain    Network  `json:"chain"`
	Currency Currency `json:"currency"`
	Address  string   `json:"address"`
	Amount   string   `json:"amount"`
}

// PaymentRequest describes one pending payment obligation as announced by
// the resource server inside a payment-required error.
type PaymentRequest struct {
	ID            string          `json:"paymentRequestId"`
	URL           string          `json:"paymentRequestUrl"`
	Accepts       []PaymentOption `json:"accepts"`
	Resource      string          `json:"resource,omitempty"`
	CodeChallenge string          `json:"codeChallenge,omitempty"`
}

// PaymentResult is what a payment maker returns after moving funds.
type PaymentResult struct {
	TransactionID string   `json:"transactionId"`
	Chain         Network  `json:"chain"`
	Currency      Currency `json:"currency"`
}

// AccountID is a globally unique account identifier of the form
// "network:address".
type AccountID struct {
	Network Network
	Address string
}

// ParseAccountID parses "network:address". Any shape other than exactly two
// colon-delimited parts is an input-validation error.
func ParseAccountID(s string) (AccountID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return AccountID{}, &ValidationError{
			Field:   "accountId",
			Message: fmt.Sprintf("account id %q must be of the form network:address", s),
		}
	}
	return AccountID{Network: Network(parts[0]), Address: parts[1]}, nil
}

// String returns the canonical "network:address" form.
func (a AccountID) String() string {
	return string(a.Network) + ":" + a.Address
}

// PaymentAttempt is reported to the OnPayment hook after a transfer is
// submitted, before the proof is built.
type PaymentAttempt struct {
	PaymentRequestID string
	Network          Network
	Currency         Currency
	Amount           string
	TransactionID    string
}

// AuthorizeEvent is reported to the OnAuthorize hook when a bearer token
// has been obtained for a resource.
type AuthorizeEvent struct {
	ResourceURL string
	Issuer      string
}
