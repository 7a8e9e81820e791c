package proof

import (
	"fmt"
	"strings"
	"time"
)

// CanonicalMessage renders the exact bytes a wallet signs for a proof
// token. The verifying party rebuilds it from the token claims, so the
// format is a wire contract with the server: do not alter it casually.
// Optional lines are omitted entirely when their value is empty.
func CanonicalMessage(address string, issuedAt time.Time, nonce, codeChallenge, paymentRequestID string) []byte {
	var b strings.Builder
	b.WriteString("ATXP authorization\n")
	fmt.Fprintf(&b, "Wallet: %s\n", address)
	fmt.Fprintf(&b, "Issued At: %s", issuedAt.UTC().Format(time.RFC3339))
	if nonce != "" {
		fmt.Fprintf(&b, "\nNonce: %s", nonce)
	}
	if codeChallenge != "" {
		fmt.Fprintf(&b, "\nCode Challenge: %s", codeChallenge)
	}
	if paymentRequestID != "" {
		fmt.Fprintf(&b, "\nPayment Request: %s", paymentRequestID)
	}
	return []byte(b.String())
}

// MessageFromClaims rebuilds the canonical message from decoded token
// claims, the verifier-side half of the contract.
func MessageFromClaims(claims *Claims) ([]byte, error) {
	if claims.Subject == "" {
		return nil, fmt.Errorf("claims missing subject")
	}
	if claims.IssuedAt == nil {
		return nil, fmt.Errorf("claims missing iat")
	}
	return CanonicalMessage(
		claims.Subject,
		claims.IssuedAt.Time,
		claims.Nonce,
		claims.CodeChallenge,
		claims.PaymentRequestID,
	), nil
}
