// Package proof builds the signed payment-authorization tokens submitted to
// the ATXP authorization service. The token is a compact three-part JWT
// whose signature covers a canonical message reconstructible by the
// verifier, not the JOSE signing input; the signing scheme is delegated to
// the wallet.
package proof

import "context"

// Issuer and Audience identify the ATXP authorization service in every
// proof token.
const (
	Issuer   = "https://auth.atxp.ai"
	Audience = "https://auth.atxp.ai"
)

// Algorithm names carried in the JWT header. ES256K is a standard secp256k1
// message signature; EIP1271 is smart-contract-wallet signature
// verification, whose signature payload can be large ABI-encoded bytes.
// EdDSA covers ed25519 wallets (Solana).
const (
	AlgES256K  = "ES256K"
	AlgEIP1271 = "EIP1271"
	AlgEdDSA   = "EdDSA"
)

// Signer produces a wallet signature over the canonical authorization
// message. The builder does not care which scheme produced the bytes.
type Signer interface {
	// Address is the wallet address the token is issued for (the subject).
	Address() string

	// Alg names the signing scheme for the JWT header.
	Alg() string

	// SignMessage signs the canonical message bytes.
	SignMessage(ctx context.Context, message []byte) ([]byte, error)
}

// Verifier checks a wallet signature over the canonical message. Verifying
// parties (servers, tests) implement this per scheme.
type Verifier interface {
	VerifyMessage(message, signature []byte) error
}
