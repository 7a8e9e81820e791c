package proof

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenLifetime is the fixed proof validity window.
const TokenLifetime = time.Hour

// Claims is the proof token payload. Subject is the wallet address;
// issuer and audience are the ATXP authorization service constants.
type Claims struct {
	jwt.RegisteredClaims
	Nonce            string `json:"nonce,omitempty"`
	CodeChallenge    string `json:"code_challenge,omitempty"`
	PaymentRequestID string `json:"payment_request_id,omitempty"`
}

// Params are the optional claims bound into a proof token.
type Params struct {
	PaymentRequestID string
	CodeChallenge    string
	Nonce            string
}

// signingKey carries the signer and the canonical message through
// jwt.SignedString into the wallet signing method.
type signingKey struct {
	ctx     context.Context
	signer  Signer
	message []byte
}

// walletSigningMethod adapts a wallet signature scheme to the jwt v5
// SigningMethod interface. The signature covers the canonical message, not
// the JOSE signing string; the method only supplies the raw bytes that the
// library base64url-encodes into the third token part.
type walletSigningMethod struct {
	alg string
}

func (m *walletSigningMethod) Alg() string { return m.alg }

func (m *walletSigningMethod) Sign(_ string, key interface{}) ([]byte, error) {
	k, ok := key.(*signingKey)
	if !ok {
		return nil, jwt.ErrInvalidKeyType
	}
	return k.signer.SignMessage(k.ctx, k.message)
}

// Verify is unsupported through the jwt parser because the signature covers
// the canonical message rather than the signing string; use proof.Verify.
func (m *walletSigningMethod) Verify(_ string, _ []byte, _ interface{}) error {
	return fmt.Errorf("%s proof tokens must be verified with proof.Verify", m.alg)
}

var (
	methodES256K  = &walletSigningMethod{alg: AlgES256K}
	methodEIP1271 = &walletSigningMethod{alg: AlgEIP1271}
	methodEdDSA   = &walletSigningMethod{alg: AlgEdDSA}
)

func init() {
	// EdDSA stays out of the global registry: golang-jwt ships its own
	// method under that name and we must not shadow it for other users.
	jwt.RegisterSigningMethod(AlgES256K, func() jwt.SigningMethod { return methodES256K })
	jwt.RegisterSigningMethod(AlgEIP1271, func() jwt.SigningMethod { return methodEIP1271 })
}

func methodFor(alg string) (*walletSigningMethod, error) {
	switch alg {
	case AlgES256K:
		return methodES256K, nil
	case AlgEIP1271:
		return methodEIP1271, nil
	case AlgEdDSA:
		return methodEdDSA, nil
	default:
		return nil, fmt.Errorf("unsupported proof signing scheme %q", alg)
	}
}

// Builder assembles proof tokens. The clock is injectable for tests.
type Builder struct {
	now      func() time.Time
	lifetime time.Duration
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithClock overrides the time source.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) { b.now = now }
}

// WithLifetime overrides the token validity window.
func WithLifetime(d time.Duration) BuilderOption {
	return func(b *Builder) { b.lifetime = d }
}

// NewBuilder creates a proof token builder.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{now: time.Now, lifetime: TokenLifetime}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build signs a proof token binding the wallet to the payment request and
// PKCE challenge. Timestamps are truncated to whole seconds so the
// canonical message and the iat claim agree byte for byte.
func (b *Builder) Build(ctx context.Context, signer Signer, params Params) (string, error) {
	method, err := methodFor(signer.Alg())
	if err != nil {
		return "", err
	}

	issuedAt := b.now().UTC().Truncate(time.Second)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   signer.Address(),
			Issuer:    Issuer,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(b.lifetime)),
		},
		Nonce:            params.Nonce,
		CodeChallenge:    params.CodeChallenge,
		PaymentRequestID: params.PaymentRequestID,
	}

	message := CanonicalMessage(signer.Address(), issuedAt, params.Nonce, params.CodeChallenge, params.PaymentRequestID)

	token := jwt.NewWithClaims(method, claims)
	signed, err := token.SignedString(&signingKey{ctx: ctx, signer: signer, message: message})
	if err != nil {
		return "", fmt.Errorf("signing proof token: %w", err)
	}
	return signed, nil
}

// Decode splits a proof token into its claims and raw signature without
// verifying it. Verification requires a scheme-specific Verifier over
// MessageFromClaims.
func Decode(tokenString string) (*Claims, []byte, error) {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return nil, nil, fmt.Errorf("proof token must have three parts, got %d", len(parts))
	}

	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return nil, nil, fmt.Errorf("parsing proof token: %w", err)
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, nil, fmt.Errorf("decoding proof signature: %w", err)
	}
	return claims, sig, nil
}

// Verify decodes a token, rebuilds the canonical message, and checks the
// signature with the supplied scheme verifier.
func Verify(tokenString string, verifier Verifier) (*Claims, error) {
	claims, sig, err := Decode(tokenString)
	if err != nil {
		return nil, err
	}
	message, err := MessageFromClaims(claims)
	if err != nil {
		return nil, err
	}
	if err := verifier.VerifyMessage(message, sig); err != nil {
		return nil, fmt.Errorf("proof signature rejected: %w", err)
	}
	return claims, nil
}
