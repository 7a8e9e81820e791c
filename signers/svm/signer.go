// Package svm provides ed25519 proof signing for Solana wallets.
package svm

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/atxp-dev/atxp-go/proof"
)

// Signer signs canonical proof messages with a Solana keypair.
type Signer struct {
	key solana.PrivateKey
}

// NewSignerFromBase58 creates a signer from a base58-encoded private key.
func NewSignerFromBase58(privateKey string) (*Signer, error) {
	key, err := solana.PrivateKeyFromBase58(privateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Signer{key: key}, nil
}

// Address returns the base58 wallet address.
func (s *Signer) Address() string {
	return s.key.PublicKey().String()
}

// Alg returns the EdDSA scheme name.
func (s *Signer) Alg() string {
	return proof.AlgEdDSA
}

// SignMessage signs the message bytes directly; ed25519 needs no digest
// step.
func (s *Signer) SignMessage(_ context.Context, message []byte) ([]byte, error) {
	sig, err := s.key.Sign(message)
	if err != nil {
		return nil, fmt.Errorf("signing message: %w", err)
	}
	return sig[:], nil
}

// PrivateKey exposes the underlying keypair for transaction signing.
func (s *Signer) PrivateKey() solana.PrivateKey {
	return s.key
}

// AddressVerifier verifies EdDSA proof signatures against a wallet address.
type AddressVerifier struct {
	pubkey solana.PublicKey
}

// NewAddressVerifier creates a verifier for the given base58 address.
func NewAddressVerifier(address string) (*AddressVerifier, error) {
	pubkey, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}
	return &AddressVerifier{pubkey: pubkey}, nil
}

// VerifyMessage checks the ed25519 signature.
func (v *AddressVerifier) VerifyMessage(message, signature []byte) error {
	if len(signature) != ed25519.SignatureSize {
		return fmt.Errorf("signature must be %d bytes, got %d", ed25519.SignatureSize, len(signature))
	}
	if !ed25519.Verify(ed25519.PublicKey(v.pubkey[:]), message, signature) {
		return fmt.Errorf("signature does not match %s", v.pubkey)
	}
	return nil
}
