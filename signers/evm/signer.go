// Package evm provides secp256k1 proof signing for externally-owned
// Ethereum-family wallets.
package evm

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/atxp-dev/atxp-go/proof"
)

// Signer signs canonical proof messages with an EOA private key using the
// EIP-191 personal-sign digest.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSignerFromPrivateKey creates a signer from a hex-encoded secp256k1
// private key, with or without the 0x prefix.
func NewSignerFromPrivateKey(privateKeyHex string) (*Signer, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	return &Signer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

// Address returns the checksummed wallet address.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// Alg returns the ES256K scheme name.
func (s *Signer) Alg() string {
	return proof.AlgES256K
}

// SignMessage produces the 65-byte recoverable signature over the EIP-191
// personal-sign digest of the message, with the recovery id in Ethereum's
// 27/28 convention.
func (s *Signer) SignMessage(_ context.Context, message []byte) ([]byte, error) {
	digest := accounts.TextHash(message)
	sig, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("signing message: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// SignTx signs an Ethereum transaction for the given chain.
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.privateKey)
}

// AddressVerifier verifies ES256K proof signatures against an expected
// wallet address by pubkey recovery.
type AddressVerifier struct {
	address common.Address
}

// NewAddressVerifier creates a verifier for the given wallet address.
func NewAddressVerifier(address string) *AddressVerifier {
	return &AddressVerifier{address: common.HexToAddress(address)}
}

// VerifyMessage recovers the signer from the signature and compares it to
// the expected address.
func (v *AddressVerifier) VerifyMessage(message, signature []byte) error {
	if len(signature) != crypto.SignatureLength {
		return fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(signature))
	}

	sig := make([]byte, crypto.SignatureLength)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash(message), sig)
	if err != nil {
		return fmt.Errorf("recovering signer: %w", err)
	}

	recovered := crypto.PubkeyToAddress(*pub)
	if !bytes.Equal(recovered.Bytes(), v.address.Bytes()) {
		return fmt.Errorf("signature from %s, expected %s", recovered.Hex(), v.address.Hex())
	}
	return nil
}
