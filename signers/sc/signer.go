// Package sc provides proof signing for smart-contract wallets. The wallet
// cannot hold a key itself; an owner EOA signs on its behalf and the
// signature payload carries the wallet address alongside the owner
// signature, ABI-encoded the way EIP-1271 verifiers expect.
package sc

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/atxp-dev/atxp-go/proof"
	evmsigner "github.com/atxp-dev/atxp-go/signers/evm"
)

var signatureArgs = abi.Arguments{
	{Name: "wallet", Type: mustType("address")},
	{Name: "ownerSignature", Type: mustType("bytes")},
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// Signer signs proof messages for a smart-contract wallet through its
// owner key.
type Signer struct {
	wallet common.Address
	owner  *evmsigner.Signer
}

// NewSigner creates a smart-contract-wallet signer. walletAddress is the
// contract wallet the token is issued for; owner holds the key that the
// wallet's isValidSignature implementation accepts.
func NewSigner(walletAddress string, owner *evmsigner.Signer) *Signer {
	return &Signer{
		wallet: common.HexToAddress(walletAddress),
		owner:  owner,
	}
}

// Address returns the contract wallet address. The token subject is the
// wallet, not the owner key.
func (s *Signer) Address() string {
	return s.wallet.Hex()
}

// Alg returns the EIP1271 scheme name.
func (s *Signer) Alg() string {
	return proof.AlgEIP1271
}

// SignMessage lets the owner key sign the message and ABI-encodes the
// wallet address together with the owner signature. The result is larger
// than a bare secp256k1 signature; the proof builder carries it verbatim.
func (s *Signer) SignMessage(ctx context.Context, message []byte) ([]byte, error) {
	ownerSig, err := s.owner.SignMessage(ctx, message)
	if err != nil {
		return nil, fmt.Errorf("owner signature: %w", err)
	}

	packed, err := signatureArgs.Pack(s.wallet, ownerSig)
	if err != nil {
		return nil, fmt.Errorf("encoding wallet signature: %w", err)
	}
	return packed, nil
}

// Verifier checks EIP1271-style proof signatures offline: it unpacks the
// payload, confirms the wallet address, and verifies the owner signature.
// Full on-chain isValidSignature delegation is the server's concern.
type Verifier struct {
	wallet common.Address
	owner  *evmsigner.AddressVerifier
}

// NewVerifier creates a verifier for a wallet and its expected owner.
func NewVerifier(walletAddress, ownerAddress string) *Verifier {
	return &Verifier{
		wallet: common.HexToAddress(walletAddress),
		owner:  evmsigner.NewAddressVerifier(ownerAddress),
	}
}

// VerifyMessage unpacks and checks the composite signature.
func (v *Verifier) VerifyMessage(message, signature []byte) error {
	values, err := signatureArgs.Unpack(signature)
	if err != nil {
		return fmt.Errorf("decoding wallet signature: %w", err)
	}

	wallet, ok := values[0].(common.Address)
	if !ok {
		return fmt.Errorf("wallet field has unexpected type %T", values[0])
	}
	ownerSig, ok := values[1].([]byte)
	if !ok {
		return fmt.Errorf("ownerSignature field has unexpected type %T", values[1])
	}

	if !bytes.Equal(wallet.Bytes(), v.wallet.Bytes()) {
		return fmt.Errorf("signature for wallet %s, expected %s", wallet.Hex(), v.wallet.Hex())
	}
	return v.owner.VerifyMessage(message, ownerSig)
}
