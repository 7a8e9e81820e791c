// Package svm implements the payment maker for Solana. Payments are SPL
// token transfers between associated token accounts.
package svm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	atxp "github.com/atxp-dev/atxp-go"
	"github.com/atxp-dev/atxp-go/proof"
	svmsigner "github.com/atxp-dev/atxp-go/signers/svm"
)

// Mint describes one payable SPL token.
type Mint struct {
	Address  solana.PublicKey
	Decimals uint8
}

// mainnetUSDC is the canonical USDC mint.
var mainnetUSDC = Mint{
	Address:  solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"),
	Decimals: 6,
}

// PaymentMaker moves SPL token funds on Solana and signs proof tokens with
// the paying wallet.
type PaymentMaker struct {
	client  *rpc.Client
	signer  *svmsigner.Signer
	builder *proof.Builder
	logger  *slog.Logger
	mints   map[atxp.Currency]Mint
}

// MakerOption configures a PaymentMaker.
type MakerOption func(*PaymentMaker)

// WithMint registers or overrides a payable mint.
func WithMint(currency atxp.Currency, mint Mint) MakerOption {
	return func(m *PaymentMaker) { m.mints[currency] = mint }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) MakerOption {
	return func(m *PaymentMaker) { m.logger = logger }
}

// WithProofBuilder overrides the proof token builder.
func WithProofBuilder(builder *proof.Builder) MakerOption {
	return func(m *PaymentMaker) { m.builder = builder }
}

// NewPaymentMaker creates a maker over an RPC endpoint. USDC is
// preconfigured.
func NewPaymentMaker(rpcURL, privateKeyBase58 string, opts ...MakerOption) (*PaymentMaker, error) {
	signer, err := svmsigner.NewSignerFromBase58(privateKeyBase58)
	if err != nil {
		return nil, err
	}

	m := &PaymentMaker{
		client:  rpc.New(rpcURL),
		signer:  signer,
		builder: proof.NewBuilder(),
		logger:  slog.Default(),
		mints:   map[atxp.Currency]Mint{atxp.CurrencyUSDC: mainnetUSDC},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Signer returns the wallet signer used for payments and proofs.
func (m *PaymentMaker) Signer() *svmsigner.Signer {
	return m.signer
}

// SourceAddress returns the paying wallet address.
func (m *PaymentMaker) SourceAddress(_ context.Context) (string, error) {
	return m.signer.Address(), nil
}

// GenerateJWT signs a payment-authorization token with the paying wallet.
func (m *PaymentMaker) GenerateJWT(ctx context.Context, params atxp.ProofParams) (string, error) {
	return m.builder.Build(ctx, m.signer, proof.Params{
		PaymentRequestID: params.PaymentRequestID,
		CodeChallenge:    params.CodeChallenge,
	})
}

// MakePayment transfers funds to the first Solana destination. Returns
// (nil, nil) when no destination is on Solana.
func (m *PaymentMaker) MakePayment(ctx context.Context, destinations []atxp.Destination, memo string, paymentRequestID string) (*atxp.PaymentResult, error) {
	for _, dest := range destinations {
		if dest.Chain != atxp.NetworkSolana {
			continue
		}
		mint, ok := m.mints[dest.Currency]
		if !ok {
			return nil, &atxp.PaymentExecutionError{
				Code:              atxp.ErrCodeUnsupportedCurrency,
				Retryable:         false,
				ActionableMessage: fmt.Sprintf("currency %s is not payable on solana", dest.Currency),
				Network:           atxp.NetworkSolana,
				Currency:          dest.Currency,
				Amount:            dest.Amount,
			}
		}
		return m.transferSPL(ctx, dest, mint, paymentRequestID)
	}
	return nil, nil
}

func (m *PaymentMaker) transferSPL(ctx context.Context, dest atxp.Destination, mint Mint, paymentRequestID string) (*atxp.PaymentResult, error) {
	amount, err := parseUnits(dest.Amount, mint.Decimals)
	if err != nil {
		return nil, &atxp.PaymentExecutionError{
			Code:              atxp.ErrCodeUnsupportedCurrency,
			Retryable:         false,
			ActionableMessage: fmt.Sprintf("amount %q is not payable in %s: %v", dest.Amount, dest.Currency, err),
			Network:           atxp.NetworkSolana,
			Currency:          dest.Currency,
			Amount:            dest.Amount,
		}
	}

	owner := m.signer.PrivateKey().PublicKey()
	recipient, err := solana.PublicKeyFromBase58(dest.Address)
	if err != nil {
		return nil, fmt.Errorf("invalid destination address %q: %w", dest.Address, err)
	}

	sourceATA, _, err := solana.FindAssociatedTokenAddress(owner, mint.Address)
	if err != nil {
		return nil, fmt.Errorf("deriving source token account: %w", err)
	}
	destATA, _, err := solana.FindAssociatedTokenAddress(recipient, mint.Address)
	if err != nil {
		return nil, fmt.Errorf("deriving destination token account: %w", err)
	}

	blockhash, err := m.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, m.rpcError(dest, err)
	}

	instruction := token.NewTransferCheckedInstruction(
		amount,
		mint.Decimals,
		sourceATA,
		mint.Address,
		destATA,
		owner,
		nil,
	).Build()

	tx, err := solana.NewTransaction(
		[]solana.Instruction{instruction},
		blockhash.Value.Blockhash,
		solana.TransactionPayer(owner),
	)
	if err != nil {
		return nil, fmt.Errorf("building transaction: %w", err)
	}

	key := m.signer.PrivateKey()
	if _, err := tx.Sign(func(pub solana.PublicKey) *solana.PrivateKey {
		if pub.Equals(owner) {
			return &key
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("signing transaction: %w", err)
	}

	sig, err := m.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentFinalized,
	})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "insufficient funds") {
			return nil, atxp.NewInsufficientFundsError(atxp.NetworkSolana, dest.Currency, dest.Amount, err)
		}
		return nil, m.rpcError(dest, err)
	}

	m.logger.Info("submitted payment",
		"network", atxp.NetworkSolana,
		"currency", dest.Currency,
		"amount", dest.Amount,
		"tx", sig.String(),
		"payment_request_id", paymentRequestID)

	return &atxp.PaymentResult{
		TransactionID: sig.String(),
		Chain:         dest.Chain,
		Currency:      dest.Currency,
	}, nil
}

func (m *PaymentMaker) rpcError(dest atxp.Destination, err error) *atxp.PaymentExecutionError {
	return &atxp.PaymentExecutionError{
		Code:              atxp.ErrCodeRPCFailure,
		Retryable:         true,
		ActionableMessage: fmt.Sprintf("Solana RPC call failed, retry later: %v", err),
		Network:           atxp.NetworkSolana,
		Currency:          dest.Currency,
		Amount:            dest.Amount,
		Err:               err,
	}
}

func parseUnits(amount string, decimals uint8) (uint64, error) {
	whole, frac, _ := strings.Cut(amount, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > int(decimals) {
		return 0, fmt.Errorf("amount %q has more than %d decimal places", amount, decimals)
	}
	frac += strings.Repeat("0", int(decimals)-len(frac))

	units, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok || units.Sign() < 0 {
		return 0, fmt.Errorf("amount %q is not a non-negative decimal number", amount)
	}
	if !units.IsUint64() {
		return 0, fmt.Errorf("amount %q overflows", amount)
	}
	return units.Uint64(), nil
}
