// Package evm implements the payment maker for Ethereum-family networks.
// Payments are ERC-20 transfers submitted through an RPC node.
package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	atxp "github.com/atxp-dev/atxp-go"
	"github.com/atxp-dev/atxp-go/proof"
	evmsigner "github.com/atxp-dev/atxp-go/signers/evm"
)

const erc20ABI = `[{"name":"transfer","type":"function","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}]`

// Token describes one payable ERC-20 asset.
type Token struct {
	Address  common.Address
	Decimals uint8
}

// baseUSDC is the canonical USDC deployment on Base.
var baseUSDC = Token{
	Address:  common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
	Decimals: 6,
}

// PaymentMaker moves ERC-20 funds on one EVM network and signs proof
// tokens with the paying wallet.
type PaymentMaker struct {
	client   *ethclient.Client
	signer   *evmsigner.Signer
	builder  *proof.Builder
	logger   *slog.Logger
	network  atxp.Network
	chainID  *big.Int
	tokens   map[atxp.Currency]Token
	transfer abi.ABI
}

// MakerOption configures a PaymentMaker.
type MakerOption func(*PaymentMaker)

// WithToken registers or overrides a payable token.
func WithToken(currency atxp.Currency, token Token) MakerOption {
	return func(m *PaymentMaker) { m.tokens[currency] = token }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) MakerOption {
	return func(m *PaymentMaker) { m.logger = logger }
}

// WithProofBuilder overrides the proof token builder.
func WithProofBuilder(builder *proof.Builder) MakerOption {
	return func(m *PaymentMaker) { m.builder = builder }
}

// NewPaymentMaker dials the RPC endpoint and prepares a maker for one
// network. Base gets its USDC token preconfigured; other networks need
// WithToken.
func NewPaymentMaker(ctx context.Context, rpcURL, privateKeyHex string, network atxp.Network, chainID *big.Int, opts ...MakerOption) (*PaymentMaker, error) {
	signer, err := evmsigner.NewSignerFromPrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", rpcURL, err)
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, err
	}

	m := &PaymentMaker{
		client:   client,
		signer:   signer,
		builder:  proof.NewBuilder(),
		logger:   slog.Default(),
		network:  network,
		chainID:  chainID,
		tokens:   make(map[atxp.Currency]Token),
		transfer: parsed,
	}
	if network == atxp.NetworkBase {
		m.tokens[atxp.CurrencyUSDC] = baseUSDC
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Signer returns the wallet signer used for payments and proofs.
func (m *PaymentMaker) Signer() *evmsigner.Signer {
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

// MakePayment transfers funds to the first destination on this maker's
// network. Returns (nil, nil) when no destination matches, so the
// orchestrator can try the next maker.
func (m *PaymentMaker) MakePayment(ctx context.Context, destinations []atxp.Destination, memo string, paymentRequestID string) (*atxp.PaymentResult, error) {
	for _, dest := range destinations {
		if dest.Chain != m.network {
			continue
		}
		token, ok := m.tokens[dest.Currency]
		if !ok {
			return nil, &atxp.PaymentExecutionError{
				Code:              atxp.ErrCodeUnsupportedCurrency,
				Retryable:         false,
				ActionableMessage: fmt.Sprintf("currency %s is not payable on network %s", dest.Currency, m.network),
				Network:           m.network,
				Currency:          dest.Currency,
				Amount:            dest.Amount,
			}
		}
		return m.transferERC20(ctx, dest, token, memo, paymentRequestID)
	}
	return nil, nil
}

func (m *PaymentMaker) transferERC20(ctx context.Context, dest atxp.Destination, token Token, memo, paymentRequestID string) (*atxp.PaymentResult, error) {
	amount, err := ParseUnits(dest.Amount, token.Decimals)
	if err != nil {
		return nil, &atxp.PaymentExecutionError{
			Code:              atxp.ErrCodeUnsupportedCurrency,
			Retryable:         false,
			ActionableMessage: fmt.Sprintf("amount %q is not payable in %s: %v", dest.Amount, dest.Currency, err),
			Network:           m.network,
			Currency:          dest.Currency,
			Amount:            dest.Amount,
		}
	}

	calldata, err := m.transfer.Pack("transfer", common.HexToAddress(dest.Address), amount)
	if err != nil {
		return nil, fmt.Errorf("encoding transfer: %w", err)
	}

	from := common.HexToAddress(m.signer.Address())

	nonce, err := m.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, m.rpcError(dest, "", err)
	}

	head, err := m.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, m.rpcError(dest, "", err)
	}
	var tipCap, gasPrice *big.Int
	if head.BaseFee != nil {
		tipCap, err = m.client.SuggestGasTipCap(ctx)
	} else {
		gasPrice, err = m.client.SuggestGasPrice(ctx)
	}
	if err != nil {
		return nil, m.rpcError(dest, "", err)
	}

	gasLimit, err := m.client.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &token.Address,
		Data: calldata,
	})
	if err != nil {
		return nil, &atxp.PaymentExecutionError{
			Code:              atxp.ErrCodeGasEstimation,
			Retryable:         true,
			ActionableMessage: fmt.Sprintf("gas estimation failed on %s, the transfer would likely revert: %v", m.network, err),
			Network:           m.network,
			Currency:          dest.Currency,
			Amount:            dest.Amount,
			Err:               err,
		}
	}

	tx := transferTx(m.chainID, nonce, gasLimit, &token.Address, calldata, head.BaseFee, tipCap, gasPrice)

	signed, err := m.signer.SignTx(tx, m.chainID)
	if err != nil {
		return nil, fmt.Errorf("signing transaction: %w", err)
	}

	if err := m.client.SendTransaction(ctx, signed); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "insufficient funds") {
			return nil, atxp.NewInsufficientFundsError(m.network, dest.Currency, dest.Amount, err)
		}
		return nil, m.rpcError(dest, signed.Hash().Hex(), err)
	}

	m.logger.Info("submitted payment",
		"network", m.network,
		"currency", dest.Currency,
		"amount", dest.Amount,
		"tx", signed.Hash().Hex(),
		"payment_request_id", paymentRequestID,
		"memo", memo)

	return &atxp.PaymentResult{
		TransactionID: signed.Hash().Hex(),
		Chain:         dest.Chain,
		Currency:      dest.Currency,
	}, nil
}

// transferTx builds the transfer transaction. Headers without a base fee
// come from chains that predate EIP-1559, which only accept legacy gas
// pricing.
func transferTx(chainID *big.Int, nonce, gas uint64, to *common.Address, data []byte, baseFee, tipCap, gasPrice *big.Int) *types.Transaction {
	if baseFee == nil {
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gas,
			To:       to,
			Data:     data,
		})
	}
	feeCap := new(big.Int).Add(tipCap, new(big.Int).Mul(baseFee, big.NewInt(2)))
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        to,
		Data:      data,
	})
}

func (m *PaymentMaker) rpcError(dest atxp.Destination, txHash string, err error) *atxp.PaymentExecutionError {
	return &atxp.PaymentExecutionError{
		Code:              atxp.ErrCodeRPCFailure,
		Retryable:         true,
		ActionableMessage: fmt.Sprintf("RPC call to %s failed, retry later: %v", m.network, err),
		Network:           m.network,
		Currency:          dest.Currency,
		Amount:            dest.Amount,
		TxHash:            txHash,
		Err:               err,
	}
}

// ParseUnits converts a decimal amount string into base units for a token
// with the given decimals. More fractional digits than the token supports
// is an error rather than silent truncation.
func ParseUnits(amount string, decimals uint8) (*big.Int, error) {
	whole, frac, _ := strings.Cut(amount, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > int(decimals) {
		return nil, fmt.Errorf("amount %q has more than %d decimal places", amount, decimals)
	}
	frac += strings.Repeat("0", int(decimals)-len(frac))

	units, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("amount %q is not a decimal number", amount)
	}
	if units.Sign() < 0 {
		return nil, fmt.Errorf("amount %q is negative", amount)
	}
	return units, nil
}
