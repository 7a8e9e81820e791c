package atxp

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAccountID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    AccountID
		wantErr bool
	}{
		{name: "valid", input: "base:0xabc", want: AccountID{Network: NetworkBase, Address: "0xabc"}},
		{name: "atxp account", input: "atxp:acct_123", want: AccountID{Network: NetworkATXP, Address: "acct_123"}},
		{name: "missing address", input: "base:", wantErr: true},
		{name: "missing network", input: ":0xabc", wantErr: true},
		{name: "no separator", input: "base0xabc", wantErr: true},
		{name: "too many parts", input: "base:0xabc:extra", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAccountID(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				var verr *ValidationError
				assert.True(t, errors.As(err, &verr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.input, got.String())
		})
	}
}

func TestNewInsufficientFundsError(t *testing.T) {
	cause := errors.New("insufficient funds for gas * price + value")
	err := NewInsufficientFundsError(NetworkBase, CurrencyUSDC, "1.50", cause)

	assert.Equal(t, ErrCodeInsufficientFunds, err.Code)
	assert.True(t, err.Retryable)
	assert.Contains(t, err.ActionableMessage, "1.50")
	assert.Contains(t, err.ActionableMessage, "USDC")
	assert.Contains(t, err.ActionableMessage, "base")
	assert.ErrorIs(t, err, cause)
}

func TestPaymentExecutionErrorAs(t *testing.T) {
	var err error = &PaymentExecutionError{Code: ErrCodeRPCFailure, Retryable: true}

	var execErr *PaymentExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, ErrCodeRPCFailure, execErr.Code)
	assert.True(t, execErr.Retryable)
}
