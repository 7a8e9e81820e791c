package evm

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransferTxDynamicFee(t *testing.T) {
	to := common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	tx := transferTx(big.NewInt(8453), 7, 60000, &to, []byte{0x01},
		big.NewInt(100), big.NewInt(3), nil)

	assert.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, big.NewInt(3), tx.GasTipCap())
	// fee cap covers the tip plus twice the current base fee
	assert.Equal(t, big.NewInt(203), tx.GasFeeCap())
}

func TestTransferTxLegacyWithoutBaseFee(t *testing.T) {
	to := common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	tx := transferTx(big.NewInt(61), 7, 60000, &to, []byte{0x01},
		nil, nil, big.NewInt(42))

	assert.Equal(t, uint8(types.LegacyTxType), tx.Type())
	assert.Equal(t, big.NewInt(42), tx.GasPrice())
}

func TestParseUnits(t *testing.T) {
	cases := []struct {
		amount   string
		decimals uint8
		want     string
	}{
		{"1", 6, "1000000"},
		{"1.5", 6, "1500000"},
		{"0.000001", 6, "1"},
		{"0", 6, "0"},
		{".5", 6, "500000"},
		{"1000000", 6, "1000000000000"},
		{"2.25", 2, "225"},
		{"7", 0, "7"},
	}
	for _, tc := range cases {
		t.Run(tc.amount, func(t *testing.T) {
			got, err := ParseUnits(tc.amount, tc.decimals)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.String())
		})
	}
}

func TestParseUnitsRejectsInvalid(t *testing.T) {
	cases := []struct {
		name     string
		amount   string
		decimals uint8
	}{
		{"too many decimals", "0.0000001", 6},
		{"any fraction with zero decimals", "1.5", 0},
		{"not a number", "abc", 6},
		{"two dots", "1.2.3", 6},
		{"negative", "-1", 6},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseUnits(tc.amount, tc.decimals)
			assert.Error(t, err)
		})
	}
}
