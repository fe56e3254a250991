package mev

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ethSettings() ChainSettings {
	return ChainSettings{
		MinProfitForProtection: 50,
		Providers: []ProviderSettings{
			{Name: "flashbots", Enabled: true},
			{Name: "mev-share", Enabled: false},
			{Name: "bloxroute", Enabled: true},
		},
	}
}

func TestCheckEligibilityRequiresMinProfit(t *testing.T) {
	s := New(map[string]ChainSettings{"ethereum": ethSettings()}, nil, nil)
	e := s.CheckEligibility("ethereum", 10)
	assert.False(t, e.ShouldUseMev)

	e = s.CheckEligibility("ethereum", 100)
	assert.True(t, e.ShouldUseMev)
	assert.Equal(t, "flashbots", e.Provider)
}

func TestCheckEligibilityFalseWhenChainDisabled(t *testing.T) {
	cs := ethSettings()
	cs.Disabled = true
	s := New(map[string]ChainSettings{"ethereum": cs}, nil, nil)
	e := s.CheckEligibility("ethereum", 1000)
	assert.False(t, e.ShouldUseMev)
}

func TestCheckEligibilityFalseWhenNoChainConfigured(t *testing.T) {
	s := New(map[string]ChainSettings{}, nil, nil)
	e := s.CheckEligibility("polygon", 1000)
	assert.False(t, e.ShouldUseMev)
}

func TestGetProviderFallbackChainOnlyEnabled(t *testing.T) {
	s := New(map[string]ChainSettings{"ethereum": ethSettings()}, nil, nil)
	providers := s.GetProviderFallbackChain("ethereum")
	assert.Equal(t, []string{"flashbots", "bloxroute"}, providers)
}

type stubFeeSource struct {
	fd  FeeData
	err error
}

func (s stubFeeSource) SuggestFeeData(ctx context.Context) (FeeData, error) { return s.fd, s.err }

type stubLegacyGas struct {
	price *big.Int
	err   error
}

func (s stubLegacyGas) GetOptimalGasPrice(ctx context.Context, chain string) (*big.Int, error) {
	return s.price, s.err
}

func TestApplyProtectionEIP1559CapsaPriorityFee(t *testing.T) {
	cs := ethSettings()
	cs.MaxPriorityFeeWei = big.NewInt(3_000_000_000)
	s := New(map[string]ChainSettings{"ethereum": cs}, nil, nil)

	tx := &Tx{}
	fees := stubFeeSource{fd: FeeData{
		MaxFeePerGas:         big.NewInt(50_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(10_000_000_000), // above the cap
	}}
	s.ApplyProtection(context.Background(), tx, "ethereum", fees)

	require.Equal(t, uint8(2), tx.Type)
	assert.Equal(t, "50000000000", tx.MaxFeePerGas.String())
	assert.Equal(t, "3000000000", tx.MaxPriorityFeePerGas.String(), "priority fee capped at configured max")
}

func TestApplyProtectionFallsBackToLegacyOnFeeDataError(t *testing.T) {
	s := New(map[string]ChainSettings{"ethereum": ethSettings()}, stubLegacyGas{price: big.NewInt(20_000_000_000)}, nil)

	tx := &Tx{}
	fees := stubFeeSource{err: errors.New("unsupported")}
	s.ApplyProtection(context.Background(), tx, "ethereum", fees)

	assert.Equal(t, uint8(0), tx.Type)
	assert.Equal(t, "20000000000", tx.GasPrice.String())
}

func TestApplyProtectionNoFeeSourceUsesLegacyDirectly(t *testing.T) {
	s := New(map[string]ChainSettings{"ethereum": ethSettings()}, stubLegacyGas{price: big.NewInt(15_000_000_000)}, nil)
	tx := &Tx{}
	s.ApplyProtection(context.Background(), tx, "ethereum", nil)
	assert.Equal(t, "15000000000", tx.GasPrice.String())
}
