package onchain

import (
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbexec/internal/simulation"
	"arbexec/pkg/types"
)

func TestBuildApproveEncodesSelector(t *testing.T) {
	b := NewEthBuilder(nil)
	spender := "0x00000000000000000000000000000000000aa0"
	data, err := b.BuildApprove(nil, "ethereum", "0xToken", spender, big.NewInt(1000))
	require.NoError(t, err)

	selector, err := erc20ABI.Pack("approve", common.HexToAddress(spender), big.NewInt(1000))
	require.NoError(t, err)
	assert.Equal(t, selector, data)
}

func TestBuildSwapRejectsUnknownChain(t *testing.T) {
	b := NewEthBuilder(map[string]ChainClients{})
	_, _, err := b.BuildSwap(nil, "unknown-chain", &types.Opportunity{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "no client configured"))
}

func TestSendRejectsUnknownChain(t *testing.T) {
	b := NewEthBuilder(map[string]ChainClients{})
	_, err := b.Send(nil, "unknown-chain", "0xabc", nil, 21000, nil)
	require.Error(t, err)
}

func TestWaitForReceiptRejectsUnknownChain(t *testing.T) {
	b := NewEthBuilder(map[string]ChainClients{})
	_, err := b.WaitForReceipt(nil, "unknown-chain", "0xdeadbeef")
	require.Error(t, err)
}

func TestEthCallBackendRejectsUnknownChain(t *testing.T) {
	backend := NewEthCallBackend(nil)
	assert.Equal(t, "eth_call", backend.Name())

	_, err := backend.Simulate(nil, simulation.Tx{To: "0xabc"}, "unknown-chain")
	require.Error(t, err)
}

func TestIsRevertDetectsExecutionRevertedSubstring(t *testing.T) {
	assert.True(t, isRevert(errors.New("execution reverted: INSUFFICIENT_OUTPUT_AMOUNT")))
	assert.False(t, isRevert(errors.New("connection refused")))
}

func TestAddrPtrReturnsNilForEmptyString(t *testing.T) {
	assert.Nil(t, addrPtr(""))
	assert.NotNil(t, addrPtr("0x00000000000000000000000000000000000aa0"))
}
