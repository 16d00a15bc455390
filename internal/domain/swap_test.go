package domain_test

import (
	"math/big"
	"testing"

	"github.com/alejandrodnm/restless/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPoolKey_Sorts(t *testing.T) {
	k := domain.NewPoolKey("WETH", "USDC", 3000, 60, common.Address{})
	assert.Equal(t, domain.Asset("USDC"), k.Currency0)
	assert.Equal(t, domain.Asset("WETH"), k.Currency1)
	require.NoError(t, k.Validate())

	assert.True(t, k.Contains("USDC"))
	assert.False(t, k.Contains("DAI"))
	assert.True(t, k.ZeroForOne("USDC"))
	assert.False(t, k.ZeroForOne("WETH"))
}

func TestPoolKey_Validate(t *testing.T) {
	assert.Error(t, domain.PoolKey{Currency0: "WETH", Currency1: "USDC"}.Validate())
	assert.Error(t, domain.PoolKey{Currency0: "USDC", Currency1: "USDC"}.Validate())
	assert.Error(t, domain.PoolKey{Currency0: "", Currency1: "USDC"}.Validate())
}

func TestBalanceDelta(t *testing.T) {
	d := domain.BalanceDelta{Amount0: big.NewInt(-50), Amount1: big.NewInt(25)}

	in, err := d.InputOwed(true)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), in.Uint64())

	out, err := d.OutputDue(true)
	require.NoError(t, err)
	assert.Equal(t, uint64(25), out.Uint64())

	// Wrong direction: the input side is positive.
	_, err = d.InputOwed(false)
	assert.Error(t, err)
	_, err = d.OutputDue(false)
	assert.Error(t, err)
}
