package domain_test

import (
	"fmt"
	"testing"

	"github.com/alejandrodnm/restless/internal/domain"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func params(principal, total uint64, split uint8) domain.SettleParams {
	return domain.SettleParams{
		DealID:                 1,
		Principal:              uint256.NewInt(principal),
		Total:                  uint256.NewInt(total),
		YieldSplitCounterparty: split,
	}
}

func TestComputeSplit_Examples(t *testing.T) {
	tests := []struct {
		name                          string
		principal, total              uint64
		split                         uint8
		wantCounterparty, wantDeposit uint64
	}{
		{"all yield to counterparty", 5000, 5100, 100, 5100, 0},
		{"even split", 5000, 5100, 50, 5050, 50},
		{"no yield to counterparty", 5000, 5100, 0, 5000, 100},
		{"no yield", 5000, 5000, 37, 5000, 0},
		{"rounding favours depositor", 1000, 1003, 50, 1001, 2},
		{"one wei of yield", 1, 2, 99, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := domain.ComputeSplit(params(tt.principal, tt.total, tt.split))
			require.NoError(t, err)
			assert.Equal(t, tt.wantCounterparty, s.CounterpartyPayout.Uint64())
			assert.Equal(t, tt.wantDeposit, s.DepositorYield.Uint64())
			assert.Equal(t, tt.total-tt.principal, s.Yield.Uint64())
		})
	}
}

func TestComputeSplit_Conservation(t *testing.T) {
	principals := []uint64{1, 7, 999, 5_000_000_000}
	yields := []uint64{0, 1, 3, 99, 101, 1_000_003}
	for _, p := range principals {
		for _, y := range yields {
			for split := 0; split <= domain.MaxSplit; split++ {
				s, err := domain.ComputeSplit(params(p, p+y, uint8(split)))
				require.NoError(t, err)

				sum := new(uint256.Int).Add(s.CounterpartyPayout, s.DepositorYield)
				assert.Equal(t, p+y, sum.Uint64(), "p=%d y=%d split=%d", p, y, split)

				yieldSum := new(uint256.Int).Add(s.CounterpartyYield, s.DepositorYield)
				assert.True(t, yieldSum.Eq(s.Yield))
			}
		}
	}
}

func TestComputeSplit_Monotonic(t *testing.T) {
	prev := uint64(0)
	for split := 0; split <= domain.MaxSplit; split++ {
		s, err := domain.ComputeSplit(params(5000, 5000+12_345, uint8(split)))
		require.NoError(t, err)
		got := s.CounterpartyPayout.Uint64()
		assert.GreaterOrEqual(t, got, prev, "split=%d", split)
		prev = got
	}
}

func TestComputeSplit_LargeAmounts(t *testing.T) {
	max := new(uint256.Int).SetAllOne()
	principal := new(uint256.Int).Rsh(max, 1)
	p := domain.SettleParams{Principal: principal, Total: max, YieldSplitCounterparty: 33}

	s, err := domain.ComputeSplit(p)
	require.NoError(t, err)
	sum := new(uint256.Int).Add(s.CounterpartyPayout, s.DepositorYield)
	assert.True(t, sum.Eq(max))
}

func TestComputeSplit_Rejections(t *testing.T) {
	tests := []struct {
		name string
		p    domain.SettleParams
		code domain.Code
	}{
		{"zero principal", params(0, 10, 50), domain.CodeInvalidPrincipal},
		{"nil principal", domain.SettleParams{Total: uint256.NewInt(1)}, domain.CodeInvalidPrincipal},
		{"total below principal", params(5000, 4999, 50), domain.CodeInsufficientTotal},
		{"nil total", domain.SettleParams{Principal: uint256.NewInt(1)}, domain.CodeInsufficientTotal},
		{"split above 100", params(5000, 5100, 101), domain.CodeInvalidSplit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := domain.ComputeSplit(tt.p)
			require.Error(t, err)
			assert.Equal(t, tt.code, domain.GetCode(err))
		})
	}
}

func TestRoutingFromData(t *testing.T) {
	assert.Equal(t, domain.RouteDirect, domain.RoutingFromData(nil).Mode)
	assert.Equal(t, domain.RouteDirect, domain.RoutingFromData([]byte{}).Mode)

	data := []byte("chain:10")
	r := domain.RoutingFromData(data)
	assert.Equal(t, domain.RouteBridge, r.Mode)
	data[0] = 'X'
	assert.Equal(t, "chain:10", string(r.BridgeData), "routing data is copied")

	s := domain.SwapRouting("WETH")
	assert.Equal(t, domain.RouteSwap, s.Mode)
	assert.Equal(t, domain.Asset("WETH"), s.PreferredAsset)
}

func TestRoutingMode_RoundTrip(t *testing.T) {
	for _, m := range []domain.RoutingMode{domain.RouteDirect, domain.RouteBridge, domain.RouteSwap} {
		got, err := domain.ParseRoutingMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := domain.ParseRoutingMode("teleport")
	assert.Error(t, err)
	assert.Equal(t, "route(9)", fmt.Sprint(domain.RoutingMode(9)))
}
