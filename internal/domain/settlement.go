package domain

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// SettleParams is built per settlement call from a deal and the amount the
// yield adapter returned on withdraw.
type SettleParams struct {
	DealID                 uint64
	Depositor              common.Address
	Counterparty           common.Address
	Principal              *uint256.Int
	Total                  *uint256.Int
	YieldSplitCounterparty uint8
}

// Split is the exact-conservation division of a withdrawn total.
//
// CounterpartyYield + DepositorYield == Yield and
// CounterpartyPayout + DepositorYield == Principal + Yield for every input.
type Split struct {
	Principal          *uint256.Int
	Yield              *uint256.Int
	CounterpartyYield  *uint256.Int
	DepositorYield     *uint256.Int
	CounterpartyPayout *uint256.Int
}

// ComputeSplit validates params and divides the yield. The depositor's share
// is the remainder of the subtraction, never a second division.
func ComputeSplit(p SettleParams) (Split, error) {
	if p.Principal == nil || p.Principal.IsZero() {
		return Split{}, NewError(CodeInvalidPrincipal, "principal must be greater than zero",
			"deal", fmt.Sprint(p.DealID))
	}
	if p.Total == nil || p.Total.Lt(p.Principal) {
		total := "nil"
		if p.Total != nil {
			total = p.Total.Dec()
		}
		return Split{}, NewError(CodeInsufficientTotal, "withdrawn total is below principal",
			"deal", fmt.Sprint(p.DealID),
			"principal", p.Principal.Dec(),
			"total", total,
		)
	}
	if p.YieldSplitCounterparty > MaxSplit {
		return Split{}, NewError(CodeInvalidSplit, "yield split must be within [0, 100]",
			"deal", fmt.Sprint(p.DealID),
			"split", fmt.Sprint(p.YieldSplitCounterparty),
		)
	}

	yield := new(uint256.Int).Sub(p.Total, p.Principal)
	cpYield, _ := new(uint256.Int).MulDivOverflow(yield, uint256.NewInt(uint64(p.YieldSplitCounterparty)), uint256.NewInt(MaxSplit))
	depYield := new(uint256.Int).Sub(yield, cpYield)
	cpPayout := new(uint256.Int).Add(p.Principal, cpYield)

	return Split{
		Principal:          new(uint256.Int).Set(p.Principal),
		Yield:              yield,
		CounterpartyYield:  cpYield,
		DepositorYield:     depYield,
		CounterpartyPayout: cpPayout,
	}, nil
}

// RoutingMode selects how the counterparty payout is delivered.
type RoutingMode int

const (
	RouteDirect RoutingMode = iota
	RouteBridge
	RouteSwap
)

func (m RoutingMode) String() string {
	switch m {
	case RouteDirect:
		return "direct"
	case RouteBridge:
		return "bridge"
	case RouteSwap:
		return "swap"
	default:
		return fmt.Sprintf("route(%d)", int(m))
	}
}

// ParseRoutingMode is the inverse of String.
func ParseRoutingMode(s string) (RoutingMode, error) {
	switch s {
	case "direct":
		return RouteDirect, nil
	case "bridge":
		return RouteBridge, nil
	case "swap":
		return RouteSwap, nil
	}
	return 0, fmt.Errorf("unknown routing mode %q", s)
}

// Routing is the per-settlement delivery choice for the counterparty.
type Routing struct {
	Mode           RoutingMode
	BridgeData     []byte // opaque, passed through to the bridge facility
	PreferredAsset Asset  // swap only
}

// DirectRouting sends the counterparty payout by plain transfer.
func DirectRouting() Routing { return Routing{Mode: RouteDirect} }

// RoutingFromData mirrors settleDeal(dealId, routingData): no data means a
// direct transfer, anything else goes through the bridge.
func RoutingFromData(data []byte) Routing {
	if len(data) == 0 {
		return DirectRouting()
	}
	return Routing{Mode: RouteBridge, BridgeData: append([]byte(nil), data...)}
}

// SwapRouting delivers the counterparty's yield in the preferred asset.
func SwapRouting(asset Asset) Routing {
	return Routing{Mode: RouteSwap, PreferredAsset: asset}
}

// SettlementRecord is emitted once per completed settlement or timeout refund.
type SettlementRecord struct {
	DealID             uint64
	Depositor          common.Address
	Counterparty       common.Address
	Principal          *uint256.Int
	Total              *uint256.Int
	CounterpartyPayout *uint256.Int
	DepositorPayout    *uint256.Int
	Route              RoutingMode
	OutputAsset        Asset        // swap only
	AmountOut          *uint256.Int // swap only, in OutputAsset units
	BridgeTransferID   string       // bridge only
	SettledAt          time.Time
}
