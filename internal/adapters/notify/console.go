package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/alejandrodnm/restless/internal/domain"
	"github.com/holiman/uint256"
	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
)

// Console imprime deals, settlements y eventos en la terminal.
// También implementa ports.EventSink para seguir el audit log en vivo.
type Console struct {
	out      io.Writer
	asset    domain.Asset
	decimals map[domain.Asset]uint8
	live     bool
}

// NewConsole crea un Console que escribe a stdout. asset es el asset de
// settlement; decimals resuelve los decimales de cada asset para formatear.
func NewConsole(asset domain.Asset, decimals map[domain.Asset]uint8, live bool) *Console {
	return NewConsoleWriter(os.Stdout, asset, decimals, live)
}

// NewConsoleWriter crea un Console sobre w (tests).
func NewConsoleWriter(w io.Writer, asset domain.Asset, decimals map[domain.Asset]uint8, live bool) *Console {
	return &Console{out: w, asset: asset, decimals: decimals, live: live}
}

// Emit imprime una línea por evento cuando el modo live está activo.
func (c *Console) Emit(_ context.Context, ev domain.Event) error {
	if !c.live {
		return nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %-13s", ev.At.Format("15:04:05"), ev.Kind)
	if ev.DealID != 0 {
		fmt.Fprintf(&sb, " deal=%d", ev.DealID)
	}
	keys := make([]string, 0, len(ev.Attributes))
	for k := range ev.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%s", k, ev.Attributes[k])
	}
	fmt.Fprintln(c.out, sb.String())
	return nil
}

// PrintDeals imprime la tabla de deals. accrued es opcional.
func (c *Console) PrintDeals(deals []domain.Deal, accrued map[uint64]*uint256.Int) {
	if len(deals) == 0 {
		fmt.Fprintln(c.out, "no deals")
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("ID", "Status", "Depositor", "Counterparty", "Principal", "Split", "Accrued", "Timeout", "Created")
	for _, d := range deals {
		acc := "-"
		if v, ok := accrued[d.ID]; ok && v != nil {
			acc = c.Format(c.asset, v)
		}
		table.Append(
			fmt.Sprint(d.ID),
			d.Status.String(),
			shortAddr(d.Depositor.Hex()),
			shortAddr(d.Counterparty.Hex()),
			c.Format(c.asset, d.Principal),
			fmt.Sprintf("%d%%", d.YieldSplitCounterparty),
			acc,
			d.TimeoutDuration.String(),
			d.CreatedAt.Format(time.DateTime),
		)
	}
	table.Render()
}

// PrintSettlements imprime la tabla de settlements y refunds.
func (c *Console) PrintSettlements(recs []domain.SettlementRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(c.out, "no settlements")
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("Deal", "Route", "Total", "Yield", "Counterparty", "Depositor", "Out", "Transfer", "Settled")
	for _, r := range recs {
		yield := new(uint256.Int)
		if r.Total != nil && r.Principal != nil && r.Total.Gt(r.Principal) {
			yield.Sub(r.Total, r.Principal)
		}
		out := "-"
		if r.AmountOut != nil && r.OutputAsset != "" {
			out = c.Format(r.OutputAsset, r.AmountOut) + " " + string(r.OutputAsset)
		}
		transfer := "-"
		if r.BridgeTransferID != "" {
			transfer = r.BridgeTransferID
		}
		table.Append(
			fmt.Sprint(r.DealID),
			r.Route.String(),
			c.Format(c.asset, r.Total),
			c.Format(c.asset, yield),
			c.Format(c.asset, r.CounterpartyPayout),
			c.Format(c.asset, r.DepositorPayout),
			out,
			transfer,
			r.SettledAt.Format(time.DateTime),
		)
	}
	table.Render()
}

// PrintEvents imprime el audit log.
func (c *Console) PrintEvents(events []domain.Event) {
	if len(events) == 0 {
		fmt.Fprintln(c.out, "no events")
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("At", "Kind", "Deal", "Attributes")
	for _, ev := range events {
		keys := make([]string, 0, len(ev.Attributes))
		for k := range ev.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		attrs := make([]string, 0, len(keys))
		for _, k := range keys {
			attrs = append(attrs, k+"="+ev.Attributes[k])
		}
		deal := "-"
		if ev.DealID != 0 {
			deal = fmt.Sprint(ev.DealID)
		}
		table.Append(ev.At.Format(time.DateTime), string(ev.Kind), deal, strings.Join(attrs, " "))
	}
	table.Render()
}

// Format convierte una cantidad en unidades base a unidades enteras del asset.
func (c *Console) Format(asset domain.Asset, amount *uint256.Int) string {
	return FormatAmount(amount, c.decimals[asset])
}

// FormatAmount renderiza amount con decimals decimales, sin ceros a la derecha.
func FormatAmount(amount *uint256.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount.ToBig(), -int32(decimals)).String()
}

// shortAddr abrevia una dirección hex: 0x1234…abcd.
func shortAddr(hex string) string {
	if len(hex) <= 12 {
		return hex
	}
	return hex[:6] + "…" + hex[len(hex)-4:]
}
