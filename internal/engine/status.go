package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"gridbot/internal/core"
	"gridbot/internal/db"
)

const statusLadderSize = 5

// sendStatusUpdate publishes the periodic account summary with a small
// ladder of the nearest orders around the current price.
func (e *Engine) sendStatusUpdate(ctx context.Context) error {
	balances, err := e.rest.PairBalance(ctx)
	if err != nil {
		return err
	}
	b, err := e.settings.Get()
	if err != nil {
		return err
	}
	inv, err := e.investment()
	if err != nil {
		return err
	}
	total, err := e.book.Count(db.OrderQuery{})
	if err != nil {
		return err
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "👑 %s\n", e.cfg.Name)
	fmt.Fprintf(&msg, "└ Price » %s %s\n\n", e.ticker, e.cfg.QuoteCurrency)

	wealth := balances.BaseBalance.Mul(e.ticker).Add(balances.QuoteBalance)
	fmt.Fprintf(&msg, "⚜️ Account\n")
	fmt.Fprintf(&msg, "├ Total %s » %s\n", e.cfg.BaseCurrency, balances.BaseBalance)
	fmt.Fprintf(&msg, "├ Total %s » %s\n", e.cfg.QuoteCurrency, balances.QuoteBalance)
	fmt.Fprintf(&msg, "├ Available %s » %s\n", e.cfg.QuoteCurrency, balances.QuoteAvailable)
	fmt.Fprintf(&msg, "├ Available %s » %s\n", e.cfg.BaseCurrency,
		balances.BaseAvailable.Sub(b.VolOfUnfilledRemaining))
	fmt.Fprintf(&msg, "├ Unfilled surplus of %s » %s\n", e.cfg.BaseCurrency, b.VolOfUnfilledRemaining)
	fmt.Fprintf(&msg, "├ Wealth » %s %s\n", wealth.StringFixed(e.costDecimals), e.cfg.QuoteCurrency)
	fmt.Fprintf(&msg, "└ Investment » %s / %s %s\n\n",
		inv.StringFixed(e.costDecimals), e.cfg.Grid.MaxInvestment, e.cfg.QuoteCurrency)

	fmt.Fprintf(&msg, "💠 Orders\n")
	fmt.Fprintf(&msg, "├ Amount per Grid » %s %s\n", e.cfg.Grid.AmountPerGrid, e.cfg.QuoteCurrency)
	fmt.Fprintf(&msg, "└ Open orders » %d\n", total)

	ladder, err := e.renderOrderLadder()
	if err != nil {
		return err
	}
	msg.WriteString(ladder)

	e.notify(msg.String())
	e.lastStatusAt = time.Now()
	return nil
}

// renderOrderLadder draws the nearest sell orders above and buy orders
// below the ticker, with their percentage distance from it.
func (e *Engine) renderOrderLadder() (string, error) {
	sells, err := e.book.Get(db.OrderQuery{
		Side: core.Sell, OrderByPrice: "asc", Limit: statusLadderSize,
	})
	if err != nil {
		return "", err
	}
	buys, err := e.book.Get(db.OrderQuery{
		Side: core.Buy, OrderByPrice: "desc", Limit: statusLadderSize,
	})
	if err != nil {
		return "", err
	}

	var out strings.Builder
	out.WriteString("\n```\n")
	fmt.Fprintf(&out, " 🏷️ Price in %s\n", e.cfg.QuoteCurrency)

	switch {
	case len(sells) == 0 && len(buys) == 0:
		fmt.Fprintf(&out, "└────> %s\n", e.ticker)
	case len(sells) == 0:
		fmt.Fprintf(&out, "└───┬> %s\n", e.ticker)
	default:
		// highest sell first
		for i := len(sells) - 1; i >= 0; i-- {
			branch := "├"
			if i == len(sells)-1 {
				branch = "┌"
			}
			fmt.Fprintf(&out, " │  %s[ %s (+%s%%)\n", branch, sells[i].Price, e.distancePct(sells[i].Price))
		}
		fmt.Fprintf(&out, " └──┼> %s\n", e.ticker)
	}

	for i, buy := range buys {
		branch := "├"
		if i == len(buys)-1 {
			branch = "└"
		}
		fmt.Fprintf(&out, "    %s[ %s (%s%%)\n", branch, buy.Price, e.distancePct(buy.Price))
	}
	out.WriteString("```")
	return out.String(), nil
}

func (e *Engine) distancePct(price decimal.Decimal) string {
	if e.ticker.IsZero() {
		return "0.00"
	}
	return price.Div(e.ticker).Sub(one).Mul(decimal.NewFromInt(100)).StringFixed(2)
}
