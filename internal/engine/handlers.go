package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"gridbot/internal/core"
	"gridbot/internal/db"
)

// handleFilledOrder reacts to a filled order: a buy fill produces the
// matching sell one step up, a sell fill produces a replacement buy one
// step down (unless it was the last sell, where the shift-up check takes
// over).
func (e *Engine) handleFilledOrder(ctx context.Context, txid string) error {
	order, err := e.rest.OrderWithRetry(ctx, txid, true)
	if err != nil {
		return err
	}
	if !e.ownsOrder(order) {
		e.log.Debug().Str("txid", txid).Msg("filled order not from this instance")
		return nil
	}

	// The stream can outrun the REST backend: the fill is announced while
	// QueryOrders still reports the order open. Poll a few times before
	// giving up.
	for attempt := 1; order.Status != core.OrderClosed && attempt <= 3; attempt++ {
		wait := time.Duration(2+attempt) * time.Second
		e.log.Warn().Str("txid", txid).Int("attempt", attempt).Dur("retry_in", wait).
			Msg("filled order not closed upstream yet")
		e.sleep(wait)
		if order, err = e.rest.OrderWithRetry(ctx, txid, false); err != nil {
			return err
		}
	}
	if order.Status != core.OrderClosed {
		return fmt.Errorf("order %s reported filled but never closed upstream: %w", txid, core.ErrBotState)
	}

	if e.cfg.DryRun {
		e.log.Info().Str("txid", txid).Msg("dry run, not handling filled order")
		return nil
	}

	e.notify(fmt.Sprintf(
		"✅ %s: %s order executed\n ├ Price » %s %s\n ├ Size » %s %s\n └ Size in %s » %s",
		e.rest.RESTSymbol(), order.Side,
		order.Price, e.cfg.QuoteCurrency,
		order.VolExec, e.cfg.BaseCurrency,
		e.cfg.QuoteCurrency, order.Price.Mul(order.VolExec).StringFixed(e.costDecimals),
	))

	switch order.Side {
	case core.Buy:
		sellPrice, err := e.sellOrderPrice(order.Price)
		if err != nil {
			return err
		}
		if err := e.placeSell(ctx, sellPrice, txid); err != nil {
			return err
		}
		if e.cfg.TSPEnabled() {
			return e.initializeTSPForNewPosition(txid, order.Price)
		}
	case core.Sell:
		if e.cfg.TSPEnabled() {
			if err := e.cleanupTSPForFilledSell(txid); err != nil {
				return err
			}
		}
		otherSells, err := e.book.Count(db.OrderQuery{Side: core.Sell, ExcludeTXID: txid})
		if err != nil {
			return err
		}
		if otherSells == 0 {
			// Last sell gone means the price is high enough that the
			// shift-up check will rebuild the buy ladder anyway.
			return e.book.RemoveTXID(txid)
		}
		return e.placeBuy(ctx, e.buyOrderPrice(order.Price), txid)
	}
	return nil
}

// cancelOrder cancels by txid and keeps the books straight. The local
// orderbook is the gatekeeper: an unknown txid is a no-op, which also
// absorbs the stream's cancel confirmation after an active cancel.
// Partially filled buys park their executed volume for a later
// consolidated sell.
func (e *Engine) cancelOrder(ctx context.Context, txid string) error {
	n, err := e.book.Count(db.OrderQuery{TXID: txid})
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}

	order, err := e.rest.OrderWithRetry(ctx, txid, true)
	if err != nil {
		return err
	}
	if !e.ownsOrder(order) {
		e.log.Debug().Str("txid", txid).Msg("not canceling, order not from this instance")
		return nil
	}
	if e.cfg.DryRun {
		e.log.Info().Str("txid", txid).Msg("dry run, not canceling order")
		return nil
	}

	e.log.Info().Str("txid", txid).Msg("canceling order")
	if err := e.rest.CancelOrder(ctx, txid); err != nil {
		if !errors.Is(err, core.ErrUnknownOrder) {
			return err
		}
		e.log.Info().Str("txid", txid).Msg("order already closed upstream")
	}
	if err := e.book.RemoveTXID(txid); err != nil {
		return err
	}
	e.pause()

	if order.Side != core.Buy || order.VolExec.Cmp(decimal.Zero) == 0 {
		return nil
	}
	return e.consolidatePartialFill(ctx, order)
}

// consolidatePartialFill parks the executed volume of a canceled buy and
// sells the accumulated leftovers once they are worth a full grid step.
// Some dust may remain stuck below the threshold.
func (e *Engine) consolidatePartialFill(ctx context.Context, order core.Order) error {
	e.log.Info().Str("txid", order.TXID).Str("vol_exec", order.VolExec.String()).
		Msg("canceled buy was partly filled, saving those funds")

	b, err := e.settings.Get()
	if err != nil {
		return err
	}
	updates := map[string]any{
		"vol_of_unfilled_remaining": b.VolOfUnfilledRemaining.Add(order.VolExec).InexactFloat64(),
	}
	if b.VolOfUnfilledRemainingMaxPrice.Cmp(order.Price) < 0 {
		updates["vol_of_unfilled_remaining_max_price"] = order.Price.InexactFloat64()
	}
	if err := e.settings.Update(updates); err != nil {
		return err
	}

	b, err = e.settings.Get()
	if err != nil {
		return err
	}
	if b.VolOfUnfilledRemaining.Mul(b.VolOfUnfilledRemainingMaxPrice).Cmp(e.amountPerGrid) < 0 {
		return nil
	}

	e.log.Info().Msg("collected enough partly filled volume for a consolidated sell")
	sellPrice, err := e.sellOrderPrice(b.VolOfUnfilledRemainingMaxPrice)
	if err != nil {
		return err
	}
	if err := e.placeSell(ctx, sellPrice, ""); err != nil {
		return err
	}
	return e.settings.Update(map[string]any{
		"vol_of_unfilled_remaining":           0.0,
		"vol_of_unfilled_remaining_max_price": 0.0,
	})
}
