package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"gridbot/internal/core"
	"gridbot/internal/db"
)

var two = decimal.NewFromInt(2)

// tspAssociationTolerance is the relative price window used to match a
// freshly placed sell order to its unlinked position.
var tspAssociationTolerance = decimal.RequireFromString("0.01")

// initializeTSPForNewPosition starts tracking a position when its buy
// fills. The sell order txid is linked later, once the placement is
// confirmed in the orderbook.
func (e *Engine) initializeTSPForNewPosition(buyTXID string, buyPrice decimal.Decimal) error {
	initialStop := buyPrice.Mul(one.Add(e.interval))
	e.log.Debug().Str("buy_txid", buyTXID).Str("buy_price", buyPrice.String()).
		Msg("initializing trailing stop state for new position")
	return e.tsp.Add(buyTXID, buyPrice, initialStop)
}

// cleanupTSPForFilledSell closes the position tracking when its sell
// order fills, preventing orphaned rows.
func (e *Engine) cleanupTSPForFilledSell(sellTXID string) error {
	pos, err := e.tsp.GetBySellTXID(sellTXID)
	if err != nil {
		return err
	}
	if pos == nil {
		return nil
	}
	e.log.Info().Str("buy_txid", pos.OriginalBuyTXID).Str("sell_txid", sellTXID).
		Msg("position closed, removing trailing stop state")
	return e.tsp.RemoveByBuyTXID(pos.OriginalBuyTXID)
}

// processFutureOrders turns queued sell intents into real sell orders.
// Each entry produces exactly one placement attempt and is removed after
// the placement succeeds.
func (e *Engine) processFutureOrders(ctx context.Context) error {
	prices, err := e.future.Get()
	if err != nil {
		return err
	}
	for _, price := range prices {
		e.log.Info().Str("price", price.String()).Msg("processing future sell order")
		if err := e.placeSell(ctx, price, ""); err != nil {
			return err
		}
		if err := e.future.RemoveByPrice(price); err != nil {
			return err
		}
	}
	return nil
}

// associateSellOrdersWithTSP links unlinked positions to their sell
// orders by price: the sell placed for a position lands within a small
// window of originalBuyPrice × (1 + interval + 2·tsp).
func (e *Engine) associateSellOrdersWithTSP() error {
	unlinked, err := e.tsp.GetUnlinked()
	if err != nil || len(unlinked) == 0 {
		return err
	}
	sells, err := e.book.Get(db.OrderQuery{Side: core.Sell})
	if err != nil {
		return err
	}

	for _, pos := range unlinked {
		expected := pos.OriginalBuyPrice.Mul(one.Add(e.interval).Add(e.tspPct.Mul(two)))
		var match string
		for _, sell := range sells {
			diff := sell.Price.Sub(expected).Abs().Div(expected)
			if diff.Cmp(tspAssociationTolerance) > 0 {
				continue
			}
			claimed, err := e.tsp.GetBySellTXID(sell.TXID)
			if err != nil {
				return err
			}
			if claimed == nil {
				match = sell.TXID
				break
			}
		}
		if match == "" {
			e.log.Warn().Str("buy_txid", pos.OriginalBuyTXID).
				Str("expected_price", expected.String()).
				Msg("no matching sell order for trailing stop position")
			continue
		}
		e.log.Debug().Str("buy_txid", pos.OriginalBuyTXID).Str("sell_txid", match).
			Msg("associating sell order with trailing stop position")
		if err := e.tsp.SetSellTXID(pos.OriginalBuyTXID, match); err != nil {
			return err
		}
	}
	return nil
}

// checkTSP walks the open sell orders and advances their positions'
// trailing stops: activate once the price clears the buy by
// interval + tsp, ratchet the stop and shift the sell up as the price
// keeps rising, and close the position at market once the price falls
// back to the stop.
func (e *Engine) checkTSP(ctx context.Context) error {
	if !e.cfg.TSPEnabled() || e.cfg.DryRun || e.ticker.IsZero() {
		return nil
	}

	sells, err := e.book.Get(db.OrderQuery{Side: core.Sell})
	if err != nil {
		return err
	}
	for _, sell := range sells {
		pos, err := e.tsp.GetBySellTXID(sell.TXID)
		if err != nil {
			return err
		}
		if pos == nil {
			// sells from shift-ups or the swing extra sell have no position
			continue
		}
		if pos.OriginalBuyPrice.Cmp(e.ticker) > 0 {
			continue
		}

		if !pos.Active {
			activation := pos.OriginalBuyPrice.Mul(one.Add(e.interval).Add(e.tspPct))
			if e.ticker.Cmp(activation) < 0 {
				continue
			}
			e.log.Info().Str("buy_txid", pos.OriginalBuyTXID).
				Str("buy_price", pos.OriginalBuyPrice.String()).Str("ticker", e.ticker.String()).
				Msg("activating trailing stop")
			if err := e.tsp.Activate(pos.OriginalBuyTXID, e.ticker); err != nil {
				return err
			}
			if err := e.shiftSellOrderUp(ctx, pos, sell); err != nil {
				return err
			}
			continue
		}

		switch {
		case e.ticker.Cmp(sell.Price.Sub(pos.OriginalBuyPrice.Mul(e.tspPct))) >= 0:
			if err := e.tsp.RatchetStop(pos.OriginalBuyTXID, e.ticker); err != nil {
				return err
			}
			if err := e.shiftSellOrderUp(ctx, pos, sell); err != nil {
				return err
			}
		case e.ticker.Cmp(pos.CurrentStopPrice) <= 0:
			if err := e.triggerTSP(ctx, pos, sell); err != nil {
				return err
			}
		}
	}
	return nil
}

// shiftSellOrderUp moves a position's sell order one tsp step higher:
// cancel the old sell, queue the new one as a future order, and unlink
// the position until the replacement is associated.
func (e *Engine) shiftSellOrderUp(ctx context.Context, pos *db.TSPPosition, sell db.BookOrder) error {
	newPrice := sell.Price.Add(pos.OriginalBuyPrice.Mul(e.tspPct))
	if err := e.cancelOrder(ctx, sell.TXID); err != nil {
		return err
	}
	if err := e.future.Add(newPrice); err != nil {
		return err
	}
	if err := e.tsp.SetSellTXID(pos.OriginalBuyTXID, ""); err != nil {
		return err
	}
	e.notify(fmt.Sprintf(
		"↗️ Shifting up sell order from %s %s to %s %s, trailing stop at %s %s",
		sell.Price, e.cfg.QuoteCurrency,
		newPrice, e.cfg.QuoteCurrency,
		e.ticker.Mul(one.Sub(e.tspPct)), e.cfg.QuoteCurrency,
	))
	return nil
}

// triggerTSP closes the position: the stop was hit, so the leading sell
// gets replaced by an immediate one at the stop level, floored at the
// minimum profitable price.
func (e *Engine) triggerTSP(ctx context.Context, pos *db.TSPPosition, sell db.BookOrder) error {
	e.log.Info().Str("buy_txid", pos.OriginalBuyTXID).
		Str("stop_price", pos.CurrentStopPrice.String()).
		Msg("trailing stop triggered, selling position")
	e.notify(fmt.Sprintf(
		"⚠️ Trailing stop triggered at %s %s",
		pos.CurrentStopPrice, e.cfg.QuoteCurrency,
	))

	if err := e.cancelOrder(ctx, sell.TXID); err != nil {
		return err
	}
	minProfitable := pos.OriginalBuyPrice.Mul(one.Add(e.interval).Add(e.fee.Mul(two)))
	price := e.ticker
	if price.Cmp(minProfitable) < 0 {
		price = minProfitable
	}
	if err := e.placeSell(ctx, price, ""); err != nil {
		return err
	}
	return e.tsp.RemoveByBuyTXID(pos.OriginalBuyTXID)
}
