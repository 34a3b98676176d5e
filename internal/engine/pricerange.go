package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"gridbot/internal/core"
	"gridbot/internal/db"
	"gridbot/internal/grid"
)

// checkPriceRange is the reconciliation pass that runs on every ticker
// update while RUNNING: it keeps the buy ladder shaped (spacing, count,
// position relative to the ticker) and drives the TSP sub-strategy.
func (e *Engine) checkPriceRange(ctx context.Context) error {
	if e.cfg.DryRun {
		e.log.Debug().Msg("dry run, skipping price range check")
		return nil
	}

	// Pending placements first. Placing anything while an order is still
	// unconfirmed could double up the grid.
	if skip, err := e.replayPendingIfAny(ctx); err != nil || skip {
		return err
	}

	if err := e.checkNearBuyOrders(ctx); err != nil {
		return err
	}
	if err := e.ensureNOpenBuyOrders(ctx); err != nil {
		return err
	}
	if n, err := e.pending.Count(); err != nil {
		return err
	} else if n != 0 {
		return nil
	}
	if err := e.cancelExcessBuyOrders(ctx); err != nil {
		return err
	}
	shifted, err := e.shiftBuyOrdersUp(ctx)
	if err != nil || shifted {
		return err
	}
	if err := e.variant.checkExtraSellOrder(ctx); err != nil {
		return err
	}
	if e.cfg.TSPEnabled() {
		if err := e.processFutureOrders(ctx); err != nil {
			return err
		}
		if err := e.associateSellOrdersWithTSP(); err != nil {
			return err
		}
		if err := e.checkTSP(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) replayPendingIfAny(ctx context.Context) (bool, error) {
	n, err := e.pending.Count()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	e.log.Info().Int64("pending", n).Msg("skipping price range check, replaying pending txids")
	return true, e.assignAllPending(ctx)
}

// checkNearBuyOrders cancels buy orders that sit closer than half an
// interval to the next higher one, keeping the higher of each pair.
func (e *Engine) checkNearBuyOrders(ctx context.Context) error {
	orders, err := e.book.Get(db.OrderQuery{Side: core.Buy, OrderByPrice: "desc"})
	if err != nil {
		return err
	}
	for i := 1; i < len(orders); i++ {
		if !grid.TooClose(orders[i-1].Price, orders[i].Price, e.interval) {
			continue
		}
		e.log.Info().
			Str("keep", orders[i-1].Price.String()).
			Str("cancel", orders[i].Price.String()).
			Msg("buy orders too close, canceling the lower one")
		if err := e.cancelOrder(ctx, orders[i].TXID); err != nil {
			return err
		}
	}
	return nil
}

// ensureNOpenBuyOrders fills the ladder up to n open buy orders, each one
// interval below the last, while funds and the investment cap allow.
func (e *Engine) ensureNOpenBuyOrders(ctx context.Context) error {
	for {
		n, err := e.book.Count(db.OrderQuery{Side: core.Buy})
		if err != nil {
			return err
		}
		if n >= int64(e.cfg.Grid.NOpenBuyOrders) {
			return nil
		}
		if pendingCount, err := e.pending.Count(); err != nil {
			return err
		} else if pendingCount != 0 {
			return nil
		}
		if reached, err := e.maxInvestmentReached(); err != nil {
			return err
		} else if reached {
			return nil
		}
		balances, err := e.rest.PairBalance(ctx)
		if err != nil {
			return err
		}
		if balances.QuoteAvailable.Cmp(e.amountPerGridPlusFee()) <= 0 {
			e.log.Warn().Str("quote_available", balances.QuoteAvailable.String()).
				Msg("not enough quote currency to place a buy order")
			return nil
		}

		last := e.ticker
		if n > 0 {
			lowest, err := e.book.Get(db.OrderQuery{Side: core.Buy, OrderByPrice: "asc", Limit: 1})
			if err != nil {
				return err
			}
			last = lowest[0].Price
		}
		if err := e.newBuyOrder(ctx, grid.BuyPrice(last, e.ticker, e.interval), ""); err != nil {
			return err
		}
	}
}

// cancelExcessBuyOrders trims the ladder back to n orders by canceling
// the lowest ones, which get re-placed closer to the price later.
func (e *Engine) cancelExcessBuyOrders(ctx context.Context) error {
	n, err := e.book.Count(db.OrderQuery{Side: core.Buy})
	if err != nil {
		return err
	}
	excess := int(n) - e.cfg.Grid.NOpenBuyOrders
	if excess <= 0 {
		return nil
	}
	orders, err := e.book.Get(db.OrderQuery{Side: core.Buy, OrderByPrice: "asc", Limit: excess})
	if err != nil {
		return err
	}
	for _, order := range orders {
		if err := e.cancelOrder(ctx, order.TXID); err != nil {
			return err
		}
	}
	return nil
}

// shiftBuyOrdersUp rebuilds the whole buy ladder when the price has run
// more than two intervals above the highest buy order.
func (e *Engine) shiftBuyOrdersUp(ctx context.Context) (bool, error) {
	highest, err := e.book.Get(db.OrderQuery{Side: core.Buy, OrderByPrice: "desc", Limit: 1})
	if err != nil {
		return false, err
	}
	if len(highest) == 0 {
		return false, nil
	}
	if e.ticker.Cmp(grid.ShiftUpThreshold(highest[0].Price, e.interval)) <= 0 {
		return false, nil
	}
	e.log.Info().Str("highest_buy", highest[0].Price.String()).Str("ticker", e.ticker.String()).
		Msg("price ran away from the grid, shifting buy orders up")
	if err := e.cancelAllOpenBuyOrders(ctx); err != nil {
		return false, err
	}
	return true, e.checkPriceRange(ctx)
}

func (e *Engine) cancelAllOpenBuyOrders(ctx context.Context) error {
	orders, err := e.rest.OpenOrders(ctx, e.cfg.Userref)
	if err != nil {
		return err
	}
	for _, order := range orders {
		if order.Side != core.Buy || order.Pair != e.rest.RESTSymbol() {
			continue
		}
		if err := e.cancelOrder(ctx, order.TXID); err != nil {
			return err
		}
	}
	return nil
}

// placeBuy and placeSell funnel all placements through one spot so the
// rate-limit pause and dry-run guard apply uniformly.
func (e *Engine) placeBuy(ctx context.Context, orderPrice decimal.Decimal, txidToDelete string) error {
	if e.cfg.DryRun {
		e.log.Info().Str("price", orderPrice.String()).Msg("dry run, not placing buy order")
		return nil
	}
	if err := e.newBuyOrder(ctx, orderPrice, txidToDelete); err != nil {
		return err
	}
	e.pause()
	return nil
}

func (e *Engine) placeSell(ctx context.Context, orderPrice decimal.Decimal, txidToDelete string) error {
	if e.cfg.DryRun {
		e.log.Info().Str("price", orderPrice.String()).Msg("dry run, not placing sell order")
		return nil
	}
	if err := e.variant.newSellOrder(ctx, orderPrice, txidToDelete); err != nil {
		return err
	}
	e.pause()
	return nil
}

// newBuyOrder places one post-only buy of amountPerGrid quote at the
// given price, guarded by the ladder size, the investment cap, and the
// available balance.
func (e *Engine) newBuyOrder(ctx context.Context, orderPrice decimal.Decimal, txidToDelete string) error {
	if txidToDelete != "" {
		if err := e.book.RemoveTXID(txidToDelete); err != nil {
			return err
		}
	}

	n, err := e.book.Count(db.OrderQuery{Side: core.Buy})
	if err != nil {
		return err
	}
	if n >= int64(e.cfg.Grid.NOpenBuyOrders) {
		return nil
	}
	if reached, err := e.maxInvestmentReached(); err != nil {
		return err
	} else if reached {
		return nil
	}

	price := e.rest.Truncate(orderPrice, core.TruncatePrice)
	volume := e.rest.Truncate(e.amountPerGrid.Div(price), core.TruncateVolume)

	balances, err := e.rest.PairBalance(ctx)
	if err != nil {
		return err
	}
	if balances.QuoteAvailable.Cmp(e.amountPerGridPlusFee()) <= 0 {
		e.notify(fmt.Sprintf(
			"⚠️ %s\n├ Not enough %s\n├ to buy %s %s\n└ for %s %s",
			e.rest.RESTSymbol(), e.cfg.QuoteCurrency,
			volume, e.cfg.BaseCurrency, price, e.cfg.QuoteCurrency,
		))
		e.log.Warn().Str("quote_available", balances.QuoteAvailable.String()).
			Msg("not enough quote currency to place buy order")
		return nil
	}

	e.log.Info().Str("volume", volume.String()).Str("price", price.String()).
		Msg("placing buy order")
	txid, err := e.rest.CreateOrder(ctx, core.OrderRequest{
		Side:     core.Buy,
		Volume:   volume,
		Price:    price,
		Userref:  e.cfg.Userref,
		PostOnly: true,
		Validate: e.cfg.DryRun,
	})
	if err != nil {
		return err
	}
	if err := e.pending.Add(txid); err != nil {
		return err
	}
	return e.assignOrderByTXID(ctx, txid)
}

// buyOrderPrice is one interval below last, never above one interval
// under the ticker.
func (e *Engine) buyOrderPrice(last decimal.Decimal) decimal.Decimal {
	return grid.BuyPrice(last, e.ticker, e.interval)
}

// sellOrderPrice is one interval above last (plus twice the trailing-stop
// percentage when TSP is on), floored at the same markup over the
// ticker. As a side effect it tracks the highest buy price seen.
func (e *Engine) sellOrderPrice(last decimal.Decimal) (decimal.Decimal, error) {
	b, err := e.settings.Get()
	if err != nil {
		return decimal.Zero, err
	}
	if last.Cmp(b.PriceOfHighestBuy) > 0 {
		if err := e.settings.Update(map[string]any{"price_of_highest_buy": last.InexactFloat64()}); err != nil {
			return decimal.Zero, err
		}
	}
	tsp := decimal.Zero
	if e.cfg.TSPEnabled() {
		tsp = e.tspPct
	}
	return grid.SellPrice(last, e.ticker, grid.SellFactor(e.interval, tsp)), nil
}
