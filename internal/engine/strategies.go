package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"gridbot/internal/core"
	"gridbot/internal/db"
)

// sellVariant is what distinguishes the four grid strategies: how a sell
// order is produced for a filled buy, and whether an extra sell outside
// the regular arbitrage exists.
type sellVariant interface {
	// newSellOrder places the sell matching a filled buy. txidToDelete is
	// the buy's txid to drop from the local orderbook, empty for sells
	// without a direct counterpart (future orders, consolidated sells).
	newSellOrder(ctx context.Context, orderPrice decimal.Decimal, txidToDelete string) error
	checkExtraSellOrder(ctx context.Context) error
}

// gridHODL sells amountPerGrid worth of quote at the sell price, which is
// slightly less base than the buy acquired. The difference accumulates as
// base currency over time.
type gridHODL struct {
	e *Engine
}

func (s *gridHODL) newSellOrder(ctx context.Context, orderPrice decimal.Decimal, txidToDelete string) error {
	e := s.e
	price := e.rest.Truncate(orderPrice, core.TruncatePrice)
	volume := e.rest.Truncate(e.amountPerGrid.Div(price), core.TruncateVolume)
	return e.submitSell(ctx, price, volume, txidToDelete, false)
}

func (s *gridHODL) checkExtraSellOrder(context.Context) error { return nil }

// gridSell sells exactly the volume the buy acquired, taking the whole
// profit in quote currency. Missing base balance is fatal here: the
// volume to sell was just bought, so a shortfall means external
// interference with the account.
type gridSell struct {
	e *Engine
}

func (s *gridSell) newSellOrder(ctx context.Context, orderPrice decimal.Decimal, txidToDelete string) error {
	e := s.e
	price := e.rest.Truncate(orderPrice, core.TruncatePrice)

	volume := e.amountPerGrid.Div(price)
	if txidToDelete != "" {
		buy, err := e.rest.OrderWithRetry(ctx, txidToDelete, true)
		if err != nil {
			return err
		}
		if buy.VolExec.Cmp(decimal.Zero) > 0 {
			volume = buy.VolExec
		}
	}
	volume = e.rest.Truncate(volume, core.TruncateVolume)
	return e.submitSell(ctx, price, volume, txidToDelete, true)
}

func (s *gridSell) checkExtraSellOrder(context.Context) error { return nil }

// swing is gridHODL plus an extra sell above the price once the grid
// holds no sell orders, turning previously accumulated base back into
// quote on the way up.
type swing struct {
	gridHODL
}

func (s *swing) checkExtraSellOrder(ctx context.Context) error {
	e := s.e
	n, err := e.book.Count(db.OrderQuery{Side: core.Sell})
	if err != nil {
		return err
	}
	if n != 0 {
		return nil
	}
	balances, err := e.rest.PairBalance(ctx)
	if err != nil {
		return err
	}
	if balances.BaseAvailable.Mul(e.ticker).Cmp(e.amountPerGridPlusFee()) <= 0 {
		return nil
	}
	price, err := e.sellOrderPrice(e.ticker)
	if err != nil {
		return err
	}
	e.log.Info().Str("price", price.String()).Msg("placing extra sell order")
	e.notify(fmt.Sprintf(
		"ℹ️ %s: placing extra sell order at %s %s",
		e.rest.RESTSymbol(), price, e.cfg.QuoteCurrency,
	))
	return e.placeSell(ctx, price, "")
}

// cdca never sells: filled buys just leave the orderbook and the base
// position grows with every grid step down.
type cdca struct {
	e *Engine
}

func (s *cdca) newSellOrder(_ context.Context, _ decimal.Decimal, txidToDelete string) error {
	if txidToDelete == "" {
		return nil
	}
	return s.e.book.RemoveTXID(txidToDelete)
}

func (s *cdca) checkExtraSellOrder(context.Context) error { return nil }

// submitSell is the shared sell path of the selling variants. The unsold
// marker is written before the placement attempt and cleared only after
// it succeeds, so a crash or a balance shortfall in between leads to a
// retry instead of a lost sell.
func (e *Engine) submitSell(ctx context.Context, price, volume decimal.Decimal, txidToDelete string, fatalOnShortfall bool) error {
	if txidToDelete != "" {
		recorded, err := e.unsold.Contains(txidToDelete)
		if err != nil {
			return err
		}
		if !recorded {
			if err := e.unsold.Add(txidToDelete, price); err != nil {
				return err
			}
		}
		if err := e.book.RemoveTXID(txidToDelete); err != nil {
			return err
		}
	}

	balances, err := e.rest.PairBalance(ctx)
	if err != nil {
		return err
	}
	if balances.BaseAvailable.Cmp(volume) < 0 {
		e.notify(fmt.Sprintf(
			"⚠️ %s\n├ Not enough %s\n├ to sell %s %s\n└ for %s %s",
			e.rest.RESTSymbol(), e.cfg.BaseCurrency,
			volume, e.cfg.BaseCurrency, price, e.cfg.QuoteCurrency,
		))
		e.log.Warn().Str("base_available", balances.BaseAvailable.String()).
			Str("volume", volume.String()).Msg("not enough base currency to place sell order")
		if fatalOnShortfall {
			return fmt.Errorf("selling %s at %s: %w", volume, price, core.ErrInsufficientFunds)
		}
		// unsold marker stays, the sell is retried on the next ticker
		return nil
	}

	e.log.Info().Str("volume", volume.String()).Str("price", price.String()).
		Msg("placing sell order")
	txid, err := e.rest.CreateOrder(ctx, core.OrderRequest{
		Side:     core.Sell,
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
	if err := e.assignOrderByTXID(ctx, txid); err != nil {
		return err
	}
	if txidToDelete != "" {
		return e.unsold.Remove(txidToDelete)
	}
	return nil
}
