// Package engine implements the grid trading algorithm: it mirrors the
// bot's open orders locally, reconciles them against the exchange, and
// places, shifts, and cancels orders as the price moves.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"gridbot/internal/bus"
	"gridbot/internal/config"
	"gridbot/internal/core"
	"gridbot/internal/db"
	"gridbot/internal/exchange"
	"gridbot/internal/state"
)

const (
	tickInterval = 6 * time.Second
	priceTimeout = 600 * time.Second
	statusPeriod = time.Hour
	// orderPause throttles placements and cancels to stay under the
	// exchange rate limits.
	orderPause = 200 * time.Millisecond
)

var one = decimal.NewFromInt(1)

// Engine drives one bot instance. It is the only writer of the local
// orderbook, configuration, and intent tables for its userref, and all
// event handling is serialized through Run's dispatch loop.
type Engine struct {
	cfg     config.Config
	version string
	log     zerolog.Logger
	bus     *bus.Bus
	machine *state.Machine
	rest    exchange.RESTService
	stream  exchange.StreamService

	book     *db.Orderbook
	settings *db.ConfigTable
	pending  *db.PendingTXIDs
	unsold   *db.UnsoldBuys
	future   *db.FutureOrders
	tsp      *db.TSPStates

	variant sellVariant

	amountPerGrid decimal.Decimal
	interval      decimal.Decimal
	tspPct        decimal.Decimal
	fee           decimal.Decimal
	costDecimals  int32

	ticker       decimal.Decimal
	lastTickerAt time.Time
	lastStatusAt time.Time

	ready      bool
	tickerSeen bool
	execsSeen  bool
	missed     []core.StreamMessage

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

func New(
	cfg config.Config,
	version string,
	conn *gorm.DB,
	rest exchange.RESTService,
	stream exchange.StreamService,
	b *bus.Bus,
	machine *state.Machine,
	log zerolog.Logger,
) (*Engine, error) {
	settings, err := db.NewConfigTable(conn, cfg.Userref, version, log)
	if err != nil {
		return nil, fmt.Errorf("initializing configuration table: %w", err)
	}
	e := &Engine{
		cfg:           cfg,
		version:       version,
		log:           log.With().Str("component", "engine").Int64("userref", cfg.Userref).Logger(),
		bus:           b,
		machine:       machine,
		rest:          rest,
		stream:        stream,
		book:          db.NewOrderbook(conn, cfg.Userref, log),
		settings:      settings,
		pending:       db.NewPendingTXIDs(conn, cfg.Userref, log),
		unsold:        db.NewUnsoldBuys(conn, cfg.Userref, log),
		future:        db.NewFutureOrders(conn, cfg.Userref, log),
		tsp:           db.NewTSPStates(conn, cfg.Userref, cfg.Grid.TrailingStopProfit.Decimal, log),
		amountPerGrid: cfg.Grid.AmountPerGrid.Decimal,
		interval:      cfg.Grid.Interval.Decimal,
		tspPct:        cfg.Grid.TrailingStopProfit.Decimal,
		sleep:         time.Sleep,
	}
	switch cfg.Strategy {
	case config.StrategyGridHODL:
		e.variant = &gridHODL{e: e}
	case config.StrategyGridSell:
		e.variant = &gridSell{e: e}
	case config.StrategySwing:
		e.variant = &swing{gridHODL{e: e}}
	case config.StrategyCDCA:
		e.variant = &cdca{e: e}
	default:
		return nil, fmt.Errorf("strategy %q: %w", cfg.Strategy, core.ErrConfiguration)
	}
	return e, nil
}

// Run validates the exchange connection, opens the stream, and processes
// messages until ctx is canceled or a fatal error occurs. All state
// mutation happens on this goroutine.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.rest.CheckStatus(ctx); err != nil {
		return e.fatal(fmt.Errorf("exchange status check failed: %w", err))
	}
	if !e.cfg.DryRun {
		if err := e.rest.CheckAPIKeyPermissions(ctx); err != nil {
			return e.fatal(err)
		}
	}

	messages, streamErrs, err := e.stream.Run(ctx)
	if err != nil {
		return e.fatal(fmt.Errorf("starting stream: %w", err))
	}
	defer e.stream.Close()

	e.log.Info().Str("pair", e.rest.WSSymbol()).Str("strategy", string(e.cfg.Strategy)).
		Msg("engine started, waiting for stream confirmation")

	tick := time.NewTicker(tickInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return e.shutdown()
		case err := <-streamErrs:
			return e.fatal(fmt.Errorf("stream failure: %w", err))
		case msg, ok := <-messages:
			if !ok {
				return e.fatal(errors.New("stream closed unexpectedly"))
			}
			if err := e.OnMessage(ctx, msg); err != nil {
				return e.fatal(err)
			}
		case <-tick.C:
			if err := e.onTick(ctx); err != nil {
				return e.fatal(err)
			}
		}
	}
}

// OnMessage dispatches one stream message. Errors returned here are
// fatal; recoverable conditions are handled inside the handlers.
func (e *Engine) OnMessage(ctx context.Context, msg core.StreamMessage) error {
	switch msg.Channel {
	case core.ChannelTicker:
		return e.onTicker(ctx, msg.Ticker)
	case core.ChannelExecutions:
		e.execsSeen = true
		if msg.Type != "update" {
			// snapshots only confirm the channel is live
			return e.maybePrepare(ctx)
		}
		if !e.ready {
			e.missed = append(e.missed, msg)
			return e.maybePrepare(ctx)
		}
		return e.handleExecutions(ctx, msg.Executions)
	}
	return nil
}

func (e *Engine) onTicker(ctx context.Context, t core.TickerUpdate) error {
	e.ticker = t.Last
	e.lastTickerAt = time.Now()
	e.tickerSeen = true
	if !e.ready {
		return e.maybePrepare(ctx)
	}
	if e.machine.State() != state.Running {
		return nil
	}
	if err := e.addMissedSellOrders(ctx); err != nil {
		return err
	}
	return e.checkPriceRange(ctx)
}

func (e *Engine) onTick(ctx context.Context) error {
	if !e.ready {
		return nil
	}
	if !e.cfg.SkipPriceTimeout && !e.lastTickerAt.IsZero() &&
		time.Since(e.lastTickerAt) > priceTimeout {
		return fmt.Errorf("no price update for %s: %w", priceTimeout, core.ErrBotState)
	}
	if time.Since(e.lastStatusAt) >= statusPeriod {
		if err := e.sendStatusUpdate(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) maybePrepare(ctx context.Context) error {
	if e.ready || !e.tickerSeen || !e.execsSeen {
		return nil
	}
	return e.prepareForTrading(ctx)
}

// prepareForTrading runs once, after both stream channels are confirmed:
// it loads pair metadata, replays the durable intents, reconciles the
// local orderbook against upstream, and brings the grid into shape before
// entering RUNNING.
func (e *Engine) prepareForTrading(ctx context.Context) error {
	e.log.Info().Msg("preparing for trading")

	info, err := e.rest.AssetPairInfo(ctx)
	if err != nil {
		return fmt.Errorf("fetching asset pair info: %w", err)
	}
	e.costDecimals = info.CostDecimals
	if e.cfg.Grid.Fee != nil {
		e.fee = e.cfg.Grid.Fee.Decimal
	} else {
		e.fee = info.FeesMaker[0]
	}

	if err := e.assignAllPending(ctx); err != nil {
		return err
	}
	if err := e.addMissedSellOrders(ctx); err != nil {
		return err
	}
	if err := e.syncOrderBook(ctx); err != nil {
		return err
	}
	if err := e.checkConfigurationChanges(ctx); err != nil {
		return err
	}

	e.ready = true
	missed := e.missed
	e.missed = nil
	for _, msg := range missed {
		if err := e.handleExecutions(ctx, msg.Executions); err != nil {
			return err
		}
	}

	if err := e.checkPriceRange(ctx); err != nil {
		return err
	}
	if err := e.machine.TransitionTo(state.Running); err != nil {
		return err
	}
	e.lastStatusAt = time.Now()
	e.notify(fmt.Sprintf(
		"✅ %s\n├ Strategy » %s\n├ Pair » %s/%s\n└ Version » %s",
		e.cfg.Name, e.cfg.Strategy, e.cfg.BaseCurrency, e.cfg.QuoteCurrency, e.version,
	))
	e.log.Info().Msg("ready to trade")
	return nil
}

func (e *Engine) handleExecutions(ctx context.Context, execs []core.Execution) error {
	for _, exec := range execs {
		switch exec.ExecType {
		case core.ExecNew:
			if err := e.assignOrderByTXID(ctx, exec.OrderID); err != nil {
				return err
			}
		case core.ExecFilled:
			if err := e.handleFilledOrder(ctx, exec.OrderID); err != nil {
				return err
			}
		case core.ExecCanceled, core.ExecExpired:
			if err := e.cancelOrder(ctx, exec.OrderID); err != nil {
				return err
			}
		}
	}
	return nil
}

// syncOrderBook reconciles the local mirror against the upstream open
// orders: upstream orders missing locally are added, local orders gone
// upstream are resolved by their final status. Running it twice without
// upstream changes is a no-op.
func (e *Engine) syncOrderBook(ctx context.Context) error {
	e.log.Info().Msg("synchronizing orderbook with upstream")

	upstream, err := e.rest.OpenOrders(ctx, e.cfg.Userref)
	if err != nil {
		return fmt.Errorf("fetching open orders: %w", err)
	}
	open := make(map[string]bool, len(upstream))
	for _, order := range upstream {
		if order.Pair != e.rest.RESTSymbol() {
			continue
		}
		open[order.TXID] = true
		n, err := e.book.Count(db.OrderQuery{TXID: order.TXID})
		if err != nil {
			return err
		}
		if n == 0 {
			if err := e.book.Add(order); err != nil {
				return err
			}
		}
	}

	local, err := e.book.Get(db.OrderQuery{})
	if err != nil {
		return err
	}
	for _, order := range local {
		if open[order.TXID] {
			continue
		}
		details, err := e.rest.OrderWithRetry(ctx, order.TXID, true)
		if err != nil {
			return err
		}
		switch details.Status {
		case core.OrderClosed:
			if err := e.handleFilledOrder(ctx, order.TXID); err != nil {
				return err
			}
		case core.OrderCanceled, core.OrderExpired:
			if err := e.book.RemoveTXID(order.TXID); err != nil {
				return err
			}
		default:
			// still open or pending upstream, keep it
		}
	}
	return nil
}

// checkConfigurationChanges compares the persisted tunables against the
// loaded config. A changed order size or interval invalidates the open
// buy ladder, so those orders get canceled and re-placed later.
func (e *Engine) checkConfigurationChanges(ctx context.Context) error {
	b, err := e.settings.Get()
	if err != nil {
		return err
	}
	cancelBuys := false
	if !b.AmountPerGrid.Equal(e.amountPerGrid) {
		e.log.Info().Msg("amount per grid changed, open buy orders will be canceled")
		if err := e.settings.Update(map[string]any{"amount_per_grid": e.amountPerGrid.InexactFloat64()}); err != nil {
			return err
		}
		cancelBuys = true
	}
	if !b.Interval.Equal(e.interval) {
		e.log.Info().Msg("interval changed, open buy orders will be canceled")
		if err := e.settings.Update(map[string]any{"interval": e.interval.InexactFloat64()}); err != nil {
			return err
		}
		cancelBuys = true
	}
	if !b.TrailingStopProfit.Equal(e.tspPct) {
		if err := e.settings.Update(map[string]any{"trailing_stop_profit": e.tspPct.InexactFloat64()}); err != nil {
			return err
		}
	}
	if cancelBuys {
		return e.cancelAllOpenBuyOrders(ctx)
	}
	return nil
}

func (e *Engine) assignAllPending(ctx context.Context) error {
	txids, err := e.pending.Get()
	if err != nil {
		return err
	}
	for _, txid := range txids {
		if err := e.assignOrderByTXID(ctx, txid); err != nil {
			return err
		}
	}
	return nil
}

// assignOrderByTXID confirms a placed order into the local orderbook,
// clearing its pending marker, or refreshes an already mirrored one.
func (e *Engine) assignOrderByTXID(ctx context.Context, txid string) error {
	order, err := e.rest.OrderWithRetry(ctx, txid, true)
	if err != nil {
		return err
	}
	if !e.ownsOrder(order) {
		e.log.Debug().Str("txid", txid).Msg("order does not belong to this instance")
		return nil
	}
	isPending, err := e.pending.Contains(txid)
	if err != nil {
		return err
	}
	if isPending {
		if err := e.book.Add(order); err != nil {
			return err
		}
		if err := e.pending.Remove(txid); err != nil {
			return err
		}
	} else if err := e.book.Update(order); err != nil {
		return err
	}

	if inv, err := e.investment(); err == nil {
		e.log.Info().Str("investment", inv.StringFixed(e.costDecimals)).
			Str("max_investment", e.cfg.Grid.MaxInvestment.String()).
			Msg("orderbook updated")
	}
	return nil
}

// addMissedSellOrders retries the sell placement for every recorded
// unsold buy. Entries survive until their sell goes through.
func (e *Engine) addMissedSellOrders(ctx context.Context) error {
	entries, err := e.unsold.Get()
	if err != nil {
		return err
	}
	for _, entry := range entries {
		e.log.Info().Str("txid", entry.TXID).Str("price", entry.Price.String()).
			Msg("placing sell order for unsold buy")
		if err := e.placeSell(ctx, entry.Price, entry.TXID); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) ownsOrder(order core.Order) bool {
	return order.Pair == e.rest.RESTSymbol() && order.Userref == e.cfg.Userref
}

func (e *Engine) investment() (decimal.Decimal, error) {
	orders, err := e.book.Get(db.OrderQuery{})
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, order := range orders {
		total = total.Add(order.Price.Mul(order.Volume))
	}
	return total, nil
}

func (e *Engine) amountPerGridPlusFee() decimal.Decimal {
	return e.amountPerGrid.Mul(one.Add(e.fee))
}

func (e *Engine) maxInvestmentReached() (bool, error) {
	inv, err := e.investment()
	if err != nil {
		return false, err
	}
	maxInv := e.cfg.Grid.MaxInvestment.Decimal
	return maxInv.Cmp(inv.Add(e.amountPerGridPlusFee())) <= 0 || maxInv.Cmp(inv) <= 0, nil
}

func (e *Engine) notify(message string) {
	e.bus.Publish(bus.TopicNotification, bus.Payload{"message": message})
}

func (e *Engine) pause() {
	e.sleep(orderPause)
}

func (e *Engine) fatal(err error) error {
	e.log.Error().Err(err).Msg("unrecoverable error, stopping")
	e.notify(fmt.Sprintf("💥 %s stopped: %s", e.cfg.Name, err))
	if terr := e.machine.TransitionTo(state.Error); terr != nil {
		e.log.Error().Err(terr).Msg("state transition failed")
	}
	return err
}

func (e *Engine) shutdown() error {
	if err := e.machine.TransitionTo(state.ShutdownRequested); err != nil {
		return err
	}
	e.log.Info().Msg("shutting down")
	_ = e.stream.Close()
	if err := e.machine.TransitionTo(state.Shutdown); err != nil {
		return err
	}
	e.notify(fmt.Sprintf("👋 %s shut down", e.cfg.Name))
	return nil
}
