package db

import (
	"errors"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TSPPosition is the table-API view of one trailing-stop-profit tracked
// position.
type TSPPosition struct {
	OriginalBuyTXID      string
	OriginalBuyPrice     decimal.Decimal
	CurrentStopPrice     decimal.Decimal
	Active               bool
	CurrentSellOrderTXID string // empty when unlinked
}

// TSPStates tracks trailing-stop-profit state per open position, keyed by
// the original buy txid. State survives sell-order cancel/replace cycles.
type TSPStates struct {
	conn    *gorm.DB
	userref int64
	tspPct  decimal.Decimal
	log     zerolog.Logger
}

func NewTSPStates(conn *gorm.DB, userref int64, tspPct decimal.Decimal, log zerolog.Logger) *TSPStates {
	return &TSPStates{
		conn:    conn,
		userref: userref,
		tspPct:  tspPct,
		log:     log.With().Str("table", "tsp_state").Logger(),
	}
}

func (t *TSPStates) Add(buyTXID string, buyPrice, initialStop decimal.Decimal) error {
	t.log.Debug().
		Str("buy_txid", buyTXID).
		Str("buy_price", buyPrice.String()).
		Str("stop_price", initialStop.String()).
		Msg("adding tsp state")
	return t.conn.Create(&TSPStateRow{
		Userref:          t.userref,
		OriginalBuyTXID:  buyTXID,
		OriginalBuyPrice: buyPrice.InexactFloat64(),
		CurrentStopPrice: initialStop.InexactFloat64(),
		TSPActive:        false,
	}).Error
}

// Activate flips the position to ACTIVE and sets the stop below the
// current price by the configured tsp percentage.
func (t *TSPStates) Activate(buyTXID string, currentPrice decimal.Decimal) error {
	stop := currentPrice.Mul(decimal.NewFromInt(1).Sub(t.tspPct))
	t.log.Debug().Str("buy_txid", buyTXID).Str("stop_price", stop.String()).Msg("activating tsp")
	return t.conn.Model(&TSPStateRow{}).
		Where("userref = ? AND original_buy_txid = ?", t.userref, buyTXID).
		Updates(map[string]any{
			"tsp_active":         true,
			"current_stop_price": stop.InexactFloat64(),
		}).Error
}

// RatchetStop moves the trailing stop up under the current price.
func (t *TSPStates) RatchetStop(buyTXID string, currentPrice decimal.Decimal) error {
	stop := currentPrice.Mul(decimal.NewFromInt(1).Sub(t.tspPct))
	t.log.Debug().Str("buy_txid", buyTXID).Str("stop_price", stop.String()).Msg("ratcheting stop")
	return t.conn.Model(&TSPStateRow{}).
		Where("userref = ? AND original_buy_txid = ?", t.userref, buyTXID).
		Update("current_stop_price", stop.InexactFloat64()).Error
}

// SetSellTXID links (or with an empty txid unlinks) the position's current
// sell order.
func (t *TSPStates) SetSellTXID(buyTXID, sellTXID string) error {
	var value *string
	if sellTXID != "" {
		value = &sellTXID
	}
	return t.conn.Model(&TSPStateRow{}).
		Where("userref = ? AND original_buy_txid = ?", t.userref, buyTXID).
		Update("current_sell_order_txid", value).Error
}

func (t *TSPStates) GetByBuyTXID(buyTXID string) (*TSPPosition, error) {
	var row TSPStateRow
	err := t.conn.Where("userref = ? AND original_buy_txid = ?", t.userref, buyTXID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	pos := positionFromRow(row)
	return &pos, nil
}

func (t *TSPStates) GetBySellTXID(sellTXID string) (*TSPPosition, error) {
	if sellTXID == "" {
		return nil, nil
	}
	var row TSPStateRow
	err := t.conn.Where("userref = ? AND current_sell_order_txid = ?", t.userref, sellTXID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	pos := positionFromRow(row)
	return &pos, nil
}

// GetUnlinked returns positions whose sell order txid is cleared, i.e.
// waiting to be associated with a freshly placed sell order.
func (t *TSPStates) GetUnlinked() ([]TSPPosition, error) {
	rows := []TSPStateRow{}
	if err := t.conn.Where("userref = ? AND current_sell_order_txid IS NULL", t.userref).Find(&rows).Error; err != nil {
		return nil, err
	}
	positions := make([]TSPPosition, 0, len(rows))
	for _, row := range rows {
		positions = append(positions, positionFromRow(row))
	}
	return positions, nil
}

func (t *TSPStates) RemoveByBuyTXID(buyTXID string) error {
	t.log.Debug().Str("buy_txid", buyTXID).Msg("removing tsp state")
	return t.conn.Where("userref = ? AND original_buy_txid = ?", t.userref, buyTXID).
		Delete(&TSPStateRow{}).Error
}

func positionFromRow(row TSPStateRow) TSPPosition {
	pos := TSPPosition{
		OriginalBuyTXID:  row.OriginalBuyTXID,
		OriginalBuyPrice: decimal.NewFromFloat(row.OriginalBuyPrice),
		CurrentStopPrice: decimal.NewFromFloat(row.CurrentStopPrice),
		Active:           row.TSPActive,
	}
	if row.CurrentSellOrderTXID != nil {
		pos.CurrentSellOrderTXID = *row.CurrentSellOrderTXID
	}
	return pos
}
