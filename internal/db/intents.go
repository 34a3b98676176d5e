package db

import (
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PendingTXIDs marks order placements that returned a txid but whose orders
// are not yet confirmed in the local orderbook. Markers are written before
// the placement is treated as committed and removed once the order is
// mirrored.
type PendingTXIDs struct {
	conn    *gorm.DB
	userref int64
	log     zerolog.Logger
}

func NewPendingTXIDs(conn *gorm.DB, userref int64, log zerolog.Logger) *PendingTXIDs {
	return &PendingTXIDs{conn: conn, userref: userref, log: log.With().Str("table", "pending_txids").Logger()}
}

func (t *PendingTXIDs) Add(txid string) error {
	t.log.Debug().Str("txid", txid).Msg("adding pending txid")
	return t.conn.Create(&PendingTXIDRow{Userref: t.userref, TXID: txid}).Error
}

func (t *PendingTXIDs) Remove(txid string) error {
	t.log.Debug().Str("txid", txid).Msg("removing pending txid")
	return t.conn.Where("userref = ? AND txid = ?", t.userref, txid).Delete(&PendingTXIDRow{}).Error
}

func (t *PendingTXIDs) Get() ([]string, error) {
	rows := []PendingTXIDRow{}
	if err := t.conn.Where("userref = ?", t.userref).Find(&rows).Error; err != nil {
		return nil, err
	}
	txids := make([]string, 0, len(rows))
	for _, row := range rows {
		txids = append(txids, row.TXID)
	}
	return txids, nil
}

func (t *PendingTXIDs) Count() (int64, error) {
	var n int64
	err := t.conn.Model(&PendingTXIDRow{}).Where("userref = ?", t.userref).Count(&n).Error
	return n, err
}

func (t *PendingTXIDs) Contains(txid string) (bool, error) {
	var n int64
	err := t.conn.Model(&PendingTXIDRow{}).
		Where("userref = ? AND txid = ?", t.userref, txid).Count(&n).Error
	return n > 0, err
}

// UnsoldBuy is a filled buy still owing its sell placement.
type UnsoldBuy struct {
	TXID  string
	Price decimal.Decimal
}

// UnsoldBuys records buys whose corresponding sell placement has not gone
// through yet, e.g. because of missing funds. Entries are added right
// before a sell attempt and removed only after the placement succeeds, so
// the sell is retried across restarts.
type UnsoldBuys struct {
	conn    *gorm.DB
	userref int64
	log     zerolog.Logger
}

func NewUnsoldBuys(conn *gorm.DB, userref int64, log zerolog.Logger) *UnsoldBuys {
	return &UnsoldBuys{conn: conn, userref: userref, log: log.With().Str("table", "unsold_buy_order_txids").Logger()}
}

func (t *UnsoldBuys) Add(txid string, price decimal.Decimal) error {
	t.log.Debug().Str("txid", txid).Str("price", price.String()).Msg("adding unsold buy")
	return t.conn.Create(&UnsoldBuyRow{
		Userref: t.userref,
		TXID:    txid,
		Price:   price.InexactFloat64(),
	}).Error
}

func (t *UnsoldBuys) Remove(txid string) error {
	t.log.Debug().Str("txid", txid).Msg("removing unsold buy")
	return t.conn.Where("userref = ? AND txid = ?", t.userref, txid).Delete(&UnsoldBuyRow{}).Error
}

func (t *UnsoldBuys) Get() ([]UnsoldBuy, error) {
	rows := []UnsoldBuyRow{}
	if err := t.conn.Where("userref = ?", t.userref).Find(&rows).Error; err != nil {
		return nil, err
	}
	entries := make([]UnsoldBuy, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, UnsoldBuy{TXID: row.TXID, Price: decimal.NewFromFloat(row.Price)})
	}
	return entries, nil
}

func (t *UnsoldBuys) Count() (int64, error) {
	var n int64
	err := t.conn.Model(&UnsoldBuyRow{}).Where("userref = ?", t.userref).Count(&n).Error
	return n, err
}

func (t *UnsoldBuys) Contains(txid string) (bool, error) {
	var n int64
	err := t.conn.Model(&UnsoldBuyRow{}).
		Where("userref = ? AND txid = ?", t.userref, txid).Count(&n).Error
	return n > 0, err
}

// FutureOrders queues sells to be created on the next reconciliation pass
// rather than synchronously, to avoid re-entrant placement while the order
// they replace is being canceled.
type FutureOrders struct {
	conn    *gorm.DB
	userref int64
	log     zerolog.Logger
}

func NewFutureOrders(conn *gorm.DB, userref int64, log zerolog.Logger) *FutureOrders {
	return &FutureOrders{conn: conn, userref: userref, log: log.With().Str("table", "future_orders").Logger()}
}

func (t *FutureOrders) Add(price decimal.Decimal) error {
	t.log.Debug().Str("price", price.String()).Msg("queueing future sell")
	return t.conn.Create(&FutureOrderRow{Userref: t.userref, Price: price.InexactFloat64()}).Error
}

func (t *FutureOrders) Get() ([]decimal.Decimal, error) {
	rows := []FutureOrderRow{}
	if err := t.conn.Where("userref = ?", t.userref).Find(&rows).Error; err != nil {
		return nil, err
	}
	prices := make([]decimal.Decimal, 0, len(rows))
	for _, row := range rows {
		prices = append(prices, decimal.NewFromFloat(row.Price))
	}
	return prices, nil
}

func (t *FutureOrders) RemoveByPrice(price decimal.Decimal) error {
	t.log.Debug().Str("price", price.String()).Msg("removing future sell")
	return t.conn.Where("userref = ? AND price = ?", t.userref, price.InexactFloat64()).
		Delete(&FutureOrderRow{}).Error
}
