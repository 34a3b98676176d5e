package db

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"gridbot/internal/core"
)

// BookOrder is the table-API view of one mirrored order.
type BookOrder struct {
	TXID   string
	Symbol string
	Side   core.Side
	Price  decimal.Decimal
	Volume decimal.Decimal
}

// OrderQuery narrows orderbook reads. Zero values mean "no constraint".
type OrderQuery struct {
	Side        core.Side
	TXID        string
	ExcludeTXID string
	// OrderByPrice is "asc" or "desc".
	OrderByPrice string
	Limit        int
}

// Orderbook is the local mirror of this instance's open orders.
type Orderbook struct {
	conn    *gorm.DB
	userref int64
	log     zerolog.Logger
}

func NewOrderbook(conn *gorm.DB, userref int64, log zerolog.Logger) *Orderbook {
	return &Orderbook{conn: conn, userref: userref, log: log.With().Str("table", "orderbook").Logger()}
}

func (t *Orderbook) Add(order core.Order) error {
	t.log.Debug().Str("txid", order.TXID).Msg("adding order")
	row := OrderRow{
		Userref: t.userref,
		TXID:    order.TXID,
		Symbol:  order.Pair,
		Side:    string(order.Side),
		Price:   order.Price.InexactFloat64(),
		Volume:  order.Volume.InexactFloat64(),
	}
	return t.conn.Create(&row).Error
}

func (t *Orderbook) Get(q OrderQuery) ([]BookOrder, error) {
	rows := []OrderRow{}
	if err := t.scope(q).Find(&rows).Error; err != nil {
		return nil, err
	}
	orders := make([]BookOrder, 0, len(rows))
	for _, row := range rows {
		orders = append(orders, BookOrder{
			TXID:   row.TXID,
			Symbol: row.Symbol,
			Side:   core.Side(row.Side),
			Price:  decimal.NewFromFloat(row.Price),
			Volume: decimal.NewFromFloat(row.Volume),
		})
	}
	return orders, nil
}

func (t *Orderbook) Count(q OrderQuery) (int64, error) {
	var n int64
	err := t.scope(q).Model(&OrderRow{}).Count(&n).Error
	return n, err
}

// Update replaces side, price, and volume of the row matching the order's
// txid.
func (t *Orderbook) Update(order core.Order) error {
	t.log.Debug().Str("txid", order.TXID).Msg("updating order")
	return t.conn.Model(&OrderRow{}).
		Where("userref = ? AND txid = ?", t.userref, order.TXID).
		Updates(map[string]any{
			"side":   string(order.Side),
			"price":  order.Price.InexactFloat64(),
			"volume": order.Volume.InexactFloat64(),
		}).Error
}

func (t *Orderbook) RemoveTXID(txid string) error {
	if txid == "" {
		return fmt.Errorf("txid required for orderbook removal")
	}
	t.log.Debug().Str("txid", txid).Msg("removing order")
	return t.conn.Where("userref = ? AND txid = ?", t.userref, txid).Delete(&OrderRow{}).Error
}

func (t *Orderbook) scope(q OrderQuery) *gorm.DB {
	tx := t.conn.Where("userref = ?", t.userref)
	if q.Side != "" {
		tx = tx.Where("side = ?", string(q.Side))
	}
	if q.TXID != "" {
		tx = tx.Where("txid = ?", q.TXID)
	}
	if q.ExcludeTXID != "" {
		tx = tx.Where("txid <> ?", q.ExcludeTXID)
	}
	switch q.OrderByPrice {
	case "asc":
		tx = tx.Order("price asc")
	case "desc":
		tx = tx.Order("price desc")
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	return tx
}
