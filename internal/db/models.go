package db

import "time"

// OrderRow is one open order owned by a bot instance, the local mirror of
// the upstream orderbook.
type OrderRow struct {
	ID      uint   `gorm:"primaryKey"`
	Userref int64  `gorm:"index;not null"`
	TXID    string `gorm:"column:txid;index;not null"`
	Symbol  string `gorm:"not null"`
	Side    string `gorm:"not null"`
	Price   float64
	Volume  float64
}

func (OrderRow) TableName() string { return "orderbook" }

// ConfigRow holds the persisted per-instance tunables and running totals.
type ConfigRow struct {
	ID                             uint   `gorm:"primaryKey"`
	Userref                        int64  `gorm:"uniqueIndex;not null"`
	Version                        string `gorm:"not null"`
	VolOfUnfilledRemaining         float64
	VolOfUnfilledRemainingMaxPrice float64
	PriceOfHighestBuy              float64
	AmountPerGrid                  float64
	Interval                       float64
	TrailingStopProfit             float64
}

func (ConfigRow) TableName() string { return "configuration" }

// PendingTXIDRow marks an order placement that returned a txid but is not
// yet confirmed in the orderbook table.
type PendingTXIDRow struct {
	ID      uint   `gorm:"primaryKey"`
	Userref int64  `gorm:"index;not null"`
	TXID    string `gorm:"column:txid;not null"`
}

func (PendingTXIDRow) TableName() string { return "pending_txids" }

// UnsoldBuyRow records a filled buy whose sell placement is still owed.
// Rows are written before the sell attempt and removed only once the sell
// placement succeeds.
type UnsoldBuyRow struct {
	ID      uint   `gorm:"primaryKey"`
	Userref int64  `gorm:"index;not null"`
	TXID    string `gorm:"column:txid;not null"`
	Price   float64
}

func (UnsoldBuyRow) TableName() string { return "unsold_buy_order_txids" }

// FutureOrderRow is a sell to be created on the next reconciliation pass.
type FutureOrderRow struct {
	ID      uint  `gorm:"primaryKey"`
	Userref int64 `gorm:"index;not null"`
	Price   float64
}

func (FutureOrderRow) TableName() string { return "future_orders" }

// TSPStateRow tracks the trailing-stop-profit sub-state of one open
// position, keyed by the original buy txid.
type TSPStateRow struct {
	ID                   uint    `gorm:"primaryKey"`
	Userref              int64   `gorm:"index;not null"`
	OriginalBuyTXID      string  `gorm:"column:original_buy_txid;not null"`
	OriginalBuyPrice     float64 `gorm:"not null"`
	CurrentStopPrice     float64 `gorm:"not null"`
	TSPActive            bool    `gorm:"column:tsp_active;default:false"`
	CurrentSellOrderTXID *string `gorm:"column:current_sell_order_txid"`
}

func (TSPStateRow) TableName() string { return "tsp_state" }

// InstanceLockRow guards a userref against concurrent bot processes.
type InstanceLockRow struct {
	ID         uint  `gorm:"primaryKey"`
	Userref    int64 `gorm:"uniqueIndex;not null"`
	PID        int
	Hostname   string
	AcquiredAt time.Time
}

func (InstanceLockRow) TableName() string { return "instance_locks" }
