package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderStatus string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

const (
	OrderPending  OrderStatus = "pending"
	OrderOpen     OrderStatus = "open"
	OrderClosed   OrderStatus = "closed"
	OrderCanceled OrderStatus = "canceled"
	OrderExpired  OrderStatus = "expired"
)

// Order is the exchange's view of one order. VolExec carries the executed
// part for partially filled orders.
type Order struct {
	TXID      string
	Userref   int64
	Pair      string
	Side      Side
	Price     decimal.Decimal
	Volume    decimal.Decimal
	VolExec   decimal.Decimal
	Status    OrderStatus
	CreatedAt time.Time
}

// OrderRequest describes a limit order placement.
type OrderRequest struct {
	Side     Side
	Volume   decimal.Decimal
	Price    decimal.Decimal
	Userref  int64
	PostOnly bool
	Validate bool
}

// AssetPairInfo holds the subset of pair metadata the engine needs: the
// maker fee tiers (highest first) and the pair precisions.
type AssetPairInfo struct {
	FeesMaker    []decimal.Decimal
	CostDecimals int32
	LotDecimals  int32
	PairDecimals int32
}

type PairBalance struct {
	BaseBalance    decimal.Decimal
	QuoteBalance   decimal.Decimal
	BaseAvailable  decimal.Decimal
	QuoteAvailable decimal.Decimal
}

type ExecType string

const (
	ExecNew      ExecType = "new"
	ExecFilled   ExecType = "filled"
	ExecCanceled ExecType = "canceled"
	ExecExpired  ExecType = "expired"
)

type Execution struct {
	ExecType ExecType
	OrderID  string
}

type TickerUpdate struct {
	Symbol string
	Last   decimal.Decimal
}

// StreamMessage is one message from the exchange stream, either a ticker
// update or a batch of executions. Type distinguishes execution snapshots
// (connection confirmation only) from live updates.
type StreamMessage struct {
	Channel    string
	Type       string
	Ticker     TickerUpdate
	Executions []Execution
}

const (
	ChannelTicker     = "ticker"
	ChannelExecutions = "executions"
)
