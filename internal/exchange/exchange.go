package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"gridbot/internal/core"
)

// RESTService is the synchronous half of the exchange gateway.
type RESTService interface {
	Name() string
	CheckStatus(ctx context.Context) error
	CheckAPIKeyPermissions(ctx context.Context) error
	// AssetPairInfo fetches fee tiers and precisions for the configured
	// pair; it must be called before Truncate.
	AssetPairInfo(ctx context.Context) (core.AssetPairInfo, error)
	OpenOrders(ctx context.Context, userref int64) ([]core.Order, error)
	// OrderWithRetry fetches one order, retrying transient failures up to 3
	// times with increasing backoff. With exitOnFail the exhausted retries
	// surface as an error the caller must treat as fatal.
	OrderWithRetry(ctx context.Context, txid string, exitOnFail bool) (core.Order, error)
	// CreateOrder places a limit order and returns its txid.
	CreateOrder(ctx context.Context, req core.OrderRequest) (string, error)
	// CancelOrder cancels by txid; an already-closed order yields
	// core.ErrUnknownOrder.
	CancelOrder(ctx context.Context, txid string) error
	PairBalance(ctx context.Context) (core.PairBalance, error)
	Truncate(value decimal.Decimal, kind core.TruncateKind) decimal.Decimal
	// RESTSymbol is the pair name used by REST responses, WSSymbol the one
	// used on the stream.
	RESTSymbol() string
	WSSymbol() string
}

// StreamService is the asynchronous half: one merged feed of ticker and
// execution messages.
type StreamService interface {
	// Run connects, subscribes to the ticker and executions channels, and
	// feeds messages until ctx is done or the connection fails.
	Run(ctx context.Context) (<-chan core.StreamMessage, <-chan error, error)
	Close() error
}
