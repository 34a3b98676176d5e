package db

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// BotState is the table-API view of the persisted per-instance state.
type BotState struct {
	Version                        string
	VolOfUnfilledRemaining         decimal.Decimal
	VolOfUnfilledRemainingMaxPrice decimal.Decimal
	PriceOfHighestBuy              decimal.Decimal
	AmountPerGrid                  decimal.Decimal
	Interval                       decimal.Decimal
	TrailingStopProfit             decimal.Decimal
}

// ConfigTable persists per-instance tunables and running totals. Reads are
// served from an in-memory cache that every write invalidates.
type ConfigTable struct {
	conn    *gorm.DB
	userref int64
	log     zerolog.Logger

	mu     sync.Mutex
	cached *BotState
}

// NewConfigTable ensures the instance row exists, stamping the current
// software version on first creation and on version changes.
func NewConfigTable(conn *gorm.DB, userref int64, version string, log zerolog.Logger) (*ConfigTable, error) {
	t := &ConfigTable{conn: conn, userref: userref, log: log.With().Str("table", "configuration").Logger()}

	var row ConfigRow
	err := conn.Where("userref = ?", userref).First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = ConfigRow{Userref: userref, Version: version}
		if err := conn.Create(&row).Error; err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	case row.Version != version:
		t.log.Info().Str("from", row.Version).Str("to", version).Msg("updating stored version")
		if err := t.Update(map[string]any{"version": version}); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *ConfigTable) Get() (BotState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cached != nil {
		return *t.cached, nil
	}
	var row ConfigRow
	if err := t.conn.Where("userref = ?", t.userref).First(&row).Error; err != nil {
		return BotState{}, err
	}
	st := BotState{
		Version:                        row.Version,
		VolOfUnfilledRemaining:         decimal.NewFromFloat(row.VolOfUnfilledRemaining),
		VolOfUnfilledRemainingMaxPrice: decimal.NewFromFloat(row.VolOfUnfilledRemainingMaxPrice),
		PriceOfHighestBuy:              decimal.NewFromFloat(row.PriceOfHighestBuy),
		AmountPerGrid:                  decimal.NewFromFloat(row.AmountPerGrid),
		Interval:                       decimal.NewFromFloat(row.Interval),
		TrailingStopProfit:             decimal.NewFromFloat(row.TrailingStopProfit),
	}
	t.cached = &st
	return st, nil
}

// Update applies the given column updates and invalidates the cache.
func (t *ConfigTable) Update(updates map[string]any) error {
	t.log.Debug().Interface("updates", updates).Msg("updating configuration")
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.Model(&ConfigRow{}).Where("userref = ?", t.userref).Updates(updates).Error; err != nil {
		return err
	}
	t.cached = nil
	return nil
}
