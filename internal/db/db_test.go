package db

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"gridbot/internal/core"
)

func openTest(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	return conn
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestOrderbookCRUD(t *testing.T) {
	conn := openTest(t)
	book := NewOrderbook(conn, 42, zerolog.Nop())

	orders := []core.Order{
		{TXID: "B1", Pair: "XXBTZUSD", Side: core.Buy, Price: d("49504.9"), Volume: d("0.002")},
		{TXID: "B2", Pair: "XXBTZUSD", Side: core.Buy, Price: d("49014.7"), Volume: d("0.002")},
		{TXID: "S1", Pair: "XXBTZUSD", Side: core.Sell, Price: d("50500"), Volume: d("0.002")},
	}
	for _, o := range orders {
		if err := book.Add(o); err != nil {
			t.Fatalf("Add(%s) = %v", o.TXID, err)
		}
	}

	n, err := book.Count(OrderQuery{Side: core.Buy})
	if err != nil || n != 2 {
		t.Fatalf("Count(buy) = %d, %v, want 2", n, err)
	}

	got, err := book.Get(OrderQuery{Side: core.Buy, OrderByPrice: "desc"})
	if err != nil {
		t.Fatalf("Get(buy desc) = %v", err)
	}
	if len(got) != 2 || got[0].TXID != "B1" || got[1].TXID != "B2" {
		t.Fatalf("Get(buy desc) order = %v", got)
	}

	got, err = book.Get(OrderQuery{Side: core.Buy, OrderByPrice: "asc", Limit: 1})
	if err != nil || len(got) != 1 || got[0].TXID != "B2" {
		t.Fatalf("Get(buy asc limit 1) = %v, %v", got, err)
	}

	got, err = book.Get(OrderQuery{ExcludeTXID: "S1"})
	if err != nil || len(got) != 2 {
		t.Fatalf("Get(exclude S1) = %v, %v", got, err)
	}

	if err := book.Update(core.Order{TXID: "B1", Side: core.Buy, Price: d("49000"), Volume: d("0.003")}); err != nil {
		t.Fatalf("Update(B1) = %v", err)
	}
	got, err = book.Get(OrderQuery{TXID: "B1"})
	if err != nil || len(got) != 1 {
		t.Fatalf("Get(B1) = %v, %v", got, err)
	}
	if !got[0].Price.Equal(d("49000")) || !got[0].Volume.Equal(d("0.003")) {
		t.Fatalf("updated B1 = %+v", got[0])
	}

	if err := book.RemoveTXID("B1"); err != nil {
		t.Fatalf("RemoveTXID(B1) = %v", err)
	}
	if n, _ := book.Count(OrderQuery{}); n != 2 {
		t.Fatalf("Count after removal = %d, want 2", n)
	}
	if err := book.RemoveTXID(""); err == nil {
		t.Fatalf("RemoveTXID(\"\") = nil, want error")
	}
}

func TestOrderbookScopedByUserref(t *testing.T) {
	conn := openTest(t)
	mine := NewOrderbook(conn, 1, zerolog.Nop())
	other := NewOrderbook(conn, 2, zerolog.Nop())

	if err := mine.Add(core.Order{TXID: "A", Side: core.Buy, Price: d("10"), Volume: d("1")}); err != nil {
		t.Fatalf("Add = %v", err)
	}
	if n, _ := other.Count(OrderQuery{}); n != 0 {
		t.Fatalf("other userref sees %d orders, want 0", n)
	}
}

func TestConfigTableVersionStamp(t *testing.T) {
	conn := openTest(t)
	table, err := NewConfigTable(conn, 42, "v1.0.0", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewConfigTable = %v", err)
	}
	st, err := table.Get()
	if err != nil || st.Version != "v1.0.0" {
		t.Fatalf("Get().Version = %q, %v, want v1.0.0", st.Version, err)
	}

	// a second construction with a newer version restamps the row
	if _, err := NewConfigTable(conn, 42, "v1.1.0", zerolog.Nop()); err != nil {
		t.Fatalf("NewConfigTable(v1.1.0) = %v", err)
	}
	fresh, err := NewConfigTable(conn, 42, "v1.1.0", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewConfigTable = %v", err)
	}
	if st, _ := fresh.Get(); st.Version != "v1.1.0" {
		t.Fatalf("restamped version = %q, want v1.1.0", st.Version)
	}
}

func TestConfigTableUpdateInvalidatesCache(t *testing.T) {
	conn := openTest(t)
	table, err := NewConfigTable(conn, 42, "v1", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewConfigTable = %v", err)
	}
	if _, err := table.Get(); err != nil {
		t.Fatalf("Get = %v", err)
	}
	if err := table.Update(map[string]any{"price_of_highest_buy": 50000.0}); err != nil {
		t.Fatalf("Update = %v", err)
	}
	st, err := table.Get()
	if err != nil {
		t.Fatalf("Get after update = %v", err)
	}
	if !st.PriceOfHighestBuy.Equal(d("50000")) {
		t.Fatalf("PriceOfHighestBuy = %v, want 50000", st.PriceOfHighestBuy)
	}
}

func TestPendingTXIDs(t *testing.T) {
	conn := openTest(t)
	pending := NewPendingTXIDs(conn, 42, zerolog.Nop())

	if err := pending.Add("TX1"); err != nil {
		t.Fatalf("Add = %v", err)
	}
	if ok, _ := pending.Contains("TX1"); !ok {
		t.Fatalf("Contains(TX1) = false after Add")
	}
	if ok, _ := pending.Contains("TX2"); ok {
		t.Fatalf("Contains(TX2) = true, want false")
	}
	if n, _ := pending.Count(); n != 1 {
		t.Fatalf("Count = %d, want 1", n)
	}
	txids, err := pending.Get()
	if err != nil || len(txids) != 1 || txids[0] != "TX1" {
		t.Fatalf("Get = %v, %v", txids, err)
	}
	if err := pending.Remove("TX1"); err != nil {
		t.Fatalf("Remove = %v", err)
	}
	if n, _ := pending.Count(); n != 0 {
		t.Fatalf("Count after Remove = %d, want 0", n)
	}
}

func TestUnsoldBuys(t *testing.T) {
	conn := openTest(t)
	unsold := NewUnsoldBuys(conn, 42, zerolog.Nop())

	if err := unsold.Add("BUY1", d("50500")); err != nil {
		t.Fatalf("Add = %v", err)
	}
	if ok, _ := unsold.Contains("BUY1"); !ok {
		t.Fatalf("Contains(BUY1) = false after Add")
	}
	entries, err := unsold.Get()
	if err != nil || len(entries) != 1 {
		t.Fatalf("Get = %v, %v", entries, err)
	}
	if entries[0].TXID != "BUY1" || !entries[0].Price.Equal(d("50500")) {
		t.Fatalf("entry = %+v", entries[0])
	}
	if err := unsold.Remove("BUY1"); err != nil {
		t.Fatalf("Remove = %v", err)
	}
	if n, _ := unsold.Count(); n != 0 {
		t.Fatalf("Count after Remove = %d, want 0", n)
	}
}

func TestFutureOrders(t *testing.T) {
	conn := openTest(t)
	future := NewFutureOrders(conn, 42, zerolog.Nop())

	if err := future.Add(d("60000")); err != nil {
		t.Fatalf("Add = %v", err)
	}
	if err := future.Add(d("61000")); err != nil {
		t.Fatalf("Add = %v", err)
	}
	prices, err := future.Get()
	if err != nil || len(prices) != 2 {
		t.Fatalf("Get = %v, %v", prices, err)
	}
	if err := future.RemoveByPrice(d("60000")); err != nil {
		t.Fatalf("RemoveByPrice = %v", err)
	}
	prices, _ = future.Get()
	if len(prices) != 1 || !prices[0].Equal(d("61000")) {
		t.Fatalf("Get after removal = %v", prices)
	}
}

func TestTSPStatesLifecycle(t *testing.T) {
	conn := openTest(t)
	states := NewTSPStates(conn, 42, d("0.005"), zerolog.Nop())

	if err := states.Add("BUY1", d("50000"), d("50500")); err != nil {
		t.Fatalf("Add = %v", err)
	}
	pos, err := states.GetByBuyTXID("BUY1")
	if err != nil || pos == nil {
		t.Fatalf("GetByBuyTXID = %v, %v", pos, err)
	}
	if pos.Active || !pos.CurrentStopPrice.Equal(d("50500")) {
		t.Fatalf("fresh position = %+v", pos)
	}
	if pos.CurrentSellOrderTXID != "" {
		t.Fatalf("fresh position linked to sell %q", pos.CurrentSellOrderTXID)
	}

	// not linked yet: shows up as unlinked
	unlinked, err := states.GetUnlinked()
	if err != nil || len(unlinked) != 1 || unlinked[0].OriginalBuyTXID != "BUY1" {
		t.Fatalf("GetUnlinked = %v, %v", unlinked, err)
	}

	if err := states.SetSellTXID("BUY1", "SELL1"); err != nil {
		t.Fatalf("SetSellTXID = %v", err)
	}
	pos, _ = states.GetBySellTXID("SELL1")
	if pos == nil || pos.OriginalBuyTXID != "BUY1" {
		t.Fatalf("GetBySellTXID = %+v", pos)
	}
	if unlinked, _ := states.GetUnlinked(); len(unlinked) != 0 {
		t.Fatalf("GetUnlinked after link = %v", unlinked)
	}

	// activation sets the stop tspPct below the current price
	if err := states.Activate("BUY1", d("50750")); err != nil {
		t.Fatalf("Activate = %v", err)
	}
	pos, _ = states.GetByBuyTXID("BUY1")
	if !pos.Active {
		t.Fatalf("position not active after Activate")
	}
	wantStop := d("50750").Mul(d("0.995"))
	if !pos.CurrentStopPrice.Equal(wantStop) {
		t.Fatalf("stop after Activate = %v, want %v", pos.CurrentStopPrice, wantStop)
	}

	if err := states.RatchetStop("BUY1", d("51000")); err != nil {
		t.Fatalf("RatchetStop = %v", err)
	}
	pos, _ = states.GetByBuyTXID("BUY1")
	wantStop = d("51000").Mul(d("0.995"))
	if !pos.CurrentStopPrice.Equal(wantStop) {
		t.Fatalf("stop after RatchetStop = %v, want %v", pos.CurrentStopPrice, wantStop)
	}

	// unlink after a sell cancel/replace
	if err := states.SetSellTXID("BUY1", ""); err != nil {
		t.Fatalf("SetSellTXID(unlink) = %v", err)
	}
	if pos, _ := states.GetBySellTXID("SELL1"); pos != nil {
		t.Fatalf("GetBySellTXID after unlink = %+v", pos)
	}

	if err := states.RemoveByBuyTXID("BUY1"); err != nil {
		t.Fatalf("RemoveByBuyTXID = %v", err)
	}
	if pos, _ := states.GetByBuyTXID("BUY1"); pos != nil {
		t.Fatalf("position survived removal: %+v", pos)
	}
}

func TestTSPGetBySellTXIDEmpty(t *testing.T) {
	conn := openTest(t)
	states := NewTSPStates(conn, 42, d("0.005"), zerolog.Nop())
	pos, err := states.GetBySellTXID("")
	if err != nil || pos != nil {
		t.Fatalf("GetBySellTXID(\"\") = %v, %v, want nil, nil", pos, err)
	}
}

func TestInstanceLockExclusive(t *testing.T) {
	conn := openTest(t)
	lock, err := AcquireInstanceLock(conn, 42)
	if err != nil {
		t.Fatalf("AcquireInstanceLock = %v", err)
	}
	// this process holds the lock and is alive, so a second acquire fails
	if _, err := AcquireInstanceLock(conn, 42); err == nil {
		t.Fatalf("second AcquireInstanceLock = nil, want error")
	} else if !strings.Contains(err.Error(), "lock held") {
		t.Fatalf("second acquire error = %v", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release = %v", err)
	}
	again, err := AcquireInstanceLock(conn, 42)
	if err != nil {
		t.Fatalf("reacquire after Release = %v", err)
	}
	if err := again.Release(); err != nil {
		t.Fatalf("Release = %v", err)
	}
}

func TestInstanceLockTakeoverStaleRemoteLock(t *testing.T) {
	conn := openTest(t)
	// a two-hour-old lock from another machine
	old := InstanceLockRow{
		Userref:    42,
		PID:        123456,
		Hostname:   "some-other-host",
		AcquiredAt: time.Now().UTC().Add(-2 * time.Hour),
	}
	if err := conn.Create(&old).Error; err != nil {
		t.Fatalf("seeding lock row = %v", err)
	}

	lock, err := AcquireInstanceLockWithOptions(conn, 42, LockOptions{
		TakeoverEnabled: true,
		StaleAfter:      time.Hour,
	})
	if err != nil {
		t.Fatalf("takeover of stale lock = %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release = %v", err)
	}
}

func TestInstanceLockRefusesFreshRemoteLock(t *testing.T) {
	conn := openTest(t)
	fresh := InstanceLockRow{
		Userref:    42,
		PID:        123456,
		Hostname:   "some-other-host",
		AcquiredAt: time.Now().UTC(),
	}
	if err := conn.Create(&fresh).Error; err != nil {
		t.Fatalf("seeding lock row = %v", err)
	}
	if _, err := AcquireInstanceLockWithOptions(conn, 42, LockOptions{
		TakeoverEnabled: true,
		StaleAfter:      time.Hour,
	}); err == nil {
		t.Fatalf("acquire over fresh remote lock = nil, want error")
	}
}
