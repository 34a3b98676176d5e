package kraken

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"gridbot/internal/core"
)

func TestParseStreamMessageTicker(t *testing.T) {
	raw := `{"channel":"ticker","type":"update","data":[{"symbol":"BTC/USD","last":59999.9,"bid":59999.8,"ask":60000.0}]}`
	msg, ok := parseStreamMessage([]byte(raw), zerolog.Nop())
	if !ok {
		t.Fatalf("ticker message dropped")
	}
	if msg.Channel != core.ChannelTicker || msg.Type != "update" {
		t.Fatalf("message = %+v", msg)
	}
	if msg.Ticker.Symbol != "BTC/USD" {
		t.Fatalf("symbol = %q", msg.Ticker.Symbol)
	}
	if !msg.Ticker.Last.Equal(decimal.RequireFromString("59999.9")) {
		t.Fatalf("last = %v, want 59999.9", msg.Ticker.Last)
	}
}

func TestParseStreamMessageExecutions(t *testing.T) {
	raw := `{"channel":"executions","type":"update","data":[
		{"order_id":"OABC12-DEF34-GHI56","exec_type":"filled","exec_id":"X1"},
		{"order_id":"OXYZ98-UVW76-RST54","exec_type":"new"}]}`
	msg, ok := parseStreamMessage([]byte(raw), zerolog.Nop())
	if !ok {
		t.Fatalf("executions message dropped")
	}
	if msg.Channel != core.ChannelExecutions || len(msg.Executions) != 2 {
		t.Fatalf("message = %+v", msg)
	}
	if msg.Executions[0].ExecType != core.ExecFilled || msg.Executions[0].OrderID != "OABC12-DEF34-GHI56" {
		t.Fatalf("executions[0] = %+v", msg.Executions[0])
	}
	if msg.Executions[1].ExecType != core.ExecNew {
		t.Fatalf("executions[1] = %+v", msg.Executions[1])
	}
}

func TestParseStreamMessageExecutionsSnapshot(t *testing.T) {
	raw := `{"channel":"executions","type":"snapshot","data":[]}`
	msg, ok := parseStreamMessage([]byte(raw), zerolog.Nop())
	if !ok {
		t.Fatalf("snapshot dropped, want passed through for channel confirmation")
	}
	if msg.Type != "snapshot" || len(msg.Executions) != 0 {
		t.Fatalf("message = %+v", msg)
	}
}

func TestParseStreamMessageFiltersNoise(t *testing.T) {
	noise := []string{
		`{"channel":"heartbeat"}`,
		`{"channel":"status","type":"update","data":[{"system":"online"}]}`,
		`{"method":"subscribe","success":true,"result":{"channel":"ticker"}}`,
		`{"method":"subscribe","success":false,"error":"Unsupported field"}`,
		`not json`,
	}
	for _, raw := range noise {
		if msg, ok := parseStreamMessage([]byte(raw), zerolog.Nop()); ok {
			t.Fatalf("noise %q produced message %+v", raw, msg)
		}
	}
}
