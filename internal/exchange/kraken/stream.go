package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"gridbot/internal/core"
)

const (
	streamReadTimeout = 45 * time.Second
	streamPingPeriod  = 15 * time.Second
)

// Stream merges Kraken's public ticker channel and the authenticated
// executions channel into one message feed.
type Stream struct {
	client    *Client
	wsURL     string
	wsAuthURL string
	log       zerolog.Logger

	mu    sync.Mutex
	conns []*websocket.Conn
}

func NewStream(client *Client, wsURL, wsAuthURL string, log zerolog.Logger) *Stream {
	return &Stream{
		client:    client,
		wsURL:     wsURL,
		wsAuthURL: wsAuthURL,
		log:       log.With().Str("component", "kraken_ws").Logger(),
	}
}

// Run dials both endpoints, subscribes, and pumps messages until ctx is
// done or either connection fails. The first connection error ends the
// stream; the engine decides whether to restart.
func (s *Stream) Run(ctx context.Context) (<-chan core.StreamMessage, <-chan error, error) {
	token, err := s.client.WSToken(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching websocket token: %w", err)
	}

	pubConn, err := s.dial(ctx, s.wsURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dialing public stream: %w", err)
	}
	sub := wsSubscribeRequest{Method: "subscribe"}
	sub.Params = wsSubscribeParams{
		Channel: core.ChannelTicker,
		Symbol:  []string{s.client.WSSymbol()},
	}
	if err := pubConn.WriteJSON(sub); err != nil {
		_ = pubConn.Close()
		return nil, nil, err
	}

	authConn, err := s.dial(ctx, s.wsAuthURL)
	if err != nil {
		_ = pubConn.Close()
		return nil, nil, fmt.Errorf("dialing private stream: %w", err)
	}
	snapOrders := true
	sub = wsSubscribeRequest{Method: "subscribe"}
	sub.Params = wsSubscribeParams{
		Channel:    core.ChannelExecutions,
		Token:      token,
		SnapOrders: &snapOrders,
	}
	if err := authConn.WriteJSON(sub); err != nil {
		_ = pubConn.Close()
		_ = authConn.Close()
		return nil, nil, err
	}

	messages := make(chan core.StreamMessage)
	errCh := make(chan error, 4)
	var wg sync.WaitGroup
	wg.Add(2)
	go s.pump(ctx, pubConn, messages, errCh, &wg)
	go s.pump(ctx, authConn, messages, errCh, &wg)
	go func() {
		wg.Wait()
		close(messages)
	}()
	return messages, errCh, nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = nil
	return nil
}

func (s *Stream) dial(ctx context.Context, wsURL string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	})
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	return conn, nil
}

func (s *Stream) pump(ctx context.Context, conn *websocket.Conn, messages chan<- core.StreamMessage, errCh chan<- error, wg *sync.WaitGroup) {
	defer wg.Done()
	defer conn.Close()

	reportErr := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(streamPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					reportErr(err)
					_ = conn.Close()
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			}
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				reportErr(err)
			}
			return
		}
		msg, ok := parseStreamMessage(data, s.log)
		if !ok {
			continue
		}
		select {
		case messages <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// parseStreamMessage filters heartbeats, status updates, and method
// acknowledgements, keeping only ticker and execution payloads.
func parseStreamMessage(data []byte, log zerolog.Logger) (core.StreamMessage, bool) {
	var envelope wsEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return core.StreamMessage{}, false
	}
	if envelope.Method != "" {
		if envelope.Success != nil && !*envelope.Success {
			log.Error().Str("method", envelope.Method).Str("error", envelope.Error).
				Msg("websocket request rejected")
		}
		return core.StreamMessage{}, false
	}
	switch envelope.Channel {
	case core.ChannelTicker:
		var data []wsTickerData
		if err := json.Unmarshal(envelope.Data, &data); err != nil || len(data) == 0 {
			return core.StreamMessage{}, false
		}
		last, err := decimal.NewFromString(data[0].Last.String())
		if err != nil {
			return core.StreamMessage{}, false
		}
		return core.StreamMessage{
			Channel: core.ChannelTicker,
			Type:    envelope.Type,
			Ticker:  core.TickerUpdate{Symbol: data[0].Symbol, Last: last},
		}, true
	case core.ChannelExecutions:
		var data []wsExecutionData
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return core.StreamMessage{}, false
		}
		execs := make([]core.Execution, 0, len(data))
		for _, e := range data {
			execs = append(execs, core.Execution{
				ExecType: core.ExecType(e.ExecType),
				OrderID:  e.OrderID,
			})
		}
		return core.StreamMessage{
			Channel:    core.ChannelExecutions,
			Type:       envelope.Type,
			Executions: execs,
		}, true
	default:
		return core.StreamMessage{}, false
	}
}
