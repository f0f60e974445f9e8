package trade_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/brickshare/market-engine/internal/market"
	"github.com/brickshare/market-engine/internal/model"
	"github.com/brickshare/market-engine/internal/trade"
)

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestWSHub_BroadcastPrunesDeadClients(t *testing.T) {
	hub := trade.NewWSHub()
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	dead := dialWS(t, srv)
	live := dialWS(t, srv)
	defer live.Close()

	// Drop the first client's TCP side without a close handshake so the
	// server's writes to it fail mid-broadcast.
	dead.UnderlyingConn().Close()

	msg := trade.WSMessage{
		Type:       "price_tick",
		PropertyID: 1,
		Name:       "Modern City Loft",
		Price:      "75.375",
		Direction:  "up",
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
	}

	// Keep broadcasting until the live client has seen enough messages;
	// early sends may predate its registration.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				hub.Broadcast(msg)
			}
		}
	}()

	live.SetReadDeadline(time.Now().Add(3 * time.Second))
	for i := 0; i < 8; i++ {
		_, data, err := live.ReadMessage()
		if err != nil {
			t.Fatalf("live client stopped receiving at message %d: %v", i, err)
		}
		if !strings.Contains(string(data), `"price_tick"`) {
			t.Fatalf("unexpected payload: %s", data)
		}
	}
}

func TestMessageFromUpdate(t *testing.T) {
	at := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	buy := trade.MessageFromUpdate(market.PriceUpdate{
		PropertyID: 1,
		Name:       "Modern City Loft",
		Price:      decimal.NewFromFloat(75.375),
		Direction:  model.DirectionUp,
		Cause:      market.CauseBuy,
		Timestamp:  at,
	})
	if buy.Type != "trade_executed" || buy.Side != "BUY" {
		t.Errorf("buy message = %+v", buy)
	}
	if buy.Price != "75.375" || buy.Direction != "up" {
		t.Errorf("buy payload = %+v", buy)
	}

	tick := trade.MessageFromUpdate(market.PriceUpdate{
		PropertyID: 1,
		Price:      decimal.NewFromFloat(74.9),
		Direction:  model.DirectionDown,
		Cause:      market.CauseTick,
		Timestamp:  at,
	})
	if tick.Type != "price_tick" || tick.Side != "" {
		t.Errorf("tick message = %+v", tick)
	}
}
