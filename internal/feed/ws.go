// Package feed streams live market ticks over WebSocket into the safety
// monitors.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantrail/tradeguard/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second

	handshakeTimeout = 15 * time.Second
)

// TickHandler is called for each decoded price tick.
type TickHandler func(ctx context.Context, tick domain.PricePoint)

// tickMessage is the wire shape of one tick from the market data endpoint.
type tickMessage struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp string  `json:"ts"`
}

// subscribeCommand is sent after connecting to select symbols.
type subscribeCommand struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

// TickFeed connects to a market data WebSocket, subscribes to the configured
// symbols, and invokes the handler for every tick. It reconnects with
// exponential backoff on disconnect.
type TickFeed struct {
	wsURL   string
	symbols []string
	handler TickHandler
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewTickFeed creates a feed for the given endpoint and symbols.
func NewTickFeed(wsURL string, symbols []string, handler TickHandler, logger *slog.Logger) *TickFeed {
	return &TickFeed{
		wsURL:   wsURL,
		symbols: symbols,
		handler: handler,
		logger:  logger.With(slog.String("component", "tick_feed")),
		done:    make(chan struct{}),
	}
}

// Run connects and streams ticks until ctx is cancelled or Close is called.
// Disconnects trigger reconnection with exponential backoff; the subscription
// is restored on each new connection.
func (f *TickFeed) Run(ctx context.Context) error {
	if len(f.symbols) == 0 {
		f.logger.Info("no symbols to subscribe, feed exiting")
		return nil
	}

	delay := reconnectDelay
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		err := f.runConnection(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// Close stops the feed.
func (f *TickFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

// runConnection dials, subscribes, and reads until the connection drops or
// the feed is stopped. A nil return means a clean shutdown.
func (f *TickFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	conn, _, err := dialer.DialContext(dialCtx, f.wsURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("feed: connect %s: %w", f.wsURL, err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if err := f.subscribe(conn); err != nil {
		return err
	}
	f.logger.Info("feed subscribed", slog.Int("symbols", len(f.symbols)))

	// Close the connection when ctx or the feed is done so ReadMessage
	// unblocks.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-f.done:
		case <-stop:
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		conn.Close()
	}()

	go f.pingLoop(conn, stop)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-f.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return fmt.Errorf("feed: read: %w", err)
		}
		f.handleMessage(ctx, message)
	}
}

func (f *TickFeed) subscribe(conn *websocket.Conn) error {
	cmd := subscribeCommand{Type: "subscribe", Symbols: f.symbols}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("feed: marshal subscribe: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	return nil
}

func (f *TickFeed) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage decodes one tick and dispatches it. Unparseable or
// zero-priced messages are dropped.
func (f *TickFeed) handleMessage(ctx context.Context, raw []byte) {
	var msg tickMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		f.logger.Debug("dropping unparseable tick", slog.Int("payload_len", len(raw)))
		return
	}

	symbol := strings.TrimSpace(msg.Symbol)
	if symbol == "" || msg.Price <= 0 {
		return
	}

	ts := time.Now()
	if msg.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, msg.Timestamp); err == nil {
			ts = t
		}
	}

	f.handler(ctx, domain.PricePoint{
		Symbol:    symbol,
		Price:     msg.Price,
		Timestamp: ts,
	})
}
