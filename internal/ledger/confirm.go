package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"
)

// Reconnection constants for the signature subscription socket.
const (
	InitialBackoff = 250 * time.Millisecond
	MaxBackoff     = 4 * time.Second
	BackoffFactor  = 2.0
	JitterPercent  = 0.2

	// PingInterval keeps idle subscriptions alive through proxies.
	PingInterval = 15 * time.Second
	WriteTimeout = 5 * time.Second
)

// Confirmer waits for signatures over the node's websocket
// signatureSubscribe API. Each Await owns its connection, so one slow
// wallet never holds up another's confirmation.
type Confirmer struct {
	url        string
	commitment string
	logger     *slog.Logger
	dialer     websocket.Dialer
}

// NewConfirmer creates a Confirmer for wsURL.
func NewConfirmer(wsURL, commitment string, logger *slog.Logger) *Confirmer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Confirmer{
		url:        wsURL,
		commitment: commitment,
		logger:     logger,
		dialer:     websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

type subscribeResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Method string          `json:"method"`
	Params *struct {
		Result struct {
			Value struct {
				Err json.RawMessage `json:"err"`
			} `json:"value"`
		} `json:"result"`
	} `json:"params"`
	Error *rpcError `json:"error"`
}

// Await blocks until ref is confirmed or failed, or ctx ends. Dropped
// connections are redialed with backoff and the subscription is renewed.
// When ctx's deadline passes the error is context.DeadlineExceeded.
func (c *Confirmer) Await(ctx context.Context, ref string) (Outcome, error) {
	backoff := InitialBackoff
	var lastErr error

	for {
		outcome, err := c.awaitOnce(ctx, ref)
		if err == nil {
			return outcome, nil
		}
		if ctx.Err() != nil {
			return Timeout, ctx.Err()
		}
		lastErr = err
		c.logger.Warn("ws_confirm_retry", "signature", ref, "error", err, "backoff", backoff)

		jitter := time.Duration(float64(backoff) * JitterPercent * (rand.Float64()*2 - 1))
		select {
		case <-ctx.Done():
			return Timeout, ctx.Err()
		case <-time.After(backoff + jitter):
		}

		backoff = time.Duration(float64(backoff) * BackoffFactor)
		if backoff > MaxBackoff {
			// the endpoint is not coming back inside this wait
			return Timeout, fmt.Errorf("websocket unavailable: %w", lastErr)
		}
	}
}

func (c *Confirmer) awaitOnce(ctx context.Context, ref string) (Outcome, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			return Timeout, fmt.Errorf("dial failed with status %d: %w", resp.StatusCode, err)
		}
		return Timeout, fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	// unblock ReadMessage when the wait ends
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	sub := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "signatureSubscribe",
		Params:  []any{ref, map[string]any{"commitment": c.commitment}},
	}
	conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		return Timeout, fmt.Errorf("subscribe failed: %w", err)
	}
	c.logger.Debug("ws_subscribed", "signature", ref)

	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.keepAlive(conn, pingDone)

	for {
		conn.SetReadDeadline(time.Now().Add(2 * PingInterval))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return Timeout, ctx.Err()
			}
			return Timeout, fmt.Errorf("read error: %w", err)
		}

		var msg subscribeResponse
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Debug("ws_parse_error", "error", err)
			continue
		}
		if msg.Error != nil {
			return Timeout, fmt.Errorf("subscribe rejected: %w", msg.Error)
		}
		if msg.Method != "signatureNotification" || msg.Params == nil {
			continue
		}
		if hasErr(msg.Params.Result.Value.Err) {
			return Failed, nil
		}
		return Confirmed, nil
	}
}

// keepAlive pings until done is closed or a write fails.
func (c *Confirmer) keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(WriteTimeout)); err != nil {
				c.logger.Debug("ws_ping_failed", "error", err)
				return
			}
		}
	}
}
