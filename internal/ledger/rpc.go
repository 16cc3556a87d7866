// Package ledger talks to a Solana RPC node: blockhash context, submission,
// signature status, balances and confirmation.
package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vamshivade/DEX-System/internal/fault"
)

// ErrNoResponse marks a call whose request may have reached the node but
// produced no definitive answer. A submission failing this way may still land.
var ErrNoResponse = errors.New("no definitive response from node")

// BlockContext is the freshness token a transaction is built against.
type BlockContext struct {
	Blockhash            string
	LastValidBlockHeight uint64
}

// Status is what the node knows about a submitted signature.
type Status int

const (
	// StatusUnknown means the node has no record yet and the blockhash may
	// still land.
	StatusUnknown Status = iota
	// StatusPending means the signature is processed but below the
	// configured commitment.
	StatusPending
	StatusConfirmed
	StatusFailed
	// StatusExpired means the node has no record and the blockhash is past
	// its last valid height, so the transaction can never land.
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Outcome is the result of a bounded confirmation wait.
type Outcome int

const (
	Confirmed Outcome = iota
	Failed
	Timeout
)

func (o Outcome) String() string {
	switch o {
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	default:
		return "timeout"
	}
}

const (
	// DefaultHTTPTimeout bounds a single RPC round trip.
	DefaultHTTPTimeout = 10 * time.Second
	// StatusPollInterval is used when no websocket endpoint is configured.
	StatusPollInterval = 2 * time.Second
)

// Client is a JSON-RPC client for one Solana node.
type Client struct {
	rpcURL     string
	commitment string
	http       *http.Client
	confirmer  *Confirmer
	logger     *slog.Logger
	nextID     atomic.Uint64
}

// NewClient creates a client. wsURL may be empty, in which case Confirm
// polls signature status instead of subscribing.
func NewClient(rpcURL, wsURL, commitment string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if commitment == "" {
		commitment = "confirmed"
	}
	c := &Client{
		rpcURL:     rpcURL,
		commitment: commitment,
		http:       &http.Client{Timeout: DefaultHTTPTimeout},
		logger:     logger,
	}
	if wsURL != "" {
		c.confirmer = NewConfirmer(wsURL, commitment, logger)
	}
	return c
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one JSON-RPC request and decodes result into out.
func (c *Client) call(ctx context.Context, method string, out any, params ...any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fault.Wrap(fault.Transient, fmt.Errorf("%s: %w: %w", method, ErrNoResponse, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("%s: status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(raw)))
		if resp.StatusCode >= 500 {
			// a gateway error says nothing about whether the node saw the request
			err = fmt.Errorf("%w: %w", ErrNoResponse, err)
		}
		return fault.Wrap(fault.Transient, err)
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fault.Wrap(fault.Transient, fmt.Errorf("decode %s: %w: %w", method, ErrNoResponse, err))
	}
	if rr.Error != nil {
		return classifyRPCError(method, rr.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// classifyRPCError maps node errors onto the failure taxonomy.
func classifyRPCError(method string, e *rpcError) error {
	err := fmt.Errorf("%s: %w", method, e)
	msg := strings.ToLower(e.Message)
	switch {
	case strings.Contains(msg, "insufficient"):
		return fault.Wrap(fault.Precondition, err)
	case strings.Contains(msg, "blockhash not found"), e.Code == -32005, e.Code == -32004:
		// node behind or blockhash not yet seen
		return fault.Wrap(fault.Transient, err)
	case e.Code == -32002, strings.Contains(msg, "slippage"), strings.Contains(msg, "custom program error"):
		return fault.Wrap(fault.Rejected, err)
	default:
		return fault.Wrap(fault.Transient, err)
	}
}

// LatestContext returns a fresh blockhash context.
func (c *Client) LatestContext(ctx context.Context) (BlockContext, error) {
	var res struct {
		Value struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getLatestBlockhash", &res, map[string]any{"commitment": c.commitment}); err != nil {
		return BlockContext{}, err
	}
	if res.Value.Blockhash == "" {
		return BlockContext{}, fault.Newf(fault.Transient, "getLatestBlockhash returned an empty blockhash")
	}
	return BlockContext{Blockhash: res.Value.Blockhash, LastValidBlockHeight: res.Value.LastValidBlockHeight}, nil
}

// Submit sends a signed transaction and returns its signature.
func (c *Client) Submit(ctx context.Context, tx []byte) (string, error) {
	var sig string
	opts := map[string]any{
		"encoding":            "base64",
		"preflightCommitment": c.commitment,
		"maxRetries":          0,
	}
	if err := c.call(ctx, "sendTransaction", &sig, base64.StdEncoding.EncodeToString(tx), opts); err != nil {
		return "", err
	}
	c.logger.Debug("tx_submitted", "signature", sig)
	return sig, nil
}

type signatureStatus struct {
	Slot               uint64          `json:"slot"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

// Status reports what the node knows about ref. lastValid is the blockhash
// context's last valid height, used to tell "not yet" from "never".
func (c *Client) Status(ctx context.Context, ref string, lastValid uint64) (Status, error) {
	var res struct {
		Value []*signatureStatus `json:"value"`
	}
	if err := c.call(ctx, "getSignatureStatuses", &res, []string{ref}, map[string]any{"searchTransactionHistory": true}); err != nil {
		return StatusUnknown, err
	}

	if len(res.Value) == 0 || res.Value[0] == nil {
		var height uint64
		if err := c.call(ctx, "getBlockHeight", &height, map[string]any{"commitment": c.commitment}); err != nil {
			return StatusUnknown, err
		}
		if lastValid > 0 && height > lastValid {
			return StatusExpired, nil
		}
		return StatusUnknown, nil
	}

	st := res.Value[0]
	if hasErr(st.Err) {
		return StatusFailed, nil
	}
	if reaches(st.ConfirmationStatus, c.commitment) {
		return StatusConfirmed, nil
	}
	return StatusPending, nil
}

// Balance returns the lamport balance of pubkey.
func (c *Client) Balance(ctx context.Context, pubkey string) (uint64, error) {
	var res struct {
		Value uint64 `json:"value"`
	}
	if err := c.call(ctx, "getBalance", &res, pubkey, map[string]any{"commitment": c.commitment}); err != nil {
		return 0, err
	}
	return res.Value, nil
}

// Confirm waits up to timeout for ref to reach the configured commitment.
// A context cancellation is returned as an error; running out of time is
// the Timeout outcome.
func (c *Client) Confirm(ctx context.Context, ref string, timeout time.Duration) (Outcome, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if c.confirmer != nil {
		outcome, err := c.confirmer.Await(waitCtx, ref)
		if err == nil {
			return outcome, nil
		}
		if ctx.Err() != nil {
			return Timeout, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return Timeout, nil
		}
		c.logger.Warn("ws_confirm_fallback", "signature", ref, "error", err)
	}
	return c.pollConfirm(ctx, waitCtx, ref)
}

func (c *Client) pollConfirm(parent, ctx context.Context, ref string) (Outcome, error) {
	ticker := time.NewTicker(StatusPollInterval)
	defer ticker.Stop()

	for {
		st, err := c.Status(ctx, ref, 0)
		if err == nil {
			switch st {
			case StatusConfirmed:
				return Confirmed, nil
			case StatusFailed:
				return Failed, nil
			}
		}

		select {
		case <-ctx.Done():
			if parent.Err() != nil {
				return Timeout, parent.Err()
			}
			return Timeout, nil
		case <-ticker.C:
		}
	}
}

func hasErr(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "null"
}

var commitmentRank = map[string]int{"processed": 0, "confirmed": 1, "finalized": 2}

// reaches reports whether status is at least the wanted commitment.
func reaches(status, want string) bool {
	got, ok := commitmentRank[status]
	if !ok {
		return false
	}
	return got >= commitmentRank[want]
}
