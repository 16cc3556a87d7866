// Package amm is the client for the swap-builder sidecar that owns pool
// math and instruction layout.
package amm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vamshivade/DEX-System/internal/fault"
	"github.com/vamshivade/DEX-System/internal/store"
)

// DefaultTimeout bounds one sidecar round trip.
const DefaultTimeout = 10 * time.Second

// PoolState is the sidecar's view of a pool.
type PoolState struct {
	PoolID     string          `json:"pool_id"`
	Price      decimal.Decimal `json:"price"`
	Tick       int32           `json:"tick_current"`
	ObservedAt int64           `json:"observed_at"` // unix milliseconds
}

// Time returns ObservedAt as a time, or now when the sidecar omitted it.
func (p PoolState) Time() time.Time {
	if p.ObservedAt == 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(p.ObservedAt).UTC()
}

// Quote is the expected output for a swap.
type Quote struct {
	AmountOut    decimal.Decimal `json:"amount_out"`
	MinAmountOut decimal.Decimal `json:"min_amount_out"`
}

// BuildRequest describes one on-chain step to build.
type BuildRequest struct {
	Kind         store.JobKind   `json:"kind"`
	Step         string          `json:"step"`
	PoolID       string          `json:"pool_id"`
	Owner        string          `json:"owner"`
	Direction    store.Direction `json:"direction,omitempty"`
	AmountIn     decimal.Decimal `json:"amount_in"`
	MinAmountOut decimal.Decimal `json:"min_amount_out"`
	PositionID   string          `json:"position_id,omitempty"`
	Destination  string          `json:"destination,omitempty"`
	Blockhash    string          `json:"recent_blockhash"`
}

// Transaction is an unsigned, serialized transaction message.
type Transaction struct {
	Message []byte
	// PositionID and the tick range are set when the step opens a position
	PositionID string
	TickLower  int32
	TickUpper  int32
}

// OpensPosition reports whether the transaction carries a new position range.
func (t Transaction) OpensPosition() bool {
	return t.PositionID != "" && t.TickLower < t.TickUpper
}

type buildResponse struct {
	Message    string `json:"message"`
	PositionID string `json:"position_id"`
	TickLower  int32  `json:"tick_lower"`
	TickUpper  int32  `json:"tick_upper"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client calls the swap-builder over JSON/HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a client for baseURL.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
		logger:  logger,
	}
}

// Pool returns the current pool state.
func (c *Client) Pool(ctx context.Context, poolID string) (PoolState, error) {
	var st PoolState
	if err := c.do(ctx, http.MethodGet, "/v1/pools/"+url.PathEscape(poolID), nil, &st); err != nil {
		return PoolState{}, err
	}
	if st.PoolID == "" {
		st.PoolID = poolID
	}
	return st, nil
}

// PoolPrice returns the pool's spot price and when it was observed.
func (c *Client) PoolPrice(ctx context.Context, poolID string) (decimal.Decimal, time.Time, error) {
	st, err := c.Pool(ctx, poolID)
	if err != nil {
		return decimal.Zero, time.Time{}, err
	}
	return st.Price, st.Time(), nil
}

// PoolTick returns the pool's current CLMM tick.
func (c *Client) PoolTick(ctx context.Context, poolID string) (int32, error) {
	st, err := c.Pool(ctx, poolID)
	if err != nil {
		return 0, err
	}
	return st.Tick, nil
}

// TokenBalance returns how much of poolID's quote-side token owner holds,
// in the token's base units.
func (c *Client) TokenBalance(ctx context.Context, poolID, owner string) (decimal.Decimal, error) {
	var resp struct {
		Amount decimal.Decimal `json:"amount"`
	}
	path := "/v1/pools/" + url.PathEscape(poolID) + "/balances/" + url.PathEscape(owner)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Amount, nil
}

// Quote prices a swap of amountIn with the given slippage tolerance.
func (c *Client) Quote(ctx context.Context, poolID string, dir store.Direction, amountIn decimal.Decimal, slippageBps int) (Quote, error) {
	req := map[string]any{
		"pool_id":      poolID,
		"direction":    dir,
		"amount_in":    amountIn,
		"slippage_bps": slippageBps,
	}
	var q Quote
	if err := c.do(ctx, http.MethodPost, "/v1/quote", req, &q); err != nil {
		return Quote{}, err
	}
	return q, nil
}

// BuildInstruction returns the unsigned transaction message for one step.
func (c *Client) BuildInstruction(ctx context.Context, req BuildRequest) (Transaction, error) {
	var resp buildResponse
	if err := c.do(ctx, http.MethodPost, "/v1/build", req, &resp); err != nil {
		return Transaction{}, err
	}
	msg, err := base64.StdEncoding.DecodeString(resp.Message)
	if err != nil || len(msg) == 0 {
		return Transaction{}, fault.Newf(fault.Transient, "build %s/%s: malformed message", req.Kind, req.Step)
	}
	return Transaction{
		Message:    msg,
		PositionID: resp.PositionID,
		TickLower:  resp.TickLower,
		TickUpper:  resp.TickUpper,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fault.Wrap(fault.Transient, fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return classify(path, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fault.Wrap(fault.Transient, fmt.Errorf("decode %s: %w", path, err))
	}
	return nil
}

// classify maps a sidecar error response onto the failure taxonomy.
func classify(path string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e errorResponse
	_ = json.Unmarshal(raw, &e)
	if e.Message == "" {
		e.Message = strings.TrimSpace(string(raw))
	}
	err := fmt.Errorf("%s: status %d: %s %s", path, resp.StatusCode, e.Code, e.Message)

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout {
		return fault.Wrap(fault.Transient, err)
	}
	if strings.Contains(strings.ToLower(e.Code), "insufficient") {
		return fault.Wrap(fault.Precondition, err)
	}
	// slippage_exceeded, stale_pool_state and other 4xx: the builder refused
	// this exact request, so resubmitting it as-is cannot succeed
	return fault.Wrap(fault.Rejected, err)
}
