// Package store provides data models and database operations.
package store

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// TradeMode selects how a bot reacts to a price move.
type TradeMode string

// Trade modes
const (
	// ModeInverse sells into rises and buys into falls.
	ModeInverse TradeMode = "inverse"
	// ModeReverse follows the move.
	ModeReverse TradeMode = "reverse"
)

// BotState is the lifecycle flag of a bot.
type BotState string

// Bot lifecycle flags
const (
	BotActive   BotState = "active"
	BotStopped  BotState = "stopped"
	BotArchived BotState = "archived"
)

// Decision is the outcome of a signal evaluation.
type Decision string

// Decisions
const (
	DecisionBuy  Decision = "BUY"
	DecisionSell Decision = "SELL"
	DecisionHold Decision = "HOLD"
)

// Bot is a configured trading bot bound to one pool and one wallet.
type Bot struct {
	// ID is the bot identifier
	ID string

	// PoolID is the AMM pool the bot trades against
	PoolID string

	// Symbol is the price-cache key; defaults to PoolID when empty
	Symbol string

	// Mode is inverse or reverse
	Mode TradeMode

	// Threshold is the fractional price change that triggers a trade (0.02 = 2%)
	Threshold decimal.Decimal

	// WalletID is the owning wallet
	WalletID string

	// TradeAmount is the input amount per trade, in base units
	TradeAmount decimal.Decimal

	// SlippageBps bounds the accepted output deviation; 0 means engine default
	SlippageBps int

	// State is active, stopped or archived
	State BotState

	// LastPrice, LastDecision and LastEvaluatedAt are scheduler bookkeeping
	LastPrice       decimal.Decimal
	LastDecision    Decision
	LastEvaluatedAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PriceSymbol returns the key used for price observations.
func (b Bot) PriceSymbol() string {
	if b.Symbol != "" {
		return b.Symbol
	}
	return b.PoolID
}

// WalletStatus is the lifecycle state of a trading wallet.
type WalletStatus int

// Wallet lifecycle states. Numeric values are persisted.
const (
	WalletCreated WalletStatus = 0
	WalletReady   WalletStatus = 1
	WalletActive  WalletStatus = 2
)

func (s WalletStatus) String() string {
	switch s {
	case WalletCreated:
		return "created"
	case WalletReady:
		return "ready"
	case WalletActive:
		return "active"
	default:
		return "unknown"
	}
}

// WalletRecord is a provisioned trading wallet.
type WalletRecord struct {
	// ID is the wallet identifier
	ID string

	// PublicKey is the base58 account address
	PublicKey string

	// KeyRef points at the encrypted key blob held by the vault
	KeyRef string

	// Status is Created, Ready or Active
	Status WalletStatus

	// MainWalletID receives swept funds on decommission
	MainWalletID string

	// Archived is set when a decommissioned wallet is retired instead of reset
	Archived bool

	UpdatedAt time.Time
}

// Direction is the side of a swap.
type Direction string

// Swap directions
const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// JobKind distinguishes what a SwapJob submits.
type JobKind string

// Job kinds
const (
	// KindTrade is a signal-driven swap.
	KindTrade JobKind = "trade"
	// KindSplit splits activation funds into the pair's assets.
	KindSplit JobKind = "split"
	// KindUnwind swaps a pool's quote-side tokens back to SOL ahead of a sweep.
	KindUnwind JobKind = "unwind"
	// KindSweep returns a wallet's funds to its main wallet.
	KindSweep JobKind = "sweep"
	// KindRebalance withdraws, swaps to target ratio and reopens a CLMM position.
	KindRebalance JobKind = "rebalance"
)

// JobState is the execution state of a SwapJob.
type JobState string

// Job states. Every state except Pending and InFlight is terminal.
const (
	JobPending           JobState = "pending"
	JobInFlight          JobState = "in_flight"
	JobSucceeded         JobState = "succeeded"
	JobFailedPermanently JobState = "failed_permanently"
	JobPartialFailure    JobState = "partial_failure"
	JobCancelled         JobState = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s JobState) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailedPermanently, JobPartialFailure, JobCancelled:
		return true
	}
	return false
}

// Rebalance sub-steps, in execution order.
const (
	StepWithdraw = "withdraw"
	StepSwap     = "swap"
	StepReopen   = "reopen"
)

// RebalanceSteps is the fixed order of a rebalance job.
var RebalanceSteps = []string{StepWithdraw, StepSwap, StepReopen}

// SwapJob is one queued unit of on-chain work for a wallet.
type SwapJob struct {
	ID       string
	WalletID string

	// BotID is empty for maintenance jobs (split, unwind, sweep, rebalance)
	BotID string

	Kind      JobKind
	PoolID    string
	Direction Direction
	Amount    decimal.Decimal

	// SlippageBps overrides the engine default when positive
	SlippageBps int

	// PositionID is set for rebalance jobs
	PositionID string

	// Attempts counts submission attempts across all steps
	Attempts int

	// StepsDone is the number of completed sub-steps
	StepsDone int

	// LastReference is the most recent transaction signature
	LastReference string

	// AmountOut is the quoted minimum output of the last quoted step
	AmountOut decimal.Decimal

	State     JobState
	LastError string

	CreatedAt time.Time
	UpdatedAt time.Time

	done     chan struct{}
	doneOnce sync.Once
}

// NewSwapJob returns a pending job with a fresh identifier.
func NewSwapJob(kind JobKind, walletID string, now time.Time) *SwapJob {
	return &SwapJob{
		ID:        uuid.NewString(),
		WalletID:  walletID,
		Kind:      kind,
		State:     JobPending,
		CreatedAt: now,
		UpdatedAt: now,
		done:      make(chan struct{}),
	}
}

// Done is closed once the job reaches a terminal state.
func (j *SwapJob) Done() <-chan struct{} {
	j.ensureDone()
	return j.done
}

// Finish moves the job into a terminal state and releases waiters.
// Calls after the first terminal transition are ignored.
func (j *SwapJob) Finish(state JobState, lastErr error, now time.Time) bool {
	if !state.Terminal() {
		return false
	}
	j.ensureDone()
	finished := false
	j.doneOnce.Do(func() {
		j.State = state
		if lastErr != nil {
			j.LastError = lastErr.Error()
		}
		j.UpdatedAt = now
		close(j.done)
		finished = true
	})
	return finished
}

// Steps returns the ordered sub-steps for the job's kind.
func (j *SwapJob) Steps() []string {
	if j.Kind == KindRebalance {
		return RebalanceSteps
	}
	return []string{string(j.Kind)}
}

func (j *SwapJob) ensureDone() {
	if j.done == nil {
		j.done = make(chan struct{})
	}
}

// PositionState tracks whether a CLMM position can be acted on automatically.
type PositionState string

// Position states
const (
	PositionOpen          PositionState = "open"
	PositionRebalancing   PositionState = "rebalancing"
	PositionNeedsOperator PositionState = "needs_operator"
)

// Position is a concentrated-liquidity position owned by a wallet.
type Position struct {
	ID        string
	WalletID  string
	PoolID    string
	TickLower int32
	TickUpper int32
	Liquidity decimal.Decimal
	State     PositionState
	UpdatedAt time.Time
}

// InRange reports whether tick lies within [TickLower, TickUpper].
func (p Position) InRange(tick int32) bool {
	return tick >= p.TickLower && tick <= p.TickUpper
}

// AuditRecord is the immutable outcome of a terminal job.
type AuditRecord struct {
	ID           string          `json:"id"`
	JobID        string          `json:"job_id"`
	WalletID     string          `json:"wallet_id"`
	BotID        string          `json:"bot_id,omitempty"`
	Kind         JobKind         `json:"kind"`
	Direction    Direction       `json:"direction,omitempty"`
	Reference    string          `json:"reference,omitempty"`
	AmountIn     decimal.Decimal `json:"amount_in"`
	AmountOut    decimal.Decimal `json:"amount_out"`
	Status       JobState        `json:"status"`
	Error        string          `json:"error,omitempty"`
	WalletStatus WalletStatus    `json:"wallet_status"`
	Attempts     int             `json:"attempts"`
	StepsDone    int             `json:"steps_done"`
	CreatedAt    time.Time       `json:"created_at"`
}

// NewAuditRecord snapshots a terminal job.
func NewAuditRecord(job *SwapJob, walletStatus WalletStatus, now time.Time) AuditRecord {
	return AuditRecord{
		ID:           uuid.NewString(),
		JobID:        job.ID,
		WalletID:     job.WalletID,
		BotID:        job.BotID,
		Kind:         job.Kind,
		Direction:    job.Direction,
		Reference:    job.LastReference,
		AmountIn:     job.Amount,
		AmountOut:    job.AmountOut,
		Status:       job.State,
		Error:        job.LastError,
		WalletStatus: walletStatus,
		Attempts:     job.Attempts,
		StepsDone:    job.StepsDone,
		CreatedAt:    now,
	}
}

// Alert is an operator notification.
type Alert struct {
	ID       string
	Severity string
	Source   string
	Message  string
	SentAt   time.Time
}
