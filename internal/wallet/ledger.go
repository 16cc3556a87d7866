// Package wallet drives trading wallets through their lifecycle:
// Created -> Ready -> Active -> Created (or archived).
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vamshivade/DEX-System/internal/fault"
	"github.com/vamshivade/DEX-System/internal/store"
)

var (
	// ErrInvalidTransition is returned for a transition the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid wallet transition")
	// ErrWalletLocked is returned when the wallet has a job in flight.
	ErrWalletLocked = errors.New("wallet is locked by an in-flight job")
	// ErrInsufficientFunds is returned when the on-chain balance fails a guard.
	ErrInsufficientFunds = errors.New("insufficient wallet balance")
	// ErrWalletExists is returned when provisioning an id already in use.
	ErrWalletExists = errors.New("wallet already exists")
)

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to store.WalletStatus) bool {
	switch from {
	case store.WalletCreated:
		return to == store.WalletReady
	case store.WalletReady:
		return to == store.WalletActive
	case store.WalletActive:
		return to == store.WalletCreated
	}
	return false
}

// Store is the persistence the ledger needs.
type Store interface {
	SaveWallet(ctx context.Context, w store.WalletRecord) error
	GetWallet(ctx context.Context, id string) (store.WalletRecord, error)
	UpdateWalletStatus(ctx context.Context, id string, status store.WalletStatus, archived bool) error
	SaveBot(ctx context.Context, b store.Bot) error
	BotsByWallet(ctx context.Context, walletID string) ([]store.Bot, error)
	SetBotState(ctx context.Context, botID string, state store.BotState) error
}

// Sealer stores a wallet's signing secret.
type Sealer interface {
	Seal(ctx context.Context, walletID string, secret []byte) (string, error)
}

// Balances reads on-chain balances in lamports.
type Balances interface {
	Balance(ctx context.Context, pubkey string) (uint64, error)
}

// Tokens reads a wallet's balance of a pool's quote-side token.
type Tokens interface {
	TokenBalance(ctx context.Context, poolID, owner string) (decimal.Decimal, error)
}

// JobQueue is the slice of the swap queue the ledger needs.
type JobQueue interface {
	Enqueue(walletID string, job *store.SwapJob) error
	IsLocked(walletID string) bool
	DropBot(botID string, now time.Time) []*store.SwapJob
}

// Config holds the funding guards.
type Config struct {
	// MinActivation is the balance needed to become Ready and, strictly
	// exceeded, to take a bot
	MinActivation uint64

	// GasReserve stays in SOL when activation funds are split
	GasReserve uint64

	// SplitRatio is the share of the spendable balance swapped into the
	// pool's other asset
	SplitRatio decimal.Decimal

	// FeeReserve is left behind by a sweep to pay its own transaction fee
	FeeReserve uint64
}

// DefaultFeeReserve covers the signature fee of a sweep transfer.
const DefaultFeeReserve = 10_000

// Ledger applies lifecycle transitions. Requests for the same wallet are
// serialised; different wallets proceed independently.
type Ledger struct {
	cfg      Config
	store    Store
	vault    Sealer
	balances Balances
	tokens   Tokens
	queue    JobQueue
	logger   *slog.Logger

	locks sync.Map // wallet id -> *sync.Mutex
	now   func() time.Time
}

// NewLedger creates a Ledger.
func NewLedger(cfg Config, st Store, vault Sealer, balances Balances, tokens Tokens, queue JobQueue, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.SplitRatio.IsPositive() {
		cfg.SplitRatio = decimal.NewFromFloat(0.5)
	}
	if cfg.FeeReserve == 0 {
		cfg.FeeReserve = DefaultFeeReserve
	}
	return &Ledger{
		cfg:      cfg,
		store:    st,
		vault:    vault,
		balances: balances,
		tokens:   tokens,
		queue:    queue,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (l *Ledger) lock(walletID string) func() {
	mu, _ := l.locks.LoadOrStore(walletID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// Provision seals secret and records a new wallet in Created.
func (l *Ledger) Provision(ctx context.Context, walletID, publicKey, mainWalletID string, secret []byte) (store.WalletRecord, error) {
	defer l.lock(walletID)()

	if _, err := l.store.GetWallet(ctx, walletID); err == nil {
		return store.WalletRecord{}, fault.Wrap(fault.Precondition, fmt.Errorf("provision %s: %w", walletID, ErrWalletExists))
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.WalletRecord{}, err
	}

	ref, err := l.vault.Seal(ctx, walletID, secret)
	if err != nil {
		return store.WalletRecord{}, fmt.Errorf("seal key for %s: %w", walletID, err)
	}
	w := store.WalletRecord{
		ID:           walletID,
		PublicKey:    publicKey,
		KeyRef:       ref,
		Status:       store.WalletCreated,
		MainWalletID: mainWalletID,
		UpdatedAt:    l.now(),
	}
	if err := l.store.SaveWallet(ctx, w); err != nil {
		return store.WalletRecord{}, err
	}
	l.logger.Info("wallet_provisioned", "wallet", walletID, "pubkey", publicKey, "main_wallet", mainWalletID)
	return w, nil
}

// MarkReady moves a funded wallet from Created to Ready.
func (l *Ledger) MarkReady(ctx context.Context, walletID string) error {
	defer l.lock(walletID)()

	w, err := l.load(ctx, walletID, store.WalletReady)
	if err != nil {
		return err
	}
	bal, err := l.balances.Balance(ctx, w.PublicKey)
	if err != nil {
		return fmt.Errorf("balance of %s: %w", walletID, err)
	}
	if bal < l.cfg.MinActivation {
		return fault.Wrap(fault.Precondition,
			fmt.Errorf("%w: %s holds %d lamports, needs %d", ErrInsufficientFunds, walletID, bal, l.cfg.MinActivation))
	}
	return l.advance(ctx, w, store.WalletReady, false)
}

// AssignBot activates a Ready wallet for bot. Activation funds are split
// through the swap queue first; the wallet stays Ready if the split fails.
func (l *Ledger) AssignBot(ctx context.Context, walletID string, bot store.Bot) error {
	defer l.lock(walletID)()

	w, err := l.load(ctx, walletID, store.WalletActive)
	if err != nil {
		return err
	}
	if l.queue.IsLocked(walletID) {
		return fault.Wrap(fault.Precondition, fmt.Errorf("assign bot to %s: %w", walletID, ErrWalletLocked))
	}
	bal, err := l.balances.Balance(ctx, w.PublicKey)
	if err != nil {
		return fmt.Errorf("balance of %s: %w", walletID, err)
	}
	if bal <= l.cfg.MinActivation || bal <= l.cfg.GasReserve {
		return fault.Wrap(fault.Precondition,
			fmt.Errorf("%w: %s holds %d lamports, needs more than %d", ErrInsufficientFunds, walletID, bal, l.cfg.MinActivation))
	}

	split := store.NewSwapJob(store.KindSplit, walletID, l.now())
	split.PoolID = bot.PoolID
	split.Direction = store.Buy
	split.Amount = SplitAmount(bal, l.cfg.GasReserve, l.cfg.SplitRatio)
	split.SlippageBps = bot.SlippageBps

	l.logger.Info("wallet_split_enqueued", "wallet", walletID, "job_id", split.ID,
		"balance", bal, "gas_reserve", l.cfg.GasReserve, "amount", split.Amount.String())
	if err := l.await(ctx, split); err != nil {
		return err
	}

	bot.WalletID = walletID
	bot.State = store.BotActive
	if bot.CreatedAt.IsZero() {
		bot.CreatedAt = l.now()
	}
	bot.UpdatedAt = l.now()
	if err := l.store.SaveBot(ctx, bot); err != nil {
		return err
	}
	return l.advance(ctx, w, store.WalletActive, false)
}

// Decommission stops the wallet's bots, swaps their pools' tokens back to
// SOL, sweeps the SOL to the main wallet and resets the wallet to Created,
// or archives it.
func (l *Ledger) Decommission(ctx context.Context, walletID string, archive bool) error {
	defer l.lock(walletID)()

	w, err := l.load(ctx, walletID, store.WalletCreated)
	if err != nil {
		return err
	}
	if l.queue.IsLocked(walletID) {
		return fault.Wrap(fault.Precondition, fmt.Errorf("decommission %s: %w", walletID, ErrWalletLocked))
	}
	if w.MainWalletID == "" {
		return fault.Newf(fault.Precondition, "decommission %s: no main wallet to sweep to", walletID)
	}

	bots, err := l.store.BotsByWallet(ctx, walletID)
	if err != nil {
		return err
	}
	var pools []string
	seen := make(map[string]bool)
	for _, b := range bots {
		if err := l.store.SetBotState(ctx, b.ID, store.BotArchived); err != nil {
			return err
		}
		dropped := l.queue.DropBot(b.ID, l.now())
		l.logger.Info("bot_archived", "bot", b.ID, "wallet", walletID, "dropped_jobs", len(dropped))
		if b.PoolID != "" && !seen[b.PoolID] {
			seen[b.PoolID] = true
			pools = append(pools, b.PoolID)
		}
	}

	for _, poolID := range pools {
		if err := l.unwind(ctx, w, poolID); err != nil {
			return err
		}
	}

	// read after the unwinds so their proceeds are swept too
	bal, err := l.balances.Balance(ctx, w.PublicKey)
	if err != nil {
		return fmt.Errorf("balance of %s: %w", walletID, err)
	}
	if bal <= l.cfg.FeeReserve {
		l.logger.Info("wallet_sweep_skipped", "wallet", walletID, "balance", bal, "fee_reserve", l.cfg.FeeReserve)
	} else {
		sweep := store.NewSwapJob(store.KindSweep, walletID, l.now())
		sweep.Amount = decimal.NewFromInt(int64(bal - l.cfg.FeeReserve))
		l.logger.Info("wallet_sweep_enqueued", "wallet", walletID, "job_id", sweep.ID,
			"balance", bal, "fee_reserve", l.cfg.FeeReserve, "amount", sweep.Amount.String(), "main_wallet", w.MainWalletID)
		if err := l.await(ctx, sweep); err != nil {
			return err
		}
	}

	return l.advance(ctx, w, store.WalletCreated, archive)
}

// unwind sells the wallet's whole holding of poolID's token for SOL.
func (l *Ledger) unwind(ctx context.Context, w store.WalletRecord, poolID string) error {
	held, err := l.tokens.TokenBalance(ctx, poolID, w.PublicKey)
	if err != nil {
		return fmt.Errorf("token balance of %s in %s: %w", w.ID, poolID, err)
	}
	if !held.IsPositive() {
		return nil
	}
	job := store.NewSwapJob(store.KindUnwind, w.ID, l.now())
	job.PoolID = poolID
	job.Direction = store.Sell
	job.Amount = held
	l.logger.Info("wallet_unwind_enqueued", "wallet", w.ID, "job_id", job.ID, "pool", poolID, "amount", held.String())
	return l.await(ctx, job)
}

// SplitAmount is the part of balance swapped on activation: what remains
// after the gas reserve, scaled by ratio and truncated to whole lamports.
func SplitAmount(balance, gasReserve uint64, ratio decimal.Decimal) decimal.Decimal {
	if balance <= gasReserve {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(balance - gasReserve)).Mul(ratio).Truncate(0)
}

// load fetches the wallet and checks that it may move to next.
func (l *Ledger) load(ctx context.Context, walletID string, next store.WalletStatus) (store.WalletRecord, error) {
	w, err := l.store.GetWallet(ctx, walletID)
	if errors.Is(err, store.ErrNotFound) {
		return w, fault.Wrap(fault.Precondition, fmt.Errorf("wallet %s: %w", walletID, err))
	}
	if err != nil {
		return w, err
	}
	if w.Archived || !CanTransition(w.Status, next) {
		return w, fault.Wrap(fault.Precondition,
			fmt.Errorf("%w: %s is %s, cannot become %s", ErrInvalidTransition, walletID, w.Status, next))
	}
	return w, nil
}

func (l *Ledger) advance(ctx context.Context, w store.WalletRecord, next store.WalletStatus, archive bool) error {
	if err := l.store.UpdateWalletStatus(ctx, w.ID, next, archive); err != nil {
		return fmt.Errorf("update wallet %s: %w", w.ID, err)
	}
	l.logger.Info("wallet_transition", "wallet", w.ID, "from", w.Status, "to", next, "archived", archive)
	return nil
}

// await enqueues job and waits for it to resolve. The job keeps running if
// ctx ends first.
func (l *Ledger) await(ctx context.Context, job *store.SwapJob) error {
	if err := l.queue.Enqueue(job.WalletID, job); err != nil {
		return err
	}
	select {
	case <-job.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if job.State != store.JobSucceeded {
		return fault.Newf(fault.Rejected, "%s job %s ended %s: %s", job.Kind, job.ID, job.State, job.LastError)
	}
	return nil
}
