// Package executor runs queued swap jobs: one executor per wallet, bounded
// retries, fresh blockhash per attempt and an audit record per outcome.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/vamshivade/DEX-System/internal/amm"
	"github.com/vamshivade/DEX-System/internal/fault"
	"github.com/vamshivade/DEX-System/internal/ledger"
	"github.com/vamshivade/DEX-System/internal/notify"
	"github.com/vamshivade/DEX-System/internal/store"
	"github.com/vamshivade/DEX-System/internal/vault"
)

// Builder quotes swaps and builds unsigned transactions.
type Builder interface {
	Quote(ctx context.Context, poolID string, dir store.Direction, amountIn decimal.Decimal, slippageBps int) (amm.Quote, error)
	BuildInstruction(ctx context.Context, req amm.BuildRequest) (amm.Transaction, error)
}

// Ledger submits transactions and reports their status.
type Ledger interface {
	LatestContext(ctx context.Context) (ledger.BlockContext, error)
	Submit(ctx context.Context, tx []byte) (string, error)
	Status(ctx context.Context, ref string, lastValid uint64) (ledger.Status, error)
	Confirm(ctx context.Context, ref string, timeout time.Duration) (ledger.Outcome, error)
}

// KeyVault hands out single-attempt signing credentials.
type KeyVault interface {
	Decrypt(ctx context.Context, walletID string) (*vault.Credential, error)
}

// Wallets reads wallet records.
type Wallets interface {
	GetWallet(ctx context.Context, id string) (store.WalletRecord, error)
}

// Bots reads a job's bot so a trade is not executed after its bot stopped.
type Bots interface {
	GetBot(ctx context.Context, id string) (store.Bot, error)
}

// Positions reads and updates CLMM positions during rebalances.
type Positions interface {
	GetPosition(ctx context.Context, id string) (store.Position, error)
	SavePosition(ctx context.Context, p store.Position) error
	SetPositionState(ctx context.Context, id string, state store.PositionState) error
}

// AuditSink records terminal jobs.
type AuditSink interface {
	Record(ctx context.Context, rec store.AuditRecord) error
}

// Recorder receives execution metrics.
type Recorder interface {
	RecordJob(job *store.SwapJob)
	SetInFlightWallets(n int)
	SetQueueDepth(n int)
}

// Queue is the slice of the swap queue the dispatcher uses.
type Queue interface {
	PendingWallets() []string
	TryLock(walletID string) (release func(), ok bool)
	Dequeue(walletID string) (*store.SwapJob, bool)
	Depth() int
}

// Config tunes the supervisor.
type Config struct {
	Policy RetryPolicy

	// ConfirmTimeout bounds each confirmation wait
	ConfirmTimeout time.Duration

	// ResolveTimeout bounds the final wait on an ambiguous submission after
	// the retry budget is spent
	ResolveTimeout time.Duration

	// DispatchInterval is how often pending wallets are scanned
	DispatchInterval time.Duration

	// MaxInFlight caps wallets executing at once
	MaxInFlight int

	DefaultSlippageBps int
}

func (c Config) withDefaults() Config {
	if c.Policy.MaxAttempts < 1 {
		c.Policy = DefaultRetryPolicy
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 30 * time.Second
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = 90 * time.Second
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = 500 * time.Millisecond
	}
	if c.MaxInFlight < 1 {
		c.MaxInFlight = 16
	}
	if c.DefaultSlippageBps <= 0 {
		c.DefaultSlippageBps = 100
	}
	return c
}

// Deps are the supervisor's collaborators. Bots, Recorder and Notifier may
// be nil.
type Deps struct {
	Queue     Queue
	Bots      Bots
	Builder   Builder
	Ledger    Ledger
	Vault     KeyVault
	Wallets   Wallets
	Positions Positions
	Audit     AuditSink
	Notifier  notify.Notifier
	Recorder  Recorder
	Logger    *slog.Logger
}

// Supervisor executes swap jobs.
type Supervisor struct {
	cfg Config
	Deps

	slots    chan struct{}
	kick     chan struct{}
	inFlight atomic.Int32
	wg       conc.WaitGroup

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New creates a Supervisor.
func New(cfg Config, deps Deps) *Supervisor {
	cfg = cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	return &Supervisor{
		cfg:   cfg,
		Deps:  deps,
		slots: make(chan struct{}, cfg.MaxInFlight),
		kick:  make(chan struct{}, 1),
		sleep: sleepContext,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Run dispatches pending jobs until ctx is cancelled, then waits for
// in-flight jobs to settle.
func (s *Supervisor) Run(ctx context.Context) error {
	s.Logger.Info("supervisor_started",
		"dispatch_interval", s.cfg.DispatchInterval,
		"max_inflight", s.cfg.MaxInFlight,
		"max_attempts", s.cfg.Policy.MaxAttempts,
	)

	ticker := time.NewTicker(s.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Logger.Info("supervisor_stopping", "inflight", s.inFlight.Load())
			s.wg.Wait()
			s.Logger.Info("supervisor_stopped")
			return nil
		case <-ticker.C:
		case <-s.kick:
		}
		s.dispatch(ctx)
	}
}

// Kick requests a dispatch pass without waiting for the next tick.
func (s *Supervisor) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// dispatch starts one executor per unlocked pending wallet, up to the
// in-flight cap. It never blocks.
func (s *Supervisor) dispatch(ctx context.Context) {
	defer s.Recorder.SetQueueDepth(s.Queue.Depth())

	for _, walletID := range s.Queue.PendingWallets() {
		select {
		case s.slots <- struct{}{}:
		default:
			return
		}

		release, ok := s.Queue.TryLock(walletID)
		if !ok {
			<-s.slots
			continue
		}
		job, ok := s.Queue.Dequeue(walletID)
		if !ok {
			release()
			<-s.slots
			continue
		}

		s.Recorder.SetInFlightWallets(int(s.inFlight.Add(1)))
		s.wg.Go(func() {
			defer func() {
				release()
				<-s.slots
				s.Recorder.SetInFlightWallets(int(s.inFlight.Add(-1)))
				s.Kick()
			}()
			s.executeIsolated(ctx, job)
		})
	}
}

// executeIsolated runs job and converts a panic into a permanent failure so
// one wallet cannot take the dispatcher down.
func (s *Supervisor) executeIsolated(ctx context.Context, job *store.SwapJob) {
	var pc panics.Catcher
	pc.Try(func() { s.Execute(ctx, job) })
	if r := pc.Recovered(); r != nil {
		s.Logger.Error("job_panic", "job_id", job.ID, "wallet", job.WalletID, "panic", r.Value)
		if job.Finish(store.JobFailedPermanently, r.AsError(), s.now()) {
			s.Recorder.RecordJob(job)
		}
	}
}

// errBotInactive cancels a bot's job whose bot left the active state
// after the job was queued.
var errBotInactive = errors.New("bot is no longer active")

// submission is a signed transaction whose fate may still be open.
type submission struct {
	ref       string
	lastValid uint64
}

// Execute drives job to a terminal state. The caller must hold the job's
// wallet lock for the whole call.
func (s *Supervisor) Execute(ctx context.Context, job *store.SwapJob) store.JobState {
	job.State = store.JobInFlight
	job.UpdatedAt = s.now()
	log := s.Logger.With("job_id", job.ID, "wallet", job.WalletID, "kind", job.Kind)
	log.Info("job_started", "bot", job.BotID, "direction", job.Direction, "amount", job.Amount.String())

	w, err := s.Wallets.GetWallet(ctx, job.WalletID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = fault.Wrap(fault.Precondition, err)
		}
		return s.finish(ctx, log, job, w, err)
	}
	if err := s.checkBot(ctx, job); err != nil {
		return s.finish(ctx, log, job, w, err)
	}

	steps := job.Steps()
	for job.StepsDone < len(steps) {
		step := steps[job.StepsDone]
		if err := s.runStep(ctx, log, job, w, step); err != nil {
			return s.finish(ctx, log, job, w, fmt.Errorf("step %s: %w", step, err))
		}
		job.StepsDone++
		job.UpdatedAt = s.now()
		log.Info("step_confirmed", "step", step, "reference", job.LastReference, "attempts", job.Attempts)
	}
	return s.finish(ctx, log, job, w, nil)
}

// checkBot cancels a trade whose bot is no longer active.
func (s *Supervisor) checkBot(ctx context.Context, job *store.SwapJob) error {
	if s.Bots == nil || job.BotID == "" {
		return nil
	}
	b, err := s.Bots.GetBot(ctx, job.BotID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("bot %s: %w", job.BotID, errBotInactive)
	}
	if err != nil {
		return err
	}
	if b.State != store.BotActive {
		return fmt.Errorf("bot %s is %s: %w", job.BotID, b.State, errBotInactive)
	}
	return nil
}

// runStep attempts one step within its own retry budget. Backoff delays
// are measured between attempt start times.
func (s *Supervisor) runStep(ctx context.Context, log *slog.Logger, job *store.SwapJob, w store.WalletRecord, step string) error {
	var (
		prior   *submission
		lastErr error
		started time.Time
	)
	for attempt := 1; attempt <= s.cfg.Policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := started.Add(s.cfg.Policy.Delay(attempt)).Sub(s.now())
			if wait < 0 {
				wait = 0
			}
			if err := s.sleep(ctx, wait); err != nil {
				s.settlePrior(ctx, log, job, prior)
				return err
			}
		}
		started = s.now()
		job.Attempts++

		var err error
		prior, err = s.attempt(ctx, job, w, step, prior)
		if err == nil {
			return nil
		}
		lastErr = err

		kind := fault.KindOf(err)
		if !kind.Retryable() || fault.Cancelled(ctx, err) {
			s.settlePrior(ctx, log, job, prior)
			return err
		}
		log.Warn("attempt_failed", "step", step, "attempt", attempt, "error", err)
	}

	if s.settlePrior(ctx, log, job, prior) {
		return nil
	}
	return fmt.Errorf("retries exhausted after %d attempts: %w", s.cfg.Policy.MaxAttempts, lastErr)
}

// attempt is one submission attempt. It returns the submission whose fate
// is still open, if any, so the next attempt checks it before resubmitting.
func (s *Supervisor) attempt(ctx context.Context, job *store.SwapJob, w store.WalletRecord, step string, prior *submission) (*submission, error) {
	if prior != nil {
		st, err := s.Ledger.Status(ctx, prior.ref, prior.lastValid)
		if err != nil {
			return prior, err
		}
		switch st {
		case ledger.StatusConfirmed:
			job.LastReference = prior.ref
			return nil, nil
		case ledger.StatusFailed:
			return nil, fault.Newf(fault.Rejected, "transaction %s failed on-chain", prior.ref)
		case ledger.StatusPending, ledger.StatusUnknown:
			return prior, fault.Newf(fault.Transient, "transaction %s still %s", prior.ref, st)
		}
		// expired: it can never land, so a fresh build is safe
	}

	req := amm.BuildRequest{
		Kind:       job.Kind,
		Step:       step,
		PoolID:     job.PoolID,
		Owner:      w.PublicKey,
		Direction:  job.Direction,
		AmountIn:   stepAmount(job, step),
		PositionID: job.PositionID,
	}
	if needsQuote(job, step) {
		minOut, err := s.quote(ctx, job, req.AmountIn)
		if err != nil {
			return nil, err
		}
		req.MinAmountOut = minOut
	}
	if job.Kind == store.KindSweep {
		req.Destination = w.MainWalletID
	}

	bc, err := s.Ledger.LatestContext(ctx)
	if err != nil {
		return nil, err
	}
	req.Blockhash = bc.Blockhash

	tx, err := s.Builder.BuildInstruction(ctx, req)
	if err != nil {
		return nil, err
	}

	// the credential lives only from here to the signature, so slow quote
	// or build round trips cannot outlast its TTL
	cred, err := s.Vault.Decrypt(ctx, job.WalletID)
	if err != nil {
		return nil, err
	}
	defer cred.Wipe()
	sig, err := cred.Sign(tx.Message)
	if err != nil {
		return nil, err
	}
	raw, err := ledger.AssembleTransaction(tx.Message, sig)
	if err != nil {
		return nil, fault.Wrap(fault.Rejected, err)
	}

	sub := &submission{ref: ledger.EncodeSignature(sig), lastValid: bc.LastValidBlockHeight}
	job.LastReference = sub.ref
	if _, err := s.Ledger.Submit(ctx, raw); err != nil {
		if errors.Is(err, ledger.ErrNoResponse) {
			return sub, err
		}
		return nil, err
	}

	// once submitted the outcome must be resolved even if the engine is stopping
	outcome, err := s.Ledger.Confirm(context.WithoutCancel(ctx), sub.ref, s.cfg.ConfirmTimeout)
	if err != nil {
		return sub, fault.Wrap(fault.Transient, err)
	}
	switch outcome {
	case ledger.Confirmed:
		s.stepLanded(ctx, job, step, tx)
		return nil, nil
	case ledger.Failed:
		return nil, fault.Newf(fault.Rejected, "transaction %s failed on-chain", sub.ref)
	default:
		return sub, fault.Newf(fault.Transient, "confirmation of %s timed out after %s", sub.ref, s.cfg.ConfirmTimeout)
	}
}

// needsQuote reports whether step swaps tokens and so carries a slippage
// bound.
func needsQuote(job *store.SwapJob, step string) bool {
	switch job.Kind {
	case store.KindTrade, store.KindSplit, store.KindUnwind:
		return true
	case store.KindRebalance:
		return step == store.StepSwap
	}
	return false
}

// stepAmount is the input of step. A rebalance withdraws the whole
// position and swaps half of it back to an even split.
func stepAmount(job *store.SwapJob, step string) decimal.Decimal {
	if job.Kind == store.KindRebalance && step == store.StepSwap {
		return job.Amount.Div(decimal.NewFromInt(2))
	}
	return job.Amount
}

// quote prices a swap step and rejects quotes outside the tolerance.
func (s *Supervisor) quote(ctx context.Context, job *store.SwapJob, amountIn decimal.Decimal) (decimal.Decimal, error) {
	if job.Direction == "" {
		return decimal.Zero, fault.Newf(fault.Precondition, "%s job %s has no swap direction", job.Kind, job.ID)
	}
	bps := job.SlippageBps
	if bps <= 0 {
		bps = s.cfg.DefaultSlippageBps
	}
	q, err := s.Builder.Quote(ctx, job.PoolID, job.Direction, amountIn, bps)
	if err != nil {
		return decimal.Zero, err
	}
	if !q.AmountOut.IsPositive() {
		return decimal.Zero, fault.Newf(fault.Rejected, "quote for %s returned no output", job.PoolID)
	}
	if floor := slippageFloor(q.AmountOut, bps); q.MinAmountOut.LessThan(floor) {
		return decimal.Zero, fault.Newf(fault.Rejected, "quote min out %s below slippage floor %s", q.MinAmountOut, floor)
	}
	job.AmountOut = q.MinAmountOut
	return q.MinAmountOut, nil
}

// stepLanded applies the side effects of a confirmed step.
func (s *Supervisor) stepLanded(ctx context.Context, job *store.SwapJob, step string, tx amm.Transaction) {
	if job.Kind != store.KindRebalance || step != store.StepReopen || !tx.OpensPosition() {
		return
	}
	p, err := s.Positions.GetPosition(ctx, job.PositionID)
	if err != nil {
		s.Logger.Error("position_load_failed", "position", job.PositionID, "error", err)
		return
	}
	p.TickLower, p.TickUpper = tx.TickLower, tx.TickUpper
	if err := s.Positions.SavePosition(ctx, p); err != nil {
		s.Logger.Error("position_save_failed", "position", job.PositionID, "error", err)
	}
}

// settlePrior waits, bounded by ResolveTimeout, for an open submission to
// confirm, fail or expire. It reports whether the submission landed.
func (s *Supervisor) settlePrior(ctx context.Context, log *slog.Logger, job *store.SwapJob, prior *submission) bool {
	if prior == nil {
		return false
	}
	rctx := context.WithoutCancel(ctx)
	deadline := s.now().Add(s.cfg.ResolveTimeout)

	for {
		st, err := s.Ledger.Status(rctx, prior.ref, prior.lastValid)
		if err == nil {
			switch st {
			case ledger.StatusConfirmed:
				job.LastReference = prior.ref
				log.Info("prior_submission_landed", "reference", prior.ref)
				return true
			case ledger.StatusFailed, ledger.StatusExpired:
				return false
			}
		}
		if !s.now().Before(deadline) {
			log.Warn("prior_submission_unresolved", "reference", prior.ref, "status", st)
			return false
		}
		if err := s.sleep(rctx, ledger.StatusPollInterval); err != nil {
			return false
		}
	}
}

// finish records the terminal state of job.
func (s *Supervisor) finish(ctx context.Context, log *slog.Logger, job *store.SwapJob, w store.WalletRecord, err error) store.JobState {
	state := store.JobSucceeded
	switch {
	case err == nil:
	case job.Kind == store.KindRebalance && job.StepsDone > 0:
		state = store.JobPartialFailure
	case errors.Is(err, context.Canceled), errors.Is(err, errBotInactive):
		state = store.JobCancelled
	default:
		state = store.JobFailedPermanently
	}

	if !job.Finish(state, err, s.now()) {
		return job.State
	}
	// bookkeeping must land even while the engine is stopping
	bg := context.WithoutCancel(ctx)

	rec := store.NewAuditRecord(job, w.Status, s.now())
	if aerr := s.Audit.Record(bg, rec); aerr != nil {
		log.Error("audit_append_failed", "error", aerr)
	}
	s.Recorder.RecordJob(job)

	if job.Kind == store.KindRebalance {
		s.settlePosition(bg, log, job, state)
	}

	switch state {
	case store.JobSucceeded:
		log.Info("job_succeeded", "reference", job.LastReference, "attempts", job.Attempts, "amount_out", job.AmountOut.String())
	case store.JobCancelled:
		log.Warn("job_cancelled", "attempts", job.Attempts, "error", err)
	case store.JobPartialFailure:
		log.Error("job_partial_failure", "steps_done", job.StepsDone, "position", job.PositionID, "error", err)
		s.Notifier.Alert(bg, notify.New(notify.SeverityCritical, "supervisor",
			fmt.Sprintf("partial rebalance of position %s on wallet %s: %d/%d steps landed, operator action required: %v",
				job.PositionID, job.WalletID, job.StepsDone, len(job.Steps()), err)))
	default:
		kind := fault.KindOf(err)
		log.Error("job_failed", "fault", kind, "attempts", job.Attempts, "error", err)
		if kind == fault.Security {
			s.Notifier.Alert(bg, notify.New(notify.SeverityCritical, "supervisor",
				fmt.Sprintf("credential failure for wallet %s, job %s: %v", job.WalletID, job.ID, err)))
		} else {
			s.Notifier.Alert(bg, notify.New(notify.SeverityWarning, "supervisor",
				fmt.Sprintf("%s job on wallet %s failed (%s) after %d attempts: %v", job.Kind, job.WalletID, kind, job.Attempts, err)))
		}
	}
	return state
}

// settlePosition moves a rebalanced position out of the rebalancing state.
func (s *Supervisor) settlePosition(ctx context.Context, log *slog.Logger, job *store.SwapJob, state store.JobState) {
	next := store.PositionOpen
	if state == store.JobPartialFailure {
		// withdrawn but not redeposited: only an operator may resume it
		next = store.PositionNeedsOperator
	}
	if err := s.Positions.SetPositionState(ctx, job.PositionID, next); err != nil {
		log.Error("position_state_failed", "position", job.PositionID, "state", next, "error", err)
	}
}

type nopRecorder struct{}

func (nopRecorder) RecordJob(*store.SwapJob) {}
func (nopRecorder) SetInFlightWallets(int)   {}
func (nopRecorder) SetQueueDepth(int)        {}
