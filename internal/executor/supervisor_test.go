package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vamshivade/DEX-System/internal/amm"
	"github.com/vamshivade/DEX-System/internal/fault"
	"github.com/vamshivade/DEX-System/internal/ledger"
	"github.com/vamshivade/DEX-System/internal/queue"
	"github.com/vamshivade/DEX-System/internal/store"
	"github.com/vamshivade/DEX-System/internal/vault"
)

// fakeClock is advanced only by the supervisor's sleeper.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

// Advance moves the clock without recording a backoff sleep.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
	reads atomic.Int32
}

func (m *memBlobs) PutKeyBlob(_ context.Context, ref string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blobs == nil {
		m.blobs = make(map[string][]byte)
	}
	m.blobs[ref] = blob
	return nil
}

func (m *memBlobs) KeyBlob(_ context.Context, ref string) ([]byte, error) {
	m.reads.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[ref]
	if !ok {
		return nil, store.ErrNotFound
	}
	return b, nil
}

type fakeBuilder struct {
	mu     sync.Mutex
	quote  amm.Quote
	builds []amm.BuildRequest
	panic  bool

	// delay stalls every round trip in wall-clock time
	delay time.Duration
}

func (b *fakeBuilder) Quote(context.Context, string, store.Direction, decimal.Decimal, int) (amm.Quote, error) {
	time.Sleep(b.delay)
	return b.quote, nil
}

func (b *fakeBuilder) BuildInstruction(_ context.Context, req amm.BuildRequest) (amm.Transaction, error) {
	time.Sleep(b.delay)
	if b.panic {
		panic("builder exploded")
	}
	b.mu.Lock()
	b.builds = append(b.builds, req)
	n := len(b.builds)
	b.mu.Unlock()

	tx := amm.Transaction{Message: []byte(fmt.Sprintf("%s-%s-%d", req.Step, req.Blockhash, n))}
	if req.Step == store.StepReopen {
		tx.PositionID, tx.TickLower, tx.TickUpper = req.PositionID, 200, 400
	}
	return tx, nil
}

// fakeLedger scripts submit and confirm results by call number (1-based).
type fakeLedger struct {
	clock *fakeClock

	mu          sync.Mutex
	contexts    []time.Time
	submits     int
	confirms    int
	statusCalls int

	submitErr func(n int) error
	outcome   func(n int) ledger.Outcome
	status    func(ref string) ledger.Status
	confirmFn func(ctx context.Context, n int) (ledger.Outcome, error)
}

func (l *fakeLedger) LatestContext(context.Context) (ledger.BlockContext, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var at time.Time
	if l.clock != nil {
		at = l.clock.Now()
	}
	l.contexts = append(l.contexts, at)
	return ledger.BlockContext{Blockhash: fmt.Sprintf("hash-%d", len(l.contexts)), LastValidBlockHeight: 1000}, nil
}

func (l *fakeLedger) Submit(_ context.Context, tx []byte) (string, error) {
	l.mu.Lock()
	l.submits++
	n := l.submits
	l.mu.Unlock()
	if l.submitErr != nil {
		if err := l.submitErr(n); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("sig-%d", n), nil
}

func (l *fakeLedger) Status(_ context.Context, ref string, _ uint64) (ledger.Status, error) {
	l.mu.Lock()
	l.statusCalls++
	l.mu.Unlock()
	if l.status == nil {
		return ledger.StatusExpired, nil
	}
	return l.status(ref), nil
}

func (l *fakeLedger) Confirm(ctx context.Context, _ string, _ time.Duration) (ledger.Outcome, error) {
	l.mu.Lock()
	l.confirms++
	n := l.confirms
	l.mu.Unlock()
	if l.confirmFn != nil {
		return l.confirmFn(ctx, n)
	}
	if l.outcome == nil {
		return ledger.Confirmed, nil
	}
	return l.outcome(n), nil
}

func (l *fakeLedger) counts() (submits, confirms int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submits, l.confirms
}

type memWallets map[string]store.WalletRecord

func (m memWallets) GetWallet(_ context.Context, id string) (store.WalletRecord, error) {
	w, ok := m[id]
	if !ok {
		return store.WalletRecord{}, store.ErrNotFound
	}
	return w, nil
}

type memBots map[string]store.Bot

func (m memBots) GetBot(_ context.Context, id string) (store.Bot, error) {
	b, ok := m[id]
	if !ok {
		return store.Bot{}, store.ErrNotFound
	}
	return b, nil
}

type memPositions struct {
	mu        sync.Mutex
	positions map[string]store.Position
}

func (m *memPositions) GetPosition(_ context.Context, id string) (store.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return store.Position{}, store.ErrNotFound
	}
	return p, nil
}

func (m *memPositions) SavePosition(_ context.Context, p store.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[p.ID] = p
	return nil
}

func (m *memPositions) SetPositionState(_ context.Context, id string, state store.PositionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return store.ErrNotFound
	}
	p.State = state
	m.positions[id] = p
	return nil
}

type auditSink struct {
	mu      sync.Mutex
	records []store.AuditRecord
}

func (a *auditSink) Record(_ context.Context, rec store.AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

type alertSink struct {
	mu     sync.Mutex
	alerts []store.Alert
}

func (a *alertSink) Alert(_ context.Context, alert store.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
}

func (a *alertSink) all() []store.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]store.Alert(nil), a.alerts...)
}

type harness struct {
	sup       *Supervisor
	clock     *fakeClock
	queue     *queue.Queue
	builder   *fakeBuilder
	ledger    *fakeLedger
	blobs     *memBlobs
	positions *memPositions
	audit     *auditSink
	alerts    *alertSink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock: newFakeClock(),
		queue: queue.New(),
		builder: &fakeBuilder{quote: amm.Quote{
			AmountOut:    decimal.NewFromInt(1000),
			MinAmountOut: decimal.NewFromInt(990),
		}},
		blobs:     &memBlobs{},
		positions: &memPositions{positions: make(map[string]store.Position)},
		audit:     &auditSink{},
		alerts:    &alertSink{},
	}
	h.ledger = &fakeLedger{clock: h.clock}

	v, err := vault.New(make([]byte, 32), h.blobs, time.Hour)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	seed := make([]byte, 32)
	seed[0] = 7
	if _, err := v.Seal(context.Background(), "w-1", seed); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	wallets := memWallets{
		"w-1": {ID: "w-1", PublicKey: "Owner111", Status: store.WalletActive, MainWalletID: "Main111"},
		"w-2": {ID: "w-2", PublicKey: "Owner222", Status: store.WalletActive},
	}

	h.sup = New(Config{
		Policy:           DefaultRetryPolicy,
		DispatchInterval: 5 * time.Millisecond,
		MaxInFlight:      4,
	}, Deps{
		Queue:     h.queue,
		Builder:   h.builder,
		Ledger:    h.ledger,
		Vault:     v,
		Wallets:   wallets,
		Positions: h.positions,
		Audit:     h.audit,
		Notifier:  h.alerts,
	})
	h.sup.sleep = h.clock.Sleep
	h.sup.now = h.clock.Now
	return h
}

func tradeJob(walletID string) *store.SwapJob {
	job := store.NewSwapJob(store.KindTrade, walletID, time.Now())
	job.BotID = "bot-1"
	job.PoolID = "pool-1"
	job.Direction = store.Sell
	job.Amount = decimal.NewFromInt(1000)
	return job
}

func TestExecuteSucceeds(t *testing.T) {
	h := newHarness(t)
	job := tradeJob("w-1")

	if state := h.sup.Execute(context.Background(), job); state != store.JobSucceeded {
		t.Fatalf("Expected succeeded, got %s (%s)", state, job.LastError)
	}
	if job.Attempts != 1 || job.LastReference == "" {
		t.Errorf("Unexpected job bookkeeping: attempts=%d ref=%q", job.Attempts, job.LastReference)
	}
	if !job.AmountOut.Equal(decimal.NewFromInt(990)) {
		t.Errorf("AmountOut = %s, want 990", job.AmountOut)
	}
	if len(h.audit.records) != 1 || h.audit.records[0].Status != store.JobSucceeded {
		t.Fatalf("Expected one succeeded audit record, got %+v", h.audit.records)
	}
	if req := h.builder.builds[0]; req.Owner != "Owner111" || req.Blockhash != "hash-1" || !req.MinAmountOut.Equal(decimal.NewFromInt(990)) {
		t.Errorf("Unexpected build request: %+v", req)
	}
	if len(h.alerts.all()) != 0 {
		t.Errorf("Success should not alert, got %+v", h.alerts.all())
	}
}

func TestExecuteRetryScheduleAndBudget(t *testing.T) {
	h := newHarness(t)
	h.ledger.submitErr = func(int) error {
		return fault.Newf(fault.Transient, "node is behind")
	}
	job := tradeJob("w-1")

	if state := h.sup.Execute(context.Background(), job); state != store.JobFailedPermanently {
		t.Fatalf("Expected failed permanently, got %s", state)
	}
	if job.Attempts != 4 {
		t.Errorf("Expected exactly 4 attempts, got %d", job.Attempts)
	}
	submits, _ := h.ledger.counts()
	if submits != 4 {
		t.Errorf("Expected 4 submissions, never a 5th, got %d", submits)
	}

	starts := h.ledger.contexts
	if len(starts) != 4 {
		t.Fatalf("Expected 4 attempt starts, got %d", len(starts))
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := starts[i+1].Sub(starts[i]); got != w {
			t.Errorf("Gap before attempt %d = %s, want %s", i+2, got, w)
		}
	}

	// a fresh blockhash per attempt
	seen := make(map[string]bool)
	for _, req := range h.builder.builds {
		if seen[req.Blockhash] {
			t.Errorf("Blockhash %s reused across attempts", req.Blockhash)
		}
		seen[req.Blockhash] = true
	}

	alerts := h.alerts.all()
	if len(alerts) != 1 || alerts[0].Severity != "warning" {
		t.Errorf("Expected one warning alert on exhaustion, got %+v", alerts)
	}
	if rec := h.audit.records[0]; rec.Status != store.JobFailedPermanently || rec.Attempts != 4 {
		t.Errorf("Unexpected audit record: %+v", rec)
	}
}

func TestExecuteNonRetryableFailsFast(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind fault.Kind
	}{
		{"slippage", fault.Newf(fault.Rejected, "slippage tolerance exceeded"), fault.Rejected},
		{"insufficient", fault.Newf(fault.Precondition, "insufficient funds"), fault.Precondition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.ledger.submitErr = func(int) error { return tt.err }
			job := tradeJob("w-1")

			if state := h.sup.Execute(context.Background(), job); state != store.JobFailedPermanently {
				t.Fatalf("Expected failed permanently, got %s", state)
			}
			if job.Attempts != 1 {
				t.Errorf("Non-retryable failure should not consume budget, attempts=%d", job.Attempts)
			}
			if len(h.clock.sleeps) != 0 {
				t.Errorf("Expected no backoff, got %v", h.clock.sleeps)
			}
		})
	}
}

func TestExecuteSlippageGuard(t *testing.T) {
	h := newHarness(t)
	h.builder.quote = amm.Quote{AmountOut: decimal.NewFromInt(1000), MinAmountOut: decimal.NewFromInt(900)}
	job := tradeJob("w-1")
	job.SlippageBps = 50

	if state := h.sup.Execute(context.Background(), job); state != store.JobFailedPermanently {
		t.Fatalf("Expected failed permanently, got %s", state)
	}
	if submits, _ := h.ledger.counts(); submits != 0 {
		t.Errorf("A quote outside tolerance must not be submitted, got %d submits", submits)
	}
}

func TestExecuteDecryptionFailureAlerts(t *testing.T) {
	h := newHarness(t)
	job := tradeJob("w-2") // no sealed key

	if state := h.sup.Execute(context.Background(), job); state != store.JobFailedPermanently {
		t.Fatalf("Expected failed permanently, got %s", state)
	}
	if job.Attempts != 1 {
		t.Errorf("Security failure must not retry, attempts=%d", job.Attempts)
	}
	alerts := h.alerts.all()
	if len(alerts) != 1 || alerts[0].Severity != "critical" {
		t.Fatalf("Expected one critical alert, got %+v", alerts)
	}
}

func TestExecuteRefetchesCredentialEachAttempt(t *testing.T) {
	h := newHarness(t)
	h.ledger.submitErr = func(n int) error {
		if n < 3 {
			return fault.Newf(fault.Transient, "rpc timeout")
		}
		return nil
	}
	job := tradeJob("w-1")
	before := h.blobs.reads.Load()

	if state := h.sup.Execute(context.Background(), job); state != store.JobSucceeded {
		t.Fatalf("Expected succeeded, got %s (%s)", state, job.LastError)
	}
	if reads := h.blobs.reads.Load() - before; reads != 3 {
		t.Errorf("Expected the key to be decrypted once per attempt (3), got %d", reads)
	}
}

func TestExecuteAmbiguousSubmitIsNotResubmitted(t *testing.T) {
	h := newHarness(t)
	h.ledger.submitErr = func(n int) error {
		if n == 1 {
			return fmt.Errorf("%w: %w", ledger.ErrNoResponse, fault.Newf(fault.Transient, "connection reset"))
		}
		return nil
	}
	var checked string
	h.ledger.status = func(ref string) ledger.Status {
		checked = ref
		return ledger.StatusConfirmed
	}
	job := tradeJob("w-1")

	if state := h.sup.Execute(context.Background(), job); state != store.JobSucceeded {
		t.Fatalf("Expected succeeded, got %s (%s)", state, job.LastError)
	}
	if submits, _ := h.ledger.counts(); submits != 1 {
		t.Errorf("A landed prior attempt must not be resubmitted, got %d submits", submits)
	}
	if checked == "" || job.LastReference != checked {
		t.Errorf("Expected reference %q from the prior attempt, got %q", checked, job.LastReference)
	}
	if job.Attempts != 2 {
		t.Errorf("Expected the status check to take attempt 2, got %d", job.Attempts)
	}
}

func TestExecutePendingPriorConsumesAttempt(t *testing.T) {
	h := newHarness(t)
	h.ledger.outcome = func(int) ledger.Outcome { return ledger.Timeout }
	h.ledger.status = func(string) ledger.Status { return ledger.StatusPending }
	job := tradeJob("w-1")

	if state := h.sup.Execute(context.Background(), job); state != store.JobFailedPermanently {
		t.Fatalf("Expected failed permanently, got %s", state)
	}
	if submits, _ := h.ledger.counts(); submits != 1 {
		t.Errorf("A still-pending transaction must not be resubmitted, got %d submits", submits)
	}
}

func TestExecutePartialRebalance(t *testing.T) {
	h := newHarness(t)
	h.positions.positions["pos-1"] = store.Position{
		ID: "pos-1", WalletID: "w-1", PoolID: "clmm-1",
		TickLower: -100, TickUpper: 100, State: store.PositionRebalancing,
	}
	// withdraw and swap land, every reopen confirmation times out
	h.ledger.outcome = func(n int) ledger.Outcome {
		if n <= 2 {
			return ledger.Confirmed
		}
		return ledger.Timeout
	}
	job := store.NewSwapJob(store.KindRebalance, "w-1", time.Now())
	job.PoolID = "clmm-1"
	job.PositionID = "pos-1"
	job.Direction = store.Buy

	if state := h.sup.Execute(context.Background(), job); state != store.JobPartialFailure {
		t.Fatalf("Expected partial failure, got %s (%s)", state, job.LastError)
	}
	if job.StepsDone != 2 {
		t.Errorf("Expected 2 completed steps, got %d", job.StepsDone)
	}
	if _, confirms := h.ledger.counts(); confirms != 6 {
		t.Errorf("Expected 2 + 4 confirmation waits, got %d", confirms)
	}

	p, _ := h.positions.GetPosition(context.Background(), "pos-1")
	if p.State != store.PositionNeedsOperator {
		t.Errorf("Position state = %s, want needs_operator", p.State)
	}
	if p.TickLower != -100 || p.TickUpper != 100 {
		t.Errorf("Position range must not change on a failed reopen, got [%d,%d]", p.TickLower, p.TickUpper)
	}

	alerts := h.alerts.all()
	if len(alerts) != 1 || alerts[0].Severity != "critical" {
		t.Fatalf("Expected one critical alert, got %+v", alerts)
	}
	if rec := h.audit.records[0]; rec.Status != store.JobPartialFailure || rec.StepsDone != 2 {
		t.Errorf("Unexpected audit record: %+v", rec)
	}
}

func TestExecuteRebalanceMovesRange(t *testing.T) {
	h := newHarness(t)
	h.positions.positions["pos-1"] = store.Position{
		ID: "pos-1", WalletID: "w-1", TickLower: -100, TickUpper: 100, State: store.PositionRebalancing,
	}
	job := store.NewSwapJob(store.KindRebalance, "w-1", time.Now())
	job.PositionID = "pos-1"
	job.Direction = store.Buy

	if state := h.sup.Execute(context.Background(), job); state != store.JobSucceeded {
		t.Fatalf("Expected succeeded, got %s (%s)", state, job.LastError)
	}
	p, _ := h.positions.GetPosition(context.Background(), "pos-1")
	if p.State != store.PositionOpen || p.TickLower != 200 || p.TickUpper != 400 {
		t.Errorf("Unexpected position after rebalance: %+v", p)
	}

	var steps []string
	for _, req := range h.builder.builds {
		steps = append(steps, req.Step)
	}
	if fmt.Sprint(steps) != fmt.Sprint(store.RebalanceSteps) {
		t.Errorf("Steps ran as %v, want %v", steps, store.RebalanceSteps)
	}
}

func TestExecuteSweepTargetsMainWallet(t *testing.T) {
	h := newHarness(t)
	job := store.NewSwapJob(store.KindSweep, "w-1", time.Now())

	if state := h.sup.Execute(context.Background(), job); state != store.JobSucceeded {
		t.Fatalf("Expected succeeded, got %s", state)
	}
	if dest := h.builder.builds[0].Destination; dest != "Main111" {
		t.Errorf("Destination = %q, want Main111", dest)
	}
}

func TestExecuteRebalanceBoundsSwapStep(t *testing.T) {
	h := newHarness(t)
	h.positions.positions["pos-1"] = store.Position{
		ID: "pos-1", WalletID: "w-1", TickLower: -100, TickUpper: 100, State: store.PositionRebalancing,
	}
	job := store.NewSwapJob(store.KindRebalance, "w-1", time.Now())
	job.PoolID = "clmm-1"
	job.PositionID = "pos-1"
	job.Direction = store.Sell
	job.Amount = decimal.NewFromInt(5000)

	if state := h.sup.Execute(context.Background(), job); state != store.JobSucceeded {
		t.Fatalf("Expected succeeded, got %s (%s)", state, job.LastError)
	}
	if len(h.builder.builds) != 3 {
		t.Fatalf("Expected 3 builds, got %d", len(h.builder.builds))
	}
	for _, req := range h.builder.builds {
		bounded := req.MinAmountOut.IsPositive()
		if want := req.Step == store.StepSwap; bounded != want {
			t.Errorf("Step %s MinAmountOut = %s, bounded=%v want %v", req.Step, req.MinAmountOut, bounded, want)
		}
	}
	if swap := h.builder.builds[1]; !swap.MinAmountOut.Equal(decimal.NewFromInt(990)) || swap.Direction != store.Sell ||
		!swap.AmountIn.Equal(decimal.NewFromInt(2500)) {
		t.Errorf("Unexpected swap step request: %+v", swap)
	}
}

func TestExecuteRebalanceWithoutDirectionNeverSwaps(t *testing.T) {
	h := newHarness(t)
	h.positions.positions["pos-1"] = store.Position{
		ID: "pos-1", WalletID: "w-1", TickLower: -100, TickUpper: 100, State: store.PositionRebalancing,
	}
	job := store.NewSwapJob(store.KindRebalance, "w-1", time.Now())
	job.PositionID = "pos-1"

	if state := h.sup.Execute(context.Background(), job); state != store.JobPartialFailure {
		t.Fatalf("Expected partial failure, got %s (%s)", state, job.LastError)
	}
	if job.StepsDone != 1 {
		t.Errorf("Only the withdraw should land, steps done %d", job.StepsDone)
	}
	if submits, _ := h.ledger.counts(); submits != 1 {
		t.Errorf("An unbounded swap must not be submitted, got %d submits", submits)
	}
}

func TestExecuteCancelsJobOfStoppedBot(t *testing.T) {
	h := newHarness(t)
	h.sup.Bots = memBots{"bot-1": {ID: "bot-1", State: store.BotStopped}}
	job := tradeJob("w-1")

	if state := h.sup.Execute(context.Background(), job); state != store.JobCancelled {
		t.Fatalf("Expected cancelled, got %s (%s)", state, job.LastError)
	}
	if submits, _ := h.ledger.counts(); submits != 0 {
		t.Errorf("A stopped bot's trade must not be submitted, got %d submits", submits)
	}
	if len(h.alerts.all()) != 0 {
		t.Errorf("Cancellation should not alert, got %+v", h.alerts.all())
	}
	if rec := h.audit.records[0]; rec.Status != store.JobCancelled {
		t.Errorf("Audit status = %s, want cancelled", rec.Status)
	}
}

func TestExecuteRunsJobOfActiveBot(t *testing.T) {
	h := newHarness(t)
	h.sup.Bots = memBots{"bot-1": {ID: "bot-1", State: store.BotActive}}

	if state := h.sup.Execute(context.Background(), tradeJob("w-1")); state != store.JobSucceeded {
		t.Fatalf("Expected succeeded, got %s", state)
	}

	gone := tradeJob("w-1")
	gone.BotID = "bot-deleted"
	if state := h.sup.Execute(context.Background(), gone); state != store.JobCancelled {
		t.Errorf("Job of a missing bot: got %s, want cancelled", state)
	}
}

func TestExecuteCredentialOutlivesSlowBuilder(t *testing.T) {
	h := newHarness(t)
	v, err := vault.New(make([]byte, 32), h.blobs, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	seed := make([]byte, 32)
	seed[0] = 7
	if _, err := v.Seal(context.Background(), "w-1", seed); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	h.sup.Vault = v
	// quote and build together take longer than the credential TTL
	h.builder.delay = 40 * time.Millisecond

	job := tradeJob("w-1")
	if state := h.sup.Execute(context.Background(), job); state != store.JobSucceeded {
		t.Fatalf("Expected succeeded, got %s (%s)", state, job.LastError)
	}
	if len(h.alerts.all()) != 0 {
		t.Errorf("Expected no credential alert, got %+v", h.alerts.all())
	}
}

func TestExecuteBackoffSpacesAttemptStarts(t *testing.T) {
	h := newHarness(t)
	// every attempt spends a second in flight before failing
	h.ledger.submitErr = func(int) error {
		h.clock.Advance(time.Second)
		return fault.Newf(fault.Transient, "node is behind")
	}
	job := tradeJob("w-1")

	if state := h.sup.Execute(context.Background(), job); state != store.JobFailedPermanently {
		t.Fatalf("Expected failed permanently, got %s", state)
	}
	starts := h.ledger.contexts
	if len(starts) != 4 {
		t.Fatalf("Expected 4 attempt starts, got %d", len(starts))
	}
	gaps := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	sleeps := []time.Duration{time.Second, 3 * time.Second, 7 * time.Second}
	for i := range gaps {
		if got := starts[i+1].Sub(starts[i]); got != gaps[i] {
			t.Errorf("Gap before attempt %d = %s, want %s", i+2, got, gaps[i])
		}
	}
	if fmt.Sprint(h.clock.sleeps) != fmt.Sprint(sleeps) {
		t.Errorf("Sleeps = %v, want %v", h.clock.sleeps, sleeps)
	}
}

func waitDone(t *testing.T, job *store.SwapJob) {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("job %s did not finish", job.ID)
	}
}

func TestRunKeepsSecondJobPendingWhileWalletBusy(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	gate := make(chan struct{})
	h.ledger.confirmFn = func(ctx context.Context, n int) (ledger.Outcome, error) {
		if n == 1 {
			close(started)
			<-gate
		}
		return ledger.Confirmed, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sup.Run(ctx) }()

	first := tradeJob("w-1")
	if err := h.queue.Enqueue("w-1", first); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first job never reached confirmation")
	}

	second := tradeJob("w-1")
	if err := h.queue.Enqueue("w-1", second); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	h.sup.Kick()
	time.Sleep(50 * time.Millisecond)

	if n := h.queue.Len("w-1"); n != 1 {
		t.Errorf("Second job should still be queued, queue length %d", n)
	}
	select {
	case <-second.Done():
		t.Fatal("second job ran while the wallet was busy")
	default:
	}

	close(gate)
	waitDone(t, first)
	waitDone(t, second)
	if first.State != store.JobSucceeded || second.State != store.JobSucceeded {
		t.Errorf("Unexpected states: %s, %s", first.State, second.State)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestRunReleasesLockAfterPanic(t *testing.T) {
	h := newHarness(t)
	h.builder.panic = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.sup.Run(ctx)

	job := tradeJob("w-1")
	if err := h.queue.Enqueue("w-1", job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitDone(t, job)

	if job.State != store.JobFailedPermanently {
		t.Errorf("State = %s, want failed_permanently", job.State)
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.queue.IsLocked("w-1") {
		if time.Now().After(deadline) {
			t.Fatal("wallet lock still held after panic")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunIsolatesWallets(t *testing.T) {
	h := newHarness(t)
	// w-2 has no key and fails; w-1 must still succeed
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.sup.Run(ctx)

	bad, good := tradeJob("w-2"), tradeJob("w-1")
	if err := h.queue.Enqueue("w-2", bad); err != nil {
		t.Fatal(err)
	}
	if err := h.queue.Enqueue("w-1", good); err != nil {
		t.Fatal(err)
	}
	waitDone(t, bad)
	waitDone(t, good)

	if bad.State != store.JobFailedPermanently || good.State != store.JobSucceeded {
		t.Errorf("Unexpected states: bad=%s good=%s", bad.State, good.State)
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy
	want := map[int]time.Duration{1: 0, 2: 2 * time.Second, 3: 4 * time.Second, 4: 8 * time.Second}
	for n, d := range want {
		if got := p.Delay(n); got != d {
			t.Errorf("Delay(%d) = %s, want %s", n, got, d)
		}
	}
}

func TestSleepContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
