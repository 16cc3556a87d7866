// Package rangemon watches concentrated-liquidity positions and queues a
// rebalance when the pool price leaves a position's tick range.
package rangemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/vamshivade/DEX-System/internal/fault"
	"github.com/vamshivade/DEX-System/internal/notify"
	"github.com/vamshivade/DEX-System/internal/store"
)

// Positions is the persistence the monitor needs.
type Positions interface {
	Positions(ctx context.Context) ([]store.Position, error)
	GetPosition(ctx context.Context, id string) (store.Position, error)
	SetPositionState(ctx context.Context, id string, state store.PositionState) error
}

// Ticks reads a pool's current tick.
type Ticks interface {
	PoolTick(ctx context.Context, poolID string) (int32, error)
}

// JobQueue is where rebalance jobs go.
type JobQueue interface {
	Enqueue(walletID string, job *store.SwapJob) error
	HasPendingPosition(walletID, positionID string) bool
}

// Monitor runs the range check on its own tick.
type Monitor struct {
	positions   Positions
	ticks       Ticks
	queue       JobQueue
	notifier    notify.Notifier
	interval    time.Duration
	concurrency int
	logger      *slog.Logger

	// OnTick, when set, receives each pass's duration
	OnTick func(took time.Duration)

	// jobs maps position id to the rebalance this process queued for it
	jobs sync.Map

	now func() time.Time
}

// New creates a Monitor.
func New(positions Positions, ticks Ticks, queue JobQueue, notifier notify.Notifier, interval time.Duration, concurrency int, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Monitor{
		positions:   positions,
		ticks:       ticks,
		queue:       queue,
		notifier:    notifier,
		interval:    interval,
		concurrency: concurrency,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run checks positions every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("range_monitor_started", "interval", m.interval, "concurrency", m.concurrency)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if err := m.Check(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("range_check_failed", "error", err)
		}
		select {
		case <-ctx.Done():
			m.logger.Info("range_monitor_stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Check runs one pass over all positions. A failure or panic on one
// position is logged and does not affect the others.
func (m *Monitor) Check(ctx context.Context) error {
	start := time.Now()
	positions, err := m.positions.Positions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}

	p := pool.New().WithMaxGoroutines(m.concurrency)
	for _, pos := range positions {
		var check func(context.Context, store.Position)
		switch pos.State {
		case store.PositionOpen:
			check = m.checkPosition
		case store.PositionRebalancing:
			check = m.checkRebalancing
		default:
			continue
		}
		p.Go(func() {
			var pc panics.Catcher
			pc.Try(func() { check(ctx, pos) })
			if r := pc.Recovered(); r != nil {
				m.logger.Error("range_check_panic", "position", pos.ID, "panic", r.Value)
			}
		})
	}
	p.Wait()

	took := time.Since(start)
	if m.OnTick != nil {
		m.OnTick(took)
	}
	m.logger.Debug("range_check_done", "positions", len(positions), "took", took)
	return nil
}

func (m *Monitor) checkPosition(ctx context.Context, pos store.Position) {
	tick, err := m.ticks.PoolTick(ctx, pos.PoolID)
	if err != nil {
		m.logger.Warn("pool_tick_failed", "position", pos.ID, "pool", pos.PoolID, "error", err)
		return
	}
	if pos.InRange(tick) {
		return
	}
	if m.queue.HasPendingPosition(pos.WalletID, pos.ID) {
		m.logger.Debug("rebalance_already_pending", "position", pos.ID, "wallet", pos.WalletID)
		return
	}

	if err := m.positions.SetPositionState(ctx, pos.ID, store.PositionRebalancing); err != nil {
		m.logger.Error("position_state_failed", "position", pos.ID, "error", err)
		return
	}

	job := store.NewSwapJob(store.KindRebalance, pos.WalletID, m.now())
	job.PoolID = pos.PoolID
	job.PositionID = pos.ID
	job.Direction = rebalanceDirection(pos, tick)
	job.Amount = pos.Liquidity
	m.jobs.Store(pos.ID, job)
	if err := m.queue.Enqueue(pos.WalletID, job); err != nil {
		m.jobs.Delete(pos.ID)
		m.logger.Error("rebalance_enqueue_failed", "position", pos.ID, "error", err)
		if err := m.positions.SetPositionState(ctx, pos.ID, store.PositionOpen); err != nil {
			m.logger.Error("position_state_failed", "position", pos.ID, "error", err)
		}
		return
	}

	m.logger.Warn("position_out_of_range",
		"position", pos.ID,
		"pool", pos.PoolID,
		"tick", tick,
		"lower", pos.TickLower,
		"upper", pos.TickUpper,
		"job_id", job.ID,
	)
	m.notifier.Alert(ctx, notify.New(notify.SeverityWarning, "range_monitor",
		fmt.Sprintf("position %s on pool %s out of range: tick %d outside [%d, %d], rebalance queued",
			pos.ID, pos.PoolID, tick, pos.TickLower, pos.TickUpper)))
}

// rebalanceDirection picks the swap that restores an even split. Above the
// range the withdrawal is all quote token, so base is bought back; below it
// the withdrawal is all base, so half is sold.
func rebalanceDirection(pos store.Position, tick int32) store.Direction {
	if tick > pos.TickUpper {
		return store.Buy
	}
	return store.Sell
}

// checkRebalancing parks a position left in the rebalancing state with no
// job behind it, which happens when the engine stopped mid-rebalance. Whether
// its withdrawal landed is unknown, so only an operator may resume it.
func (m *Monitor) checkRebalancing(ctx context.Context, pos store.Position) {
	if v, ok := m.jobs.Load(pos.ID); ok {
		job := v.(*store.SwapJob)
		select {
		case <-job.Done():
			// the supervisor settles the position state after the job
			// finishes; look again on the next pass
			m.jobs.Delete(pos.ID)
		default:
		}
		return
	}

	if err := m.positions.SetPositionState(ctx, pos.ID, store.PositionNeedsOperator); err != nil {
		m.logger.Error("position_state_failed", "position", pos.ID, "error", err)
		return
	}
	m.logger.Error("position_rebalance_abandoned", "position", pos.ID, "wallet", pos.WalletID, "pool", pos.PoolID)
	m.notifier.Alert(ctx, notify.New(notify.SeverityCritical, "range_monitor",
		fmt.Sprintf("position %s on wallet %s was left mid-rebalance with no job running, operator action required",
			pos.ID, pos.WalletID)))
}

// Release reopens the positions of rebalance jobs that were removed from
// the queue before any step ran, such as jobs drained at shutdown.
func (m *Monitor) Release(ctx context.Context, jobs []*store.SwapJob) {
	for _, job := range jobs {
		if job.Kind != store.KindRebalance || job.PositionID == "" {
			continue
		}
		m.jobs.Delete(job.PositionID)
		if job.StepsDone > 0 {
			continue
		}
		if err := m.positions.SetPositionState(ctx, job.PositionID, store.PositionOpen); err != nil {
			m.logger.Error("position_state_failed", "position", job.PositionID, "error", err)
			continue
		}
		m.logger.Info("position_released", "position", job.PositionID, "job_id", job.ID)
	}
}

// ResolvePosition is the operator action that returns a position parked
// after a partial rebalance to automatic management.
func (m *Monitor) ResolvePosition(ctx context.Context, id string) error {
	pos, err := m.positions.GetPosition(ctx, id)
	if err != nil {
		return err
	}
	if pos.State != store.PositionNeedsOperator {
		return fault.Newf(fault.Precondition, "position %s is %s, not awaiting an operator", id, pos.State)
	}
	if err := m.positions.SetPositionState(ctx, id, store.PositionOpen); err != nil {
		return err
	}
	m.logger.Info("position_resolved", "position", id, "wallet", pos.WalletID)
	return nil
}
