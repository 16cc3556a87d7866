// Package scheduler is the bot loop: every tick it prices each active bot's
// pool, evaluates the signal and queues trades on the bot's wallet.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/vamshivade/DEX-System/internal/pricecache"
	"github.com/vamshivade/DEX-System/internal/queue"
	"github.com/vamshivade/DEX-System/internal/signal"
	"github.com/vamshivade/DEX-System/internal/store"
)

// Bots is the persistence the scheduler needs.
type Bots interface {
	ActiveBots(ctx context.Context) ([]store.Bot, error)
	RecordEvaluation(ctx context.Context, botID string, price decimal.Decimal, decision store.Decision, at time.Time) error
	SetBotState(ctx context.Context, botID string, state store.BotState) error
}

// Prices reads a pool's current price.
type Prices interface {
	PoolPrice(ctx context.Context, poolID string) (decimal.Decimal, time.Time, error)
}

// JobQueue is where trade jobs go. EnqueueLatest keeps at most one pending
// trade per bot, replacing a stale one with the fresh decision.
type JobQueue interface {
	EnqueueLatest(walletID string, job *store.SwapJob, now time.Time) (*store.SwapJob, error)
	DropBot(botID string, now time.Time) []*store.SwapJob
}

// Recorder receives evaluation metrics.
type Recorder interface {
	RecordSignal(poolID, symbol string, price float64, decision store.Decision)
	MarkBotTick(took time.Duration)
}

// Scheduler drives bot evaluation.
type Scheduler struct {
	bots        Bots
	prices      Prices
	cache       pricecache.Store
	engine      *signal.Engine
	queue       JobQueue
	recorder    Recorder
	interval    time.Duration
	concurrency int
	logger      *slog.Logger

	// OnEnqueue, when set, is called after a tick queued at least one job
	OnEnqueue func()

	now func() time.Time
}

// New creates a Scheduler. recorder may be nil.
func New(bots Bots, prices Prices, cache pricecache.Store, engine *signal.Engine, queue JobQueue, recorder Recorder, interval time.Duration, concurrency int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scheduler{
		bots:        bots,
		prices:      prices,
		cache:       cache,
		engine:      engine,
		queue:       queue,
		recorder:    recorder,
		interval:    interval,
		concurrency: concurrency,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run ticks every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler_started", "interval", s.interval, "concurrency", s.concurrency)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("bot_tick_failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler_stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick evaluates every active bot once and returns the number of jobs
// queued. Bots sharing a price symbol are evaluated against a single
// observation. One bot's failure is logged and never aborts the tick.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	start := time.Now()
	bots, err := s.bots.ActiveBots(ctx)
	if err != nil {
		return 0, fmt.Errorf("load active bots: %w", err)
	}

	bySymbol := make(map[string][]store.Bot)
	var symbols []string
	for _, b := range bots {
		sym := b.PriceSymbol()
		if _, ok := bySymbol[sym]; !ok {
			symbols = append(symbols, sym)
		}
		bySymbol[sym] = append(bySymbol[sym], b)
	}

	p := pool.NewWithResults[int]().WithMaxGoroutines(s.concurrency)
	for _, sym := range symbols {
		group := bySymbol[sym]
		p.Go(func() int {
			var (
				pc     panics.Catcher
				queued int
			)
			pc.Try(func() { queued = s.evaluateSymbol(ctx, sym, group) })
			if r := pc.Recovered(); r != nil {
				s.logger.Error("symbol_eval_panic", "symbol", sym, "bots", len(group), "panic", r.Value)
			}
			return queued
		})
	}
	total := 0
	for _, n := range p.Wait() {
		total += n
	}

	took := time.Since(start)
	s.recorder.MarkBotTick(took)
	s.logger.Debug("bot_tick_done", "bots", len(bots), "symbols", len(symbols), "queued", total, "took", took)
	if total > 0 && s.OnEnqueue != nil {
		s.OnEnqueue()
	}
	return total, nil
}

// evaluateSymbol observes one price for sym and evaluates its bots.
func (s *Scheduler) evaluateSymbol(ctx context.Context, sym string, bots []store.Bot) int {
	poolID := bots[0].PoolID
	price, ts, err := s.prices.PoolPrice(ctx, poolID)
	if err != nil {
		s.logger.Warn("pool_price_failed", "pool", poolID, "symbol", sym, "error", err)
		return 0
	}

	applied, err := s.cache.Observe(ctx, sym, price, ts)
	if err != nil {
		s.logger.Warn("price_observe_failed", "symbol", sym, "error", err)
		return 0
	}

	var (
		delta pricecache.Delta
		ok    bool
	)
	// a stale or repeated observation carries no new move
	if applied {
		delta, ok, err = s.cache.Delta(ctx, sym)
		if err != nil {
			s.logger.Warn("price_delta_failed", "symbol", sym, "error", err)
			return 0
		}
	}

	queued := 0
	for _, bot := range bots {
		var pc panics.Catcher
		pc.Try(func() {
			if s.evaluateBot(ctx, bot, price, delta, ok) {
				queued++
			}
		})
		if r := pc.Recovered(); r != nil {
			s.logger.Error("bot_eval_panic", "bot", bot.ID, "panic", r.Value)
		}
	}
	return queued
}

// evaluateBot decides for one bot and queues the trade. It reports whether
// a job was queued.
func (s *Scheduler) evaluateBot(ctx context.Context, bot store.Bot, price decimal.Decimal, delta pricecache.Delta, ok bool) bool {
	intent, trade := s.engine.Decide(bot, delta, ok)

	f, _ := price.Float64()
	s.recorder.RecordSignal(bot.PoolID, bot.PriceSymbol(), f, intent.Decision)
	if err := s.bots.RecordEvaluation(ctx, bot.ID, price, intent.Decision, s.now()); err != nil {
		s.logger.Warn("bot_bookkeeping_failed", "bot", bot.ID, "error", err)
	}

	if !trade {
		return false
	}
	if !intent.Amount.IsPositive() {
		s.logger.Warn("trade_amount_unset", "bot", bot.ID, "decision", intent.Decision)
		return false
	}

	job := store.NewSwapJob(store.KindTrade, intent.WalletID, s.now())
	job.BotID = intent.BotID
	job.PoolID = intent.PoolID
	job.Direction = intent.Direction
	job.Amount = intent.Amount
	job.SlippageBps = intent.SlippageBps

	replaced, err := s.queue.EnqueueLatest(intent.WalletID, job, s.now())
	if errors.Is(err, queue.ErrBotStopped) {
		s.logger.Info("trade_discarded_bot_stopped", "bot", bot.ID, "wallet", intent.WalletID)
		return false
	}
	if err != nil {
		s.logger.Error("trade_enqueue_failed", "bot", bot.ID, "wallet", intent.WalletID, "error", err)
		return false
	}
	if replaced != nil {
		s.logger.Info("trade_superseded", "bot", bot.ID, "wallet", intent.WalletID, "job_id", replaced.ID, "by", job.ID)
	}
	s.logger.Info("trade_queued",
		"bot", bot.ID,
		"wallet", intent.WalletID,
		"job_id", job.ID,
		"decision", intent.Decision,
		"change", intent.Change.StringFixed(4),
		"previous", delta.Previous.String(),
		"current", delta.Current.String(),
	)
	return true
}

// StopBot marks botID stopped and cancels its queued jobs. A job already
// executing is left to finish. It returns the number of cancelled jobs.
func (s *Scheduler) StopBot(ctx context.Context, botID string) (int, error) {
	if err := s.bots.SetBotState(ctx, botID, store.BotStopped); err != nil {
		return 0, fmt.Errorf("stop bot %s: %w", botID, err)
	}
	dropped := s.queue.DropBot(botID, s.now())
	s.logger.Info("bot_stopped", "bot", botID, "dropped_jobs", len(dropped))
	return len(dropped), nil
}

type nopRecorder struct{}

func (nopRecorder) RecordSignal(string, string, float64, store.Decision) {}
func (nopRecorder) MarkBotTick(time.Duration)                            {}
