// Package metrics provides real-time metrics tracking for the engine.
package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vamshivade/DEX-System/internal/pricecache"
	"github.com/vamshivade/DEX-System/internal/store"
)

const (
	// FeedSize is how many finished jobs the feed keeps.
	FeedSize = 200
	// AlertFeedSize is how many alerts the feed keeps.
	AlertFeedSize = 100
	// PriceWindow bounds per-pool price history.
	PriceWindow = 60 * time.Minute
)

// PricePoint represents a price at a specific time.
type PricePoint struct {
	Price     float64
	Timestamp time.Time
}

// PoolActivity tracks scheduler activity for a single pool.
type PoolActivity struct {
	PoolID       string
	Symbol       string
	Evaluations  int
	LastPrice    float64
	LastDecision store.Decision
	PricePoints  []PricePoint
	LastUpdate   time.Time
}

// JobEvent is one row of the finished-job feed.
type JobEvent struct {
	JobID     string
	WalletID  string
	BotID     string
	Kind      store.JobKind
	Direction store.Direction
	State     store.JobState
	Attempts  int
	Reference string
	Error     string
	At        time.Time
}

// Snapshot is a point-in-time view of metrics.
type Snapshot struct {
	JobsByState       map[store.JobState]int64
	JobsByKind        map[store.JobKind]int64
	SignalsByDecision map[store.Decision]int64
	JobRate           float64 // finished jobs per minute over the last minute
	Pools             map[string]*PoolActivity
	RecentJobs        []JobEvent // newest first
	RecentAlerts      []store.Alert
	Prices            []pricecache.Quote // latest cached price per symbol
	InFlightWallets   int
	QueueDepth        int
	LastBotTick       time.Time
	LastBotTickTook   time.Duration
	LastRangeTick     time.Time
	LastRangeTickTook time.Duration
	Uptime            time.Duration
}

// Tracker provides thread-safe metrics tracking and mirrors counters into
// Prometheus collectors.
type Tracker struct {
	mu                sync.RWMutex
	jobsByState       map[store.JobState]int64
	jobsByKind        map[store.JobKind]int64
	signalsByDecision map[store.Decision]int64
	pools             map[string]*PoolActivity
	feed              []JobEvent
	alerts            []store.Alert
	jobTimestamps     []time.Time // for rate calculation
	inFlightWallets   int
	queueDepth        int
	lastBotTick       time.Time
	lastBotTickTook   time.Duration
	lastRangeTick     time.Time
	lastRangeTickTook time.Duration
	startTime         time.Time
	prices            PriceSource

	prom *promCollectors
}

// PriceSource lists the latest cached prices.
type PriceSource interface {
	Snapshot() []pricecache.Quote
}

// NewTracker creates a Tracker with its own Prometheus registry.
func NewTracker() *Tracker {
	return &Tracker{
		jobsByState:       make(map[store.JobState]int64),
		jobsByKind:        make(map[store.JobKind]int64),
		signalsByDecision: make(map[store.Decision]int64),
		pools:             make(map[string]*PoolActivity),
		jobTimestamps:     make([]time.Time, 0, 256),
		startTime:         time.Now(),
		prom:              newPromCollectors(),
	}
}

// RecordJob counts a job that reached a terminal state.
func (m *Tracker) RecordJob(job *store.SwapJob) {
	ev := JobEvent{
		JobID:     job.ID,
		WalletID:  job.WalletID,
		BotID:     job.BotID,
		Kind:      job.Kind,
		Direction: job.Direction,
		State:     job.State,
		Attempts:  job.Attempts,
		Reference: job.LastReference,
		Error:     job.LastError,
		At:        job.UpdatedAt,
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	m.mu.Lock()
	m.jobsByState[job.State]++
	m.jobsByKind[job.Kind]++

	m.feed = append(m.feed, ev)
	if len(m.feed) > FeedSize {
		m.feed = m.feed[len(m.feed)-FeedSize:]
	}

	now := time.Now()
	m.jobTimestamps = append(m.jobTimestamps, now)
	m.jobTimestamps = trimBefore(m.jobTimestamps, now.Add(-time.Minute))
	m.mu.Unlock()

	m.prom.jobs.WithLabelValues(string(job.Kind), string(job.State)).Inc()
	m.prom.attempts.Observe(float64(job.Attempts))
}

// RecordSignal records one bot evaluation.
func (m *Tracker) RecordSignal(poolID, symbol string, price float64, decision store.Decision) {
	m.mu.Lock()
	m.signalsByDecision[decision]++

	activity, exists := m.pools[poolID]
	if !exists {
		activity = &PoolActivity{
			PoolID:      poolID,
			Symbol:      symbol,
			PricePoints: make([]PricePoint, 0, 64),
		}
		m.pools[poolID] = activity
	}

	now := time.Now()
	activity.Evaluations++
	activity.LastPrice = price
	activity.LastDecision = decision
	activity.LastUpdate = now
	activity.PricePoints = append(activity.PricePoints, PricePoint{Price: price, Timestamp: now})

	cutoff := now.Add(-PriceWindow)
	validIdx := 0
	for i, p := range activity.PricePoints {
		if p.Timestamp.After(cutoff) {
			validIdx = i
			break
		}
	}
	if validIdx > 0 {
		activity.PricePoints = activity.PricePoints[validIdx:]
	}
	m.mu.Unlock()

	m.prom.signals.WithLabelValues(string(decision)).Inc()
}

// Send records an alert for the console. It satisfies notify.Sender.
func (m *Tracker) Send(_ context.Context, a store.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
	if len(m.alerts) > AlertFeedSize {
		m.alerts = m.alerts[len(m.alerts)-AlertFeedSize:]
	}
	m.prom.alerts.WithLabelValues(a.Severity).Inc()
	return nil
}

// LoadAlerts seeds the alert feed with alerts persisted by an earlier run,
// given newest first. They are not counted again.
func (m *Tracker) LoadAlerts(alerts []store.Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	older := make([]store.Alert, 0, len(alerts)+len(m.alerts))
	for i := len(alerts) - 1; i >= 0; i-- {
		older = append(older, alerts[i])
	}
	m.alerts = append(older, m.alerts...)
	if len(m.alerts) > AlertFeedSize {
		m.alerts = m.alerts[len(m.alerts)-AlertFeedSize:]
	}
}

// SetPriceSource makes snapshots include src's cached prices.
func (m *Tracker) SetPriceSource(src PriceSource) {
	m.mu.Lock()
	m.prices = src
	m.mu.Unlock()
}

// SetInFlightWallets sets the number of wallets with a job executing.
func (m *Tracker) SetInFlightWallets(n int) {
	m.mu.Lock()
	m.inFlightWallets = n
	m.mu.Unlock()
	m.prom.inflight.Set(float64(n))
}

// SetQueueDepth sets the number of pending jobs.
func (m *Tracker) SetQueueDepth(n int) {
	m.mu.Lock()
	m.queueDepth = n
	m.mu.Unlock()
	m.prom.queueDepth.Set(float64(n))
}

// MarkBotTick records a finished scheduler tick.
func (m *Tracker) MarkBotTick(took time.Duration) {
	m.mu.Lock()
	m.lastBotTick = time.Now()
	m.lastBotTickTook = took
	m.mu.Unlock()
	m.prom.tickSeconds.WithLabelValues("bots").Observe(took.Seconds())
}

// MarkRangeTick records a finished range-monitor tick.
func (m *Tracker) MarkRangeTick(took time.Duration) {
	m.mu.Lock()
	m.lastRangeTick = time.Now()
	m.lastRangeTickTook = took
	m.mu.Unlock()
	m.prom.tickSeconds.WithLabelValues("range").Observe(took.Seconds())
}

// Snapshot returns a point-in-time snapshot of metrics.
func (m *Tracker) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rate := 0.0
	if n := len(m.jobTimestamps); n > 0 {
		if elapsed := time.Since(m.jobTimestamps[0]).Minutes(); elapsed > 0 {
			rate = float64(n) / elapsed
		}
	}

	byState := make(map[store.JobState]int64, len(m.jobsByState))
	for k, v := range m.jobsByState {
		byState[k] = v
	}
	byKind := make(map[store.JobKind]int64, len(m.jobsByKind))
	for k, v := range m.jobsByKind {
		byKind[k] = v
	}
	signals := make(map[store.Decision]int64, len(m.signalsByDecision))
	for k, v := range m.signalsByDecision {
		signals[k] = v
	}

	pools := make(map[string]*PoolActivity, len(m.pools))
	for k, v := range m.pools {
		c := *v
		c.PricePoints = append([]PricePoint(nil), v.PricePoints...)
		pools[k] = &c
	}

	feed := make([]JobEvent, len(m.feed))
	for i, ev := range m.feed {
		feed[len(m.feed)-1-i] = ev
	}
	alerts := make([]store.Alert, len(m.alerts))
	for i, a := range m.alerts {
		alerts[len(m.alerts)-1-i] = a
	}
	var prices []pricecache.Quote
	if m.prices != nil {
		prices = m.prices.Snapshot()
	}

	return Snapshot{
		JobsByState:       byState,
		JobsByKind:        byKind,
		SignalsByDecision: signals,
		JobRate:           rate,
		Pools:             pools,
		RecentJobs:        feed,
		RecentAlerts:      alerts,
		Prices:            prices,
		InFlightWallets:   m.inFlightWallets,
		QueueDepth:        m.queueDepth,
		LastBotTick:       m.lastBotTick,
		LastBotTickTook:   m.lastBotTickTook,
		LastRangeTick:     m.lastRangeTick,
		LastRangeTickTook: m.lastRangeTickTook,
		Uptime:            time.Since(m.startTime),
	}
}

// SortedPools returns the pools of s ordered by pool id.
func (s Snapshot) SortedPools() []*PoolActivity {
	out := make([]*PoolActivity, 0, len(s.Pools))
	for _, p := range s.Pools {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PoolID < out[j].PoolID })
	return out
}

// Cleanup removes pools with no recent evaluations.
func (m *Tracker) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-PriceWindow)
	for id, activity := range m.pools {
		if activity.LastUpdate.Before(cutoff) {
			delete(m.pools, id)
		}
	}
	m.jobTimestamps = trimBefore(m.jobTimestamps, time.Now().Add(-time.Minute))
}

// trimBefore drops leading timestamps not after cutoff.
func trimBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
