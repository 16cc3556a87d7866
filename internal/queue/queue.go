// Package queue holds per-wallet FIFO queues of swap jobs and the per-wallet
// lock that admits at most one executor per wallet.
package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vamshivade/DEX-System/internal/store"
)

var (
	// ErrQueueClosed is returned by Enqueue after Close.
	ErrQueueClosed = errors.New("swap queue closed")
	// ErrWalletMismatch is returned when a job is enqueued under another wallet.
	ErrWalletMismatch = errors.New("job belongs to a different wallet")
	// ErrBotStopped is returned when a job is enqueued for a dropped bot.
	ErrBotStopped = errors.New("bot is stopped")
)

type walletQueue struct {
	jobs []*store.SwapJob

	// sem is a 1-slot semaphore; holding the slot makes the caller the
	// wallet's only executor
	sem chan struct{}
}

// Queue is safe for concurrent use. There is no lock spanning wallets for
// longer than a map access.
type Queue struct {
	mu      sync.Mutex
	wallets map[string]*walletQueue
	order   []string // wallets with pending jobs, by first enqueue
	stopped map[string]struct{}
	closed  bool
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		wallets: make(map[string]*walletQueue),
		stopped: make(map[string]struct{}),
	}
}

func (q *Queue) wallet(walletID string) *walletQueue {
	wq, ok := q.wallets[walletID]
	if !ok {
		wq = &walletQueue{sem: make(chan struct{}, 1)}
		q.wallets[walletID] = wq
	}
	return wq
}

// Enqueue appends job to walletID's queue. Jobs of a bot dropped with
// DropBot are refused.
func (q *Queue) Enqueue(walletID string, job *store.SwapJob) error {
	if err := checkWallet(walletID, job); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.admit(job); err != nil {
		return err
	}
	q.push(walletID, job)
	return nil
}

// EnqueueLatest queues a bot's trade, replacing that bot's trade still
// waiting on walletID in place. The replaced job is cancelled and returned.
// A bot therefore holds at most one pending trade per wallet, and it is
// always the most recent decision.
func (q *Queue) EnqueueLatest(walletID string, job *store.SwapJob, now time.Time) (*store.SwapJob, error) {
	if err := checkWallet(walletID, job); err != nil {
		return nil, err
	}

	q.mu.Lock()
	if err := q.admit(job); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	var replaced *store.SwapJob
	if wq, ok := q.wallets[walletID]; ok && job.BotID != "" {
		for i, pending := range wq.jobs {
			if pending.BotID == job.BotID && pending.Kind == job.Kind {
				replaced = pending
				wq.jobs[i] = job
				break
			}
		}
	}
	if replaced == nil {
		q.push(walletID, job)
	}
	q.mu.Unlock()

	if replaced != nil {
		replaced.Finish(store.JobCancelled, nil, now)
	}
	return replaced, nil
}

func checkWallet(walletID string, job *store.SwapJob) error {
	if job.WalletID == "" {
		job.WalletID = walletID
	}
	if job.WalletID != walletID {
		return fmt.Errorf("enqueue %s on %s: %w", job.ID, walletID, ErrWalletMismatch)
	}
	return nil
}

// admit checks q.mu-guarded preconditions for a new job.
func (q *Queue) admit(job *store.SwapJob) error {
	if q.closed {
		return ErrQueueClosed
	}
	if _, ok := q.stopped[job.BotID]; ok && job.BotID != "" {
		return fmt.Errorf("enqueue %s for bot %s: %w", job.ID, job.BotID, ErrBotStopped)
	}
	return nil
}

func (q *Queue) push(walletID string, job *store.SwapJob) {
	wq := q.wallet(walletID)
	if len(wq.jobs) == 0 {
		q.order = append(q.order, walletID)
	}
	wq.jobs = append(wq.jobs, job)
}

// TryLock attempts to become walletID's exclusive executor without
// blocking. On success the returned release func must be called exactly
// once the work is done; extra calls are no-ops.
func (q *Queue) TryLock(walletID string) (release func(), ok bool) {
	q.mu.Lock()
	wq := q.wallet(walletID)
	q.mu.Unlock()

	select {
	case wq.sem <- struct{}{}:
	default:
		return nil, false
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-wq.sem })
	}, true
}

// IsLocked reports whether an executor currently holds walletID's lock.
func (q *Queue) IsLocked(walletID string) bool {
	q.mu.Lock()
	wq, ok := q.wallets[walletID]
	q.mu.Unlock()
	return ok && len(wq.sem) == 1
}

// Dequeue pops walletID's head job. Callers must hold the wallet's lock.
func (q *Queue) Dequeue(walletID string) (*store.SwapJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	wq, ok := q.wallets[walletID]
	if !ok || len(wq.jobs) == 0 {
		return nil, false
	}
	job := wq.jobs[0]
	wq.jobs[0] = nil
	wq.jobs = wq.jobs[1:]
	if len(wq.jobs) == 0 {
		q.removeOrder(walletID)
	}
	return job, true
}

// Peek returns walletID's head job without removing it.
func (q *Queue) Peek(walletID string) (*store.SwapJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	wq, ok := q.wallets[walletID]
	if !ok || len(wq.jobs) == 0 {
		return nil, false
	}
	return wq.jobs[0], true
}

// DropBot removes every pending job of botID and marks it cancelled. Later
// enqueues for botID are refused with ErrBotStopped, so an evaluation that
// was already running when the bot stopped cannot slip a job in behind the
// drop. A job already dequeued by an executor is not affected.
func (q *Queue) DropBot(botID string, now time.Time) []*store.SwapJob {
	if botID == "" {
		return nil
	}

	q.mu.Lock()
	q.stopped[botID] = struct{}{}
	var dropped []*store.SwapJob
	for walletID, wq := range q.wallets {
		kept := wq.jobs[:0]
		for _, job := range wq.jobs {
			if job.BotID == botID {
				dropped = append(dropped, job)
				continue
			}
			kept = append(kept, job)
		}
		for i := len(kept); i < len(wq.jobs); i++ {
			wq.jobs[i] = nil
		}
		hadJobs := len(wq.jobs) > 0
		wq.jobs = kept
		if hadJobs && len(kept) == 0 {
			q.removeOrder(walletID)
		}
	}
	q.mu.Unlock()

	for _, job := range dropped {
		job.Finish(store.JobCancelled, nil, now)
	}
	return dropped
}

// PendingWallets lists wallets with waiting jobs, oldest first.
func (q *Queue) PendingWallets() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.order))
	copy(out, q.order)
	return out
}

// Len returns the number of pending jobs for walletID.
func (q *Queue) Len(walletID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if wq, ok := q.wallets[walletID]; ok {
		return len(wq.jobs)
	}
	return 0
}

// Depth returns the number of pending jobs across all wallets.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, wq := range q.wallets {
		n += len(wq.jobs)
	}
	return n
}

// HasPendingPosition reports whether walletID has a waiting rebalance of
// positionID.
func (q *Queue) HasPendingPosition(walletID, positionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	wq, ok := q.wallets[walletID]
	if !ok {
		return false
	}
	for _, job := range wq.jobs {
		if job.Kind == store.KindRebalance && job.PositionID == positionID {
			return true
		}
	}
	return false
}

// Close rejects further enqueues. Pending jobs stay available to Dequeue.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Drain removes every pending job, marks it cancelled and returns it.
// Used at shutdown once no executor will dequeue again.
func (q *Queue) Drain(now time.Time) []*store.SwapJob {
	q.mu.Lock()
	var drained []*store.SwapJob
	for _, walletID := range q.order {
		wq := q.wallets[walletID]
		drained = append(drained, wq.jobs...)
		wq.jobs = nil
	}
	q.order = nil
	q.mu.Unlock()

	for _, job := range drained {
		job.Finish(store.JobCancelled, nil, now)
	}
	return drained
}

func (q *Queue) removeOrder(walletID string) {
	for i, id := range q.order {
		if id == walletID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}
