package notify

import (
	"context"
	"sync"
	"time"

	"github.com/vamshivade/DEX-System/internal/store"
)

// Throttle suppresses an alert identical (same source and message) to one
// sent within the cooldown.
type Throttle struct {
	next     Sender
	cooldown time.Duration
	now      func() time.Time

	mu   sync.Mutex
	sent map[string]time.Time
}

// NewThrottle wraps next.
func NewThrottle(next Sender, cooldown time.Duration) *Throttle {
	return &Throttle{
		next:     next,
		cooldown: cooldown,
		now:      time.Now,
		sent:     make(map[string]time.Time),
	}
}

// Send implements Sender. Suppressed alerts return nil.
func (t *Throttle) Send(ctx context.Context, a store.Alert) error {
	if !t.admit(a.Source + "\x00" + a.Message) {
		return nil
	}
	return t.next.Send(ctx, a)
}

func (t *Throttle) admit(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if last, ok := t.sent[key]; ok && now.Sub(last) < t.cooldown {
		return false
	}
	t.sent[key] = now
	return true
}

// Cleanup forgets keys whose cooldown has passed.
// Should be called periodically to bound memory.
func (t *Throttle) Cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.cooldown)
	for key, last := range t.sent {
		if !last.After(cutoff) {
			delete(t.sent, key)
		}
	}
}
