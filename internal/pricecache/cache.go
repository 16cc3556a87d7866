// Package pricecache holds the latest and immediately preceding price per
// trading symbol.
package pricecache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Delta is the pair of the two most recent observations for a symbol.
type Delta struct {
	Previous   decimal.Decimal
	Current    decimal.Decimal
	ObservedAt time.Time
}

// Store is implemented by the in-process and Redis-backed caches.
type Store interface {
	// Observe records price at ts. It reports false when ts is not newer
	// than the symbol's latest observation, in which case nothing changes.
	Observe(ctx context.Context, symbol string, price decimal.Decimal, ts time.Time) (bool, error)

	// Delta returns the previous and current price. ok is false until the
	// symbol has been observed at least twice.
	Delta(ctx context.Context, symbol string) (d Delta, ok bool, err error)
}

type entry struct {
	mu       sync.Mutex
	previous decimal.Decimal
	current  decimal.Decimal
	ts       time.Time
	count    int
}

// Cache is an in-memory Store. Each symbol has its own lock so writers of
// different symbols never contend.
type Cache struct {
	symbols sync.Map // symbol -> *entry
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{}
}

func (c *Cache) entry(symbol string) *entry {
	if e, ok := c.symbols.Load(symbol); ok {
		return e.(*entry)
	}
	e, _ := c.symbols.LoadOrStore(symbol, &entry{})
	return e.(*entry)
}

// Observe implements Store.
func (c *Cache) Observe(_ context.Context, symbol string, price decimal.Decimal, ts time.Time) (bool, error) {
	e := c.entry(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.count > 0 && !ts.After(e.ts) {
		return false, nil
	}
	e.previous = e.current
	e.current = price
	e.ts = ts
	e.count++
	return true, nil
}

// Delta implements Store.
func (c *Cache) Delta(_ context.Context, symbol string) (Delta, bool, error) {
	v, ok := c.symbols.Load(symbol)
	if !ok {
		return Delta{}, false, nil
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.count < 2 {
		return Delta{}, false, nil
	}
	return Delta{Previous: e.previous, Current: e.current, ObservedAt: e.ts}, true, nil
}

// Quote is one row of Snapshot.
type Quote struct {
	Symbol     string
	Price      decimal.Decimal
	ObservedAt time.Time
}

// Snapshot lists the latest price per symbol, sorted by symbol.
func (c *Cache) Snapshot() []Quote {
	var out []Quote
	c.symbols.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if e.count > 0 {
			out = append(out, Quote{Symbol: k.(string), Price: e.current, ObservedAt: e.ts})
		}
		e.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
