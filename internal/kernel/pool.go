package kernel

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/oeway/kernel-engine/internal/logging"
	"github.com/oeway/kernel-engine/internal/metrics"
)

// Factory creates one warm default-configured instance for a flavor. The
// pool calls it without holding any lock; interpreter cold-start is slow.
type Factory func(ctx context.Context, key TypeKey) (*Instance, error)

// Pool pre-warms idle instances keyed by (mode, language) to amortize
// interpreter cold-start. Hand-out is FIFO within a key; refill runs in
// the background and never blocks an allocation.
type Pool struct {
	factory    Factory
	capPerKey  int
	autoRefill bool

	mu    sync.Mutex
	items map[TypeKey][]*Instance
	// closed stops refills and redirects Put to destruction.
	closed bool

	// refills deduplicates concurrent refill requests per key.
	refills singleflight.Group
}

// NewPool creates an empty pool. capPerKey <= 0 disables pooling
// entirely: Take always misses and Put always destroys.
func NewPool(factory Factory, capPerKey int, autoRefill bool) *Pool {
	return &Pool{
		factory:    factory,
		capPerKey:  capPerKey,
		autoRefill: autoRefill,
		items:      make(map[TypeKey][]*Instance),
	}
}

// Take removes and returns the oldest idle instance for key, or nil on a
// miss. O(1); never triggers creation.
func (p *Pool) Take(key TypeKey) *Instance {
	p.mu.Lock()
	defer p.mu.Unlock()

	q := p.items[key]
	if len(q) == 0 {
		return nil
	}
	inst := q[0]
	p.items[key] = q[1:]
	p.gaugeLocked(key)
	return inst
}

// Put returns an instance to the pool. Over-cap (or post-close) instances
// are destroyed on a separate goroutine so the caller never blocks on
// driver teardown.
func (p *Pool) Put(key TypeKey, inst *Instance) {
	p.mu.Lock()
	if p.closed || p.capPerKey <= 0 || len(p.items[key]) >= p.capPerKey {
		p.mu.Unlock()
		go inst.Destroy()
		return
	}
	p.items[key] = append(p.items[key], inst)
	p.gaugeLocked(key)
	p.mu.Unlock()
}

// Refill tops key up to capacity in the background. Concurrent calls for
// the same key collapse into one; creation runs one instance at a time
// with no lock held across initialization.
func (p *Pool) Refill(key TypeKey) {
	if !p.autoRefill || p.capPerKey <= 0 {
		return
	}
	go func() {
		p.refills.Do(key.String(), func() (interface{}, error) {
			p.fill(context.Background(), key)
			return nil, nil
		})
	}()
}

// Preload warms every key to capacity, keys in parallel, instances within
// a key sequentially. Creation errors are logged; the next allocation
// miss retries.
func (p *Pool) Preload(ctx context.Context, keys []TypeKey) {
	var g errgroup.Group
	for _, key := range keys {
		key := key
		g.Go(func() error {
			p.fill(ctx, key)
			return nil
		})
	}
	g.Wait()
}

func (p *Pool) fill(ctx context.Context, key TypeKey) {
	for {
		p.mu.Lock()
		if p.closed || len(p.items[key]) >= p.capPerKey {
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		inst, err := p.factory(ctx, key)
		if err != nil {
			logging.Op().Warn("pool warm-up failed",
				"key", key.String(), "error", err)
			return
		}

		p.mu.Lock()
		if p.closed || len(p.items[key]) >= p.capPerKey {
			p.mu.Unlock()
			go inst.Destroy()
			return
		}
		p.items[key] = append(p.items[key], inst)
		p.gaugeLocked(key)
		p.mu.Unlock()
	}
}

// Stats reports per-key occupancy.
func (p *Pool) Stats() map[string]PoolStat {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]PoolStat, len(p.items))
	for key, q := range p.items {
		out[key.String()] = PoolStat{Available: len(q), Cap: p.capPerKey}
	}
	return out
}

// Close destroys every pooled instance and stops refills.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	var all []*Instance
	for key, q := range p.items {
		all = append(all, q...)
		delete(p.items, key)
	}
	p.mu.Unlock()

	for _, inst := range all {
		inst.Destroy()
	}
}

func (p *Pool) gaugeLocked(key TypeKey) {
	metrics.SetPoolAvailable(string(key.Mode), string(key.Language),
		len(p.items[key]))
}
