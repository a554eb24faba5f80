// Package mempool provides the in-process backing pool for cblk
// devices: allocator usage accounting, open-handle tracking, and the
// pending-I/O drain that the lifecycle controller relies on before a
// reset.
//
// The pool deliberately stores nothing — where blocks live and how they
// are compressed belongs to the data plane. What the control plane needs
// from its collaborator is bookkeeping: how many bytes the allocator
// holds, who has the device open, and when in-flight I/O has drained.
package mempool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrNoOpenHandles is returned by Close when no handle is open.
var ErrNoOpenHandles = errors.New("mempool: no open handles")

// Config configures a Pool.
type Config struct {
	// PageSize is the allocation granularity in bytes.
	PageSize uint64

	// OnFirstUse is invoked exactly once when the first pages are
	// allocated, and again after each Release once allocation resumes.
	// The device lifecycle controller hooks its Uninitialized→Active
	// transition here. May be nil.
	OnFirstUse func()
}

// Pool tracks backing storage usage for one device.
//
// All methods are safe for concurrent use. Handle and usage updates are
// atomic so the lifecycle controller can read them without taking the
// pool's locks.
type Pool struct {
	pageSize uint64
	notify   func()

	notified atomic.Bool
	used     atomic.Uint64
	handles  atomic.Int32

	// inflight tracks I/O begun with BeginIO and not yet finished.
	// mu guards the Add/Wait race during a flush.
	mu       sync.Mutex
	inflight sync.WaitGroup
}

// New creates an empty pool.
func New(cfg Config) (*Pool, error) {
	if cfg.PageSize == 0 || cfg.PageSize&(cfg.PageSize-1) != 0 {
		return nil, fmt.Errorf("mempool: page size must be a power of two, got %d", cfg.PageSize)
	}
	notify := cfg.OnFirstUse
	if notify == nil {
		notify = func() {}
	}
	return &Pool{
		pageSize: cfg.PageSize,
		notify:   notify,
	}, nil
}

// Open registers a consumer holding the device open.
func (p *Pool) Open() {
	p.handles.Add(1)
}

// Close releases one open handle.
func (p *Pool) Close() error {
	for {
		cur := p.handles.Load()
		if cur <= 0 {
			return ErrNoOpenHandles
		}
		if p.handles.CompareAndSwap(cur, cur-1) {
			return nil
		}
	}
}

// OpenHandles returns the number of consumers currently holding the
// device open.
func (p *Pool) OpenHandles() uint32 {
	n := p.handles.Load()
	if n < 0 {
		return 0
	}
	return uint32(n)
}

// BeginIO marks the start of one in-flight I/O operation.
func (p *Pool) BeginIO() {
	p.mu.Lock()
	p.inflight.Add(1)
	p.mu.Unlock()
}

// EndIO marks the completion of one in-flight I/O operation.
func (p *Pool) EndIO() {
	p.inflight.Done()
}

// AllocPages records the allocation of n whole pages. The first
// allocation after creation or Release fires the first-use notification.
func (p *Pool) AllocPages(n uint64) {
	p.used.Add(n * p.pageSize)
	if p.notified.CompareAndSwap(false, true) {
		p.notify()
	}
}

// FreePages records the release of n whole pages back to the allocator.
func (p *Pool) FreePages(n uint64) {
	p.used.Add(^(n*p.pageSize - 1))
}

// AllocatorUsageBytes returns the bytes currently held by the allocator.
func (p *Pool) AllocatorUsageBytes() uint64 {
	return p.used.Load()
}

// FlushPendingIO blocks until all in-flight I/O has drained or the
// context is cancelled.
func (p *Pool) FlushPendingIO(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.mu.Lock()
		p.inflight.Wait()
		p.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mempool: waiting for pending I/O: %w", ctx.Err())
	}
}

// Release deallocates the pool's bookkeeping and re-arms the first-use
// notification. Called by the lifecycle controller after a successful
// flush with no open handles.
func (p *Pool) Release() {
	p.used.Store(0)
	p.notified.Store(false)
}
