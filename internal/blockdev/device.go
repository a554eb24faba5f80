package blockdev

import (
	"context"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
)

// DataPath is the boundary contract with the external collaborator that
// actually stores blocks. The lifecycle controller never touches storage
// itself; it only validates and sequences the destructive operations
// against the data path's live state.
type DataPath interface {
	// FlushPendingIO blocks until all in-flight I/O against the device
	// has drained. Called by Reset before storage is released.
	FlushPendingIO(ctx context.Context) error

	// OpenHandles returns the number of consumers currently holding the
	// device open. Reset is refused while this is non-zero.
	OpenHandles() uint32

	// AllocatorUsageBytes returns the bytes currently consumed by the
	// backing pool, for the memory-used reporting path.
	AllocatorUsageBytes() uint64

	// Release deallocates the backing pool. Only called after a
	// successful flush with no open handles.
	Release()
}

// Device is the lifecycle controller for one managed block device.
//
// It owns the device's configuration (capacity) and phase, and owns the
// per-core counter store. SetCapacity and Reset are serialised against
// each other by an internal mutex; Capacity, Initialized and the
// attribute reads are lock-free.
type Device struct {
	name      string
	pageSize  uint64
	pageShift uint

	// mu serialises the mutator operations (SetCapacity, Reset).
	mu       sync.Mutex
	capacity atomic.Uint64
	phase    atomic.Int32

	counters *Counters
	datapath DataPath
	logger   Logger
	events   EventSink

	attrs     []Attr
	attrIndex map[string]int
}

// NewDevice creates a device in the Uninitialized phase with capacity 0
// and a fresh counter store sized for the given core count.
//
// The data path is attached separately with AttachDataPath, since
// concrete data paths need the device reference for the first-use
// notification.
func NewDevice(name string, cores int, pageSize uint64) (*Device, error) {
	if cores <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCoreCount, cores)
	}
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPageSize, pageSize)
	}

	d := &Device{
		name:      name,
		pageSize:  pageSize,
		pageShift: uint(bits.TrailingZeros64(pageSize)),
		counters:  NewCounters(cores),
		logger:    noopLogger{},
		events:    noopEvents{},
	}
	d.buildAttrs()
	return d, nil
}

// SetLogger sets the logger for the device and its counter store.
func (d *Device) SetLogger(logger Logger) {
	d.logger = logger
	d.counters.SetLogger(logger)
}

// SetEventSink sets the sink for lifecycle events.
func (d *Device) SetEventSink(sink EventSink) {
	d.events = sink
}

// AttachDataPath binds the external data path. Must be called before the
// device serves attribute traffic.
func (d *Device) AttachDataPath(dp DataPath) {
	d.datapath = dp
}

// Name returns the device name, e.g. "cblk0".
func (d *Device) Name() string {
	return d.name
}

// PageSize returns the device page size in bytes.
func (d *Device) PageSize() uint64 {
	return d.pageSize
}

// Counters returns the device's per-core counter store. The data path
// increments through this; the attribute surface snapshots it.
func (d *Device) Counters() *Counters {
	return d.counters
}

// Phase returns the current lifecycle phase.
func (d *Device) Phase() Phase {
	return Phase(d.phase.Load())
}

// Initialized reports whether the device is in the Active phase.
func (d *Device) Initialized() bool {
	return d.Phase() == PhaseActive
}

// Capacity returns the configured capacity in bytes. Permitted in any
// phase.
func (d *Device) Capacity() uint64 {
	return d.capacity.Load()
}

// SetCapacity sets the device capacity, rounding down to a page
// boundary. Sizing alone does not allocate storage; allocation happens
// on first use, which advances the phase to Active.
//
// Returns ErrAlreadyActive if the device has left the Uninitialized
// phase, leaving the capacity unchanged.
func (d *Device) SetCapacity(bytes uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.Phase() != PhaseUninitialized {
		return fmt.Errorf("%w: capacity is immutable once the device is serving data", ErrAlreadyActive)
	}

	rounded := bytes &^ (d.pageSize - 1)
	d.capacity.Store(rounded)
	d.logger.Info("device capacity set",
		"device", d.name,
		"requested_bytes", bytes,
		"capacity_bytes", rounded,
	)
	return nil
}

// OnFirstUse transitions the device from Uninitialized to Active. The
// data path calls this when the first successful write allocates
// backing storage. Subsequent calls are no-ops.
func (d *Device) OnFirstUse() {
	if d.phase.CompareAndSwap(int32(PhaseUninitialized), int32(PhaseActive)) {
		d.logger.Info("device initialised",
			"device", d.name,
			"capacity_bytes", d.Capacity(),
		)
		d.events.DeviceEvent(d.name, EventInitialized)
	}
}

// Reset destroys the device's stored data and returns it to the
// Uninitialized phase with capacity 0.
//
// The confirm flag is the caller's explicit acknowledgement of the
// destructive operation; without it Reset fails with ErrInvalidArgument
// and mutates nothing. Reset fails with ErrBusy while any consumer holds
// the device open: the controller never force-closes consumers, and a
// non-blocking caller is expected to retry after ErrBusy.
//
// On success Reset blocks until pending I/O has drained, clears every
// counter, and releases the backing pool. Resetting a device that is
// already Uninitialized is an idempotent success.
func (d *Device) Reset(ctx context.Context, confirm bool) error {
	if !confirm {
		return fmt.Errorf("%w: reset not confirmed", ErrInvalidArgument)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.datapath.OpenHandles() > 0 {
		return fmt.Errorf("%w: device is held open", ErrBusy)
	}

	// Make sure all pending I/O has finished before destroying storage.
	if err := d.datapath.FlushPendingIO(ctx); err != nil {
		return fmt.Errorf("flushing pending I/O: %w", err)
	}

	d.counters.Clear()
	d.datapath.Release()
	d.capacity.Store(0)
	d.phase.Store(int32(PhaseUninitialized))

	d.logger.Info("device reset", "device", d.name)
	d.events.DeviceEvent(d.name, EventReset)
	return nil
}

// OrigDataSize returns the uncompressed size of all stored pages in
// bytes.
func (d *Device) OrigDataSize() uint64 {
	return d.counters.Snapshot(StatPagesStored) << d.pageShift
}

// ComprDataSize returns the total compressed size of stored pages in
// bytes.
func (d *Device) ComprDataSize() uint64 {
	return d.counters.Snapshot(StatComprBytes)
}

// MemUsedTotal returns the total memory consumed by the device: the
// backing pool's allocator usage plus whole pages of allocator overhead.
// The two terms are independent and additive. Returns 0 while the device
// is not initialised, since no storage is allocated.
func (d *Device) MemUsedTotal() uint64 {
	if !d.Initialized() {
		return 0
	}
	return d.datapath.AllocatorUsageBytes() +
		d.counters.Snapshot(StatOverheadPages)<<d.pageShift
}
