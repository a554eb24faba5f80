package blockdev

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

const testPageSize = 4096

// fakeDataPath is a test implementation of DataPath.
type fakeDataPath struct {
	handles  atomic.Uint32
	usage    atomic.Uint64
	flushed  atomic.Int32
	released atomic.Int32
	flushErr error
}

func (f *fakeDataPath) FlushPendingIO(_ context.Context) error {
	f.flushed.Add(1)
	return f.flushErr
}

func (f *fakeDataPath) OpenHandles() uint32        { return f.handles.Load() }
func (f *fakeDataPath) AllocatorUsageBytes() uint64 { return f.usage.Load() }
func (f *fakeDataPath) Release()                   { f.released.Add(1) }

func newTestDevice(t *testing.T) (*Device, *fakeDataPath) {
	t.Helper()
	d, err := NewDevice("cblk0", 2, testPageSize)
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	dp := &fakeDataPath{}
	d.AttachDataPath(dp)
	return d, dp
}

func TestNewDeviceValidation(t *testing.T) {
	if _, err := NewDevice("cblk0", 0, testPageSize); !errors.Is(err, ErrInvalidCoreCount) {
		t.Errorf("NewDevice with 0 cores: err = %v, want ErrInvalidCoreCount", err)
	}
	if _, err := NewDevice("cblk0", 2, 1000); !errors.Is(err, ErrInvalidPageSize) {
		t.Errorf("NewDevice with page size 1000: err = %v, want ErrInvalidPageSize", err)
	}
}

func TestSetCapacityRoundsDownToPageBoundary(t *testing.T) {
	d, _ := newTestDevice(t)

	if err := d.SetCapacity(testPageSize*3 + 123); err != nil {
		t.Fatalf("SetCapacity: %v", err)
	}
	if got := d.Capacity(); got != testPageSize*3 {
		t.Errorf("Capacity() = %d, want %d", got, testPageSize*3)
	}

	// Phase must remain Uninitialized: sizing alone does not allocate.
	if d.Initialized() {
		t.Error("Initialized() = true after SetCapacity, want false")
	}
}

func TestSetCapacityFailsOnceActive(t *testing.T) {
	d, _ := newTestDevice(t)

	if err := d.SetCapacity(10 << 20); err != nil {
		t.Fatalf("SetCapacity: %v", err)
	}
	d.OnFirstUse()

	if !d.Initialized() {
		t.Fatal("Initialized() = false after OnFirstUse")
	}

	err := d.SetCapacity(20 << 20)
	if !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("SetCapacity while active: err = %v, want ErrAlreadyActive", err)
	}
	if got := d.Capacity(); got != 10<<20 {
		t.Errorf("Capacity() = %d after failed resize, want %d", got, 10<<20)
	}
}

func TestResetUnconfirmedNeverMutates(t *testing.T) {
	d, dp := newTestDevice(t)
	_ = d.SetCapacity(10 << 20)
	d.OnFirstUse()
	d.Counters().Add(0, StatReads, 5)

	err := d.Reset(context.Background(), false)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Reset(false): err = %v, want ErrInvalidArgument", err)
	}

	if !d.Initialized() {
		t.Error("unconfirmed reset changed phase")
	}
	if got := d.Capacity(); got != 10<<20 {
		t.Errorf("unconfirmed reset changed capacity to %d", got)
	}
	if got := d.Counters().Snapshot(StatReads); got != 5 {
		t.Errorf("unconfirmed reset changed counters: Snapshot(StatReads) = %d", got)
	}
	if dp.flushed.Load() != 0 || dp.released.Load() != 0 {
		t.Error("unconfirmed reset touched the data path")
	}
}

func TestResetBusyWhileHeldOpen(t *testing.T) {
	d, dp := newTestDevice(t)
	_ = d.SetCapacity(10 << 20)
	d.OnFirstUse()
	dp.handles.Store(1)

	err := d.Reset(context.Background(), true)
	if !errors.Is(err, ErrBusy) {
		t.Errorf("Reset with open handle: err = %v, want ErrBusy", err)
	}
	if !d.Initialized() {
		t.Error("busy reset changed phase")
	}
	if dp.released.Load() != 0 {
		t.Error("busy reset released the pool")
	}
}

func TestResetSuccess(t *testing.T) {
	d, dp := newTestDevice(t)
	_ = d.SetCapacity(10 << 20)
	d.OnFirstUse()
	d.Counters().Add(0, StatReads, 3)
	d.Counters().Add(1, StatWrites, 2)

	if err := d.Reset(context.Background(), true); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	if d.Initialized() {
		t.Error("Initialized() = true after reset")
	}
	if got := d.Capacity(); got != 0 {
		t.Errorf("Capacity() = %d after reset, want 0", got)
	}
	for _, s := range Stats() {
		if got := d.Counters().Snapshot(s); got != 0 {
			t.Errorf("Snapshot(%s) = %d after reset, want 0", s, got)
		}
	}
	if dp.flushed.Load() != 1 {
		t.Errorf("flush count = %d, want 1", dp.flushed.Load())
	}
	if dp.released.Load() != 1 {
		t.Errorf("release count = %d, want 1", dp.released.Load())
	}
}

func TestResetFlushFailure(t *testing.T) {
	d, dp := newTestDevice(t)
	_ = d.SetCapacity(10 << 20)
	d.OnFirstUse()
	dp.flushErr = errors.New("drain timeout")

	if err := d.Reset(context.Background(), true); err == nil {
		t.Fatal("Reset with flush failure: err = nil")
	}
	// Storage must not be released if the drain failed.
	if dp.released.Load() != 0 {
		t.Error("reset released the pool despite flush failure")
	}
	if !d.Initialized() {
		t.Error("reset changed phase despite flush failure")
	}
}

func TestResetWhileUninitializedIsIdempotent(t *testing.T) {
	d, _ := newTestDevice(t)

	if err := d.Reset(context.Background(), true); err != nil {
		t.Fatalf("Reset on uninitialised device: %v", err)
	}
	if d.Initialized() {
		t.Error("Initialized() = true after no-op reset")
	}
}

func TestMemUsedTotal(t *testing.T) {
	d, dp := newTestDevice(t)

	// Not initialised: no storage allocated, so zero regardless of pool state.
	dp.usage.Store(99999)
	if got := d.MemUsedTotal(); got != 0 {
		t.Errorf("MemUsedTotal() = %d while uninitialised, want 0", got)
	}

	_ = d.SetCapacity(10 << 20)
	d.OnFirstUse()
	dp.usage.Store(8192)
	d.Counters().Add(0, StatOverheadPages, 2)

	want := uint64(8192 + 2*testPageSize)
	if got := d.MemUsedTotal(); got != want {
		t.Errorf("MemUsedTotal() = %d, want %d", got, want)
	}
}

func TestOrigAndComprDataSize(t *testing.T) {
	d, _ := newTestDevice(t)
	d.Counters().Add(0, StatPagesStored, 3)
	d.Counters().Add(1, StatComprBytes, 1234)

	if got := d.OrigDataSize(); got != 3*testPageSize {
		t.Errorf("OrigDataSize() = %d, want %d", got, 3*testPageSize)
	}
	if got := d.ComprDataSize(); got != 1234 {
		t.Errorf("ComprDataSize() = %d, want 1234", got)
	}
}

// TestDeviceLifecycleScenario walks the full operator sequence: size,
// first use, refused resize, counter activity, busy reset, clean reset.
func TestDeviceLifecycleScenario(t *testing.T) {
	d, dp := newTestDevice(t)

	if err := d.SetCapacity(10 << 20); err != nil {
		t.Fatalf("SetCapacity: %v", err)
	}

	d.OnFirstUse()
	if !d.Initialized() {
		t.Fatal("device not active after first use")
	}

	if err := d.SetCapacity(20 << 20); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("resize while active: err = %v, want ErrAlreadyActive", err)
	}
	if got := d.Capacity(); got != 10<<20 {
		t.Fatalf("Capacity() = %d, want %d", got, 10<<20)
	}

	d.Counters().Add(0, StatReads, 3)
	d.Counters().Add(1, StatReads, 2)
	if got := d.Counters().Snapshot(StatReads); got != 5 {
		t.Fatalf("Snapshot(StatReads) = %d, want 5", got)
	}

	dp.handles.Store(1)
	if err := d.Reset(context.Background(), true); !errors.Is(err, ErrBusy) {
		t.Fatalf("reset while held open: err = %v, want ErrBusy", err)
	}

	dp.handles.Store(0)
	if err := d.Reset(context.Background(), true); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got := d.Counters().Snapshot(StatReads); got != 0 {
		t.Fatalf("Snapshot(StatReads) = %d after reset, want 0", got)
	}
	if d.Initialized() {
		t.Fatal("device still active after reset")
	}
}
