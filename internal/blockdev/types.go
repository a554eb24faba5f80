package blockdev

// Stat identifies one event counter kind tracked per core.
//
// The enumeration is closed: adding a kind means adding it here, to
// statNames, and to the attribute table in attrs.go.
type Stat int

const (
	// StatReads counts completed read requests.
	StatReads Stat = iota

	// StatWrites counts completed write requests.
	StatWrites

	// StatInvalidIO counts requests rejected as malformed or out of range.
	StatInvalidIO

	// StatNotifyFree counts free notifications received from the consumer.
	StatNotifyFree

	// StatDiscard counts discard requests.
	StatDiscard

	// StatZeroPages counts pages currently stored as all-zero markers.
	// Decremented when a zero page is overwritten, so per-core values
	// can go negative; only the aggregate must be non-negative.
	StatZeroPages

	// StatPagesStored counts pages currently held by the device.
	StatPagesStored

	// StatComprBytes is the total compressed size of stored pages.
	StatComprBytes

	// StatOverheadPages counts whole pages consumed by allocator
	// bookkeeping on top of the compressed data itself.
	StatOverheadPages
)

// numStats is the size of the counter array in each per-core set.
const numStats = int(StatOverheadPages) + 1

var statNames = [numStats]string{
	StatReads:         "reads",
	StatWrites:        "writes",
	StatInvalidIO:     "invalidIO",
	StatNotifyFree:    "notifyFree",
	StatDiscard:       "discard",
	StatZeroPages:     "zeroPages",
	StatPagesStored:   "pagesStored",
	StatComprBytes:    "comprBytes",
	StatOverheadPages: "overheadPages",
}

// String returns the wire name of the stat, as used in the count.*
// attribute names and telemetry field keys.
func (s Stat) String() string {
	if s < 0 || int(s) >= numStats {
		return "unknown"
	}
	return statNames[s]
}

// Stats returns all counter kinds in declaration order.
func Stats() []Stat {
	out := make([]Stat, numStats)
	for i := range out {
		out[i] = Stat(i)
	}
	return out
}

// Phase is the lifecycle state of a managed device.
type Phase int32

const (
	// PhaseUninitialized means no backing storage is allocated.
	// Capacity is mutable only in this phase.
	PhaseUninitialized Phase = iota

	// PhaseActive means storage is allocated and serving I/O.
	PhaseActive
)

// String returns a human-readable phase name.
func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseActive:
		return "active"
	default:
		return "unknown"
	}
}

// Logger defines the logging interface used by this package.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Device lifecycle event names delivered to an EventSink.
const (
	EventInitialized = "initialized"
	EventReset       = "reset"
)

// EventSink receives device lifecycle events. Implementations must be
// safe for concurrent use and must not block the calling goroutine for
// extended periods.
type EventSink interface {
	DeviceEvent(device, event string)
}

// noopEvents is an EventSink that discards all events.
type noopEvents struct{}

func (noopEvents) DeviceEvent(string, string) {}
