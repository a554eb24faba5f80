// Package blockdev implements the control-and-introspection core for
// cblk devices: the per-core counter store, the device lifecycle
// controller, and the attribute registry that external transports
// dispatch through.
//
// # Architecture
//
//	┌───────────────────────────────────────────────────────────────┐
//	│                          Device (cblkN)                        │
//	│                                                                │
//	│  ┌────────────────┐   ┌────────────────┐   ┌───────────────┐  │
//	│  │    Counters    │   │   Lifecycle    │   │  Attr table   │  │
//	│  │ (counters.go)  │   │  (device.go)   │   │  (attrs.go)   │  │
//	│  │                │   │                │   │               │  │
//	│  │ • per-core set │   │ • capacity     │   │ • name→handler│  │
//	│  │ • seqlock gen  │   │ • phase        │   │ • decimal text│  │
//	│  │ • retry reads  │   │ • reset        │   │   boundary    │  │
//	│  └────────────────┘   └───────┬────────┘   └───────────────┘  │
//	└───────────────────────────────│───────────────────────────────┘
//	                                ▼
//	                      DataPath (boundary interface)
//	                 flush / open handles / pool usage / release
//
// # Concurrency model
//
// Counter writes are core-local: each core's counter set has exactly one
// writer, so increments never block and never contend across cores.
// Snapshot reads validate a per-core generation token and retry torn
// samples instead of locking, so readers never stall writers. The sum is
// linearizable per core but deliberately not across cores.
//
// The lifecycle mutators (SetCapacity, Reset) are serialised by a mutex.
// Reset is the only blocking operation: it drains pending I/O through
// the data path before destroying storage, and refuses with ErrBusy
// while any consumer holds the device open.
//
// # Usage
//
//	mgr, err := blockdev.NewManager(blockdev.ManagerConfig{
//	    Count:    1,
//	    Cores:    runtime.NumCPU(),
//	    PageSize: 4096,
//	}, func(d *blockdev.Device) blockdev.DataPath {
//	    return mempool.New(mempool.Config{PageSize: 4096, OnFirstUse: d.OnFirstUse})
//	})
//
//	dev, _ := mgr.Get("cblk0")
//	_ = dev.WriteAttr(ctx, "capacity", "10485760")
//	val, _ := dev.ReadAttr("count.reads")
package blockdev
