package blockdev

import (
	"fmt"
)

// ManagerConfig sizes the device set created by NewManager.
type ManagerConfig struct {
	// Count is the number of devices to create (cblk0..cblkN-1).
	Count int

	// Cores is the number of per-core counter slots per device.
	Cores int

	// PageSize is the device page size in bytes. Must be a power of two.
	PageSize uint64

	// InitialCapacity, when non-zero, is applied to each device at creation
	// via SetCapacity (rounded down to a page boundary). Zero leaves
	// devices unsized until the operator sets a capacity.
	InitialCapacity uint64
}

// DataPathFactory builds the backing data path for a freshly created
// device. The factory receives the device so the data path can deliver
// the first-use notification.
type DataPathFactory func(d *Device) DataPath

// Manager owns the full device set. Each device owns its own lifecycle
// controller and counter store; consumers hold direct references rather
// than searching a global table.
type Manager struct {
	devices []*Device
	byName  map[string]*Device
}

// NewManager creates Count devices named cblk0..cblkN-1, binds each to a
// data path from the factory, and applies the initial capacity if set.
func NewManager(cfg ManagerConfig, factory DataPathFactory) (*Manager, error) {
	if cfg.Count <= 0 {
		return nil, fmt.Errorf("blockdev: device count must be positive, got %d", cfg.Count)
	}
	if factory == nil {
		return nil, fmt.Errorf("blockdev: data path factory is required")
	}

	m := &Manager{
		devices: make([]*Device, 0, cfg.Count),
		byName:  make(map[string]*Device, cfg.Count),
	}

	for i := 0; i < cfg.Count; i++ {
		name := fmt.Sprintf("cblk%d", i)
		d, err := NewDevice(name, cfg.Cores, cfg.PageSize)
		if err != nil {
			return nil, fmt.Errorf("creating %s: %w", name, err)
		}
		d.AttachDataPath(factory(d))

		if cfg.InitialCapacity > 0 {
			if err := d.SetCapacity(cfg.InitialCapacity); err != nil {
				return nil, fmt.Errorf("sizing %s: %w", name, err)
			}
		}

		m.devices = append(m.devices, d)
		m.byName[name] = d
	}

	return m, nil
}

// SetLogger sets the logger on every managed device.
func (m *Manager) SetLogger(logger Logger) {
	for _, d := range m.devices {
		d.SetLogger(logger)
	}
}

// SetEventSink sets the lifecycle event sink on every managed device.
func (m *Manager) SetEventSink(sink EventSink) {
	for _, d := range m.devices {
		d.SetEventSink(sink)
	}
}

// Get returns a device by name. Returns ErrDeviceNotFound if the name
// does not exist.
func (m *Manager) Get(name string) (*Device, error) {
	d, ok := m.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, name)
	}
	return d, nil
}

// List returns all managed devices in creation order.
func (m *Manager) List() []*Device {
	return m.devices
}
