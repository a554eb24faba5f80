package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/cblk-core/internal/blockdev"
	"github.com/nerrad567/cblk-core/internal/infrastructure/logging"
	"github.com/nerrad567/cblk-core/internal/infrastructure/mqtt"
)

// defaultInterval is used when no sample interval is configured.
const defaultInterval = 10 * time.Second

// MetricWriter receives counter snapshots for time-series storage.
// Satisfied by influxdb.Client; writes must be non-blocking.
type MetricWriter interface {
	WriteCounterSnapshot(device string, counters map[string]uint64)
	WriteMemoryUsage(device string, origBytes, comprBytes, memUsed uint64)
}

// Broker publishes state and event payloads to MQTT.
// Satisfied by mqtt.Client.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	PublishRetained(topic string, payload []byte) error
	IsConnected() bool
}

// Deps holds the dependencies required by the publisher.
type Deps struct {
	Manager  *blockdev.Manager
	Logger   *logging.Logger
	Metrics  MetricWriter  // optional: nil disables InfluxDB output
	Broker   Broker        // optional: nil disables MQTT output
	Interval time.Duration // defaults to 10s
}

// Publisher samples all devices on a fixed interval and pushes the
// results to the configured sinks. It also forwards device lifecycle
// events to the broker as they occur.
type Publisher struct {
	manager  *blockdev.Manager
	logger   *logging.Logger
	metrics  MetricWriter
	broker   Broker
	interval time.Duration
	topics   mqtt.Topics
}

// deviceState is the JSON payload published to retained state topics.
type deviceState struct {
	Device        string            `json:"device"`
	Initialized   bool              `json:"initialized"`
	Capacity      uint64            `json:"capacity"`
	Counters      map[string]uint64 `json:"counters"`
	OrigDataSize  uint64            `json:"orig_data_size"`
	ComprDataSize uint64            `json:"compr_data_size"`
	MemUsedTotal  uint64            `json:"mem_used_total"`
	Timestamp     string            `json:"timestamp"`
}

// deviceEvent is the JSON payload published to event topics.
type deviceEvent struct {
	Device    string `json:"device"`
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
}

// New creates a publisher. At least one sink should be configured;
// a publisher with no sinks is valid but does nothing useful.
func New(deps Deps) (*Publisher, error) {
	if deps.Manager == nil {
		return nil, fmt.Errorf("telemetry: device manager is required")
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("telemetry: logger is required")
	}

	interval := deps.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	return &Publisher{
		manager:  deps.Manager,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		broker:   deps.Broker,
		interval: interval,
	}, nil
}

// Run samples devices until the context is cancelled. An immediate
// sample is taken on startup so retained topics are populated before
// the first tick.
func (p *Publisher) Run(ctx context.Context) {
	p.logger.Info("telemetry publisher started",
		"interval", p.interval.String(),
		"influxdb", p.metrics != nil,
		"mqtt", p.broker != nil,
	)

	p.sampleAll()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("telemetry publisher stopped")
			return
		case <-ticker.C:
			p.sampleAll()
		}
	}
}

// sampleAll snapshots every device and pushes to all configured sinks.
func (p *Publisher) sampleAll() {
	for _, dev := range p.manager.List() {
		p.sample(dev)
	}
}

func (p *Publisher) sample(dev *blockdev.Device) {
	counters := dev.Counters().SnapshotAll()

	if p.metrics != nil {
		p.metrics.WriteCounterSnapshot(dev.Name(), counters)
		p.metrics.WriteMemoryUsage(dev.Name(),
			dev.OrigDataSize(), dev.ComprDataSize(), dev.MemUsedTotal())
	}

	if p.broker != nil && p.broker.IsConnected() {
		p.publishState(dev, counters)
	}
}

// publishState publishes a retained JSON snapshot for one device.
func (p *Publisher) publishState(dev *blockdev.Device, counters map[string]uint64) {
	state := deviceState{
		Device:        dev.Name(),
		Initialized:   dev.Initialized(),
		Capacity:      dev.Capacity(),
		Counters:      counters,
		OrigDataSize:  dev.OrigDataSize(),
		ComprDataSize: dev.ComprDataSize(),
		MemUsedTotal:  dev.MemUsedTotal(),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}

	payload, err := json.Marshal(state)
	if err != nil {
		p.logger.Error("marshalling device state", "device", dev.Name(), "error", err)
		return
	}

	if err := p.broker.PublishRetained(p.topics.DeviceState(dev.Name()), payload); err != nil {
		p.logger.Warn("publishing device state", "device", dev.Name(), "error", err)
	}
}

// DeviceEvent implements blockdev.EventSink. Lifecycle transitions are
// published immediately, followed by a state refresh so the retained
// snapshot reflects the transition without waiting for the next tick.
func (p *Publisher) DeviceEvent(device, event string) {
	if p.broker == nil || !p.broker.IsConnected() {
		return
	}

	payload, err := json.Marshal(deviceEvent{
		Device:    device,
		Event:     event,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		p.logger.Error("marshalling device event", "device", device, "error", err)
		return
	}

	// QoS 1, not retained: events are transient, state topics are not.
	if err := p.broker.Publish(p.topics.DeviceEvent(device), payload, 1, false); err != nil {
		p.logger.Warn("publishing device event", "device", device, "event", event, "error", err)
	}

	if dev, err := p.manager.Get(device); err == nil {
		p.publishState(dev, dev.Counters().SnapshotAll())
	}
}
