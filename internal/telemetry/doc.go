// Package telemetry periodically samples device counters and fans the
// snapshots out to the configured sinks.
//
// Two sinks are supported, both optional:
//   - InfluxDB: batched time-series writes for dashboards and retention
//   - MQTT: retained per-device state topics for live consumers
//
// The publisher also implements the device event sink, so lifecycle
// transitions (initialized, reset) reach the broker the moment they
// happen rather than on the next sample tick.
package telemetry
