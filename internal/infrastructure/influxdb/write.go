package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteCounterSnapshot writes a full device counter snapshot to InfluxDB.
//
// This is the primary method for recording device telemetry. Each counter
// becomes a field on a single point, so one snapshot is one row per device
// per sample interval.
//
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - device: Device name (e.g., "cblk0")
//   - counters: Counter name to value map, as returned by the counter store
//
// Example:
//
//	client.WriteCounterSnapshot("cblk0", map[string]uint64{"reads": 1042, "writes": 77})
func (c *Client) WriteCounterSnapshot(device string, counters map[string]uint64) {
	if !c.IsConnected() || len(counters) == 0 {
		return
	}

	fields := make(map[string]interface{}, len(counters))
	for name, value := range counters {
		// InfluxDB fields are signed; counter values fit comfortably.
		fields[name] = int64(value) //nolint:gosec // G115: counters never approach int64 max
	}

	point := write.NewPoint(
		"cblk_stats",
		map[string]string{
			"device": device,
		},
		fields,
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteMemoryUsage writes a device memory accounting sample.
//
// Parameters:
//   - device: Device name
//   - origBytes: Uncompressed size of stored data
//   - comprBytes: Compressed size of stored data
//   - memUsed: Total memory consumed by the device, allocator overhead included
func (c *Client) WriteMemoryUsage(device string, origBytes, comprBytes, memUsed uint64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"cblk_mem",
		map[string]string{
			"device": device,
		},
		map[string]interface{}{
			"orig_bytes":  int64(origBytes),  //nolint:gosec // G115: sizes never approach int64 max
			"compr_bytes": int64(comprBytes), //nolint:gosec // G115
			"mem_used":    int64(memUsed),    //nolint:gosec // G115
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
//
// Example:
//
//	client.WritePoint("daemon_stats",
//	    map[string]string{"host": "storage-01"},
//	    map[string]interface{}{"goroutines": 42, "heap_mb": 18.5})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., delayed data).
//
// Parameters:
//   - measurement: The measurement name
//   - tags: Key-value pairs for indexing
//   - fields: Key-value pairs for the data
//   - timestamp: The exact time for this data point
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
