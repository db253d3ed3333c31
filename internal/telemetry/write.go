package telemetry

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/roadhawk/roadhawk-core/internal/fleet"
)

// WriteLocation records a GPS fix for a device.
//
// The write is non-blocking; data is batched and sent asynchronously.
// Zero-valued optional fields (speed, bearing, altitude, accuracy) are
// written as-is since InfluxDB handles sparse fields per point poorly.
func (c *Client) WriteLocation(deviceID string, loc *fleet.Location) {
	if !c.IsConnected() || loc == nil {
		return
	}

	ts := loc.RecordedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	point := write.NewPoint(
		"location",
		map[string]string{
			"device_id": deviceID,
		},
		map[string]interface{}{
			"latitude":  loc.Latitude,
			"longitude": loc.Longitude,
			"speed":     loc.Speed,
			"bearing":   loc.Bearing,
			"altitude":  loc.Altitude,
			"accuracy":  loc.Accuracy,
		},
		ts,
	)

	c.writeAPI.WritePoint(point)
}

// WriteHeartbeat records the health metrics carried on a device heartbeat.
//
// Only the metrics the device actually reported are written; a heartbeat
// with no metrics produces no point.
func (c *Client) WriteHeartbeat(deviceID string, metrics fleet.HeartbeatMetrics) {
	if !c.IsConnected() {
		return
	}

	fields := map[string]interface{}{}
	if metrics.Battery != nil {
		fields["battery"] = *metrics.Battery
	}
	if metrics.StorageFree != nil {
		fields["storage_free"] = *metrics.StorageFree
	}
	if len(fields) == 0 {
		return
	}

	point := write.NewPoint(
		"heartbeat",
		map[string]string{
			"device_id": deviceID,
		},
		fields,
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteEvent records a device-reported event occurrence as a counter point.
//
// The event payload itself lives in the SQLite event log; this point only
// feeds rate and frequency dashboards.
func (c *Client) WriteEvent(deviceID string, eventType string) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"events",
		map[string]string{
			"device_id":  deviceID,
			"event_type": eventType,
		},
		map[string]interface{}{
			"count": 1,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteFleetStats records an aggregate snapshot of the fleet.
//
// Called periodically by the liveness monitor so dashboards can graph
// fleet size and queue depth over time.
func (c *Client) WriteFleetStats(siteID string, stats fleet.Stats) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"fleet_stats",
		map[string]string{
			"site_id": siteID,
		},
		map[string]interface{}{
			"total_devices":    stats.TotalDevices,
			"online":           stats.Online,
			"offline":          stats.Offline,
			"pending_commands": stats.PendingCommands,
			"sent_commands":    stats.SentCommands,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}
