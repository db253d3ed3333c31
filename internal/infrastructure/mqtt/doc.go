// Package mqtt provides MQTT client connectivity for Roadhawk Core.
//
// This package manages:
//   - Broker connection with automatic reconnection
//   - Message publishing with QoS support
//   - Topic subscription with handler callbacks
//   - Last Will and Testament for offline detection
//
// MQTT is the persistent push channel between the coordinator and the
// dashcam fleet:
//
//	Dashcam units ↔ MQTT Broker ↔ Roadhawk Core
//
// Devices publish registrations, heartbeats, locations, events, and
// command results on roadhawk/{category}/{device_id} topics; the
// coordinator pushes commands on roadhawk/command/{device_id} and
// broadcasts state deltas on roadhawk/core/notify/{type}. Devices set
// their Last Will on roadhawk/presence/{device_id} so the broker
// reports unexpected disconnects.
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := mqtt.Topics{}
//	err = client.Subscribe(topics.AllHeartbeats(), 1,
//	    func(topic string, payload []byte) error {
//	        // handle heartbeat
//	        return nil
//	    })
//
// Subscriptions are tracked internally and automatically restored after
// a reconnect. Message handlers run on paho's goroutines and are
// wrapped with panic recovery.
package mqtt
