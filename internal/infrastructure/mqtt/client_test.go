package mqtt

import (
	"context"
	"errors"
	"testing"
)

// Tests in this file run without a broker. Connection and roundtrip
// coverage lives in integration_test.go (requires Mosquitto at
// 127.0.0.1:1883, run with -tags=integration).

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v, want nil", err)
	}
}

func TestHealthCheckCancelled(t *testing.T) {
	client := &Client{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := client.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}

func TestPublishEmptyTopic(t *testing.T) {
	client := &Client{}
	if err := client.Publish("", []byte("payload"), 1, false); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Publish() error = %v, want ErrInvalidTopic", err)
	}
}

func TestPublishInvalidQoS(t *testing.T) {
	client := &Client{}
	topic := Topics{}.DeviceCommand("cam-0017")
	if err := client.Publish(topic, []byte("payload"), 3, false); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Publish() error = %v, want ErrInvalidQoS", err)
	}
}

func TestSubscribeEmptyTopic(t *testing.T) {
	client := &Client{}
	err := client.Subscribe("", 1, func(string, []byte) error { return nil })
	if !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe() error = %v, want ErrInvalidTopic", err)
	}
}

func TestSubscribeNilHandler(t *testing.T) {
	client := &Client{}
	err := client.Subscribe(Topics{}.AllHeartbeats(), 1, nil)
	if !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe() error = %v, want ErrSubscribeFailed", err)
	}
}

func TestUnsubscribeEmptyTopic(t *testing.T) {
	client := &Client{}
	if err := client.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe() error = %v, want ErrInvalidTopic", err)
	}
}

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"register", topics.DeviceRegister("cam-0017"), "roadhawk/register/cam-0017"},
		{"heartbeat", topics.DeviceHeartbeat("cam-0017"), "roadhawk/heartbeat/cam-0017"},
		{"location", topics.DeviceLocation("cam-0017"), "roadhawk/location/cam-0017"},
		{"event", topics.DeviceEvent("cam-0017"), "roadhawk/event/cam-0017"},
		{"result", topics.DeviceResult("cam-0017"), "roadhawk/result/cam-0017"},
		{"presence", topics.DevicePresence("cam-0017"), "roadhawk/presence/cam-0017"},
		{"command", topics.DeviceCommand("cam-0017"), "roadhawk/command/cam-0017"},
		{"notify", topics.CoreNotify("command_queued"), "roadhawk/core/notify/command_queued"},
		{"system status", topics.SystemStatus(), "roadhawk/system/status"},
		{"all registrations", topics.AllRegistrations(), "roadhawk/register/+"},
		{"all heartbeats", topics.AllHeartbeats(), "roadhawk/heartbeat/+"},
		{"all locations", topics.AllLocations(), "roadhawk/location/+"},
		{"all events", topics.AllEvents(), "roadhawk/event/+"},
		{"all results", topics.AllResults(), "roadhawk/result/+"},
		{"all presence", topics.AllPresence(), "roadhawk/presence/+"},
		{"all topics", topics.AllTopics(), "roadhawk/#"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestDeviceIDFromTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{"roadhawk/heartbeat/cam-0017", "cam-0017"},
		{"roadhawk/register/abc123", "abc123"},
		{"noslash", ""},
		{"trailing/", ""},
	}

	for _, tt := range tests {
		if got := DeviceIDFromTopic(tt.topic); got != tt.want {
			t.Errorf("DeviceIDFromTopic(%q) = %q, want %q", tt.topic, got, tt.want)
		}
	}
}
