package uplink

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/roadhawk/roadhawk-core/internal/fleet"
	"github.com/roadhawk/roadhawk-core/internal/infrastructure/mqtt"
)

// mockBroker records subscriptions and published messages and lets
// tests inject inbound messages by invoking the stored handlers.
type mockBroker struct {
	mu        sync.Mutex
	handlers  map[string]mqtt.MessageHandler
	published []publishedMessage
	connected bool
	pubErr    error
}

type publishedMessage struct {
	topic   string
	payload []byte
}

func newMockBroker() *mockBroker {
	return &mockBroker{
		handlers:  make(map[string]mqtt.MessageHandler),
		connected: true,
	}
}

func (b *mockBroker) Publish(topic string, payload []byte, _ byte, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubErr != nil {
		return b.pubErr
	}
	b.published = append(b.published, publishedMessage{topic: topic, payload: payload})
	return nil
}

func (b *mockBroker) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return nil
}

func (b *mockBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// deliver routes a message to the handler whose wildcard pattern
// matches the topic's message type.
func (b *mockBroker) deliver(t *testing.T, topic string, payload string) error {
	t.Helper()

	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		t.Fatalf("bad test topic %q", topic)
	}
	pattern := parts[0] + "/" + parts[1] + "/+"

	b.mu.Lock()
	handler, ok := b.handlers[pattern]
	b.mu.Unlock()
	if !ok {
		t.Fatalf("no subscription matching %q", pattern)
	}
	return handler(topic, []byte(payload))
}

func (b *mockBroker) publishedTo(prefix string) []publishedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []publishedMessage
	for _, m := range b.published {
		if strings.HasPrefix(m.topic, prefix) {
			out = append(out, m)
		}
	}
	return out
}

// memoryRepo is a minimal in-memory fleet.Repository.
type memoryRepo struct {
	mu      sync.Mutex
	devices map[string]*fleet.Device
	events  map[string][]fleet.EventLogEntry
	nextID  int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		devices: make(map[string]*fleet.Device),
		events:  make(map[string][]fleet.EventLogEntry),
	}
}

func (r *memoryRepo) GetByID(_ context.Context, id string) (*fleet.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, fleet.ErrDeviceNotFound
	}
	return d.DeepCopy(), nil
}

func (r *memoryRepo) List(_ context.Context) ([]fleet.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]fleet.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d.DeepCopy())
	}
	return out, nil
}

func (r *memoryRepo) Save(_ context.Context, device *fleet.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[device.ID] = device.DeepCopy()
	return nil
}

func (r *memoryRepo) SaveBatch(_ context.Context, devices []*fleet.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range devices {
		r.devices[d.ID] = d.DeepCopy()
	}
	return nil
}

func (r *memoryRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[id]; !ok {
		return fleet.ErrDeviceNotFound
	}
	delete(r.devices, id)
	delete(r.events, id)
	return nil
}

func (r *memoryRepo) AppendEvent(_ context.Context, entry *fleet.EventLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	entry.ID = r.nextID
	r.events[entry.DeviceID] = append(r.events[entry.DeviceID], *entry)
	return nil
}

func (r *memoryRepo) ListEvents(_ context.Context, deviceID string, _ int) ([]fleet.EventLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]fleet.EventLogEntry(nil), r.events[deviceID]...), nil
}

// newTestUplink wires an uplink over a mock broker and fresh registry.
func newTestUplink(t *testing.T) (*Uplink, *mockBroker, *fleet.Registry) {
	t.Helper()

	broker := newMockBroker()
	registry := fleet.NewRegistry(newMemoryRepo(), fleet.Options{})
	dispatcher := fleet.NewDispatcher(registry)

	u, err := New(Options{
		Broker:     broker,
		Registry:   registry,
		Dispatcher: dispatcher,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	dispatcher.SetSender(u)

	if err := u.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(u.Stop)

	return u, broker, registry
}

func TestNew_Validation(t *testing.T) {
	registry := fleet.NewRegistry(newMemoryRepo(), fleet.Options{})

	if _, err := New(Options{Registry: registry}); err == nil {
		t.Error("New() should require a broker")
	}
	if _, err := New(Options{Broker: newMockBroker()}); err == nil {
		t.Error("New() should require a registry")
	}
}

func TestStart_SubscribesDeviceTopics(t *testing.T) {
	_, broker, _ := newTestUplink(t)

	want := []string{
		"roadhawk/register/+",
		"roadhawk/heartbeat/+",
		"roadhawk/location/+",
		"roadhawk/event/+",
		"roadhawk/result/+",
		"roadhawk/presence/+",
	}

	broker.mu.Lock()
	defer broker.mu.Unlock()
	for _, topic := range want {
		if _, ok := broker.handlers[topic]; !ok {
			t.Errorf("missing subscription for %q", topic)
		}
	}
	if len(broker.handlers) != len(want) {
		t.Errorf("subscription count = %d, want %d", len(broker.handlers), len(want))
	}
}

func TestHandleRegister(t *testing.T) {
	_, broker, registry := newTestUplink(t)

	err := broker.deliver(t, "roadhawk/register/cam-0017",
		`{"model":"RH-X1","firmware_version":"2.4.1","session_id":"sess-a1"}`)
	if err != nil {
		t.Fatalf("deliver register error = %v", err)
	}

	device, err := registry.Get(context.Background(), "cam-0017")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if device.State != fleet.StateOnline {
		t.Errorf("State = %q, want online", device.State)
	}
	if device.SessionID == nil || *device.SessionID != "sess-a1" {
		t.Errorf("SessionID = %v, want sess-a1", device.SessionID)
	}
	if device.Model == nil || *device.Model != "RH-X1" {
		t.Errorf("Model = %v, want RH-X1", device.Model)
	}
}

func TestHandleRegister_DefaultSessionHandle(t *testing.T) {
	_, broker, registry := newTestUplink(t)

	if err := broker.deliver(t, "roadhawk/register/cam-0001", `{"model":"RH-X1"}`); err != nil {
		t.Fatalf("deliver register error = %v", err)
	}

	device, err := registry.Get(context.Background(), "cam-0001")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if device.SessionID == nil || *device.SessionID != "mqtt:cam-0001" {
		t.Errorf("SessionID = %v, want mqtt:cam-0001", device.SessionID)
	}
}

func TestHandleRegister_Malformed(t *testing.T) {
	_, broker, registry := newTestUplink(t)

	if err := broker.deliver(t, "roadhawk/register/cam-bad", `{not json`); err == nil {
		t.Error("malformed register payload should return an error")
	}
	if registry.Count() != 0 {
		t.Error("malformed payload should not create a device")
	}
}

func TestHandleHeartbeat(t *testing.T) {
	_, broker, registry := newTestUplink(t)

	if err := broker.deliver(t, "roadhawk/register/cam-0002", `{"session_id":"sess-b"}`); err != nil {
		t.Fatalf("deliver register error = %v", err)
	}

	err := broker.deliver(t, "roadhawk/heartbeat/cam-0002",
		`{"battery":72.5,"storage_free":2048,"session_id":"sess-b"}`)
	if err != nil {
		t.Fatalf("deliver heartbeat error = %v", err)
	}

	device, err := registry.Get(context.Background(), "cam-0002")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if device.Battery == nil || *device.Battery != 72.5 {
		t.Errorf("Battery = %v, want 72.5", device.Battery)
	}
	if device.StorageFree == nil || *device.StorageFree != 2048 {
		t.Errorf("StorageFree = %v, want 2048", device.StorageFree)
	}
	if device.LastSeen == nil {
		t.Error("LastSeen should be set after heartbeat")
	}
}

func TestHandleLocation_AutoProvisions(t *testing.T) {
	_, broker, registry := newTestUplink(t)

	err := broker.deliver(t, "roadhawk/location/cam-0003",
		`{"latitude":51.5072,"longitude":-0.1276,"speed":13.4}`)
	if err != nil {
		t.Fatalf("deliver location error = %v", err)
	}

	device, err := registry.Get(context.Background(), "cam-0003")
	if err != nil {
		t.Fatalf("location should auto-provision the device: %v", err)
	}
	if device.Location == nil {
		t.Fatal("Location should be set")
	}
	if device.Location.Latitude != 51.5072 {
		t.Errorf("Latitude = %v, want 51.5072", device.Location.Latitude)
	}
}

func TestHandleLocation_Invalid(t *testing.T) {
	_, broker, _ := newTestUplink(t)

	err := broker.deliver(t, "roadhawk/location/cam-0004",
		`{"latitude":123.0,"longitude":0}`)
	if err == nil {
		t.Error("out-of-range latitude should return an error")
	}
}

func TestHandleEvent(t *testing.T) {
	_, broker, registry := newTestUplink(t)

	err := broker.deliver(t, "roadhawk/event/cam-0005",
		`{"event_type":"harsh_braking","payload":{"g_force":1.8}}`)
	if err != nil {
		t.Fatalf("deliver event error = %v", err)
	}

	events, err := registry.Events(context.Background(), "cam-0005", 10)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].EventType != "harsh_braking" {
		t.Errorf("EventType = %q, want harsh_braking", events[0].EventType)
	}
}

func TestHandleResult_SettlesCommand(t *testing.T) {
	_, broker, registry := newTestUplink(t)

	if err := broker.deliver(t, "roadhawk/register/cam-0006", `{}`); err != nil {
		t.Fatalf("deliver register error = %v", err)
	}
	cmd, _, err := registry.EnqueueCommand(context.Background(), "cam-0006", "takePhoto", nil)
	if err != nil {
		t.Fatalf("EnqueueCommand() error = %v", err)
	}
	if _, err := registry.DrainPending(context.Background(), "cam-0006"); err != nil {
		t.Fatalf("DrainPending() error = %v", err)
	}

	resultPayload, _ := json.Marshal(resultMessage{CommandID: cmd.ID, Success: true})
	if err := broker.deliver(t, "roadhawk/result/cam-0006", string(resultPayload)); err != nil {
		t.Fatalf("deliver result error = %v", err)
	}

	device, err := registry.Get(context.Background(), "cam-0006")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(device.Commands) != 0 {
		t.Errorf("queue length = %d, want 0 after successful result", len(device.Commands))
	}
}

func TestHandleResult_Unmatched(t *testing.T) {
	_, broker, _ := newTestUplink(t)

	if err := broker.deliver(t, "roadhawk/register/cam-0007", `{}`); err != nil {
		t.Fatalf("deliver register error = %v", err)
	}

	// Unmatched results are logged, not errors: the device acted on
	// something we already evicted.
	err := broker.deliver(t, "roadhawk/result/cam-0007",
		`{"command_id":"ghost","success":true}`)
	if err != nil {
		t.Errorf("unmatched result should not error, got %v", err)
	}
}

func TestHandlePresence_Offline(t *testing.T) {
	_, broker, registry := newTestUplink(t)

	if err := broker.deliver(t, "roadhawk/register/cam-0008", `{"session_id":"sess-x"}`); err != nil {
		t.Fatalf("deliver register error = %v", err)
	}

	err := broker.deliver(t, "roadhawk/presence/cam-0008",
		`{"status":"offline","session_id":"sess-x"}`)
	if err != nil {
		t.Fatalf("deliver presence error = %v", err)
	}

	device, err := registry.Get(context.Background(), "cam-0008")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if device.State != fleet.StateOffline {
		t.Errorf("State = %q, want offline after LWT", device.State)
	}
	if device.SessionID != nil {
		t.Error("SessionID should be cleared after LWT")
	}
}

func TestHandlePresence_OfflineByDeviceID(t *testing.T) {
	_, broker, registry := newTestUplink(t)

	if err := broker.deliver(t, "roadhawk/register/cam-0009", `{}`); err != nil {
		t.Fatalf("deliver register error = %v", err)
	}

	if err := broker.deliver(t, "roadhawk/presence/cam-0009", `{"status":"offline"}`); err != nil {
		t.Fatalf("deliver presence error = %v", err)
	}

	device, err := registry.Get(context.Background(), "cam-0009")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if device.State != fleet.StateOffline {
		t.Errorf("State = %q, want offline", device.State)
	}
}

func TestHandlePresence_OnlineIgnored(t *testing.T) {
	_, broker, registry := newTestUplink(t)

	if err := broker.deliver(t, "roadhawk/presence/cam-0010", `{"status":"online"}`); err != nil {
		t.Fatalf("deliver presence error = %v", err)
	}
	if registry.Count() != 0 {
		t.Error("online presence should not provision a device")
	}
}

func TestSendToSession_PublishesCommand(t *testing.T) {
	u, broker, _ := newTestUplink(t)

	cmd := &fleet.Command{
		ID:         "cmd-1",
		Name:       "takePhoto",
		Params:     fleet.Params{"quality": "high"},
		EnqueuedAt: time.Now().UTC(),
	}

	if err := u.SendToSession(context.Background(), "sess-a", "cam-0011", cmd); err != nil {
		t.Fatalf("SendToSession() error = %v", err)
	}

	msgs := broker.publishedTo("roadhawk/command/cam-0011")
	if len(msgs) != 1 {
		t.Fatalf("got %d published commands, want 1", len(msgs))
	}

	var env commandEnvelope
	if err := json.Unmarshal(msgs[0].payload, &env); err != nil {
		t.Fatalf("unmarshalling envelope: %v", err)
	}
	if env.ID != "cmd-1" || env.Name != "takePhoto" {
		t.Errorf("envelope = %+v, want cmd-1/takePhoto", env)
	}
}

func TestSendToSession_Disconnected(t *testing.T) {
	u, broker, _ := newTestUplink(t)

	broker.mu.Lock()
	broker.connected = false
	broker.mu.Unlock()

	err := u.SendToSession(context.Background(), "sess-a", "cam-0012", &fleet.Command{ID: "c"})
	if err == nil {
		t.Error("SendToSession() should fail when broker is disconnected")
	}
}

func TestDispatchPushesToConnectedDevice(t *testing.T) {
	_, broker, registry := newTestUplink(t)

	if err := broker.deliver(t, "roadhawk/register/cam-0013", `{}`); err != nil {
		t.Fatalf("deliver register error = %v", err)
	}

	dispatcher := fleet.NewDispatcher(registry)
	u2, err := New(Options{Broker: broker, Registry: registry, Dispatcher: dispatcher})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	dispatcher.SetSender(u2)

	result, err := dispatcher.SendCommand(context.Background(), "cam-0013", "reboot", nil, fleet.OriginHTTP)
	if err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	if !result.Pushed {
		t.Error("command to connected device should be pushed")
	}

	if msgs := broker.publishedTo("roadhawk/command/cam-0013"); len(msgs) != 1 {
		t.Errorf("got %d pushed commands, want 1", len(msgs))
	}
}

func TestPublish_MirrorsNotification(t *testing.T) {
	u, broker, _ := newTestUplink(t)

	u.Publish(fleet.Notification{
		Type:      fleet.NotifyDeviceStatusChanged,
		DeviceID:  "cam-0014",
		Timestamp: time.Now().UTC(),
	})

	msgs := broker.publishedTo("roadhawk/core/notify/device_status_changed")
	if len(msgs) != 1 {
		t.Fatalf("got %d notification publishes, want 1", len(msgs))
	}

	var n fleet.Notification
	if err := json.Unmarshal(msgs[0].payload, &n); err != nil {
		t.Fatalf("unmarshalling notification: %v", err)
	}
	if n.DeviceID != "cam-0014" {
		t.Errorf("DeviceID = %q, want cam-0014", n.DeviceID)
	}
}
