package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/direct4me-bridge/internal/config"
	"github.com/nugget/direct4me-bridge/internal/direct4me"
	"github.com/nugget/direct4me-bridge/internal/poller"
	"github.com/nugget/direct4me-bridge/internal/sensors"
)

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:          "mqtt://localhost:1883",
		DeviceName:      "direct4me",
		DiscoveryPrefix: "homeassistant",
	}
}

func TestLoadOrCreateInstanceID_CreatesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != id {
		t.Errorf("file content = %q, want %q", got, id)
	}
	if parts := strings.Split(id, "-"); len(parts) != 5 {
		t.Errorf("id %q does not look like a UUID", id)
	}
}

func TestLoadOrCreateInstanceID_ReturnsExisting(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}
	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}
}

func TestLoadOrCreateInstanceID_ReplacesGarbage(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "instance_id"), []byte("not-a-uuid\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatal(err)
	}
	if id == "not-a-uuid" {
		t.Error("garbage instance id should be replaced")
	}
}

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo("test-instance-id", "locker")
	if info.Name != "locker" {
		t.Errorf("Name = %q, want %q", info.Name, "locker")
	}
	if len(info.Identifiers) != 1 || info.Identifiers[0] != "test-instance-id" {
		t.Errorf("Identifiers = %v, want [test-instance-id]", info.Identifiers)
	}
	if info.Manufacturer != "Direct4.me" {
		t.Errorf("Manufacturer = %q", info.Manufacturer)
	}
}

func TestPublisher_TopicPaths(t *testing.T) {
	p := New(testConfig(), "test-id", nil)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"baseTopic", p.baseTopic(), "direct4me/direct4me"},
		{"availabilityTopic", p.availabilityTopic(), "direct4me/direct4me/availability"},
		{"stateTopic", p.stateTopic("direct4me_upcoming_packages"), "direct4me/direct4me/direct4me_upcoming_packages/state"},
		{"attributesTopic", p.attributesTopic("direct4me_delivery_logs"), "direct4me/direct4me/direct4me_delivery_logs/attributes"},
		{"discoveryTopic", p.discoveryTopic("sensor", "direct4me_todays_arrivals"), "homeassistant/sensor/direct4me/direct4me_todays_arrivals/config"},
		{"statusTopic", p.statusTopic(), "homeassistant/status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublisher_SensorDefinitions(t *testing.T) {
	p := New(testConfig(), "instance-123", nil)
	defs := p.sensorDefinitions()

	expected := map[string]string{
		"direct4me_upcoming_packages": "Direct4me Upcoming Packages",
		"direct4me_received_packages": "Direct4me Received Packages",
		"direct4me_todays_arrivals":   "Direct4me Today's Arrivals",
		"direct4me_delivery_logs":     "Direct4me Delivery Logs",
		"direct4me_last_poll":         "Direct4me Last Poll",
		"direct4me_token_expiry":      "Direct4me Token Expiry",
		"direct4me_poll_failures":     "Direct4me Poll Failures",
	}
	if len(defs) != len(expected) {
		t.Fatalf("got %d sensor definitions, want %d", len(defs), len(expected))
	}

	seen := make(map[string]bool)
	for _, d := range defs {
		want, ok := expected[d.entitySuffix]
		if !ok {
			t.Errorf("unexpected sensor %q", d.entitySuffix)
			continue
		}
		seen[d.entitySuffix] = true

		if d.config.Name != want {
			t.Errorf("sensor %s: Name = %q, want %q", d.entitySuffix, d.config.Name, want)
		}
		if d.config.ObjectID != d.entitySuffix {
			t.Errorf("sensor %s: ObjectID = %q", d.entitySuffix, d.config.ObjectID)
		}
		if d.config.AvailabilityTopic != "direct4me/direct4me/availability" {
			t.Errorf("sensor %s: AvailabilityTopic = %q", d.entitySuffix, d.config.AvailabilityTopic)
		}
		if !strings.HasPrefix(d.config.UniqueID, "instance-123_") {
			t.Errorf("sensor %s: UniqueID = %q", d.entitySuffix, d.config.UniqueID)
		}
		if len(d.config.Device.Identifiers) == 0 {
			t.Errorf("sensor %s: Device.Identifiers is empty", d.entitySuffix)
		}

		isDiag := d.config.EntityCategory == "diagnostic"
		hasAttrs := d.config.JsonAttributesTopic != ""
		if isDiag == hasAttrs {
			t.Errorf("sensor %s: diagnostic=%v attributes=%v, want exactly one", d.entitySuffix, isDiag, hasAttrs)
		}
	}
	for id := range expected {
		if !seen[id] {
			t.Errorf("missing sensor definition for %q", id)
		}
	}
}

func TestPublisher_StatePayloads(t *testing.T) {
	p := New(testConfig(), "id", nil)

	coll, err := direct4me.DecodeDeliveries([]byte(`{"Result":0,"Data":[
		{"FlagPackageHandled":false,"Date":"2024-01-01T10:00:00","BoxName":"B1"}
	]}`))
	if err != nil {
		t.Fatal(err)
	}
	board := sensors.NewBoard()
	board.Update(coll, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))

	success := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	payloads, err := p.statePayloads(poller.Report{
		Snapshots: board.Snapshots(),
		Status:    poller.Status{LastSuccess: success, ConsecutiveFailures: 2},
	})
	if err != nil {
		t.Fatal(err)
	}

	checks := map[string]string{
		"direct4me/direct4me/direct4me_upcoming_packages/state": "1",
		"direct4me/direct4me/direct4me_received_packages/state": "0",
		"direct4me/direct4me/direct4me_last_poll/state":         "2024-03-01T09:00:00Z",
		"direct4me/direct4me/direct4me_token_expiry/state":      "None",
		"direct4me/direct4me/direct4me_poll_failures/state":     "2",
	}
	for topic, want := range checks {
		if got := string(payloads[topic]); got != want {
			t.Errorf("%s = %q, want %q", topic, got, want)
		}
	}

	var attrs map[string][]map[string]string
	if err := json.Unmarshal(payloads["direct4me/direct4me/direct4me_upcoming_packages/attributes"], &attrs); err != nil {
		t.Fatalf("attributes payload: %v", err)
	}
	if got := attrs[sensors.AttrDeliveries][0]["Box Name"]; got != "B1" {
		t.Errorf("Box Name = %q, want B1", got)
	}
}

func TestPublisher_PublishBeforeStart(t *testing.T) {
	p := New(testConfig(), "id", nil)

	err := p.Publish(context.Background(), poller.Report{})
	if !errors.Is(err, errNotStarted) {
		t.Errorf("Publish() error = %v, want errNotStarted", err)
	}
	if p.last == nil {
		t.Error("report should be remembered for replay after connect")
	}
	if err := p.AwaitConnection(context.Background()); !errors.Is(err, errNotStarted) {
		t.Errorf("AwaitConnection() error = %v", err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop() before Start should be a no-op, got %v", err)
	}
}

func TestSensorConfig_JSON(t *testing.T) {
	cfg := SensorConfig{
		Name:              "Test",
		UniqueID:          "test_1",
		StateTopic:        "direct4me/test/state",
		AvailabilityTopic: "direct4me/test/availability",
		DeviceClass:       "timestamp",
		Device:            DeviceInfo{Identifiers: []string{"id"}, Name: "d"},
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, `"device_class":"timestamp"`) {
		t.Errorf("expected device_class in JSON:\n%s", s)
	}
	if strings.Contains(s, `"json_attributes_topic"`) {
		t.Errorf("json_attributes_topic should be omitted when empty:\n%s", s)
	}
}

func TestMQTTConfig_Configured(t *testing.T) {
	if (config.MQTTConfig{}).Configured() {
		t.Error("empty config should not be configured")
	}
	if !testConfig().Configured() {
		t.Error("config with broker should be configured")
	}
}
