package mqtt

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nugget/direct4me-bridge/internal/config"
)

func TestBirthDebouncer(t *testing.T) {
	d := newBirthDebouncer(30 * time.Second)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if !d.allow(t0) {
		t.Fatal("first birth should be allowed")
	}
	if d.allow(t0.Add(10 * time.Second)) {
		t.Error("birth inside the window should be suppressed")
	}
	if !d.allow(t0.Add(31 * time.Second)) {
		t.Error("birth after the window should be allowed")
	}
}

func TestBirthDebouncer_MarkAnnounced(t *testing.T) {
	d := newBirthDebouncer(30 * time.Second)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	d.markAnnounced(t0)
	if d.allow(t0.Add(time.Second)) {
		t.Error("birth right after a reconnect announce should be suppressed")
	}
}

func TestHandleStatus_IgnoresOfflineAndUnstarted(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	p := New(config.MQTTConfig{DeviceName: "d4m", DiscoveryPrefix: "homeassistant"}, "id", logger)

	// Offline never consumes the debounce window.
	p.handleStatus(context.Background(), "offline")
	if !p.birth.allow(time.Now()) {
		t.Error("offline status should not touch the debouncer")
	}

	// Online with no connection must not panic.
	p.birth = newBirthDebouncer(time.Second)
	p.handleStatus(context.Background(), " Online\n")

	if !strings.Contains(buf.String(), "status=online") {
		t.Errorf("expected normalized status in log output, got: %s", buf.String())
	}
}
