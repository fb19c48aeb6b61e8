package mqtt

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// subscribeStatus subscribes to Home Assistant's birth/last-will topic
// so the publisher can re-announce after HA restarts.
func (p *Publisher) subscribeStatus(ctx context.Context, cm *autopaho.ConnectionManager) {
	topic := p.statusTopic()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt status subscribe failed", "topic", topic, "error", err)
		return
	}
	p.logger.Debug("mqtt subscribed to HA status", "topic", topic)
}

// handleStatus reacts to a payload on the HA status topic. Only
// "online" triggers a republish, and at most once per debounce window.
func (p *Publisher) handleStatus(ctx context.Context, payload string) {
	status := strings.TrimSpace(strings.ToLower(payload))
	p.logger.Debug("mqtt HA status received", "status", status)

	if status != "online" {
		return
	}
	if !p.birth.allow(time.Now()) {
		p.logger.Debug("mqtt HA birth ignored, republished recently")
		return
	}

	cm := p.conn()
	if cm == nil {
		return
	}
	p.logger.Info("home assistant came online, republishing discovery")
	p.announce(ctx, cm)
}

// birthDebouncer limits how often an HA birth message may trigger a
// full republish. Retained birth messages are redelivered on every
// resubscribe, which would otherwise double every reconnect announce.
type birthDebouncer struct {
	mu     sync.Mutex
	window time.Duration
	last   time.Time
}

func newBirthDebouncer(window time.Duration) *birthDebouncer {
	return &birthDebouncer{window: window}
}

// allow reports whether a republish may run at now, and records it if so.
func (d *birthDebouncer) allow(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.last.IsZero() && now.Sub(d.last) < d.window {
		return false
	}
	d.last = now
	return true
}

// markAnnounced records an announce that happened for another reason
// (a broker reconnect) so a birth message right after it is skipped.
func (d *birthDebouncer) markAnnounced(now time.Time) {
	d.mu.Lock()
	d.last = now
	d.mu.Unlock()
}
