package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/direct4me-bridge/internal/config"
	"github.com/nugget/direct4me-bridge/internal/poller"
	"github.com/nugget/direct4me-bridge/internal/sensors"
)

// errNotStarted is returned when publishing before Start connected.
var errNotStarted = errors.New("mqtt publisher not started")

// Diagnostic entity suffixes.
const (
	entityLastPoll     = "last_poll"
	entityTokenExpiry  = "token_expiry"
	entityPollFailures = "poll_failures"
)

// Publisher manages the MQTT connection, publishes HA discovery config
// messages on (re-)connect, and pushes sensor state after each poll.
// It implements [poller.Sink].
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	logger     *slog.Logger
	birth      *birthDebouncer

	mu   sync.Mutex
	cm   *autopaho.ConnectionManager
	last *poller.Report
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection.
func New(cfg config.MQTTConfig, instanceID string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		logger:     logger,
		birth:      newBirthDebouncer(30 * time.Second),
	}
}

// Name identifies the sink in logs.
func (p *Publisher) Name() string { return "mqtt" }

// Start connects to the broker and blocks until ctx is cancelled. On
// every (re-)connect it publishes discovery configs, a birth message and
// the latest report, and subscribes to the HA status topic.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.birth.markAnnounced(time.Now())
			p.announce(ctx, cm)
			p.subscribeStatus(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "direct4me-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					if pr.Packet.Topic != p.statusTopic() {
						return false, nil
					}
					p.handleStatus(ctx, string(pr.Packet.Payload))
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	<-ctx.Done()
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds how long that
// may take.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. Used by connwatch health probes.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return errNotStarted
	}
	return cm.AwaitConnection(ctx)
}

func (p *Publisher) conn() *autopaho.ConnectionManager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cm
}

// Publish sends the report's sensor states and attributes. The report
// is remembered so it can be replayed after a reconnect.
func (p *Publisher) Publish(ctx context.Context, r poller.Report) error {
	p.mu.Lock()
	p.last = &r
	cm := p.cm
	p.mu.Unlock()

	if cm == nil {
		return errNotStarted
	}
	return p.publishReport(ctx, cm, r)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "direct4me/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) attributesTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/attributes"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

func (p *Publisher) statusTopic() string {
	return p.cfg.DiscoveryPrefix + "/status"
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	avail := p.availabilityTopic()

	defs := make([]sensorDef, 0, len(sensors.Categories())+3)
	for _, c := range sensors.Categories() {
		id := c.ObjectID()
		defs = append(defs, sensorDef{
			entitySuffix: id,
			config: SensorConfig{
				Name:                c.Name(),
				ObjectID:            id,
				UniqueID:            p.instanceID + "_" + c.String(),
				StateTopic:          p.stateTopic(id),
				JsonAttributesTopic: p.attributesTopic(id),
				AvailabilityTopic:   avail,
				Device:              p.device,
				Icon:                c.Icon(),
				UnitOfMeasurement:   "packages",
				StateClass:          "measurement",
			},
		})
	}

	diag := []struct {
		suffix, name, icon, deviceClass, stateClass string
	}{
		{entityLastPoll, "Direct4me Last Poll", "mdi:clock-check", "timestamp", ""},
		{entityTokenExpiry, "Direct4me Token Expiry", "mdi:key-chain", "timestamp", ""},
		{entityPollFailures, "Direct4me Poll Failures", "mdi:alert-circle-outline", "", "measurement"},
	}
	for _, d := range diag {
		id := "direct4me_" + d.suffix
		defs = append(defs, sensorDef{
			entitySuffix: id,
			config: SensorConfig{
				Name:              d.name,
				ObjectID:          id,
				UniqueID:          p.instanceID + "_" + d.suffix,
				StateTopic:        p.stateTopic(id),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              d.icon,
				DeviceClass:       d.deviceClass,
				StateClass:        d.stateClass,
				EntityCategory:    "diagnostic",
			},
		})
	}
	return defs
}

// announce runs on every (re-)connect and on HA birth messages.
func (p *Publisher) announce(ctx context.Context, cm *autopaho.ConnectionManager) {
	p.publishDiscovery(ctx, cm)
	p.publishAvailability(ctx, cm, "online")

	p.mu.Lock()
	last := p.last
	p.mu.Unlock()
	if last != nil {
		if err := p.publishReport(ctx, cm, *last); err != nil {
			p.logger.Warn("mqtt state replay failed", "error", err)
		}
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", s.entitySuffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published",
				"entity", s.entitySuffix, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- State ---

// statePayloads renders a report into topic/payload pairs.
func (p *Publisher) statePayloads(r poller.Report) (map[string][]byte, error) {
	out := make(map[string][]byte, 2*len(r.Snapshots)+3)

	for _, s := range r.Snapshots {
		attrs, err := json.Marshal(s.Attributes)
		if err != nil {
			return nil, fmt.Errorf("marshal %s attributes: %w", s.ObjectID, err)
		}
		out[p.stateTopic(s.ObjectID)] = []byte(strconv.Itoa(s.State))
		out[p.attributesTopic(s.ObjectID)] = attrs
	}

	out[p.stateTopic("direct4me_"+entityLastPoll)] = timestampPayload(r.Status.LastSuccess)
	out[p.stateTopic("direct4me_"+entityTokenExpiry)] = timestampPayload(r.Status.TokenExpiry)
	out[p.stateTopic("direct4me_"+entityPollFailures)] = []byte(strconv.Itoa(r.Status.ConsecutiveFailures))
	return out, nil
}

// timestampPayload formats t for a timestamp sensor. HA reads "None" as
// an unknown state.
func timestampPayload(t time.Time) []byte {
	if t.IsZero() {
		return []byte("None")
	}
	return []byte(t.UTC().Format(time.RFC3339))
}

func (p *Publisher) publishReport(ctx context.Context, cm *autopaho.ConnectionManager, r poller.Report) error {
	payloads, err := p.statePayloads(r)
	if err != nil {
		return err
	}

	var errs []error
	for topic, payload := range payloads {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     0,
			Retain:  true,
		}); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", topic, err))
		}
	}

	p.logger.Debug("mqtt sensor states published",
		"topics", len(payloads), "failed", len(errs))
	return errors.Join(errs...)
}
