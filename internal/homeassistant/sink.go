package homeassistant

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/nugget/direct4me-bridge/internal/poller"
)

// ErrUnavailable is returned by StateSink when the connection watcher
// reports Home Assistant down.
var ErrUnavailable = errors.New("home assistant unavailable")

// lastPollEntity is the diagnostic entity written alongside the
// delivery sensors.
const lastPollEntity = "sensor.direct4me_last_poll"

// StateSink pushes each poll report into HA as sensor.* entities. It
// implements [poller.Sink].
type StateSink struct {
	client *Client
	logger *slog.Logger
}

// NewStateSink wraps a client as a poller sink.
func NewStateSink(client *Client, logger *slog.Logger) *StateSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateSink{client: client, logger: logger}
}

// Name identifies the sink in logs.
func (s *StateSink) Name() string { return "homeassistant" }

// Publish writes one entity per snapshot plus the last-poll timestamp.
// Every entity is attempted even if an earlier one fails.
func (s *StateSink) Publish(ctx context.Context, r poller.Report) error {
	if !s.client.IsReady() {
		return ErrUnavailable
	}

	var errs []error
	for _, snap := range r.Snapshots {
		attrs := make(map[string]any, len(snap.Attributes)+4)
		for k, v := range snap.Attributes {
			attrs[k] = v
		}
		attrs["friendly_name"] = snap.Name
		attrs["icon"] = snap.Icon
		attrs["unit_of_measurement"] = "packages"
		attrs["state_class"] = "measurement"

		entityID := "sensor." + snap.ObjectID
		if _, err := s.client.SetState(ctx, entityID, strconv.Itoa(snap.State), attrs); err != nil {
			errs = append(errs, err)
			continue
		}
		s.logger.Debug("entity state written", "entity_id", entityID, "state", snap.State)
	}

	if !r.Status.LastSuccess.IsZero() {
		_, err := s.client.SetState(ctx, lastPollEntity, r.Status.LastSuccess.UTC().Format(time.RFC3339), map[string]any{
			"friendly_name":        "Direct4me Last Poll",
			"device_class":         "timestamp",
			"icon":                 "mdi:clock-check",
			"consecutive_failures": r.Status.ConsecutiveFailures,
		})
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
