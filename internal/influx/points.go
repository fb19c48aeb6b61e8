package influx

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nugget/direct4me-bridge/internal/poller"
)

// Measurement names.
const (
	MeasurementDeliveries = "direct4me_deliveries"
	MeasurementPoll       = "direct4me_poll"
)

// Points converts a report into one deliveries point per category and
// one poll-health point. The poll's attempt time is used as the point
// time when set, otherwise now.
func Points(r poller.Report, device string, now time.Time) []*write.Point {
	ts := r.Status.LastAttempt
	if ts.IsZero() {
		ts = now
	}

	points := make([]*write.Point, 0, len(r.Snapshots)+1)
	for _, s := range r.Snapshots {
		points = append(points, write.NewPoint(
			MeasurementDeliveries,
			map[string]string{
				"device":   device,
				"category": s.Category.String(),
			},
			map[string]any{
				"count": s.State,
			},
			ts,
		))
	}

	points = append(points, write.NewPoint(
		MeasurementPoll,
		map[string]string{"device": device},
		map[string]any{
			"healthy":              r.Status.Healthy(),
			"consecutive_failures": r.Status.ConsecutiveFailures,
		},
		ts,
	))
	return points
}
