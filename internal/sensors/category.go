// Package sensors turns a delivery collection into the four status
// entities shown in Home Assistant: upcoming, received, today's arrivals,
// and the delivery log. Each entity's state is a record count; its
// attributes list the matching records.
package sensors

import (
	"time"

	"github.com/nugget/direct4me-bridge/internal/direct4me"
)

// Category selects which deliveries an entity shows.
type Category int

const (
	// Upcoming holds deliveries not yet picked up.
	Upcoming Category = iota
	// Received holds deliveries that have been picked up.
	Received
	// Today holds deliveries dated today (UTC).
	Today
	// Logs holds every delivery record, unfiltered.
	Logs
)

// Categories lists every category in presentation order.
func Categories() []Category {
	return []Category{Upcoming, Received, Today, Logs}
}

var categoryInfo = map[Category]struct {
	key   string
	label string
	icon  string
}{
	Upcoming: {"upcoming_packages", "Upcoming Packages", "mdi:package-variant"},
	Received: {"received_packages", "Received Packages", "mdi:package-variant-closed-check"},
	Today:    {"todays_arrivals", "Today's Arrivals", "mdi:truck-delivery"},
	Logs:     {"delivery_logs", "Delivery Logs", "mdi:text-box-outline"},
}

// String returns the short machine name, e.g. "upcoming_packages".
func (c Category) String() string {
	if info, ok := categoryInfo[c]; ok {
		return info.key
	}
	return "unknown"
}

// Name returns the entity display name.
func (c Category) Name() string {
	return "Direct4me " + categoryInfo[c].label
}

// ObjectID returns the entity object id used in entity ids and topics.
func (c Category) ObjectID() string {
	return "direct4me_" + c.String()
}

// Icon returns the Material Design icon for the entity.
func (c Category) Icon() string {
	return categoryInfo[c].icon
}

// Matches reports whether d belongs in category c. The Today comparison
// uses the date part of the vendor timestamp as written, against the
// UTC calendar date of now.
func Matches(c Category, d direct4me.Delivery, now time.Time) bool {
	switch c {
	case Upcoming:
		return !d.FlagPackageHandled
	case Received:
		return d.FlagPackageHandled
	case Today:
		return d.Date.Date() == now.UTC().Format(time.DateOnly)
	case Logs:
		return true
	}
	return false
}
