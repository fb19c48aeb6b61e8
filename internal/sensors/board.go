package sensors

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/nugget/direct4me-bridge/internal/direct4me"
)

// Attribute keys as shown in Home Assistant.
const (
	AttrDeliveries = "Deliveries"
	AttrLogs       = "Logs"
)

// DeliveryAttributes is one entry of the Deliveries attribute list.
type DeliveryAttributes struct {
	BoxName        string `json:"Box Name"`
	Company        string `json:"Company"`
	DeliveryDate   string `json:"Delivery Date"`
	ToUser         string `json:"To User"`
	FromUser       string `json:"From User"`
	Location       string `json:"Location"`
	TrackingNumber string `json:"Tracking Number"`
	ReservedTo     string `json:"Reserved To"`
	AuthorisedFrom string `json:"Authorised From"`
	AuthorisedTo   string `json:"Authorised To"`
	LastAccess     string `json:"Last Access"`
}

func newDeliveryAttributes(d direct4me.Delivery) DeliveryAttributes {
	return DeliveryAttributes{
		BoxName:        d.BoxName,
		Company:        d.CompanyName,
		DeliveryDate:   d.Date.Raw,
		ToUser:         d.ToUserDisplayName,
		FromUser:       d.FromUserDisplayName,
		Location:       d.Location(),
		TrackingNumber: d.TrackingNumber,
		ReservedTo:     d.ReservedTo,
		AuthorisedFrom: d.AuthorisedFrom,
		AuthorisedTo:   d.AuthorisedTo,
		LastAccess:     d.LastAccess,
	}
}

// Snapshot is the published view of one entity.
type Snapshot struct {
	Category   Category
	Name       string
	ObjectID   string
	Icon       string
	State      int
	Attributes map[string]any
	Updated    time.Time
}

// Board holds the current list for every category. It is safe for
// concurrent use: the poller writes while sinks read.
type Board struct {
	mu      sync.RWMutex
	lists   map[Category][]direct4me.Delivery
	updated time.Time
}

// NewBoard returns an empty board.
func NewBoard() *Board {
	return &Board{lists: make(map[Category][]direct4me.Delivery)}
}

// Update recomputes every list from coll. A nil collection means the
// cycle produced nothing; the previous lists are kept and Update
// reports false.
func (b *Board) Update(coll *direct4me.DeliveryCollection, now time.Time) bool {
	if coll == nil {
		return false
	}

	lists := make(map[Category][]direct4me.Delivery, len(categoryInfo))
	for _, c := range Categories() {
		lists[c] = []direct4me.Delivery{}
	}
	for _, d := range coll.Data {
		for _, c := range Categories() {
			if Matches(c, d, now) {
				lists[c] = append(lists[c], d)
			}
		}
	}

	b.mu.Lock()
	b.lists = lists
	b.updated = now
	b.mu.Unlock()
	return true
}

// Ready reports whether the board has received at least one collection.
func (b *Board) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.updated.IsZero()
}

// Updated returns when the lists were last replaced.
func (b *Board) Updated() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}

// Count returns the number of deliveries in category c.
func (b *Board) Count(c Category) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.lists[c])
}

// Snapshot returns the published view of category c.
func (b *Board) Snapshot(c Category) Snapshot {
	b.mu.RLock()
	list := b.lists[c]
	updated := b.updated
	b.mu.RUnlock()

	return Snapshot{
		Category:   c,
		Name:       c.Name(),
		ObjectID:   c.ObjectID(),
		Icon:       c.Icon(),
		State:      len(list),
		Attributes: attributes(c, list),
		Updated:    updated,
	}
}

// Snapshots returns the views of all four categories.
func (b *Board) Snapshots() []Snapshot {
	cats := Categories()
	out := make([]Snapshot, 0, len(cats))
	for _, c := range cats {
		out = append(out, b.Snapshot(c))
	}
	return out
}

func attributes(c Category, list []direct4me.Delivery) map[string]any {
	if c == Logs {
		logs := make([]json.RawMessage, 0, len(list))
		for _, d := range list {
			logs = append(logs, d.Raw)
		}
		return map[string]any{AttrLogs: logs}
	}

	entries := make([]DeliveryAttributes, 0, len(list))
	for _, d := range list {
		entries = append(entries, newDeliveryAttributes(d))
	}
	return map[string]any{AttrDeliveries: entries}
}
