package direct4me

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// vendorLayouts are the timestamp formats seen in vendor responses. The
// API usually omits the zone; such values are interpreted as UTC.
var vendorLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Timestamp is a vendor timestamp. The raw string is kept because it is
// what Home Assistant attributes display.
type Timestamp struct {
	Raw  string
	Time time.Time
}

// ParseTimestamp parses a vendor timestamp string.
func ParseTimestamp(s string) (Timestamp, error) {
	for _, layout := range vendorLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Timestamp{Raw: s, Time: t}, nil
		}
	}
	return Timestamp{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// Date returns the calendar date portion as written by the vendor.
func (t Timestamp) Date() string {
	return t.Time.Format(time.DateOnly)
}

// IsZero reports whether the timestamp was absent.
func (t Timestamp) IsZero() bool {
	return t.Raw == ""
}

// UnmarshalJSON accepts a string or null.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if s == "" {
		*t = Timestamp{}
		return nil
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MarshalJSON writes the raw vendor string back out.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Raw)
}

// Delivery is one parcel-locker delivery record.
type Delivery struct {
	Date                Timestamp `json:"Date"`
	FlagPackageHandled  bool      `json:"FlagPackageHandled"`
	BoxName             string    `json:"BoxName"`
	CompanyName         string    `json:"CompanyName"`
	ToUserDisplayName   string    `json:"ToUserDisplayName"`
	FromUserDisplayName string    `json:"FromUserDisplayName"`
	BoxArrayAddress     string    `json:"BoxArrayAddress"`
	BoxArrayCity        string    `json:"BoxArrayCity"`
	TrackingNumber      string    `json:"TrackingNumber"`
	ReservedTo          string    `json:"ReservedTo"`
	AuthorisedFrom      string    `json:"AuthorisedFrom"`
	AuthorisedTo        string    `json:"AuthorisedTo"`
	LastAccess          string    `json:"LastAccess"`

	// Raw is the record exactly as the vendor sent it, including
	// fields this type does not model.
	Raw json.RawMessage `json:"-"`
}

// errMissingDate is returned for records without a Date.
var errMissingDate = errors.New("missing Date")

// UnmarshalJSON decodes a delivery and rejects records without a Date.
func (d *Delivery) UnmarshalJSON(data []byte) error {
	type plain Delivery
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.Date.IsZero() {
		return errMissingDate
	}
	p.Raw = append(json.RawMessage(nil), data...)
	*d = Delivery(p)
	return nil
}

// Location formats the locker address the way the vendor app shows it.
func (d Delivery) Location() string {
	return d.BoxArrayAddress + ", " + d.BoxArrayCity
}

// DeliveryCollection is the GetDeliveries response envelope.
type DeliveryCollection struct {
	Result  int        `json:"Result"`
	Message string     `json:"Message,omitempty"`
	Data    []Delivery `json:"Data"`
}

// DecodeDeliveries decodes a GetDeliveries body. Any malformed record
// rejects the whole collection.
func DecodeDeliveries(body []byte) (*DeliveryCollection, error) {
	var c DeliveryCollection
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return &c, nil
}

// signOnRequest is the SignOn request body.
type signOnRequest struct {
	Username string `json:"Username"`
	Password string `json:"Password"`
}

// signOnResponse is the SignOn response body. Data holds the token on
// success and is often null otherwise.
type signOnResponse struct {
	Result  *int            `json:"Result"`
	Message string          `json:"Message"`
	Data    json.RawMessage `json:"Data"`
}
