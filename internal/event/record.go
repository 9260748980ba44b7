// Package event decodes Home Assistant state-change records from the message bus.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var (
	// ErrMalformedRecord marks a payload that cannot become a Record. Such records are dropped.
	ErrMalformedRecord = errors.New("malformed record")
	// ErrUnknownEntityType is a warning: Decode still returns a usable record typed GenericType.
	ErrUnknownEntityType = errors.New("unknown entity type")
)

const GenericType = "generic"

// KnownTypes are the entity categories the inference engine understands.
var KnownTypes = map[string]struct{}{
	"sensor":         {},
	"binary_sensor":  {},
	"light":          {},
	"switch":         {},
	"fan":            {},
	"climate":        {},
	"cover":          {},
	"lock":           {},
	"media_player":   {},
	"vacuum":         {},
	"water_heater":   {},
	"person":         {},
	"device_tracker": {},
	"presence":       {},
	"power":          {},
	"energy":         {},
	"input_boolean":  {},
	"automation":     {},
	"scene":          {},
}

// eventNamespace seeds derived event ids so the same observation always maps to the same id.
var eventNamespace = uuid.MustParse("6f1c7c1e-4a55-4bd4-9a0e-6c3a2b1f9d10")

// Record is a validated state-change observation.
type Record struct {
	EntityID   string         `json:"entity_id"`
	Type       string         `json:"type"`
	Value      string         `json:"value"`
	Timestamp  time.Time      `json:"timestamp"`
	Attributes map[string]any `json:"attributes,omitempty"`
	EventID    string         `json:"event_id"`
}

// wireRecord mirrors the bus schema before validation.
type wireRecord struct {
	EntityID   string          `json:"entity_id" validate:"required,max=255"`
	Type       string          `json:"type" validate:"max=64"`
	Value      json.RawMessage `json:"value" validate:"required"`
	Timestamp  string          `json:"timestamp" validate:"required"`
	Attributes map[string]any  `json:"attributes"`
	EventID    string          `json:"event_id" validate:"max=255"`
}

// haEnvelope is the Home Assistant event-stream form of a state change.
type haEnvelope struct {
	EventType string `json:"event_type"`
	EventData struct {
		EntityID string `json:"entity_id"`
		NewState *struct {
			State       json.RawMessage `json:"state"`
			LastChanged string          `json:"last_changed"`
			LastUpdated string          `json:"last_updated"`
			Attributes  map[string]any  `json:"attributes"`
			Context     struct {
				ID string `json:"id"`
			} `json:"context"`
		} `json:"new_state"`
	} `json:"event_data"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Decode parses and validates a bus payload.
//
// A nil error means the record is fully valid. An error matching ErrUnknownEntityType comes
// with a usable record (Type == GenericType); any error matching ErrMalformedRecord comes with
// a zero Record.
func Decode(payload []byte) (Record, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return Record{}, fmt.Errorf("%w: empty payload", ErrMalformedRecord)
	}

	var w wireRecord
	if isStateChangedEnvelope(payload) {
		var env haEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return Record{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
		}
		if env.EventData.NewState == nil {
			return Record{}, fmt.Errorf("%w: state_changed without new_state", ErrMalformedRecord)
		}
		ns := env.EventData.NewState
		w = wireRecord{
			EntityID:   env.EventData.EntityID,
			Value:      ns.State,
			Timestamp:  firstNonEmpty(ns.LastUpdated, ns.LastChanged),
			Attributes: ns.Attributes,
			EventID:    ns.Context.ID,
		}
	} else if err := json.Unmarshal(payload, &w); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}

	w.EntityID = strings.TrimSpace(w.EntityID)
	w.Timestamp = strings.TrimSpace(w.Timestamp)
	if err := validate.Struct(w); err != nil {
		return Record{}, fmt.Errorf("%w: %s", ErrMalformedRecord, describeValidation(err))
	}

	value, err := renderValue(w.Value)
	if err != nil {
		return Record{}, fmt.Errorf("%w: value: %v", ErrMalformedRecord, err)
	}
	ts, err := ParseTimestamp(w.Timestamp)
	if err != nil {
		return Record{}, fmt.Errorf("%w: timestamp: %v", ErrMalformedRecord, err)
	}

	rec := Record{
		EntityID:   w.EntityID,
		Type:       strings.ToLower(strings.TrimSpace(w.Type)),
		Value:      value,
		Timestamp:  ts,
		Attributes: w.Attributes,
		EventID:    strings.TrimSpace(w.EventID),
	}
	if rec.EventID == "" {
		rec.EventID = DeriveEventID(rec.EntityID, rec.Timestamp, rec.Value)
	}
	if rec.Type == "" {
		rec.Type = domainOf(rec.EntityID)
	}
	if _, ok := KnownTypes[rec.Type]; !ok {
		original := rec.Type
		rec.Type = GenericType
		return rec, fmt.Errorf("%w: %q", ErrUnknownEntityType, original)
	}
	return rec, nil
}

// DeriveEventID returns the deterministic id used when the producer sent none.
func DeriveEventID(entityID string, ts time.Time, value string) string {
	key := entityID + "|" + ts.UTC().Format(time.RFC3339Nano) + "|" + value
	return uuid.NewSHA1(eventNamespace, []byte(key)).String()
}

// ParseTimestamp accepts RFC 3339 and zone-less ISO-8601 (read as UTC).
func ParseTimestamp(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", v)
}

// Name returns the display name carried in the record attributes.
func (r Record) Name() string {
	return attrString(r.Attributes, "friendly_name", "name")
}

// Room returns the room/area carried in the record attributes.
func (r Record) Room() string {
	return attrString(r.Attributes, "room", "area", "area_id")
}

// Numeric returns the value as a float when it parses as one.
func (r Record) Numeric() (float64, bool) {
	return ParseNumeric(r.Value)
}

func ParseNumeric(v string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func isStateChangedEnvelope(payload []byte) bool {
	var probe struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return false
	}
	return probe.EventType == "state_changed"
}

func renderValue(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", errors.New("missing value")
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case '{', '[':
		return "", errors.New("value must be a scalar")
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		if b {
			return "on", nil
		}
		return "off", nil
	}
	return "", fmt.Errorf("unsupported value %s", string(raw))
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}

func domainOf(entityID string) string {
	if i := strings.IndexByte(entityID, '.'); i > 0 {
		return strings.ToLower(entityID[:i])
	}
	return ""
}

func attrString(attrs map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := attrs[k].(string); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
