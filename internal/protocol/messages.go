// Package protocol defines the push payloads delivered by the websocket
// service and validates them at the boundary.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xiaot623/gridview/internal/domain"
)

// Conversation payload types
const (
	TypeChat  = "chat"
	TypeAlert = "alert"
)

var (
	// ErrMalformed is returned for payloads that cannot be interpreted.
	ErrMalformed = errors.New("malformed payload")
	// ErrUnknownType is returned for tagged payloads with an unrecognized type.
	ErrUnknownType = errors.New("unknown payload type")
	// ErrMissingValue is returned for telemetry payloads without a value.
	ErrMissingValue = errors.New("telemetry payload has no value")
)

// BaseMessage contains the discriminant shared by tagged payloads.
type BaseMessage struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts,omitempty"`
}

// ChatMessage is the wire form of a conversation message.
type ChatMessage struct {
	BaseMessage
	UserID string `json:"user_id"`
	Text   string `json:"text"`
	Sender string `json:"sender"`
}

// AlertMessage is the wire form of an alert.
type AlertMessage struct {
	BaseMessage
	Message string `json:"message"`
}

// Event is a validated conversation push payload: *ChatEvent or *AlertEvent.
type Event interface {
	eventType() string
}

// ChatEvent is a conversation message delivered on the push path.
// Legacy is set for untagged plain-text payloads, which carry no sender.
type ChatEvent struct {
	SubjectID string
	Sender    domain.Sender
	Text      string
	Legacy    bool
}

// AlertEvent is surfaced to the viewer as-is.
type AlertEvent struct {
	Message string
}

func (*ChatEvent) eventType() string  { return TypeChat }
func (*AlertEvent) eventType() string { return TypeAlert }

// ParseConversation decodes one conversation push payload.
func ParseConversation(data []byte) (Event, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}

	switch trimmed[0] {
	case '{':
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return legacyText(text)
	default:
		return legacyText(string(trimmed))
	}

	var base BaseMessage
	if err := json.Unmarshal(trimmed, &base); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch base.Type {
	case TypeChat:
		var msg ChatMessage
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		sender, ok := domain.ParseSender(msg.Sender)
		if !ok {
			return nil, fmt.Errorf("%w: unknown sender %q", ErrMalformed, msg.Sender)
		}
		if msg.Text == "" {
			return nil, fmt.Errorf("%w: chat payload without text", ErrMalformed)
		}
		return &ChatEvent{SubjectID: msg.UserID, Sender: sender, Text: msg.Text}, nil

	case TypeAlert:
		var msg AlertMessage
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if msg.Message == "" {
			return nil, fmt.Errorf("%w: alert payload without message", ErrMalformed)
		}
		return &AlertEvent{Message: msg.Message}, nil

	case "":
		return nil, fmt.Errorf("%w: object payload without type", ErrMalformed)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, base.Type)
	}
}

func legacyText(text string) (Event, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty text", ErrMalformed)
	}
	return &ChatEvent{Text: text, Legacy: true}, nil
}

// MeasurementMessage is the wire form of a telemetry sample. Older
// producers send measurement_value; newer ones send value.
type MeasurementMessage struct {
	DeviceID         string          `json:"device_id"`
	UserID           string          `json:"user_id"`
	Timestamp        json.RawMessage `json:"timestamp"`
	MeasurementValue *float64        `json:"measurement_value,omitempty"`
	Value            *float64        `json:"value,omitempty"`
}

// Measurement timestamps without a zone are wall-clock times in the
// viewer's location.
const measurementLayout = "2006-01-02 15:04:05"

// ParseSample decodes one telemetry push payload. loc is used for
// timestamps that carry no zone.
func ParseSample(data []byte, loc *time.Location) (domain.Sample, error) {
	var msg MeasurementMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.Sample{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	value := msg.Value
	if value == nil {
		value = msg.MeasurementValue
	}
	if value == nil {
		return domain.Sample{}, ErrMissingValue
	}

	ts, err := parseTimestamp(msg.Timestamp, loc)
	if err != nil {
		return domain.Sample{}, err
	}

	return domain.Sample{
		DeviceID:  msg.DeviceID,
		OwnerID:   msg.UserID,
		Timestamp: ts,
		Value:     *value,
	}, nil
}

func parseTimestamp(raw json.RawMessage, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, fmt.Errorf("%w: missing timestamp", ErrMalformed)
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, nil
		}
		if t, err := time.ParseInLocation(measurementLayout, s, loc); err == nil {
			return t, nil
		}
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q", ErrMalformed, s)
	}

	n, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %s", ErrMalformed, string(raw))
	}
	// Epoch values above 1e12 are milliseconds.
	if n > 1e12 {
		return time.UnixMilli(int64(n)), nil
	}
	sec := int64(n)
	return time.Unix(sec, int64((n-float64(sec))*1e9)), nil
}
