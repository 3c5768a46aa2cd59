package domain

import "time"

// Message is a single entry in a support conversation.
type Message struct {
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	SubjectID string    `json:"subject_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the discovery view of one active conversation. It is owned
// by the chat service and refreshed wholesale on every poll.
type Session struct {
	SubjectID      string    `json:"subject_id"`
	AdminRequested bool      `json:"admin_requested"`
	AdminJoined    bool      `json:"admin_joined"`
	LastActiveAt   time.Time `json:"last_active_at"`
	MessageCount   int       `json:"message_count"`
	LastMessage    string    `json:"last_message,omitempty"`
}

// Sample is one live telemetry measurement.
type Sample struct {
	DeviceID  string    `json:"device_id"`
	OwnerID   string    `json:"owner_id"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// HourlyValue is one entry of a historical daily aggregate.
type HourlyValue struct {
	Hour  int     `json:"hour"`
	Value float64 `json:"value"`
}

// Device is a catalog entry as listed by the device service.
type Device struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Consumption int    `json:"consumption"`
}

// Unassigned is the owner shown for a device whose owner is unknown.
const Unassigned = "unassigned"

// DeviceOwnership pairs a device with its resolved owner.
type DeviceOwnership struct {
	DeviceID string `json:"device_id"`
	OwnerID  string `json:"owner_id"`
}
