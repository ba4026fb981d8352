package model

import (
	"strings"
	"time"
)

// Status is the normalized operating state reported by a sensor.
type Status string

const (
	StatusNormal  Status = "normal"
	StatusAlert   Status = "alert"
	StatusError   Status = "error"
	StatusUnknown Status = "unknown"
)

// ParseStatus lower-cases s and maps anything unrecognized to StatusUnknown.
func ParseStatus(s string) Status {
	switch st := Status(strings.ToLower(s)); st {
	case StatusNormal, StatusAlert, StatusError, StatusUnknown:
		return st
	default:
		return StatusUnknown
	}
}

// RawMessage is a single payload delivered by the bus, before validation.
type RawMessage struct {
	Topic   string
	Payload []byte
}

// Reading is a validated telemetry sample.
type Reading struct {
	DeviceID    string    `json:"deviceId"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Status      Status    `json:"status"`
	CapturedAt  time.Time `json:"capturedAt"`
}

// Entry is a reading as persisted under its device collection.
type Entry struct {
	Key         string    `json:"key"`
	Timestamp   time.Time `json:"timestamp"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Status      Status    `json:"status"`
}

// DeviceSummary describes one device collection.
type DeviceSummary struct {
	DeviceID string    `json:"deviceId"`
	Readings int       `json:"readings"`
	LastSeen time.Time `json:"lastSeen"`
}

// Rejection captures a payload that failed validation. Value is the
// offending measurement of an out_of_range rejection when it is finite.
type Rejection struct {
	Topic     string    `json:"topic"`
	Reason    string    `json:"reason"`
	Field     string    `json:"field,omitempty"`
	Value     *float64  `json:"value,omitempty"`
	Payload   string    `json:"payload"`
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"createdAt"`
}
