// Package telemetry turns untrusted sensor payloads into validated readings.
package telemetry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/segmentio/encoding/json"

	"telemetrybridge/go-mqtt-ingester/internal/model"
)

// UnknownDevice is substituted when a payload carries no usable deviceId.
const UnknownDevice = "unknown-device"

// Physical limits of the supported sensors, inclusive.
const (
	MinTemperature = -40.0
	MaxTemperature = 80.0
	MinHumidity    = 0.0
	MaxHumidity    = 100.0
)

// Payload keys of the numeric measurements.
const (
	FieldTemperature = "temperature"
	FieldHumidity    = "humidity"
)

// Reason classifies why a payload was rejected.
type Reason string

const (
	ReasonMalformedEncoding Reason = "malformed_encoding"
	ReasonNotAnObject       Reason = "not_an_object"
	ReasonNonNumericField   Reason = "non_numeric_field"
	ReasonOutOfRange        Reason = "out_of_range"
)

// Rejection is returned by Validate for every payload that cannot become a Reading.
// Field is set for ReasonNonNumericField and ReasonOutOfRange; Value only for the latter.
type Rejection struct {
	Reason Reason
	Field  string
	Value  float64
	Err    error
}

func (r *Rejection) Error() string {
	switch r.Reason {
	case ReasonMalformedEncoding:
		if r.Err != nil {
			return fmt.Sprintf("malformed encoding: %v", r.Err)
		}
		return "malformed encoding"
	case ReasonNotAnObject:
		return "payload is not an object"
	case ReasonNonNumericField:
		return fmt.Sprintf("missing or non-numeric %s", r.Field)
	case ReasonOutOfRange:
		return fmt.Sprintf("%s out of range: %v", r.Field, r.Value)
	default:
		return string(r.Reason)
	}
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

// AsRejection reports whether err carries a Rejection.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// Validate decodes raw as a flat JSON object and range-checks it. Each step
// short-circuits: the first failing check determines the returned Rejection.
// The returned Reading has a zero CapturedAt.
func Validate(raw []byte) (model.Reading, error) {
	doc, err := decodeObject(raw)
	if err != nil {
		return model.Reading{}, err
	}

	deviceID := UnknownDevice
	if s, ok := doc["deviceId"].(string); ok && s != "" {
		deviceID = s
	}

	temperature, err := numericField(doc, FieldTemperature)
	if err != nil {
		return model.Reading{}, err
	}
	humidity, err := numericField(doc, FieldHumidity)
	if err != nil {
		return model.Reading{}, err
	}

	if temperature < MinTemperature || temperature > MaxTemperature {
		return model.Reading{}, &Rejection{Reason: ReasonOutOfRange, Field: FieldTemperature, Value: temperature}
	}
	if humidity < MinHumidity || humidity > MaxHumidity {
		return model.Reading{}, &Rejection{Reason: ReasonOutOfRange, Field: FieldHumidity, Value: humidity}
	}

	status := model.StatusUnknown
	if s, ok := doc["status"].(string); ok {
		status = model.ParseStatus(s)
	}

	return model.Reading{
		DeviceID:    deviceID,
		Temperature: temperature,
		Humidity:    humidity,
		Status:      status,
	}, nil
}

func decodeObject(raw []byte) (map[string]any, error) {
	if !utf8.Valid(raw) {
		return nil, &Rejection{Reason: ReasonMalformedEncoding, Err: errors.New("invalid utf-8")}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, &Rejection{Reason: ReasonMalformedEncoding, Err: err}
	}

	// Exactly one JSON value per payload.
	var trailing any
	if err := dec.Decode(&trailing); !errors.Is(err, io.EOF) {
		return nil, &Rejection{Reason: ReasonMalformedEncoding, Err: errors.New("trailing data after document")}
	}

	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, &Rejection{Reason: ReasonNotAnObject}
	}
	return obj, nil
}

func numericField(doc map[string]any, field string) (float64, error) {
	var (
		v   float64
		err error
	)

	switch t := doc[field].(type) {
	case json.Number:
		v, err = strconv.ParseFloat(string(t), 64)
	case string:
		v, err = strconv.ParseFloat(strings.TrimSpace(t), 64)
	default:
		err = fmt.Errorf("unsupported type %T", t)
	}

	// Overflow is still a number: ParseFloat yields ±Inf, which the range gate rejects.
	if errors.Is(err, strconv.ErrRange) {
		err = nil
	}
	if err != nil || math.IsNaN(v) {
		return 0, &Rejection{Reason: ReasonNonNumericField, Field: field, Err: err}
	}
	return v, nil
}
