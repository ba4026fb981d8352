// Package ingest validates inbound bus messages and forwards accepted
// readings to storage. Delivery is best effort: a message that fails
// validation or storage is logged and dropped, never retried.
package ingest

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"telemetrybridge/go-mqtt-ingester/internal/model"
	"telemetrybridge/go-mqtt-ingester/internal/telemetry"
)

const (
	defaultStoreTimeout = 2 * time.Second
	maxRejectedPayload  = 4096
)

// Appender durably appends a reading under its device collection and
// returns the generated entry key.
type Appender interface {
	AppendReading(ctx context.Context, deviceID string, r model.Reading) (string, error)
}

// RejectionRecorder persists diagnostics for dropped payloads.
type RejectionRecorder interface {
	InsertRejection(ctx context.Context, r model.Rejection) error
}

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	Received      uint64            `json:"received"`
	Stored        uint64            `json:"stored"`
	Rejected      uint64            `json:"rejected"`
	StoreFailures uint64            `json:"storeFailures"`
	ByReason      map[string]uint64 `json:"rejectedByReason"`
}

// Pipeline handles one message at a time. It holds no per-message state,
// so Handle may be called from several goroutines.
type Pipeline struct {
	store        Appender
	rejections   RejectionRecorder
	logger       *slog.Logger
	now          func() time.Time
	storeTimeout time.Duration

	received      atomic.Uint64
	stored        atomic.Uint64
	storeFailures atomic.Uint64
	malformed     atomic.Uint64
	notObject     atomic.Uint64
	nonNumeric    atomic.Uint64
	outOfRange    atomic.Uint64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock overrides the time source used for CapturedAt.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithRejectionRecorder persists a record for every rejected payload.
func WithRejectionRecorder(r RejectionRecorder) Option {
	return func(p *Pipeline) { p.rejections = r }
}

// WithStoreTimeout bounds each storage call.
func WithStoreTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.storeTimeout = d
		}
	}
}

// New constructs a pipeline that writes accepted readings to store.
func New(store Appender, logger *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:        store,
		logger:       logger,
		now:          time.Now,
		storeTimeout: defaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle validates msg and stores the resulting reading. It never returns
// an error and never panics; failures surface only as log lines.
func (p *Pipeline) Handle(ctx context.Context, msg model.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("ingest handler panic", "topic", msg.Topic, "panic", r)
		}
	}()

	p.received.Add(1)

	reading, err := telemetry.Validate(msg.Payload)
	if err != nil {
		p.reject(ctx, msg, err)
		return
	}

	reading.CapturedAt = p.now().UTC()

	storeCtx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()

	key, err := p.store.AppendReading(storeCtx, reading.DeviceID, reading)
	if err != nil {
		p.storeFailures.Add(1)
		p.logger.Error("failed to persist reading", "device", reading.DeviceID, "topic", msg.Topic, "error", err)
		return
	}

	p.stored.Add(1)
	p.logger.Info("ingested reading",
		"device", reading.DeviceID,
		"key", key,
		"temperature", reading.Temperature,
		"humidity", reading.Humidity,
		"status", reading.Status,
	)
}

func (p *Pipeline) reject(ctx context.Context, msg model.RawMessage, err error) {
	rejection := model.Rejection{
		Topic:     msg.Topic,
		Reason:    "unknown",
		Payload:   truncateString(string(msg.Payload), maxRejectedPayload),
		Error:     err.Error(),
		CreatedAt: p.now().UTC(),
	}

	attrs := []any{"topic", msg.Topic, "error", err}
	if rej, ok := telemetry.AsRejection(err); ok {
		rejection.Reason = string(rej.Reason)
		rejection.Field = rej.Field
		attrs = append(attrs, "reason", rej.Reason)
		if rej.Field != "" {
			attrs = append(attrs, "field", rej.Field)
		}
		if rej.Reason == telemetry.ReasonOutOfRange {
			attrs = append(attrs, "value", rej.Value)
			// ±Inf has no JSON form; the error text still carries it.
			if !math.IsInf(rej.Value, 0) {
				value := rej.Value
				rejection.Value = &value
			}
		}
		p.countRejection(rej.Reason)
	}

	p.logger.Warn("telemetry payload rejected", attrs...)

	if p.rejections == nil {
		return
	}

	recCtx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()

	if err := p.rejections.InsertRejection(recCtx, rejection); err != nil {
		p.logger.Error("failed to persist rejection", "topic", msg.Topic, "error", err)
	}
}

func (p *Pipeline) countRejection(reason telemetry.Reason) {
	switch reason {
	case telemetry.ReasonMalformedEncoding:
		p.malformed.Add(1)
	case telemetry.ReasonNotAnObject:
		p.notObject.Add(1)
	case telemetry.ReasonNonNumericField:
		p.nonNumeric.Add(1)
	case telemetry.ReasonOutOfRange:
		p.outOfRange.Add(1)
	}
}

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	byReason := map[string]uint64{
		string(telemetry.ReasonMalformedEncoding): p.malformed.Load(),
		string(telemetry.ReasonNotAnObject):       p.notObject.Load(),
		string(telemetry.ReasonNonNumericField):   p.nonNumeric.Load(),
		string(telemetry.ReasonOutOfRange):        p.outOfRange.Load(),
	}

	var rejected uint64
	for _, n := range byReason {
		rejected += n
	}

	return Stats{
		Received:      p.received.Load(),
		Stored:        p.stored.Load(),
		Rejected:      rejected,
		StoreFailures: p.storeFailures.Load(),
		ByReason:      byReason,
	}
}

func truncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
