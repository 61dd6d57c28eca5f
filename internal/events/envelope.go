package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Envelope is the wire format shared by every bus backend.
type Envelope struct {
	EventID    string            `json:"eventId"`
	Topic      string            `json:"topic"`
	Key        string            `json:"key"`
	Type       string            `json:"type"`
	OccurredAt time.Time         `json:"occurredAt"`
	Trace      map[string]string `json:"trace,omitempty"`
	Payload    json.RawMessage   `json:"payload"`
}

type typed interface {
	Type() string
}

// NewEnvelope wraps v for publication on topic under key.
func NewEnvelope(topic, key string, v any) (*Envelope, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}

	eventType := topic
	if t, ok := v.(typed); ok {
		eventType = t.Type()
	}

	return &Envelope{
		EventID:    uuid.NewString(),
		Topic:      topic,
		Key:        key,
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}, nil
}

// DecodeEnvelope parses raw bytes produced by Envelope.Marshal.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.EventID == "" {
		return nil, fmt.Errorf("decoding envelope: missing event id")
	}
	return &env, nil
}

func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}

// InjectTrace stores the span context from ctx in the envelope.
func (e *Envelope) InjectTrace(ctx context.Context) {
	if e.Trace == nil {
		e.Trace = make(map[string]string)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(e.Trace))
	if len(e.Trace) == 0 {
		e.Trace = nil
	}
}

// ExtractTrace returns ctx carrying the span context recorded in the envelope.
func (e *Envelope) ExtractTrace(ctx context.Context) context.Context {
	if len(e.Trace) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(e.Trace))
}
