// Package bus carries events between saga participants.
package bus

import (
	"context"
	"errors"

	"github.com/buildtall-systems/ordersaga/internal/db"
	"github.com/buildtall-systems/ordersaga/internal/events"
)

// Handler processes one delivered event. Returning an error asks for
// redelivery unless the error is wrapped with Permanent.
type Handler func(ctx context.Context, env *events.Envelope) error

// Publisher publishes events keyed by order id.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, v any) error
	PublishEnvelope(ctx context.Context, env *events.Envelope) error
}

// Bus is implemented by every backend. Subscribe must be called before Run.
// Events with the same key are delivered to a consumer in publish order.
type Bus interface {
	Publisher
	Subscribe(topic, consumer string, h Handler) error
	Run(ctx context.Context) error
	Close() error
}

// DeadLetterSink stores deliveries that could not be processed.
type DeadLetterSink interface {
	RecordDeadLetter(ctx context.Context, dl db.DeadLetter) error
}

// ErrClosed is returned when publishing on a closed bus.
var ErrClosed = errors.New("bus closed")

// ErrAlreadyRunning is returned by Subscribe after Run started.
var ErrAlreadyRunning = errors.New("bus already running")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The delivery goes straight to the
// dead-letter sink.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type subscription struct {
	topic    string
	consumer string
	handler  Handler
}

func encode(ctx context.Context, topic, key string, v any) (*events.Envelope, []byte, error) {
	env, err := events.NewEnvelope(topic, key, v)
	if err != nil {
		return nil, nil, err
	}
	env.InjectTrace(ctx)
	raw, err := env.Marshal()
	if err != nil {
		return nil, nil, err
	}
	return env, raw, nil
}
