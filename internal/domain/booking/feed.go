package booking

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/websocket"
)

// ErrNoEventBus is returned by the Watch operations of a service built
// without an event bus.
var ErrNoEventBus = errors.New("change feed requires an event bus")

// Change feed topics.
const AllAppointmentsTopic = "appointments"

func RulesTopic(doctorID string) string    { return "rules/" + doctorID }
func PatientTopic(patientID string) string { return "appointments/patient/" + patientID }

// Event types.
const (
	EventRuleCreated          = "rule.created"
	EventRuleDeleted          = "rule.deleted"
	EventAppointmentCreated   = "appointment.created"
	EventAppointmentUpdated   = "appointment.updated"
	EventAppointmentConfirmed = "appointment.confirmed"
	EventAppointmentDeleted   = "appointment.deleted"
	EventDoctorPurged         = "doctor.purged"
)

// EventBus publishes change events and hands out subscriptions.
// *websocket.Hub implements it.
type EventBus interface {
	websocket.EventPublisher
	Register(client *websocket.Client)
	Unregister(client *websocket.Client)
}

func newEvent(typ, topic, resourceType, resourceID string, payload interface{}) websocket.Event {
	ev := websocket.Event{
		Type:         typ,
		Topic:        topic,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Timestamp:    time.Now().UTC(),
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Data = data
		}
	}
	return ev
}

// Stream delivers snapshots of a live query: the current result first, then
// a fresh result after every change on the watched topic. A consumer that
// falls behind only sees the latest snapshot.
type Stream[T any] struct {
	updates chan []T
	cancel  context.CancelFunc
	done    chan struct{}
}

// Updates is closed when the stream ends.
func (s *Stream[T]) Updates() <-chan []T { return s.updates }

// Close stops the stream and waits for it to release its subscription.
func (s *Stream[T]) Close() {
	s.cancel()
	<-s.done
}

// watch subscribes to topic before taking the first snapshot so that no
// change between the two is lost.
func watch[T any](ctx context.Context, bus EventBus, topic string, logger zerolog.Logger, load func(context.Context) ([]T, error)) (*Stream[T], error) {
	if bus == nil {
		return nil, ErrNoEventBus
	}
	// A single buffered event is enough to schedule the next reload.
	client := websocket.NewLocalClient(1, topic)
	bus.Register(client)

	initial, err := load(ctx)
	if err != nil {
		bus.Unregister(client)
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Stream[T]{
		updates: make(chan []T, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.updates <- initial
	go s.run(ctx, bus, client, topic, logger, load)
	return s, nil
}

func (s *Stream[T]) run(ctx context.Context, bus EventBus, client *websocket.Client, topic string, logger zerolog.Logger, load func(context.Context) ([]T, error)) {
	defer close(s.done)
	defer close(s.updates)
	defer bus.Unregister(client)

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-client.Send:
			if !ok {
				return
			}
			snapshot, err := load(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error().Err(err).Str("topic", topic).Msg("change feed reload failed")
				continue
			}
			// Replace an unread snapshot with the newer one.
			select {
			case <-s.updates:
			default:
			}
			s.updates <- snapshot
		}
	}
}
