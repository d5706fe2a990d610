package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/fusion-data/bridge/internal/model"
	"github.com/fusion-data/bridge/pkg/metrics"
)

const (
	// StreamName is the name of the domain event stream.
	StreamName = "DATABRIDGE"

	// SubjectPrefix is the prefix for all event subjects.
	SubjectPrefix = "bridge"
)

// Bus publishes domain events and replays a user's notifications.
type Bus interface {
	Publish(ctx context.Context, ev model.Event) (uint64, error)
	Notifications(ctx context.Context, userID string, afterSequence uint64, limit int) ([]model.Notification, uint64, bool, error)
}

// EventStream is the JetStream-backed Bus.
type EventStream struct {
	client *Client
}

// NewEventStream creates a new event stream over client.
func NewEventStream(client *Client) *EventStream {
	return &EventStream{client: client}
}

// EnsureStream ensures the event stream exists with proper configuration.
func (s *EventStream) EnsureStream(ctx context.Context) error {
	js := s.client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      90 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Data request lifecycle events and user notifications",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// UpdateMetrics reports the stream size to Prometheus.
func (s *EventStream) UpdateMetrics(ctx context.Context) error {
	stream, err := s.client.JetStream().Stream(ctx, StreamName)
	if err != nil {
		return err
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return err
	}
	metrics.NATSStreamMessages.WithLabelValues(StreamName).Set(float64(info.State.Msgs))
	return nil
}

func token(s string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}

// EventSubject returns the subject for an event of kind owned by userID.
func EventSubject(userID string, kind model.EventKind) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, token(userID), kind)
}

// NotificationFilter returns the filter subject for a user's notifications.
func NotificationFilter(userID string) string {
	return EventSubject(userID, model.EventNotification)
}

func stamp(ev *model.Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
}

// Publish publishes an event to JetStream.
func (s *EventStream) Publish(ctx context.Context, ev model.Event) (uint64, error) {
	if ev.UserID == "" {
		return 0, errors.New("event has no user")
	}
	stamp(&ev)

	data, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := s.client.JetStream().Publish(ctx, EventSubject(ev.UserID, ev.Kind), data)
	if err != nil {
		metrics.EventsPublished.WithLabelValues(string(ev.Kind), "error").Inc()
		return 0, fmt.Errorf("failed to publish event: %w", err)
	}
	metrics.EventsPublished.WithLabelValues(string(ev.Kind), "ok").Inc()
	return ack.Sequence, nil
}

// Notifications replays a user's notifications after a stream sequence.
func (s *EventStream) Notifications(ctx context.Context, userID string, afterSequence uint64, limit int) ([]model.Notification, uint64, bool, error) {
	if limit <= 0 {
		limit = 50
	}

	cfg := jetstream.ConsumerConfig{
		FilterSubject:     NotificationFilter(userID),
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: time.Minute,
	}
	if afterSequence > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = afterSequence + 1
	}

	consumer, err := s.client.JetStream().CreateConsumer(ctx, StreamName, cfg)
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to create consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to fetch notifications: %w", err)
	}

	var out []model.Notification
	last := afterSequence
	for msg := range batch.Messages() {
		var ev model.Event
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			continue
		}
		n := NotificationFromEvent(ev)
		if meta, err := msg.Metadata(); err == nil {
			n.Sequence = meta.Sequence.Stream
			last = meta.Sequence.Stream
		}
		out = append(out, n)
	}
	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, 0, false, fmt.Errorf("batch error: %w", err)
	}

	return out, last, len(out) == limit, nil
}

// NotificationEvent wraps a notification as a publishable event.
func NotificationEvent(n model.Notification) model.Event {
	return model.Event{
		ID:        n.ID,
		UserID:    n.UserID,
		Kind:      model.EventNotification,
		CreatedAt: n.CreatedAt,
		Data: map[string]any{
			"level":       string(n.Level),
			"title":       n.Title,
			"description": n.Description,
		},
	}
}

// NotificationFromEvent is the inverse of NotificationEvent.
func NotificationFromEvent(ev model.Event) model.Notification {
	str := func(k string) string {
		v, _ := ev.Data[k].(string)
		return v
	}
	return model.Notification{
		ID:          ev.ID,
		UserID:      ev.UserID,
		Level:       model.NotificationLevel(str("level")),
		Title:       str("title"),
		Description: str("description"),
		CreatedAt:   ev.CreatedAt,
		Sequence:    ev.Sequence,
	}
}
