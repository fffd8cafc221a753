// Package events publishes integration events of the identity service.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"identity/internal/lib/logger/sl"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// UserCreated is published once per successful registration.
type UserCreated struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	Role         string    `json:"role"`
	CreatedAtUtc time.Time `json:"createdAtUtc"`
}

// RefreshTokenReused is published when a revoked refresh token is presented again.
type RefreshTokenReused struct {
	UserID        int64     `json:"userId"`
	TokenID       string    `json:"tokenId"`
	DetectedAtUtc time.Time `json:"detectedAtUtc"`
}

type Publisher interface {
	PublishUserCreated(ctx context.Context, e UserCreated) error
	PublishRefreshTokenReused(ctx context.Context, e RefreshTokenReused) error
	Close() error
}

// Noop drops every event. Used when Kafka is disabled.
type Noop struct{}

func (Noop) PublishUserCreated(context.Context, UserCreated) error               { return nil }
func (Noop) PublishRefreshTokenReused(context.Context, RefreshTokenReused) error { return nil }
func (Noop) Close() error                                                        { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers       []string
	UsersTopic    string
	SecurityTopic string
	WriteTimeout  time.Duration
}

type Kafka struct {
	log      *slog.Logger
	users    messageWriter
	security messageWriter
}

func NewKafka(log *slog.Logger, cfg KafkaConfig) *Kafka {
	return &Kafka{
		log:      log.With(slog.String("component", "events.kafka")),
		users:    newWriter(cfg.Brokers, cfg.UsersTopic, cfg.WriteTimeout),
		security: newWriter(cfg.Brokers, cfg.SecurityTopic, cfg.WriteTimeout),
	}
}

func newWriter(brokers []string, topic string, timeout time.Duration) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		WriteTimeout:           timeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

func (k *Kafka) PublishUserCreated(ctx context.Context, e UserCreated) error {
	return k.publish(ctx, k.users, "UserCreated", e.ID, e)
}

func (k *Kafka) PublishRefreshTokenReused(ctx context.Context, e RefreshTokenReused) error {
	return k.publish(ctx, k.security, "RefreshTokenReused", e.UserID, e)
}

func (k *Kafka) publish(ctx context.Context, w messageWriter, eventType string, key int64, payload any) error {
	const op = "events.Kafka.publish"

	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	headers := []kafka.Header{{Key: "event-type", Value: []byte(eventType)}}
	for _, hk := range carrier.Keys() {
		headers = append(headers, kafka.Header{Key: hk, Value: []byte(carrier.Get(hk))})
	}

	msg := kafka.Message{
		Key:     []byte(strconv.FormatInt(key, 10)),
		Value:   value,
		Headers: headers,
	}

	if err := w.WriteMessages(ctx, msg); err != nil {
		k.log.Error("failed to publish event", slog.String("event", eventType), sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	k.log.Debug("event published", slog.String("event", eventType))

	return nil
}

func (k *Kafka) Close() error {
	uErr := k.users.Close()
	sErr := k.security.Close()
	if uErr != nil {
		return uErr
	}
	return sErr
}
