package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/bookingsync/libs/kafkax"
	otelx "github.com/md-rashed-zaman/bookingsync/libs/otel"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TopicSyncRequested carries sync requests keyed by connection id, so one
// partition, and one worker, sees every request for a connection.
const TopicSyncRequested = "calendar.sync.requested.v1"

type syncRequest struct {
	ConnectionID string    `json:"connection_id"`
	RequestedAt  time.Time `json:"requested_at"`
}

// MessageWriter is the slice of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaDispatcher hands requests to the calendar-sync-worker through Kafka.
type KafkaDispatcher struct {
	writer MessageWriter
	topic  string
}

var _ Dispatcher = (*KafkaDispatcher)(nil)

func NewKafkaDispatcher(writer MessageWriter, topic string) *KafkaDispatcher {
	if topic == "" {
		topic = TopicSyncRequested
	}
	return &KafkaDispatcher{writer: writer, topic: topic}
}

func (d *KafkaDispatcher) Enqueue(ctx context.Context, connectionID string) error {
	payload, err := json.Marshal(syncRequest{ConnectionID: connectionID, RequestedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	meta := kafkax.EventMeta{EventID: uuid.NewString(), EventType: d.topic}
	return d.writer.WriteMessages(ctx, kafka.Message{
		Topic:   d.topic,
		Key:     []byte(connectionID),
		Value:   payload,
		Headers: kafkax.InjectTraceHeaders(ctx, meta.Headers()),
	})
}

// MessageReader is the slice of *kafka.Reader the consumer uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer feeds sync requests from Kafka into a local Dispatcher.
type Consumer struct {
	reader MessageReader
	next   Dispatcher
	logger *slog.Logger
}

func NewConsumer(reader MessageReader, next Dispatcher, logger *slog.Logger) *Consumer {
	return &Consumer{reader: reader, next: next, logger: logger}
}

// Run reads until ctx is cancelled. Requests are idempotent, so redelivery only costs an extra pass.
func (c *Consumer) Run(ctx context.Context) {
	defer c.reader.Close()

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Error("kafka read error", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	ctxMsg := kafkax.ExtractTraceContext(ctx, msg)
	ctxSpan, span := otelx.Tracer().Start(ctxMsg, "kafka.consume",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
		),
	)
	defer span.End()

	var req syncRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil || req.ConnectionID == "" {
		meta := kafkax.ExtractEventMeta(msg)
		c.logger.Warn("dropping malformed sync request", "err", err, "event_id", meta.EventID)
		return
	}
	if err := c.next.Enqueue(ctxSpan, req.ConnectionID); err != nil {
		span.RecordError(err)
		c.logger.Error("enqueue sync failed", "err", err, "connection_id", req.ConnectionID)
	}
}
