// Package eventlog provides scheduler observers that record every progress
// event: to the structured log and to a Kafka topic as an audit trail.
package eventlog

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ruteri/device-provisioning-backend/interfaces"
	"github.com/segmentio/kafka-go"
)

// LogObserver writes every event to the structured log.
type LogObserver struct {
	log *slog.Logger
}

func NewLogObserver(log *slog.Logger) *LogObserver {
	return &LogObserver{log: log}
}

func (o *LogObserver) Observe(ev interfaces.ProgressEvent) {
	attrs := []any{
		slog.String("job_id", ev.JobID),
		slog.String("device_id", ev.DeviceID),
		slog.Int("seq", ev.Seq),
		slog.String("step", ev.Step),
		slog.String("status", string(ev.Status)),
	}
	if ev.Code != "" {
		attrs = append(attrs, slog.String("code", string(ev.Code)))
	}

	if ev.Status == interfaces.StatusError {
		o.log.Warn(ev.Message, attrs...)
		return
	}
	o.log.Info(ev.Message, attrs...)
}

// MessageWriter is the subset of *kafka.Writer used by KafkaObserver.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DefaultWriteTimeout bounds a single publish.
const DefaultWriteTimeout = 5 * time.Second

// KafkaObserver publishes every event as JSON keyed by job id, so all
// events of a job land on the same partition in order.
type KafkaObserver struct {
	writer  MessageWriter
	topic   string
	timeout time.Duration
	log     *slog.Logger
}

// NewKafkaObserver creates an observer writing to topic on brokers.
func NewKafkaObserver(brokers []string, topic string, log *slog.Logger) *KafkaObserver {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return NewKafkaObserverWithWriter(writer, topic, log)
}

// NewKafkaObserverWithWriter creates an observer on an existing writer.
func NewKafkaObserverWithWriter(writer MessageWriter, topic string, log *slog.Logger) *KafkaObserver {
	return &KafkaObserver{
		writer:  writer,
		topic:   topic,
		timeout: DefaultWriteTimeout,
		log:     log,
	}
}

// Observe publishes ev. Publish failures are logged; the audit trail never
// fails a job.
func (o *KafkaObserver) Observe(ev interfaces.ProgressEvent) {
	if err := o.Publish(context.Background(), ev); err != nil {
		o.log.Error("Failed to publish progress event",
			slog.String("topic", o.topic),
			slog.String("job_id", ev.JobID),
			slog.Int("seq", ev.Seq),
			"err", err)
	}
}

// Publish writes one event to the topic.
func (o *KafkaObserver) Publish(ctx context.Context, ev interfaces.ProgressEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	return o.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(ev.JobID),
		Value: payload,
		Time:  ev.Time,
	})
}

// Close flushes and closes the underlying writer.
func (o *KafkaObserver) Close() error {
	return o.writer.Close()
}
