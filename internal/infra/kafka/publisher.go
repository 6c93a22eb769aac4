package kafka

import (
	"context"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"localci/internal/domain/ci"
	"localci/internal/ports"
)

var _ ports.Notifier = (*Publisher)(nil)

// PublisherConfig configures the Kafka-based notification publisher.
type PublisherConfig struct {
	Brokers []string
	Topic   string
}

// Publisher publishes submission and result notifications to Kafka, keyed by participation.
type Publisher struct {
	writer messageWriter
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// NewPublisher constructs a Publisher using the supplied configuration.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker must be provided")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic must be provided")
	}

	writer := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		AllowAutoTopicCreation: true,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
	}

	return newPublisher(writer), nil
}

func newPublisher(writer messageWriter) *Publisher {
	return &Publisher{writer: writer}
}

// NotifySubmissionCreated announces a new submission.
func (p *Publisher) NotifySubmissionCreated(ctx context.Context, submission ci.Submission) error {
	return p.publish(ctx, submissionEnvelope(EventSubmissionCreated, submission))
}

// NotifyResultReady announces a graded result of participation.
func (p *Publisher) NotifyResultReady(ctx context.Context, result ci.GradedResult, participation ci.Participation) error {
	return p.publish(ctx, resultReadyEnvelope(result, participation))
}

// NotifySubmissionError announces that submission could not be built.
func (p *Publisher) NotifySubmissionError(ctx context.Context, submission ci.Submission, cause error) error {
	envelope := submissionEnvelope(EventSubmissionError, submission)
	if cause != nil {
		envelope.Error = cause.Error()
	}
	return p.publish(ctx, envelope)
}

func (p *Publisher) publish(ctx context.Context, envelope notificationEnvelope) error {
	if p.writer == nil {
		return fmt.Errorf("publisher is not initialized")
	}

	msg, err := encodeNotification(envelope)
	if err != nil {
		return err
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	return nil
}

// Close releases the underlying Kafka writer.
func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
