package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/alexandernizov/sessionclient/internal/domain"
	"github.com/alexandernizov/sessionclient/internal/pkg/logger/sl"
)

const DefaultTopic = "session-events"

var (
	ErrNoConnection = errors.New("can't establish connection to kafka")
	ErrInternal     = errors.New("internal error")
)

type Publisher struct {
	log      *slog.Logger
	producer sarama.SyncProducer
	topic    string
}

type ConnectOptions struct {
	Brokers []string
	Topic   string
}

func New(log *slog.Logger, producer sarama.SyncProducer, topic string) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{log: log, producer: producer, topic: topic}
}

func NewWithOptions(log *slog.Logger, cOpts ConnectOptions) (*Publisher, error) {
	const op = "events.NewWithOptions"

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Retry.Backoff = 100 * time.Millisecond

	producer, err := sarama.NewSyncProducer(cOpts.Brokers, config)
	if err != nil {
		log.Error("can't connect to kafka", slog.String("op", op), sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, ErrNoConnection)
	}
	return New(log, producer, cOpts.Topic), nil
}

// Publish sends the event keyed by user so one user's events stay ordered.
func (p *Publisher) Publish(ctx context.Context, event domain.Event) error {
	const op = "events.Publish"
	log := p.log.With(slog.String("op", op), slog.String("type", string(event.Type)))

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Value: sarama.ByteEncoder(value),
	}
	if event.UserID != "" {
		msg.Key = sarama.StringEncoder(event.UserID)
	}

	done := make(chan delivery, 1)
	go func() {
		var d delivery
		d.partition, d.offset, d.err = p.producer.SendMessage(msg)
		done <- d
	}()

	select {
	case d := <-done:
		if d.err != nil {
			log.Warn("failed to deliver event", sl.Err(d.err))
			return fmt.Errorf("%s: %w: %w", op, ErrInternal, d.err)
		}
		log.Debug("produced event", slog.Int("partition", int(d.partition)), slog.Int64("offset", d.offset))
		return nil
	case <-ctx.Done():
		// the producer keeps retrying in the background within its own budget
		log.Warn("stopped waiting for delivery", sl.Err(ctx.Err()))
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
}

type delivery struct {
	partition int32
	offset    int64
	err       error
}

func (p *Publisher) Close() error {
	return p.producer.Close()
}

// Discard drops every event. Used when kafka is disabled.
type Discard struct{}

func (Discard) Publish(context.Context, domain.Event) error { return nil }
