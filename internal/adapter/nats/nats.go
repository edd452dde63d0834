// Package nats implements the message queue port using NATS JetStream.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/CrawlFleet/internal/logger"
	"github.com/Strob0t/CrawlFleet/internal/port/messagequeue"
)

const (
	// maxDeliver bounds redelivery of messages whose handler keeps failing;
	// the last attempt is moved to <subject>.dlq.
	maxDeliver  = 5
	nakDelay    = 500 * time.Millisecond
	ackWait     = 30 * time.Second
	idleCleanup = 5 * time.Minute
	dlqSuffix   = ".dlq"
)

// Options configure the JetStream queue.
type Options struct {
	URL    string
	Stream string
	MaxAge time.Duration
	Name   string // connection name shown by the NATS server
}

// Queue implements messagequeue.Queue using NATS JetStream.
type Queue struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream string
}

var _ messagequeue.Queue = (*Queue)(nil)

// Connect establishes a connection to NATS and ensures the JetStream stream exists.
func Connect(ctx context.Context, opts Options) (*Queue, error) {
	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	// Ensure the stream exists with subjects matching our topic patterns.
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     opts.Stream,
		Subjects: []string{"center.>", "agent.>", "scheduler.>"},
		MaxAge:   opts.MaxAge,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", opts.URL, "stream", opts.Stream)
	return &Queue{nc: nc, js: js, stream: opts.Stream}, nil
}

// KeyValue opens (creating if needed) a JetStream KV bucket on this connection.
func (q *Queue) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := q.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("nats kv %s: %w", bucket, err)
	}
	return kv, nil
}

// Publish sends a message to the given subject. The context's correlation id
// travels in the message header.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	if id := logger.CorrelationID(ctx); id != "" {
		msg.Header.Set(logger.CorrelationHeader, id)
	}
	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for messages on the given subject.
// Only messages published after the call are delivered. Messages failing
// schema validation, or whose handler fails maxDeliver times, are moved to
// the dead-letter subject <subject>.dlq.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		FilterSubject:     subject,
		AckPolicy:         jetstream.AckExplicitPolicy,
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		MaxDeliver:        maxDeliver,
		AckWait:           ackWait,
		InactiveThreshold: idleCleanup,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		q.dispatch(msg, handler)
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

func (q *Queue) dispatch(msg jetstream.Msg, handler messagequeue.Handler) {
	subject := msg.Subject()

	ctx := context.Background()
	if h := msg.Headers(); h != nil {
		if id := h.Get(logger.CorrelationHeader); id != "" {
			ctx = logger.WithCorrelationID(ctx, id)
		}
	}

	if err := messagequeue.Validate(subject, msg.Data()); err != nil {
		slog.WarnContext(ctx, "message rejected", "subject", subject, "error", err)
		q.deadLetter(ctx, msg, err)
		return
	}

	err := handler(ctx, subject, msg.Data())
	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			slog.ErrorContext(ctx, "nats ack failed", "subject", subject, "error", ackErr)
		}
		return
	}

	delivered := uint64(1)
	if md, mdErr := msg.Metadata(); mdErr == nil {
		delivered = md.NumDelivered
	}
	slog.ErrorContext(ctx, "message handler failed", "subject", subject, "delivery", delivered, "error", err)

	if delivered >= maxDeliver {
		q.deadLetter(ctx, msg, err)
		return
	}
	if nakErr := msg.NakWithDelay(nakDelay); nakErr != nil {
		slog.ErrorContext(ctx, "nats nak failed", "subject", subject, "error", nakErr)
	}
}

// deadLetter copies msg to its DLQ subject and terminates redelivery.
func (q *Queue) deadLetter(ctx context.Context, msg jetstream.Msg, cause error) {
	subject := msg.Subject()
	if len(subject) >= len(dlqSuffix) && subject[len(subject)-len(dlqSuffix):] == dlqSuffix {
		_ = msg.Term()
		return
	}

	dlq := nats.NewMsg(subject + dlqSuffix)
	dlq.Data = msg.Data()
	dlq.Header.Set("X-DLQ-Reason", cause.Error())
	if id := logger.CorrelationID(ctx); id != "" {
		dlq.Header.Set(logger.CorrelationHeader, id)
	}
	if _, err := q.js.PublishMsg(ctx, dlq); err != nil {
		slog.ErrorContext(ctx, "dlq publish failed", "subject", dlq.Subject, "error", err)
	}
	if err := msg.Term(); err != nil {
		slog.ErrorContext(ctx, "nats term failed", "subject", subject, "error", err)
	}
}

// Drain stops all consumers after pending messages are handled, then closes
// the connection.
func (q *Queue) Drain() error {
	if err := q.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// Close shuts down the NATS connection.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}

// IsConnected reports whether the underlying connection is up.
func (q *Queue) IsConnected() bool {
	return q.nc.IsConnected()
}
