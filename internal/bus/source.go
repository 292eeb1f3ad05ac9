package bus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tendant/sad-worker/internal/worker"
)

const (
	// MaxDeliver drops a message after this many attempts.
	MaxDeliver = 10

	nakBaseDelay = 5 * time.Second
	nakMaxDelay  = 5 * time.Minute
)

// Source pulls trigger messages one at a time from a durable consumer. The
// consumer allows a single unacknowledged message, so concurrent workers bound
// to the same durable never process two messages at once.
type Source struct {
	consumer jetstream.Consumer
	wait     time.Duration
}

// NewSource binds the durable consumer, creating it when missing.
func (c *Client) NewSource(ctx context.Context, stream, durable, subject string, wait time.Duration) (*Source, error) {
	if wait <= 0 {
		wait = 5 * time.Second
	}
	cons, err := c.js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxAckPending: 1,
		MaxDeliver:    MaxDeliver,
		// Jobs walk the whole library; give them room before redelivery.
		AckWait: 30 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("bind consumer %s on %s: %w", durable, stream, err)
	}
	return &Source{consumer: cons, wait: wait}, nil
}

func (s *Source) Next(ctx context.Context) (worker.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batch, err := s.consumer.Fetch(1, jetstream.FetchMaxWait(s.wait))
	if err != nil {
		if isIdle(err) {
			return nil, nil
		}
		return nil, err
	}
	if msg, ok := <-batch.Messages(); ok && msg != nil {
		return &message{msg: msg}, nil
	}
	if err := batch.Error(); err != nil && !isIdle(err) {
		return nil, err
	}
	return nil, nil
}

func isIdle(err error) bool {
	return errors.Is(err, nats.ErrTimeout) || errors.Is(err, jetstream.ErrNoMessages)
}

type message struct {
	msg jetstream.Msg
}

// ID is the stream sequence, which survives redelivery.
func (m *message) ID() string {
	if meta, err := m.msg.Metadata(); err == nil {
		return strconv.FormatUint(meta.Sequence.Stream, 10)
	}
	return m.msg.Headers().Get(jetstream.MsgIDHeader)
}

func (m *message) Data() []byte { return m.msg.Data() }

func (m *message) Ack(context.Context) error { return m.msg.Ack() }

// Nak asks for redelivery after a delay that doubles with every attempt, so a
// message that keeps failing does not hold the single delivery slot in a
// tight loop.
func (m *message) Nak(context.Context) error {
	delivered := uint64(1)
	if meta, err := m.msg.Metadata(); err == nil {
		delivered = meta.NumDelivered
	}
	return m.msg.NakWithDelay(nakDelay(delivered))
}

func nakDelay(delivered uint64) time.Duration {
	delay := nakBaseDelay
	for i := uint64(1); i < delivered; i++ {
		delay *= 2
		if delay >= nakMaxDelay {
			return nakMaxDelay
		}
	}
	return delay
}
