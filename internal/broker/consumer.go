package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Delivery is one consumed message. Ack and Nak are nil-safe so tests
// can feed hand-built deliveries through the same channel the broker
// uses.
type Delivery struct {
	Subject string
	Data    []byte
	msg     *nats.Msg
}

func (d Delivery) Ack() error {
	if d.msg == nil {
		return nil
	}
	return d.msg.Ack()
}

func (d Delivery) Nak() error {
	if d.msg == nil {
		return nil
	}
	return d.msg.Nak()
}

// Consumer is a durable pull subscription. Processes binding the same
// durable name share the stream, so each message is dequeued by exactly
// one member at a time; that is the scale-out mechanism for workers.
type Consumer struct {
	sub     *nats.Subscription
	durable string
}

// PullConsumer binds a durable pull consumer on the given subject.
func (b *Broker) PullConsumer(subject, durable string) (*Consumer, error) {
	sub, err := b.js.PullSubscribe(subject, durable,
		nats.ManualAck(),
		nats.AckWait(b.cfg.AckWait),
		nats.MaxDeliver(b.cfg.MaxDeliver))
	if err != nil {
		return nil, err
	}

	slog.Info("Created consumer", "durable", durable, "subject", subject)
	return &Consumer{sub: sub, durable: durable}, nil
}

// Messages exposes consumption as a sequence the orchestration logic
// pulls from. The channel closes once ctx is cancelled and the fetch
// loop has wound down; an in-flight message already handed over is
// still processed by its receiver.
func (c *Consumer) Messages(ctx context.Context) <-chan Delivery {
	ch := make(chan Delivery)

	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			msgs, err := c.sub.Fetch(1, nats.MaxWait(time.Second))
			if err != nil {
				if err == nats.ErrTimeout || err == context.DeadlineExceeded {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				slog.Error("Failed to fetch messages", "durable", c.durable, "error", err)
				time.Sleep(time.Second)
				continue
			}

			for _, msg := range msgs {
				select {
				case ch <- Delivery{Subject: msg.Subject, Data: msg.Data, msg: msg}:
				case <-ctx.Done():
					// Not handed over: leave unacked for redelivery.
					_ = msg.Nak()
					return
				}
			}
		}
	}()

	return ch
}

// Drain releases the broker-side resources for this consumer binding.
func (c *Consumer) Drain() error {
	return c.sub.Drain()
}
