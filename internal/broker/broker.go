// Package broker owns the message-broker topology and wraps the NATS
// client behind typed producers and a channel-based consumer, so the
// orchestration code never touches broker wiring directly.
package broker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/imageflow/analysis-service/internal/config"
)

type Broker struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	cfg  *config.Config
}

// Connect dials the broker with bounded exponential backoff. Exhausting
// the attempts is fatal for the caller: a job pipeline without a broker
// cannot limp along.
func Connect(cfg *config.Config) (*Broker, error) {
	var conn *nats.Conn
	var err error

	for attempt := 1; attempt <= cfg.ConnectRetries; attempt++ {
		conn, err = nats.Connect(cfg.NatsURL,
			nats.RetryOnFailedConnect(false),
			nats.MaxReconnects(-1))
		if err == nil {
			break
		}
		slog.Warn("Broker connection failed",
			"url", cfg.NatsURL,
			"attempt", attempt,
			"max_attempts", cfg.ConnectRetries,
			"error", err)
		if attempt < cfg.ConnectRetries {
			time.Sleep(cfg.RetryBackoff * (1 << uint(attempt-1)))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker after %d attempts: %w", cfg.ConnectRetries, err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	// A stock server caps connection payloads at 1 MB; images near the
	// configured ceiling need max_payload raised on the server side.
	if mp := conn.MaxPayload(); mp < cfg.MaxPayloadBytes {
		slog.Warn("Broker max payload below configured message ceiling",
			"broker_max_payload", mp,
			"configured_ceiling", cfg.MaxPayloadBytes)
	}

	slog.Info("Broker connected", "url", cfg.NatsURL)
	return &Broker{conn: conn, js: js, cfg: cfg}, nil
}

// EnsureTopology creates or updates the three channels: durable
// work-queue streams for jobs and results, and a short-lived limits
// stream for fire-and-forget telemetry.
func (b *Broker) EnsureTopology() error {
	streams := []*nats.StreamConfig{
		{
			Name:       b.cfg.JobsStream,
			Subjects:   []string{b.cfg.JobsSubject},
			MaxMsgs:    int64(b.cfg.MaxMsgs),
			MaxMsgSize: int32(b.cfg.MaxPayloadBytes),
			MaxAge:     b.cfg.MaxAge,
			Storage:    nats.FileStorage,
			Retention:  nats.WorkQueuePolicy,
		},
		{
			Name:       b.cfg.ResultsStream,
			Subjects:   []string{b.cfg.ResultsSubject},
			MaxMsgs:    int64(b.cfg.MaxMsgs),
			MaxMsgSize: int32(b.cfg.MaxPayloadBytes),
			MaxAge:     b.cfg.MaxAge,
			Storage:    nats.FileStorage,
			Retention:  nats.WorkQueuePolicy,
		},
		{
			Name:      b.cfg.StatusStream,
			Subjects:  []string{b.cfg.StatusSubject},
			MaxMsgs:   int64(b.cfg.MaxMsgs),
			MaxAge:    5 * time.Minute,
			Storage:   nats.MemoryStorage,
			Retention: nats.LimitsPolicy,
		},
	}

	for _, sc := range streams {
		if err := b.ensureStream(sc); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) ensureStream(sc *nats.StreamConfig) error {
	info, err := b.js.StreamInfo(sc.Name)
	if err != nil {
		if err == nats.ErrStreamNotFound {
			if _, err := b.js.AddStream(sc); err != nil {
				return fmt.Errorf("failed to create stream %s: %w", sc.Name, err)
			}
			slog.Info("Created stream", "name", sc.Name, "subjects", sc.Subjects)
			return nil
		}
		return fmt.Errorf("failed to get stream info for %s: %w", sc.Name, err)
	}

	slog.Info("Stream already exists", "name", sc.Name, "messages", info.State.Msgs)
	return nil
}

func (b *Broker) Close() error {
	if b.conn != nil {
		b.conn.Close()
	}
	return nil
}
