package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/relaygate/relaygate/pkg/models"
)

// NATSBus is the multi-instance Bus backed by core NATS. Core NATS gives
// exactly the guarantees the relay needs: per-publisher ordering on a
// subject, at-most-once delivery, no persistence.
type NATSBus struct {
	conn    *nats.Conn
	subject string
}

// DialNATS connects to the broker and returns a bus on the given subject.
func DialNATS(url, subject string) (*NATSBus, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info().Str("url", url).Str("subject", subject).Msg("fanout bus connected")
	return &NATSBus{conn: conn, subject: subject}, nil
}

// Publish serializes the event as JSON and publishes it on the shared
// subject.
func (b *NATSBus) Publish(_ context.Context, event models.ChatEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal fanout event: %w", err)
	}
	if err := b.conn.Publish(b.subject, payload); err != nil {
		return fmt.Errorf("publish fanout event: %w", err)
	}
	return nil
}

// Subscribe attaches fn to the shared subject. Malformed payloads are logged
// and skipped.
func (b *NATSBus) Subscribe(ctx context.Context, fn Handler) (Unsubscribe, error) {
	sub, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		var ev models.ChatEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Warn().Err(err).Msg("fanout: dropping malformed event")
			return
		}
		fn(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", b.subject, err)
	}

	unsub := func() {
		if err := sub.Unsubscribe(); err != nil && err != nats.ErrBadSubscription {
			log.Warn().Err(err).Msg("fanout unsubscribe failed")
		}
	}

	go func() {
		<-ctx.Done()
		unsub()
	}()

	return unsub, nil
}

// Close drains in-flight messages and closes the connection.
func (b *NATSBus) Close() error {
	if err := b.conn.Drain(); err != nil {
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}
