// Package announce relays operator broadcasts from NATS into the hub.
// Optional: the relay runs without it when no NATS URL is configured.
package announce

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/stobieee-bit/AsterianServer/internal/hub"
)

// Relay holds one NATS subscription whose messages are fanned out to
// every session as announce frames. Sanitization happens in the hub, the
// same way chat text is cleaned.
type Relay struct {
	conn *nats.Conn
	sub  *nats.Subscription
	log  zerolog.Logger
}

// Start connects to NATS and subscribes to subject. Reconnects forever
// with backoff; a NATS outage degrades announcements, never the relay.
func Start(url, subject string, h *hub.Hub, logger zerolog.Logger) (*Relay, error) {
	log := logger.With().Str("component", "announce").Logger()

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		h.Announce(string(msg.Data))
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to %q: %w", subject, err)
	}

	log.Info().Str("url", url).Str("subject", subject).Msg("announcement relay started")
	return &Relay{conn: conn, sub: sub, log: log}, nil
}

// Close unsubscribes and drains the connection.
func (r *Relay) Close() {
	if err := r.sub.Unsubscribe(); err != nil {
		r.log.Warn().Err(err).Msg("unsubscribe failed")
	}
	if err := r.conn.Drain(); err != nil {
		r.log.Warn().Err(err).Msg("nats drain failed")
	}
}
