// Package outbound publishes applied operations to NATS JetStream for
// downstream consumers (treasury orchestrators, dashboards, reconcilers).
package outbound

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"conduit/internal/event"
)

const streamName = "CONDUIT_EVENTS"

// wireEvent is the JSON shape published on the wire. Amounts are decimal
// text so consumers never lose precision to float parsing.
type wireEvent struct {
	ID        string    `json:"id"`
	Sequence  int64     `json:"sequence"`
	EventType string    `json:"event_type"`
	Asset     string    `json:"asset"`
	Domain    string    `json:"domain,omitempty"`
	Caller    string    `json:"caller,omitempty"`
	Amount    string    `json:"amount"`
	Shares    string    `json:"shares"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher drains the publish channel and publishes each record. Sends to
// this channel are non-blocking on the controller side, so a slow publisher
// drops events rather than stalling operations; consumers reconcile against
// the event log.
type Publisher struct {
	js        jetstream.JetStream
	inputChan <-chan *event.Record
	log       zerolog.Logger
}

func NewPublisher(js jetstream.JetStream, inputChan <-chan *event.Record, log zerolog.Logger) *Publisher {
	return &Publisher{
		js:        js,
		inputChan: inputChan,
		log:       log,
	}
}

// Run publishes records until ctx is cancelled or the channel closes.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case rec, ok := <-p.inputChan:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, rec); err != nil {
				// Non-fatal: the durable log in Postgres is the source of
				// truth and consumers can replay from it.
				p.log.Warn().
					Err(err).
					Int64("sequence", rec.Sequence).
					Str("event_type", rec.Type.String()).
					Msg("outbound publish failed")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, rec *event.Record) error {
	data, err := json.Marshal(wireEvent{
		ID:        rec.ID.String(),
		Sequence:  rec.Sequence,
		EventType: rec.Type.String(),
		Asset:     rec.Asset,
		Domain:    rec.Domain,
		Caller:    rec.Caller,
		Amount:    rec.AmountString(),
		Shares:    rec.SharesString(),
		Timestamp: rec.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("conduit.events.%s.%s", rec.Type.Subject(), rec.Asset)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureStream creates the outbound events stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{"conduit.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Info().Str("stream", streamName).Msg("ensured outbound stream")
	return nil
}

// Connect establishes a NATS connection and returns a JetStream context.
func Connect(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
