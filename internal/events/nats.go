package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/danmuck/btpmux/internal/logging"
	"github.com/danmuck/btpmux/internal/observability"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	DefaultSubjectPrefix = "btpmux.events"
	DefaultStreamName    = "BTPMUX_EVENTS"
)

// JetStreamPublisher is the slice of jetstream.JetStream the publisher uses.
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSConfig configures the JetStream sink.
type NATSConfig struct {
	URL           string `toml:"url"`
	SubjectPrefix string `toml:"subject_prefix"`
	Stream        string `toml:"stream"`
	Buffer        int    `toml:"buffer"`
}

// NATSPublisher is an Observer that forwards events to JetStream from its own
// goroutine. Observe never blocks: when the buffer is full the event is dropped.
type NATSPublisher struct {
	js     JetStreamPublisher
	prefix string
	queue  chan Event
	log    zerolog.Logger
}

// NewNATSPublisher queues up to buffer events for subjects under prefix.
func NewNATSPublisher(js JetStreamPublisher, prefix string, buffer int) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if buffer <= 0 {
		buffer = 1024
	}
	return &NATSPublisher{
		js:     js,
		prefix: prefix,
		queue:  make(chan Event, buffer),
		log:    logging.Component("events.nats"),
	}
}

// Observe enqueues e, dropping it when the queue is full.
func (p *NATSPublisher) Observe(e Event) {
	select {
	case p.queue <- e:
	default:
		observability.RecordEventDrop("nats")
		p.log.Warn().Str("kind", string(e.Kind)).Msg("events.NATSPublisher queue full, dropping")
	}
}

// Subject returns the subject an event kind is published on.
func (p *NATSPublisher) Subject(k Kind) string {
	return fmt.Sprintf("%s.%s", p.prefix, k)
}

// Run publishes queued events until ctx ends.
func (p *NATSPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-p.queue:
			if err := p.publish(ctx, evt); err != nil {
				p.log.Warn().Err(err).Str("kind", string(evt.Kind)).Msg("events.NATSPublisher publish failed")
			}
		}
	}
}

func (p *NATSPublisher) publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = p.js.Publish(ctx, p.Subject(evt.Kind), data)
	return err
}

// ConnectJetStream dials url and ensures the events stream exists.
func ConnectJetStream(ctx context.Context, cfg NATSConfig) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("btpmuxd"))
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	if err := EnsureStream(ctx, js, cfg.Stream, cfg.SubjectPrefix); err != nil {
		nc.Close()
		return nil, nil, err
	}
	return nc, js, nil
}

// EnsureStream creates or updates the stream capturing prefix.>.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name, prefix string) error {
	if name == "" {
		name = DefaultStreamName
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{prefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create events stream: %w", err)
	}
	return nil
}
