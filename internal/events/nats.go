package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix is the root of the gateway's event subject space. Events are
// published to <prefix>.<event type>, e.g. gateway.events.message.created.
const SubjectPrefix = "gateway.events"

// SubjectAll matches every gateway event; consumers such as the push
// dispatcher subscribe to it.
const SubjectAll = SubjectPrefix + ".>"

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "chat-gateway",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// Publisher wraps a NATS connection for publishing and consuming gateway
// events.
type Publisher struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs []*nats.Subscription
}

// Connect establishes the NATS connection with reconnect handling and
// returns a ready Publisher. It returns an error if the initial connection
// fails.
func Connect(config NATSConfig) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("events: nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())
	return &Publisher{conn: nc}, nil
}

// Publish emits one event onto its subject. Marshal or publish failures are
// returned; callers treat the event feed as best-effort and log them.
func (p *Publisher) Publish(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: marshal event %s: %w", event.Type, err)
	}
	subject := SubjectPrefix + "." + event.Type
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("events: publish %s: %w", subject, err)
	}
	return nil
}

// SubscribeAll registers a handler for every gateway event. Malformed
// payloads are logged and dropped.
func (p *Publisher) SubscribeAll(handler func(Event)) error {
	sub, err := p.conn.Subscribe(SubjectAll, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("[nats] bad event payload on %s: %v", msg.Subject, err)
			return
		}
		handler(event)
	})
	if err != nil {
		return fmt.Errorf("events: subscribe %s: %w", SubjectAll, err)
	}

	p.mu.Lock()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()
	return nil
}

// Close drains all subscriptions and the connection.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, sub := range p.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain subscription: %v", err)
		}
	}
	p.subs = nil

	if err := p.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
}
