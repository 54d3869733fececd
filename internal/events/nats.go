package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Connect dials NATS with reconnects enabled.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

// MessageBus is the subset of *nats.Conn used for publishing.
type MessageBus interface {
	Publish(subject string, data []byte) error
}

// NATS publishes JSON envelopes under prefix + subject.
type NATS struct {
	bus    MessageBus
	prefix string
}

func NewNATS(bus MessageBus, prefix string) *NATS {
	return &NATS{bus: bus, prefix: prefix}
}

func (n *NATS) Publish(ctx context.Context, subject string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env, err := newEnvelope(subject, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := n.bus.Publish(n.prefix+subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
