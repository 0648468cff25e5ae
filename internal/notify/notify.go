// Package notify publishes grading run events.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pavelanni/autograder/internal/model"
)

// DefaultSubject is used when no subject is configured.
const DefaultSubject = "autograder.runs"

// publisher is the subset of *nats.Conn used here.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes run events as JSON on a subject. The status is appended to
// the subject, so consumers can subscribe to "<subject>.failed" alone.
type NATS struct {
	conn    publisher
	subject string
	close   func()
}

// Connect dials a NATS server.
func Connect(url, subject string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("autograder"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	n := newNATS(nc, subject)
	n.close = func() { _ = nc.Drain() }
	return n, nil
}

func newNATS(conn publisher, subject string) *NATS {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATS{conn: conn, subject: subject}
}

// Publish sends the event. The context is not used by the NATS client.
func (n *NATS) Publish(_ context.Context, event model.RunEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.conn.Publish(n.subject+"."+string(event.Status), payload); err != nil {
		return fmt.Errorf("publish run event: %w", err)
	}
	return nil
}

// Close drains the connection.
func (n *NATS) Close() {
	if n.close != nil {
		n.close()
	}
}
