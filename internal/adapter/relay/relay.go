// Package relay republishes committed run events to NATS so that consumers
// outside this process can follow runs.
package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/xiaot623/gogo/runplane/internal/domain"
)

// SubjectPrefix is the root of every relayed subject.
const SubjectPrefix = "runplane.runs"

type publisher interface {
	Publish(subject string, data []byte) error
}

// Relay publishes run events. A nil *Relay is valid and publishes nothing.
type Relay struct {
	pub    publisher
	conn   *nats.Conn
	logger *slog.Logger
}

// Connect dials the NATS server at url.
func Connect(url string, logger *slog.Logger) (*Relay, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats_relay")
	conn, err := nats.Connect(url,
		nats.Name("runplane"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &Relay{pub: conn, conn: conn, logger: logger}, nil
}

func newRelay(pub publisher, logger *slog.Logger) *Relay {
	return &Relay{pub: pub, logger: logger}
}

// Subject returns the subject carrying runID's events. NATS tokens cannot
// contain dots, spaces or wildcards, so those are replaced.
func Subject(runID string) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, runID)
	if token == "" {
		token = "_"
	}
	return SubjectPrefix + "." + token + ".events"
}

// Publish sends the event as JSON.
func (r *Relay) Publish(event domain.RunEvent) error {
	if r == nil || r.pub == nil {
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := r.pub.Publish(Subject(event.RunID), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (r *Relay) Close() {
	if r == nil || r.conn == nil {
		return
	}
	if err := r.conn.Drain(); err != nil {
		r.logger.Warn("nats drain failed", "error", err)
		r.conn.Close()
	}
}
