// Package events announces finished turns on NATS so other services can
// follow what was asked and how it was answered.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kalambet/bizq/internal/storage"
)

// DefaultSubjectPrefix is prepended to every subject.
const DefaultSubjectPrefix = "bizq.turn"

// Subjects carrying turn events; the suffix separates answered turns from degraded ones.
const (
	suffixAnswered = "answered"
	suffixDegraded = "degraded"
)

// TurnEvent is the payload published for each turn.
type TurnEvent struct {
	TurnID     string    `json:"turn_id"`
	SessionID  string    `json:"session_id"`
	Question   string    `json:"question"`
	Category   string    `json:"category"`
	Confidence float64   `json:"confidence"`
	FollowUp   bool      `json:"follow_up"`
	Query      string    `json:"query,omitempty"`
	RowCount   int       `json:"row_count"`
	Degraded   bool      `json:"degraded"`
	Stage      string    `json:"stage,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	At         time.Time `json:"at"`
}

// conn is the part of *nats.Conn the publisher uses.
type conn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Close()
}

// Publisher publishes turn events.
type Publisher struct {
	conn   conn
	prefix string
	logger *slog.Logger
}

// Connect dials NATS. The connection retries in the background, so a server
// that is down at startup does not fail the call.
func Connect(url, token string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name("bizq"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return newPublisher(nc, DefaultSubjectPrefix, logger), nil
}

func newPublisher(c conn, prefix string, logger *slog.Logger) *Publisher {
	return &Publisher{conn: c, prefix: prefix, logger: logger}
}

// Subject returns the subject a turn is published on.
func (p *Publisher) Subject(t storage.Turn) string {
	if t.Degraded {
		return p.prefix + "." + suffixDegraded
	}
	return p.prefix + "." + suffixAnswered
}

// EventOf converts a recorded turn into its event payload.
func EventOf(t storage.Turn) TurnEvent {
	return TurnEvent{
		TurnID:     t.ID,
		SessionID:  t.SessionID,
		Question:   t.Question,
		Category:   t.Category,
		Confidence: t.Confidence,
		FollowUp:   t.FollowUp,
		Query:      t.Query,
		RowCount:   t.RowCount,
		Degraded:   t.Degraded,
		Stage:      t.Stage,
		Error:      t.Error,
		DurationMS: t.Duration.Milliseconds(),
		At:         t.CreatedAt,
	}
}

// PublishTurn publishes t and flushes so delivery errors surface before ctx ends.
func (p *Publisher) PublishTurn(ctx context.Context, t storage.Turn) error {
	payload, err := json.Marshal(EventOf(t))
	if err != nil {
		return fmt.Errorf("marshal turn event: %w", err)
	}
	subject := p.Subject(t)
	if err := p.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", subject, err)
	}
	p.logger.Debug("turn event published", "subject", subject, "session_id", t.SessionID)
	return nil
}

// Close closes the connection.
func (p *Publisher) Close() {
	p.conn.Close()
}
