// Package events publishes pipeline lifecycle events.
//
// Events go to NATS subjects of the form:
//   - <prefix>.<project_id>.phase
//   - <prefix>.<project_id>.unit
//   - <prefix>.<project_id>.completed
//   - <prefix>.<project_id>.failed
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "foundry.projects"

// Event types, also the last subject token.
const (
	TypePhase     = "phase"
	TypeUnit      = "unit"
	TypeCompleted = "completed"
	TypeFailed    = "failed"
)

// Event is one pipeline notification.
type Event struct {
	Type          string    `json:"type"`
	ProjectID     string    `json:"project_id"`
	Phase         string    `json:"phase,omitempty"`
	UnitID        string    `json:"unit_id,omitempty"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
	WorkspacePath string    `json:"workspace_path,omitempty"`
	Time          time.Time `json:"time"`
}

// Terminal reports whether no further events follow for the project.
func (e Event) Terminal() bool {
	return e.Type == TypeCompleted || e.Type == TypeFailed
}

// Publisher sends events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Noop drops every event.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, Event) error { return nil }

// Close implements Publisher.
func (Noop) Close() error { return nil }

// NATSPublisher publishes JSON events on core NATS.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	owned  bool
	logger *zap.Logger
}

// Connect dials url and returns a publisher that owns the connection.
func Connect(url, prefix string, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("foundry"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	p := NewNATSPublisher(nc, prefix, logger)
	p.owned = true
	return p, nil
}

// NewNATSPublisher wraps an existing connection. Close does not close nc.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}
}

// Conn returns the underlying connection.
func (p *NATSPublisher) Conn() *nats.Conn { return p.nc }

// Subject returns the subject for a project's events of type typ.
// Use "*" as typ to match every event of the project.
func (p *NATSPublisher) Subject(projectID, typ string) string {
	return Subject(p.prefix, projectID, typ)
}

// Subject builds "<prefix>.<project_id>.<typ>". Characters NATS treats
// specially are replaced in the project id.
func Subject(prefix, projectID, typ string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + subjectToken(projectID) + "." + typ
}

var tokenReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_", "\t", "_")

func subjectToken(s string) string {
	if s == "" {
		return "unknown"
	}
	return tokenReplacer.Replace(s)
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := p.Subject(e.ProjectID, e.Type)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Type, err)
	}
	p.logger.Debug("event published", zap.String("subject", subject))
	return nil
}

// Subscribe delivers every event of projectID to ch until the returned
// subscription is drained or unsubscribed. Events are dropped while ch is
// full.
func (p *NATSPublisher) Subscribe(projectID string, ch chan<- Event) (*nats.Subscription, error) {
	return p.nc.Subscribe(p.Subject(projectID, "*"), func(msg *nats.Msg) {
		var e Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			p.logger.Warn("dropping malformed event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		select {
		case ch <- e:
		default:
			p.logger.Warn("subscriber too slow, dropping event", zap.String("subject", msg.Subject))
		}
	})
}

// Close flushes pending events and closes the connection if it is owned.
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return p.nc.Flush()
	}
	return p.nc.Drain()
}
