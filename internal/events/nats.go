package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/OneBeatTrue/code-agent/internal/githost"
	"github.com/OneBeatTrue/code-agent/internal/logging"
)

// NATSPublisher publishes events as JSON on core NATS subjects.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	owned  bool
	logger *logging.Logger
}

// Connect dials url and returns a publisher that owns the connection.
func Connect(url, prefix string, logger *logging.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("code-agent"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	p := NewNATSPublisher(nc, prefix, logger)
	p.owned = true
	return p, nil
}

// NewNATSPublisher publishes on an existing connection. The caller keeps
// ownership of nc.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *logging.Logger) *NATSPublisher {
	if logger == nil {
		logger = logging.NewNop()
	}
	if prefix == "" {
		prefix = "codeagent"
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger.Named("events")}
}

// Subject returns the subject ev is published on.
func (p *NATSPublisher) Subject(ev Event) string {
	owner, repo, err := githost.SplitRepo(ev.Repository)
	if err != nil {
		owner, repo = "unknown", ev.Repository
	}
	return strings.Join([]string{
		p.prefix, "cycle",
		token(owner), token(repo), strconv.Itoa(ev.IssueNumber),
		string(ev.Kind),
	}, ".")
}

// Publish sends ev. Time is filled in when unset.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := p.Subject(ev)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Kind, err)
	}
	p.logger.Debug(ctx, "published event", zap.String("subject", subject))
	return nil
}

// Check reports whether the connection is up. It fits a health check.
func (p *NATSPublisher) Check(context.Context) error {
	if status := p.nc.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats %s", status)
	}
	return nil
}

// Close flushes pending messages and closes the connection if the
// publisher opened it.
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return nil
	}
	defer p.nc.Close()
	if err := p.nc.FlushTimeout(2 * time.Second); err != nil {
		return fmt.Errorf("flush NATS: %w", err)
	}
	return nil
}

// token makes s safe as a single subject token.
func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, s)
}
