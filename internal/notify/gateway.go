// Package notify delivers rendered messages to an address. The booking core
// and the reminder scheduler only see the Gateway interface.
package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hackgods/hams-appointments/internal/apperr"
	"github.com/hackgods/hams-appointments/internal/metrics"
)

var ErrDeliveryFailed = apperr.New(apperr.KindDeliveryFailure, "notification delivery failed")

type Message struct {
	Subject string
	Text    string
	HTML    string
}

// Gateway sends one message to one address. A nil error means the transport
// accepted the message.
type Gateway interface {
	Send(ctx context.Context, to string, msg Message) error
}

// LogGateway writes messages to the log instead of delivering them. It is
// used when no SMTP host is configured.
type LogGateway struct {
	log *zap.Logger
}

func NewLogGateway(log *zap.Logger) *LogGateway {
	return &LogGateway{log: log.Named("notify")}
}

func (g *LogGateway) Send(_ context.Context, to string, msg Message) error {
	g.log.Info("notification",
		zap.String("to", to),
		zap.String("subject", msg.Subject),
		zap.Int("text_bytes", len(msg.Text)),
	)
	return nil
}

// NewGateway picks SMTP delivery when a host is configured and the log
// gateway otherwise, behind a circuit breaker either way.
func NewGateway(smtp SMTPConfig, breaker BreakerSettings, log *zap.Logger, m *metrics.Collector) (*BreakerGateway, error) {
	var next Gateway
	if smtp.Host == "" {
		log.Warn("SMTP_HOST not set, notifications will only be logged")
		next = NewLogGateway(log)
	} else {
		g, err := NewSMTPGateway(smtp)
		if err != nil {
			return nil, fmt.Errorf("smtp gateway: %w", err)
		}
		next = g
	}
	return NewBreakerGateway(next, breaker, log, m), nil
}
