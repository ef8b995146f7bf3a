package notify

import (
	"context"
	"errors"

	"github.com/go-gomail/gomail"

	"github.com/hackgods/hams-appointments/internal/apperr"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
}

type SMTPGateway struct {
	cfg    SMTPConfig
	dialer *gomail.Dialer
}

func NewSMTPGateway(cfg SMTPConfig) (*SMTPGateway, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp host is required")
	}
	if cfg.From == "" {
		return nil, errors.New("smtp from address is required")
	}
	return &SMTPGateway{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}, nil
}

func (g *SMTPGateway) Send(ctx context.Context, to string, msg Message) error {
	if to == "" {
		return apperr.Wrap(apperr.KindDeliveryFailure, "send email", errors.New("empty recipient"))
	}

	m := gomail.NewMessage()
	m.SetHeader("From", m.FormatAddress(g.cfg.From, g.cfg.FromName))
	m.SetHeader("To", to)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Text)
	if msg.HTML != "" {
		m.AddAlternative("text/html", msg.HTML)
	}

	// gomail has no context support; the dial runs in its own goroutine so
	// the caller's deadline still bounds the wait.
	done := make(chan error, 1)
	go func() {
		done <- g.dialer.DialAndSend(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			return apperr.Wrap(apperr.KindDeliveryFailure, "send email", err)
		}
		return nil
	case <-ctx.Done():
		return apperr.Wrap(apperr.KindDeliveryFailure, "send email", ctx.Err())
	}
}
