package notify

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/hackgods/hams-appointments/internal/apperr"
	"github.com/hackgods/hams-appointments/internal/metrics"
)

type BreakerSettings struct {
	Name                string
	ConsecutiveFailures uint32        // failures that open the breaker
	OpenTimeout         time.Duration // time spent open before a probe
	HalfOpenRequests    uint32
}

// BreakerGateway fails fast while the wrapped gateway keeps failing.
type BreakerGateway struct {
	next Gateway
	cb   *gobreaker.CircuitBreaker[struct{}]
}

func NewBreakerGateway(next Gateway, st BreakerSettings, log *zap.Logger, m *metrics.Collector) *BreakerGateway {
	if st.Name == "" {
		st.Name = "notify"
	}
	if st.ConsecutiveFailures == 0 {
		st.ConsecutiveFailures = 5
	}
	if st.OpenTimeout <= 0 {
		st.OpenTimeout = 30 * time.Second
	}
	if st.HalfOpenRequests == 0 {
		st.HalfOpenRequests = 1
	}

	log = log.Named("breaker")
	m.Breaker(st.Name, int(gobreaker.StateClosed))

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        st.Name,
		MaxRequests: st.HalfOpenRequests,
		Timeout:     st.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= st.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("gateway breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			m.Breaker(name, int(to))
		},
	})

	return &BreakerGateway{next: next, cb: cb}
}

func (g *BreakerGateway) Send(ctx context.Context, to string, msg Message) error {
	_, err := g.cb.Execute(func() (struct{}, error) {
		return struct{}{}, g.next.Send(ctx, to, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperr.Wrap(apperr.KindDeliveryFailure, "notification gateway unavailable", err)
	}
	return err
}

func (g *BreakerGateway) State() gobreaker.State {
	return g.cb.State()
}
