package monitor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"arb-core/internal/events"
	"arb-core/internal/persistence"
)

// Topics the monitor forwards to alert sinks.
var Topics = []events.Event{
	events.EventKillSwitch,
	events.EventLiquidated,
	events.EventLegFailure,
	events.EventConnectivity,
}

// Enqueuer accepts durable write requests; *persistence.Writer satisfies it.
type Enqueuer interface {
	Enqueue(req persistence.Request) error
}

// Monitor watches alert topics, delivers them to the sinks and records each one.
type Monitor struct {
	Bus       *events.Bus
	Sinks     []AlertSink
	Writer    Enqueuer
	SessionID string
	Logger    *zap.Logger

	done chan struct{}
}

// Start subscribes and processes alerts until ctx ends.
func (m *Monitor) Start(ctx context.Context) {
	m.done = make(chan struct{})
	if m.Logger == nil {
		m.Logger = zap.NewNop()
	}
	if m.Bus == nil {
		m.Logger.Warn("monitor not fully configured; skipping")
		close(m.done)
		return
	}
	stream, unsub := m.Bus.SubscribeMany(Topics, 64)
	go func() {
		defer close(m.done)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				alert, ok := msg.(events.Alert)
				if !ok {
					m.Logger.Warn("unexpected alert payload", zap.Any("payload", msg))
					continue
				}
				m.handle(ctx, alert)
			}
		}
	}()
}

// Done is closed when the monitor loop has exited.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

func (m *Monitor) handle(ctx context.Context, a events.Alert) {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	for _, sink := range m.Sinks {
		if err := sink.Send(ctx, a); err != nil {
			m.Logger.Warn("alert delivery failed",
				zap.String("topic", string(a.Topic)),
				zap.Error(err))
		}
	}
	if m.Writer == nil {
		return
	}
	err := m.Writer.Enqueue(persistence.AlertRecord{
		ID:        uuid.NewString(),
		SessionID: m.SessionID,
		Severity:  string(a.Severity),
		Topic:     string(a.Topic),
		Message:   a.Message,
		CreatedAt: a.At,
	})
	if err != nil {
		m.Logger.Warn("alert not recorded", zap.String("topic", string(a.Topic)), zap.Error(err))
	}
}
