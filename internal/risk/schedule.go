package risk

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultResetSpec runs the daily reset at local midnight.
const DefaultResetSpec = "0 0 * * *"

// Scheduler fires Manager.DailyReset on a cron schedule in the trading timezone.
type Scheduler struct {
	manager *Manager
	cron    *cron.Cron
	spec    string
	logger  *zap.Logger
}

// NewScheduler parses spec in loc. An empty spec means DefaultResetSpec; a nil loc
// means UTC.
func NewScheduler(m *Manager, spec string, loc *time.Location, logger *zap.Logger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultResetSpec
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		manager: m,
		cron:    cron.New(cron.WithLocation(loc)),
		spec:    spec,
		logger:  logger,
	}
	if _, err := s.cron.AddFunc(spec, m.DailyReset); err != nil {
		return nil, fmt.Errorf("add daily reset %q: %w", spec, err)
	}
	return s, nil
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("risk daily reset scheduled",
		zap.String("cron_expression", s.spec),
		zap.String("location", s.cron.Location().String()))
}

// Stop halts the scheduler and waits for a running reset to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Next returns the next scheduled reset time.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	if !entries[0].Next.IsZero() {
		return entries[0].Next
	}
	return entries[0].Schedule.Next(time.Now().In(s.cron.Location()))
}
