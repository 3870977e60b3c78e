// Package schedule drives periodic repository maintenance: eviction sweeps
// and background send attempts, on cron expressions rather than fixed
// tickers. Grounded on the teacher's automation trigger model
// (services/automation/automation_triggers.go), which resolves a cron
// expression to a next-execution time but stops short of wiring a real
// parser ("Production would use a full cron parser") — this package is
// that real parser, robfig/cron/v3.
package schedule

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/GibraltarSoftware/loupe-agent-go/internal/repository"
	"github.com/GibraltarSoftware/loupe-agent-go/internal/upload"
	"github.com/GibraltarSoftware/loupe-agent-go/pkg/logging"
)

// sendTimeout bounds one scheduled send cycle so a stalled upload can't wedge
// the next cron tick indefinitely.
const sendTimeout = 10 * time.Minute

// Scheduler owns a cron runner driving repository eviction and upload
// engine drains for a single agent instance.
type Scheduler struct {
	cron   *cron.Cron
	logger *logging.Logger
}

// New constructs a Scheduler. Schedules are standard 5-field cron
// expressions (minute hour day month weekday).
func New(logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		cron:   cron.New(),
		logger: logger,
	}
}

// ScheduleEviction registers a periodic eviction sweep against repo on the
// given cron expression (spec §4.3's disk cap enforcement). No repository
// operation, AddSession included, calls Evict on its own.
func (s *Scheduler) ScheduleEviction(spec string, repo *repository.Repository) error {
	_, err := s.cron.AddFunc(spec, func() {
		evicted, err := repo.Evict()
		if err != nil {
			s.logger.WithError(err).Warn("scheduled eviction failed")
			return
		}
		if evicted > 0 {
			s.logger.WithFields(map[string]interface{}{"evicted": evicted}).Info("scheduled eviction ran")
		}
	})
	return err
}

// ScheduleSend registers a periodic send attempt against completed sessions
// (spec §9's send_on_exit policy, generalized to a recurring background
// drain rather than only at process exit).
func (s *Scheduler) ScheduleSend(spec string, engine *upload.Engine, criteria repository.SessionCriteria) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := engine.SendSessions(ctx, criteria); err != nil {
			s.logger.WithError(err).Warn("scheduled send failed")
		}
	})
	return err
}

// Start begins running registered jobs in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
