package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler is a group of interval jobs that start and stop together.
type Scheduler struct {
	Cron *cron.Cron
	log  *zap.SugaredLogger
	jobs []string
}

// NewScheduler creates a Scheduler. Jobs that are still running when their
// next tick arrives are skipped, and panics are recovered and logged.
func NewScheduler(log *zap.SugaredLogger) *Scheduler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	logger := cronLogger{log}
	return &Scheduler{
		Cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)),
		),
		log: log,
	}
}

// Every registers fn to run once per interval.
func (s *Scheduler) Every(name string, interval time.Duration, fn func()) error {
	if interval <= 0 {
		return fmt.Errorf("register %s: interval must be positive, got %v", name, interval)
	}
	if _, err := s.Cron.AddFunc("@every "+interval.String(), fn); err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}
	s.jobs = append(s.jobs, name)
	return nil
}

// Jobs returns the names of registered jobs.
func (s *Scheduler) Jobs() []string {
	return append([]string(nil), s.jobs...)
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	s.log.Debugf("scheduler started: %v", s.jobs)
}

// Stop stops the scheduler and waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	s.log.Debugf("scheduler stopped: %v", s.jobs)
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
