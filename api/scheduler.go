/*
scheduler.go - Background sweeps for exeat expiry and overdue returns

PURPOSE:
  Runs the two periodic sweeps in-process:
  - Expiry: closes requests whose window passed before the student left
  - Overdue monitor: records debt for students still off campus and
    closes their requests

  Each sweep produces a SweepRun that is saved to the SweepLog when one
  is configured, so operators can see what ran and what it cost.

USAGE:
  scheduler := api.NewSweepScheduler(engine, store)
  scheduler.Start()
  defer scheduler.Stop()

CONFIGURATION:
  - CheckInterval: How often to run the sweeps (default: 1 hour)
  - Schedule: Optional cron spec ("5 0 * * *"); replaces the interval
  - Location: Timezone the cron spec is read in
  - Enabled: Whether to run automatically

SEE ALSO:
  - exeat/sweep.go: The sweep logic itself
*/
package api

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/warp/exeat-engine/exeat"
)

// SweepScheduler runs the expiry and overdue sweeps on a ticker.
type SweepScheduler struct {
	Engine        *exeat.Engine
	Log           exeat.SweepLog
	CheckInterval time.Duration
	Schedule      string
	Location      *time.Location
	Enabled       bool

	cron   *cron.Cron
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweepScheduler creates a scheduler. sweepLog may be nil.
func NewSweepScheduler(engine *exeat.Engine, sweepLog exeat.SweepLog) *SweepScheduler {
	return &SweepScheduler{
		Engine:        engine,
		Log:           sweepLog,
		CheckInterval: time.Hour,
		Enabled:       true,
	}
}

// Start begins the background sweeps. It fails only on a bad cron spec.
func (s *SweepScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled || s.ticker != nil || s.cron != nil {
		return nil
	}

	if s.Schedule != "" {
		loc := s.Location
		if loc == nil {
			loc = time.UTC
		}
		c := cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
		)
		if _, err := c.AddFunc(s.Schedule, func() { s.RunNow(context.Background()) }); err != nil {
			return fmt.Errorf("invalid sweep schedule %q: %w", s.Schedule, err)
		}
		c.Start()
		s.cron = c
		log.Printf("[Scheduler] Started with schedule %q (%s)", s.Schedule, loc)
		return nil
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})

	s.wg.Add(1)
	go s.run()

	log.Printf("[Scheduler] Started with check interval: %v", s.CheckInterval)
	return nil
}

// Stop halts the scheduler and waits for an in-flight sweep to finish.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	if c := s.cron; c != nil {
		s.cron = nil
		s.mu.Unlock()
		<-c.Stop().Done()
		log.Printf("[Scheduler] Stopped")
		return
	}
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.ticker = nil
	s.mu.Unlock()

	s.wg.Wait()
	log.Printf("[Scheduler] Stopped")
}

func (s *SweepScheduler) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.RunNow(context.Background())

	for {
		s.mu.Lock()
		ticker := s.ticker
		s.mu.Unlock()
		if ticker == nil {
			return
		}

		select {
		case <-ticker.C:
			s.RunNow(context.Background())
		case <-s.stop:
			return
		}
	}
}

// RunNow runs the expiry sweep then the overdue monitor sweep. A failure
// of one does not prevent the other.
func (s *SweepScheduler) RunNow(ctx context.Context) []exeat.SweepRun {
	var runs []exeat.SweepRun

	if report, err := s.Engine.RunExpirySweep(ctx); err != nil {
		log.Printf("[Scheduler] Expiry sweep failed: %v", err)
		runs = append(runs, s.record(ctx, s.failedRun(exeat.SweepExpiry, err)))
	} else {
		runs = append(runs, s.record(ctx, report.Run(uuid.NewString())))
	}

	if report, err := s.Engine.RunOverdueMonitorSweep(ctx); err != nil {
		log.Printf("[Scheduler] Overdue sweep failed: %v", err)
		runs = append(runs, s.record(ctx, s.failedRun(exeat.SweepOverdueMonitor, err)))
	} else {
		runs = append(runs, s.record(ctx, report.Run(uuid.NewString())))
	}

	return runs
}

// RunOne runs a single sweep by kind and records it.
func (s *SweepScheduler) RunOne(ctx context.Context, kind string) (*exeat.SweepReport, error) {
	var (
		report *exeat.SweepReport
		err    error
	)
	switch kind {
	case exeat.SweepExpiry:
		report, err = s.Engine.RunExpirySweep(ctx)
	case exeat.SweepOverdueMonitor:
		report, err = s.Engine.RunOverdueMonitorSweep(ctx)
	default:
		return nil, errUnknownSweep
	}
	if err != nil {
		s.record(ctx, s.failedRun(kind, err))
		return nil, err
	}
	s.record(ctx, report.Run(uuid.NewString()))
	return report, nil
}

func (s *SweepScheduler) record(ctx context.Context, run exeat.SweepRun) exeat.SweepRun {
	if run.Scanned > 0 || run.Error != "" {
		log.Printf("[Scheduler] %s: %d scanned, %d expired, %d debts (%s), %d failed",
			run.Kind, run.Scanned, run.Expired, run.DebtsRecorded, run.TotalDebt.StringFixed(2), run.Failed)
	}
	if s.Log == nil {
		return run
	}
	if err := s.Log.SaveSweepRun(ctx, run); err != nil {
		log.Printf("[Scheduler] Error saving sweep run %s: %v", run.ID, err)
	}
	return run
}

func (s *SweepScheduler) failedRun(kind string, err error) exeat.SweepRun {
	now := s.Engine.Clock.Now()
	return exeat.SweepRun{
		ID:         uuid.NewString(),
		Kind:       kind,
		StartedAt:  now,
		FinishedAt: now,
		Error:      err.Error(),
	}
}
