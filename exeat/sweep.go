/*
sweep.go - Periodic expiry and overdue-monitor sweeps

PURPOSE:
  Two independent, idempotent batch jobs invoked by an external
  scheduler (hourly in production):

  RunExpirySweep:
    Every non-terminal request whose return date has passed while it
    never got the student off campus is closed (completed + expired).
    No debt. This only unblocks new submissions.

  RunOverdueMonitorSweep:
    Every request whose student is off campus (security_signin,
    hostel_signin) and is past the 23:59:59 cutoff gets its debt
    recorded and is closed (completed + expired), in one transaction.
    For hostel_signin the student is already back through the gate, so
    the days are counted up to the security sign-in. An on-time sign-in
    is closed with no debt.

BATCH SEMANTICS:
  Candidates are read once, then each one is re-read and re-checked
  inside its own transaction, so a request approved or closed between
  the batch read and its turn is left alone. A failing item is logged
  and skipped; it stays eligible for the next run.
*/
package exeat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	SweepExpiry         = "expiry"
	SweepOverdueMonitor = "overdue_monitor"
)

// SweepFailure is one item the sweep could not process.
type SweepFailure struct {
	RequestID string
	StudentID string
	Err       error
}

// SweepReport summarises one sweep run.
type SweepReport struct {
	Kind          string
	StartedAt     time.Time
	FinishedAt    time.Time
	Scanned       int
	Expired       int
	Skipped       int
	DebtsRecorded int
	TotalDebt     decimal.Decimal
	Failures      []SweepFailure
}

// =============================================================================
// SWEEP RUNS - Persisted history of sweep reports
// =============================================================================

// SweepRun is the stored summary of one sweep.
type SweepRun struct {
	ID            string
	Kind          string
	StartedAt     time.Time
	FinishedAt    time.Time
	Scanned       int
	Expired       int
	Skipped       int
	DebtsRecorded int
	TotalDebt     decimal.Decimal
	Failed        int
	Error         string
}

// SweepLog records sweep runs. Optional; the scheduler uses it when the
// store provides it.
type SweepLog interface {
	SaveSweepRun(ctx context.Context, run SweepRun) error

	// ListSweepRuns returns runs newest first. Empty kind means all.
	ListSweepRuns(ctx context.Context, kind string, limit int) ([]SweepRun, error)
}

// Run converts the report into a SweepRun with the given id.
func (r *SweepReport) Run(id string) SweepRun {
	run := SweepRun{
		ID:            id,
		Kind:          r.Kind,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
		Scanned:       r.Scanned,
		Expired:       r.Expired,
		Skipped:       r.Skipped,
		DebtsRecorded: r.DebtsRecorded,
		TotalDebt:     r.TotalDebt,
		Failed:        len(r.Failures),
	}
	if len(r.Failures) > 0 {
		run.Error = r.Failures[0].Err.Error()
	}
	return run
}

// expiryCandidates are the statuses the expiry sweep looks at.
func expiryCandidates() []Status {
	var out []Status
	for _, s := range AllStatuses {
		if !notOverdueStatuses[s] {
			out = append(out, s)
		}
	}
	return out
}

var offCampusStatuses = []Status{StatusSecuritySignin, StatusHostelSignin}

// =============================================================================
// EXPIRY SWEEP
// =============================================================================

// RunExpirySweep closes stalled requests whose return date has passed.
// The returned error is non-nil only if the candidate list could not be
// loaded; per-item failures are in the report.
func (e *Engine) RunExpirySweep(ctx context.Context) (*SweepReport, error) {
	now := e.Clock.Now()
	report := &SweepReport{Kind: SweepExpiry, StartedAt: now, TotalDebt: decimal.Zero}

	candidates, err := e.Store.ListRequestsByStatus(ctx, expiryCandidates())
	if err != nil {
		return nil, fmt.Errorf("failed to list expiry candidates: %w", err)
	}
	report.Scanned = len(candidates)

	for i := range candidates {
		c := candidates[i]
		if !IsOverdue(&c, now, e.Location) {
			report.Skipped++
			continue
		}

		out, err := e.transition(ctx, step{
			requestID: c.ID,
			actor:     Actor{ID: string(RoleSystem), Role: RoleSystem},
			decision:  DecisionExpire,
			method:    MethodSystem,
			comment:   "return date passed before departure",
			guard: func(r *Request) error {
				if !IsOverdue(r, now, e.Location) {
					return errNothingToDo
				}
				return nil
			},
		})
		if errors.Is(err, errNothingToDo) {
			report.Skipped++
			continue
		}
		if err != nil {
			e.Logger.Printf("[Sweep] expiry: request %s student %s: %v", c.ID, c.StudentID, err)
			report.Failures = append(report.Failures, SweepFailure{RequestID: c.ID, StudentID: c.StudentID, Err: err})
			continue
		}

		report.Expired++
		e.notifyTransition(ctx, out)
	}

	report.FinishedAt = e.Clock.Now()
	e.Logger.Printf("[Sweep] expiry: scanned=%d expired=%d skipped=%d failed=%d",
		report.Scanned, report.Expired, report.Skipped, len(report.Failures))
	return report, nil
}

// =============================================================================
// OVERDUE MONITOR SWEEP
// =============================================================================

// RunOverdueMonitorSweep records debts for students still off campus
// after their cutoff and closes their requests. A request already signed
// in by security is charged as of that sign-in, never as of the sweep.
func (e *Engine) RunOverdueMonitorSweep(ctx context.Context) (*SweepReport, error) {
	now := e.Clock.Now()
	report := &SweepReport{Kind: SweepOverdueMonitor, StartedAt: now, TotalDebt: decimal.Zero}

	candidates, err := e.Store.ListRequestsByStatus(ctx, offCampusStatuses)
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue candidates: %w", err)
	}
	report.Scanned = len(candidates)

	for i := range candidates {
		c := candidates[i]
		if DaysOverdue(c.ReturnDate, now, e.Location) == 0 {
			report.Skipped++
			continue
		}

		comment := fmt.Sprintf("overdue by %d day(s)", DaysOverdue(c.ReturnDate, now, e.Location))
		if c.Status == StatusHostelSignin {
			comment = "signed in, hostel sign-in past cutoff"
		}

		var debt *Debt
		var written bool
		var stage Status
		out, err := e.transition(ctx, step{
			requestID: c.ID,
			actor:     Actor{ID: string(RoleSystem), Role: RoleSystem},
			decision:  DecisionExpire,
			method:    MethodSystem,
			guard: func(r *Request) error {
				if r.IsExpired || !r.Status.IsOffCampus() || DaysOverdue(r.ReturnDate, now, e.Location) == 0 {
					return errNothingToDo
				}
				stage = r.Status
				return nil
			},
			hook: func(ctx context.Context, s Store, r *Request, now time.Time) error {
				at := now
				if stage == StatusHostelSignin {
					var err error
					if at, err = signedInAt(ctx, s, r.ID); err != nil {
						return err
					}
				}
				days := DaysOverdue(r.ReturnDate, at, e.Location)
				if days == 0 {
					return nil
				}
				var err error
				debt, written, err = e.Ledger.RecordOverdueDebt(ctx, s, r, days, OverdueHours(r.ReturnDate, at, e.Location), now)
				return err
			},
			comment: comment,
		})
		if errors.Is(err, errNothingToDo) {
			report.Skipped++
			continue
		}
		if err != nil {
			e.Logger.Printf("[Sweep] overdue: request %s student %s: %v", c.ID, c.StudentID, err)
			report.Failures = append(report.Failures, SweepFailure{RequestID: c.ID, StudentID: c.StudentID, Err: err})
			continue
		}

		report.Expired++
		if debt != nil {
			report.TotalDebt = report.TotalDebt.Add(debt.TotalWithCharge)
			if written {
				report.DebtsRecorded++
				e.notifyDebt(ctx, debt)
			}
			e.Logger.Printf("[Sweep] overdue: request %s student %s %d day(s) late, debt %s",
				c.ID, c.StudentID, debt.DaysOverdue, debt.TotalWithCharge)
		}
		e.notifyTransition(ctx, out)
	}

	report.FinishedAt = e.Clock.Now()
	e.Logger.Printf("[Sweep] overdue: scanned=%d expired=%d debts=%d skipped=%d failed=%d",
		report.Scanned, report.Expired, report.DebtsRecorded, report.Skipped, len(report.Failures))
	return report, nil
}

// signedInAt returns when security last signed the student back in.
func signedInAt(ctx context.Context, s Store, requestID string) (time.Time, error) {
	approvals, err := s.ListApprovals(ctx, requestID)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load approvals for %s: %w", requestID, err)
	}
	for i := len(approvals) - 1; i >= 0; i-- {
		a := approvals[i]
		if a.FromStatus == StatusSecuritySignin && a.ToStatus == StatusHostelSignin {
			return a.CreatedAt, nil
		}
	}
	return time.Time{}, fmt.Errorf("request %s has no security sign-in", requestID)
}
