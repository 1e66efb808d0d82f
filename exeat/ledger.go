/*
ledger.go - Debt ledger for late returns

PURPOSE:
  Turns "N days overdue" into a StudentExeatDebt. The ledger never
  writes by itself: it runs on the Store handle of the caller's
  transaction, so the debt and the request's expiry flags commit
  together.

IDEMPOTENCY:
  One debt per exeat request. Re-running the calculation:
  - no debt yet           → create it (unpaid)
  - unpaid, more days now → update amount/days/hours in place
  - unpaid, same or fewer → no write
  - paid or cleared       → no write

  Amounts never go down, and an unchanged state writes nothing, so
  sweeps can be re-run safely.

PAYMENT STATUS:
  unpaid → paid → cleared, or unpaid → cleared (waiver). Never back.
*/
package exeat

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DebtLedger computes and records overdue debts.
type DebtLedger struct {
	// Unit is the charge per started overdue day.
	Unit decimal.Decimal

	// ChargeRate is the processing charge as a fraction of Amount.
	ChargeRate decimal.Decimal

	NewID func() string
}

func NewDebtLedger(unit, chargeRate decimal.Decimal) *DebtLedger {
	return &DebtLedger{Unit: unit, ChargeRate: chargeRate, NewID: uuid.NewString}
}

// ProcessingCharge is amount × rate, rounded to 2 decimal places.
func (l *DebtLedger) ProcessingCharge(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(l.ChargeRate).Round(2)
}

// RecordOverdueDebt creates or refreshes the debt of r. It reports
// whether anything was written.
func (l *DebtLedger) RecordOverdueDebt(
	ctx context.Context,
	s Store,
	r *Request,
	days int,
	hours int,
	now time.Time,
) (*Debt, bool, error) {
	if days <= 0 {
		return nil, false, nil
	}

	existing, err := s.GetDebtByRequest(ctx, r.ID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load debt for %s: %w", r.ID, err)
	}

	amount := PotentialDebt(days, l.Unit)
	charge := l.ProcessingCharge(amount)

	if existing != nil {
		if existing.PaymentStatus != PaymentUnpaid || days <= existing.DaysOverdue {
			return existing, false, nil
		}
		existing.Amount = amount
		existing.ProcessingCharge = charge
		existing.TotalWithCharge = amount.Add(charge)
		existing.DaysOverdue = days
		existing.OverdueHours = hours
		existing.UpdatedAt = now
		if err := s.SaveDebt(ctx, *existing); err != nil {
			return nil, false, fmt.Errorf("failed to update debt %s: %w", existing.ID, err)
		}
		return existing, true, nil
	}

	debt := Debt{
		ID:               l.NewID(),
		ExeatRequestID:   r.ID,
		StudentID:        r.StudentID,
		Amount:           amount,
		ProcessingCharge: charge,
		TotalWithCharge:  amount.Add(charge),
		DaysOverdue:      days,
		OverdueHours:     hours,
		PaymentStatus:    PaymentUnpaid,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.SaveDebt(ctx, debt); err != nil {
		return nil, false, fmt.Errorf("failed to record debt for %s: %w", r.ID, err)
	}
	return &debt, true, nil
}

// markPaid moves an unpaid debt to paid.
func markPaid(d *Debt, reference, proof string, now time.Time) error {
	if d.PaymentStatus != PaymentUnpaid {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidPaymentTransition, d.PaymentStatus, PaymentPaid)
	}
	d.PaymentStatus = PaymentPaid
	d.PaymentReference = reference
	d.PaymentProof = proof
	d.UpdatedAt = now
	return nil
}

// markCleared moves an unpaid or paid debt to cleared.
func markCleared(d *Debt, staffID string, now time.Time) error {
	if d.PaymentStatus == PaymentCleared {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidPaymentTransition, d.PaymentStatus, PaymentCleared)
	}
	d.PaymentStatus = PaymentCleared
	d.ClearedBy = staffID
	at := now
	d.ClearedAt = &at
	d.UpdatedAt = now
	return nil
}
