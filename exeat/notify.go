/*
notify.go - Notification collaborator

PURPOSE:
  The engine tells people about stage changes, rejections, weekday
  absences, expiries and debts. Delivery (email, SMS, WhatsApp) is
  someone else's job; the engine only hands a Notification to a
  Notifier after its transaction has committed.

FIRE-AND-FORGET:
  AsyncNotifier runs each delivery in its own goroutine with a timeout.
  Failures are logged as ErrDeliveryFailure and never reach the caller,
  so a broken mail relay cannot undo an approval.
*/
package exeat

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

type RecipientType string

const (
	RecipientStudent RecipientType = "student"
	RecipientParent  RecipientType = "parent"
	RecipientRole    RecipientType = "staff_role"
	RecipientStaff   RecipientType = "staff"
)

type NotificationType string

const (
	NotifyStageChanged   NotificationType = "stage_changed"
	NotifyRejected       NotificationType = "exeat_rejected"
	NotifyWeekdayAbsence NotificationType = "weekday_absence"
	NotifyExpired        NotificationType = "exeat_expired"
	NotifyOverdueDebt    NotificationType = "overdue_debt"
	NotifyDebtUpdated    NotificationType = "debt_updated"
)

type Notification struct {
	RecipientType RecipientType
	RecipientID   string
	Type          NotificationType
	Payload       map[string]any
}

// Notifier delivers a notification.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// =============================================================================
// LOG NOTIFIER
// =============================================================================

// LogNotifier writes notifications to a logger. Used when no delivery
// channel is configured.
type LogNotifier struct {
	Logger *log.Logger
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("[Notify] %s -> %s:%s %v", n.Type, n.RecipientType, n.RecipientID, n.Payload)
	return nil
}

// =============================================================================
// ASYNC NOTIFIER
// =============================================================================

// AsyncNotifier dispatches in the background. Notify always returns nil.
type AsyncNotifier struct {
	Next    Notifier
	Timeout time.Duration
	Logger  *log.Logger

	wg sync.WaitGroup
}

func NewAsyncNotifier(next Notifier, timeout time.Duration, logger *log.Logger) *AsyncNotifier {
	if logger == nil {
		logger = log.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AsyncNotifier{Next: next, Timeout: timeout, Logger: logger}
}

func (a *AsyncNotifier) Notify(_ context.Context, n Notification) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				a.Logger.Printf("[Notify] %v: %s to %s:%s panicked: %v",
					ErrDeliveryFailure, n.Type, n.RecipientType, n.RecipientID, r)
			}
		}()

		// Detached from the caller's context: the request may already be done.
		ctx, cancel := context.WithTimeout(context.Background(), a.Timeout)
		defer cancel()

		if err := a.Next.Notify(ctx, n); err != nil {
			a.Logger.Printf("[Notify] %v", fmt.Errorf("%w: %s to %s:%s: %v",
				ErrDeliveryFailure, n.Type, n.RecipientType, n.RecipientID, err))
		}
	}()
	return nil
}

// Wait blocks until in-flight deliveries finish.
func (a *AsyncNotifier) Wait() {
	a.wg.Wait()
}

// dispatch sends n and logs any error. Used by the engine after commit.
func dispatch(ctx context.Context, notifier Notifier, logger *log.Logger, n Notification) {
	if notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Printf("[Notify] %v: %s panicked: %v", ErrDeliveryFailure, n.Type, r)
		}
	}()
	if err := notifier.Notify(ctx, n); err != nil {
		logger.Printf("[Notify] %v: %s to %s:%s: %v",
			ErrDeliveryFailure, n.Type, n.RecipientType, n.RecipientID, err)
	}
}
