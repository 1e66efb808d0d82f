/*
engine.go - Exeat request lifecycle

PURPOSE:
  Engine applies every state change of an exeat request:
  1. Submit:        create pending, route to cmd_review or secretary_review
  2. ApplyApproval: staff approve/reject at their stage
  3. SignOut/SignIn: security fast-track
     Any step into hostel_signin records the late-return debt, whether
     it came through SignIn or ApplyApproval.
  4. Cancel/Appeal: student exits
  5. Sweeps:        see sweep.go

TRANSITION FLOW:
  ┌──────────────────────────────────────────────────────────────────┐
  │  WithTx:                                                         │
  │    LockRequest → guard → resolve role → table row → fsm advance  │
  │    → late-return debt (security_signin → hostel_signin only)     │
  │    → hook → UpdateRequest (version check) → AppendApproval       │
  │  commit                                                          │
  │  notify (fire-and-forget)                                        │
  └──────────────────────────────────────────────────────────────────┘

  A failed step rolls back everything written in the transaction.
  Notifications are sent only after commit and their errors are logged.

CONCURRENCY:
  Two approvals racing on one request are serialised by the store
  (row lock or store mutex) and the version check. The loser re-reads
  the advanced status inside its own transaction and fails with
  ErrInvalidStageTransition, or ErrStaleState if it lost the version race.

EXAMPLE:
  engine := exeat.NewEngine(store, exeat.Config{BaseDebtUnit: decimal.NewFromInt(10000)})
  req, err := engine.Submit(ctx, exeat.SubmitInput{StudentID: "stu-1", ...})
  req, err = engine.ApplyApproval(ctx, exeat.ApprovalInput{
      RequestID: req.ID, ActorID: "staff-9", Role: exeat.RoleSecretary,
      Decision: exeat.DecisionApprove,
  })
*/
package exeat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// CONFIG
// =============================================================================

// Config carries the engine's tunables. Zero values get defaults.
type Config struct {
	// Location anchors the 23:59:59 cutoff. Default UTC.
	Location *time.Location

	// BaseDebtUnit is charged per started overdue day. Default 10000.
	BaseDebtUnit decimal.Decimal

	// ProcessingChargeRate is added on top of the debt. Default 0.
	ProcessingChargeRate decimal.Decimal

	Policy    AuthorizationPolicy
	Directory Directory
	Notifier  Notifier
	Clock     Clock
	Logger    *log.Logger
}

// DefaultBaseDebtUnit is the per-day penalty when none is configured.
var DefaultBaseDebtUnit = decimal.NewFromInt(10000)

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Store     TxStore
	Directory Directory
	Policy    AuthorizationPolicy
	Notifier  Notifier
	Clock     Clock
	Ledger    *DebtLedger
	Location  *time.Location
	Logger    *log.Logger

	NewID func() string

	fsmHandler slog.Handler
}

func NewEngine(store TxStore, cfg Config) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.BaseDebtUnit.IsZero() {
		cfg.BaseDebtUnit = DefaultBaseDebtUnit
	}
	if cfg.Policy == nil {
		cfg.Policy = NewPolicy()
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	return &Engine{
		Store:      store,
		Directory:  cfg.Directory,
		Policy:     cfg.Policy,
		Notifier:   cfg.Notifier,
		Clock:      cfg.Clock,
		Ledger:     NewDebtLedger(cfg.BaseDebtUnit, cfg.ProcessingChargeRate),
		Location:   cfg.Location,
		Logger:     cfg.Logger,
		NewID:      uuid.NewString,
		fsmHandler: slog.NewTextHandler(cfg.Logger.Writer(), &slog.HandlerOptions{Level: slog.LevelWarn}),
	}
}

// =============================================================================
// INPUTS
// =============================================================================

type SubmitInput struct {
	StudentID     string
	Category      string
	Reason        string
	Destination   string
	DepartureDate time.Time
	ReturnDate    time.Time
	Parent        ParentContact
	IsMedical     bool
}

type ApprovalInput struct {
	RequestID string
	ActorID   string
	Role      Role
	Decision  Decision
	Comment   string

	// Method defaults to MethodManual.
	Method Method

	// ExpectedStatus, when set, must match the stored status.
	ExpectedStatus Status
}

// =============================================================================
// TRANSITION CORE
// =============================================================================

// errNothingToDo aborts a transaction without it being a failure.
var errNothingToDo = errors.New("nothing to do")

type step struct {
	requestID string
	actor     Actor
	decision  Decision
	method    Method
	comment   string
	expected  Status

	// resolve routes the actor's role through the authorization policy.
	resolve bool

	// guard runs on the locked request before the table lookup.
	guard func(r *Request) error

	// hook runs after the status change, before it is persisted.
	hook func(ctx context.Context, s Store, r *Request, now time.Time) error
}

type outcome struct {
	request  *Request
	approval Approval
	from     Status

	// debt is set when the step wrote a late-return debt.
	debt *Debt
}

func (e *Engine) transition(ctx context.Context, st step) (*outcome, error) {
	now := e.Clock.Now()
	var out *outcome

	err := e.Store.WithTx(ctx, func(s Store) error {
		r, err := s.LockRequest(ctx, st.requestID)
		if err != nil {
			return err
		}
		out, err = e.applyStep(ctx, s, r, st, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// applyStep moves a locked request one row of the table and persists it
// on s. The caller owns the transaction.
func (e *Engine) applyStep(ctx context.Context, s Store, r *Request, st step, now time.Time) (*outcome, error) {
	if st.expected != "" && r.Status != st.expected {
		return nil, &StaleStateError{RequestID: r.ID, Expected: st.expected, Actual: r.Status}
	}
	if st.guard != nil {
		if err := st.guard(r); err != nil {
			return nil, err
		}
	}

	role := st.actor.Role
	if st.resolve {
		role = e.Policy.ResolveRole(st.actor, r.Status)
	}

	tr, ok := TransitionFor(r, role, st.decision)
	if !ok {
		return nil, &TransitionError{RequestID: r.ID, From: r.Status, Role: role, Decision: st.decision}
	}
	next, err := advance(e.fsmHandler, tr.From, tr.To)
	if err != nil {
		return nil, err
	}

	from := r.Status
	if st.decision == DecisionExpire {
		r.expire(now)
	} else {
		r.Status = next
		r.UpdatedAt = now
	}

	// Security sign-in is the moment a late return is charged, whichever
	// entry point moved the request.
	var debt *Debt
	if from == StatusSecuritySignin && r.Status == StatusHostelSignin {
		if debt, err = e.recordLateReturn(ctx, s, r, now); err != nil {
			return nil, err
		}
	}

	if st.hook != nil {
		if err := st.hook(ctx, s, r, now); err != nil {
			return nil, err
		}
	}

	if err := s.UpdateRequest(ctx, r); err != nil {
		return nil, err
	}

	approval := Approval{
		ID:             e.NewID(),
		ExeatRequestID: r.ID,
		ActorID:        st.actor.ID,
		Role:           role,
		Decision:       st.decision,
		Method:         st.method,
		Comment:        st.comment,
		FromStatus:     from,
		ToStatus:       r.Status,
		CreatedAt:      now,
	}
	if err := s.AppendApproval(ctx, approval); err != nil {
		return nil, fmt.Errorf("failed to record approval: %w", err)
	}

	return &outcome{request: r, approval: approval, from: from, debt: debt}, nil
}

// recordLateReturn charges a student signed in after the cutoff. The
// amount is fixed at the sign-in instant.
func (e *Engine) recordLateReturn(ctx context.Context, s Store, r *Request, at time.Time) (*Debt, error) {
	days := DaysOverdue(r.ReturnDate, at, e.Location)
	if days == 0 {
		return nil, nil
	}
	d, written, err := e.Ledger.RecordOverdueDebt(ctx, s, r, days, OverdueHours(r.ReturnDate, at, e.Location), at)
	if err != nil || !written {
		return nil, err
	}
	return d, nil
}

// authorizeStaff checks the actor holds the claimed role when a
// directory is configured. Privileged identities skip the role check.
func (e *Engine) authorizeStaff(ctx context.Context, actor Actor) error {
	if e.Directory == nil {
		return nil
	}
	switch actor.Role {
	case RoleSystem, RoleStudent, RoleParent:
		return nil
	}
	staff, err := e.Directory.GetStaff(ctx, actor.ID)
	if err != nil {
		return err
	}
	if staff.HasRole(actor.Role) {
		return nil
	}
	if p, ok := e.Policy.(interface{ IsPrivileged(string) bool }); ok && p.IsPrivileged(actor.ID) {
		return nil
	}
	return fmt.Errorf("%w: %s is not %s", ErrNotAuthorized, actor.ID, actor.Role)
}

// =============================================================================
// SUBMIT
// =============================================================================

// Submit creates a request and routes it to its first review stage.
func (e *Engine) Submit(ctx context.Context, in SubmitInput) (*Request, error) {
	if in.ReturnDate.Before(in.DepartureDate) {
		return nil, ErrInvalidDates
	}

	if e.Directory != nil {
		student, err := e.Directory.GetStudent(ctx, in.StudentID)
		if err != nil {
			return nil, err
		}
		if in.Parent.Name == "" {
			in.Parent.Name = student.ParentName
		}
		if in.Parent.Phone == "" {
			in.Parent.Phone = student.ParentPhone
		}
		if in.Parent.Email == "" {
			in.Parent.Email = student.ParentEmail
		}
	}

	now := e.Clock.Now()
	r := &Request{
		ID:            e.NewID(),
		StudentID:     in.StudentID,
		Category:      strings.TrimSpace(in.Category),
		Reason:        strings.TrimSpace(in.Reason),
		Destination:   strings.TrimSpace(in.Destination),
		DepartureDate: in.DepartureDate,
		ReturnDate:    in.ReturnDate,
		Parent:        in.Parent,
		Status:        StatusPending,
		IsMedical:     in.IsMedical,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var out *outcome
	err := e.Store.WithTx(ctx, func(s Store) error {
		existing, err := s.ListStudentRequests(ctx, in.StudentID)
		if err != nil {
			return err
		}
		for _, x := range existing {
			if x.IsActive() {
				return fmt.Errorf("%w: %s", ErrActiveRequestExists, x.ID)
			}
		}

		debts, err := s.ListStudentDebts(ctx, in.StudentID)
		if err != nil {
			return err
		}
		for _, d := range debts {
			if !d.IsResolved() {
				return fmt.Errorf("%w: %s", ErrOutstandingDebt, d.ID)
			}
		}

		if err := s.CreateRequest(ctx, r); err != nil {
			return err
		}

		out, err = e.applyStep(ctx, s, r, step{
			requestID: r.ID,
			actor:     Actor{ID: string(RoleSystem), Role: RoleSystem},
			decision:  DecisionApprove,
			method:    MethodSystem,
			comment:   "submitted",
			expected:  StatusPending,
		}, now)
		if err != nil {
			return fmt.Errorf("failed to route request %s: %w", r.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.Logger.Printf("[Engine] request %s submitted by %s, routed to %s", r.ID, r.StudentID, out.request.Status)
	e.notifyTransition(ctx, out)
	return out.request, nil
}

// =============================================================================
// STAFF APPROVALS
// =============================================================================

// ApplyApproval applies a staff decision at the request's current stage.
func (e *Engine) ApplyApproval(ctx context.Context, in ApprovalInput) (*Request, error) {
	if in.Decision != DecisionApprove && in.Decision != DecisionReject {
		return nil, &TransitionError{RequestID: in.RequestID, Role: in.Role, Decision: in.Decision}
	}
	if in.Role == RoleSystem || in.Role == RoleStudent || !in.Role.Valid() {
		return nil, &TransitionError{RequestID: in.RequestID, Role: in.Role, Decision: in.Decision}
	}
	actor := Actor{ID: in.ActorID, Role: in.Role}
	if err := e.authorizeStaff(ctx, actor); err != nil {
		return nil, err
	}

	method := in.Method
	if method == "" {
		method = MethodManual
	}

	var guard func(*Request) error
	if in.Role == RoleParent {
		guard = parentOf(in.ActorID)
	}

	out, err := e.transition(ctx, step{
		requestID: in.RequestID,
		actor:     actor,
		decision:  in.Decision,
		method:    method,
		comment:   in.Comment,
		expected:  in.ExpectedStatus,
		resolve:   true,
		guard:     guard,
	})
	if err != nil {
		return nil, err
	}

	e.Logger.Printf("[Engine] request %s: %s %s by %s (%s -> %s)",
		out.request.ID, out.approval.Role, in.Decision, in.ActorID, out.from, out.request.Status)
	e.notifyTransition(ctx, out)
	return out.request, nil
}

// SignOut records the security sign-out (student leaves campus).
func (e *Engine) SignOut(ctx context.Context, requestID, actorID string) (*Request, error) {
	return e.fastTrack(ctx, requestID, actorID, StatusSecuritySignout)
}

// SignIn records the security sign-in (student back on campus). A late
// return records the debt in the same transaction.
func (e *Engine) SignIn(ctx context.Context, requestID, actorID string) (*Request, error) {
	return e.fastTrack(ctx, requestID, actorID, StatusSecuritySignin)
}

func (e *Engine) fastTrack(ctx context.Context, requestID, actorID string, required Status) (*Request, error) {
	actor := Actor{ID: actorID, Role: RoleSecurity}
	if err := e.authorizeStaff(ctx, actor); err != nil {
		return nil, err
	}

	out, err := e.transition(ctx, step{
		requestID: requestID,
		actor:     actor,
		decision:  DecisionApprove,
		method:    MethodFastTrack,
		guard: func(r *Request) error {
			if r.Status != required {
				return &TransitionError{RequestID: r.ID, From: r.Status, Role: RoleSecurity, Decision: DecisionApprove}
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	e.Logger.Printf("[Engine] request %s: security fast-track by %s (%s -> %s)",
		out.request.ID, actorID, out.from, out.request.Status)
	e.notifyTransition(ctx, out)
	return out.request, nil
}

// =============================================================================
// STUDENT EXITS
// =============================================================================

// Cancel withdraws a request before the student leaves campus.
func (e *Engine) Cancel(ctx context.Context, requestID, studentID, comment string) (*Request, error) {
	out, err := e.transition(ctx, step{
		requestID: requestID,
		actor:     Actor{ID: studentID, Role: RoleStudent},
		decision:  DecisionCancel,
		method:    MethodManual,
		comment:   comment,
		guard:     ownedBy(studentID),
	})
	if err != nil {
		return nil, err
	}
	e.Logger.Printf("[Engine] request %s cancelled by %s", requestID, studentID)
	e.notifyTransition(ctx, out)
	return out.request, nil
}

// Appeal reopens a rejected request for secretary review.
func (e *Engine) Appeal(ctx context.Context, requestID, studentID, reason string) (*Request, error) {
	out, err := e.transition(ctx, step{
		requestID: requestID,
		actor:     Actor{ID: studentID, Role: RoleStudent},
		decision:  DecisionAppeal,
		method:    MethodManual,
		comment:   reason,
		guard:     ownedBy(studentID),
		hook: func(_ context.Context, _ Store, r *Request, _ time.Time) error {
			r.AppealReason = reason
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	e.Logger.Printf("[Engine] request %s appealed by %s", requestID, studentID)
	e.notifyTransition(ctx, out)
	return out.request, nil
}

func ownedBy(studentID string) func(*Request) error {
	return func(r *Request) error {
		if r.StudentID != studentID {
			return fmt.Errorf("%w: request %s does not belong to %s", ErrNotAuthorized, r.ID, studentID)
		}
		return nil
	}
}

// parentOf admits a parent only on a request that lists them as its
// parent contact, by email or phone.
func parentOf(actorID string) func(*Request) error {
	return func(r *Request) error {
		if r.Status != StatusParentConsent {
			return nil
		}
		p := r.Parent
		if (p.Email != "" && strings.EqualFold(p.Email, actorID)) || (p.Phone != "" && p.Phone == actorID) {
			return nil
		}
		return fmt.Errorf("%w: %s is not the parent contact on request %s", ErrNotAuthorized, actorID, r.ID)
	}
}

// =============================================================================
// READS
// =============================================================================

func (e *Engine) Get(ctx context.Context, id string) (*Request, error) {
	return e.Store.GetRequest(ctx, id)
}

// Approvals returns the audit trail of a request.
func (e *Engine) Approvals(ctx context.Context, id string) ([]Approval, error) {
	if _, err := e.Store.GetRequest(ctx, id); err != nil {
		return nil, err
	}
	return e.Store.ListApprovals(ctx, id)
}

func (e *Engine) StudentDebts(ctx context.Context, studentID string) ([]Debt, error) {
	return e.Store.ListStudentDebts(ctx, studentID)
}

// =============================================================================
// DEBT PAYMENT
// =============================================================================

// MarkDebtPaid records a payment against an unpaid debt. payerID must
// be the indebted student or a staff member in the directory.
func (e *Engine) MarkDebtPaid(ctx context.Context, debtID, payerID, reference, proof string) (*Debt, error) {
	staff := false
	if e.Directory != nil {
		_, err := e.Directory.GetStaff(ctx, payerID)
		switch {
		case err == nil:
			staff = true
		case !errors.Is(err, ErrStaffNotFound):
			return nil, err
		}
	}
	return e.updateDebt(ctx, debtID, func(d *Debt, now time.Time) error {
		if !staff && d.StudentID != payerID {
			return fmt.Errorf("%w: debt %s does not belong to %s", ErrNotAuthorized, d.ID, payerID)
		}
		return markPaid(d, reference, proof, now)
	})
}

// ClearDebt closes a debt, paid or waived, on behalf of staffID.
func (e *Engine) ClearDebt(ctx context.Context, debtID, staffID string) (*Debt, error) {
	if e.Directory != nil {
		if _, err := e.Directory.GetStaff(ctx, staffID); err != nil {
			return nil, err
		}
	}
	return e.updateDebt(ctx, debtID, func(d *Debt, now time.Time) error {
		return markCleared(d, staffID, now)
	})
}

func (e *Engine) updateDebt(ctx context.Context, debtID string, fn func(*Debt, time.Time) error) (*Debt, error) {
	now := e.Clock.Now()
	var out *Debt
	err := e.Store.WithTx(ctx, func(s Store) error {
		d, err := s.GetDebt(ctx, debtID)
		if err != nil {
			return err
		}
		if err := fn(d, now); err != nil {
			return err
		}
		if err := s.SaveDebt(ctx, *d); err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.notifyDebtUpdated(ctx, out)
	return out, nil
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func (e *Engine) notifyTransition(ctx context.Context, out *outcome) {
	r := out.request
	if d := out.debt; d != nil {
		e.Logger.Printf("[Engine] request %s signed in %d day(s) late, debt %s", r.ID, d.DaysOverdue, d.TotalWithCharge)
		e.notifyDebt(ctx, d)
	}
	payload := map[string]any{
		"request_id": r.ID,
		"from":       string(out.from),
		"to":         string(r.Status),
		"actor_id":   out.approval.ActorID,
		"role":       string(out.approval.Role),
		"comment":    out.approval.Comment,
	}

	switch {
	case r.Status == StatusRejected:
		dispatch(ctx, e.Notifier, e.Logger, Notification{
			RecipientType: RecipientStudent, RecipientID: r.StudentID, Type: NotifyRejected, Payload: payload,
		})
		return
	case r.IsExpired:
		dispatch(ctx, e.Notifier, e.Logger, Notification{
			RecipientType: RecipientStudent, RecipientID: r.StudentID, Type: NotifyExpired, Payload: payload,
		})
		return
	}

	dispatch(ctx, e.Notifier, e.Logger, Notification{
		RecipientType: RecipientStudent, RecipientID: r.StudentID, Type: NotifyStageChanged, Payload: payload,
	})

	if r.Status == StatusParentConsent {
		dispatch(ctx, e.Notifier, e.Logger, Notification{
			RecipientType: RecipientParent, RecipientID: r.StudentID, Type: NotifyStageChanged,
			Payload: withParent(payload, r.Parent),
		})
	}
	for _, role := range StageRoles(r.Status) {
		if role == RoleParent {
			continue
		}
		dispatch(ctx, e.Notifier, e.Logger, Notification{
			RecipientType: RecipientRole, RecipientID: string(role), Type: NotifyStageChanged, Payload: payload,
		})
	}

	if out.from == StatusDeanReview && r.Status == StatusHostelSignout &&
		CoversWeekday(r.DepartureDate, r.ReturnDate, e.Location) {
		dispatch(ctx, e.Notifier, e.Logger, Notification{
			RecipientType: RecipientParent, RecipientID: r.StudentID, Type: NotifyWeekdayAbsence,
			Payload: withParent(map[string]any{
				"request_id":     r.ID,
				"departure_date": r.DepartureDate.Format(time.RFC3339),
				"return_date":    r.ReturnDate.Format(time.RFC3339),
			}, r.Parent),
		})
	}
}

func (e *Engine) notifyDebt(ctx context.Context, d *Debt) {
	dispatch(ctx, e.Notifier, e.Logger, Notification{
		RecipientType: RecipientStudent,
		RecipientID:   d.StudentID,
		Type:          NotifyOverdueDebt,
		Payload:       debtPayload(d),
	})
}

func (e *Engine) notifyDebtUpdated(ctx context.Context, d *Debt) {
	dispatch(ctx, e.Notifier, e.Logger, Notification{
		RecipientType: RecipientStudent,
		RecipientID:   d.StudentID,
		Type:          NotifyDebtUpdated,
		Payload:       debtPayload(d),
	})
}

func debtPayload(d *Debt) map[string]any {
	return map[string]any{
		"debt_id":           d.ID,
		"request_id":        d.ExeatRequestID,
		"amount":            d.Amount.String(),
		"processing_charge": d.ProcessingCharge.String(),
		"total_with_charge": d.TotalWithCharge.String(),
		"days_overdue":      d.DaysOverdue,
		"payment_status":    string(d.PaymentStatus),
	}
}

func withParent(payload map[string]any, p ParentContact) map[string]any {
	out := make(map[string]any, len(payload)+3)
	for k, v := range payload {
		out[k] = v
	}
	out["parent_name"] = p.Name
	out["parent_phone"] = p.Phone
	out["parent_email"] = p.Email
	return out
}
