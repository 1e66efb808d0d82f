/*
Package exeat implements the exeat (leave-of-campus) lifecycle engine.

PURPOSE:
  A student asks to leave campus. The request walks through a fixed
  sequence of staff stages, the student is signed out and back in, and
  late returns are charged in whole 24-hour penalty units. This package
  owns the status state machine, the overdue sweeps and the debt ledger.
  Persistence, notification delivery and identity lookup are
  collaborators behind small interfaces.

KEY CONCEPTS IN THIS FILE (types.go):
  - Status:  Closed enum of lifecycle stages
  - Role:    Staff/student roles that act on a stage
  - Request: One exeat application
  - Approval: Append-only audit record of a transition
  - Debt:    Monetary penalty for a late return

LIFECYCLE:
  pending → cmd_review (medical only) → secretary_review → parent_consent
          → dean_review → hostel_signout → security_signout
          → security_signin → hostel_signin → completed

  Exits: rejected, cancelled, appeal (from rejected, back into review).

SEE ALSO:
  - transitions.go: The transition table
  - engine.go:      ApplyApproval and the student-facing operations
  - sweep.go:       Expiry and overdue-monitor sweeps
  - ledger.go:      Debt recording
*/
package exeat

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STATUS - Closed set of lifecycle stages
// =============================================================================

// Status names the stage a request is waiting in.
// security_signin means the student was signed out by security and has
// not yet been signed back in.
type Status string

const (
	StatusPending         Status = "pending"
	StatusCMDReview       Status = "cmd_review"
	StatusSecretaryReview Status = "secretary_review"
	StatusParentConsent   Status = "parent_consent"
	StatusDeanReview      Status = "dean_review"
	StatusHostelSignout   Status = "hostel_signout"
	StatusSecuritySignout Status = "security_signout"
	StatusSecuritySignin  Status = "security_signin"
	StatusHostelSignin    Status = "hostel_signin"
	StatusCompleted       Status = "completed"
	StatusRejected        Status = "rejected"
	StatusCancelled       Status = "cancelled"
	StatusAppeal          Status = "appeal"
)

// AllStatuses lists every status in lifecycle order, exits last.
var AllStatuses = []Status{
	StatusPending,
	StatusCMDReview,
	StatusSecretaryReview,
	StatusParentConsent,
	StatusDeanReview,
	StatusHostelSignout,
	StatusSecuritySignout,
	StatusSecuritySignin,
	StatusHostelSignin,
	StatusCompleted,
	StatusRejected,
	StatusCancelled,
	StatusAppeal,
}

func (s Status) Valid() bool {
	for _, st := range AllStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no approval can move the request further.
// Rejected is terminal unless the student appeals.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// IsOffCampus reports whether the student has been signed out and not
// yet signed back in by the hostel.
func (s Status) IsOffCampus() bool {
	return s == StatusSecuritySignin || s == StatusHostelSignin
}

// =============================================================================
// ROLES AND DECISIONS
// =============================================================================

type Role string

const (
	RoleSystem      Role = "system"
	RoleStudent     Role = "student"
	RoleCMD         Role = "cmd"
	RoleSecretary   Role = "secretary"
	RoleDeputyDean  Role = "deputy_dean"
	RoleParent      Role = "parent"
	RoleDean        Role = "dean"
	RoleHostelAdmin Role = "hostel_admin"
	RoleSecurity    Role = "security"
)

var AllRoles = []Role{
	RoleSystem, RoleStudent, RoleCMD, RoleSecretary, RoleDeputyDean,
	RoleParent, RoleDean, RoleHostelAdmin, RoleSecurity,
}

func (r Role) Valid() bool {
	for _, role := range AllRoles {
		if r == role {
			return true
		}
	}
	return false
}

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionCancel  Decision = "cancel"
	DecisionAppeal  Decision = "appeal"
	DecisionExpire  Decision = "expire"
)

func (d Decision) Valid() bool {
	switch d {
	case DecisionApprove, DecisionReject, DecisionCancel, DecisionAppeal, DecisionExpire:
		return true
	}
	return false
}

// Method records how an approval reached the engine.
type Method string

const (
	MethodManual    Method = "manual"
	MethodFastTrack Method = "fast_track"
	MethodSystem    Method = "system"
)

// =============================================================================
// REQUEST - One leave-of-campus application
// =============================================================================

type ParentContact struct {
	Name  string
	Phone string
	Email string
}

// Request is an exeat application.
//
// INVARIANTS:
//   - IsExpired implies Status == StatusCompleted and ExpiredAt != nil
//   - Status is always one of AllStatuses
//   - Requests are never deleted
type Request struct {
	ID            string
	StudentID     string
	Category      string
	Reason        string
	Destination   string
	DepartureDate time.Time
	ReturnDate    time.Time
	Parent        ParentContact

	Status       Status
	IsMedical    bool
	IsExpired    bool
	ExpiredAt    *time.Time
	AppealReason string

	// Version increments on every persisted update (optimistic locking).
	Version int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsActive reports whether the request still blocks a new submission.
func (r *Request) IsActive() bool {
	return !r.IsExpired && !r.Status.IsTerminal()
}

// expire forces the request into completed/expired.
func (r *Request) expire(now time.Time) {
	r.Status = StatusCompleted
	r.IsExpired = true
	at := now
	r.ExpiredAt = &at
	r.UpdatedAt = now
}

// =============================================================================
// APPROVAL - Append-only audit record
// =============================================================================

type Approval struct {
	ID             string
	ExeatRequestID string
	ActorID        string
	Role           Role
	Decision       Decision
	Method         Method
	Comment        string
	FromStatus     Status
	ToStatus       Status
	CreatedAt      time.Time
}

// =============================================================================
// DEBT - Penalty for a late return
// =============================================================================

type PaymentStatus string

const (
	PaymentUnpaid  PaymentStatus = "unpaid"
	PaymentPaid    PaymentStatus = "paid"
	PaymentCleared PaymentStatus = "cleared"
)

// Debt is a StudentExeatDebt: at most one per exeat request.
type Debt struct {
	ID               string
	ExeatRequestID   string
	StudentID        string
	Amount           decimal.Decimal
	ProcessingCharge decimal.Decimal
	TotalWithCharge  decimal.Decimal
	DaysOverdue      int
	OverdueHours     int
	PaymentStatus    PaymentStatus
	PaymentReference string
	PaymentProof     string
	ClearedBy        string
	ClearedAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsResolved reports whether the debt no longer blocks the student.
func (d *Debt) IsResolved() bool {
	return d.PaymentStatus == PaymentPaid || d.PaymentStatus == PaymentCleared
}

// =============================================================================
// DIRECTORY RECORDS
// =============================================================================

type Student struct {
	ID          string
	Name        string
	Email       string
	Phone       string
	ParentName  string
	ParentPhone string
	ParentEmail string
}

type Staff struct {
	ID    string
	Name  string
	Email string
	Roles []Role
}

// HasRole reports whether the staff member holds role.
func (s *Staff) HasRole(role Role) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}
