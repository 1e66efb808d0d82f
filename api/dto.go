/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the exeat domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Exeats:    SubmitExeatRequest, ExeatDTO, ApprovalRequest, ApprovalDTO,
             CancelRequest, AppealRequest
  Debts:     DebtDTO, PayDebtRequest
  Sweeps:    SweepReportDTO, SweepRunDTO

VALIDATION:
  Request bodies carry go-playground/validator tags and are checked in
  decodeAndValidate before they reach the engine.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/exeat-engine/exeat"
)

const dateTimeLayout = time.RFC3339

// =============================================================================
// EXEAT REQUESTS
// =============================================================================

// SubmitExeatRequest is the body of POST /api/exeats. The student comes
// from the X-Actor-ID header.
type SubmitExeatRequest struct {
	Category      string `json:"category" validate:"required,max=64"`
	Reason        string `json:"reason" validate:"required,max=1000"`
	Destination   string `json:"destination" validate:"required,max=255"`
	DepartureDate string `json:"departure_date" validate:"required"`
	ReturnDate    string `json:"return_date" validate:"required"`
	IsMedical     bool   `json:"is_medical"`

	ParentName  string `json:"parent_name" validate:"omitempty,max=255"`
	ParentPhone string `json:"parent_phone" validate:"omitempty,max=32"`
	ParentEmail string `json:"parent_email" validate:"omitempty,email"`
}

// ExeatDTO represents an exeat request in API responses.
type ExeatDTO struct {
	ID            string  `json:"id"`
	StudentID     string  `json:"student_id"`
	Category      string  `json:"category"`
	Reason        string  `json:"reason"`
	Destination   string  `json:"destination"`
	DepartureDate string  `json:"departure_date"`
	ReturnDate    string  `json:"return_date"`
	ParentName    string  `json:"parent_name,omitempty"`
	ParentPhone   string  `json:"parent_phone,omitempty"`
	ParentEmail   string  `json:"parent_email,omitempty"`
	Status        string  `json:"status"`
	IsMedical     bool    `json:"is_medical"`
	IsExpired     bool    `json:"is_expired"`
	ExpiredAt     *string `json:"expired_at,omitempty"`
	AppealReason  string  `json:"appeal_reason,omitempty"`
	Version       int     `json:"version"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

// ApprovalRequest is the body of POST /api/exeats/{id}/approvals. The
// actor and role come from headers.
type ApprovalRequest struct {
	Decision       string `json:"decision" validate:"required,oneof=approve reject"`
	Comment        string `json:"comment" validate:"max=1000"`
	ExpectedStatus string `json:"expected_status" validate:"omitempty"`
}

// ApprovalDTO represents one audit record.
type ApprovalDTO struct {
	ID         string `json:"id"`
	ActorID    string `json:"actor_id"`
	Role       string `json:"role"`
	Decision   string `json:"decision"`
	Method     string `json:"method"`
	Comment    string `json:"comment,omitempty"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	CreatedAt  string `json:"created_at"`
}

type CancelRequest struct {
	Comment string `json:"comment" validate:"max=1000"`
}

type AppealRequest struct {
	Reason string `json:"reason" validate:"required,max=1000"`
}

// =============================================================================
// DEBTS
// =============================================================================

// DebtDTO represents a StudentExeatDebt. Money is rendered as fixed
// two-decimal strings.
type DebtDTO struct {
	ID               string  `json:"id"`
	ExeatRequestID   string  `json:"exeat_request_id"`
	StudentID        string  `json:"student_id"`
	Amount           string  `json:"amount"`
	ProcessingCharge string  `json:"processing_charge"`
	TotalWithCharge  string  `json:"total_with_charge"`
	DaysOverdue      int     `json:"days_overdue"`
	OverdueHours     int     `json:"overdue_hours"`
	PaymentStatus    string  `json:"payment_status"`
	PaymentReference string  `json:"payment_reference,omitempty"`
	ClearedBy        string  `json:"cleared_by,omitempty"`
	ClearedAt        *string `json:"cleared_at,omitempty"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
}

// StudentDebtsDTO wraps a student's debts with the outstanding total.
type StudentDebtsDTO struct {
	StudentID   string    `json:"student_id"`
	Outstanding string    `json:"outstanding"`
	Debts       []DebtDTO `json:"debts"`
}

type PayDebtRequest struct {
	Reference string `json:"reference" validate:"required,max=128"`
	Proof     string `json:"proof" validate:"omitempty,max=2048"`
}

// =============================================================================
// SWEEPS
// =============================================================================

type SweepFailureDTO struct {
	RequestID string `json:"request_id"`
	StudentID string `json:"student_id"`
	Error     string `json:"error"`
}

type SweepReportDTO struct {
	Kind          string            `json:"kind"`
	StartedAt     string            `json:"started_at"`
	FinishedAt    string            `json:"finished_at"`
	Scanned       int               `json:"scanned"`
	Expired       int               `json:"expired"`
	Skipped       int               `json:"skipped"`
	DebtsRecorded int               `json:"debts_recorded"`
	TotalDebt     string            `json:"total_debt"`
	Failures      []SweepFailureDTO `json:"failures"`
}

type SweepRunDTO struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	StartedAt     string `json:"started_at"`
	FinishedAt    string `json:"finished_at"`
	Scanned       int    `json:"scanned"`
	Expired       int    `json:"expired"`
	Skipped       int    `json:"skipped"`
	DebtsRecorded int    `json:"debts_recorded"`
	TotalDebt     string `json:"total_debt"`
	Failed        int    `json:"failed"`
	Error         string `json:"error,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(dateTimeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toExeatDTO(r *exeat.Request) ExeatDTO {
	return ExeatDTO{
		ID:            r.ID,
		StudentID:     r.StudentID,
		Category:      r.Category,
		Reason:        r.Reason,
		Destination:   r.Destination,
		DepartureDate: formatTime(r.DepartureDate),
		ReturnDate:    formatTime(r.ReturnDate),
		ParentName:    r.Parent.Name,
		ParentPhone:   r.Parent.Phone,
		ParentEmail:   r.Parent.Email,
		Status:        string(r.Status),
		IsMedical:     r.IsMedical,
		IsExpired:     r.IsExpired,
		ExpiredAt:     formatTimePtr(r.ExpiredAt),
		AppealReason:  r.AppealReason,
		Version:       r.Version,
		CreatedAt:     formatTime(r.CreatedAt),
		UpdatedAt:     formatTime(r.UpdatedAt),
	}
}

func toApprovalDTOs(approvals []exeat.Approval) []ApprovalDTO {
	out := make([]ApprovalDTO, len(approvals))
	for i, a := range approvals {
		out[i] = ApprovalDTO{
			ID:         a.ID,
			ActorID:    a.ActorID,
			Role:       string(a.Role),
			Decision:   string(a.Decision),
			Method:     string(a.Method),
			Comment:    a.Comment,
			FromStatus: string(a.FromStatus),
			ToStatus:   string(a.ToStatus),
			CreatedAt:  formatTime(a.CreatedAt),
		}
	}
	return out
}

func toDebtDTO(d *exeat.Debt) DebtDTO {
	return DebtDTO{
		ID:               d.ID,
		ExeatRequestID:   d.ExeatRequestID,
		StudentID:        d.StudentID,
		Amount:           d.Amount.StringFixed(2),
		ProcessingCharge: d.ProcessingCharge.StringFixed(2),
		TotalWithCharge:  d.TotalWithCharge.StringFixed(2),
		DaysOverdue:      d.DaysOverdue,
		OverdueHours:     d.OverdueHours,
		PaymentStatus:    string(d.PaymentStatus),
		PaymentReference: d.PaymentReference,
		ClearedBy:        d.ClearedBy,
		ClearedAt:        formatTimePtr(d.ClearedAt),
		CreatedAt:        formatTime(d.CreatedAt),
		UpdatedAt:        formatTime(d.UpdatedAt),
	}
}

func toSweepReportDTO(r *exeat.SweepReport) SweepReportDTO {
	failures := make([]SweepFailureDTO, len(r.Failures))
	for i, f := range r.Failures {
		failures[i] = SweepFailureDTO{RequestID: f.RequestID, StudentID: f.StudentID, Error: f.Err.Error()}
	}
	return SweepReportDTO{
		Kind:          r.Kind,
		StartedAt:     formatTime(r.StartedAt),
		FinishedAt:    formatTime(r.FinishedAt),
		Scanned:       r.Scanned,
		Expired:       r.Expired,
		Skipped:       r.Skipped,
		DebtsRecorded: r.DebtsRecorded,
		TotalDebt:     r.TotalDebt.StringFixed(2),
		Failures:      failures,
	}
}

func toSweepRunDTO(r exeat.SweepRun) SweepRunDTO {
	return SweepRunDTO{
		ID:            r.ID,
		Kind:          r.Kind,
		StartedAt:     formatTime(r.StartedAt),
		FinishedAt:    formatTime(r.FinishedAt),
		Scanned:       r.Scanned,
		Expired:       r.Expired,
		Skipped:       r.Skipped,
		DebtsRecorded: r.DebtsRecorded,
		TotalDebt:     r.TotalDebt.StringFixed(2),
		Failed:        r.Failed,
		Error:         r.Error,
	}
}
