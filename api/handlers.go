/*
handlers.go - HTTP API handlers for the exeat engine

PURPOSE:
  Exposes the exeat lifecycle engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the engine.

ENDPOINTS:
  Exeats:
    POST   /api/exeats                    Submit an exeat request (student)
    GET    /api/exeats/{id}               Get request
    GET    /api/exeats/{id}/approvals     Audit trail
    POST   /api/exeats/{id}/approvals     Staff decision at current stage
    POST   /api/exeats/{id}/cancel        Student cancels
    POST   /api/exeats/{id}/appeal        Student appeals a rejection

  Security gate:
    POST   /api/security/{id}/signout     Student leaves campus
    POST   /api/security/{id}/signin      Student returns

  Debts:
    GET    /api/students/{id}/debts       Debts of a student
    POST   /api/debts/{id}/pay            Record a payment
    POST   /api/debts/{id}/clear          Staff clears a debt

  Admin:
    POST   /api/admin/sweeps/expiry       Run the expiry sweep now
    POST   /api/admin/sweeps/overdue      Run the overdue monitor sweep now
    GET    /api/admin/sweeps              Sweep run history

ACTOR:
  The caller identifies itself with X-Actor-ID and, for staff decisions,
  X-Actor-Role. Authentication is done upstream; the engine checks that
  the actor holds the role against the staff directory.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid dates
  - 401: Missing actor header
  - 403: Actor unknown, lacks the role, or does not own the request
  - 404: Request, debt or student not found
  - 409: Wrong stage, stale state, active request, outstanding debt
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/warp/exeat-engine/exeat"
)

const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

var (
	errUnknownSweep = errors.New("unknown sweep kind")
	errMissingActor = errors.New("missing " + HeaderActorID + " header")
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *exeat.Engine
	Sweeps *SweepScheduler

	// Runs serves GET /api/admin/sweeps. May be nil.
	Runs exeat.SweepLog

	validate *validator.Validate
}

// NewHandler creates a handler. runs may be nil.
func NewHandler(engine *exeat.Engine, sweeps *SweepScheduler, runs exeat.SweepLog) *Handler {
	return &Handler{
		Engine:   engine,
		Sweeps:   sweeps,
		Runs:     runs,
		validate: validator.New(),
	}
}

// =============================================================================
// EXEAT HANDLERS
// =============================================================================

// SubmitExeat creates a request for the calling student.
// POST /api/exeats
func (h *Handler) SubmitExeat(w http.ResponseWriter, r *http.Request) {
	studentID, ok := actorID(w, r)
	if !ok {
		return
	}

	var req SubmitExeatRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	departure, err := h.parseDate(req.DepartureDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid departure_date (use RFC3339 or YYYY-MM-DD)", err)
		return
	}
	ret, err := h.parseDate(req.ReturnDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid return_date (use RFC3339 or YYYY-MM-DD)", err)
		return
	}

	created, err := h.Engine.Submit(r.Context(), exeat.SubmitInput{
		StudentID:     studentID,
		Category:      req.Category,
		Reason:        req.Reason,
		Destination:   req.Destination,
		DepartureDate: departure,
		ReturnDate:    ret,
		IsMedical:     req.IsMedical,
		Parent: exeat.ParentContact{
			Name:  req.ParentName,
			Phone: req.ParentPhone,
			Email: req.ParentEmail,
		},
	})
	if err != nil {
		writeEngineError(w, "Failed to submit exeat", err)
		return
	}

	writeJSON(w, http.StatusCreated, toExeatDTO(created))
}

// GetExeat returns a single request.
// GET /api/exeats/{id}
func (h *Handler) GetExeat(w http.ResponseWriter, r *http.Request) {
	req, err := h.Engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, "Failed to get exeat", err)
		return
	}
	writeJSON(w, http.StatusOK, toExeatDTO(req))
}

// ListApprovals returns the audit trail of a request.
// GET /api/exeats/{id}/approvals
func (h *Handler) ListApprovals(w http.ResponseWriter, r *http.Request) {
	approvals, err := h.Engine.Approvals(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, "Failed to list approvals", err)
		return
	}
	writeJSON(w, http.StatusOK, toApprovalDTOs(approvals))
}

// ApplyApproval applies a staff decision at the request's current stage.
// POST /api/exeats/{id}/approvals
func (h *Handler) ApplyApproval(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	role := exeat.Role(strings.TrimSpace(r.Header.Get(HeaderActorRole)))
	if role == "" {
		writeError(w, http.StatusUnauthorized, "Missing "+HeaderActorRole+" header", nil)
		return
	}

	var req ApprovalRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	expected := exeat.Status(req.ExpectedStatus)
	if expected != "" && !expected.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid expected_status", fmt.Errorf("unknown status %q", expected))
		return
	}

	updated, err := h.Engine.ApplyApproval(r.Context(), exeat.ApprovalInput{
		RequestID:      chi.URLParam(r, "id"),
		ActorID:        actor,
		Role:           role,
		Decision:       exeat.Decision(req.Decision),
		Comment:        req.Comment,
		ExpectedStatus: expected,
	})
	if err != nil {
		writeEngineError(w, "Failed to apply approval", err)
		return
	}
	writeJSON(w, http.StatusOK, toExeatDTO(updated))
}

// CancelExeat withdraws a request before the student leaves.
// POST /api/exeats/{id}/cancel
func (h *Handler) CancelExeat(w http.ResponseWriter, r *http.Request) {
	studentID, ok := actorID(w, r)
	if !ok {
		return
	}
	var req CancelRequest
	if r.ContentLength != 0 && !h.decodeAndValidate(w, r, &req) {
		return
	}

	updated, err := h.Engine.Cancel(r.Context(), chi.URLParam(r, "id"), studentID, req.Comment)
	if err != nil {
		writeEngineError(w, "Failed to cancel exeat", err)
		return
	}
	writeJSON(w, http.StatusOK, toExeatDTO(updated))
}

// AppealExeat reopens a rejected request.
// POST /api/exeats/{id}/appeal
func (h *Handler) AppealExeat(w http.ResponseWriter, r *http.Request) {
	studentID, ok := actorID(w, r)
	if !ok {
		return
	}
	var req AppealRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	updated, err := h.Engine.Appeal(r.Context(), chi.URLParam(r, "id"), studentID, req.Reason)
	if err != nil {
		writeEngineError(w, "Failed to appeal exeat", err)
		return
	}
	writeJSON(w, http.StatusOK, toExeatDTO(updated))
}

// =============================================================================
// SECURITY GATE
// =============================================================================

// SignOut records the student leaving campus.
// POST /api/security/{id}/signout
func (h *Handler) SignOut(w http.ResponseWriter, r *http.Request) {
	officer, ok := actorID(w, r)
	if !ok {
		return
	}
	updated, err := h.Engine.SignOut(r.Context(), chi.URLParam(r, "id"), officer)
	if err != nil {
		writeEngineError(w, "Failed to sign out", err)
		return
	}
	writeJSON(w, http.StatusOK, toExeatDTO(updated))
}

// SignIn records the student returning. A late return records debt.
// POST /api/security/{id}/signin
func (h *Handler) SignIn(w http.ResponseWriter, r *http.Request) {
	officer, ok := actorID(w, r)
	if !ok {
		return
	}
	updated, err := h.Engine.SignIn(r.Context(), chi.URLParam(r, "id"), officer)
	if err != nil {
		writeEngineError(w, "Failed to sign in", err)
		return
	}
	writeJSON(w, http.StatusOK, toExeatDTO(updated))
}

// =============================================================================
// DEBT HANDLERS
// =============================================================================

// ListStudentDebts returns a student's debts and what is still owed.
// GET /api/students/{id}/debts
func (h *Handler) ListStudentDebts(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "id")
	debts, err := h.Engine.StudentDebts(r.Context(), studentID)
	if err != nil {
		writeEngineError(w, "Failed to list debts", err)
		return
	}

	outstanding := decimal.Zero
	dtos := make([]DebtDTO, len(debts))
	for i := range debts {
		dtos[i] = toDebtDTO(&debts[i])
		if !debts[i].IsResolved() {
			outstanding = outstanding.Add(debts[i].TotalWithCharge)
		}
	}

	writeJSON(w, http.StatusOK, StudentDebtsDTO{
		StudentID:   studentID,
		Outstanding: outstanding.StringFixed(2),
		Debts:       dtos,
	})
}

// PayDebt records a payment reference against a debt on behalf of the
// indebted student or a staff member.
// POST /api/debts/{id}/pay
func (h *Handler) PayDebt(w http.ResponseWriter, r *http.Request) {
	payerID, ok := actorID(w, r)
	if !ok {
		return
	}
	var req PayDebtRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	debt, err := h.Engine.MarkDebtPaid(r.Context(), chi.URLParam(r, "id"), payerID, req.Reference, req.Proof)
	if err != nil {
		writeEngineError(w, "Failed to record payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toDebtDTO(debt))
}

// ClearDebt closes a debt on behalf of the calling staff member.
// POST /api/debts/{id}/clear
func (h *Handler) ClearDebt(w http.ResponseWriter, r *http.Request) {
	staffID, ok := actorID(w, r)
	if !ok {
		return
	}
	debt, err := h.Engine.ClearDebt(r.Context(), chi.URLParam(r, "id"), staffID)
	if err != nil {
		writeEngineError(w, "Failed to clear debt", err)
		return
	}
	writeJSON(w, http.StatusOK, toDebtDTO(debt))
}

// =============================================================================
// ADMIN
// =============================================================================

// RunExpirySweep triggers the expiry sweep.
// POST /api/admin/sweeps/expiry
func (h *Handler) RunExpirySweep(w http.ResponseWriter, r *http.Request) {
	h.runSweep(w, r, exeat.SweepExpiry)
}

// RunOverdueSweep triggers the overdue monitor sweep.
// POST /api/admin/sweeps/overdue
func (h *Handler) RunOverdueSweep(w http.ResponseWriter, r *http.Request) {
	h.runSweep(w, r, exeat.SweepOverdueMonitor)
}

func (h *Handler) runSweep(w http.ResponseWriter, r *http.Request, kind string) {
	report, err := h.Sweeps.RunOne(r.Context(), kind)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toSweepReportDTO(report))
}

// ListSweepRuns returns recent sweep runs, newest first.
// GET /api/admin/sweeps?kind=overdue_monitor&limit=20
func (h *Handler) ListSweepRuns(w http.ResponseWriter, r *http.Request) {
	if h.Runs == nil {
		writeJSON(w, http.StatusOK, []SweepRunDTO{})
		return
	}

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}
	kind := r.URL.Query().Get("kind")
	if kind != "" && kind != exeat.SweepExpiry && kind != exeat.SweepOverdueMonitor {
		writeError(w, http.StatusBadRequest, "Invalid kind", fmt.Errorf("%w: %q", errUnknownSweep, kind))
		return
	}

	runs, err := h.Runs.ListSweepRuns(r.Context(), kind, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list sweep runs", err)
		return
	}
	dtos := make([]SweepRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toSweepRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Health reports liveness.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   formatTime(h.Engine.Clock.Now()),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func actorID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(HeaderActorID))
	if id == "" {
		writeError(w, http.StatusUnauthorized, "Unauthorized", errMissingActor)
		return "", false
	}
	return id, true
}

// decodeAndValidate decodes the JSON body into dst and runs struct
// validation. On failure it writes a 400 and returns false.
func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// parseDate accepts RFC3339 or a bare date. A bare date means the start
// of that day on the campus clock.
func (h *Handler) parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02", s, h.Engine.Location)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, exeat.ErrStaffNotFound):
		// the acting staff member is unknown
		return http.StatusForbidden
	case exeat.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, exeat.ErrInvalidDates):
		return http.StatusBadRequest
	case errors.Is(err, exeat.ErrNotAuthorized):
		return http.StatusForbidden
	case exeat.IsRetryable(err), exeat.IsClientError(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
