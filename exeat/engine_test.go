package exeat_test

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/exeat-engine/exeat"
	"github.com/warp/exeat-engine/exeat/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []exeat.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note exeat.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return nil
}

func (n *recordingNotifier) ofType(typ exeat.NotificationType) []exeat.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []exeat.Notification
	for _, note := range n.sent {
		if note.Type == typ {
			out = append(out, note)
		}
	}
	return out
}

type fixture struct {
	engine   *exeat.Engine
	store    *store.Memory
	clock    *testClock
	notifier *recordingNotifier
	logs     *bytes.Buffer
}

var staffRoles = map[string]exeat.Role{
	"cmd-1":       exeat.RoleCMD,
	"sec-1":       exeat.RoleSecretary,
	"ddean-1":     exeat.RoleDeputyDean,
	"dean-1":      exeat.RoleDean,
	"hostel-1":    exeat.RoleHostelAdmin,
	"security-1":  exeat.RoleSecurity,
	"security-2":  exeat.RoleSecurity,
	"registrar-1": exeat.RoleSecretary,
}

func newFixture(t *testing.T, privileged ...string) *fixture {
	t.Helper()

	mem := store.NewMemory()
	mem.SaveStudent(exeat.Student{
		ID: "stu-1", Name: "Ada Obi", ParentName: "Mrs Obi", ParentPhone: "+2348000000001", ParentEmail: "obi@example.com",
	})
	mem.SaveStudent(exeat.Student{ID: "stu-2", Name: "Tunde Bello"})
	for id, role := range staffRoles {
		mem.SaveStaff(exeat.Staff{ID: id, Name: id, Roles: []exeat.Role{role}})
	}

	clock := &testClock{now: at(2024, time.January, 8, 9, 0, 0)} // Monday
	notifier := &recordingNotifier{}
	logs := &bytes.Buffer{}

	engine := exeat.NewEngine(mem, exeat.Config{
		BaseDebtUnit:         decimal.NewFromInt(10000),
		ProcessingChargeRate: decimal.RequireFromString("0.025"),
		Policy:               exeat.NewPolicy(privileged...),
		Directory:            mem,
		Notifier:             notifier,
		Clock:                clock,
		Logger:               log.New(logs, "", 0),
	})

	return &fixture{engine: engine, store: mem, clock: clock, notifier: notifier, logs: logs}
}

func (f *fixture) submit(t *testing.T, studentID string, medical bool) *exeat.Request {
	t.Helper()
	r, err := f.engine.Submit(context.Background(), exeat.SubmitInput{
		StudentID:     studentID,
		Category:      "home",
		Reason:        "family visit",
		Destination:   "Lagos",
		DepartureDate: at(2024, time.January, 8, 12, 0, 0),
		ReturnDate:    at(2024, time.January, 10, 18, 0, 0),
		IsMedical:     medical,
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) approve(t *testing.T, id, actorID string, role exeat.Role) *exeat.Request {
	t.Helper()
	r, err := f.engine.ApplyApproval(context.Background(), exeat.ApprovalInput{
		RequestID: id, ActorID: actorID, Role: role, Decision: exeat.DecisionApprove,
	})
	require.NoError(t, err)
	return r
}

// advance drives a non-medical request from secretary_review to target.
func (f *fixture) advance(t *testing.T, id string, target exeat.Status) *exeat.Request {
	t.Helper()
	ctx := context.Background()
	r, err := f.engine.Get(ctx, id)
	require.NoError(t, err)

	for r.Status != target {
		switch r.Status {
		case exeat.StatusCMDReview:
			r = f.approve(t, id, "cmd-1", exeat.RoleCMD)
		case exeat.StatusSecretaryReview:
			r = f.approve(t, id, "sec-1", exeat.RoleSecretary)
		case exeat.StatusParentConsent:
			if r.Parent.Email != "" {
				r = f.approve(t, id, r.Parent.Email, exeat.RoleParent)
			} else {
				r = f.approve(t, id, "sec-1", exeat.RoleSecretary)
			}
		case exeat.StatusDeanReview:
			r = f.approve(t, id, "dean-1", exeat.RoleDean)
		case exeat.StatusHostelSignout:
			r = f.approve(t, id, "hostel-1", exeat.RoleHostelAdmin)
		case exeat.StatusSecuritySignout:
			r, err = f.engine.SignOut(ctx, id, "security-1")
			require.NoError(t, err)
		case exeat.StatusSecuritySignin:
			r, err = f.engine.SignIn(ctx, id, "security-1")
			require.NoError(t, err)
		case exeat.StatusHostelSignin:
			r = f.approve(t, id, "hostel-1", exeat.RoleHostelAdmin)
		default:
			t.Fatalf("cannot advance from %s", r.Status)
		}
	}
	return r
}

// =============================================================================
// SUBMIT
// =============================================================================

func TestSubmit_RoutesNonMedicalToSecretary(t *testing.T) {
	f := newFixture(t)

	r := f.submit(t, "stu-1", false)

	assert.Equal(t, exeat.StatusSecretaryReview, r.Status)
	assert.Equal(t, "Mrs Obi", r.Parent.Name, "parent filled from directory")

	approvals, err := f.engine.Approvals(context.Background(), r.ID)
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	assert.Equal(t, exeat.RoleSystem, approvals[0].Role)
	assert.Equal(t, exeat.StatusPending, approvals[0].FromStatus)
	assert.Equal(t, exeat.StatusSecretaryReview, approvals[0].ToStatus)
}

func TestSubmit_RoutesMedicalToCMD(t *testing.T) {
	f := newFixture(t)

	r := f.submit(t, "stu-1", true)

	assert.Equal(t, exeat.StatusCMDReview, r.Status)
	assert.NotEmpty(t, f.notifier.ofType(exeat.NotifyStageChanged))
}

func TestSubmit_ReturnBeforeDeparture(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Submit(context.Background(), exeat.SubmitInput{
		StudentID:     "stu-1",
		DepartureDate: at(2024, time.January, 10, 0, 0, 0),
		ReturnDate:    at(2024, time.January, 9, 0, 0, 0),
	})

	assert.ErrorIs(t, err, exeat.ErrInvalidDates)
}

func TestSubmit_UnknownStudent(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Submit(context.Background(), exeat.SubmitInput{
		StudentID:     "ghost",
		DepartureDate: at(2024, time.January, 8, 0, 0, 0),
		ReturnDate:    at(2024, time.January, 9, 0, 0, 0),
	})

	assert.ErrorIs(t, err, exeat.ErrStudentNotFound)
	assert.True(t, exeat.IsNotFound(err))
}

func TestSubmit_BlockedByActiveRequest(t *testing.T) {
	f := newFixture(t)
	first := f.submit(t, "stu-1", false)

	_, err := f.engine.Submit(context.Background(), exeat.SubmitInput{
		StudentID:     "stu-1",
		DepartureDate: at(2024, time.January, 8, 0, 0, 0),
		ReturnDate:    at(2024, time.January, 9, 0, 0, 0),
	})
	assert.ErrorIs(t, err, exeat.ErrActiveRequestExists)

	// Once cancelled, a new request is allowed.
	_, err = f.engine.Cancel(context.Background(), first.ID, "stu-1", "plans changed")
	require.NoError(t, err)
	f.submit(t, "stu-1", false)
}

func TestSubmit_BlockedByUnpaidDebt(t *testing.T) {
	// GIVEN: A student who signed in two days late (unpaid debt)
	// WHEN: They submit a new request
	// THEN: ErrOutstandingDebt until the debt is paid

	f := newFixture(t)
	ctx := context.Background()
	r := f.submit(t, "stu-1", false)
	f.advance(t, r.ID, exeat.StatusSecuritySignin)

	f.clock.Set(at(2024, time.January, 12, 10, 0, 0))
	f.advance(t, r.ID, exeat.StatusCompleted)

	debts, err := f.engine.StudentDebts(ctx, "stu-1")
	require.NoError(t, err)
	require.Len(t, debts, 1)

	_, err = f.engine.Submit(ctx, exeat.SubmitInput{
		StudentID:     "stu-1",
		DepartureDate: at(2024, time.January, 13, 0, 0, 0),
		ReturnDate:    at(2024, time.January, 14, 0, 0, 0),
	})
	assert.ErrorIs(t, err, exeat.ErrOutstandingDebt)

	_, err = f.engine.MarkDebtPaid(ctx, debts[0].ID, "stu-1", "PAY-123", "receipt.png")
	require.NoError(t, err)

	_, err = f.engine.Submit(ctx, exeat.SubmitInput{
		StudentID:     "stu-1",
		DepartureDate: at(2024, time.January, 13, 0, 0, 0),
		ReturnDate:    at(2024, time.January, 14, 0, 0, 0),
	})
	assert.NoError(t, err)
}

// =============================================================================
// FULL LIFECYCLE
// =============================================================================

func TestLifecycle_HappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.submit(t, "stu-1", true)
	r = f.advance(t, r.ID, exeat.StatusCompleted)

	assert.Equal(t, exeat.StatusCompleted, r.Status)
	assert.False(t, r.IsExpired)

	approvals, err := f.engine.Approvals(ctx, r.ID)
	require.NoError(t, err)

	var path []exeat.Status
	for _, a := range approvals {
		path = append(path, a.ToStatus)
	}
	assert.Equal(t, []exeat.Status{
		exeat.StatusCMDReview,
		exeat.StatusSecretaryReview,
		exeat.StatusParentConsent,
		exeat.StatusDeanReview,
		exeat.StatusHostelSignout,
		exeat.StatusSecuritySignout,
		exeat.StatusSecuritySignin,
		exeat.StatusHostelSignin,
		exeat.StatusCompleted,
	}, path)

	for _, a := range approvals {
		if a.FromStatus == exeat.StatusSecuritySignout || a.FromStatus == exeat.StatusSecuritySignin {
			assert.Equal(t, exeat.MethodFastTrack, a.Method)
		}
	}

	debts, err := f.engine.StudentDebts(ctx, "stu-1")
	require.NoError(t, err)
	assert.Empty(t, debts, "on-time return records no debt")
}

func TestLifecycle_VersionIncrementsOnEveryStep(t *testing.T) {
	f := newFixture(t)

	r := f.submit(t, "stu-1", false)
	v := r.Version
	r = f.approve(t, r.ID, "sec-1", exeat.RoleSecretary)

	assert.Equal(t, v+1, r.Version)
}

func TestLifecycle_WeekdayAbsenceNotifiesParent(t *testing.T) {
	f := newFixture(t)

	r := f.submit(t, "stu-1", false)
	f.advance(t, r.ID, exeat.StatusHostelSignout)

	notes := f.notifier.ofType(exeat.NotifyWeekdayAbsence)
	require.Len(t, notes, 1)
	assert.Equal(t, exeat.RecipientParent, notes[0].RecipientType)
	assert.Equal(t, "+2348000000001", notes[0].Payload["parent_phone"])
}

// =============================================================================
// AUTHORIZATION MAP
// =============================================================================

func TestApplyApproval_WrongRole_NoMutation(t *testing.T) {
	// GIVEN: A request in secretary_review
	// WHEN: Every role outside the map tries to approve it
	// THEN: InvalidStageTransition and the request is untouched

	f := newFixture(t)
	ctx := context.Background()
	r := f.submit(t, "stu-1", false)
	before, err := f.engine.Approvals(ctx, r.ID)
	require.NoError(t, err)

	for _, tc := range []struct {
		actor string
		role  exeat.Role
	}{
		{"cmd-1", exeat.RoleCMD},
		{"dean-1", exeat.RoleDean},
		{"hostel-1", exeat.RoleHostelAdmin},
		{"security-1", exeat.RoleSecurity},
		{"parent-x", exeat.RoleParent},
		{"stu-1", exeat.RoleStudent},
		{"system", exeat.RoleSystem},
	} {
		_, err := f.engine.ApplyApproval(ctx, exeat.ApprovalInput{
			RequestID: r.ID, ActorID: tc.actor, Role: tc.role, Decision: exeat.DecisionApprove,
		})
		assert.ErrorIs(t, err, exeat.ErrInvalidStageTransition, "role %s", tc.role)
	}

	after, err := f.engine.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, exeat.StatusSecretaryReview, after.Status)
	assert.Equal(t, r.Version, after.Version)

	approvals, err := f.engine.Approvals(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, approvals, len(before))
}

func TestApplyApproval_StaffMustHoldClaimedRole(t *testing.T) {
	f := newFixture(t)
	r := f.submit(t, "stu-1", false)

	_, err := f.engine.ApplyApproval(context.Background(), exeat.ApprovalInput{
		RequestID: r.ID, ActorID: "hostel-1", Role: exeat.RoleSecretary, Decision: exeat.DecisionApprove,
	})

	assert.ErrorIs(t, err, exeat.ErrNotAuthorized)
}

func TestApplyApproval_ParentMustBeTheRequestContact(t *testing.T) {
	// GIVEN: A request at parent_consent with parent obi@example.com
	// WHEN: Someone else claims the parent role, then the real parent
	// THEN: The stranger is refused without mutation, the parent advances it

	f := newFixture(t)
	ctx := context.Background()
	r := f.submit(t, "stu-1", false)
	r = f.advance(t, r.ID, exeat.StatusParentConsent)

	_, err := f.engine.ApplyApproval(ctx, exeat.ApprovalInput{
		RequestID: r.ID, ActorID: "someone@example.com", Role: exeat.RoleParent, Decision: exeat.DecisionApprove,
	})
	assert.ErrorIs(t, err, exeat.ErrNotAuthorized)

	got, err := f.engine.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, exeat.StatusParentConsent, got.Status)
	assert.Equal(t, r.Version, got.Version)

	got = f.approve(t, r.ID, "OBI@example.com", exeat.RoleParent)
	assert.Equal(t, exeat.StatusDeanReview, got.Status)
}

func TestApplyApproval_ParentByPhone(t *testing.T) {
	f := newFixture(t)
	r := f.submit(t, "stu-1", false)
	r = f.advance(t, r.ID, exeat.StatusParentConsent)

	got := f.approve(t, r.ID, "+2348000000001", exeat.RoleParent)

	assert.Equal(t, exeat.StatusDeanReview, got.Status)
}

func TestApplyApproval_UnknownRequest(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.ApplyApproval(context.Background(), exeat.ApprovalInput{
		RequestID: "nope", ActorID: "sec-1", Role: exeat.RoleSecretary, Decision: exeat.DecisionApprove,
	})

	assert.ErrorIs(t, err, exeat.ErrRequestNotFound)
}

func TestApplyApproval_ExpectedStatusMismatch(t *testing.T) {
	f := newFixture(t)
	r := f.submit(t, "stu-1", false)

	_, err := f.engine.ApplyApproval(context.Background(), exeat.ApprovalInput{
		RequestID:      r.ID,
		ActorID:        "sec-1",
		Role:           exeat.RoleSecretary,
		Decision:       exeat.DecisionApprove,
		ExpectedStatus: exeat.StatusParentConsent,
	})

	assert.ErrorIs(t, err, exeat.ErrStaleState)
	assert.True(t, exeat.IsRetryable(err))
}

func TestApplyApproval_PrivilegedActsForAnyStage(t *testing.T) {
	// GIVEN: registrar-1 is a secretary configured as privileged
	// WHEN: They approve at dean_review
	// THEN: The approval is recorded under the dean role

	f := newFixture(t, "registrar-1")
	ctx := context.Background()
	r := f.submit(t, "stu-1", false)
	f.advance(t, r.ID, exeat.StatusDeanReview)

	r = f.approve(t, r.ID, "registrar-1", exeat.RoleSecretary)

	assert.Equal(t, exeat.StatusHostelSignout, r.Status)
	approvals, err := f.engine.Approvals(ctx, r.ID)
	require.NoError(t, err)
	last := approvals[len(approvals)-1]
	assert.Equal(t, "registrar-1", last.ActorID)
	assert.Equal(t, exeat.RoleDean, last.Role)
}

func TestApplyApproval_NonPrivilegedCannotSkipStage(t *testing.T) {
	f := newFixture(t)
	r := f.submit(t, "stu-1", false)
	f.advance(t, r.ID, exeat.StatusDeanReview)

	_, err := f.engine.ApplyApproval(context.Background(), exeat.ApprovalInput{
		RequestID: r.ID, ActorID: "registrar-1", Role: exeat.RoleSecretary, Decision: exeat.DecisionApprove,
	})

	assert.ErrorIs(t, err, exeat.ErrInvalidStageTransition)
}

// =============================================================================
// REJECT / APPEAL / CANCEL
// =============================================================================

func TestReject_ThenAppeal_BackToSecretary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submit(t, "stu-1", false)

	r, err := f.engine.ApplyApproval(ctx, exeat.ApprovalInput{
		RequestID: r.ID, ActorID: "sec-1", Role: exeat.RoleSecretary,
		Decision: exeat.DecisionReject, Comment: "insufficient reason",
	})
	require.NoError(t, err)
	assert.Equal(t, exeat.StatusRejected, r.Status)
	assert.Len(t, f.notifier.ofType(exeat.NotifyRejected), 1)

	_, err = f.engine.Appeal(ctx, r.ID, "stu-2", "not mine")
	assert.ErrorIs(t, err, exeat.ErrNotAuthorized)

	r, err = f.engine.Appeal(ctx, r.ID, "stu-1", "funeral, letter attached")
	require.NoError(t, err)
	assert.Equal(t, exeat.StatusAppeal, r.Status)
	assert.Equal(t, "funeral, letter attached", r.AppealReason)

	r = f.approve(t, r.ID, "ddean-1", exeat.RoleDeputyDean)
	assert.Equal(t, exeat.StatusSecretaryReview, r.Status)
}

func TestReject_NotAllowedOnceOffCampus(t *testing.T) {
	f := newFixture(t)
	r := f.submit(t, "stu-1", false)
	f.advance(t, r.ID, exeat.StatusSecuritySignin)

	_, err := f.engine.ApplyApproval(context.Background(), exeat.ApprovalInput{
		RequestID: r.ID, ActorID: "security-1", Role: exeat.RoleSecurity, Decision: exeat.DecisionReject,
	})

	assert.ErrorIs(t, err, exeat.ErrInvalidStageTransition)
}

func TestCancel_OnlyBeforeLeaving(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submit(t, "stu-1", false)
	f.advance(t, r.ID, exeat.StatusSecuritySignin)

	_, err := f.engine.Cancel(ctx, r.ID, "stu-1", "")

	assert.ErrorIs(t, err, exeat.ErrInvalidStageTransition)
}

func TestCancel_OtherStudent(t *testing.T) {
	f := newFixture(t)
	r := f.submit(t, "stu-1", false)

	_, err := f.engine.Cancel(context.Background(), r.ID, "stu-2", "")

	assert.ErrorIs(t, err, exeat.ErrNotAuthorized)
}

// =============================================================================
// FAST TRACK
// =============================================================================

func TestSignIn_BeforeSignOut_FailsWithoutApproval(t *testing.T) {
	// GIVEN: A request awaiting security sign-out (student still on campus)
	// WHEN: Security tries to sign the student in
	// THEN: InvalidStageTransition and no Approval record is written

	f := newFixture(t)
	ctx := context.Background()
	r := f.submit(t, "stu-1", false)
	f.advance(t, r.ID, exeat.StatusSecuritySignout)
	before, err := f.engine.Approvals(ctx, r.ID)
	require.NoError(t, err)

	_, err = f.engine.SignIn(ctx, r.ID, "security-1")
	assert.ErrorIs(t, err, exeat.ErrInvalidStageTransition)

	after, err := f.engine.Approvals(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}

func TestSignOut_TwiceFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submit(t, "stu-1", false)
	f.advance(t, r.ID, exeat.StatusSecuritySignout)

	_, err := f.engine.SignOut(ctx, r.ID, "security-1")
	require.NoError(t, err)
	_, err = f.engine.SignOut(ctx, r.ID, "security-2")
	assert.ErrorIs(t, err, exeat.ErrInvalidStageTransition)
}

func TestSignOut_NonSecurityStaff(t *testing.T) {
	f := newFixture(t)
	r := f.submit(t, "stu-1", false)
	f.advance(t, r.ID, exeat.StatusSecuritySignout)

	_, err := f.engine.SignOut(context.Background(), r.ID, "hostel-1")

	assert.ErrorIs(t, err, exeat.ErrNotAuthorized)
}

func TestSignIn_LateRecordsDebt(t *testing.T) {
	// GIVEN: Return date 2024-01-10, student off campus
	// WHEN: Security signs them in at 2024-01-12 10:00
	// THEN: 2 days overdue, debt 20000 + 2.5% charge

	f := newFixture(t)
	ctx := context.Background()
	r := f.submit(t, "stu-1", false)
	f.advance(t, r.ID, exeat.StatusSecuritySignin)

	f.clock.Set(at(2024, time.January, 12, 10, 0, 0))
	r, err := f.engine.SignIn(ctx, r.ID, "security-1")
	require.NoError(t, err)
	assert.Equal(t, exeat.StatusHostelSignin, r.Status)

	debts, err := f.engine.StudentDebts(ctx, "stu-1")
	require.NoError(t, err)
	require.Len(t, debts, 1)
	d := debts[0]
	assert.Equal(t, 2, d.DaysOverdue)
	assert.True(t, d.Amount.Equal(decimal.NewFromInt(20000)))
	assert.True(t, d.ProcessingCharge.Equal(decimal.NewFromInt(500)))
	assert.True(t, d.TotalWithCharge.Equal(decimal.NewFromInt(20500)))
	assert.Equal(t, exeat.PaymentUnpaid, d.PaymentStatus)
	assert.Len(t, f.notifier.ofType(exeat.NotifyOverdueDebt), 1)
}

func TestSignIn_ViaApplyApprovalRecordsDebt(t *testing.T) {
	// GIVEN: Return date 2024-01-10, student off campus
	// WHEN: Security approves the sign-in stage through ApplyApproval,
	//       two days late, then the hostel signs them in
	// THEN: Same debt as the fast-track sign-in

	f := newFixture(t)
	ctx := context.Background()
	r := f.submit(t, "stu-1", false)
	f.advance(t, r.ID, exeat.StatusSecuritySignin)

	f.clock.Set(at(2024, time.January, 12, 8, 0, 0))
	r = f.approve(t, r.ID, "security-1", exeat.RoleSecurity)
	assert.Equal(t, exeat.StatusHostelSignin, r.Status)
	r = f.approve(t, r.ID, "hostel-1", exeat.RoleHostelAdmin)
	assert.Equal(t, exeat.StatusCompleted, r.Status)

	debts, err := f.engine.StudentDebts(ctx, "stu-1")
	require.NoError(t, err)
	require.Len(t, debts, 1)
	assert.Equal(t, 2, debts[0].DaysOverdue)
	assert.True(t, debts[0].Amount.Equal(decimal.NewFromInt(20000)))
	assert.Len(t, f.notifier.ofType(exeat.NotifyOverdueDebt), 1)
}

func TestSignIn_PrivilegedActingAsSecurityRecordsDebt(t *testing.T) {
	f := newFixture(t, "dean-1")
	ctx := context.Background()
	r := f.submit(t, "stu-1", false)
	f.advance(t, r.ID, exeat.StatusSecuritySignin)

	f.clock.Set(at(2024, time.January, 11, 8, 0, 0))
	r = f.approve(t, r.ID, "dean-1", exeat.RoleDean)
	assert.Equal(t, exeat.StatusHostelSignin, r.Status)

	debts, err := f.engine.StudentDebts(ctx, "stu-1")
	require.NoError(t, err)
	require.Len(t, debts, 1)
	assert.Equal(t, 1, debts[0].DaysOverdue)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestConcurrentApprovals_AdvanceExactlyOnce(t *testing.T) {
	// GIVEN: A request in dean_review
	// WHEN: The dean approves twice at the same time
	// THEN: Exactly one succeeds, the request moves one stage

	f := newFixture(t)
	ctx := context.Background()
	r := f.submit(t, "stu-1", false)
	f.advance(t, r.ID, exeat.StatusDeanReview)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.ApplyApproval(ctx, exeat.ApprovalInput{
				RequestID: r.ID, ActorID: "dean-1", Role: exeat.RoleDean, Decision: exeat.DecisionApprove,
			})
		}(i)
	}
	wg.Wait()

	var ok, conflict int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, exeat.ErrInvalidStageTransition), errors.Is(err, exeat.ErrStaleState):
			conflict++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflict)

	got, err := f.engine.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, exeat.StatusHostelSignout, got.Status)
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func TestNotifierFailure_DoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	f.engine.Notifier = exeat.NotifierFunc(func(context.Context, exeat.Notification) error {
		return errors.New("smtp down")
	})

	r := f.submit(t, "stu-1", false)

	got, err := f.engine.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, exeat.StatusSecretaryReview, got.Status)
	assert.Contains(t, f.logs.String(), exeat.ErrDeliveryFailure.Error())
}

func TestNotifierPanic_DoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	f.engine.Notifier = exeat.NotifierFunc(func(context.Context, exeat.Notification) error {
		panic("boom")
	})

	r := f.submit(t, "stu-1", false)
	assert.Equal(t, exeat.StatusSecretaryReview, r.Status)
}

func TestAsyncNotifier_LogsFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)
	async := exeat.NewAsyncNotifier(exeat.NotifierFunc(func(context.Context, exeat.Notification) error {
		return errors.New("gateway timeout")
	}), time.Second, logger)

	err := async.Notify(context.Background(), exeat.Notification{Type: exeat.NotifyRejected})
	require.NoError(t, err)
	async.Wait()

	assert.Contains(t, buf.String(), "gateway timeout")
	assert.Contains(t, buf.String(), exeat.ErrDeliveryFailure.Error())
}

// =============================================================================
// DEBT PAYMENT
// =============================================================================

func TestDebtPayment_StatusOnlyMovesForward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submit(t, "stu-1", false)
	f.advance(t, r.ID, exeat.StatusSecuritySignin)
	f.clock.Set(at(2024, time.January, 11, 9, 0, 0))
	_, err := f.engine.SignIn(ctx, r.ID, "security-1")
	require.NoError(t, err)

	debts, err := f.engine.StudentDebts(ctx, "stu-1")
	require.NoError(t, err)
	require.Len(t, debts, 1)
	id := debts[0].ID

	d, err := f.engine.MarkDebtPaid(ctx, id, "stu-1", "PAY-1", "")
	require.NoError(t, err)
	assert.Equal(t, exeat.PaymentPaid, d.PaymentStatus)

	_, err = f.engine.MarkDebtPaid(ctx, id, "stu-1", "PAY-2", "")
	assert.ErrorIs(t, err, exeat.ErrInvalidPaymentTransition)

	d, err = f.engine.ClearDebt(ctx, id, "sec-1")
	require.NoError(t, err)
	assert.Equal(t, exeat.PaymentCleared, d.PaymentStatus)
	assert.Equal(t, "sec-1", d.ClearedBy)
	require.NotNil(t, d.ClearedAt)

	_, err = f.engine.ClearDebt(ctx, id, "sec-1")
	assert.ErrorIs(t, err, exeat.ErrInvalidPaymentTransition)
}

func TestDebtPayment_OnlyDebtorOrStaff(t *testing.T) {
	// GIVEN: An unpaid debt owned by stu-1
	// WHEN: Another student, then a staff member, record a payment
	// THEN: The student is refused, the staff member is accepted

	f := newFixture(t)
	ctx := context.Background()
	r := f.submit(t, "stu-1", false)
	f.advance(t, r.ID, exeat.StatusSecuritySignin)
	f.clock.Set(at(2024, time.January, 11, 9, 0, 0))
	_, err := f.engine.SignIn(ctx, r.ID, "security-1")
	require.NoError(t, err)

	debts, err := f.engine.StudentDebts(ctx, "stu-1")
	require.NoError(t, err)
	require.Len(t, debts, 1)

	_, err = f.engine.MarkDebtPaid(ctx, debts[0].ID, "stu-2", "PAY-1", "")
	assert.ErrorIs(t, err, exeat.ErrNotAuthorized)

	d, err := f.engine.MarkDebtPaid(ctx, debts[0].ID, "registrar-1", "PAY-1", "")
	require.NoError(t, err)
	assert.Equal(t, exeat.PaymentPaid, d.PaymentStatus)
}

func TestDebtPayment_UnknownDebt(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.MarkDebtPaid(context.Background(), "missing", "stu-1", "ref", "")

	assert.ErrorIs(t, err, exeat.ErrDebtNotFound)
}
