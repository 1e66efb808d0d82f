package exeat

// Transition is a single allowed row of the lifecycle table:
// from-state × role × decision → to-state.
type Transition struct {
	From     Status
	Role     Role
	Decision Decision
	To       Status

	// Guard, when set, must hold for the row to apply. Rows sharing
	// (From, Role, Decision) must have mutually exclusive guards.
	Guard func(*Request) bool
}

func isMedical(r *Request) bool    { return r.IsMedical }
func isNotMedical(r *Request) bool { return !r.IsMedical }

// cancellable stages: the student has not left campus yet.
var cancellable = []Status{
	StatusPending, StatusCMDReview, StatusSecretaryReview, StatusParentConsent,
	StatusDeanReview, StatusHostelSignout, StatusSecuritySignout, StatusAppeal,
}

// expirable stages: every non-terminal status.
var expirable = []Status{
	StatusPending, StatusCMDReview, StatusSecretaryReview, StatusParentConsent,
	StatusDeanReview, StatusHostelSignout, StatusSecuritySignout,
	StatusSecuritySignin, StatusHostelSignin, StatusAppeal,
}

var transitionsTable = buildTable()

func buildTable() []Transition {
	t := []Transition{
		// Routing on submission
		{From: StatusPending, Role: RoleSystem, Decision: DecisionApprove, To: StatusCMDReview, Guard: isMedical},
		{From: StatusPending, Role: RoleSystem, Decision: DecisionApprove, To: StatusSecretaryReview, Guard: isNotMedical},

		// Review path
		{From: StatusCMDReview, Role: RoleCMD, Decision: DecisionApprove, To: StatusSecretaryReview},
		{From: StatusSecretaryReview, Role: RoleSecretary, Decision: DecisionApprove, To: StatusParentConsent},
		{From: StatusSecretaryReview, Role: RoleDeputyDean, Decision: DecisionApprove, To: StatusParentConsent},
		{From: StatusParentConsent, Role: RoleParent, Decision: DecisionApprove, To: StatusDeanReview},
		{From: StatusParentConsent, Role: RoleSecretary, Decision: DecisionApprove, To: StatusDeanReview},
		{From: StatusParentConsent, Role: RoleDeputyDean, Decision: DecisionApprove, To: StatusDeanReview},
		{From: StatusDeanReview, Role: RoleDean, Decision: DecisionApprove, To: StatusHostelSignout},

		// Sign-out / sign-in path
		{From: StatusHostelSignout, Role: RoleHostelAdmin, Decision: DecisionApprove, To: StatusSecuritySignout},
		{From: StatusSecuritySignout, Role: RoleSecurity, Decision: DecisionApprove, To: StatusSecuritySignin},
		{From: StatusSecuritySignin, Role: RoleSecurity, Decision: DecisionApprove, To: StatusHostelSignin},
		{From: StatusHostelSignin, Role: RoleHostelAdmin, Decision: DecisionApprove, To: StatusCompleted},

		// Rejections (only before the student leaves)
		{From: StatusCMDReview, Role: RoleCMD, Decision: DecisionReject, To: StatusRejected},
		{From: StatusSecretaryReview, Role: RoleSecretary, Decision: DecisionReject, To: StatusRejected},
		{From: StatusSecretaryReview, Role: RoleDeputyDean, Decision: DecisionReject, To: StatusRejected},
		{From: StatusParentConsent, Role: RoleParent, Decision: DecisionReject, To: StatusRejected},
		{From: StatusParentConsent, Role: RoleSecretary, Decision: DecisionReject, To: StatusRejected},
		{From: StatusParentConsent, Role: RoleDeputyDean, Decision: DecisionReject, To: StatusRejected},
		{From: StatusDeanReview, Role: RoleDean, Decision: DecisionReject, To: StatusRejected},
		{From: StatusHostelSignout, Role: RoleHostelAdmin, Decision: DecisionReject, To: StatusRejected},
		{From: StatusSecuritySignout, Role: RoleSecurity, Decision: DecisionReject, To: StatusRejected},

		// Appeal
		{From: StatusRejected, Role: RoleStudent, Decision: DecisionAppeal, To: StatusAppeal},
		{From: StatusAppeal, Role: RoleSecretary, Decision: DecisionApprove, To: StatusSecretaryReview},
		{From: StatusAppeal, Role: RoleDeputyDean, Decision: DecisionApprove, To: StatusSecretaryReview},
		{From: StatusAppeal, Role: RoleSecretary, Decision: DecisionReject, To: StatusRejected},
		{From: StatusAppeal, Role: RoleDeputyDean, Decision: DecisionReject, To: StatusRejected},
	}

	for _, from := range cancellable {
		t = append(t, Transition{From: from, Role: RoleStudent, Decision: DecisionCancel, To: StatusCancelled})
	}
	for _, from := range expirable {
		t = append(t, Transition{From: from, Role: RoleSystem, Decision: DecisionExpire, To: StatusCompleted})
	}
	return t
}

// TransitionFor returns the row that applies to r for role+decision.
func TransitionFor(r *Request, role Role, decision Decision) (Transition, bool) {
	for _, tr := range transitionsTable {
		if tr.From != r.Status || tr.Role != role || tr.Decision != decision {
			continue
		}
		if tr.Guard != nil && !tr.Guard(r) {
			continue
		}
		return tr, true
	}
	return Transition{}, false
}

// Transitions returns a copy of the full table.
func Transitions() []Transition {
	out := make([]Transition, len(transitionsTable))
	copy(out, transitionsTable)
	return out
}

// StageRoles returns the roles that may approve a request sitting in
// status, derived from the table. The system role is excluded.
func StageRoles(status Status) []Role {
	var roles []Role
	seen := make(map[Role]bool)
	for _, tr := range transitionsTable {
		if tr.From != status || tr.Decision != DecisionApprove || tr.Role == RoleSystem {
			continue
		}
		if !seen[tr.Role] {
			seen[tr.Role] = true
			roles = append(roles, tr.Role)
		}
	}
	return roles
}
