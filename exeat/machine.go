/*
machine.go - Lifecycle graph and authorization policy

PURPOSE:
  Two independent checks guard every transition:
  1. The transition table (transitions.go) says which role may take which
     decision from which stage.
  2. The lifecycle graph below says which status edges exist at all.
     Every step runs through a go-fsm machine seeded at the current
     status, and the request takes whatever state the machine lands in.
     A table row pointing at an edge the graph does not know about fails
     with ErrInvalidStageTransition.

AUTHORIZATION:
  Policy resolves the role an actor acts with. Privileged identities
  (configured, never hard-coded) may act for whatever role the current
  stage needs.
*/
package exeat

import (
	"fmt"
	"log/slog"

	"github.com/robbyt/go-fsm"
)

// lifecycleGraph lists the allowed status edges.
var lifecycleGraph = map[string][]string{
	string(StatusPending):         {string(StatusCMDReview), string(StatusSecretaryReview), string(StatusCancelled), string(StatusCompleted)},
	string(StatusCMDReview):       {string(StatusSecretaryReview), string(StatusRejected), string(StatusCancelled), string(StatusCompleted)},
	string(StatusSecretaryReview): {string(StatusParentConsent), string(StatusRejected), string(StatusCancelled), string(StatusCompleted)},
	string(StatusParentConsent):   {string(StatusDeanReview), string(StatusRejected), string(StatusCancelled), string(StatusCompleted)},
	string(StatusDeanReview):      {string(StatusHostelSignout), string(StatusRejected), string(StatusCancelled), string(StatusCompleted)},
	string(StatusHostelSignout):   {string(StatusSecuritySignout), string(StatusRejected), string(StatusCancelled), string(StatusCompleted)},
	string(StatusSecuritySignout): {string(StatusSecuritySignin), string(StatusRejected), string(StatusCancelled), string(StatusCompleted)},
	string(StatusSecuritySignin):  {string(StatusHostelSignin), string(StatusCompleted)},
	string(StatusHostelSignin):    {string(StatusCompleted)},
	string(StatusRejected):        {string(StatusAppeal)},
	string(StatusAppeal):          {string(StatusSecretaryReview), string(StatusRejected), string(StatusCancelled), string(StatusCompleted)},
	string(StatusCompleted):       {},
	string(StatusCancelled):       {},
}

// LifecycleGraph returns a copy of the allowed status edges.
func LifecycleGraph() map[Status][]Status {
	out := make(map[Status][]Status, len(lifecycleGraph))
	for from, tos := range lifecycleGraph {
		out[Status(from)] = make([]Status, 0, len(tos))
		for _, to := range tos {
			out[Status(from)] = append(out[Status(from)], Status(to))
		}
	}
	return out
}

// advance runs from→to through a state machine seeded at from and
// returns the state the machine ends in.
func advance(handler slog.Handler, from, to Status) (Status, error) {
	machine, err := fsm.New(handler, string(from), lifecycleGraph)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidStageTransition, from, err)
	}
	if err := machine.Transition(string(to)); err != nil {
		return "", fmt.Errorf("%w: %s -> %s: %v", ErrInvalidStageTransition, from, to, err)
	}
	return Status(machine.GetState()), nil
}

// =============================================================================
// AUTHORIZATION POLICY
// =============================================================================

// Actor is whoever triggers a transition.
type Actor struct {
	ID   string
	Role Role
}

// AuthorizationPolicy resolves the role an actor acts with for a stage.
type AuthorizationPolicy interface {
	// ResolveRole returns the role to look up in the transition table.
	ResolveRole(actor Actor, stage Status) Role
}

// Policy is the default AuthorizationPolicy.
type Policy struct {
	// Privileged identities may act for any stage role.
	Privileged map[string]bool
}

// NewPolicy builds a policy from a list of privileged staff ids.
func NewPolicy(privileged ...string) *Policy {
	p := &Policy{Privileged: make(map[string]bool, len(privileged))}
	for _, id := range privileged {
		if id != "" {
			p.Privileged[id] = true
		}
	}
	return p
}

func (p *Policy) ResolveRole(actor Actor, stage Status) Role {
	if p == nil || !p.Privileged[actor.ID] {
		return actor.Role
	}
	for _, r := range StageRoles(stage) {
		if r == actor.Role {
			return actor.Role
		}
	}
	if roles := StageRoles(stage); len(roles) > 0 {
		return roles[0]
	}
	return actor.Role
}

// IsPrivileged reports whether id is in the privileged set.
func (p *Policy) IsPrivileged(id string) bool {
	return p != nil && p.Privileged[id]
}
