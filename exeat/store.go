/*
store.go - Persistence interface for exeat requests, approvals and debts

PURPOSE:
  Defines the boundary between the lifecycle engine and the database.
  Every mutation of one request (status, approval, debt) happens inside
  a single TxStore.WithTx call so readers never see a completed/expired
  request without its debt, or an approval without its status change.

KEY INTERFACES:
  Store:     Reads and writes used by the engine
  TxStore:   Store + atomic multi-write transactions
  Directory: Read-only student/staff lookup

APPEND-ONLY:
  Approvals are append-only. Requests and debts are updated in place but
  never deleted.

OPTIMISTIC LOCKING:
  UpdateRequest writes only if the stored version equals r.Version, then
  bumps it. A mismatch returns ErrStaleState.

IMPLEMENTATIONS:
  - exeat/store/memory.go:     In-memory for tests
  - store/sqlite/sqlite.go:    Embedded SQLite
  - store/postgres/postgres.go: PostgreSQL via gorm with row locks
*/
package exeat

import "context"

// Store handles persistence of the exeat aggregate.
type Store interface {
	// CreateRequest inserts a new request. r.Version is set to 1.
	CreateRequest(ctx context.Context, r *Request) error

	// GetRequest returns ErrRequestNotFound for unknown ids.
	GetRequest(ctx context.Context, id string) (*Request, error)

	// LockRequest reads the request for update. Inside WithTx it holds
	// whatever lock the backend offers until the transaction ends.
	LockRequest(ctx context.Context, id string) (*Request, error)

	// UpdateRequest persists r if the stored version equals r.Version and
	// increments r.Version. Returns ErrStaleState otherwise.
	UpdateRequest(ctx context.Context, r *Request) error

	// ListRequestsByStatus returns non-expired requests in any of statuses.
	ListRequestsByStatus(ctx context.Context, statuses []Status) ([]Request, error)

	// ListStudentRequests returns every request of a student, newest first.
	ListStudentRequests(ctx context.Context, studentID string) ([]Request, error)

	// AppendApproval adds an audit record. Append-only.
	AppendApproval(ctx context.Context, a Approval) error

	// ListApprovals returns approvals for a request, oldest first.
	ListApprovals(ctx context.Context, requestID string) ([]Approval, error)

	// GetDebtByRequest returns (nil, nil) when the request has no debt.
	GetDebtByRequest(ctx context.Context, requestID string) (*Debt, error)

	// GetDebt returns ErrDebtNotFound for unknown ids.
	GetDebt(ctx context.Context, id string) (*Debt, error)

	// SaveDebt inserts or updates a debt keyed by ID. At most one debt
	// may exist per exeat request.
	SaveDebt(ctx context.Context, d Debt) error

	// ListStudentDebts returns every debt of a student.
	ListStudentDebts(ctx context.Context, studentID string) ([]Debt, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Directory is the read-only student/staff lookup.
type Directory interface {
	GetStudent(ctx context.Context, id string) (*Student, error)
	GetStaff(ctx context.Context, id string) (*Staff, error)
}
