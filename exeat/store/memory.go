// Package store provides an in-memory exeat.TxStore for tests and dev.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/exeat-engine/exeat"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	data
}

type data struct {
	requests  map[string]exeat.Request
	approvals map[string][]exeat.Approval
	debts     map[string]exeat.Debt
	students  map[string]exeat.Student
	staff     map[string]exeat.Staff
	runs      []exeat.SweepRun
}

var (
	_ exeat.TxStore   = (*Memory)(nil)
	_ exeat.Directory = (*Memory)(nil)
	_ exeat.SweepLog  = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{data: data{
		requests:  make(map[string]exeat.Request),
		approvals: make(map[string][]exeat.Approval),
		debts:     make(map[string]exeat.Debt),
		students:  make(map[string]exeat.Student),
		staff:     make(map[string]exeat.Staff),
	}}
}

// =============================================================================
// LOCKED ENTRY POINTS
// =============================================================================

func (m *Memory) CreateRequest(ctx context.Context, r *exeat.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.CreateRequest(ctx, r)
}

func (m *Memory) GetRequest(ctx context.Context, id string) (*exeat.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.GetRequest(ctx, id)
}

func (m *Memory) LockRequest(ctx context.Context, id string) (*exeat.Request, error) {
	return m.GetRequest(ctx, id)
}

func (m *Memory) UpdateRequest(ctx context.Context, r *exeat.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.UpdateRequest(ctx, r)
}

func (m *Memory) ListRequestsByStatus(ctx context.Context, statuses []exeat.Status) ([]exeat.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ListRequestsByStatus(ctx, statuses)
}

func (m *Memory) ListStudentRequests(ctx context.Context, studentID string) ([]exeat.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ListStudentRequests(ctx, studentID)
}

func (m *Memory) AppendApproval(ctx context.Context, a exeat.Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.AppendApproval(ctx, a)
}

func (m *Memory) ListApprovals(ctx context.Context, requestID string) ([]exeat.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ListApprovals(ctx, requestID)
}

func (m *Memory) GetDebtByRequest(ctx context.Context, requestID string) (*exeat.Debt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.GetDebtByRequest(ctx, requestID)
}

func (m *Memory) GetDebt(ctx context.Context, id string) (*exeat.Debt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.GetDebt(ctx, id)
}

func (m *Memory) SaveDebt(ctx context.Context, d exeat.Debt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SaveDebt(ctx, d)
}

func (m *Memory) ListStudentDebts(ctx context.Context, studentID string) ([]exeat.Debt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ListStudentDebts(ctx, studentID)
}

// =============================================================================
// DIRECTORY
// =============================================================================

func (m *Memory) SaveStudent(s exeat.Student) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.students[s.ID] = s
}

func (m *Memory) SaveStaff(s exeat.Staff) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Roles = append([]exeat.Role(nil), s.Roles...)
	m.staff[s.ID] = s
}

func (m *Memory) GetStudent(_ context.Context, id string) (*exeat.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.students[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", exeat.ErrStudentNotFound, id)
	}
	return &s, nil
}

func (m *Memory) GetStaff(_ context.Context, id string) (*exeat.Staff, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.staff[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", exeat.ErrStaffNotFound, id)
	}
	return &s, nil
}

// =============================================================================
// SWEEP RUNS
// =============================================================================

func (m *Memory) SaveSweepRun(_ context.Context, run exeat.SweepRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func (m *Memory) ListSweepRuns(_ context.Context, kind string, limit int) ([]exeat.SweepRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []exeat.SweepRun
	for i := len(m.runs) - 1; i >= 0; i-- {
		if kind != "" && m.runs[i].Kind != kind {
			continue
		}
		out = append(out, m.runs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The store lock is held for the whole call, which serialises writers.
func (m *Memory) WithTx(ctx context.Context, fn func(exeat.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(&m.data); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

func (d *data) clone() data {
	c := data{
		requests:  make(map[string]exeat.Request, len(d.requests)),
		approvals: make(map[string][]exeat.Approval, len(d.approvals)),
		debts:     make(map[string]exeat.Debt, len(d.debts)),
		students:  d.students,
		staff:     d.staff,
		runs:      d.runs,
	}
	for k, v := range d.requests {
		c.requests[k] = v
	}
	for k, v := range d.approvals {
		c.approvals[k] = append([]exeat.Approval(nil), v...)
	}
	for k, v := range d.debts {
		c.debts[k] = v
	}
	return c
}

// =============================================================================
// UNLOCKED OPERATIONS (exeat.Store view used inside WithTx)
// =============================================================================

func (d *data) CreateRequest(_ context.Context, r *exeat.Request) error {
	if _, exists := d.requests[r.ID]; exists {
		return fmt.Errorf("request %s already exists", r.ID)
	}
	r.Version = 1
	d.requests[r.ID] = *r
	return nil
}

func (d *data) GetRequest(_ context.Context, id string) (*exeat.Request, error) {
	r, ok := d.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", exeat.ErrRequestNotFound, id)
	}
	return &r, nil
}

func (d *data) LockRequest(ctx context.Context, id string) (*exeat.Request, error) {
	return d.GetRequest(ctx, id)
}

func (d *data) UpdateRequest(_ context.Context, r *exeat.Request) error {
	current, ok := d.requests[r.ID]
	if !ok {
		return fmt.Errorf("%w: %s", exeat.ErrRequestNotFound, r.ID)
	}
	if current.Version != r.Version {
		return &exeat.StaleStateError{RequestID: r.ID}
	}
	r.Version++
	d.requests[r.ID] = *r
	return nil
}

func (d *data) ListRequestsByStatus(_ context.Context, statuses []exeat.Status) ([]exeat.Request, error) {
	want := make(map[exeat.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []exeat.Request
	for _, r := range d.requests {
		if want[r.Status] && !r.IsExpired {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (d *data) ListStudentRequests(_ context.Context, studentID string) ([]exeat.Request, error) {
	var out []exeat.Request
	for _, r := range d.requests {
		if r.StudentID == studentID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (d *data) AppendApproval(_ context.Context, a exeat.Approval) error {
	d.approvals[a.ExeatRequestID] = append(d.approvals[a.ExeatRequestID], a)
	return nil
}

func (d *data) ListApprovals(_ context.Context, requestID string) ([]exeat.Approval, error) {
	return append([]exeat.Approval(nil), d.approvals[requestID]...), nil
}

func (d *data) GetDebtByRequest(_ context.Context, requestID string) (*exeat.Debt, error) {
	for _, debt := range d.debts {
		if debt.ExeatRequestID == requestID {
			return &debt, nil
		}
	}
	return nil, nil
}

func (d *data) GetDebt(_ context.Context, id string) (*exeat.Debt, error) {
	debt, ok := d.debts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", exeat.ErrDebtNotFound, id)
	}
	return &debt, nil
}

func (d *data) SaveDebt(_ context.Context, debt exeat.Debt) error {
	for id, existing := range d.debts {
		if existing.ExeatRequestID == debt.ExeatRequestID && id != debt.ID {
			return fmt.Errorf("debt for request %s already exists", debt.ExeatRequestID)
		}
	}
	d.debts[debt.ID] = debt
	return nil
}

func (d *data) ListStudentDebts(_ context.Context, studentID string) ([]exeat.Debt, error) {
	var out []exeat.Debt
	for _, debt := range d.debts {
		if debt.StudentID == studentID {
			out = append(out, debt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
