/*
Package sqlite provides a SQLite-backed implementation of the exeat storage interfaces.

PURPOSE:
  Implements exeat.TxStore, exeat.Directory and exeat.SweepLog on SQLite.
  Used for single-node deployments and the HTTP integration tests. The
  PostgreSQL store (store/postgres) follows the same schema.

INTERFACES IMPLEMENTED:
  exeat.TxStore:   Requests, approvals and debts, with transactions
  exeat.Directory: Student and staff lookup
  exeat.SweepLog:  History of expiry/overdue sweeps

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on the approvals table
  - Requests and debts are updated in place, never deleted

KEY TABLES:
  exeat_requests:       One row per exeat, with optimistic-lock version
  approvals:            Audit trail of every transition
  student_exeat_debts:  Late-return penalties, at most one per request
  students, staff:      Directory
  sweep_runs:           Sweep history

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. WithTx holds the write lock for
  the whole transaction, so LockRequest needs no row lock here. The
  version column still guards against writers outside this process.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/exeat.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := exeat.NewEngine(store, exeat.Config{Directory: store})

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - exeat/store.go: Interface definitions
  - exeat/store/memory.go: In-memory implementation for testing
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/exeat-engine/exeat"
)

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
	queries
}

// ErrCorruptRow is returned when a stored column cannot be decoded.
var ErrCorruptRow = errors.New("corrupt row")

var (
	_ exeat.TxStore   = (*Store)(nil)
	_ exeat.Directory = (*Store)(nil)
	_ exeat.SweepLog  = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, queries: queries{q: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Exeat requests
	CREATE TABLE IF NOT EXISTS exeat_requests (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		destination TEXT NOT NULL DEFAULT '',
		departure_date TEXT NOT NULL,
		return_date TEXT NOT NULL,
		parent_name TEXT,
		parent_phone TEXT,
		parent_email TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		is_medical BOOLEAN NOT NULL DEFAULT FALSE,
		is_expired BOOLEAN NOT NULL DEFAULT FALSE,
		expired_at TEXT,
		appeal_reason TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_exeat_requests_student
		ON exeat_requests(student_id, created_at DESC);

	-- Sweep candidates (hot path)
	CREATE INDEX IF NOT EXISTS idx_exeat_requests_status
		ON exeat_requests(status, is_expired);

	-- Approvals (append-only audit trail)
	CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		exeat_request_id TEXT NOT NULL REFERENCES exeat_requests(id),
		actor_id TEXT NOT NULL,
		role TEXT NOT NULL,
		decision TEXT NOT NULL,
		method TEXT NOT NULL,
		comment TEXT,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_approvals_request
		ON approvals(exeat_request_id, created_at);

	-- Debts: one per exeat request
	CREATE TABLE IF NOT EXISTS student_exeat_debts (
		id TEXT PRIMARY KEY,
		exeat_request_id TEXT NOT NULL UNIQUE REFERENCES exeat_requests(id),
		student_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		processing_charge TEXT NOT NULL,
		total_with_charge TEXT NOT NULL,
		days_overdue INTEGER NOT NULL,
		overdue_hours INTEGER NOT NULL DEFAULT 0,
		payment_status TEXT NOT NULL DEFAULT 'unpaid',
		payment_reference TEXT,
		payment_proof TEXT,
		cleared_by TEXT,
		cleared_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_debts_student
		ON student_exeat_debts(student_id, payment_status);

	-- Directory
	CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		phone TEXT,
		parent_name TEXT,
		parent_phone TEXT,
		parent_email TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS staff (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		roles_json TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL
	);

	-- Sweep runs (for scheduled sweeps)
	CREATE TABLE IF NOT EXISTS sweep_runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		scanned INTEGER NOT NULL DEFAULT 0,
		expired INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		debts_recorded INTEGER NOT NULL DEFAULT 0,
		total_debt TEXT NOT NULL DEFAULT '0',
		failed INTEGER NOT NULL DEFAULT 0,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sweep_runs_kind
		ON sweep_runs(kind, started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LOCKED ENTRY POINTS (exeat.Store interface)
// =============================================================================

func (s *Store) CreateRequest(ctx context.Context, r *exeat.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.CreateRequest(ctx, r)
}

func (s *Store) GetRequest(ctx context.Context, id string) (*exeat.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries.GetRequest(ctx, id)
}

// LockRequest outside a transaction is a plain read.
func (s *Store) LockRequest(ctx context.Context, id string) (*exeat.Request, error) {
	return s.GetRequest(ctx, id)
}

func (s *Store) UpdateRequest(ctx context.Context, r *exeat.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.UpdateRequest(ctx, r)
}

func (s *Store) ListRequestsByStatus(ctx context.Context, statuses []exeat.Status) ([]exeat.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries.ListRequestsByStatus(ctx, statuses)
}

func (s *Store) ListStudentRequests(ctx context.Context, studentID string) ([]exeat.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries.ListStudentRequests(ctx, studentID)
}

func (s *Store) AppendApproval(ctx context.Context, a exeat.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.AppendApproval(ctx, a)
}

func (s *Store) ListApprovals(ctx context.Context, requestID string) ([]exeat.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries.ListApprovals(ctx, requestID)
}

func (s *Store) GetDebtByRequest(ctx context.Context, requestID string) (*exeat.Debt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries.GetDebtByRequest(ctx, requestID)
}

func (s *Store) GetDebt(ctx context.Context, id string) (*exeat.Debt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries.GetDebt(ctx, id)
}

func (s *Store) SaveDebt(ctx context.Context, d exeat.Debt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.SaveDebt(ctx, d)
}

func (s *Store) ListStudentDebts(ctx context.Context, studentID string) ([]exeat.Debt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries.ListStudentDebts(ctx, studentID)
}

// =============================================================================
// TRANSACTIONAL STORE (exeat.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
// The store write lock is held until commit or rollback; fn must only
// use the Store it is given.
func (s *Store) WithTx(ctx context.Context, fn func(store exeat.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// =============================================================================
// QUERIES - shared by *sql.DB and *sql.Tx
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements exeat.Store without locking.
type queries struct {
	q querier
}

const requestColumns = `
	id, student_id, category, reason, destination, departure_date, return_date,
	parent_name, parent_phone, parent_email, status, is_medical, is_expired,
	expired_at, appeal_reason, version, created_at, updated_at`

func (qs *queries) CreateRequest(ctx context.Context, r *exeat.Request) error {
	r.Version = 1
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO exeat_requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.StudentID, r.Category, r.Reason, r.Destination,
		formatTime(r.DepartureDate), formatTime(r.ReturnDate),
		nullString(r.Parent.Name), nullString(r.Parent.Phone), nullString(r.Parent.Email),
		string(r.Status), r.IsMedical, r.IsExpired, formatTimePtr(r.ExpiredAt),
		nullString(r.AppealReason), r.Version,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert request %s: %w", r.ID, err)
	}
	return nil
}

func (qs *queries) GetRequest(ctx context.Context, id string) (*exeat.Request, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM exeat_requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", exeat.ErrRequestNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (qs *queries) LockRequest(ctx context.Context, id string) (*exeat.Request, error) {
	return qs.GetRequest(ctx, id)
}

func (qs *queries) UpdateRequest(ctx context.Context, r *exeat.Request) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE exeat_requests SET
			status = ?, is_expired = ?, expired_at = ?, appeal_reason = ?,
			parent_name = ?, parent_phone = ?, parent_email = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`,
		string(r.Status), r.IsExpired, formatTimePtr(r.ExpiredAt), nullString(r.AppealReason),
		nullString(r.Parent.Name), nullString(r.Parent.Phone), nullString(r.Parent.Email),
		formatTime(r.UpdatedAt), r.ID, r.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update request %s: %w", r.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := qs.GetRequest(ctx, r.ID); err != nil {
			return err
		}
		return &exeat.StaleStateError{RequestID: r.ID}
	}

	r.Version++
	return nil
}

func (qs *queries) ListRequestsByStatus(ctx context.Context, statuses []exeat.Status) ([]exeat.Request, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}

	query := `SELECT ` + requestColumns + ` FROM exeat_requests
		WHERE status IN (` + strings.Join(placeholders, ", ") + `) AND is_expired = FALSE
		ORDER BY created_at ASC`
	return qs.queryRequests(ctx, query, args...)
}

func (qs *queries) ListStudentRequests(ctx context.Context, studentID string) ([]exeat.Request, error) {
	return qs.queryRequests(ctx, `SELECT `+requestColumns+` FROM exeat_requests
		WHERE student_id = ? ORDER BY created_at DESC`, studentID)
}

func (qs *queries) queryRequests(ctx context.Context, query string, args ...any) ([]exeat.Request, error) {
	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	defer rows.Close()

	var requests []exeat.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *r)
	}
	return requests, rows.Err()
}

func (qs *queries) AppendApproval(ctx context.Context, a exeat.Approval) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO approvals
		(id, exeat_request_id, actor_id, role, decision, method, comment, from_status, to_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID, a.ExeatRequestID, a.ActorID, string(a.Role), string(a.Decision), string(a.Method),
		nullString(a.Comment), string(a.FromStatus), string(a.ToStatus), formatTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append approval: %w", err)
	}
	return nil
}

func (qs *queries) ListApprovals(ctx context.Context, requestID string) ([]exeat.Approval, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT id, exeat_request_id, actor_id, role, decision, method, comment, from_status, to_status, created_at
		FROM approvals
		WHERE exeat_request_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query approvals: %w", err)
	}
	defer rows.Close()

	var approvals []exeat.Approval
	for rows.Next() {
		var (
			a                                exeat.Approval
			role, decision, method, from, to string
			comment                          sql.NullString
			createdAt                        string
		)
		if err := rows.Scan(&a.ID, &a.ExeatRequestID, &a.ActorID, &role, &decision, &method,
			&comment, &from, &to, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		a.Role = exeat.Role(role)
		a.Decision = exeat.Decision(decision)
		a.Method = exeat.Method(method)
		a.Comment = comment.String
		a.FromStatus = exeat.Status(from)
		a.ToStatus = exeat.Status(to)
		var p columnParser
		a.CreatedAt = p.at("created_at", createdAt)
		if p.err != nil {
			return nil, fmt.Errorf("approval %s: %w", a.ID, p.err)
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

const debtColumns = `
	id, exeat_request_id, student_id, amount, processing_charge, total_with_charge,
	days_overdue, overdue_hours, payment_status, payment_reference, payment_proof,
	cleared_by, cleared_at, created_at, updated_at`

func (qs *queries) GetDebtByRequest(ctx context.Context, requestID string) (*exeat.Debt, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+debtColumns+` FROM student_exeat_debts WHERE exeat_request_id = ?`, requestID)
	d, err := scanDebt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

func (qs *queries) GetDebt(ctx context.Context, id string) (*exeat.Debt, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+debtColumns+` FROM student_exeat_debts WHERE id = ?`, id)
	d, err := scanDebt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", exeat.ErrDebtNotFound, id)
	}
	return d, err
}

func (qs *queries) SaveDebt(ctx context.Context, d exeat.Debt) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO student_exeat_debts (`+debtColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			amount = excluded.amount,
			processing_charge = excluded.processing_charge,
			total_with_charge = excluded.total_with_charge,
			days_overdue = excluded.days_overdue,
			overdue_hours = excluded.overdue_hours,
			payment_status = excluded.payment_status,
			payment_reference = excluded.payment_reference,
			payment_proof = excluded.payment_proof,
			cleared_by = excluded.cleared_by,
			cleared_at = excluded.cleared_at,
			updated_at = excluded.updated_at
	`,
		d.ID, d.ExeatRequestID, d.StudentID,
		d.Amount.String(), d.ProcessingCharge.String(), d.TotalWithCharge.String(),
		d.DaysOverdue, d.OverdueHours, string(d.PaymentStatus),
		nullString(d.PaymentReference), nullString(d.PaymentProof),
		nullString(d.ClearedBy), formatTimePtr(d.ClearedAt),
		formatTime(d.CreatedAt), formatTime(d.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("debt for request %s already exists: %w", d.ExeatRequestID, err)
		}
		return fmt.Errorf("failed to save debt %s: %w", d.ID, err)
	}
	return nil
}

func (qs *queries) ListStudentDebts(ctx context.Context, studentID string) ([]exeat.Debt, error) {
	rows, err := qs.q.QueryContext(ctx, `SELECT `+debtColumns+` FROM student_exeat_debts
		WHERE student_id = ? ORDER BY created_at ASC`, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query debts: %w", err)
	}
	defer rows.Close()

	var debts []exeat.Debt
	for rows.Next() {
		d, err := scanDebt(rows)
		if err != nil {
			return nil, err
		}
		debts = append(debts, *d)
	}
	return debts, rows.Err()
}

// =============================================================================
// DIRECTORY
// =============================================================================

// SaveStudent upserts a student.
func (s *Store) SaveStudent(ctx context.Context, st exeat.Student) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO students (id, name, email, phone, parent_name, parent_phone, parent_email, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			phone = excluded.phone,
			parent_name = excluded.parent_name,
			parent_phone = excluded.parent_phone,
			parent_email = excluded.parent_email
	`,
		st.ID, st.Name, nullString(st.Email), nullString(st.Phone),
		nullString(st.ParentName), nullString(st.ParentPhone), nullString(st.ParentEmail),
		formatTime(time.Now()),
	)
	return err
}

func (s *Store) GetStudent(ctx context.Context, id string) (*exeat.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		st                                                 exeat.Student
		email, phone, parentName, parentPhone, parentEmail sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, phone, parent_name, parent_phone, parent_email
		FROM students WHERE id = ?
	`, id).Scan(&st.ID, &st.Name, &email, &phone, &parentName, &parentPhone, &parentEmail)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", exeat.ErrStudentNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	st.Email = email.String
	st.Phone = phone.String
	st.ParentName = parentName.String
	st.ParentPhone = parentPhone.String
	st.ParentEmail = parentEmail.String
	return &st, nil
}

// SaveStaff upserts a staff member and their roles.
func (s *Store) SaveStaff(ctx context.Context, st exeat.Staff) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rolesJSON, err := json.Marshal(st.Roles)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO staff (id, name, email, roles_json, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			roles_json = excluded.roles_json
	`, st.ID, st.Name, nullString(st.Email), string(rolesJSON), formatTime(time.Now()))
	return err
}

func (s *Store) GetStaff(ctx context.Context, id string) (*exeat.Staff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		st        exeat.Staff
		email     sql.NullString
		rolesJSON string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, email, roles_json FROM staff WHERE id = ?", id,
	).Scan(&st.ID, &st.Name, &email, &rolesJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", exeat.ErrStaffNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	st.Email = email.String
	if err := json.Unmarshal([]byte(rolesJSON), &st.Roles); err != nil {
		return nil, fmt.Errorf("bad roles for staff %s: %w", id, err)
	}
	return &st, nil
}

// =============================================================================
// SWEEP RUNS STORE
// =============================================================================

// SaveSweepRun records a finished sweep.
func (s *Store) SaveSweepRun(ctx context.Context, run exeat.SweepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sweep_runs (id, kind, started_at, finished_at, scanned, expired, skipped,
			debts_recorded, total_debt, failed, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID, run.Kind, formatTime(run.StartedAt), formatTime(run.FinishedAt),
		run.Scanned, run.Expired, run.Skipped, run.DebtsRecorded,
		run.TotalDebt.String(), run.Failed, nullString(run.Error),
	)
	return err
}

// ListSweepRuns returns sweep runs newest first.
func (s *Store) ListSweepRuns(ctx context.Context, kind string, limit int) ([]exeat.SweepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, kind, started_at, finished_at, scanned, expired, skipped,
			debts_recorded, total_debt, failed, error
		FROM sweep_runs`
	var args []any
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []exeat.SweepRun
	for rows.Next() {
		var (
			r                     exeat.SweepRun
			startedAt, finishedAt string
			totalDebt             string
			errText               sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Kind, &startedAt, &finishedAt, &r.Scanned, &r.Expired,
			&r.Skipped, &r.DebtsRecorded, &totalDebt, &r.Failed, &errText); err != nil {
			return nil, err
		}
		var p columnParser
		r.StartedAt = p.at("started_at", startedAt)
		r.FinishedAt = p.at("finished_at", finishedAt)
		r.TotalDebt = p.money("total_debt", totalDebt)
		if p.err != nil {
			return nil, fmt.Errorf("sweep run %s: %w", r.ID, p.err)
		}
		r.Error = errText.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*exeat.Request, error) {
	var (
		r                                    exeat.Request
		status                               string
		departure, ret, createdAt, updatedAt string
		parentName, parentPhone, parentEmail sql.NullString
		expiredAt, appealReason              sql.NullString
	)
	err := row.Scan(
		&r.ID, &r.StudentID, &r.Category, &r.Reason, &r.Destination, &departure, &ret,
		&parentName, &parentPhone, &parentEmail, &status, &r.IsMedical, &r.IsExpired,
		&expiredAt, &appealReason, &r.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	var p columnParser
	r.Status = exeat.Status(status)
	r.DepartureDate = p.at("departure_date", departure)
	r.ReturnDate = p.at("return_date", ret)
	r.Parent = exeat.ParentContact{Name: parentName.String, Phone: parentPhone.String, Email: parentEmail.String}
	r.ExpiredAt = p.atPtr("expired_at", expiredAt)
	r.AppealReason = appealReason.String
	r.CreatedAt = p.at("created_at", createdAt)
	r.UpdatedAt = p.at("updated_at", updatedAt)
	if p.err != nil {
		return nil, fmt.Errorf("request %s: %w", r.ID, p.err)
	}
	return &r, nil
}

func scanDebt(row scanner) (*exeat.Debt, error) {
	var (
		d                           exeat.Debt
		amount, charge, total       string
		status                      string
		reference, proof, clearedBy sql.NullString
		clearedAt                   sql.NullString
		createdAt, updatedAt        string
	)
	err := row.Scan(
		&d.ID, &d.ExeatRequestID, &d.StudentID, &amount, &charge, &total,
		&d.DaysOverdue, &d.OverdueHours, &status, &reference, &proof,
		&clearedBy, &clearedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	var p columnParser
	d.Amount = p.money("amount", amount)
	d.ProcessingCharge = p.money("processing_charge", charge)
	d.TotalWithCharge = p.money("total_with_charge", total)
	d.PaymentStatus = exeat.PaymentStatus(status)
	d.PaymentReference = reference.String
	d.PaymentProof = proof.String
	d.ClearedBy = clearedBy.String
	d.ClearedAt = p.atPtr("cleared_at", clearedAt)
	d.CreatedAt = p.at("created_at", createdAt)
	d.UpdatedAt = p.at("updated_at", updatedAt)
	if p.err != nil {
		return nil, fmt.Errorf("debt %s: %w", d.ID, p.err)
	}
	return &d, nil
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// columnParser decodes text columns and keeps the first failure.
type columnParser struct {
	err error
}

func (p *columnParser) fail(column, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: column %s value %q: %v", ErrCorruptRow, column, value, err)
	}
}

func (p *columnParser) at(column, s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		p.fail(column, s, err)
	}
	return t
}

func (p *columnParser) atPtr(column string, s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := p.at(column, s.String)
	return &t
}

func (p *columnParser) money(column, s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		p.fail(column, s, err)
	}
	return d
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
