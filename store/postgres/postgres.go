/*
Package postgres provides a PostgreSQL implementation of the exeat storage
interfaces on top of gorm.

PURPOSE:
  Multi-node deployments. Same tables as store/sqlite, but concurrency is
  handled by the database instead of a process mutex:

  - LockRequest inside WithTx issues SELECT ... FOR UPDATE, so two
    approvals on one request queue behind each other.
  - UpdateRequest still checks the version column, which catches
    writers that skipped the row lock.

INTERFACES IMPLEMENTED:
  exeat.TxStore, exeat.Directory, exeat.SweepLog

USAGE:
  store, err := postgres.New(dsn)
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Tables are created with gorm AutoMigrate on New().
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/exeat-engine/exeat"
	"gorm.io/datatypes"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// =============================================================================
// MODELS
// =============================================================================

type requestModel struct {
	ID            string `gorm:"primaryKey;type:varchar(64)"`
	StudentID     string `gorm:"type:varchar(64);not null;index:idx_exeat_requests_student"`
	Category      string `gorm:"type:varchar(64);not null;default:''"`
	Reason        string `gorm:"type:text;not null;default:''"`
	Destination   string `gorm:"type:text;not null;default:''"`
	DepartureDate time.Time
	ReturnDate    time.Time
	ParentName    string `gorm:"type:varchar(255)"`
	ParentPhone   string `gorm:"type:varchar(64)"`
	ParentEmail   string `gorm:"type:varchar(255)"`
	Status        string `gorm:"type:varchar(32);not null;default:'pending';index:idx_exeat_requests_status"`
	IsMedical     bool   `gorm:"not null;default:false"`
	IsExpired     bool   `gorm:"not null;default:false;index:idx_exeat_requests_status"`
	ExpiredAt     *time.Time
	AppealReason  string `gorm:"type:text"`
	Version       int    `gorm:"not null;default:1"`
	CreatedAt     time.Time
	UpdatedAt     time.Time `gorm:"autoUpdateTime:false"`
}

func (requestModel) TableName() string { return "exeat_requests" }

type approvalModel struct {
	ID             string `gorm:"primaryKey;type:varchar(64)"`
	ExeatRequestID string `gorm:"type:varchar(64);not null;index:idx_approvals_request"`
	ActorID        string `gorm:"type:varchar(64);not null"`
	Role           string `gorm:"type:varchar(32);not null"`
	Decision       string `gorm:"type:varchar(16);not null"`
	Method         string `gorm:"type:varchar(16);not null"`
	Comment        string `gorm:"type:text"`
	FromStatus     string `gorm:"type:varchar(32);not null"`
	ToStatus       string `gorm:"type:varchar(32);not null"`
	CreatedAt      time.Time
}

func (approvalModel) TableName() string { return "approvals" }

type debtModel struct {
	ID               string          `gorm:"primaryKey;type:varchar(64)"`
	ExeatRequestID   string          `gorm:"type:varchar(64);not null;uniqueIndex"`
	StudentID        string          `gorm:"type:varchar(64);not null;index:idx_debts_student"`
	Amount           decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	ProcessingCharge decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	TotalWithCharge  decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	DaysOverdue      int             `gorm:"not null"`
	OverdueHours     int             `gorm:"not null;default:0"`
	PaymentStatus    string          `gorm:"type:varchar(16);not null;default:'unpaid';index:idx_debts_student"`
	PaymentReference string          `gorm:"type:varchar(255)"`
	PaymentProof     string          `gorm:"type:text"`
	ClearedBy        string          `gorm:"type:varchar(64)"`
	ClearedAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time `gorm:"autoUpdateTime:false"`
}

func (debtModel) TableName() string { return "student_exeat_debts" }

type studentModel struct {
	ID          string `gorm:"primaryKey;type:varchar(64)"`
	Name        string `gorm:"type:varchar(255);not null"`
	Email       string `gorm:"type:varchar(255)"`
	Phone       string `gorm:"type:varchar(64)"`
	ParentName  string `gorm:"type:varchar(255)"`
	ParentPhone string `gorm:"type:varchar(64)"`
	ParentEmail string `gorm:"type:varchar(255)"`
	CreatedAt   time.Time
}

func (studentModel) TableName() string { return "students" }

type staffModel struct {
	ID        string         `gorm:"primaryKey;type:varchar(64)"`
	Name      string         `gorm:"type:varchar(255);not null"`
	Email     string         `gorm:"type:varchar(255)"`
	Roles     datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt time.Time
}

func (staffModel) TableName() string { return "staff" }

type sweepRunModel struct {
	ID            string    `gorm:"primaryKey;type:varchar(64)"`
	Kind          string    `gorm:"type:varchar(32);not null;index:idx_sweep_runs_kind"`
	StartedAt     time.Time `gorm:"not null;index:idx_sweep_runs_kind"`
	FinishedAt    time.Time `gorm:"not null"`
	Scanned       int
	Expired       int
	Skipped       int
	DebtsRecorded int
	TotalDebt     decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0"`
	Failed        int
	Error         string `gorm:"type:text"`
}

func (sweepRunModel) TableName() string { return "sweep_runs" }

// =============================================================================
// STORE
// =============================================================================

// Store implements the exeat storage interfaces on PostgreSQL.
type Store struct {
	db *gorm.DB
	repo
}

var (
	_ exeat.TxStore   = (*Store)(nil)
	_ exeat.Directory = (*Store)(nil)
	_ exeat.SweepLog  = (*Store)(nil)
)

// New connects to dsn and migrates the schema.
func New(dsn string) (*Store, error) {
	db, err := gorm.Open(gormpg.New(gormpg.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxIdleTime(60 * time.Second)
	sqlDB.SetConnMaxLifetime(10 * time.Minute)

	return NewWithDB(db)
}

// NewWithDB wraps an existing gorm handle and migrates the schema.
func NewWithDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(
		&requestModel{},
		&approvalModel{},
		&debtModel{},
		&studentModel{},
		&staffModel{},
		&sweepRunModel{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db, repo: repo{db: db}}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx runs fn in a database transaction. Requests read through
// LockRequest stay row-locked until it ends.
func (s *Store) WithTx(ctx context.Context, fn func(exeat.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&repo{db: tx, inTx: true})
	})
}

// =============================================================================
// REPO - exeat.Store on a gorm handle (pool or transaction)
// =============================================================================

type repo struct {
	db   *gorm.DB
	inTx bool
}

func (r *repo) CreateRequest(ctx context.Context, req *exeat.Request) error {
	req.Version = 1
	m := toRequestModel(req)
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("failed to insert request %s: %w", req.ID, err)
	}
	return nil
}

func (r *repo) GetRequest(ctx context.Context, id string) (*exeat.Request, error) {
	return r.findRequest(r.db.WithContext(ctx), id)
}

func (r *repo) LockRequest(ctx context.Context, id string) (*exeat.Request, error) {
	q := r.db.WithContext(ctx)
	if r.inTx {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return r.findRequest(q, id)
}

func (r *repo) findRequest(q *gorm.DB, id string) (*exeat.Request, error) {
	var m requestModel
	err := q.Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", exeat.ErrRequestNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return m.toDomain(), nil
}

func (r *repo) UpdateRequest(ctx context.Context, req *exeat.Request) error {
	res := r.db.WithContext(ctx).
		Model(&requestModel{}).
		Where("id = ? AND version = ?", req.ID, req.Version).
		Updates(map[string]any{
			"status":        string(req.Status),
			"is_expired":    req.IsExpired,
			"expired_at":    req.ExpiredAt,
			"appeal_reason": req.AppealReason,
			"parent_name":   req.Parent.Name,
			"parent_phone":  req.Parent.Phone,
			"parent_email":  req.Parent.Email,
			"updated_at":    req.UpdatedAt,
			"version":       gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update request %s: %w", req.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetRequest(ctx, req.ID); err != nil {
			return err
		}
		return &exeat.StaleStateError{RequestID: req.ID}
	}
	req.Version++
	return nil
}

func (r *repo) ListRequestsByStatus(ctx context.Context, statuses []exeat.Status) ([]exeat.Request, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	var models []requestModel
	err := r.db.WithContext(ctx).
		Where("status IN ?", names).
		Where("is_expired = ?", false).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	return requestsToDomain(models), nil
}

func (r *repo) ListStudentRequests(ctx context.Context, studentID string) ([]exeat.Request, error) {
	var models []requestModel
	err := r.db.WithContext(ctx).
		Where("student_id = ?", studentID).
		Order("created_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	return requestsToDomain(models), nil
}

func (r *repo) AppendApproval(ctx context.Context, a exeat.Approval) error {
	m := approvalModel{
		ID:             a.ID,
		ExeatRequestID: a.ExeatRequestID,
		ActorID:        a.ActorID,
		Role:           string(a.Role),
		Decision:       string(a.Decision),
		Method:         string(a.Method),
		Comment:        a.Comment,
		FromStatus:     string(a.FromStatus),
		ToStatus:       string(a.ToStatus),
		CreatedAt:      a.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("failed to append approval: %w", err)
	}
	return nil
}

func (r *repo) ListApprovals(ctx context.Context, requestID string) ([]exeat.Approval, error) {
	var models []approvalModel
	err := r.db.WithContext(ctx).
		Where("exeat_request_id = ?", requestID).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query approvals: %w", err)
	}

	out := make([]exeat.Approval, 0, len(models))
	for _, m := range models {
		out = append(out, exeat.Approval{
			ID:             m.ID,
			ExeatRequestID: m.ExeatRequestID,
			ActorID:        m.ActorID,
			Role:           exeat.Role(m.Role),
			Decision:       exeat.Decision(m.Decision),
			Method:         exeat.Method(m.Method),
			Comment:        m.Comment,
			FromStatus:     exeat.Status(m.FromStatus),
			ToStatus:       exeat.Status(m.ToStatus),
			CreatedAt:      m.CreatedAt,
		})
	}
	return out, nil
}

func (r *repo) GetDebtByRequest(ctx context.Context, requestID string) (*exeat.Debt, error) {
	var m debtModel
	err := r.db.WithContext(ctx).Where("exeat_request_id = ?", requestID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m.toDomain(), nil
}

func (r *repo) GetDebt(ctx context.Context, id string) (*exeat.Debt, error) {
	var m debtModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", exeat.ErrDebtNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return m.toDomain(), nil
}

func (r *repo) SaveDebt(ctx context.Context, d exeat.Debt) error {
	m := toDebtModel(d)
	if err := r.db.WithContext(ctx).Save(&m).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("debt for request %s already exists: %w", d.ExeatRequestID, err)
		}
		return fmt.Errorf("failed to save debt %s: %w", d.ID, err)
	}
	return nil
}

func (r *repo) ListStudentDebts(ctx context.Context, studentID string) ([]exeat.Debt, error) {
	var models []debtModel
	err := r.db.WithContext(ctx).
		Where("student_id = ?", studentID).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query debts: %w", err)
	}
	out := make([]exeat.Debt, 0, len(models))
	for _, m := range models {
		out = append(out, *m.toDomain())
	}
	return out, nil
}

// =============================================================================
// DIRECTORY
// =============================================================================

// SaveStudent upserts a student.
func (s *Store) SaveStudent(ctx context.Context, st exeat.Student) error {
	m := studentModel{
		ID: st.ID, Name: st.Name, Email: st.Email, Phone: st.Phone,
		ParentName: st.ParentName, ParentPhone: st.ParentPhone, ParentEmail: st.ParentEmail,
	}
	return s.db.WithContext(ctx).Save(&m).Error
}

func (s *Store) GetStudent(ctx context.Context, id string) (*exeat.Student, error) {
	var m studentModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", exeat.ErrStudentNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &exeat.Student{
		ID: m.ID, Name: m.Name, Email: m.Email, Phone: m.Phone,
		ParentName: m.ParentName, ParentPhone: m.ParentPhone, ParentEmail: m.ParentEmail,
	}, nil
}

// SaveStaff upserts a staff member and their roles.
func (s *Store) SaveStaff(ctx context.Context, st exeat.Staff) error {
	roles, err := json.Marshal(st.Roles)
	if err != nil {
		return err
	}
	m := staffModel{ID: st.ID, Name: st.Name, Email: st.Email, Roles: datatypes.JSON(roles)}
	return s.db.WithContext(ctx).Save(&m).Error
}

func (s *Store) GetStaff(ctx context.Context, id string) (*exeat.Staff, error) {
	var m staffModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", exeat.ErrStaffNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	st := &exeat.Staff{ID: m.ID, Name: m.Name, Email: m.Email}
	if err := json.Unmarshal(m.Roles, &st.Roles); err != nil {
		return nil, fmt.Errorf("bad roles for staff %s: %w", id, err)
	}
	return st, nil
}

// =============================================================================
// SWEEP RUNS
// =============================================================================

func (s *Store) SaveSweepRun(ctx context.Context, run exeat.SweepRun) error {
	m := sweepRunModel{
		ID:            run.ID,
		Kind:          run.Kind,
		StartedAt:     run.StartedAt,
		FinishedAt:    run.FinishedAt,
		Scanned:       run.Scanned,
		Expired:       run.Expired,
		Skipped:       run.Skipped,
		DebtsRecorded: run.DebtsRecorded,
		TotalDebt:     run.TotalDebt,
		Failed:        run.Failed,
		Error:         run.Error,
	}
	return s.db.WithContext(ctx).Create(&m).Error
}

func (s *Store) ListSweepRuns(ctx context.Context, kind string, limit int) ([]exeat.SweepRun, error) {
	q := s.db.WithContext(ctx).Order("started_at DESC")
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var models []sweepRunModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]exeat.SweepRun, 0, len(models))
	for _, m := range models {
		out = append(out, exeat.SweepRun{
			ID:            m.ID,
			Kind:          m.Kind,
			StartedAt:     m.StartedAt,
			FinishedAt:    m.FinishedAt,
			Scanned:       m.Scanned,
			Expired:       m.Expired,
			Skipped:       m.Skipped,
			DebtsRecorded: m.DebtsRecorded,
			TotalDebt:     m.TotalDebt,
			Failed:        m.Failed,
			Error:         m.Error,
		})
	}
	return out, nil
}

// =============================================================================
// CONVERSION
// =============================================================================

func toRequestModel(r *exeat.Request) requestModel {
	return requestModel{
		ID:            r.ID,
		StudentID:     r.StudentID,
		Category:      r.Category,
		Reason:        r.Reason,
		Destination:   r.Destination,
		DepartureDate: r.DepartureDate,
		ReturnDate:    r.ReturnDate,
		ParentName:    r.Parent.Name,
		ParentPhone:   r.Parent.Phone,
		ParentEmail:   r.Parent.Email,
		Status:        string(r.Status),
		IsMedical:     r.IsMedical,
		IsExpired:     r.IsExpired,
		ExpiredAt:     r.ExpiredAt,
		AppealReason:  r.AppealReason,
		Version:       r.Version,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func (m *requestModel) toDomain() *exeat.Request {
	return &exeat.Request{
		ID:            m.ID,
		StudentID:     m.StudentID,
		Category:      m.Category,
		Reason:        m.Reason,
		Destination:   m.Destination,
		DepartureDate: m.DepartureDate,
		ReturnDate:    m.ReturnDate,
		Parent:        exeat.ParentContact{Name: m.ParentName, Phone: m.ParentPhone, Email: m.ParentEmail},
		Status:        exeat.Status(m.Status),
		IsMedical:     m.IsMedical,
		IsExpired:     m.IsExpired,
		ExpiredAt:     m.ExpiredAt,
		AppealReason:  m.AppealReason,
		Version:       m.Version,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func requestsToDomain(models []requestModel) []exeat.Request {
	out := make([]exeat.Request, 0, len(models))
	for i := range models {
		out = append(out, *models[i].toDomain())
	}
	return out
}

func toDebtModel(d exeat.Debt) debtModel {
	return debtModel{
		ID:               d.ID,
		ExeatRequestID:   d.ExeatRequestID,
		StudentID:        d.StudentID,
		Amount:           d.Amount,
		ProcessingCharge: d.ProcessingCharge,
		TotalWithCharge:  d.TotalWithCharge,
		DaysOverdue:      d.DaysOverdue,
		OverdueHours:     d.OverdueHours,
		PaymentStatus:    string(d.PaymentStatus),
		PaymentReference: d.PaymentReference,
		PaymentProof:     d.PaymentProof,
		ClearedBy:        d.ClearedBy,
		ClearedAt:        d.ClearedAt,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}

func (m *debtModel) toDomain() *exeat.Debt {
	return &exeat.Debt{
		ID:               m.ID,
		ExeatRequestID:   m.ExeatRequestID,
		StudentID:        m.StudentID,
		Amount:           m.Amount,
		ProcessingCharge: m.ProcessingCharge,
		TotalWithCharge:  m.TotalWithCharge,
		DaysOverdue:      m.DaysOverdue,
		OverdueHours:     m.OverdueHours,
		PaymentStatus:    exeat.PaymentStatus(m.PaymentStatus),
		PaymentReference: m.PaymentReference,
		PaymentProof:     m.PaymentProof,
		ClearedBy:        m.ClearedBy,
		ClearedAt:        m.ClearedAt,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(err.Error(), "duplicate key") ||
		strings.Contains(err.Error(), "SQLSTATE 23505")
}
