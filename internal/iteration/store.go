package iteration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrActiveExists is returned by CreateIfNoneActive together with the
	// record that already holds the issue.
	ErrActiveExists = errors.New("active iteration record already exists")

	// ErrStatusMismatch is returned by Transition when the record is not in
	// the expected status. The current record is returned alongside.
	ErrStatusMismatch = errors.New("iteration record status mismatch")

	// ErrInactive is returned when mutating a record that has already been
	// completed. The unchanged record is returned alongside.
	ErrInactive = errors.New("iteration record is no longer active")
)

// Store persists iteration records.
//
// Every mutation returns the refreshed record. Operations on an id that does
// not exist return a nil record and a nil error.
type Store interface {
	Get(ctx context.Context, id uint) (*Record, error)
	GetActive(ctx context.Context, repo string, issue int) (*Record, error)
	GetByPR(ctx context.Context, repo string, pr int) (*Record, error)
	ListInFlight(ctx context.Context) ([]Record, error)
	List(ctx context.Context, opts ListOptions) ([]Record, error)

	// Create deactivates any active record for the issue and opens a new one.
	Create(ctx context.Context, rec NewRecord) (*Record, error)
	// CreateIfNoneActive opens a record only when the issue has no active one.
	CreateIfNoneActive(ctx context.Context, rec NewRecord) (*Record, error)
	Update(ctx context.Context, id uint, f Fields) (*Record, error)
	// Increment bumps current_iteration. Reaching max_iterations sets
	// status FAILED and completed_at but leaves the record active so the
	// caller can finish it with Complete.
	Increment(ctx context.Context, id uint) (*Record, error)
	// Transition applies f and moves the record to status to, only if its
	// current status is from.
	Transition(ctx context.Context, id uint, from, to Status, f Fields) (*Record, error)
	// Complete sets a terminal status and deactivates the record.
	Complete(ctx context.Context, id uint, status Status) (*Record, error)
	// CompleteIf is Complete guarded on the current status being from. A
	// record in another status is left alone and ErrStatusMismatch returned.
	CompleteIf(ctx context.Context, id uint, from, status Status) (*Record, error)
}

// ListOptions filters List.
type ListOptions struct {
	Repository string
	ActiveOnly bool
	Limit      int
}

// GormStore is the SQL-backed Store.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore returns a Store backed by db. Open migrates the schema.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: time.Now}
}

var _ Store = (*GormStore)(nil)

func (s *GormStore) Get(ctx context.Context, id uint) (*Record, error) {
	return s.take(s.db.WithContext(ctx), id)
}

func (s *GormStore) take(tx *gorm.DB, id uint) (*Record, error) {
	var rec Record
	if err := tx.Take(&rec, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get iteration record %d: %w", id, err)
	}
	return &rec, nil
}

func (s *GormStore) GetActive(ctx context.Context, repo string, issue int) (*Record, error) {
	return s.getActive(s.db.WithContext(ctx), repo, issue)
}

func (s *GormStore) getActive(tx *gorm.DB, repo string, issue int) (*Record, error) {
	var rec Record
	err := tx.Where("repository_full_name = ? AND issue_number = ? AND is_active = ?", repo, issue, true).
		Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get active record for %s#%d: %w", repo, issue, err)
	}
	return &rec, nil
}

func (s *GormStore) GetByPR(ctx context.Context, repo string, pr int) (*Record, error) {
	var rec Record
	err := s.db.WithContext(ctx).
		Where("repository_full_name = ? AND pr_number = ? AND is_active = ?", repo, pr, true).
		Order("id desc").
		Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get record for %s PR #%d: %w", repo, pr, err)
	}
	return &rec, nil
}

func (s *GormStore) ListInFlight(ctx context.Context) ([]Record, error) {
	var recs []Record
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND status IN ?", true, InFlight).
		Order("updated_at asc").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list in-flight records: %w", err)
	}
	return recs, nil
}

func (s *GormStore) List(ctx context.Context, opts ListOptions) ([]Record, error) {
	q := s.db.WithContext(ctx).Order("updated_at desc")
	if opts.Repository != "" {
		q = q.Where("repository_full_name = ?", opts.Repository)
	}
	if opts.ActiveOnly {
		q = q.Where("is_active = ?", true)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	var recs []Record
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return recs, nil
}

func (s *GormStore) Create(ctx context.Context, nr NewRecord) (*Record, error) {
	if err := validateNew(nr); err != nil {
		return nil, err
	}
	var rec *Record
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		// Superseded cycles end as FAILED so inactive always means terminal.
		err := tx.Model(&Record{}).
			Where("repository_full_name = ? AND issue_number = ? AND is_active = ?", nr.Repository, nr.IssueNumber, true).
			Updates(map[string]interface{}{
				"is_active":    false,
				"status":       gorm.Expr("CASE WHEN status IN ? THEN ? ELSE status END", InFlight, StatusFailed),
				"completed_at": gorm.Expr("COALESCE(completed_at, ?)", now),
				"updated_at":   now,
			}).Error
		if err != nil {
			return fmt.Errorf("deactivate previous records: %w", err)
		}
		rec, err = s.insert(tx, nr)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *GormStore) CreateIfNoneActive(ctx context.Context, nr NewRecord) (*Record, error) {
	if err := validateNew(nr); err != nil {
		return nil, err
	}
	var rec *Record
	var exists bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.getActive(tx, nr.Repository, nr.IssueNumber)
		if err != nil {
			return err
		}
		if existing != nil {
			rec, exists = existing, true
			return nil
		}
		rec, err = s.insert(tx, nr)
		return err
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Lost a race with a concurrent start; the partial index held.
		existing, getErr := s.GetActive(ctx, nr.Repository, nr.IssueNumber)
		if getErr != nil {
			return nil, getErr
		}
		return existing, ErrActiveExists
	}
	if err != nil {
		return nil, err
	}
	if exists {
		return rec, ErrActiveExists
	}
	return rec, nil
}

func (s *GormStore) insert(tx *gorm.DB, nr NewRecord) (*Record, error) {
	now := s.now()
	rec := &Record{
		RepositoryFullName: nr.Repository,
		IssueNumber:        nr.IssueNumber,
		InstallationID:     nr.InstallationID,
		MaxIterations:      nr.MaxIterations,
		Status:             StatusRunning,
		IssueTitle:         nr.IssueTitle,
		IssueBody:          nr.IssueBody,
		IsActive:           true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := tx.Create(rec).Error; err != nil {
		return nil, fmt.Errorf("create record for %s#%d: %w", nr.Repository, nr.IssueNumber, err)
	}
	return rec, nil
}

func validateNew(nr NewRecord) error {
	if nr.Repository == "" {
		return errors.New("repository is required")
	}
	if nr.IssueNumber <= 0 {
		return fmt.Errorf("issue number must be positive, got %d", nr.IssueNumber)
	}
	if nr.MaxIterations < 1 {
		return fmt.Errorf("max iterations must be >= 1, got %d", nr.MaxIterations)
	}
	return nil
}

func (s *GormStore) Update(ctx context.Context, id uint, f Fields) (*Record, error) {
	cols := f.columns()
	if len(cols) == 0 {
		return s.Get(ctx, id)
	}
	return s.conditional(ctx, id, cols, "")
}

func (s *GormStore) Transition(ctx context.Context, id uint, from, to Status, f Fields) (*Record, error) {
	if to.IsTerminal() {
		return nil, fmt.Errorf("transition to terminal status %q must go through Complete", to)
	}
	cols := f.columns()
	cols["status"] = to
	return s.conditional(ctx, id, cols, from)
}

// conditional updates an active record, optionally only when its status is
// from, in a single statement.
func (s *GormStore) conditional(ctx context.Context, id uint, cols map[string]interface{}, from Status) (*Record, error) {
	cols["updated_at"] = s.now()

	var rec *Record
	var mismatch error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&Record{}).Where("id = ? AND is_active = ?", id, true)
		if from != "" {
			q = q.Where("status = ?", from)
		}
		res := q.Updates(cols)
		if res.Error != nil {
			return fmt.Errorf("update record %d: %w", id, res.Error)
		}

		var err error
		rec, err = s.take(tx, id)
		if err != nil || rec == nil {
			return err
		}
		if res.RowsAffected == 0 {
			if !rec.IsActive {
				mismatch = ErrInactive
			} else {
				mismatch = ErrStatusMismatch
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, mismatch
}

func (s *GormStore) Increment(ctx context.Context, id uint) (*Record, error) {
	var rec *Record
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		res := tx.Model(&Record{}).
			Where("id = ? AND is_active = ? AND current_iteration < max_iterations", id, true).
			Updates(map[string]interface{}{
				"current_iteration": gorm.Expr("current_iteration + 1"),
				"updated_at":        now,
			})
		if res.Error != nil {
			return fmt.Errorf("increment record %d: %w", id, res.Error)
		}

		err := tx.Model(&Record{}).
			Where("id = ? AND is_active = ? AND current_iteration >= max_iterations AND completed_at IS NULL", id, true).
			Updates(map[string]interface{}{
				"status":       StatusFailed,
				"completed_at": now,
				"updated_at":   now,
			}).Error
		if err != nil {
			return fmt.Errorf("fail exhausted record %d: %w", id, err)
		}

		rec, err = s.take(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *GormStore) Complete(ctx context.Context, id uint, status Status) (*Record, error) {
	return s.finish(ctx, id, "", status)
}

func (s *GormStore) CompleteIf(ctx context.Context, id uint, from, status Status) (*Record, error) {
	if from == "" {
		return nil, errors.New("complete: from status is required")
	}
	return s.finish(ctx, id, from, status)
}

// finish deactivates an active record with a terminal status, optionally
// only when its status is from.
func (s *GormStore) finish(ctx context.Context, id uint, from, status Status) (*Record, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("complete with non-terminal status %q", status)
	}
	var rec *Record
	var mismatch error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		q := tx.Model(&Record{}).Where("id = ? AND is_active = ?", id, true)
		if from != "" {
			q = q.Where("status = ?", from)
		}
		res := q.Updates(map[string]interface{}{
			"status":       status,
			"is_active":    false,
			"completed_at": gorm.Expr("COALESCE(completed_at, ?)", now),
			"updated_at":   now,
		})
		if res.Error != nil {
			return fmt.Errorf("complete record %d: %w", id, res.Error)
		}

		var err error
		rec, err = s.take(tx, id)
		if err != nil || rec == nil {
			return err
		}
		if res.RowsAffected == 0 {
			if !rec.IsActive {
				mismatch = ErrInactive
			} else {
				mismatch = ErrStatusMismatch
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, mismatch
}
