package investor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"loan-cob-scheduler/internal/models"
)

// Repository persists transfers and loan mappings with gorm.
type Repository struct {
	db *gorm.DB
}

// Open connects to Postgres.
func Open(dsn string, config *gorm.Config) (*Repository, error) {
	if config == nil {
		config = &gorm.Config{}
	}
	db, err := gorm.Open(postgres.Open(dsn), config)
	if err != nil {
		return nil, fmt.Errorf("open transfer store: %w", err)
	}
	return &Repository{db: db}, nil
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Close closes the underlying connection pool.
func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// FindBySettlementDate lists the loan's transfers settling on date, oldest
// request first.
func (r *Repository) FindBySettlementDate(ctx context.Context, loanID int64, settlementDate time.Time) ([]models.OwnershipTransfer, error) {
	var out []models.OwnershipTransfer
	err := r.db.WithContext(ctx).
		Where("loan_id = ? AND settlement_date = ?", loanID, models.DateOf(settlementDate)).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindCurrent returns the loan's open-ended active transfer, or nil.
func (r *Repository) FindCurrent(ctx context.Context, loanID int64) (*models.OwnershipTransfer, error) {
	var t models.OwnershipTransfer
	err := r.db.WithContext(ctx).
		Where("loan_id = ? AND status = ? AND effective_date_to = ?", loanID, models.TransferActive, models.FarFuture).
		Take(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Apply writes a settlement in a single transaction.
func (r *Repository) Apply(ctx context.Context, s Settlement) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, t := range s.Transfers {
			if err := tx.Save(t).Error; err != nil {
				return fmt.Errorf("save transfer: %w", err)
			}
		}
		if s.MapTo != nil {
			mapping := models.OwnershipTransferLoanMapping{LoanID: s.LoanID, TransferID: s.MapTo.ID}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "loan_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"transfer_id"}),
			}).Create(&mapping).Error
			if err != nil {
				return fmt.Errorf("save loan mapping: %w", err)
			}
		}
		if s.Unmap != nil {
			err := tx.Where("loan_id = ? AND transfer_id = ?", s.LoanID, s.Unmap.ID).
				Delete(&models.OwnershipTransferLoanMapping{}).Error
			if err != nil {
				return fmt.Errorf("delete loan mapping: %w", err)
			}
		}
		return nil
	})
}

// Register records a new transfer request (PENDING sale or BUYBACK) to
// settle on its settlement date.
//
// A buyback settles against the loan's current ownership, so within the same
// transaction the open-ended ACTIVE transfer is re-dated to the buyback's
// settlement date and both are read together on that business date. A
// buyback of a sale still pending on the same date needs no active transfer:
// the pair is cancelled when it settles.
func (r *Repository) Register(ctx context.Context, t *models.OwnershipTransfer) error {
	if t.Status != models.TransferPending && t.Status != models.TransferBuyback {
		return fmt.Errorf("register transfer: status %s is not a request", t.Status)
	}
	t.SettlementDate = models.DateOf(t.SettlementDate)
	if t.SubStatus == "" {
		t.SubStatus = models.TransferSubNone
	}
	if t.EffectiveDateFrom.IsZero() {
		t.EffectiveDateFrom = t.SettlementDate
	}
	if t.EffectiveDateTo.IsZero() {
		t.EffectiveDateTo = models.FarFuture
	}
	if t.Status == models.TransferPending {
		return r.db.WithContext(ctx).Create(t).Error
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := prepareBuyback(tx, t); err != nil {
			return err
		}
		return tx.Create(t).Error
	})
}

func prepareBuyback(tx *gorm.DB, t *models.OwnershipTransfer) error {
	var pending []models.OwnershipTransfer
	err := tx.Where("loan_id = ? AND settlement_date = ? AND effective_date_to = ? AND status IN ?",
		t.LoanID, t.SettlementDate, models.FarFuture, []models.TransferStatus{models.TransferPending, models.TransferBuyback}).
		Find(&pending).Error
	if err != nil {
		return fmt.Errorf("find transfers of loan %d settling on %s: %w", t.LoanID, models.FormatDate(t.SettlementDate), err)
	}
	if len(pending) > 0 {
		if len(pending) > 1 || pending[0].Status != models.TransferPending {
			return fmt.Errorf("%w: loan %d already has a buyback settling on %s", ErrBuybackConflict,
				t.LoanID, models.FormatDate(t.SettlementDate))
		}
		return nil
	}

	var active models.OwnershipTransfer
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("loan_id = ? AND status = ? AND effective_date_to = ?", t.LoanID, models.TransferActive, models.FarFuture).
		Take(&active).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: loan %d", ErrNoActiveTransfer, t.LoanID)
	}
	if err != nil {
		return fmt.Errorf("find current owner of loan %d: %w", t.LoanID, err)
	}
	// the sale settles the day before the ownership starts; a later
	// settlement date means a buyback is already queued
	if !active.SettlementDate.Before(active.EffectiveDateFrom) {
		return fmt.Errorf("%w: ownership %d is already bought back on %s", ErrBuybackConflict,
			active.ID, models.FormatDate(active.SettlementDate))
	}
	if t.SettlementDate.Before(active.EffectiveDateFrom) {
		return fmt.Errorf("%w: buyback on %s precedes ownership %d starting %s", ErrBuybackConflict,
			models.FormatDate(t.SettlementDate), active.ID, models.FormatDate(active.EffectiveDateFrom))
	}
	if err := tx.Model(&active).Update("settlement_date", t.SettlementDate).Error; err != nil {
		return fmt.Errorf("re-date ownership %d: %w", active.ID, err)
	}
	return nil
}

// CurrentOwner returns the transfer the loan's mapping points at, or nil.
func (r *Repository) CurrentOwner(ctx context.Context, loanID int64) (*models.OwnershipTransfer, error) {
	var m models.OwnershipTransferLoanMapping
	err := r.db.WithContext(ctx).Where("loan_id = ?", loanID).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var t models.OwnershipTransfer
	if err := r.db.WithContext(ctx).First(&t, m.TransferID).Error; err != nil {
		return nil, err
	}
	return &t, nil
}
