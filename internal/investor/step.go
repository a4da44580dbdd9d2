// Package investor settles external asset owner transfers of loans during
// close of business.
package investor

import (
	"context"
	"fmt"
	"time"

	"github.com/yanun0323/logs"

	"loan-cob-scheduler/internal/cob"
	"loan-cob-scheduler/internal/models"
)

const (
	StepName          = "EXTERNAL_ASSET_OWNER_TRANSFER"
	StepHumanReadable = "Execute external asset owner transfer"
)

// Store reads transfers and persists a settlement as one unit of work.
type Store interface {
	FindBySettlementDate(ctx context.Context, loanID int64, settlementDate time.Time) ([]models.OwnershipTransfer, error)
	FindCurrent(ctx context.Context, loanID int64) (*models.OwnershipTransfer, error)
	Apply(ctx context.Context, s Settlement) error
}

// Settlement is every write one loan's reconciliation produces. Transfers
// are saved in order. MapTo, when set, becomes the loan's current-owner
// mapping once saved. Unmap, when set, removes the loan's mapping to that
// transfer.
type Settlement struct {
	LoanID    int64
	Transfers []*models.OwnershipTransfer
	MapTo     *models.OwnershipTransfer
	Unmap     *models.OwnershipTransfer
}

// Empty reports whether the settlement writes nothing.
func (s Settlement) Empty() bool {
	return len(s.Transfers) == 0 && s.MapTo == nil && s.Unmap == nil
}

// OwnerTransferStep settles the transfers of a loan due on the business date.
type OwnerTransferStep struct {
	store             Store
	settleZeroBalance bool
}

var _ cob.Step = (*OwnerTransferStep)(nil)

// NewOwnerTransferStep builds the step. settleZeroBalance decides whether a
// sale of a loan with nothing outstanding settles or fails the loan.
func NewOwnerTransferStep(store Store, settleZeroBalance bool) *OwnerTransferStep {
	return &OwnerTransferStep{store: store, settleZeroBalance: settleZeroBalance}
}

func (s *OwnerTransferStep) Name() string              { return StepName }
func (s *OwnerTransferStep) HumanReadableName() string { return StepHumanReadable }

// Execute reconciles the loan's transfers. The loan itself is returned
// unchanged.
func (s *OwnerTransferStep) Execute(ctx context.Context, bc cob.BusinessContext, loan *models.Loan) (*models.Loan, error) {
	businessDate := models.DateOf(bc.BusinessDate)
	transfers, err := s.store.FindBySettlementDate(ctx, loan.ID, businessDate)
	if err != nil {
		return nil, fmt.Errorf("find transfers of loan %d: %w", loan.ID, err)
	}

	settlement, err := s.reconcile(ctx, loan, businessDate, transfers)
	if err != nil {
		return nil, err
	}
	if settlement.Empty() {
		return loan, nil
	}
	if err := s.store.Apply(ctx, settlement); err != nil {
		return nil, fmt.Errorf("persist transfers of loan %d: %w", loan.ID, err)
	}
	return loan, nil
}

func (s *OwnerTransferStep) reconcile(ctx context.Context, loan *models.Loan, businessDate time.Time, transfers []models.OwnershipTransfer) (Settlement, error) {
	switch len(transfers) {
	case 0:
		return Settlement{LoanID: loan.ID}, nil
	case 1:
		t := transfers[0]
		if t.Status != models.TransferPending {
			return Settlement{}, unexpectedStatus(loan.ID, "PENDING", t.Status)
		}
		return s.sale(ctx, loan, businessDate, t)
	case 2:
		first, second := transfers[0], transfers[1]
		if first.Status != models.TransferPending && first.Status != models.TransferActive {
			return Settlement{}, unexpectedStatus(loan.ID, "PENDING or ACTIVE", first.Status)
		}
		if second.Status != models.TransferBuyback {
			return Settlement{}, unexpectedStatus(loan.ID, "BUYBACK", second.Status)
		}
		if first.Status == models.TransferPending {
			return sameDayTransfers(loan.ID, businessDate, first, second), nil
		}
		return buyback(loan.ID, businessDate, first, second), nil
	default:
		return Settlement{}, tooManyTransfers(loan.ID, len(transfers), businessDate)
	}
}

// sale closes the request and the loan's current ownership, if any, and opens
// the new ownership from the next day on.
func (s *OwnerTransferStep) sale(ctx context.Context, loan *models.Loan, businessDate time.Time, pending models.OwnershipTransfer) (Settlement, error) {
	if loan.TotalOutstanding.IsZero() && !s.settleZeroBalance {
		return Settlement{}, zeroBalanceSale(loan.ID, businessDate)
	}

	current, err := s.store.FindCurrent(ctx, loan.ID)
	if err != nil {
		return Settlement{}, fmt.Errorf("find current owner of loan %d: %w", loan.ID, err)
	}

	pending.EffectiveDateTo = businessDate
	settlement := Settlement{LoanID: loan.ID, Transfers: []*models.OwnershipTransfer{&pending}}
	if current != nil && current.ID != pending.ID {
		current.EffectiveDateTo = businessDate
		settlement.Transfers = append(settlement.Transfers, current)
		logs.Infof("loan %d: close ownership %d of %s", loan.ID, current.ID, current.Owner)
	}

	active := successor(pending, models.TransferActive, models.TransferSubNone)
	active.SettlementDate = pending.SettlementDate
	active.EffectiveDateFrom = businessDate.AddDate(0, 0, 1)
	active.EffectiveDateTo = models.FarFuture
	settlement.Transfers = append(settlement.Transfers, active)
	settlement.MapTo = active
	return settlement, nil
}

// sameDayTransfers cancels a sale bought back on the day it settles.
func sameDayTransfers(loanID int64, businessDate time.Time, sale, buyback models.OwnershipTransfer) Settlement {
	sale.EffectiveDateTo = businessDate
	return Settlement{
		LoanID: loanID,
		Transfers: []*models.OwnershipTransfer{
			&sale,
			cancellation(sale, businessDate),
			&buyback,
			cancellation(buyback, businessDate),
		},
	}
}

// buyback ends an active ownership. The buyback record never held the loan,
// so its period is closed at its own start.
func buyback(loanID int64, businessDate time.Time, active, request models.OwnershipTransfer) Settlement {
	active.EffectiveDateTo = businessDate
	request.EffectiveDateTo = request.EffectiveDateFrom
	return Settlement{
		LoanID:    loanID,
		Transfers: []*models.OwnershipTransfer{&active, &request},
		Unmap:     &active,
	}
}

func cancellation(t models.OwnershipTransfer, businessDate time.Time) *models.OwnershipTransfer {
	c := successor(t, models.TransferCancelled, models.TransferSubSameDayTransfer)
	c.SettlementDate = businessDate
	c.EffectiveDateFrom = businessDate
	c.EffectiveDateTo = businessDate
	return c
}

// successor starts a new record carrying t's parties and price.
func successor(t models.OwnershipTransfer, status models.TransferStatus, sub models.TransferSubStatus) *models.OwnershipTransfer {
	return &models.OwnershipTransfer{
		LoanID:             t.LoanID,
		Owner:              t.Owner,
		ExternalID:         t.ExternalID,
		PurchasePriceRatio: t.PurchasePriceRatio,
		Status:             status,
		SubStatus:          sub,
	}
}
