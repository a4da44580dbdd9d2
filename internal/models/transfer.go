package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransferStatus is the settlement state of an ownership transfer.
type TransferStatus string

const (
	TransferPending   TransferStatus = "PENDING"
	TransferActive    TransferStatus = "ACTIVE"
	TransferBuyback   TransferStatus = "BUYBACK"
	TransferCancelled TransferStatus = "CANCELLED"
)

// TransferSubStatus qualifies a status.
type TransferSubStatus string

const (
	TransferSubNone            TransferSubStatus = "NONE"
	TransferSubSameDayTransfer TransferSubStatus = "SAMEDAY_TRANSFERS"
)

// OwnershipTransfer records a sale, buyback or cancellation of a loan's
// economic ownership.
type OwnershipTransfer struct {
	ID                 int64             `gorm:"primaryKey;autoIncrement" json:"id"`
	LoanID             int64             `gorm:"not null;index:idx_transfer_loan_settlement" json:"loan_id"`
	Owner              string            `gorm:"not null" json:"owner"`
	ExternalID         string            `gorm:"not null" json:"external_id"`
	PurchasePriceRatio decimal.Decimal   `gorm:"type:numeric(19,6)" json:"purchase_price_ratio"`
	Status             TransferStatus    `gorm:"not null" json:"status"`
	SubStatus          TransferSubStatus `gorm:"not null;default:NONE" json:"sub_status"`
	SettlementDate     time.Time         `gorm:"type:date;not null;index:idx_transfer_loan_settlement" json:"settlement_date"`
	EffectiveDateFrom  time.Time         `gorm:"type:date;not null" json:"effective_date_from"`
	EffectiveDateTo    time.Time         `gorm:"type:date;not null" json:"effective_date_to"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// TableName specifies the table name for OwnershipTransfer.
func (OwnershipTransfer) TableName() string {
	return "external_asset_owner_transfers"
}

// IsCurrent reports whether t is the open-ended active ownership.
func (t OwnershipTransfer) IsCurrent() bool {
	return t.Status == TransferActive && t.EffectiveDateTo.Equal(FarFuture)
}

// OwnershipTransferLoanMapping indexes the loan's current external owner.
type OwnershipTransferLoanMapping struct {
	LoanID     int64     `gorm:"primaryKey" json:"loan_id"`
	TransferID int64     `gorm:"not null" json:"transfer_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName specifies the table name for OwnershipTransferLoanMapping.
func (OwnershipTransferLoanMapping) TableName() string {
	return "external_asset_owner_transfer_loan_mappings"
}
