package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a requested row does not exist. Storage
// drivers translate their own not-found conditions into it.
var ErrNotFound = errors.New("record not found")

// Transaction kinds and statuses recorded in the ledger.
const (
	KindDeposit    = "deposit"
	KindWithdrawal = "withdrawal"
	KindPayment    = "payment"
	KindRefund     = "refund"

	StatusCompleted = "completed"
)

// EnrollmentTemplate stores one identity's reference descriptor set.
// Re-enrollment overwrites the blob, never merges. Row order is enrollment
// order.
type EnrollmentTemplate struct {
	ID          uint      `gorm:"primaryKey"`
	Identity    string    `gorm:"column:identity;uniqueIndex;size:64"`
	Descriptors []byte    `gorm:"column:descriptors"`
	EnrolledAt  time.Time `gorm:"column:enrolled_at"`
}

// TableName overrides the default table name.
func (EnrollmentTemplate) TableName() string {
	return "enrollment_templates"
}

// AuthAttempt is one append-only audit record of a matching request. Rows
// are never updated or deleted.
type AuthAttempt struct {
	ID        uint      `gorm:"primaryKey"`
	RequestID string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Identity  *string   `gorm:"column:identity;size:64"`
	Score     float64   `gorm:"column:score"`
	Outcome   string    `gorm:"column:outcome;size:16"`
	Origin    string    `gorm:"column:origin;size:45"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (AuthAttempt) TableName() string {
	return "auth_attempts"
}

// Account holds one identity's balance. The balance never goes below zero
// at any committed state.
type Account struct {
	ID        string          `gorm:"primaryKey;size:64"`
	Owner     string          `gorm:"column:owner;size:64"`
	Balance   decimal.Decimal `gorm:"column:balance;type:numeric(20,8)"`
	CreatedAt time.Time       `gorm:"column:created_at"`
	UpdatedAt time.Time       `gorm:"column:updated_at"`
}

// TableName overrides the default table name.
func (Account) TableName() string {
	return "accounts"
}

// LedgerTransaction is the immutable record of one committed balance
// movement. A reversal is a new refund row referencing the original through
// RefID, never an edit.
type LedgerTransaction struct {
	ID         string          `gorm:"primaryKey;size:64"`
	SenderID   *string         `gorm:"column:sender_id;size:64;index"` // nil for deposits
	ReceiverID string          `gorm:"column:receiver_id;size:64;index"`
	Amount     decimal.Decimal `gorm:"column:amount;type:numeric(20,8)"`
	Kind       string          `gorm:"column:kind;size:16"`
	Status     string          `gorm:"column:status;size:16"`
	Memo       string          `gorm:"column:memo;size:255"`
	RefID      *string         `gorm:"column:ref_id;size:64;index"`
	CreatedAt  time.Time       `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (LedgerTransaction) TableName() string {
	return "ledger_transactions"
}

// AutoMigrate ensures the schema for every persisted model is available.
func AutoMigrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(
		&EnrollmentTemplate{},
		&AuthAttempt{},
		&Account{},
		&LedgerTransaction{},
	)
}
