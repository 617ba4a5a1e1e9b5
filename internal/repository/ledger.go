package repository

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LedgerTx is the mutation scope handed to ledger operations. Everything
// executed within one scope commits or rolls back as a single unit.
type LedgerTx interface {
	Account(id string) (*Account, error)
	CreateAccount(a *Account) error
	UpdateBalance(id string, balance decimal.Decimal) error
	AppendTransaction(t *LedgerTransaction) error
	Transaction(id string) (*LedgerTransaction, error)
	HasRefund(originalID string) (bool, error)
}

// GormLedgerStore persists accounts and ledger transactions through GORM.
type GormLedgerStore struct {
	db *gorm.DB
}

// NewGormLedgerStore creates a new store instance.
func NewGormLedgerStore(db *gorm.DB) *GormLedgerStore {
	return &GormLedgerStore{db: db}
}

// Within runs fn inside one database transaction. Any error returned by fn
// rolls every mutation back.
func (s *GormLedgerStore) Within(ctx context.Context, fn func(LedgerTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormLedgerTx{db: tx})
	})
}

// Account reads an account outside a mutation scope.
func (s *GormLedgerStore) Account(ctx context.Context, id string) (*Account, error) {
	var a Account
	if err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// Transaction reads a ledger transaction outside a mutation scope.
func (s *GormLedgerStore) Transaction(ctx context.Context, id string) (*LedgerTransaction, error) {
	var t LedgerTransaction
	if err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// History lists committed transactions touching an account, newest first.
func (s *GormLedgerStore) History(ctx context.Context, accountID string, limit int) ([]*LedgerTransaction, error) {
	q := s.db.WithContext(ctx).
		Where("sender_id = ? OR receiver_id = ?", accountID, accountID).
		Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var txs []*LedgerTransaction
	if err := q.Find(&txs).Error; err != nil {
		return nil, err
	}
	return txs, nil
}

type gormLedgerTx struct {
	db *gorm.DB
}

// Account loads an account row with a row-level write lock so the
// read-check-then-write sequence is safe against other processes too.
func (t *gormLedgerTx) Account(id string) (*Account, error) {
	var a Account
	err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).First(&a, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (t *gormLedgerTx) CreateAccount(a *Account) error {
	return t.db.Create(a).Error
}

func (t *gormLedgerTx) UpdateBalance(id string, balance decimal.Decimal) error {
	res := t.db.Model(&Account{}).Where("id = ?", id).Update("balance", balance)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *gormLedgerTx) AppendTransaction(rec *LedgerTransaction) error {
	return t.db.Create(rec).Error
}

func (t *gormLedgerTx) Transaction(id string) (*LedgerTransaction, error) {
	var rec LedgerTransaction
	if err := t.db.First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (t *gormLedgerTx) HasRefund(originalID string) (bool, error) {
	var count int64
	err := t.db.Model(&LedgerTransaction{}).
		Where("ref_id = ? AND kind = ?", originalID, KindRefund).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
