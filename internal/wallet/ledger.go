// Package wallet implements the ledger transfer engine: funds move between
// accounts exactly once, atomically, and no committed state ever holds a
// negative balance.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/palmpay/internal/repository"
)

// Store is the persistence contract the engine drives. Within opens a
// mutation scope that commits or rolls back as one unit; the remaining
// methods read committed state.
type Store interface {
	Within(ctx context.Context, fn func(repository.LedgerTx) error) error
	Account(ctx context.Context, id string) (*repository.Account, error)
	Transaction(ctx context.Context, id string) (*repository.LedgerTransaction, error)
	History(ctx context.Context, accountID string, limit int) ([]*repository.LedgerTransaction, error)
}

// Ledger serializes balance mutations through per-account locks acquired in
// canonical (ascending ID) order, so two opposite-direction transfers
// between the same pair can never deadlock. Validation failures and storage
// errors both leave the store exactly as it was.
type Ledger struct {
	store  Store
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLedger constructs a transfer engine on top of a store.
func NewLedger(store Store, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger.Named("wallet_ledger"),
		locks:  make(map[string]*sync.Mutex),
	}
}

// OpenAccount creates a zero-balance account. Opening an account that
// already exists returns the stored row unchanged.
func (l *Ledger) OpenAccount(ctx context.Context, id, owner string) (*repository.Account, error) {
	unlock := l.lockAccounts(id)
	defer unlock()

	var acct *repository.Account
	err := l.store.Within(ctx, func(tx repository.LedgerTx) error {
		existing, err := tx.Account(id)
		if err == nil {
			acct = existing
			return nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		now := time.Now().UTC()
		acct = &repository.Account{ID: id, Owner: owner, Balance: decimal.Zero, CreatedAt: now, UpdatedAt: now}
		return tx.CreateAccount(acct)
	})
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// Deposit credits an account and appends a deposit transaction.
func (l *Ledger) Deposit(ctx context.Context, accountID string, amount decimal.Decimal, memo string) (*repository.LedgerTransaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	unlock := l.lockAccounts(accountID)
	defer unlock()

	var rec *repository.LedgerTransaction
	err := l.store.Within(ctx, func(tx repository.LedgerTx) error {
		acct, err := loadAccount(tx, accountID)
		if err != nil {
			return err
		}
		if err := tx.UpdateBalance(accountID, acct.Balance.Add(amount)); err != nil {
			return err
		}
		rec = newTransaction(nil, accountID, amount, repository.KindDeposit, memo, nil)
		return tx.AppendTransaction(rec)
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("deposit committed",
		zap.String("account", accountID), zap.String("amount", amount.String()))
	return rec, nil
}

// Withdraw debits an account and appends a withdrawal transaction, modeled
// as a self-directed movement (sender = receiver).
func (l *Ledger) Withdraw(ctx context.Context, accountID string, amount decimal.Decimal, memo string) (*repository.LedgerTransaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	unlock := l.lockAccounts(accountID)
	defer unlock()

	var rec *repository.LedgerTransaction
	err := l.store.Within(ctx, func(tx repository.LedgerTx) error {
		acct, err := loadAccount(tx, accountID)
		if err != nil {
			return err
		}
		if acct.Balance.LessThan(amount) {
			return fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientFunds, acct.Balance, amount)
		}
		if err := tx.UpdateBalance(accountID, acct.Balance.Sub(amount)); err != nil {
			return err
		}
		sender := accountID
		rec = newTransaction(&sender, accountID, amount, repository.KindWithdrawal, memo, nil)
		return tx.AppendTransaction(rec)
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("withdrawal committed",
		zap.String("account", accountID), zap.String("amount", amount.String()))
	return rec, nil
}

// Transfer debits the sender, credits the receiver and appends one payment
// transaction. No mutation survives any failure path.
func (l *Ledger) Transfer(ctx context.Context, senderID, receiverID string, amount decimal.Decimal, memo string) (*repository.LedgerTransaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if senderID == receiverID {
		return nil, ErrSelfTransfer
	}
	unlock := l.lockAccounts(senderID, receiverID)
	defer unlock()

	var rec *repository.LedgerTransaction
	err := l.store.Within(ctx, func(tx repository.LedgerTx) error {
		sender, err := loadAccount(tx, senderID)
		if err != nil {
			return err
		}
		receiver, err := loadAccount(tx, receiverID)
		if err != nil {
			return err
		}
		if sender.Balance.LessThan(amount) {
			return fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientFunds, sender.Balance, amount)
		}
		if err := tx.UpdateBalance(senderID, sender.Balance.Sub(amount)); err != nil {
			return err
		}
		if err := tx.UpdateBalance(receiverID, receiver.Balance.Add(amount)); err != nil {
			return err
		}
		s := senderID
		rec = newTransaction(&s, receiverID, amount, repository.KindPayment, memo, nil)
		return tx.AppendTransaction(rec)
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("transfer committed",
		zap.String("sender", senderID), zap.String("receiver", receiverID),
		zap.String("amount", amount.String()))
	return rec, nil
}

// Refund reverses a completed payment by moving the amount back from the
// original receiver to the original sender and appending a new refund
// transaction referencing the original. The original record is never
// altered, and a payment can only be refunded once.
func (l *Ledger) Refund(ctx context.Context, transactionID, reason string) (*repository.LedgerTransaction, error) {
	// Pre-read outside the locks to learn which accounts to serialize on;
	// everything is re-validated inside the mutation scope.
	original, err := l.store.Transaction(ctx, transactionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, transactionID)
		}
		return nil, err
	}
	if original.Kind != repository.KindPayment || original.SenderID == nil {
		return nil, ErrNotRefundable
	}

	unlock := l.lockAccounts(*original.SenderID, original.ReceiverID)
	defer unlock()

	var rec *repository.LedgerTransaction
	err = l.store.Within(ctx, func(tx repository.LedgerTx) error {
		original, err = tx.Transaction(transactionID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrTransactionNotFound, transactionID)
			}
			return err
		}
		if original.Kind != repository.KindPayment ||
			original.Status != repository.StatusCompleted ||
			original.SenderID == nil {
			return ErrNotRefundable
		}
		refunded, err := tx.HasRefund(original.ID)
		if err != nil {
			return err
		}
		if refunded {
			return ErrAlreadyRefunded
		}

		origSender, origReceiver := *original.SenderID, original.ReceiverID
		receiver, err := loadAccount(tx, origReceiver)
		if err != nil {
			return err
		}
		sender, err := loadAccount(tx, origSender)
		if err != nil {
			return err
		}
		if receiver.Balance.LessThan(original.Amount) {
			return fmt.Errorf("%w: refund needs %s, receiver holds %s",
				ErrInsufficientFunds, original.Amount, receiver.Balance)
		}
		if err := tx.UpdateBalance(origReceiver, receiver.Balance.Sub(original.Amount)); err != nil {
			return err
		}
		if err := tx.UpdateBalance(origSender, sender.Balance.Add(original.Amount)); err != nil {
			return err
		}
		memo := fmt.Sprintf("refund for transaction %s: %s", original.ID, reason)
		ref := original.ID
		rec = newTransaction(&origReceiver, origSender, original.Amount, repository.KindRefund, memo, &ref)
		return tx.AppendTransaction(rec)
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("refund committed",
		zap.String("original", transactionID), zap.String("amount", original.Amount.String()))
	return rec, nil
}

// Validate pre-checks a transfer without mutating anything, returning
// validity and the specific rejection reason.
func (l *Ledger) Validate(ctx context.Context, senderID, receiverID string, amount decimal.Decimal) (bool, string) {
	if !amount.IsPositive() {
		return false, "amount must be positive"
	}
	if senderID == receiverID {
		return false, "cannot send payment to yourself"
	}
	sender, err := l.store.Account(ctx, senderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, "sender account not found"
		}
		return false, "account lookup failed"
	}
	if _, err := l.store.Account(ctx, receiverID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, "recipient not found"
		}
		return false, "account lookup failed"
	}
	if sender.Balance.LessThan(amount) {
		return false, "insufficient funds"
	}
	return true, ""
}

// Balance returns an account's committed balance.
func (l *Ledger) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	acct, err := l.store.Account(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return decimal.Zero, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
		}
		return decimal.Zero, err
	}
	return acct.Balance, nil
}

// History lists committed transactions touching the account, newest first.
func (l *Ledger) History(ctx context.Context, accountID string, limit int) ([]*repository.LedgerTransaction, error) {
	return l.store.History(ctx, accountID, limit)
}

// lockAccounts acquires the per-account mutexes in ascending ID order and
// returns the matching unlock.
func (l *Ledger) lockAccounts(ids ...string) func() {
	sorted := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			sorted = append(sorted, id)
		}
	}
	sort.Strings(sorted)

	locks := make([]*sync.Mutex, len(sorted))
	for i, id := range sorted {
		locks[i] = l.accountLock(id)
	}
	for _, m := range locks {
		m.Lock()
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

func (l *Ledger) accountLock(id string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.locks[id]; ok {
		return m
	}
	m := &sync.Mutex{}
	l.locks[id] = m
	return m
}

func loadAccount(tx repository.LedgerTx, id string) (*repository.Account, error) {
	acct, err := tx.Account(id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
		}
		return nil, err
	}
	return acct, nil
}

func newTransaction(sender *string, receiver string, amount decimal.Decimal, kind, memo string, ref *string) *repository.LedgerTransaction {
	return &repository.LedgerTransaction{
		ID:         uuid.NewString(),
		SenderID:   sender,
		ReceiverID: receiver,
		Amount:     amount,
		Kind:       kind,
		Status:     repository.StatusCompleted,
		Memo:       memo,
		RefID:      ref,
		CreatedAt:  time.Now().UTC(),
	}
}
