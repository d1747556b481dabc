package service

import (
	"context"
	"testing"

	"github.com/balamout75/my-bank-app/internal/model"
	"github.com/balamout75/my-bank-app/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// ----------------------------------------------------------------------------
// 账户/幂等存储假实现
// ----------------------------------------------------------------------------

type fakeAccountStore struct {
	accounts  map[string]decimal.Decimal
	lockOrder []string
	debits    []string
	credits   []string
}

func newFakeAccountStore() *fakeAccountStore {
	return &fakeAccountStore{accounts: make(map[string]decimal.Decimal)}
}

func (f *fakeAccountStore) GetByUsernameForUpdate(ctx context.Context, tx *gorm.DB, username string) (*model.Account, error) {
	f.lockOrder = append(f.lockOrder, username)
	balance, ok := f.accounts[username]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	return &model.Account{Username: username, Balance: balance}, nil
}

func (f *fakeAccountStore) Credit(ctx context.Context, tx *gorm.DB, username string, amount decimal.Decimal) error {
	balance, ok := f.accounts[username]
	if !ok {
		return repository.ErrAccountNotFound
	}
	f.accounts[username] = balance.Add(amount)
	f.credits = append(f.credits, username)
	return nil
}

func (f *fakeAccountStore) Debit(ctx context.Context, tx *gorm.DB, username string, amount decimal.Decimal) error {
	balance, ok := f.accounts[username]
	if !ok {
		return repository.ErrAccountNotFound
	}
	if balance.LessThan(amount) {
		return &repository.InsufficientFundsError{CurrentBalance: balance, RequestedAmount: amount}
	}
	f.accounts[username] = balance.Sub(amount)
	f.debits = append(f.debits, username)
	return nil
}

type fakeIdemStore struct {
	seen map[int64]bool
}

func newFakeIdemStore() *fakeIdemStore {
	return &fakeIdemStore{seen: make(map[int64]bool)}
}

func (f *fakeIdemStore) InsertIfAbsent(ctx context.Context, tx *gorm.DB, operationID int64, username, service string) (bool, error) {
	if f.seen[operationID] {
		return false, nil
	}
	f.seen[operationID] = true
	return true, nil
}

// ----------------------------------------------------------------------------
// ApplyDelta
// ----------------------------------------------------------------------------

func TestApplyDeltaDeposit(t *testing.T) {
	db, mock := newMockDB(t)
	accounts := newFakeAccountStore()
	accounts.accounts["alice"] = decimal.RequireFromString("100.00")

	svc := &LedgerService{db: db, accountRepo: accounts, idemRepo: newFakeIdemStore()}

	mock.ExpectBegin()
	mock.ExpectCommit()

	err := svc.ApplyDelta(context.Background(), &BalanceUpdateRequest{
		OperationID: 1,
		Username:    "alice",
		Amount:      decimal.RequireFromString("50.00"),
		Type:        model.OperationTypeDeposit,
	}, "bank-transfer-service")
	require.NoError(t, err)

	assert.True(t, accounts.accounts["alice"].Equal(decimal.RequireFromString("150.00")))
	assert.Equal(t, []string{"alice"}, accounts.credits)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyDeltaDuplicateSkips(t *testing.T) {
	db, mock := newMockDB(t)
	accounts := newFakeAccountStore()
	accounts.accounts["alice"] = decimal.RequireFromString("100.00")
	idem := newFakeIdemStore()
	idem.seen[1] = true

	svc := &LedgerService{db: db, accountRepo: accounts, idemRepo: idem}

	mock.ExpectBegin()
	mock.ExpectCommit()

	err := svc.ApplyDelta(context.Background(), &BalanceUpdateRequest{
		OperationID: 1,
		Username:    "alice",
		Amount:      decimal.RequireFromString("50.00"),
		Type:        model.OperationTypeDeposit,
	}, "bank-transfer-service")
	require.NoError(t, err)

	// 重复调用不产生第二次资金变动
	assert.True(t, accounts.accounts["alice"].Equal(decimal.RequireFromString("100.00")))
	assert.Empty(t, accounts.credits)
	assert.Empty(t, accounts.lockOrder, "重复调用连账户行都不应该锁")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyDeltaWithdraw(t *testing.T) {
	db, mock := newMockDB(t)
	accounts := newFakeAccountStore()
	accounts.accounts["alice"] = decimal.RequireFromString("100.00")

	svc := &LedgerService{db: db, accountRepo: accounts, idemRepo: newFakeIdemStore()}

	mock.ExpectBegin()
	mock.ExpectCommit()

	err := svc.ApplyDelta(context.Background(), &BalanceUpdateRequest{
		OperationID: 1,
		Username:    "alice",
		Amount:      decimal.RequireFromString("40.00"),
		Type:        model.OperationTypeWithdraw,
	}, "bank-transfer-service")
	require.NoError(t, err)

	assert.True(t, accounts.accounts["alice"].Equal(decimal.RequireFromString("60.00")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyDeltaWithdrawInsufficient(t *testing.T) {
	db, mock := newMockDB(t)
	accounts := newFakeAccountStore()
	accounts.accounts["alice"] = decimal.RequireFromString("30.00")

	svc := &LedgerService{db: db, accountRepo: accounts, idemRepo: newFakeIdemStore()}

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := svc.ApplyDelta(context.Background(), &BalanceUpdateRequest{
		OperationID: 1,
		Username:    "alice",
		Amount:      decimal.RequireFromString("100.00"),
		Type:        model.OperationTypeWithdraw,
	}, "bank-transfer-service")

	var insufficientErr *repository.InsufficientFundsError
	require.ErrorAs(t, err, &insufficientErr)
	assert.True(t, insufficientErr.CurrentBalance.Equal(decimal.RequireFromString("30")))
	assert.True(t, insufficientErr.RequestedAmount.Equal(decimal.RequireFromString("100")))

	// 整个事务回滚，幂等记录也不留痕，客户端可以用同一ID重试
	assert.True(t, accounts.accounts["alice"].Equal(decimal.RequireFromString("30.00")))
	assert.Empty(t, accounts.debits)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyDeltaAccountMissing(t *testing.T) {
	db, mock := newMockDB(t)
	svc := &LedgerService{db: db, accountRepo: newFakeAccountStore(), idemRepo: newFakeIdemStore()}

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := svc.ApplyDelta(context.Background(), &BalanceUpdateRequest{
		OperationID: 1,
		Username:    "ghost",
		Amount:      decimal.RequireFromString("10.00"),
		Type:        model.OperationTypeDeposit,
	}, "bank-transfer-service")

	assert.ErrorIs(t, err, repository.ErrAccountNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ----------------------------------------------------------------------------
// Transfer
// ----------------------------------------------------------------------------

func TestTransfer(t *testing.T) {
	db, mock := newMockDB(t)
	accounts := newFakeAccountStore()
	accounts.accounts["alice"] = decimal.RequireFromString("100.00")
	accounts.accounts["bob"] = decimal.RequireFromString("20.00")

	svc := &LedgerService{db: db, accountRepo: accounts, idemRepo: newFakeIdemStore()}

	mock.ExpectBegin()
	mock.ExpectCommit()

	err := svc.Transfer(context.Background(), &TransferApplyRequest{
		OperationID: 1,
		Username:    "alice",
		Recipient:   "bob",
		Amount:      decimal.RequireFromString("30.00"),
	}, "bank-transfer-service")
	require.NoError(t, err)

	// 两条腿都落在同一个事务里
	assert.True(t, accounts.accounts["alice"].Equal(decimal.RequireFromString("70.00")))
	assert.True(t, accounts.accounts["bob"].Equal(decimal.RequireFromString("50.00")))
	assert.Equal(t, []string{"alice"}, accounts.debits)
	assert.Equal(t, []string{"bob"}, accounts.credits)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransferLockOrderSorted(t *testing.T) {
	db, mock := newMockDB(t)
	accounts := newFakeAccountStore()
	accounts.accounts["zoe"] = decimal.RequireFromString("100.00")
	accounts.accounts["bob"] = decimal.RequireFromString("0.00")

	svc := &LedgerService{db: db, accountRepo: accounts, idemRepo: newFakeIdemStore()}

	mock.ExpectBegin()
	mock.ExpectCommit()

	err := svc.Transfer(context.Background(), &TransferApplyRequest{
		OperationID: 1,
		Username:    "zoe",
		Recipient:   "bob",
		Amount:      decimal.RequireFromString("10.00"),
	}, "bank-transfer-service")
	require.NoError(t, err)

	// 无论转账方向如何，加锁顺序固定按用户名升序，防止对向转账死锁
	assert.Equal(t, []string{"bob", "zoe"}, accounts.lockOrder)
}

func TestTransferSelf(t *testing.T) {
	db, mock := newMockDB(t)
	svc := &LedgerService{db: db, accountRepo: newFakeAccountStore(), idemRepo: newFakeIdemStore()}

	err := svc.Transfer(context.Background(), &TransferApplyRequest{
		OperationID: 1,
		Username:    "alice",
		Recipient:   "alice",
		Amount:      decimal.RequireFromString("10.00"),
	}, "bank-transfer-service")

	assert.ErrorIs(t, err, ErrInvalidOperation)
	// 自转账在开事务之前就被拒绝
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransferInsufficient(t *testing.T) {
	db, mock := newMockDB(t)
	accounts := newFakeAccountStore()
	accounts.accounts["alice"] = decimal.RequireFromString("10.00")
	accounts.accounts["bob"] = decimal.RequireFromString("0.00")

	svc := &LedgerService{db: db, accountRepo: accounts, idemRepo: newFakeIdemStore()}

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := svc.Transfer(context.Background(), &TransferApplyRequest{
		OperationID: 1,
		Username:    "alice",
		Recipient:   "bob",
		Amount:      decimal.RequireFromString("100.00"),
	}, "bank-transfer-service")

	var insufficientErr *repository.InsufficientFundsError
	require.ErrorAs(t, err, &insufficientErr)
	assert.True(t, accounts.accounts["alice"].Equal(decimal.RequireFromString("10.00")))
	assert.True(t, accounts.accounts["bob"].Equal(decimal.Zero))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransferDuplicateSkips(t *testing.T) {
	db, mock := newMockDB(t)
	accounts := newFakeAccountStore()
	accounts.accounts["alice"] = decimal.RequireFromString("100.00")
	accounts.accounts["bob"] = decimal.RequireFromString("0.00")
	idem := newFakeIdemStore()
	idem.seen[1] = true

	svc := &LedgerService{db: db, accountRepo: accounts, idemRepo: idem}

	mock.ExpectBegin()
	mock.ExpectCommit()

	err := svc.Transfer(context.Background(), &TransferApplyRequest{
		OperationID: 1,
		Username:    "alice",
		Recipient:   "bob",
		Amount:      decimal.RequireFromString("30.00"),
	}, "bank-transfer-service")
	require.NoError(t, err)

	assert.True(t, accounts.accounts["alice"].Equal(decimal.RequireFromString("100.00")))
	assert.True(t, accounts.accounts["bob"].Equal(decimal.Zero))
	assert.NoError(t, mock.ExpectationsWereMet())
}
