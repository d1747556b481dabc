package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/balamout75/my-bank-app/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound = errors.New("账户不存在")
	ErrOptimisticLock  = errors.New("乐观锁冲突，请重试")
)

// InsufficientFundsError 余额不足
// 携带当前余额与请求金额，供 422 响应原样返回
type InsufficientFundsError struct {
	CurrentBalance  decimal.Decimal
	RequestedAmount decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("余额不足：当前余额 %s，请求金额 %s", e.CurrentBalance, e.RequestedAmount)
}

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) GetByUsername(ctx context.Context, username string) (*model.Account, error) {
	var account model.Account
	err := r.db.WithContext(ctx).Where("username = ?", username).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (r *AccountRepository) GetByUsernameForUpdate(ctx context.Context, tx *gorm.DB, username string) (*model.Account, error) {
	if tx == nil {
		tx = r.db
	}
	var account model.Account
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("username = ?", username).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// Debit 扣款
// WHERE 条件里带 balance >= amount 兜底：即使调用方漏查余额，也不会扣成负数
func (r *AccountRepository) Debit(ctx context.Context, tx *gorm.DB, username string, amount decimal.Decimal) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("username = ? AND balance >= ?", username, amount).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance - ?", amount),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		account, err := r.GetByUsernameForUpdate(ctx, tx, username)
		if err != nil {
			return err
		}
		if account.Balance.LessThan(amount) {
			return &InsufficientFundsError{CurrentBalance: account.Balance, RequestedAmount: amount}
		}
		return ErrOptimisticLock
	}

	return nil
}

// Credit 入账
func (r *AccountRepository) Credit(ctx context.Context, tx *gorm.DB, username string, amount decimal.Decimal) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("username = ?", username).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance + ?", amount),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}

	return nil
}

// GetOrCreate 查询账户，不存在则创建（余额为0）
// 并发创建依赖 username 唯一索引 + ON CONFLICT DO NOTHING
func (r *AccountRepository) GetOrCreate(ctx context.Context, username string) (*model.Account, error) {
	account, err := r.GetByUsername(ctx, username)
	if err == nil {
		return account, nil
	}

	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	newAccount := &model.Account{
		Username: username,
		Balance:  decimal.Zero,
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "username"}},
			DoNothing: true,
		}).
		Create(newAccount).Error

	if err != nil {
		return nil, err
	}

	return r.GetByUsername(ctx, username)
}
