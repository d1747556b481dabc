package service

import (
	"context"
	"fmt"
	"log"

	"github.com/balamout75/my-bank-app/internal/model"
	"github.com/balamout75/my-bank-app/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// BalanceUpdateRequest 余额变更请求（存款/取款）
type BalanceUpdateRequest struct {
	OperationID int64
	Username    string
	Amount      decimal.Decimal
	Type        string
}

// TransferApplyRequest 转账请求
type TransferApplyRequest struct {
	OperationID int64
	Username    string
	Recipient   string
	Amount      decimal.Decimal
}

// Ledger 账本协作方契约
// 实现必须按 (operationId, 调用方) 幂等：协调器假定对账本的调用
// 至少送达一次也是安全的，重复调用不产生第二次资金变动
type Ledger interface {
	ApplyDelta(ctx context.Context, req *BalanceUpdateRequest, callerID string) error
	Transfer(ctx context.Context, req *TransferApplyRequest, callerID string) error
}

type ledgerAccountStore interface {
	GetByUsernameForUpdate(ctx context.Context, tx *gorm.DB, username string) (*model.Account, error)
	Credit(ctx context.Context, tx *gorm.DB, username string, amount decimal.Decimal) error
	Debit(ctx context.Context, tx *gorm.DB, username string, amount decimal.Decimal) error
}

type ledgerIdempotencyStore interface {
	InsertIfAbsent(ctx context.Context, tx *gorm.DB, operationID int64, username, service string) (bool, error)
}

// LedgerService 账本实现
// 幂等记录和余额变更写在同一个事务里：要么都提交，要么都回滚，
// 不会出现"标记已应用但钱没动"的中间态
type LedgerService struct {
	db          *gorm.DB
	accountRepo ledgerAccountStore
	idemRepo    ledgerIdempotencyStore
}

func NewLedgerService(db *gorm.DB) *LedgerService {
	return &LedgerService{
		db:          db,
		accountRepo: repository.NewAccountRepository(db),
		idemRepo:    repository.NewIdempotencyRepository(db),
	}
}

func (s *LedgerService) ApplyDelta(ctx context.Context, req *BalanceUpdateRequest, callerID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		firstTime, err := s.idemRepo.InsertIfAbsent(ctx, tx, req.OperationID, req.Username, callerID)
		if err != nil {
			return fmt.Errorf("写入幂等记录失败: %w", err)
		}
		if !firstTime {
			log.Printf("[LedgerService] 操作已应用过，跳过: operationId=%d, caller=%s", req.OperationID, callerID)
			return nil
		}

		account, err := s.accountRepo.GetByUsernameForUpdate(ctx, tx, req.Username)
		if err != nil {
			return err
		}

		switch req.Type {
		case model.OperationTypeDeposit:
			if err := s.accountRepo.Credit(ctx, tx, req.Username, req.Amount); err != nil {
				return err
			}
			log.Printf("[LedgerService] DEPOSIT: user=%s, amount=%s, balance: %s -> %s",
				req.Username, req.Amount, account.Balance, account.Balance.Add(req.Amount))
		case model.OperationTypeWithdraw:
			if account.Balance.LessThan(req.Amount) {
				return &repository.InsufficientFundsError{
					CurrentBalance:  account.Balance,
					RequestedAmount: req.Amount,
				}
			}
			if err := s.accountRepo.Debit(ctx, tx, req.Username, req.Amount); err != nil {
				return err
			}
			log.Printf("[LedgerService] WITHDRAW: user=%s, amount=%s, balance: %s -> %s",
				req.Username, req.Amount, account.Balance, account.Balance.Sub(req.Amount))
		default:
			return fmt.Errorf("未知的操作类型: %s", req.Type)
		}

		return nil
	})
}

// Transfer 转账：扣出方和入账方在同一个事务里，要么都成功要么都失败
func (s *LedgerService) Transfer(ctx context.Context, req *TransferApplyRequest, callerID string) error {
	if req.Username == req.Recipient {
		return fmt.Errorf("%w：不能给自己转账", ErrInvalidOperation)
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		firstTime, err := s.idemRepo.InsertIfAbsent(ctx, tx, req.OperationID, req.Username, callerID)
		if err != nil {
			return fmt.Errorf("写入幂等记录失败: %w", err)
		}
		if !firstTime {
			log.Printf("[LedgerService] 转账已执行过，跳过: operationId=%d, caller=%s", req.OperationID, callerID)
			return nil
		}

		// 固定按用户名排序加锁，避免 A->B 和 B->A 并发转账时互相死锁
		first, second := req.Username, req.Recipient
		if second < first {
			first, second = second, first
		}
		accounts := make(map[string]*model.Account, 2)
		for _, name := range []string{first, second} {
			account, err := s.accountRepo.GetByUsernameForUpdate(ctx, tx, name)
			if err != nil {
				return err
			}
			accounts[name] = account
		}

		sender := accounts[req.Username]
		if sender.Balance.LessThan(req.Amount) {
			return &repository.InsufficientFundsError{
				CurrentBalance:  sender.Balance,
				RequestedAmount: req.Amount,
			}
		}

		if err := s.accountRepo.Debit(ctx, tx, req.Username, req.Amount); err != nil {
			return err
		}
		if err := s.accountRepo.Credit(ctx, tx, req.Recipient, req.Amount); err != nil {
			return err
		}

		log.Printf("[LedgerService] TRANSFER: from=%s, to=%s, amount=%s, senderBalance: %s -> %s",
			req.Username, req.Recipient, req.Amount,
			sender.Balance, sender.Balance.Sub(req.Amount))
		return nil
	})
}
