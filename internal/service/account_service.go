package service

import (
	"context"

	"github.com/balamout75/my-bank-app/internal/model"
	"github.com/balamout75/my-bank-app/internal/repository"

	"gorm.io/gorm"
)

type AccountService struct {
	accountRepo *repository.AccountRepository
}

func NewAccountService(db *gorm.DB) *AccountService {
	return &AccountService{
		accountRepo: repository.NewAccountRepository(db),
	}
}

// GetAccount 查询账户，首次访问自动建户（余额为0）
func (s *AccountService) GetAccount(ctx context.Context, username string) (*model.Account, error) {
	return s.accountRepo.GetOrCreate(ctx, username)
}
