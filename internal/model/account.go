package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account 用户账户表
// 按用户名记录余额，是整个系统的核心数据
type Account struct {
	ID        int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	Username  string          `gorm:"type:varchar(128);uniqueIndex;not null" json:"username"`
	Balance   decimal.Decimal `gorm:"type:decimal(19,2);not null;default:0" json:"balance"` // 可用余额
	Version   int             `gorm:"not null;default:0" json:"version"`                    // 乐观锁版本号
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}
