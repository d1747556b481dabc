package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// 操作状态机
// ============================================================================
//
// RESERVED    -> 已预留操作ID，参数尚未提交（或提交了一部分）
// IN_PROGRESS -> 正在调用账本，期间拒绝并发重试
// SUCCESS     -> 终态，重复提交直接幂等返回
// FAILED      -> 可重试终态，允许用同一 operationId 再次执行
//
// ============================================================================

const (
	OperationStatusReserved   = "RESERVED"
	OperationStatusInProgress = "IN_PROGRESS"
	OperationStatusSuccess    = "SUCCESS"
	OperationStatusFailed     = "FAILED"
)

var ValidStatusTransitions = map[string][]string{
	OperationStatusReserved:   {OperationStatusInProgress},
	OperationStatusInProgress: {OperationStatusSuccess, OperationStatusFailed},
	OperationStatusFailed:     {OperationStatusInProgress},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

const (
	OperationTypeDeposit  = "DEPOSIT"
	OperationTypeWithdraw = "WITHDRAW"
	OperationTypeTransfer = "TRANSFER"
)

// 通知镜像状态：outbox 投递结果回写到操作行
const (
	NotifyStatusPending = "PENDING"
	NotifyStatusSent    = "SENT"
	NotifyStatusFailed  = "FAILED"
)

// Operation 业务操作表
// 一行代表一次资金操作（存款/取款/转账）从预留到终态的完整生命周期
//
// 【重要】参数冻结原则：
// amount/type/counterparty 只在 RESERVED 状态下可写；
// 一旦离开 RESERVED，后续同一 operationId 的请求必须携带完全相同的参数，
// 否则视为参数冲突拒绝（防止客户端重试时偷换金额）
type Operation struct {
	OperationID  int64            `gorm:"primaryKey;autoIncrement:false" json:"operation_id"`
	Username     string           `gorm:"type:varchar(128);index;not null" json:"username"`              // 发起人
	Counterparty string           `gorm:"type:varchar(128)" json:"counterparty,omitempty"`               // 对手方（仅转账）
	Amount       *decimal.Decimal `gorm:"type:decimal(19,2)" json:"amount,omitempty"`                    // 金额（预留阶段为空）
	Type         string           `gorm:"type:varchar(20)" json:"type,omitempty"`                        // DEPOSIT / WITHDRAW / TRANSFER
	Status       string           `gorm:"type:varchar(20);index;not null" json:"status"`                 // 状态机状态
	Attempts     int              `gorm:"not null;default:0" json:"attempts"`                            // 执行次数
	NotifyStatus string           `gorm:"type:varchar(20)" json:"notify_status,omitempty"`               // 通知镜像状态
	ErrorMessage string           `gorm:"type:varchar(512)" json:"error_message,omitempty"`              // 最近一次失败原因
	CreatedAt    time.Time        `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt    time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
}

func (Operation) TableName() string {
	return "operations"
}

// ParamsMatch 校验请求参数与已冻结参数是否一致
// 金额按数值比较（100.0 == 100.00），不按字符串
func (o *Operation) ParamsMatch(amount decimal.Decimal, opType, counterparty string) bool {
	if o.Type != opType || o.Counterparty != counterparty {
		return false
	}
	if o.Amount == nil {
		return false
	}
	return o.Amount.Equal(amount)
}
