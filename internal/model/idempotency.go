package model

import (
	"time"
)

// ServiceOperation 幂等记录表
// 复合主键 (service, operation_id)：同一个数字ID被不同调用方复用时不会互相碰撞。
// 只插入不更新不删除——行的存在本身就是"已处理"信号
type ServiceOperation struct {
	Service     string    `gorm:"primaryKey;type:varchar(64)" json:"service"`          // 调用方标识
	OperationID int64     `gorm:"primaryKey;autoIncrement:false" json:"operation_id"`  // 操作ID
	Username    string    `gorm:"type:varchar(128);not null" json:"username"`          // 发起人（审计用）
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (ServiceOperation) TableName() string {
	return "service_operations"
}
