package model

import (
	"time"
)

const (
	OutboxStatusNew        = "NEW"
	OutboxStatusInProgress = "IN_PROGRESS"
	OutboxStatusPublished  = "PUBLISHED"
	OutboxStatusRetry      = "RETRY"
	OutboxStatusDead       = "DEAD" // 死信，需要人工介入
)

// OutboxEvent 事务发件箱表
// 与业务写入同一事务落库，由 OutboxProcessor 异步投递（至少一次）
//
// payload 在入队时固化，投递时不回查业务表重算——
// 即使业务聚合之后被改动，投递内容也保持当时的快照
type OutboxEvent struct {
	ID            int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	OperationID   int64      `gorm:"not null;uniqueIndex:uq_outbox_operation_event" json:"operation_id"`
	EventType     string     `gorm:"type:varchar(64);not null;uniqueIndex:uq_outbox_operation_event" json:"event_type"`
	AggregateType string     `gorm:"type:varchar(64);not null" json:"aggregate_type"`
	AggregateID   int64      `gorm:"not null" json:"aggregate_id"`
	Payload       string     `gorm:"type:text;not null" json:"payload"`
	Status        string     `gorm:"type:varchar(20);index;not null;default:NEW" json:"status"`
	Attempts      int        `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt time.Time  `gorm:"not null;index" json:"next_attempt_at"`
	LockedAt      *time.Time `json:"locked_at,omitempty"`                      // 租约时间
	LockedBy      string     `gorm:"type:varchar(64)" json:"locked_by,omitempty"` // 租约持有实例
	LastError     string     `gorm:"type:text" json:"last_error,omitempty"`
	PublishedAt   *time.Time `json:"published_at,omitempty"`
	CreatedAt     time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
}

func (OutboxEvent) TableName() string {
	return "outbox_event"
}
