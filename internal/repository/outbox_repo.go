package repository

import (
	"context"
	"time"

	"github.com/balamout75/my-bank-app/internal/model"

	"gorm.io/gorm"
)

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Create 入队
// 正常路径必须和产生事件的业务写入放在同一个事务里（传业务 tx）；
// tx 传 nil 仅限补偿路径单独入队
func (r *OutboxRepository) Create(ctx context.Context, tx *gorm.DB, event *model.OutboxEvent) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(event).Error
}

// LockBatch 批量获取租约
// FOR UPDATE SKIP LOCKED：多实例并发轮询时互相跳过对方已锁的行，
// 天然把一批事件切分给不同实例，不会重复投递。
// 租约（IN_PROGRESS + locked_at/locked_by）在同一事务里提交，
// 投递开始前对外可见
func (r *OutboxRepository) LockBatch(ctx context.Context, limit int, instanceID string, now time.Time) ([]*model.OutboxEvent, error) {
	var events []*model.OutboxEvent

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Raw(`SELECT * FROM outbox_event
			WHERE status IN ('NEW','RETRY') AND next_attempt_at <= ?
			ORDER BY id
			LIMIT ?
			FOR UPDATE SKIP LOCKED`, now, limit).
			Scan(&events).Error
		if err != nil {
			return err
		}

		if len(events) == 0 {
			return nil
		}

		ids := make([]int64, 0, len(events))
		for _, e := range events {
			ids = append(ids, e.ID)
		}

		err = tx.Model(&model.OutboxEvent{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"status":    model.OutboxStatusInProgress,
				"locked_at": now,
				"locked_by": instanceID,
			}).Error
		if err != nil {
			return err
		}

		lockedAt := now
		for _, e := range events {
			e.Status = model.OutboxStatusInProgress
			e.LockedAt = &lockedAt
			e.LockedBy = instanceID
		}
		return nil
	})

	if err != nil {
		return nil, err
	}
	return events, nil
}

// SaveBatch 一次性持久化整批事件的最终状态
func (r *OutboxRepository) SaveBatch(ctx context.Context, events []*model.OutboxEvent) error {
	if len(events) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, e := range events {
			if err := tx.Save(e).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// ReclaimExpired 回收过期租约
// 持有租约的实例崩溃后 locked_at 不会被清掉，超时后把事件放回 RETRY，
// 否则这些事件会被永远卡死
func (r *OutboxRepository) ReclaimExpired(ctx context.Context, now time.Time, lockTimeout time.Duration) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Where("status = ? AND locked_at < ?", model.OutboxStatusInProgress, now.Add(-lockTimeout)).
		Updates(map[string]interface{}{
			"status":          model.OutboxStatusRetry,
			"locked_at":       nil,
			"locked_by":       "",
			"next_attempt_at": now,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
