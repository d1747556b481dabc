package repository

import (
	"context"
	"errors"
	"time"

	"github.com/balamout75/my-bank-app/internal/model"

	"gorm.io/gorm"
)

var (
	ErrOperationNotFound = errors.New("操作不存在")
	// ErrOperationStatusConflict CAS 更新没命中：状态已被别的执行方改掉
	ErrOperationStatusConflict = errors.New("操作状态冲突")
)

type OperationRepository struct {
	db *gorm.DB
}

func NewOperationRepository(db *gorm.DB) *OperationRepository {
	return &OperationRepository{db: db}
}

func (r *OperationRepository) Create(ctx context.Context, op *model.Operation) error {
	return r.db.WithContext(ctx).Create(op).Error
}

func (r *OperationRepository) GetByID(ctx context.Context, operationID int64) (*model.Operation, error) {
	var op model.Operation
	err := r.db.WithContext(ctx).Where("operation_id = ?", operationID).First(&op).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOperationNotFound
		}
		return nil, err
	}
	return &op, nil
}

// FillParams 补全预留阶段缺失的参数
// 只允许在 RESERVED 状态下写入——这就是参数冻结的实现
func (r *OperationRepository) FillParams(ctx context.Context, op *model.Operation) error {
	result := r.db.WithContext(ctx).
		Model(&model.Operation{}).
		Where("operation_id = ? AND status = ?", op.OperationID, model.OperationStatusReserved).
		Updates(map[string]interface{}{
			"amount":       op.Amount,
			"type":         op.Type,
			"counterparty": op.Counterparty,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrOperationStatusConflict
	}

	return nil
}

// TransitionStatus 状态 CAS 迁移
// WHERE status = from 保证同一时刻最多一个执行方完成迁移；
// 没命中返回 ErrOperationStatusConflict，由调用方翻译成并发冲突
func (r *OperationRepository) TransitionStatus(ctx context.Context, tx *gorm.DB, operationID int64, fromStatus, toStatus string, extra map[string]interface{}) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrOperationStatusConflict
	}

	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status": toStatus,
	}
	for k, v := range extra {
		updates[k] = v
	}

	result := tx.WithContext(ctx).
		Model(&model.Operation{}).
		Where("operation_id = ? AND status = ?", operationID, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrOperationStatusConflict
	}

	return nil
}

// GetStuckInProgress 查询卡在 IN_PROGRESS 超过阈值的操作（对账任务用）
func (r *OperationRepository) GetStuckInProgress(ctx context.Context, beforeTime time.Time, limit int) ([]*model.Operation, error) {
	var ops []*model.Operation
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.OperationStatusInProgress, beforeTime).
		Limit(limit).
		Find(&ops).Error
	return ops, err
}

// UpdateNotifyStatus 回写通知镜像状态（outbox 投递结果）
func (r *OperationRepository) UpdateNotifyStatus(ctx context.Context, operationID int64, notifyStatus string) error {
	return r.db.WithContext(ctx).
		Model(&model.Operation{}).
		Where("operation_id = ?", operationID).
		Update("notify_status", notifyStatus).Error
}
