package repository

import (
	"context"

	"github.com/balamout75/my-bank-app/internal/model"

	"gorm.io/gorm"
)

type IdempotencyRepository struct {
	db *gorm.DB
}

func NewIdempotencyRepository(db *gorm.DB) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

// InsertIfAbsent 幂等原语：单条原子插入
// 同一个 (service, operation_id) 只有第一个写入者得到 true，
// 唯一键冲突走 INSERT IGNORE，按"重复"处理而不是报错——
// 这是把"至少一次调用"收敛成"恰好一次效果"的最便宜做法
func (r *IdempotencyRepository) InsertIfAbsent(ctx context.Context, tx *gorm.DB, operationID int64, username, service string) (bool, error) {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).Exec(
		"INSERT IGNORE INTO service_operations (operation_id, username, service, created_at) VALUES (?, ?, ?, NOW())",
		operationID, username, service,
	)
	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected == 1, nil
}

// Exists 查询某操作是否已被应用过（对账任务用）
func (r *IdempotencyRepository) Exists(ctx context.Context, operationID int64, service string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.ServiceOperation{}).
		Where("operation_id = ? AND service = ?", operationID, service).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
