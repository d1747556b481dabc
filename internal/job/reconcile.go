package job

import (
	"context"
	"log"
	"time"

	"github.com/balamout75/my-bank-app/internal/config"
	"github.com/balamout75/my-bank-app/internal/model"
	"github.com/balamout75/my-bank-app/internal/repository"
	"github.com/balamout75/my-bank-app/internal/service"

	"gorm.io/gorm"
)

type stuckOperationStore interface {
	GetStuckInProgress(ctx context.Context, beforeTime time.Time, limit int) ([]*model.Operation, error)
	TransitionStatus(ctx context.Context, tx *gorm.DB, operationID int64, fromStatus, toStatus string, extra map[string]interface{}) error
}

type reconcileIdemStore interface {
	Exists(ctx context.Context, operationID int64, service string) (bool, error)
}

type reconcileOutboxStore interface {
	Create(ctx context.Context, tx *gorm.DB, event *model.OutboxEvent) error
}

// StuckOperationJob 卡单对账任务
// 进程在"调完账本、还没落终态"之间崩溃会留下 IN_PROGRESS 的操作行，
// 这里查账本侧的幂等记录判定当时到底执行到了哪一步：
// 幂等记录存在 -> 资金已动，补成 SUCCESS 并补发事件；
// 不存在 -> 账本没碰过，置 FAILED 等客户端重试
type StuckOperationJob struct {
	db         *gorm.DB
	opRepo     stuckOperationStore
	idemRepo   reconcileIdemStore
	outboxRepo reconcileOutboxStore
	callerID   string
	threshold  time.Duration
	interval   time.Duration
	batchSize  int
	now        func() time.Time
	stopCh     chan struct{}
}

func NewStuckOperationJob(db *gorm.DB, cfg *config.Config) *StuckOperationJob {
	return &StuckOperationJob{
		db:         db,
		opRepo:     repository.NewOperationRepository(db),
		idemRepo:   repository.NewIdempotencyRepository(db),
		outboxRepo: repository.NewOutboxRepository(db),
		callerID:   cfg.Business.ServiceName,
		threshold:  time.Duration(cfg.Business.StuckTimeoutMinutes) * time.Minute,
		interval:   time.Duration(cfg.Business.ReconcileIntervalSeconds) * time.Second,
		batchSize:  cfg.Business.ReconcileBatchSize,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
}

func (j *StuckOperationJob) Start(ctx context.Context) {
	log.Printf("[StuckOperationJob] 对账任务启动: interval=%s, threshold=%s", j.interval, j.threshold)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[StuckOperationJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[StuckOperationJob] 任务停止")
			return
		case <-ticker.C:
			j.ReconcileOnce(ctx)
		}
	}
}

func (j *StuckOperationJob) Stop() {
	close(j.stopCh)
}

// ReconcileOnce 单轮对账，返回处理的操作数
func (j *StuckOperationJob) ReconcileOnce(ctx context.Context) int {
	cutoff := j.now().Add(-j.threshold)

	ops, err := j.opRepo.GetStuckInProgress(ctx, cutoff, j.batchSize)
	if err != nil {
		log.Printf("[StuckOperationJob] 查询卡单失败: %v", err)
		return 0
	}

	for _, op := range ops {
		if err := j.resolve(ctx, op); err != nil {
			log.Printf("[StuckOperationJob] 对账失败: operationId=%d, err=%v", op.OperationID, err)
		}
	}

	if len(ops) > 0 {
		log.Printf("[StuckOperationJob] 本轮处理 %d 笔卡单", len(ops))
	}
	return len(ops)
}

func (j *StuckOperationJob) resolve(ctx context.Context, op *model.Operation) error {
	applied, err := j.idemRepo.Exists(ctx, op.OperationID, j.callerID)
	if err != nil {
		return err
	}

	if applied {
		// 账本已应用：当时成功了但没来得及落终态，补 SUCCESS + 补发事件
		now := j.now()
		err := j.db.Transaction(func(tx *gorm.DB) error {
			if err := j.opRepo.TransitionStatus(ctx, tx, op.OperationID,
				model.OperationStatusInProgress, model.OperationStatusSuccess,
				map[string]interface{}{
					"completed_at":  now,
					"error_message": "",
					"notify_status": model.NotifyStatusPending,
				}); err != nil {
				return err
			}

			event, err := service.BuildOperationEvent(op, now)
			if err != nil {
				return err
			}
			return j.outboxRepo.Create(ctx, tx, event)
		})
		if err != nil {
			return err
		}
		log.Printf("[StuckOperationJob] 卡单补成 SUCCESS: operationId=%d", op.OperationID)
		return nil
	}

	// 账本没应用：置 FAILED，客户端用同一 operationId 重试即可
	err = j.opRepo.TransitionStatus(ctx, nil, op.OperationID,
		model.OperationStatusInProgress, model.OperationStatusFailed,
		map[string]interface{}{
			"completed_at":  j.now(),
			"error_message": "操作超时未完成，已回退",
		})
	if err != nil {
		return err
	}
	log.Printf("[StuckOperationJob] 卡单回退 FAILED: operationId=%d", op.OperationID)
	return nil
}
