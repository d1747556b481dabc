package job

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/balamout75/my-bank-app/internal/config"
	"github.com/balamout75/my-bank-app/internal/model"
	"github.com/balamout75/my-bank-app/internal/repository"
	"github.com/balamout75/my-bank-app/pkg/idgen"

	"gorm.io/gorm"
)

// Transport outbox 投递通道（Kafka、HTTP 回调等由外部注入）
type Transport interface {
	Publish(ctx context.Context, event *model.OutboxEvent) error
}

// MirrorFunc 把投递结果回写到业务聚合（例如 operations.notify_status）
// delivered=true 表示发布成功，false 表示进入死信
type MirrorFunc func(ctx context.Context, event *model.OutboxEvent, delivered bool)

type outboxStore interface {
	LockBatch(ctx context.Context, limit int, instanceID string, now time.Time) ([]*model.OutboxEvent, error)
	SaveBatch(ctx context.Context, events []*model.OutboxEvent) error
	ReclaimExpired(ctx context.Context, now time.Time, lockTimeout time.Duration) (int64, error)
}

// OutboxProcessor 发件箱投递任务
// 一套通用实现：租约（SKIP LOCKED）-> 投递 -> 重试退避/死信，
// 多实例同时轮询同一张表也不会重复投递
type OutboxProcessor struct {
	store       outboxStore
	transport   Transport
	mirror      MirrorFunc
	instanceID  string
	interval    time.Duration
	batchSize   int
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	lockTimeout time.Duration
	now         func() time.Time // 注入时钟，测试可控
	stopCh      chan struct{}
}

func NewOutboxProcessor(db *gorm.DB, cfg *config.Config, transport Transport, mirror MirrorFunc) *OutboxProcessor {
	hostname, _ := os.Hostname()
	return &OutboxProcessor{
		store:       repository.NewOutboxRepository(db),
		transport:   transport,
		mirror:      mirror,
		instanceID:  fmt.Sprintf("%s-%d", hostname, idgen.NextID()),
		interval:    time.Duration(cfg.Outbox.PollIntervalMs) * time.Millisecond,
		batchSize:   cfg.Outbox.BatchSize,
		baseDelay:   time.Duration(cfg.Outbox.BaseDelayMs) * time.Millisecond,
		maxDelay:    time.Duration(cfg.Outbox.MaxDelayMs) * time.Millisecond,
		maxAttempts: cfg.Outbox.MaxAttempts,
		lockTimeout: time.Duration(cfg.Outbox.LockTimeoutSeconds) * time.Second,
		now:         time.Now,
		stopCh:      make(chan struct{}),
	}
}

func (p *OutboxProcessor) Start(ctx context.Context) {
	log.Printf("[OutboxProcessor] 投递任务启动: instance=%s, interval=%s, batchSize=%d",
		p.instanceID, p.interval, p.batchSize)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[OutboxProcessor] 收到停止信号，任务退出")
			return
		case <-p.stopCh:
			log.Println("[OutboxProcessor] 任务停止")
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

func (p *OutboxProcessor) Stop() {
	close(p.stopCh)
}

// PollOnce 单轮处理，返回本轮处理的事件数
// 多实例并发调用安全：租约互斥由 LockBatch 的 SKIP LOCKED 保证
func (p *OutboxProcessor) PollOnce(ctx context.Context) int {
	now := p.now()

	if n, err := p.store.ReclaimExpired(ctx, now, p.lockTimeout); err != nil {
		log.Printf("[OutboxProcessor] 回收过期租约失败: %v", err)
	} else if n > 0 {
		log.Printf("[OutboxProcessor] 回收 %d 个过期租约", n)
	}

	events, err := p.store.LockBatch(ctx, p.batchSize, p.instanceID, now)
	if err != nil {
		log.Printf("[OutboxProcessor] 获取租约失败: %v", err)
		return 0
	}

	if len(events) == 0 {
		return 0
	}

	for _, e := range events {
		p.deliver(ctx, e)
	}

	if err := p.store.SaveBatch(ctx, events); err != nil {
		log.Printf("[OutboxProcessor] 持久化批次失败: %v", err)
	}

	return len(events)
}

func (p *OutboxProcessor) deliver(ctx context.Context, e *model.OutboxEvent) {
	err := p.transport.Publish(ctx, e)

	if err == nil {
		now := p.now()
		e.Status = model.OutboxStatusPublished
		e.PublishedAt = &now
		e.LastError = ""
		p.clearLock(e)
		if p.mirror != nil {
			p.mirror(ctx, e, true)
		}
		log.Printf("[OutboxProcessor] 投递成功: id=%d, operationId=%d, type=%s",
			e.ID, e.OperationID, e.EventType)
		return
	}

	e.Attempts++
	e.LastError = err.Error()

	if e.Attempts >= p.maxAttempts {
		e.Status = model.OutboxStatusDead
		if p.mirror != nil {
			p.mirror(ctx, e, false)
		}
		log.Printf("[OutboxProcessor] 超过最大重试次数，进入死信: id=%d, operationId=%d, attempts=%d, err=%v",
			e.ID, e.OperationID, e.Attempts, err)
	} else {
		e.Status = model.OutboxStatusRetry
		e.NextAttemptAt = p.now().Add(p.backoff(e.Attempts))
		log.Printf("[OutboxProcessor] 投递失败，等待重试: id=%d, operationId=%d, attempt=%d, next=%s, err=%v",
			e.ID, e.OperationID, e.Attempts, e.NextAttemptAt.Format(time.RFC3339), err)
	}

	p.clearLock(e)
}

func (p *OutboxProcessor) clearLock(e *model.OutboxEvent) {
	e.LockedAt = nil
	e.LockedBy = ""
}

// backoff 指数退避：delay = min(maxDelay, baseDelay * 2^(attempts-1))
func (p *OutboxProcessor) backoff(attempts int) time.Duration {
	shift := attempts - 1
	if shift > 10 {
		shift = 10 // 限制指数，避免溢出
	}
	delay := p.baseDelay << uint(shift)
	if delay <= 0 || delay > p.maxDelay {
		delay = p.maxDelay
	}
	return delay
}
