package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/balamout75/my-bank-app/internal/config"
	"github.com/balamout75/my-bank-app/internal/infrastructure/lock"
	"github.com/balamout75/my-bank-app/internal/model"
	"github.com/balamout75/my-bank-app/internal/repository"
	"github.com/balamout75/my-bank-app/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	// ErrOperationNotReserved operationId 从未被预留（或不是本进程发放的）
	ErrOperationNotReserved = errors.New("operation key 未预留")
	// ErrOperationOwnership operationId 属于其他用户
	ErrOperationOwnership = errors.New("operationId 属于其他用户")
	// ErrParamConflict 同一 operationId 携带了与已冻结参数不同的参数
	ErrParamConflict = errors.New("operationId 已使用其他参数")
	// ErrOperationInFlight 另一个执行方正在跑这笔操作，重试不安全
	ErrOperationInFlight = errors.New("操作正在执行中")
	// ErrInvalidOperation 请求参数非法
	ErrInvalidOperation = errors.New("非法的操作参数")
)

// ExecuteRequest 执行请求
type ExecuteRequest struct {
	OperationID  int64
	Username     string
	Amount       decimal.Decimal
	Type         string
	Counterparty string
}

type operationStore interface {
	Create(ctx context.Context, op *model.Operation) error
	GetByID(ctx context.Context, operationID int64) (*model.Operation, error)
	FillParams(ctx context.Context, op *model.Operation) error
	TransitionStatus(ctx context.Context, tx *gorm.DB, operationID int64, fromStatus, toStatus string, extra map[string]interface{}) error
}

type outboxWriter interface {
	Create(ctx context.Context, tx *gorm.DB, event *model.OutboxEvent) error
}

// OperationService 幂等操作协调器
//
// 【关键点】Execute 是整个系统最核心的路径，需要保证：
// 1. 幂等性：同一 operationId 重复提交只产生一次账本副作用
// 2. 参数冻结：离开 RESERVED 后金额/类型不可偷换
// 3. 并发安全：分布式锁 + 状态 CAS 双重防护，两个并发执行方最多一个碰到账本
type OperationService struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	opRepo      operationStore
	outboxRepo  outboxWriter
	ledger      Ledger
	callerID    string
}

func NewOperationService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config, ledger Ledger) *OperationService {
	return &OperationService{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		opRepo:      repository.NewOperationRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
		ledger:      ledger,
		callerID:    cfg.Business.ServiceName,
	}
}

// Reserve 预留一个操作ID
// 客户端先拿ID再提交参数，这样"填参数并执行"那一步可以安全重试
func (s *OperationService) Reserve(ctx context.Context, username string) (*model.Operation, error) {
	op := &model.Operation{
		OperationID: idgen.NextID(),
		Username:    username,
		Status:      model.OperationStatusReserved,
	}
	if err := s.opRepo.Create(ctx, op); err != nil {
		return nil, fmt.Errorf("预留操作失败: %w", err)
	}

	log.Printf("[OperationService] 预留成功: operationId=%d, user=%s", op.OperationID, username)
	return op, nil
}

// Get 查询操作（状态轮询用）
func (s *OperationService) Get(ctx context.Context, operationID int64) (*model.Operation, error) {
	return s.opRepo.GetByID(ctx, operationID)
}

// Execute 执行操作，同参数重复调用安全
func (s *OperationService) Execute(ctx context.Context, req *ExecuteRequest) error {
	if err := validateExecuteRequest(req); err != nil {
		return err
	}

	op, err := s.opRepo.GetByID(ctx, req.OperationID)
	if err != nil {
		if errors.Is(err, repository.ErrOperationNotFound) {
			return ErrOperationNotReserved
		}
		return fmt.Errorf("查询操作失败: %w", err)
	}

	if op.Username != req.Username {
		return ErrOperationOwnership
	}

	// 按 operationId 加分布式锁：同一笔操作的并发执行方只放一个进来
	opLock := lock.NewOperationLock(s.redisClient, req.OperationID)
	locked, err := opLock.TryLock(ctx)
	if err != nil {
		return fmt.Errorf("获取分布式锁失败: %w", err)
	}
	if !locked {
		return ErrOperationInFlight
	}
	defer opLock.Unlock(ctx)

	// 拿到锁后重新读取，避免用锁前的过期状态做决策
	op, err = s.opRepo.GetByID(ctx, req.OperationID)
	if err != nil {
		return fmt.Errorf("查询操作失败: %w", err)
	}

	switch op.Status {
	case model.OperationStatusReserved:
		// 首次真实执行：补全参数；之前补全过一半的要求完全一致
		if op.Type != "" && op.Type != req.Type {
			return ErrParamConflict
		}
		if op.Amount != nil && !op.Amount.Equal(req.Amount) {
			return ErrParamConflict
		}
		if op.Counterparty != "" && op.Counterparty != req.Counterparty {
			return ErrParamConflict
		}
		amount := req.Amount
		op.Amount = &amount
		op.Type = req.Type
		op.Counterparty = req.Counterparty
		if err := s.opRepo.FillParams(ctx, op); err != nil {
			if errors.Is(err, repository.ErrOperationStatusConflict) {
				return ErrOperationInFlight
			}
			return fmt.Errorf("补全参数失败: %w", err)
		}

	case model.OperationStatusSuccess:
		if !op.ParamsMatch(req.Amount, req.Type, req.Counterparty) {
			return ErrParamConflict
		}
		// 幂等重放：不碰账本，直接返回成功
		return nil

	case model.OperationStatusInProgress:
		if !op.ParamsMatch(req.Amount, req.Type, req.Counterparty) {
			return ErrParamConflict
		}
		return ErrOperationInFlight

	case model.OperationStatusFailed:
		// FAILED 允许重试，但参数已冻结
		if !op.ParamsMatch(req.Amount, req.Type, req.Counterparty) {
			return ErrParamConflict
		}

	default:
		return fmt.Errorf("未知的操作状态: %s", op.Status)
	}

	return s.process(ctx, op)
}

// process 真正执行一次操作
// IN_PROGRESS 先单独提交（对外可见后才调账本），账本调用跨在两次提交之间；
// 崩溃在这中间会留下 IN_PROGRESS，由对账任务兜底
func (s *OperationService) process(ctx context.Context, op *model.Operation) error {
	err := s.opRepo.TransitionStatus(ctx, nil, op.OperationID, op.Status, model.OperationStatusInProgress,
		map[string]interface{}{"attempts": gorm.Expr("attempts + 1")})
	if err != nil {
		if errors.Is(err, repository.ErrOperationStatusConflict) {
			return ErrOperationInFlight
		}
		return fmt.Errorf("更新操作状态失败: %w", err)
	}

	log.Printf("[OperationService] 开始执行: operationId=%d, user=%s, type=%s, amount=%s",
		op.OperationID, op.Username, op.Type, op.Amount)

	ledgerErr := s.callLedger(ctx, op)

	if ledgerErr == nil {
		now := time.Now()
		err = s.db.Transaction(func(tx *gorm.DB) error {
			if err := s.opRepo.TransitionStatus(ctx, tx, op.OperationID,
				model.OperationStatusInProgress, model.OperationStatusSuccess,
				map[string]interface{}{
					"completed_at":  now,
					"error_message": "",
					"notify_status": model.NotifyStatusPending,
				}); err != nil {
				return err
			}

			event, err := BuildOperationEvent(op, now)
			if err != nil {
				return err
			}
			if err := s.outboxRepo.Create(ctx, tx, event); err != nil {
				return fmt.Errorf("写入 outbox 失败: %w", err)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("提交执行结果失败: %w", err)
		}

		log.Printf("[OperationService] 执行成功: operationId=%d", op.OperationID)
		return nil
	}

	// 账本失败：落库 FAILED 后把原始错误抛回去（余额不足等业务错误要让上层渲染）
	if err := s.opRepo.TransitionStatus(ctx, nil, op.OperationID,
		model.OperationStatusInProgress, model.OperationStatusFailed,
		map[string]interface{}{
			"completed_at":  time.Now(),
			"error_message": ledgerErr.Error(),
		}); err != nil {
		log.Printf("[OperationService] 记录失败状态失败: operationId=%d, err=%v", op.OperationID, err)
	}

	log.Printf("[OperationService] 执行失败: operationId=%d, user=%s, attempts=%d, err=%v",
		op.OperationID, op.Username, op.Attempts+1, ledgerErr)
	return ledgerErr
}

func (s *OperationService) callLedger(ctx context.Context, op *model.Operation) error {
	switch op.Type {
	case model.OperationTypeTransfer:
		return s.ledger.Transfer(ctx, &TransferApplyRequest{
			OperationID: op.OperationID,
			Username:    op.Username,
			Recipient:   op.Counterparty,
			Amount:      *op.Amount,
		}, s.callerID)
	default:
		return s.ledger.ApplyDelta(ctx, &BalanceUpdateRequest{
			OperationID: op.OperationID,
			Username:    op.Username,
			Amount:      *op.Amount,
			Type:        op.Type,
		}, s.callerID)
	}
}

func validateExecuteRequest(req *ExecuteRequest) error {
	if !req.Amount.IsPositive() {
		return fmt.Errorf("%w：金额必须大于0", ErrInvalidOperation)
	}

	switch req.Type {
	case model.OperationTypeDeposit, model.OperationTypeWithdraw:
		if req.Counterparty != "" {
			return fmt.Errorf("%w：该操作类型不允许携带对手方", ErrInvalidOperation)
		}
	case model.OperationTypeTransfer:
		if req.Counterparty == "" {
			return fmt.Errorf("%w：转账必须指定对手方", ErrInvalidOperation)
		}
		if req.Counterparty == req.Username {
			return fmt.Errorf("%w：不能给自己转账", ErrInvalidOperation)
		}
	default:
		return fmt.Errorf("%w：未知的操作类型 %s", ErrInvalidOperation, req.Type)
	}

	return nil
}

// OperationEventPayload 投递给下游的事件内容
// 入队时从操作行固化，投递时不再回查业务表
type OperationEventPayload struct {
	OperationID  int64           `json:"operation_id"`
	Username     string          `json:"username"`
	Counterparty string          `json:"counterparty,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	Type         string          `json:"type"`
	CompletedAt  string          `json:"completed_at"`
}

// BuildOperationEvent 由操作生成 outbox 事件（对账任务补发时也会用到）
func BuildOperationEvent(op *model.Operation, completedAt time.Time) (*model.OutboxEvent, error) {
	payload := OperationEventPayload{
		OperationID:  op.OperationID,
		Username:     op.Username,
		Counterparty: op.Counterparty,
		Amount:       *op.Amount,
		Type:         op.Type,
		CompletedAt:  completedAt.Format(time.RFC3339),
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化事件失败: %w", err)
	}

	eventType := op.Type
	if op.Type == model.OperationTypeDeposit || op.Type == model.OperationTypeWithdraw {
		eventType = "CASH_" + op.Type
	}

	return &model.OutboxEvent{
		OperationID:   op.OperationID,
		EventType:     eventType,
		AggregateType: "Operation",
		AggregateID:   op.OperationID,
		Payload:       string(payloadBytes),
		Status:        model.OutboxStatusNew,
		NextAttemptAt: completedAt,
	}, nil
}
