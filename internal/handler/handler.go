package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/balamout75/my-bank-app/internal/config"
	"github.com/balamout75/my-bank-app/internal/repository"
	"github.com/balamout75/my-bank-app/internal/service"
	"github.com/balamout75/my-bank-app/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	operationService *service.OperationService
	accountService   *service.AccountService
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *Handler {
	ledger := service.NewLedgerService(db)
	return &Handler{
		operationService: service.NewOperationService(db, rdb, cfg, ledger),
		accountService:   service.NewAccountService(db),
	}
}

// ============================================================
// 操作相关接口
// ============================================================

// GetOperationKey 预留操作ID
// GET /api/v1/operation/key
//
// 客户端先拿ID，再带着同一个ID提交执行请求；
// 执行请求超时后用同一个ID重试是安全的
func (h *Handler) GetOperationKey(c *gin.Context) {
	username := c.GetString("username")

	op, err := h.operationService.Reserve(c.Request.Context(), username)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"operation_id": op.OperationID,
	})
}

// ExecuteOperationRequest 执行请求
type ExecuteOperationRequest struct {
	OperationID  int64           `json:"operation_id" binding:"required"`
	Amount       decimal.Decimal `json:"amount" binding:"required"`
	Type         string          `json:"type" binding:"required"`
	Counterparty string          `json:"counterparty"`
}

// ExecuteOperation 执行操作
// POST /api/v1/operation/execute
//
// 同一 operation_id 带相同参数重复提交是安全的：
// 已成功的直接返回成功，不会产生第二笔资金变动
func (h *Handler) ExecuteOperation(c *gin.Context) {
	var req ExecuteOperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	err := h.operationService.Execute(c.Request.Context(), &service.ExecuteRequest{
		OperationID:  req.OperationID,
		Username:     c.GetString("username"),
		Amount:       req.Amount,
		Type:         req.Type,
		Counterparty: req.Counterparty,
	})
	if err != nil {
		h.renderExecuteError(c, err)
		return
	}

	response.NoContent(c)
}

func (h *Handler) renderExecuteError(c *gin.Context, err error) {
	var insufficientErr *repository.InsufficientFundsError
	switch {
	case errors.Is(err, service.ErrOperationInFlight):
		// 另一个执行方在跑，客户端稍后重试
		response.Error(c, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrOperationNotReserved),
		errors.Is(err, service.ErrOperationOwnership),
		errors.Is(err, service.ErrParamConflict),
		errors.Is(err, service.ErrInvalidOperation):
		response.ParamError(c, err.Error())
	case errors.As(err, &insufficientErr):
		response.ErrorWithData(c, http.StatusUnprocessableEntity, err.Error(), gin.H{
			"current_balance":  insufficientErr.CurrentBalance,
			"requested_amount": insufficientErr.RequestedAmount,
		})
	case errors.Is(err, repository.ErrAccountNotFound):
		response.Error(c, http.StatusNotFound, err.Error())
	default:
		response.ServerError(c, err.Error())
	}
}

// GetOperation 查询操作详情
// GET /api/v1/operation/detail?operation_id=xxx
func (h *Handler) GetOperation(c *gin.Context) {
	operationID, err := strconv.ParseInt(c.Query("operation_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "operation_id 参数错误")
		return
	}

	op, err := h.operationService.Get(c.Request.Context(), operationID)
	if err != nil {
		if errors.Is(err, repository.ErrOperationNotFound) {
			response.Error(c, http.StatusNotFound, "操作不存在")
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	if op.Username != c.GetString("username") {
		response.Error(c, http.StatusNotFound, "操作不存在")
		return
	}

	response.Success(c, op)
}

// ============================================================
// 账户相关接口
// ============================================================

// GetBalance 查询当前用户余额
// GET /api/v1/account/balance
func (h *Handler) GetBalance(c *gin.Context) {
	username := c.GetString("username")

	account, err := h.accountService.GetAccount(c.Request.Context(), username)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"username": account.Username,
		"balance":  account.Balance,
	})
}
