package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/balamout75/my-bank-app/internal/config"
	"github.com/balamout75/my-bank-app/internal/handler"
	"github.com/balamout75/my-bank-app/internal/infrastructure/cache"
	"github.com/balamout75/my-bank-app/internal/infrastructure/database"
	"github.com/balamout75/my-bank-app/internal/infrastructure/mq"
	"github.com/balamout75/my-bank-app/internal/job"
	"github.com/balamout75/my-bank-app/internal/model"
	"github.com/balamout75/my-bank-app/internal/repository"
	"github.com/balamout75/my-bank-app/pkg/idgen"
)

func main() {
	// 加载配置
	cfg := config.LoadConfig("config/config.yaml")

	// 初始化 ID 生成器
	idgen.Init(1)

	// 初始化 MySQL
	db := database.InitMySQL(&cfg.MySQL)

	// 初始化 Redis
	redisClient := cache.InitRedis(&cfg.Redis)

	// 初始化 Kafka
	producer := mq.NewProducer(&cfg.Kafka)
	defer producer.Close()

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 投递结果回写 operations.notify_status
	opRepo := repository.NewOperationRepository(db)
	mirror := func(ctx context.Context, event *model.OutboxEvent, delivered bool) {
		status := model.NotifyStatusSent
		if !delivered {
			status = model.NotifyStatusFailed
		}
		if err := opRepo.UpdateNotifyStatus(ctx, event.OperationID, status); err != nil {
			log.Printf("[main] 回写通知状态失败: operationId=%d, err=%v", event.OperationID, err)
		}
	}

	// 启动后台任务
	outboxProcessor := job.NewOutboxProcessor(db, cfg, producer, mirror)
	go outboxProcessor.Start(ctx)

	stuckJob := job.NewStuckOperationJob(db, cfg)
	go stuckJob.Start(ctx)

	// 设置路由
	router := handler.SetupRouter(db, redisClient, cfg)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// 在 goroutine 中启动服务器
	go func() {
		log.Printf("服务启动，监听端口: %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("服务关闭异常: %v", err)
	}

	log.Println("服务已关闭")
}
