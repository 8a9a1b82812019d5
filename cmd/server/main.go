// Package main 是应用程序的入口点。
package main

import (
	"context"
	"flag"
	"fmt"
	"msgchain-go/internal/config"
	"msgchain-go/internal/handler"
	"msgchain-go/internal/middleware"
	"msgchain-go/internal/pipeline"
	"msgchain-go/internal/repository"
	"msgchain-go/internal/service"
	"msgchain-go/pkg/chain"
	"msgchain-go/pkg/database"
	"msgchain-go/pkg/es"
	"msgchain-go/pkg/kafka"
	"msgchain-go/pkg/llm"
	"msgchain-go/pkg/log"
	"msgchain-go/pkg/storage"
	"msgchain-go/pkg/token"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 1. 初始化配置
	config.Init(*configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化可选的基础设施：MySQL、Redis、Elasticsearch、MinIO
	var flowRepo repository.FlowRepository
	if cfg.Database.MySQL.DSN != "" {
		database.InitMySQL(cfg.Database.MySQL.DSN)
		flowRepo = repository.NewFlowRepository(database.DB)
	}
	if cfg.Database.Redis.Enabled {
		database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	}
	if cfg.Elasticsearch.Enabled {
		if err := es.InitES(cfg.Elasticsearch); err != nil {
			log.Errorf("es 初始化失败 %s", err)
			return
		}
	}
	var uploader service.SnapshotUploader
	if cfg.MinIO.Enabled {
		store, err := storage.InitMinIO(cfg.MinIO)
		if err != nil {
			log.Errorf("minio 初始化失败 %s", err)
			return
		}
		uploader = store
	}

	// 4. 初始化链上客户端
	dialCtx, cancelDial := context.WithTimeout(context.Background(), 10*time.Second)
	chainClient, err := chain.Dial(dialCtx, cfg.Chain)
	cancelDial()
	if err != nil {
		log.Fatal("初始化链上客户端失败", err)
	}

	// 5. 初始化 Repository
	var logRepo repository.ConversationLogRepository
	switch cfg.ConversationLog.Backend {
	case "redis":
		if database.RDB == nil {
			log.Fatalf("对话日志使用 redis 存储，但 database.redis.enabled 为 false")
		}
		logRepo = repository.NewRedisConversationLogRepository(database.RDB, cfg.ConversationLog.RedisKey)
	default:
		logRepo = repository.NewFileConversationLogRepository(cfg.ConversationLog.Path)
	}

	// 6. 对话记录下游：启用 Kafka 时经由消息队列索引，否则直接写入 ES
	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()
	var sinks []service.EntrySink
	var producer *kafka.Producer
	if cfg.Elasticsearch.Enabled {
		indexer := pipeline.NewIndexer(es.ESClient, cfg.Elasticsearch.IndexName)
		if cfg.Kafka.Enabled {
			producer = kafka.NewProducer(cfg.Kafka)
			sinks = append(sinks, producer)
			go kafka.StartConsumer(bgCtx, cfg.Kafka, indexer, database.RDB)
		} else {
			sinks = append(sinks, indexer)
		}
	} else if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(cfg.Kafka)
		sinks = append(sinks, producer)
	}

	// 7. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours)
	llmClient := llm.NewClient(cfg.LLM)
	conversationService := service.NewConversationService(llmClient, logRepo, sinks...)
	searchService := service.NewSearchService(es.ESClient, cfg.Elasticsearch.IndexName)
	adminService := service.NewAdminService(flowRepo, logRepo, uploader)

	var guard service.FlowGuard
	if database.RDB != nil {
		guard = service.NewRedisFlowGuard(database.RDB, cfg.Flow.LockTTL)
	} else {
		guard = service.NewLocalFlowGuard()
	}
	hub := handler.NewFlowHub()
	orchestrator := service.NewMessageOrchestrator(chainClient, conversationService, guard, flowRepo, hub)

	// 8. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	corsCfg := cors.DefaultConfig()
	corsCfg.AllowAllOrigins = true
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
	r.Use(middleware.RequestLogger(), gin.Recovery(), cors.New(corsCfg))

	// 9. 注册路由
	handler.RegisterRoutes(r, handler.Handlers{
		Conversation: handler.NewConversationHandler(conversationService, searchService),
		Message:      handler.NewMessageHandler(orchestrator),
		Flow:         handler.NewFlowHandler(hub),
		Admin:        handler.NewAdminHandler(adminService),
		Page:         handler.NewPageHandler(orchestrator, conversationService, cfg.Chain.ContractAddress),
	}, jwtManager)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}

	// 停止 Kafka 消费者并刷新生产者
	cancelBg()
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Errorf("关闭 Kafka 生产者失败: %v", err)
		}
	}
	log.Info("服务已优雅关闭")
}
