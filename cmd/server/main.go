// Package main 是应用程序的入口点。
package main

import (
	"context"
	"crimewatch-go/internal/config"
	"crimewatch-go/internal/handler"
	"crimewatch-go/internal/model"
	"crimewatch-go/internal/pipeline"
	"crimewatch-go/internal/realtime"
	"crimewatch-go/internal/repository"
	"crimewatch-go/internal/service"
	"crimewatch-go/pkg/database"
	"crimewatch-go/pkg/es"
	"crimewatch-go/pkg/kafka"
	"crimewatch-go/pkg/log"
	"crimewatch-go/pkg/storage"
	"crimewatch-go/pkg/token"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 1. 初始化配置
	config.Init(*configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	if err := log.Init(cfg.Log, "server", "stdout"); err != nil {
		panic(err)
	}
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis 和对象存储
	database.InitMySQL(cfg.Database.MySQL.DSN, &model.User{}, &model.EmergencyLog{})
	database.InitRedis(cfg.Database.Redis)
	objectStore := storage.InitMinIO(cfg.MinIO)

	// Elasticsearch 是可选的，不可用时检索接口返回 503
	var indexer pipeline.DocumentIndexer
	var searchService service.SearchService
	if cfg.Elasticsearch.Addresses != "" {
		if err := es.InitES(cfg.Elasticsearch); err != nil {
			log.Errorf("es 初始化失败，检索功能不可用: %s", err)
		} else {
			indexer = es.NewIndexer(es.ESClient, cfg.Elasticsearch.IndexName)
			searchService = service.NewSearchService(es.ESClient, cfg.Elasticsearch.IndexName)
		}
	}

	// 4. 初始化 Repository
	userRepository := repository.NewUserRepository(database.DB)
	emergencyLogRepo := repository.NewEmergencyLogRepository(database.DB)
	locker := repository.ChainSessionLocker{
		repository.NewLocalSessionLocker(),
		repository.NewRedisSessionLocker(database.RDB, cfg.Emergency.LockTTL, cfg.Emergency.LockWait),
	}

	// 5. 初始化事件处理管道 (Processor) 和发布器
	hub := realtime.NewHub()
	processor := pipeline.NewProcessor(emergencyLogRepo, userRepository, indexer, hub)

	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()

	var publisher service.EventPublisher
	var closePublisher func()
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka)
		publisher = producer
		closePublisher = func() {
			if err := producer.Close(); err != nil {
				log.Errorf("Kafka 生产者关闭失败: %v", err)
			}
		}
		// 启动后台 Kafka 消费者
		go kafka.StartConsumer(consumerCtx, cfg.Kafka, processor, database.RDB)
	} else {
		inline := pipeline.NewInlinePublisher(processor, 0)
		publisher = inline
		closePublisher = inline.Close
		log.Info("Kafka 未启用，紧急事件在进程内处理")
	}

	// 6. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours, cfg.JWT.RefreshTokenExpireDays)
	userService := service.NewUserService(userRepository, jwtManager, database.RDB)
	ingestService := service.NewIngestService(emergencyLogRepo, objectStore, locker, publisher, cfg.Emergency)
	logService := service.NewEmergencyLogService(emergencyLogRepo, userRepository, objectStore, locker, publisher, cfg.Emergency)

	if err := userService.EnsureAdmin(cfg.Admin.Username, cfg.Admin.Password); err != nil {
		log.Fatal("创建值班管理员失败", err)
	}

	// 7. 启动过期会话清理任务
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go runSweeper(sweepCtx, logService, cfg.Emergency.SweepInterval, cfg.Emergency.StaleAfter)

	// 8. 设置 Gin 模式并注册路由
	gin.SetMode(cfg.Server.Mode)
	r := handler.NewRouter(handler.RouterDeps{
		JWTManager:    jwtManager,
		UserService:   userService,
		IngestService: ingestService,
		LogService:    logService,
		SearchService: searchService,
		Hub:           hub,
		MaxChunkBytes: cfg.Emergency.MaxChunkBytes,
	})

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

	// 关闭 HTTP 服务器，之后不会再有新的事件发布
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}
	stopSweeper()
	closePublisher()
	stopConsumer()

	log.Info("服务已优雅关闭")
}

// runSweeper 定期把长时间没有新分片的录制中会话标记为 completed。
func runSweeper(ctx context.Context, logService service.EmergencyLogService, interval, staleAfter time.Duration) {
	if interval <= 0 || staleAfter <= 0 {
		log.Warnf("过期会话清理未启用, interval: %v, stale_after: %v", interval, staleAfter)
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := logService.SweepStaleSessions(ctx, staleAfter)
			if err != nil {
				log.Errorf("[Sweeper] 清理过期会话失败: %v", err)
				continue
			}
			if n > 0 {
				log.Infof("[Sweeper] 已关闭 %d 个过期会话", n)
			}
		}
	}
}
