// Package app 提供 eidos-gambit 服务的应用生命周期管理
//
// ========================================
// eidos-gambit 服务对接说明
// ========================================
//
// ## 服务职责
// eidos-gambit 负责 Agent 之间的链上国际象棋对局:
// 1. 自动匹配 (Scheduler): 定时挑选两个 Agent, 以挑战方钱包发起链上挑战
// 2. 事件监听 (Watcher): 订阅 MatchEngine 合约事件, 检查点补扫, 去重后分发
// 3. 对局编排 (Orchestrator): 提示被挑战方接受, 接受后驱动对弈
// 4. 走法仲裁 (Arbiter): 引擎候选 + 开局偏好 + LLM 选择
//
// ## Kafka 对接 (参见 internal/kafka/producer.go)
//
// ### 生产的 Topic
// - gambit-move-events: 每步走法
// - gambit-agent-actions: 发给 Agent 运行时的指令
// - gambit-match-results: 对局结果
//
// ## 外部依赖
// - 规则引擎服务 (HTTP): 创建棋局, 候选走法, 提交走法
// - OpenRouter (HTTP): 走法选择, 未配置 API key 时直接回退到引擎首选
// - 链 RPC (HTTP + WS): 未配置 RPC 时不能发起挑战, 未配置 WS 或合约地址时不启动监听
//
// ========================================
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/eidos-exchange/eidos/eidos-gambit/internal/blockchain"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/chessutil"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/client"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/config"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/contract"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/jobs"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/kafka"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/llm"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/repository"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/scheduler"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/service"
	"github.com/eidos-exchange/eidos/eidos-gambit/pkg/logger"
)

// App 应用
type App struct {
	cfg *config.Config

	// 基础设施
	db    *gorm.DB
	redis redis.UniversalClient

	// 区块链, RPC 未配置时为空
	blockchainClient *blockchain.Client
	matchEngine      *contract.MatchEngineContract
	submitter        *blockchain.ChallengeSubmitter

	// 仓储
	matchRepo      repository.MatchRepository
	agentRepo      repository.AgentRepository
	gameRepo       repository.GameRepository
	checkpointRepo repository.CheckpointRepository
	execRepo       *repository.ExecutionRepository

	// Kafka
	kafkaProducer *kafka.Producer
	publisher     kafka.EventPublisher
	executor      service.AgentActionExecutor

	// 服务
	arbiterSvc      *service.ArbiterService
	orchestratorSvc *service.OrchestratorService
	watcherSvc      *service.WatcherService
	scheduler       *scheduler.Scheduler

	// 服务端
	grpcServer    *grpc.Server
	healthServer  *health.Server
	metricsServer *http.Server

	stopCh       chan struct{}
	stopOnce     sync.Once
	shutdownOnce sync.Once
}

// NewApp 创建应用
func NewApp(cfg *config.Config) (*App, error) {
	app := &App{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initBlockchain(); err != nil {
		app.shutdown()
		return nil, fmt.Errorf("failed to init blockchain: %w", err)
	}

	app.initRepositories()

	if err := app.initKafka(); err != nil {
		app.shutdown()
		return nil, fmt.Errorf("failed to init kafka: %w", err)
	}

	app.initServices()

	if err := app.initScheduler(); err != nil {
		app.shutdown()
		return nil, fmt.Errorf("failed to init scheduler: %w", err)
	}

	app.initServers()

	return app, nil
}

// initInfrastructure 初始化数据库与 Redis
func (a *App) initInfrastructure() error {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		a.cfg.Postgres.Host,
		a.cfg.Postgres.Port,
		a.cfg.Postgres.User,
		a.cfg.Postgres.Password,
		a.cfg.Postgres.Database,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(a.cfg.Postgres.MaxConnections)
	sqlDB.SetMaxIdleConns(a.cfg.Postgres.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(a.cfg.Postgres.ConnMaxLifetime) * time.Second)

	a.db = db
	logger.Info("database connected", zap.String("host", a.cfg.Postgres.Host))

	if err := AutoMigrate(a.db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	logger.Info("database migrated")

	a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    redisAddrs(a.cfg.Redis.Addresses),
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		PoolSize: a.cfg.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}
	logger.Info("redis connected", zap.Strings("addrs", redisAddrs(a.cfg.Redis.Addresses)))

	return nil
}

func redisAddrs(addrs []string) []string {
	if len(addrs) == 0 {
		return []string{"localhost:6379"}
	}
	return addrs
}

// initBlockchain 初始化链客户端与合约绑定
func (a *App) initBlockchain() error {
	bc := a.cfg.Blockchain
	if strings.TrimSpace(bc.RPCURL) == "" {
		logger.Warn("blockchain rpc not configured; on-chain challenges and event watching disabled")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	chainClient, err := blockchain.NewClient(ctx, &blockchain.ClientConfig{
		ChainID: bc.ChainID,
		RPCURLs: append([]string{bc.RPCURL}, bc.BackupRPCURLs...),
		WSURL:   bc.WSURL,
	})
	if err != nil {
		return fmt.Errorf("failed to create blockchain client: %w", err)
	}
	a.blockchainClient = chainClient

	if strings.TrimSpace(bc.MatchEngineAddress) == "" {
		logger.Warn("match engine address not configured; on-chain challenges and event watching disabled")
		return nil
	}

	engine, err := contract.NewMatchEngineContract(common.HexToAddress(bc.MatchEngineAddress), chainClient)
	if err != nil {
		return fmt.Errorf("bind match engine: %w", err)
	}
	a.matchEngine = engine

	if strings.TrimSpace(bc.StakeTokenAddress) == "" || strings.TrimSpace(bc.KeyEncryptionKey) == "" {
		logger.Warn("stake token or key encryption key not configured; on-chain challenges disabled")
		return nil
	}

	token, err := contract.NewERC20Contract(common.HexToAddress(bc.StakeTokenAddress), chainClient)
	if err != nil {
		return fmt.Errorf("bind stake token: %w", err)
	}
	sealer, err := blockchain.NewKeySealer(bc.KeyEncryptionKey)
	if err != nil {
		return fmt.Errorf("init key sealer: %w", err)
	}
	a.submitter = blockchain.NewChallengeSubmitter(
		chainClient,
		sealer,
		engine,
		token,
		bc.ChainID,
		time.Duration(bc.ReceiptTimeout)*time.Second,
	)

	logger.Info("blockchain client initialized",
		zap.Int64("chain_id", bc.ChainID),
		zap.String("match_engine", engine.Address().Hex()),
		zap.String("stake_token", token.Address().Hex()))
	return nil
}

// initRepositories 初始化仓储
func (a *App) initRepositories() {
	a.matchRepo = repository.NewMatchRepository(a.db)
	a.agentRepo = repository.NewAgentRepository(a.db)
	a.gameRepo = repository.NewGameRepository(a.db)
	a.checkpointRepo = repository.NewCheckpointRepository(a.db)
	a.execRepo = repository.NewExecutionRepository(a.db)

	logger.Info("repositories initialized")
}

// initKafka 初始化 Kafka, 未启用时事件只写日志
func (a *App) initKafka() error {
	if !a.cfg.Kafka.Enabled {
		a.publisher = kafka.LogEventPublisher{}
		a.executor = kafka.LogActionExecutor{}
		logger.Warn("kafka disabled; match events and agent actions are only logged")
		return nil
	}

	producer, err := kafka.NewProducer(&kafka.ProducerConfig{
		Brokers:  a.cfg.Kafka.Brokers,
		ClientID: a.cfg.Kafka.ClientID,
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	a.kafkaProducer = producer
	a.publisher = kafka.NewKafkaEventPublisher(producer)
	a.executor = kafka.NewActionExecutor(producer)

	logger.Info("kafka initialized", zap.Strings("brokers", a.cfg.Kafka.Brokers))
	return nil
}

// initServices 初始化服务
func (a *App) initServices() {
	rules := client.NewHTTPRulesClient(a.cfg.Rules)

	var completer llm.ChatCompleter
	if a.cfg.LLM.APIKey != "" {
		completer = llm.NewOpenRouterClient(a.cfg.LLM)
	} else {
		logger.Warn("llm api key not configured; moves fall back to the engine's top candidate")
	}

	a.arbiterSvc = service.NewArbiterService(rules, completer, chessutil.NewInspector(), a.cfg.Arbiter)

	var writer service.ChallengeWriter
	if a.submitter != nil {
		writer = a.submitter
	}
	var reader service.MatchReader
	if a.matchEngine != nil {
		reader = a.matchEngine
	}
	a.orchestratorSvc = service.NewOrchestratorService(
		a.matchRepo,
		a.agentRepo,
		rules,
		a.arbiterSvc,
		writer,
		reader,
		a.executor,
		a.publisher,
		service.OrchestratorConfig{
			MatchEngineAddress: a.cfg.Blockchain.MatchEngineAddress,
			StakeDecimals:      a.cfg.Blockchain.StakeTokenDecimals,
			MoveDelay:          time.Duration(a.cfg.Arbiter.MoveDelayMs) * time.Millisecond,
			MaxPlies:           a.cfg.Arbiter.MaxPlies,
		},
	)

	var source service.LogSource
	if a.blockchainClient != nil {
		source = a.blockchainClient
	}
	a.watcherSvc = service.NewWatcherService(
		source,
		a.matchEngine,
		a.checkpointRepo,
		a.orchestratorSvc,
		service.WatcherServiceConfig{
			Enabled:            a.cfg.Blockchain.WatcherEnabled(),
			ChainID:            a.cfg.Blockchain.ChainID,
			BackfillBlockRange: a.cfg.Blockchain.BackfillBlockRange,
			ResubscribeBackoff: time.Duration(a.cfg.Blockchain.ResubscribeBackoff) * time.Second,
		},
	)

	logger.Info("services initialized")
}

// initScheduler 初始化定时任务
func (a *App) initScheduler() error {
	a.scheduler = scheduler.NewScheduler(&scheduler.SchedulerConfig{
		MaxConcurrentJobs: 1,
		RedisClient:       a.redis,
	}, a.execRepo)

	mm := a.cfg.Matchmaking
	job, err := jobs.NewMatchmakingJob(mm, a.orchestratorSvc, a.matchRepo, a.agentRepo, a.gameRepo)
	if err != nil {
		return err
	}
	return a.scheduler.RegisterJob(job, scheduler.JobConfig{
		Spec:    scheduler.EverySpec(mm.FrequencySeconds),
		Enabled: mm.Enabled,
	})
}

// initServers 初始化 gRPC 健康检查与 metrics 端点
func (a *App) initServers() {
	a.grpcServer = grpc.NewServer()
	a.healthServer = health.NewServer()
	grpc_health_v1.RegisterHealthServer(a.grpcServer, a.healthServer)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metricsServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Service.MetricsPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Run 运行应用, 阻塞到收到退出信号
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.watcherSvc.Start(ctx); err != nil {
		a.shutdown()
		return fmt.Errorf("failed to start watcher: %w", err)
	}

	a.scheduler.Start()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Service.GRPCPort))
	if err != nil {
		a.shutdown()
		return fmt.Errorf("failed to listen: %w", err)
	}
	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_SERVING)
	if a.blockchainClient != nil {
		go monitorChainHealth(ctx, a.healthServer, a.blockchainClient, chainHealthInterval)
	}

	go func() {
		logger.Info("gRPC server listening", zap.Int("port", a.cfg.Service.GRPCPort))
		if err := a.grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("metrics server listening", zap.Int("port", a.cfg.Service.MetricsPort))
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case <-a.stopCh:
		logger.Info("shutdown requested")
	}

	a.shutdown()
	return nil
}

// shutdown 按依赖逆序关闭, 可重复调用
func (a *App) shutdown() {
	a.shutdownOnce.Do(func() {
		logger.Info("shutting down...")

		// 所有服务名置为 NOT_SERVING, 之后的状态更新被忽略
		if a.healthServer != nil {
			a.healthServer.Shutdown()
		}

		// 先停止新触发, 再停止事件来源, 最后等待进行中的对局
		if a.scheduler != nil {
			a.scheduler.Stop()
		}
		if a.watcherSvc != nil {
			a.watcherSvc.Stop()
		}
		if a.orchestratorSvc != nil {
			a.orchestratorSvc.Stop()
		}

		if a.grpcServer != nil {
			a.grpcServer.GracefulStop()
		}
		if a.metricsServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := a.metricsServer.Shutdown(ctx); err != nil {
				logger.Warn("metrics server shutdown error", zap.Error(err))
			}
			cancel()
		}

		if a.kafkaProducer != nil {
			if err := a.kafkaProducer.Close(); err != nil {
				logger.Warn("kafka producer close error", zap.Error(err))
			}
		}
		if a.blockchainClient != nil {
			a.blockchainClient.Close()
		}
		if a.redis != nil {
			a.redis.Close()
		}
		if a.db != nil {
			if sqlDB, _ := a.db.DB(); sqlDB != nil {
				sqlDB.Close()
			}
		}

		logger.Info("shutdown complete")
	})
}

// Stop 请求停止应用, 可重复调用
func (a *App) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}
