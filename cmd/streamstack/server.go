package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/streamstack/api/handlers"
	"github.com/BaSui01/streamstack/config"
	"github.com/BaSui01/streamstack/internal/kv"
	"github.com/BaSui01/streamstack/internal/metrics"
	"github.com/BaSui01/streamstack/internal/server"
	"github.com/BaSui01/streamstack/internal/telemetry"
	"github.com/BaSui01/streamstack/llm"
	"github.com/BaSui01/streamstack/llm/providers"
	_ "github.com/BaSui01/streamstack/llm/providers/openai"
	_ "github.com/BaSui01/streamstack/llm/providers/vllm"
	"github.com/BaSui01/streamstack/queue"
	"github.com/BaSui01/streamstack/ratelimit"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 StreamStack 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 核心组件
	kvClient *kv.Client
	limiter  *ratelimit.Limiter
	provider llm.Provider

	// 异步模式组件
	requestQueue *queue.Queue
	workerPool   *queue.Pool
	poolCancel   context.CancelFunc
	poolDone     chan struct{}

	// Handlers
	healthHandler *handlers.HealthHandler
	chatHandler   *handlers.ChatHandler
	queueHandler  *handlers.QueueHandler
	modelsHandler *handlers.ModelsHandler

	// 指标收集器
	metricsCollector *metrics.Collector

	// 遥测
	otelProviders *telemetry.Providers

	// 洪泛保护生命周期管理
	floodGuardCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	return &Server{
		cfg:           cfg,
		logger:        logger,
		otelProviders: otelProviders,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.metricsCollector = metrics.NewCollector("streamstack", s.logger)

	// 2. 连接 KV 存储（队列与限流都依赖它）
	if err := s.initKV(); err != nil {
		return fmt.Errorf("failed to connect kv store: %w", err)
	}

	// 3. 初始化上游 Provider
	if err := s.initProvider(); err != nil {
		return fmt.Errorf("failed to init provider: %w", err)
	}

	// 4. 初始化限流器与队列
	s.initRateLimiter()
	if s.cfg.Queue.Async {
		s.initQueue()
	}

	// 5. 初始化 Handlers
	s.initHandlers()

	// 6. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 7. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("provider", s.cfg.Provider.Name),
		zap.Bool("async_queue", s.cfg.Queue.Async),
		zap.Bool("rate_limit_enabled", s.cfg.RateLimit.Enabled),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

func (s *Server) initKV() error {
	client, err := kv.NewClient(kv.Config{
		URL:          s.cfg.KV.URL,
		Addr:         s.cfg.KV.Addr,
		Password:     s.cfg.KV.Password,
		DB:           s.cfg.KV.DB,
		PoolSize:     s.cfg.KV.PoolSize,
		MinIdleConns: s.cfg.KV.MinIdleConns,
		MaxRetries:   s.cfg.KV.MaxRetries,
	}, s.logger)
	if err != nil {
		return err
	}

	s.kvClient = client
	return nil
}

func (s *Server) initProvider() error {
	inner, err := llm.NewProvider(s.cfg.Provider.Name, map[string]any{
		"api_key":       s.cfg.Provider.APIKey,
		"base_url":      s.cfg.Provider.BaseURL,
		"default_model": s.cfg.Provider.DefaultModel,
		"timeout":       s.cfg.Provider.Timeout,
		"logger":        s.logger,
	})
	if err != nil {
		return err
	}

	// 一元补全带指数退避重试，流式请求与 4xx 类错误不重试
	retryCfg := providers.DefaultRetryConfig()
	retryCfg.MaxRetries = s.cfg.Provider.MaxRetries
	s.provider = providers.NewRetryableProvider(inner, retryCfg, s.logger)

	s.logger.Info("Provider initialized",
		zap.String("provider", s.cfg.Provider.Name),
		zap.String("default_model", s.cfg.Provider.DefaultModel),
	)
	return nil
}

func (s *Server) initRateLimiter() {
	s.limiter = ratelimit.NewLimiter(s.kvClient, ratelimit.Config{
		Enabled:           s.cfg.RateLimit.Enabled,
		RequestsPerMinute: s.cfg.RateLimit.RequestsPerMinute,
		TokensPerMinute:   s.cfg.RateLimit.TokensPerMinute,
		BurstSize:         s.cfg.RateLimit.BurstSize,
	}, s.logger, s.metricsCollector)
}

func (s *Server) initQueue() {
	s.requestQueue = queue.New(s.cfg.Queue.Name, s.kvClient, queue.Config{
		MaxSize:         s.cfg.Queue.MaxSize,
		DefaultTimeout:  s.cfg.Queue.RequestTimeout,
		DequeueWait:     s.cfg.Queue.DequeueWait,
		CleanupInterval: s.cfg.Queue.CleanupInterval,
		ResultRetention: s.cfg.Queue.ResultRetention,
	}, s.logger, s.metricsCollector)
	s.requestQueue.Start()

	s.workerPool = queue.NewPool(s.requestQueue,
		func(ctx context.Context, item *queue.Item) (*llm.ChatResponse, error) {
			return s.provider.Completion(ctx, &item.Request)
		},
		queue.PoolConfig{
			Concurrency: s.cfg.Queue.Workers,
			DequeueWait: s.cfg.Queue.DequeueWait,
		}, s.logger)

	poolCtx, cancel := context.WithCancel(context.Background())
	s.poolCancel = cancel
	s.poolDone = make(chan struct{})
	go func() {
		defer close(s.poolDone)
		if err := s.workerPool.Run(poolCtx); err != nil && poolCtx.Err() == nil {
			s.logger.Error("worker pool exited", zap.Error(err))
		}
	}()

	s.logger.Info("Async queue started",
		zap.String("queue", s.cfg.Queue.Name),
		zap.Int("workers", s.cfg.Queue.Workers),
	)
}

func (s *Server) initHandlers() {
	// 健康检查 handler。就绪只看 KV：上游抖动不摘实例
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewKVHealthCheck("kv", s.kvClient.Ping))

	s.chatHandler = handlers.NewChatHandler(
		s.provider, s.limiter, s.requestQueue, s.cfg.Queue.Async,
		s.metricsCollector, s.logger)

	if s.requestQueue != nil {
		s.queueHandler = handlers.NewQueueHandler(s.requestQueue, s.logger)
	}

	s.modelsHandler = handlers.NewModelsHandler(s.provider, s.logger)

	s.logger.Info("Handlers initialized")
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查端点
	// ========================================
	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)

	// 版本信息端点
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// API 路由
	// ========================================
	mux.HandleFunc("/v1/chat/completions", s.chatHandler.HandleCompletion)
	mux.HandleFunc("/v1/models", s.modelsHandler.HandleModels)
	mux.HandleFunc("/v1/usage", s.modelsHandler.HandleUsage)

	if s.queueHandler != nil {
		mux.HandleFunc("/v1/queue/results/", s.queueHandler.HandleResult)
		mux.HandleFunc("/v1/queue/stats", s.queueHandler.HandleStats)
		s.logger.Info("Queue API routes registered")
	}

	// ========================================
	// 构建中间件链
	// ========================================
	floodCtx, floodCancel := context.WithCancel(context.Background())
	s.floodGuardCancel = floodCancel
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		CORS(s.cfg.Server.CORSOrigins),
		RequestLogger(s.logger),
		OTelTracing(),
		FloodGuard(floodCtx, s.cfg.Server.FloodRPS, s.cfg.Server.FloodBurst, s.logger),
		MetricsMiddleware(s.metricsCollector),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout, // 0 = unbounded, SSE 依赖它
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	s.registerShutdownHooks()

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// registerShutdownHooks 注册关闭钩子。监听器排空后按注册顺序执行:
// 先停工作池和队列，再断上游与 KV 连接，最后冲刷遥测。
func (s *Server) registerShutdownHooks() {
	s.httpManager.OnShutdown(func(ctx context.Context) error {
		if s.floodGuardCancel != nil {
			s.floodGuardCancel()
		}
		return nil
	})

	s.httpManager.OnShutdown(func(ctx context.Context) error {
		if s.poolCancel != nil {
			s.poolCancel()
			select {
			case <-s.poolDone:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	s.httpManager.OnShutdown(func(ctx context.Context) error {
		if s.requestQueue != nil {
			s.requestQueue.Stop()
		}
		return nil
	})

	s.httpManager.OnShutdown(func(ctx context.Context) error {
		if s.provider != nil {
			return s.provider.Close()
		}
		return nil
	})

	s.httpManager.OnShutdown(func(ctx context.Context) error {
		if s.kvClient != nil {
			return s.kvClient.Close()
		}
		return nil
	})
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	// httpManager 监听信号，排空后执行注册的关闭钩子
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 冲刷遥测
	if s.otelProviders != nil {
		if err := s.otelProviders.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
