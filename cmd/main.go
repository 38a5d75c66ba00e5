// 元聚合交易路由引擎主程序
// 负责装配注册表、报价聚合器、路由选择、执行器与HTTP服务
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"defi-aggregator/trade-engine/internal/adapters"
	"defi-aggregator/trade-engine/internal/aggregator"
	"defi-aggregator/trade-engine/internal/chain"
	"defi-aggregator/trade-engine/internal/engine"
	"defi-aggregator/trade-engine/internal/executor"
	"defi-aggregator/trade-engine/internal/handlers"
	"defi-aggregator/trade-engine/internal/ratelimit"
	"defi-aggregator/trade-engine/internal/registry"
	"defi-aggregator/trade-engine/internal/stats"
	"defi-aggregator/trade-engine/internal/types"
	"defi-aggregator/trade-engine/pkg/cache"
	"defi-aggregator/trade-engine/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Application 交易引擎应用程序
type Application struct {
	Config  *types.Config            // 应用配置
	Cache   *cache.Manager           // 缓存管理器(可为nil)
	Evm     *chain.EvmClient         // 链上协作方
	Engine  *engine.MetaTradingEngine // 交易引擎
	Handler *handlers.EngineHandler  // HTTP处理器
	Server  *http.Server             // HTTP服务器
	Logger  *logrus.Logger           // 日志记录器
}

// main 主函数
func main() {
	app, err := NewApplication()
	if err != nil {
		logrus.Fatalf("创建交易引擎应用失败: %v", err)
	}

	if err := app.Run(); err != nil {
		logrus.Fatalf("运行交易引擎应用失败: %v", err)
	}
}

// NewApplication 创建交易引擎应用实例
func NewApplication() (*Application, error) {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}

	// 2. 初始化日志记录器
	logger := initLogger(cfg)
	logger.Infof("🚀 启动元聚合交易路由引擎 - 环境: %s", cfg.Server.Environment)

	// 3. 加载报价源注册表
	logger.Infof("加载报价源注册表: %s", cfg.Engine.RegistryPath)
	reg, err := registry.Load(cfg.Engine.RegistryPath, logger)
	if err != nil {
		return nil, fmt.Errorf("注册表加载失败: %w", err)
	}

	// 4. 初始化缓存管理器(失败时降级为无缓存)
	var cacheManager *cache.Manager
	if cfg.Cache.Enabled {
		logger.Info("初始化Redis报价缓存...")
		cacheManager, err = cache.New(cfg.Redis, cfg.Cache, logger)
		if err != nil {
			logger.Warnf("⚠️ 缓存初始化失败, 降级为无缓存运行: %v", err)
			cacheManager = nil
		}
	}

	// 5. 初始化链上协作方与聚合器
	evm, err := chain.NewEvmClient(reg.Networks(), logger)
	if err != nil {
		return nil, fmt.Errorf("链上协作方初始化失败: %w", err)
	}
	limiter := ratelimit.NewLimiter(logger)
	agg := aggregator.New(reg, adapters.Deps{
		Limiter:   limiter,
		Simulator: evm,
		Logger:    logger,
	}, logger)

	// 6. 初始化执行器(未配置签名服务时执行被禁用)
	var submitter chain.TxSubmitter
	if cfg.Engine.SignerURL != "" {
		submitter = chain.NewRemoteSigner(cfg.Engine.SignerURL, 30*time.Second, logger)
	} else {
		logger.Warn("⚠️ 未配置SIGNER_URL, 执行功能已禁用")
	}
	exec := executor.New(submitter, evm, logger)

	// 7. 装配引擎
	collector := stats.NewCollector()
	var quoteCache engine.QuoteCache
	if cacheManager != nil {
		quoteCache = cacheManager
	}
	eng := engine.New(&cfg.Engine, reg, agg, exec, quoteCache, collector, logger)

	// 8. HTTP层
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	handler := handlers.NewEngineHandler(eng, agg, reg, logger)
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	handler.RegisterRoutes(router)

	server := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	return &Application{
		Config:  cfg,
		Cache:   cacheManager,
		Evm:     evm,
		Engine:  eng,
		Handler: handler,
		Server:  server,
		Logger:  logger,
	}, nil
}

// Run 启动应用程序并等待关闭信号
func (app *Application) Run() error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		app.Logger.Infof("交易引擎服务启动，监听端口: %s", app.Server.Addr)
		app.Logger.Info("API接口:")
		app.Logger.Info("  报价聚合: POST /api/v1/quote")
		app.Logger.Info("  交易执行: POST /api/v1/execute")
		app.Logger.Info("  性能统计: GET  /api/v1/stats")
		app.Logger.Info("  报价源状态: GET  /api/v1/sources/status")
		app.Logger.Info("  健康检查: GET  /health")

		if err := app.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.Logger.Fatalf("HTTP服务器启动失败: %v", err)
		}
	}()

	<-quit
	app.Logger.Info("接收到关闭信号，开始优雅关闭...")
	return app.Shutdown()
}

// Shutdown 优雅关闭应用程序
func (app *Application) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	app.Logger.Info("正在关闭HTTP服务器...")
	if err := app.Server.Shutdown(ctx); err != nil {
		app.Logger.Errorf("HTTP服务器关闭失败: %v", err)
		return err
	}

	if app.Cache != nil {
		app.Logger.Info("正在关闭缓存连接...")
		if err := app.Cache.Close(); err != nil {
			app.Logger.Errorf("缓存关闭失败: %v", err)
		}
	}

	app.Logger.Info("正在关闭链上连接...")
	app.Evm.Close()

	app.Logger.Info("交易引擎服务已优雅关闭")
	return nil
}

// initLogger 初始化日志记录器
func initLogger(cfg *types.Config) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Server.Environment == "production" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
			ForceColors:     true,
		})
	}

	return logger
}
