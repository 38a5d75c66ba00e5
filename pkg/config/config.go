// Package config 交易引擎服务配置管理
// 从环境变量和.env文件加载配置，缺失项使用保守默认值
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"defi-aggregator/trade-engine/internal/types"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Load 加载交易引擎服务配置
// 返回:
//   - *types.Config: 完整的服务配置
//   - error: 配置加载或验证错误
func Load() (*types.Config, error) {
	// 尝试加载.env文件
	if err := godotenv.Load(); err != nil {
		logrus.Info("未找到.env文件，使用环境变量配置")
	}

	config := &types.Config{
		Server: types.ServerConfig{
			Port:        getEnvAsInt("PORT", 0),  // 必填
			Environment: getEnv("APP_ENV", ""),   // 必填
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			Debug:       getEnvAsBool("DEBUG", false),
		},
		Redis: types.RedisConfig{
			Host:     getEnv("REDIS_HOST", ""),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB_TRADE_ENGINE", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		Cache: types.CacheConfig{
			Enabled:    getEnvAsBool("QUOTE_CACHE_ENABLED", true),
			DefaultTTL: getEnvAsDuration("QUOTE_CACHE_TTL", 5*time.Second),
			PrefixKey:  getEnv("CACHE_PREFIX", "trade_engine"),
		},
		Engine: types.EngineConfig{
			RegistryPath:          getEnv("SOURCE_REGISTRY_PATH", ""), // 必填
			SignerURL:             getEnv("SIGNER_URL", ""),           // 为空则禁用执行
			QuoteTimeoutPerSource: getEnvAsDuration("QUOTE_TIMEOUT_PER_SOURCE", 3*time.Second),
			GlobalTimeout:         getEnvAsDuration("GLOBAL_QUOTE_TIMEOUT", 5*time.Second),
			MaxQuoteAge:           getEnvAsDuration("MAX_QUOTE_AGE", 30*time.Second),
			MaxSlippagePercent:    decimal.NewFromFloat(getEnvAsFloat("MAX_SLIPPAGE_PERCENT", 1.0)),
			MinQuorum:             getEnvAsInt("META_MIN_QUORUM", 2),
			PrioritizeSavings:     getEnvAsBool("PRIORITIZE_SAVINGS", true),
			EnableMetaAggregation: getEnvAsBool("ENABLE_META_AGGREGATION", true),
			ResultRetention:       getEnvAsDuration("RESULT_RETENTION", 5*time.Minute),
		},
		Monitoring: types.MonitoringConfig{
			MetricsEnabled:  getEnvAsBool("METRICS_ENABLED", true),
			HealthCheckPath: getEnv("HEALTH_CHECK_PATH", "/health"),
		},
	}

	// 验证配置
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return config, nil
}

// validateConfig 验证配置的必填项与取值范围
func validateConfig(cfg *types.Config) error {
	if cfg.Server.Port == 0 {
		return fmt.Errorf("PORT环境变量是必填项")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("无效的端口号: %d", cfg.Server.Port)
	}
	if cfg.Server.Environment == "" {
		return fmt.Errorf("APP_ENV环境变量是必填项")
	}

	if cfg.Engine.RegistryPath == "" {
		return fmt.Errorf("SOURCE_REGISTRY_PATH环境变量是必填项")
	}
	if cfg.Engine.QuoteTimeoutPerSource > cfg.Engine.GlobalTimeout {
		return fmt.Errorf("单源超时不能大于全局超时")
	}
	if cfg.Engine.MaxSlippagePercent.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("MAX_SLIPPAGE_PERCENT必须为正")
	}
	if cfg.Engine.MinQuorum < 1 {
		return fmt.Errorf("META_MIN_QUORUM必须不小于1")
	}

	if cfg.Cache.Enabled && cfg.Redis.Host == "" {
		return fmt.Errorf("启用报价缓存时REDIS_HOST环境变量是必填项")
	}

	return nil
}

// ========================================
// 环境变量辅助函数
// ========================================

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
		logrus.Warnf("无法解析环境变量 %s 为整数，使用默认值 %d", key, defaultValue)
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
		logrus.Warnf("无法解析环境变量 %s 为布尔值，使用默认值 %t", key, defaultValue)
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		logrus.Warnf("无法解析环境变量 %s 为时间间隔，使用默认值 %v", key, defaultValue)
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
		logrus.Warnf("无法解析环境变量 %s 为浮点数，使用默认值 %f", key, defaultValue)
	}
	return defaultValue
}
