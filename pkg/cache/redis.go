// Package cache Redis报价缓存
// 聚合结果的读穿缓存：键由链ID、交易对、数量与选择相关的策略字段规范化派生
// 缓存不可用时引擎降级为直查，不影响正确性
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"defi-aggregator/trade-engine/internal/types"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Manager Redis缓存管理器
type Manager struct {
	client *redis.Client
	cfg    types.CacheConfig
	logger *logrus.Logger
}

// New 创建缓存管理器并验证连通性
func New(redisCfg types.RedisConfig, cacheCfg types.CacheConfig, logger *logrus.Logger) (*Manager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", redisCfg.Host, redisCfg.Port),
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
		PoolSize: redisCfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Redis连接失败: %w", err)
	}

	logger.Infof("🔗 Redis连接成功: %s:%d/db%d", redisCfg.Host, redisCfg.Port, redisCfg.DB)
	return &Manager{client: client, cfg: cacheCfg, logger: logger}, nil
}

// QuoteKey 聚合结果的缓存键
// 代币地址小写规范化；选择相关的策略字段全部参与键派生，
// 不同滑点容忍或优选偏好的调用方不会命中彼此的缓存
func (m *Manager) QuoteKey(networkID uint, tokenIn, tokenOut string, amountIn decimal.Decimal, strategy *types.ExecutionStrategy) string {
	return fmt.Sprintf("%s:quote:%d:%s:%s:%s:%s:%s:%t:%s",
		m.cfg.PrefixKey, networkID,
		strings.ToLower(tokenIn), strings.ToLower(tokenOut),
		amountIn.String(), strategy.Mode,
		strategy.MaxSlippagePercent.String(),
		strategy.PreferSpeedOverSavings,
		strategy.MinSavingsThresholdPercent.String())
}

// GetAggregation 读取缓存的聚合结果
// 未命中、损坏或Redis故障统一视为未命中
func (m *Manager) GetAggregation(ctx context.Context, key string) (*types.AggregationResult, bool) {
	data, err := m.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		m.logger.Warnf("⚠️ 缓存读取失败: %v", err)
		return nil, false
	}

	var result types.AggregationResult
	if err := json.Unmarshal(data, &result); err != nil {
		m.logger.Warnf("⚠️ 缓存数据损坏, 已忽略: %v", err)
		return nil, false
	}
	return &result, true
}

// SetAggregation 写入聚合结果
// 写入失败仅记录日志，不影响主流程
func (m *Manager) SetAggregation(ctx context.Context, key string, result *types.AggregationResult) {
	data, err := json.Marshal(result)
	if err != nil {
		m.logger.Warnf("⚠️ 缓存序列化失败: %v", err)
		return
	}

	ttl := m.cfg.DefaultTTL
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	if err := m.client.Set(ctx, key, data, ttl).Err(); err != nil {
		m.logger.Warnf("⚠️ 缓存写入失败: %v", err)
	}
}

// Healthy 检查Redis连通性
func (m *Manager) Healthy(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close 关闭Redis连接
func (m *Manager) Close() error {
	return m.client.Close()
}
