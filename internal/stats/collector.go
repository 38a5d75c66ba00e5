// Package stats 引擎性能统计
// 互斥锁保护的单调计数器与滑动平均，Snapshot返回一致性副本
package stats

import (
	"sync"
	"time"

	"defi-aggregator/trade-engine/internal/types"

	"github.com/shopspring/decimal"
)

// 滑动平均的平滑系数
const emaAlpha = 0.1

// Collector 统计收集器
type Collector struct {
	mu    sync.RWMutex
	stats types.PerformanceStats
}

// NewCollector 创建统计收集器
func NewCollector() *Collector {
	return &Collector{
		stats: types.PerformanceStats{
			TotalSavings:  decimal.Zero,
			SourceLatency: make(map[string]time.Duration),
		},
	}
}

// RecordGather 记录一轮聚合
// savings为胜出报价相对最差成功报价的差额(无第二个报价时为零)
func (c *Collector) RecordGather(perf *types.GatherPerformance, savings decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.QuotesRequested += int64(perf.SourcesQueried)
	c.stats.QuotesSucceeded += int64(perf.SourcesSucceed)
	c.stats.AggregationsServed++
	c.stats.TotalSavings = c.stats.TotalSavings.Add(savings)
	c.stats.AvgGatherTime = ema(c.stats.AvgGatherTime, perf.TotalDuration)
	c.stats.LastRequestTime = time.Now()
}

// RecordSourceLatency 记录单个报价源的响应延迟(滑动平均)
func (c *Collector) RecordSourceLatency(sourceID string, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.SourceLatency[sourceID] = ema(c.stats.SourceLatency[sourceID], latency)
}

// RecordExecution 记录一次执行结果
func (c *Collector) RecordExecution(succeeded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if succeeded {
		c.stats.ExecutionsSucceeded++
	} else {
		c.stats.ExecutionsFailed++
	}
}

// Snapshot 返回当前统计的一致性副本
func (c *Collector) Snapshot() types.PerformanceStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snapshot := c.stats
	snapshot.SourceLatency = make(map[string]time.Duration, len(c.stats.SourceLatency))
	for id, latency := range c.stats.SourceLatency {
		snapshot.SourceLatency[id] = latency
	}
	return snapshot
}

// ema 指数滑动平均，首个样本直接采纳
func ema(current, sample time.Duration) time.Duration {
	if current == 0 {
		return sample
	}
	return time.Duration(float64(current)*(1-emaAlpha) + float64(sample)*emaAlpha)
}
