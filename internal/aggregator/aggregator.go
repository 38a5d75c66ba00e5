// Package aggregator 报价聚合器
// 对候选报价源并行扇出报价请求，在全局超时内收敛为带风险评估的报价集合
// 单个报价源的失败或挂起永远不会阻塞整轮聚合
package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"defi-aggregator/trade-engine/internal/adapters"
	"defi-aggregator/trade-engine/internal/registry"
	"defi-aggregator/trade-engine/internal/risk"
	"defi-aggregator/trade-engine/internal/types"

	"github.com/sirupsen/logrus"
)

// Outcome 单轮聚合产出
type Outcome struct {
	Quotes      []types.RatedQuote      // 成功报价(按到达顺序，ArrivalIndex已赋值)
	Performance types.GatherPerformance // 性能指标
	Warnings    []string                // 失败报价源的说明(非致命)
}

// fetchResult 扇出goroutine回传的单源结果
type fetchResult struct {
	sourceID string
	quote    *types.Quote
	err      error
	latency  time.Duration
}

// Aggregator 报价聚合器
// 适配器按报价源ID缓存，注册表重载后调用ResetAdapters重建
type Aggregator struct {
	registry *registry.Registry
	deps     adapters.Deps
	logger   *logrus.Logger

	mu       sync.RWMutex
	adapters map[string]adapters.Adapter
}

// New 创建报价聚合器
func New(reg *registry.Registry, deps adapters.Deps, logger *logrus.Logger) *Aggregator {
	return &Aggregator{
		registry: reg,
		deps:     deps,
		logger:   logger,
		adapters: make(map[string]adapters.Adapter),
	}
}

// Gather 并行获取并收敛报价
// 全局超时到达时放弃尚未返回的报价源，只要有一个成功报价即为成功
func (a *Aggregator) Gather(ctx context.Context, req *types.TradeRequest, strategy *types.ExecutionStrategy) (*Outcome, error) {
	startTime := time.Now()

	candidates := a.registry.CandidatesFor(req.NetworkID, strategy.Mode)
	if len(candidates) == 0 {
		// 区分"链不支持"与"该模式下无候选"
		if len(a.registry.CandidatesFor(req.NetworkID, types.ModeMetaAggregation)) == 0 {
			return nil, types.NewEngineError(types.ErrCodeUnsupportedChain,
				fmt.Sprintf("没有报价源支持链ID: %d", req.NetworkID))
		}
		return nil, types.NewEngineError(types.ErrCodeNoViableRoute,
			fmt.Sprintf("策略模式 %s 下没有候选报价源", strategy.Mode))
	}

	a.logger.Infof("[%s] 🚀 开始聚合: %s -> %s, 数量=%s, 模式=%s, 候选=%d",
		req.RequestID, req.TokenIn, req.TokenOut, req.AmountIn.String(), strategy.Mode, len(candidates))

	gctx, cancel := context.WithTimeout(ctx, strategy.GlobalTimeout)
	defer cancel()

	// 缓冲通道容量等于候选数，迟到的goroutine写入后自然退出，不会泄漏
	resultCh := make(chan fetchResult, len(candidates))
	for _, desc := range candidates {
		go a.fetchOne(gctx, desc, req, strategy.QuoteTimeoutPerSource, resultCh)
	}

	outcome := a.collect(gctx, req, resultCh, len(candidates))
	outcome.Performance.TotalDuration = time.Since(startTime)
	outcome.Performance.SourcesQueried = len(candidates)

	if len(outcome.Quotes) == 0 {
		a.logger.Warnf("[%s] ❌ 聚合失败: %d 个报价源全部未能给出报价", req.RequestID, len(candidates))
		return nil, &types.EngineError{
			Code:    types.ErrCodeNoViableRoute,
			Message: "所有报价源均未能给出可用报价",
			Details: map[string]interface{}{"failures": outcome.Warnings},
		}
	}

	a.logger.Infof("[%s] 🎉 聚合完成: %d/%d 个报价源成功, 耗时=%v",
		req.RequestID, len(outcome.Quotes), len(candidates), outcome.Performance.TotalDuration)
	return outcome, nil
}

// fetchOne 单个报价源的获取goroutine
// 源级超时由派生上下文强制，结果总是写入缓冲通道
func (a *Aggregator) fetchOne(gctx context.Context, desc *types.SourceDescriptor, req *types.TradeRequest, perSource time.Duration, out chan<- fetchResult) {
	sctx, cancel := context.WithTimeout(gctx, perSource)
	defer cancel()

	startTime := time.Now()
	adapter, err := a.adapterFor(desc)
	if err != nil {
		out <- fetchResult{sourceID: desc.ID, err: err, latency: time.Since(startTime)}
		return
	}

	quote, err := adapter.FetchQuote(sctx, req)
	out <- fetchResult{sourceID: desc.ID, quote: quote, err: err, latency: time.Since(startTime)}
}

// collect 合并点：按到达顺序收集结果直到全部返回或全局超时
// ArrivalIndex在此处对成功报价单调赋值
func (a *Aggregator) collect(gctx context.Context, req *types.TradeRequest, resultCh <-chan fetchResult, expected int) *Outcome {
	outcome := &Outcome{}
	var fastest, slowest fetchResult
	var totalLatency time.Duration
	received := 0

	for received < expected {
		select {
		case res := <-resultCh:
			received++
			if res.err != nil {
				a.logger.Warnf("[%s] ⚠️ 报价源 %s 失败: %v", req.RequestID, res.sourceID, res.err)
				outcome.Warnings = append(outcome.Warnings,
					fmt.Sprintf("报价源 %s: %s", res.sourceID, res.err.Error()))
				continue
			}

			res.quote.ArrivalIndex = len(outcome.Quotes)
			outcome.Quotes = append(outcome.Quotes, types.RatedQuote{
				Quote: res.quote,
				Risk:  risk.Assess(res.quote),
			})
			totalLatency += res.latency
			if fastest.sourceID == "" || res.latency < fastest.latency {
				fastest = res
			}
			if slowest.sourceID == "" || res.latency > slowest.latency {
				slowest = res
			}
			a.logger.Debugf("[%s] ✅ 报价源 %s: amountOut=%s, gas=%d, 耗时=%v",
				req.RequestID, res.sourceID, res.quote.AmountOut.String(), res.quote.GasEstimate, res.latency)

		case <-gctx.Done():
			// 全局超时：放弃剩余报价源，已收到的报价照常参与选择
			a.logger.Warnf("[%s] ⚠️ 全局聚合超时, %d/%d 个报价源未返回",
				req.RequestID, expected-received, expected)
			outcome.Warnings = append(outcome.Warnings,
				fmt.Sprintf("全局超时: %d 个报价源未在期限内返回", expected-received))
			a.finalizePerformance(outcome, fastest, slowest, totalLatency)
			return outcome
		}
	}

	a.finalizePerformance(outcome, fastest, slowest, totalLatency)
	return outcome
}

// finalizePerformance 汇总性能指标
func (a *Aggregator) finalizePerformance(outcome *Outcome, fastest, slowest fetchResult, totalLatency time.Duration) {
	outcome.Performance.SourcesSucceed = len(outcome.Quotes)
	outcome.Performance.FastestSource = fastest.sourceID
	outcome.Performance.SlowestSource = slowest.sourceID
	if len(outcome.Quotes) > 0 {
		outcome.Performance.AvgResponseTime = totalLatency / time.Duration(len(outcome.Quotes))
	}
}

// ========================================
// 适配器管理
// ========================================

// adapterFor 按报价源ID获取(或创建)适配器
func (a *Aggregator) adapterFor(desc *types.SourceDescriptor) (adapters.Adapter, error) {
	a.mu.RLock()
	adapter, ok := a.adapters[desc.ID]
	a.mu.RUnlock()
	if ok {
		return adapter, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if adapter, ok := a.adapters[desc.ID]; ok {
		return adapter, nil
	}
	adapter, err := adapters.New(desc, a.deps)
	if err != nil {
		return nil, err
	}
	a.adapters[desc.ID] = adapter
	return adapter, nil
}

// AdapterFor 按报价源ID获取适配器(供引擎在执行阶段复用)
func (a *Aggregator) AdapterFor(sourceID string) (adapters.Adapter, error) {
	desc, ok := a.registry.Get(sourceID)
	if !ok {
		return nil, types.NewEngineError(types.ErrCodeInvalidRequest,
			fmt.Sprintf("未知报价源: %s", sourceID))
	}
	return a.adapterFor(desc)
}

// ResetAdapters 清空适配器缓存(注册表重载后调用)
func (a *Aggregator) ResetAdapters() {
	a.mu.Lock()
	a.adapters = make(map[string]adapters.Adapter)
	a.mu.Unlock()
}

// HealthStatus 报价源健康状态
type HealthStatus struct {
	SourceID string `json:"source_id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Enabled  bool   `json:"enabled"`
	Healthy  bool   `json:"healthy"`
	Error    string `json:"error,omitempty"`
}

// CheckSources 并行探测全部启用报价源的健康状态
func (a *Aggregator) CheckSources(ctx context.Context) []HealthStatus {
	descs := a.registry.All()
	statuses := make([]HealthStatus, len(descs))

	var wg sync.WaitGroup
	for i, desc := range descs {
		statuses[i] = HealthStatus{
			SourceID: desc.ID,
			Name:     desc.Name,
			Kind:     string(desc.Kind),
			Enabled:  desc.Enabled,
		}
		if !desc.Enabled {
			continue
		}

		wg.Add(1)
		go func(i int, desc *types.SourceDescriptor) {
			defer wg.Done()
			adapter, err := a.adapterFor(desc)
			if err == nil {
				err = adapter.HealthCheck(ctx)
			}
			if err != nil {
				statuses[i].Error = err.Error()
				return
			}
			statuses[i].Healthy = true
		}(i, desc)
	}
	wg.Wait()
	return statuses
}
