// Package engine 元聚合交易引擎门面
// 串联聚合、风险评估、路由选择、执行与统计；对外暴露报价/执行/统计三个操作
// 聚合结果的至多一次执行由引擎内部的结果台账保证
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"defi-aggregator/trade-engine/internal/adapters"
	"defi-aggregator/trade-engine/internal/aggregator"
	"defi-aggregator/trade-engine/internal/chain"
	"defi-aggregator/trade-engine/internal/registry"
	"defi-aggregator/trade-engine/internal/selector"
	"defi-aggregator/trade-engine/internal/stats"
	"defi-aggregator/trade-engine/internal/types"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// 台账条目默认保留时长
const defaultResultRetention = 5 * time.Minute

// Gatherer 报价聚合协作方
type Gatherer interface {
	Gather(ctx context.Context, req *types.TradeRequest, strategy *types.ExecutionStrategy) (*aggregator.Outcome, error)
	AdapterFor(sourceID string) (adapters.Adapter, error)
}

// swapTxBuilder 能够按需构造交易载荷的适配器(外部聚合器)
type swapTxBuilder interface {
	BuildSwapTx(ctx context.Context, req *types.TradeRequest, maxSlippagePercent decimal.Decimal) (*chain.UnsignedTx, error)
}

// TradeExecutor 交易执行协作方
type TradeExecutor interface {
	Precheck(quote *types.Quote, strategy *types.ExecutionStrategy) error
	Execute(ctx context.Context, req *types.TradeRequest, quote *types.Quote, desc *types.SourceDescriptor, strategy *types.ExecutionStrategy, recipient string) (*types.TradeResult, error)
}

// QuoteCache 聚合结果缓存协作方
type QuoteCache interface {
	QuoteKey(networkID uint, tokenIn, tokenOut string, amountIn decimal.Decimal, strategy *types.ExecutionStrategy) string
	GetAggregation(ctx context.Context, key string) (*types.AggregationResult, bool)
	SetAggregation(ctx context.Context, key string, result *types.AggregationResult)
}

// ledgerEntry 结果台账条目
type ledgerEntry struct {
	result   *types.AggregationResult
	request  *types.TradeRequest
	strategy *types.ExecutionStrategy
	consumed bool
	storedAt time.Time
}

// MetaTradingEngine 元聚合交易引擎
type MetaTradingEngine struct {
	cfg      *types.EngineConfig
	registry *registry.Registry
	gatherer Gatherer
	executor TradeExecutor
	cache    QuoteCache // 可为nil(缓存禁用)
	stats    *stats.Collector
	logger   *logrus.Logger

	mu     sync.Mutex
	ledger map[string]*ledgerEntry
}

// New 创建元聚合交易引擎
func New(cfg *types.EngineConfig, reg *registry.Registry, gatherer Gatherer, exec TradeExecutor, cache QuoteCache, collector *stats.Collector, logger *logrus.Logger) *MetaTradingEngine {
	return &MetaTradingEngine{
		cfg:      cfg,
		registry: reg,
		gatherer: gatherer,
		executor: exec,
		cache:    cache,
		stats:    collector,
		logger:   logger,
		ledger:   make(map[string]*ledgerEntry),
	}
}

// ========================================
// 报价操作
// ========================================

// Quote 执行一轮完整的报价聚合与路由选择
func (e *MetaTradingEngine) Quote(ctx context.Context, req *types.TradeRequest, strategy *types.ExecutionStrategy) (*types.AggregationResult, error) {
	if err := e.validateRequest(req); err != nil {
		return nil, err
	}
	strategy = e.normalizeStrategy(strategy)
	if strategy.Mode == types.ModeMetaAggregation && !e.cfg.EnableMetaAggregation {
		return nil, types.NewEngineError(types.ErrCodeInvalidRequest, "元聚合模式未启用")
	}

	// 缓存读穿：命中时跳过扇出，结果挂到当前请求ID下仍可执行
	var cacheKey string
	if e.cache != nil && !strategy.DisableCache {
		cacheKey = e.cache.QuoteKey(req.NetworkID, req.TokenIn, req.TokenOut, req.AmountIn, strategy)
		if cached, ok := e.cache.GetAggregation(ctx, cacheKey); ok {
			e.logger.Infof("[%s] 📋 报价缓存命中", req.RequestID)
			result := *cached
			result.RequestID = req.RequestID
			result.CacheHit = true
			e.store(req, strategy, &result)
			return &result, nil
		}
	}

	outcome, err := e.gatherer.Gather(ctx, req, strategy)
	if err != nil {
		return nil, err
	}

	selection, err := selector.Select(outcome.Quotes, strategy)
	if err != nil {
		return nil, err
	}

	result := &types.AggregationResult{
		RequestID:      req.RequestID,
		NetworkID:      req.NetworkID,
		TokenIn:        req.TokenIn,
		TokenOut:       req.TokenOut,
		AmountIn:       req.AmountIn,
		Quotes:         outcome.Quotes,
		BestQuote:      selection.Best.Quote,
		Recommendation: selection.Recommendation,
		Performance:    outcome.Performance,
		CreatedAt:      time.Now(),
		Warnings:       append(outcome.Warnings, selection.Warnings...),
	}

	e.recordGatherStats(outcome, selection)
	e.store(req, strategy, result)

	if cacheKey != "" {
		e.cache.SetAggregation(ctx, cacheKey, result)
	}
	return result, nil
}

// validateRequest 请求校验
func (e *MetaTradingEngine) validateRequest(req *types.TradeRequest) error {
	if req.RequestID == "" {
		return types.NewEngineError(types.ErrCodeInvalidRequest, "request_id不能为空")
	}
	if req.TokenIn == "" || req.TokenOut == "" {
		return types.NewEngineError(types.ErrCodeInvalidRequest, "token_in与token_out不能为空")
	}
	if req.TokenIn == req.TokenOut {
		return types.NewEngineError(types.ErrCodeInvalidRequest, "token_in与token_out不能相同")
	}
	if req.AmountIn.LessThanOrEqual(decimal.Zero) {
		return types.NewEngineError(types.ErrCodeInvalidRequest, "amount_in必须为正")
	}
	return nil
}

// normalizeStrategy 用引擎配置补齐策略缺省值
func (e *MetaTradingEngine) normalizeStrategy(strategy *types.ExecutionStrategy) *types.ExecutionStrategy {
	s := *strategy
	if s.Mode == "" {
		if e.cfg.EnableMetaAggregation {
			s.Mode = types.ModeMetaAggregation
		} else {
			s.Mode = types.ModeDirectDex
		}
	}
	if s.QuoteTimeoutPerSource <= 0 {
		s.QuoteTimeoutPerSource = e.cfg.QuoteTimeoutPerSource
	}
	if s.GlobalTimeout <= 0 {
		s.GlobalTimeout = e.cfg.GlobalTimeout
	}
	if s.MaxQuoteAge <= 0 {
		s.MaxQuoteAge = e.cfg.MaxQuoteAge
	}
	if s.MaxSlippagePercent.LessThanOrEqual(decimal.Zero) {
		s.MaxSlippagePercent = e.cfg.MaxSlippagePercent
	}
	if s.MinQuorum <= 0 {
		s.MinQuorum = e.cfg.MinQuorum
	}
	return &s
}

// recordGatherStats 更新聚合统计
// 节省额 = 胜出报价与最差成功报价的输出差(至少两个报价时)
func (e *MetaTradingEngine) recordGatherStats(outcome *aggregator.Outcome, selection *selector.Selection) {
	savings := decimal.Zero
	if len(outcome.Quotes) >= 2 {
		worst := outcome.Quotes[0].Quote.AmountOut
		for _, rq := range outcome.Quotes[1:] {
			if rq.Quote.AmountOut.LessThan(worst) {
				worst = rq.Quote.AmountOut
			}
		}
		if selection.Best.Quote.AmountOut.GreaterThan(worst) {
			savings = selection.Best.Quote.AmountOut.Sub(worst)
		}
	}
	e.stats.RecordGather(&outcome.Performance, savings)
	for _, rq := range outcome.Quotes {
		e.stats.RecordSourceLatency(rq.Quote.SourceID, rq.Quote.Latency)
	}
}

// ========================================
// 执行操作
// ========================================

// Execute 执行聚合结果中的报价
// sourceID为空时执行胜出报价；指定时在结果的全部报价中挑选，调用方明确选择即视为确认
// 前置校验失败不消费台账条目，可重新报价后再试；消费标记先于链上提交
func (e *MetaTradingEngine) Execute(ctx context.Context, requestID, sourceID, recipient string) (*types.TradeResult, error) {
	entry, err := e.lookup(requestID)
	if err != nil {
		return nil, err
	}

	chosen, err := e.chooseQuote(entry, requestID, sourceID)
	if err != nil {
		return nil, err
	}
	if err := e.executor.Precheck(chosen, entry.strategy); err != nil {
		return nil, err
	}

	// 至多一次：原子地标记消费，并发执行只有一个能通过
	if err := e.consume(requestID); err != nil {
		return nil, err
	}

	desc, ok := e.registry.Get(chosen.SourceID)
	if !ok {
		e.stats.RecordExecution(false)
		return nil, types.NewEngineError(types.ErrCodeInternal,
			fmt.Sprintf("选中的报价源 %s 已不在注册表中", chosen.SourceID))
	}

	quote := *chosen
	if desc.Kind == types.KindExternalAggregator && quote.CallData == "" {
		if err := e.refreshCallData(ctx, entry, &quote); err != nil {
			e.stats.RecordExecution(false)
			return nil, err
		}
	}

	result, err := e.executor.Execute(ctx, entry.request, &quote, desc, entry.strategy, recipient)
	e.stats.RecordExecution(err == nil && result != nil && result.FailureReason == "")
	return result, err
}

// chooseQuote 确定本次执行的报价
// 胜出报价受执行建议约束；调用方指定报价源时跳过建议闸门，仅保留前置校验
func (e *MetaTradingEngine) chooseQuote(entry *ledgerEntry, requestID, sourceID string) (*types.Quote, error) {
	if sourceID == "" {
		best := entry.result.BestQuote
		if best == nil {
			return nil, types.NewEngineError(types.ErrCodeNoViableRoute, "聚合结果中没有可执行报价")
		}
		if !entry.result.Recommendation.ShouldExecute {
			return nil, &types.EngineError{
				Code:    types.ErrCodeExecutionFailed,
				Message: "执行建议为不执行: " + entry.result.Recommendation.Rationale,
			}
		}
		return best, nil
	}

	for _, rq := range entry.result.Quotes {
		if rq.Quote.SourceID == sourceID {
			return rq.Quote, nil
		}
	}
	return nil, types.NewEngineError(types.ErrCodeInvalidRequest,
		fmt.Sprintf("报价源 %s 不在聚合结果 %s 中", sourceID, requestID))
}

// refreshCallData 外部聚合器报价未附带calldata时，执行前调用其swap接口补齐
func (e *MetaTradingEngine) refreshCallData(ctx context.Context, entry *ledgerEntry, quote *types.Quote) error {
	adapter, err := e.gatherer.AdapterFor(quote.SourceID)
	if err != nil {
		return err
	}
	builder, ok := adapter.(swapTxBuilder)
	if !ok {
		return types.NewEngineError(types.ErrCodeExecutionFailed,
			fmt.Sprintf("报价源 %s 不支持构造交易载荷", quote.SourceID))
	}

	tx, err := builder.BuildSwapTx(ctx, entry.request, entry.strategy.MaxSlippagePercent)
	if err != nil {
		return err
	}
	quote.CallData = tx.Data
	quote.To = tx.To
	if tx.GasLimit > 0 {
		quote.GasEstimate = tx.GasLimit
	}
	return nil
}

// ========================================
// 结果台账
// ========================================

// store 登记聚合结果并清理过期条目
func (e *MetaTradingEngine) store(req *types.TradeRequest, strategy *types.ExecutionStrategy, result *types.AggregationResult) {
	retention := e.cfg.ResultRetention
	if retention <= 0 {
		retention = defaultResultRetention
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, entry := range e.ledger {
		if time.Since(entry.storedAt) > retention {
			delete(e.ledger, id)
		}
	}
	e.ledger[req.RequestID] = &ledgerEntry{
		result:   result,
		request:  req,
		strategy: strategy,
		storedAt: time.Now(),
	}
}

// lookup 查找台账条目
func (e *MetaTradingEngine) lookup(requestID string) (*ledgerEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.ledger[requestID]
	if !ok {
		return nil, types.NewEngineError(types.ErrCodeInvalidRequest,
			fmt.Sprintf("未知或已过期的请求ID: %s", requestID))
	}
	if entry.consumed {
		return nil, types.NewEngineError(types.ErrCodeAlreadyExecuted,
			fmt.Sprintf("聚合结果 %s 已被执行消费", requestID))
	}
	return entry, nil
}

// consume 原子消费台账条目
func (e *MetaTradingEngine) consume(requestID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.ledger[requestID]
	if !ok {
		return types.NewEngineError(types.ErrCodeInvalidRequest,
			fmt.Sprintf("未知或已过期的请求ID: %s", requestID))
	}
	if entry.consumed {
		return types.NewEngineError(types.ErrCodeAlreadyExecuted,
			fmt.Sprintf("聚合结果 %s 已被执行消费", requestID))
	}
	entry.consumed = true
	return nil
}

// ========================================
// 统计与维护
// ========================================

// Stats 返回引擎性能统计快照
func (e *MetaTradingEngine) Stats() types.PerformanceStats {
	return e.stats.Snapshot()
}

// DefaultStrategy 返回基于引擎配置的默认执行策略
func (e *MetaTradingEngine) DefaultStrategy() *types.ExecutionStrategy {
	return e.normalizeStrategy(&types.ExecutionStrategy{
		PreferSpeedOverSavings: !e.cfg.PrioritizeSavings,
	})
}
