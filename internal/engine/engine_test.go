package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"defi-aggregator/trade-engine/internal/adapters"
	"defi-aggregator/trade-engine/internal/aggregator"
	"defi-aggregator/trade-engine/internal/registry"
	"defi-aggregator/trade-engine/internal/stats"
	"defi-aggregator/trade-engine/internal/types"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// fakeGatherer 返回预置聚合产出的协作方
type fakeGatherer struct {
	outcome *aggregator.Outcome
	err     error
}

func (f *fakeGatherer) Gather(ctx context.Context, req *types.TradeRequest, strategy *types.ExecutionStrategy) (*aggregator.Outcome, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.outcome, nil
}

func (f *fakeGatherer) AdapterFor(sourceID string) (adapters.Adapter, error) {
	return nil, errors.New("适配器不可用")
}

// fakeExecutor 记录调用次数的执行协作方
type fakeExecutor struct {
	precheckErr error
	execErr     error
	execCalls   int32
}

func (f *fakeExecutor) Precheck(quote *types.Quote, strategy *types.ExecutionStrategy) error {
	return f.precheckErr
}

func (f *fakeExecutor) Execute(ctx context.Context, req *types.TradeRequest, quote *types.Quote, desc *types.SourceDescriptor, strategy *types.ExecutionStrategy, recipient string) (*types.TradeResult, error) {
	atomic.AddInt32(&f.execCalls, 1)
	if f.execErr != nil {
		return &types.TradeResult{RequestID: req.RequestID, FailureReason: f.execErr.Error()}, f.execErr
	}
	return &types.TradeResult{
		RequestID: req.RequestID,
		SourceID:  quote.SourceID,
		TxHash:    "0xtxhash",
		Confirmed: true,
		Attempts:  1,
	}, nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	content := `{
	  "networks": {"ethereum": {"chain_id": 1, "rpc_url": "https://eth.example.com"}},
	  "builtin_amms": {
	    "local_amm": {
	      "name": "Local AMM",
	      "supported_networks": ["ethereum"],
	      "pools": [{"token0": "0xAAA", "token1": "0xBBB", "reserve0": "1000000", "reserve1": "1000000"}]
	    }
	  },
	  "external_aggregators": {
	    "ext_a": {
	      "name": "External A",
	      "api_url": "https://ext-a.example.com",
	      "supported_networks": ["ethereum"],
	      "enabled": true
	    }
	  }
	}`
	path := filepath.Join(t.TempDir(), "registry.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入临时注册表失败: %v", err)
	}
	reg, err := registry.Load(path, testLogger())
	if err != nil {
		t.Fatalf("注册表加载失败: %v", err)
	}
	return reg
}

func engineConfig() *types.EngineConfig {
	return &types.EngineConfig{
		QuoteTimeoutPerSource: time.Second,
		GlobalTimeout:         2 * time.Second,
		MaxQuoteAge:           30 * time.Second,
		MaxSlippagePercent:    decimal.NewFromFloat(1.0),
		MinQuorum:             2,
		PrioritizeSavings:     true,
		EnableMetaAggregation: true,
		ResultRetention:       time.Minute,
	}
}

func ratedQuote(sourceID string, amountOut int64, arrival int) types.RatedQuote {
	return types.RatedQuote{
		Quote: &types.Quote{
			SourceID:           sourceID,
			AmountOut:          decimal.NewFromInt(amountOut),
			GasEstimate:        150000,
			PriceImpactPercent: decimal.NewFromFloat(0.2),
			Confidence:         decimal.NewFromFloat(0.9),
			FetchedAt:          time.Now(),
			ArrivalIndex:       arrival,
		},
		Risk: types.RiskAssessment{Level: types.RiskLow},
	}
}

func defaultOutcome() *aggregator.Outcome {
	return &aggregator.Outcome{
		Quotes: []types.RatedQuote{
			ratedQuote("local_amm", 1000, 0),
			ratedQuote("ext_a", 980, 1),
		},
		Performance: types.GatherPerformance{
			TotalDuration:  50 * time.Millisecond,
			SourcesQueried: 2,
			SourcesSucceed: 2,
		},
	}
}

func newTestEngine(t *testing.T, gatherer Gatherer, exec TradeExecutor) *MetaTradingEngine {
	t.Helper()
	return New(engineConfig(), testRegistry(t), gatherer, exec, nil, stats.NewCollector(), testLogger())
}

func tradeRequest(id string) *types.TradeRequest {
	return &types.TradeRequest{
		RequestID: id,
		NetworkID: 1,
		TokenIn:   "0xAAA",
		TokenOut:  "0xBBB",
		AmountIn:  decimal.NewFromInt(1000),
		CreatedAt: time.Now(),
	}
}

func TestQuoteReturnsSelection(t *testing.T) {
	eng := newTestEngine(t, &fakeGatherer{outcome: defaultOutcome()}, &fakeExecutor{})

	result, err := eng.Quote(context.Background(), tradeRequest("req-1"), eng.DefaultStrategy())
	if err != nil {
		t.Fatalf("报价失败: %v", err)
	}
	if result.BestQuote == nil || result.BestQuote.SourceID != "local_amm" {
		t.Errorf("期望local_amm胜出(输出更高): %+v", result.BestQuote)
	}
	if len(result.Quotes) != 2 {
		t.Errorf("期望2个报价, 实际 %d", len(result.Quotes))
	}
	if !result.Recommendation.ShouldExecute {
		t.Errorf("低风险双源报价应建议执行: %s", result.Recommendation.Rationale)
	}

	s := eng.Stats()
	if s.AggregationsServed != 1 {
		t.Errorf("统计应记录聚合: %+v", s)
	}
	if !s.TotalSavings.Equal(decimal.NewFromInt(20)) {
		t.Errorf("节省额期望20(1000-980), 实际 %s", s.TotalSavings.String())
	}
}

func TestQuoteValidation(t *testing.T) {
	eng := newTestEngine(t, &fakeGatherer{outcome: defaultOutcome()}, &fakeExecutor{})
	strategy := eng.DefaultStrategy()

	cases := []struct {
		name string
		req  *types.TradeRequest
	}{
		{"缺少request_id", &types.TradeRequest{NetworkID: 1, TokenIn: "0xA", TokenOut: "0xB", AmountIn: decimal.NewFromInt(1)}},
		{"缺少代币", &types.TradeRequest{RequestID: "r", NetworkID: 1, AmountIn: decimal.NewFromInt(1)}},
		{"相同代币", &types.TradeRequest{RequestID: "r", NetworkID: 1, TokenIn: "0xA", TokenOut: "0xA", AmountIn: decimal.NewFromInt(1)}},
		{"非正数量", &types.TradeRequest{RequestID: "r", NetworkID: 1, TokenIn: "0xA", TokenOut: "0xB", AmountIn: decimal.Zero}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := eng.Quote(context.Background(), tc.req, strategy)
			if !types.IsErrorCode(err, types.ErrCodeInvalidRequest) {
				t.Errorf("期望INVALID_REQUEST, 实际 %v", err)
			}
		})
	}
}

func TestQuoteMetaModeDisabled(t *testing.T) {
	cfg := engineConfig()
	cfg.EnableMetaAggregation = false
	eng := New(cfg, testRegistry(t), &fakeGatherer{outcome: defaultOutcome()}, &fakeExecutor{}, nil, stats.NewCollector(), testLogger())

	strategy := &types.ExecutionStrategy{Mode: types.ModeMetaAggregation}
	_, err := eng.Quote(context.Background(), tradeRequest("req-1"), strategy)
	if !types.IsErrorCode(err, types.ErrCodeInvalidRequest) {
		t.Errorf("禁用元聚合时期望INVALID_REQUEST, 实际 %v", err)
	}
}

func TestExecuteAtMostOnce(t *testing.T) {
	exec := &fakeExecutor{}
	eng := newTestEngine(t, &fakeGatherer{outcome: defaultOutcome()}, exec)

	if _, err := eng.Quote(context.Background(), tradeRequest("req-1"), eng.DefaultStrategy()); err != nil {
		t.Fatalf("报价失败: %v", err)
	}

	if _, err := eng.Execute(context.Background(), "req-1", "", "0xRECIPIENT"); err != nil {
		t.Fatalf("首次执行应成功: %v", err)
	}
	_, err := eng.Execute(context.Background(), "req-1", "", "0xRECIPIENT")
	if !types.IsErrorCode(err, types.ErrCodeAlreadyExecuted) {
		t.Fatalf("重复执行期望ALREADY_EXECUTED, 实际 %v", err)
	}
	if atomic.LoadInt32(&exec.execCalls) != 1 {
		t.Errorf("链上执行应恰好1次, 实际 %d", exec.execCalls)
	}
}

func TestExecuteConcurrentOnlyOneWins(t *testing.T) {
	exec := &fakeExecutor{}
	eng := newTestEngine(t, &fakeGatherer{outcome: defaultOutcome()}, exec)

	if _, err := eng.Quote(context.Background(), tradeRequest("req-1"), eng.DefaultStrategy()); err != nil {
		t.Fatalf("报价失败: %v", err)
	}

	var wg sync.WaitGroup
	var successes int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := eng.Execute(context.Background(), "req-1", "", "0xRECIPIENT"); err == nil {
				atomic.AddInt32(&successes, 1)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("并发执行应恰好1个成功, 实际 %d", successes)
	}
	if atomic.LoadInt32(&exec.execCalls) != 1 {
		t.Errorf("链上执行应恰好1次, 实际 %d", exec.execCalls)
	}
}

func TestExecutePrecheckFailureDoesNotConsume(t *testing.T) {
	exec := &fakeExecutor{
		precheckErr: types.NewEngineError(types.ErrCodeQuoteExpired, "报价已过期"),
	}
	eng := newTestEngine(t, &fakeGatherer{outcome: defaultOutcome()}, exec)

	if _, err := eng.Quote(context.Background(), tradeRequest("req-1"), eng.DefaultStrategy()); err != nil {
		t.Fatalf("报价失败: %v", err)
	}

	_, err := eng.Execute(context.Background(), "req-1", "", "0xRECIPIENT")
	if !types.IsErrorCode(err, types.ErrCodeQuoteExpired) {
		t.Fatalf("期望QUOTE_EXPIRED, 实际 %v", err)
	}
	if atomic.LoadInt32(&exec.execCalls) != 0 {
		t.Errorf("前置校验失败不应触达链上协作方, 实际 %d 次", exec.execCalls)
	}

	// 前置失败未消费台账: 条件恢复后同一结果仍可执行
	exec.precheckErr = nil
	if _, err := eng.Execute(context.Background(), "req-1", "", "0xRECIPIENT"); err != nil {
		t.Errorf("前置失败不消费, 恢复后应可执行: %v", err)
	}
}

func TestExecuteUnknownRequestID(t *testing.T) {
	eng := newTestEngine(t, &fakeGatherer{outcome: defaultOutcome()}, &fakeExecutor{})
	_, err := eng.Execute(context.Background(), "missing", "", "0xRECIPIENT")
	if !types.IsErrorCode(err, types.ErrCodeInvalidRequest) {
		t.Errorf("未知请求ID期望INVALID_REQUEST, 实际 %v", err)
	}
}

func TestExecuteRefusedWhenNotRecommended(t *testing.T) {
	// 单一报价不满足元聚合最少确认数 -> should_execute为false
	outcome := &aggregator.Outcome{
		Quotes: []types.RatedQuote{ratedQuote("local_amm", 1000, 0)},
		Performance: types.GatherPerformance{
			SourcesQueried: 2,
			SourcesSucceed: 1,
		},
	}
	exec := &fakeExecutor{}
	eng := newTestEngine(t, &fakeGatherer{outcome: outcome}, exec)

	result, err := eng.Quote(context.Background(), tradeRequest("req-1"), eng.DefaultStrategy())
	if err != nil {
		t.Fatalf("报价失败: %v", err)
	}
	if result.Recommendation.ShouldExecute {
		t.Fatal("确认数不足不应建议执行")
	}

	_, err = eng.Execute(context.Background(), "req-1", "", "0xRECIPIENT")
	if !types.IsErrorCode(err, types.ErrCodeExecutionFailed) {
		t.Errorf("拒绝执行期望EXECUTION_FAILED, 实际 %v", err)
	}
	if atomic.LoadInt32(&exec.execCalls) != 0 {
		t.Errorf("不建议执行时不应触达链上协作方, 实际 %d 次", exec.execCalls)
	}
}

func TestExecuteCallerChosenQuote(t *testing.T) {
	exec := &fakeExecutor{}
	// ext_a报价附带执行载荷, 执行前无需调用swap接口补齐
	outcome := defaultOutcome()
	outcome.Quotes[1].Quote.CallData = "0xdeadbeef"
	outcome.Quotes[1].Quote.To = "0xROUTER"
	eng := newTestEngine(t, &fakeGatherer{outcome: outcome}, exec)

	if _, err := eng.Quote(context.Background(), tradeRequest("req-1"), eng.DefaultStrategy()); err != nil {
		t.Fatalf("报价失败: %v", err)
	}

	// 胜出报价是local_amm, 调用方明确选择ext_a
	result, err := eng.Execute(context.Background(), "req-1", "ext_a", "0xRECIPIENT")
	if err != nil {
		t.Fatalf("指定报价源执行失败: %v", err)
	}
	if result.SourceID != "ext_a" {
		t.Errorf("应执行调用方选择的报价源, 实际 %s", result.SourceID)
	}

	// 指定报价源的执行同样消费台账条目
	_, err = eng.Execute(context.Background(), "req-1", "", "0xRECIPIENT")
	if !types.IsErrorCode(err, types.ErrCodeAlreadyExecuted) {
		t.Errorf("已消费的结果期望ALREADY_EXECUTED, 实际 %v", err)
	}
	if atomic.LoadInt32(&exec.execCalls) != 1 {
		t.Errorf("链上执行应恰好1次, 实际 %d", exec.execCalls)
	}
}

func TestExecuteUnknownSourceIDDoesNotConsume(t *testing.T) {
	exec := &fakeExecutor{}
	eng := newTestEngine(t, &fakeGatherer{outcome: defaultOutcome()}, exec)

	if _, err := eng.Quote(context.Background(), tradeRequest("req-1"), eng.DefaultStrategy()); err != nil {
		t.Fatalf("报价失败: %v", err)
	}

	_, err := eng.Execute(context.Background(), "req-1", "missing_source", "0xRECIPIENT")
	if !types.IsErrorCode(err, types.ErrCodeInvalidRequest) {
		t.Fatalf("结果中不存在的报价源期望INVALID_REQUEST, 实际 %v", err)
	}
	if atomic.LoadInt32(&exec.execCalls) != 0 {
		t.Errorf("无效选择不应触达链上协作方, 实际 %d 次", exec.execCalls)
	}

	// 无效选择不消费台账: 同一结果仍可执行
	if _, err := eng.Execute(context.Background(), "req-1", "", "0xRECIPIENT"); err != nil {
		t.Errorf("无效选择后应仍可执行胜出报价: %v", err)
	}
}

func TestExecuteCallerChosenOverridesRecommendation(t *testing.T) {
	// 确认数不足 -> should_execute为false, 胜出报价被拒绝
	// 调用方明确指定报价源即视为确认, 仍可执行
	outcome := &aggregator.Outcome{
		Quotes: []types.RatedQuote{ratedQuote("local_amm", 1000, 0)},
		Performance: types.GatherPerformance{
			SourcesQueried: 2,
			SourcesSucceed: 1,
		},
	}
	exec := &fakeExecutor{}
	eng := newTestEngine(t, &fakeGatherer{outcome: outcome}, exec)

	if _, err := eng.Quote(context.Background(), tradeRequest("req-1"), eng.DefaultStrategy()); err != nil {
		t.Fatalf("报价失败: %v", err)
	}

	result, err := eng.Execute(context.Background(), "req-1", "local_amm", "0xRECIPIENT")
	if err != nil {
		t.Fatalf("明确指定报价源应可执行: %v", err)
	}
	if result.SourceID != "local_amm" {
		t.Errorf("应执行指定的报价源, 实际 %s", result.SourceID)
	}
}

func TestQuoteGathererErrorPropagates(t *testing.T) {
	gatherer := &fakeGatherer{err: types.NewEngineError(types.ErrCodeNoViableRoute, "无可行路由")}
	eng := newTestEngine(t, gatherer, &fakeExecutor{})

	_, err := eng.Quote(context.Background(), tradeRequest("req-1"), eng.DefaultStrategy())
	if !types.IsErrorCode(err, types.ErrCodeNoViableRoute) {
		t.Errorf("聚合错误应透传, 实际 %v", err)
	}
}

func TestExecuteRecordsStats(t *testing.T) {
	eng := newTestEngine(t, &fakeGatherer{outcome: defaultOutcome()}, &fakeExecutor{})

	if _, err := eng.Quote(context.Background(), tradeRequest("req-1"), eng.DefaultStrategy()); err != nil {
		t.Fatalf("报价失败: %v", err)
	}
	if _, err := eng.Execute(context.Background(), "req-1", "", "0xRECIPIENT"); err != nil {
		t.Fatalf("执行失败: %v", err)
	}

	s := eng.Stats()
	if s.ExecutionsSucceeded != 1 || s.ExecutionsFailed != 0 {
		t.Errorf("执行统计异常: %+v", s)
	}
}
