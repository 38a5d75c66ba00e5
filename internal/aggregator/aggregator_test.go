package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"defi-aggregator/trade-engine/internal/adapters"
	"defi-aggregator/trade-engine/internal/ratelimit"
	"defi-aggregator/trade-engine/internal/registry"
	"defi-aggregator/trade-engine/internal/types"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// buildRegistry 生成包含一个内置AMM与若干外部聚合器的临时注册表
func buildRegistry(t *testing.T, externalURLs map[string]string) *registry.Registry {
	t.Helper()

	aggregators := "{}"
	if len(externalURLs) > 0 {
		entries := ""
		for id, url := range externalURLs {
			if entries != "" {
				entries += ","
			}
			entries += fmt.Sprintf(`"%s": {
				"name": "%s",
				"api_url": "%s",
				"supported_networks": ["ethereum"],
				"enabled": true,
				"rate_limit_per_minute": 0
			}`, id, id, url)
		}
		aggregators = "{" + entries + "}"
	}

	content := fmt.Sprintf(`{
	  "networks": {"ethereum": {"chain_id": 1, "rpc_url": "https://eth.example.com"}},
	  "builtin_amms": {
	    "local_amm": {
	      "name": "Local AMM",
	      "supported_networks": ["ethereum"],
	      "fee_bps": 30,
	      "pools": [
	        {"token0": "0xAAA", "token1": "0xBBB", "reserve0": "100000000", "reserve1": "100000000"}
	      ]
	    }
	  },
	  "external_aggregators": %s
	}`, aggregators)

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

func newAggregator(t *testing.T, reg *registry.Registry) *Aggregator {
	t.Helper()
	logger := testLogger()
	return New(reg, adapters.Deps{
		Limiter: ratelimit.NewLimiter(logger),
		Logger:  logger,
	}, logger)
}

func gatherRequest() *types.TradeRequest {
	return &types.TradeRequest{
		RequestID: "req-1",
		NetworkID: 1,
		TokenIn:   "0xAAA",
		TokenOut:  "0xBBB",
		AmountIn:  decimal.NewFromInt(1000),
		CreatedAt: time.Now(),
	}
}

func gatherStrategy() *types.ExecutionStrategy {
	return &types.ExecutionStrategy{
		Mode:                  types.ModeMetaAggregation,
		MaxSlippagePercent:    decimal.NewFromFloat(1.0),
		QuoteTimeoutPerSource: 500 * time.Millisecond,
		GlobalTimeout:         time.Second,
	}
}

func quoteServer(amountOut string, delay time.Duration) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if delay > 0 {
			time.Sleep(delay)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"amount_out":           amountOut,
			"gas_estimate":         180000,
			"price_impact_percent": "0.2",
			"confidence":           "0.9",
		})
	}))
}

func TestGatherMergesAllSources(t *testing.T) {
	server := quoteServer("2000", 0)
	defer server.Close()

	agg := newAggregator(t, buildRegistry(t, map[string]string{"ext_a": server.URL}))
	outcome, err := agg.Gather(context.Background(), gatherRequest(), gatherStrategy())
	if err != nil {
		t.Fatalf("聚合失败: %v", err)
	}

	if len(outcome.Quotes) != 2 {
		t.Fatalf("期望2个报价(内置AMM+外部), 实际 %d", len(outcome.Quotes))
	}
	// 到达顺序索引单调
	for i, rq := range outcome.Quotes {
		if rq.Quote.ArrivalIndex != i {
			t.Errorf("ArrivalIndex应按到达顺序赋值: quotes[%d].ArrivalIndex=%d", i, rq.Quote.ArrivalIndex)
		}
	}
	if outcome.Performance.SourcesQueried != 2 || outcome.Performance.SourcesSucceed != 2 {
		t.Errorf("性能指标异常: %+v", outcome.Performance)
	}
	if outcome.Performance.FastestSource == "" {
		t.Error("应记录最快报价源")
	}
}

func TestGatherAttachesRiskAssessment(t *testing.T) {
	agg := newAggregator(t, buildRegistry(t, nil))
	outcome, err := agg.Gather(context.Background(), gatherRequest(), gatherStrategy())
	if err != nil {
		t.Fatalf("聚合失败: %v", err)
	}
	for _, rq := range outcome.Quotes {
		if rq.Risk.Level < types.RiskLow || rq.Risk.Level > types.RiskVeryHigh {
			t.Errorf("报价缺少有效风险评估: %+v", rq.Risk)
		}
	}
}

func TestGatherHangingSourceDoesNotBlock(t *testing.T) {
	hang := quoteServer("2000", 5*time.Second)
	defer hang.Close()

	agg := newAggregator(t, buildRegistry(t, map[string]string{"ext_hang": hang.URL}))
	strategy := gatherStrategy()
	strategy.QuoteTimeoutPerSource = 200 * time.Millisecond
	strategy.GlobalTimeout = 400 * time.Millisecond

	start := time.Now()
	outcome, err := agg.Gather(context.Background(), gatherRequest(), strategy)
	if err != nil {
		t.Fatalf("聚合失败: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("挂起的报价源不应阻塞聚合: 耗时 %v", elapsed)
	}

	if len(outcome.Quotes) != 1 || outcome.Quotes[0].Quote.SourceID != "local_amm" {
		t.Errorf("应只收到内置AMM的报价: %+v", outcome.Quotes)
	}
	if len(outcome.Warnings) == 0 {
		t.Error("超时的报价源应产生提示")
	}
}

func TestGatherPartialFailure(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()

	agg := newAggregator(t, buildRegistry(t, map[string]string{"ext_fail": failing.URL}))
	outcome, err := agg.Gather(context.Background(), gatherRequest(), gatherStrategy())
	if err != nil {
		t.Fatalf("部分失败时聚合应成功: %v", err)
	}
	if len(outcome.Quotes) != 1 {
		t.Errorf("期望1个成功报价, 实际 %d", len(outcome.Quotes))
	}
	if len(outcome.Warnings) != 1 {
		t.Errorf("失败报价源应记入提示: %v", outcome.Warnings)
	}
}

func TestGatherAllSourcesFail(t *testing.T) {
	agg := newAggregator(t, buildRegistry(t, nil))
	req := gatherRequest()
	req.TokenOut = "0xCCC" // 内置AMM不支持的交易对

	_, err := agg.Gather(context.Background(), req, gatherStrategy())
	if !types.IsErrorCode(err, types.ErrCodeNoViableRoute) {
		t.Errorf("全部失败期望NO_VIABLE_ROUTE, 实际 %v", err)
	}
}

func TestGatherUnsupportedChain(t *testing.T) {
	agg := newAggregator(t, buildRegistry(t, nil))
	req := gatherRequest()
	req.NetworkID = 56

	_, err := agg.Gather(context.Background(), req, gatherStrategy())
	if !types.IsErrorCode(err, types.ErrCodeUnsupportedChain) {
		t.Errorf("无任何报价源支持的链期望UNSUPPORTED_CHAIN, 实际 %v", err)
	}
}

func TestGatherModeWithoutCandidates(t *testing.T) {
	// 注册表只有内置AMM与外部聚合器, 直连模式下无候选
	agg := newAggregator(t, buildRegistry(t, nil))
	strategy := gatherStrategy()
	strategy.Mode = types.ModeDirectDex

	_, err := agg.Gather(context.Background(), gatherRequest(), strategy)
	if !types.IsErrorCode(err, types.ErrCodeNoViableRoute) {
		t.Errorf("模式下无候选期望NO_VIABLE_ROUTE, 实际 %v", err)
	}
}

func TestGatherModeFiltersKinds(t *testing.T) {
	server := quoteServer("2000", 0)
	defer server.Close()

	agg := newAggregator(t, buildRegistry(t, map[string]string{"ext_a": server.URL}))
	strategy := gatherStrategy()
	strategy.Mode = types.ModeNormalAggregation

	outcome, err := agg.Gather(context.Background(), gatherRequest(), strategy)
	if err != nil {
		t.Fatalf("聚合失败: %v", err)
	}
	if len(outcome.Quotes) != 1 || outcome.Quotes[0].Quote.SourceID != "local_amm" {
		t.Errorf("普通聚合模式应只查询内置AMM: %+v", outcome.Quotes)
	}
}

func TestCheckSources(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	agg := newAggregator(t, buildRegistry(t, map[string]string{"ext_a": server.URL}))
	statuses := agg.CheckSources(context.Background())
	if len(statuses) != 2 {
		t.Fatalf("期望2个报价源状态, 实际 %d", len(statuses))
	}
	for _, s := range statuses {
		if !s.Healthy {
			t.Errorf("报价源 %s 应健康: %s", s.SourceID, s.Error)
		}
	}
}
