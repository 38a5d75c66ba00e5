package adapters

import (
	"context"
	"testing"
	"time"

	"defi-aggregator/trade-engine/internal/types"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func ammDesc(pools []types.PoolReserve) *types.SourceDescriptor {
	return &types.SourceDescriptor{
		ID:                "local_amm",
		Kind:              types.KindBuiltinAmm,
		Name:              "Local AMM",
		SupportedNetworks: []uint{1},
		Enabled:           true,
		FeeBps:            30,
		Pools:             pools,
	}
}

func ammRequest(tokenIn, tokenOut string, amountIn int64) *types.TradeRequest {
	return &types.TradeRequest{
		RequestID: "req-1",
		NetworkID: 1,
		TokenIn:   tokenIn,
		TokenOut:  tokenOut,
		AmountIn:  decimal.NewFromInt(amountIn),
		CreatedAt: time.Now(),
	}
}

func TestConstantProductOut(t *testing.T) {
	// 零手续费: out = reserveOut*in/(reserveIn+in) = 1000000*1000/1001000
	out, impact := constantProductOut(
		decimal.NewFromInt(1000),
		decimal.NewFromInt(1000000),
		decimal.NewFromInt(1000000),
		0,
	)
	if out.LessThan(decimal.NewFromInt(999)) || out.GreaterThanOrEqual(decimal.NewFromInt(1000)) {
		t.Errorf("输出应在[999,1000)区间, 实际 %s", out.String())
	}
	// impact = 1000/1001000*100 ≈ 0.0999%
	if impact.LessThan(decimal.NewFromFloat(0.09)) || impact.GreaterThan(decimal.NewFromFloat(0.11)) {
		t.Errorf("价格冲击应约为0.1%%, 实际 %s", impact.String())
	}
}

func TestConstantProductFeeReducesOutput(t *testing.T) {
	in := decimal.NewFromInt(1000)
	rIn := decimal.NewFromInt(1000000)
	rOut := decimal.NewFromInt(1000000)

	noFee, _ := constantProductOut(in, rIn, rOut, 0)
	withFee, _ := constantProductOut(in, rIn, rOut, 30)
	if !withFee.LessThan(noFee) {
		t.Errorf("手续费应降低输出: %s vs %s", withFee.String(), noFee.String())
	}
}

func TestConstantProductInvalidInputs(t *testing.T) {
	out, _ := constantProductOut(decimal.Zero, decimal.NewFromInt(100), decimal.NewFromInt(100), 30)
	if !out.IsZero() {
		t.Errorf("零输入应得到零输出, 实际 %s", out.String())
	}
	out, _ = constantProductOut(decimal.NewFromInt(100), decimal.Zero, decimal.NewFromInt(100), 30)
	if !out.IsZero() {
		t.Errorf("零储备应得到零输出, 实际 %s", out.String())
	}
}

func TestBuiltinDirectPoolQuote(t *testing.T) {
	adapter := NewBuiltinAmmAdapter(ammDesc([]types.PoolReserve{{
		Token0:   "0xAAA",
		Token1:   "0xBBB",
		Reserve0: decimal.NewFromInt(1000000),
		Reserve1: decimal.NewFromInt(2000000),
	}}), testLogger())

	quote, err := adapter.FetchQuote(context.Background(), ammRequest("0xAAA", "0xBBB", 1000))
	if err != nil {
		t.Fatalf("报价失败: %v", err)
	}
	if quote.AmountOut.LessThanOrEqual(decimal.Zero) {
		t.Error("输出数量应为正")
	}
	if len(quote.Route) != 1 {
		t.Errorf("直接池应为单跳, 实际 %d", len(quote.Route))
	}
	if quote.GasEstimate != 120000 {
		t.Errorf("单跳Gas估算期望120000, 实际 %d", quote.GasEstimate)
	}
}

func TestBuiltinReverseDirection(t *testing.T) {
	adapter := NewBuiltinAmmAdapter(ammDesc([]types.PoolReserve{{
		Token0:   "0xAAA",
		Token1:   "0xBBB",
		Reserve0: decimal.NewFromInt(1000000),
		Reserve1: decimal.NewFromInt(2000000),
	}}), testLogger())

	// 反方向交易: 1 BBB ≈ 0.5 AAA
	quote, err := adapter.FetchQuote(context.Background(), ammRequest("0xBBB", "0xAAA", 1000))
	if err != nil {
		t.Fatalf("报价失败: %v", err)
	}
	if quote.AmountOut.GreaterThan(decimal.NewFromInt(550)) {
		t.Errorf("反方向汇率约0.5, 输出 %s 过高", quote.AmountOut.String())
	}
}

func TestBuiltinTwoHopRoute(t *testing.T) {
	adapter := NewBuiltinAmmAdapter(ammDesc([]types.PoolReserve{
		{Token0: "0xAAA", Token1: "0xMID", Reserve0: decimal.NewFromInt(1000000), Reserve1: decimal.NewFromInt(1000000)},
		{Token0: "0xMID", Token1: "0xBBB", Reserve0: decimal.NewFromInt(1000000), Reserve1: decimal.NewFromInt(1000000)},
	}), testLogger())

	quote, err := adapter.FetchQuote(context.Background(), ammRequest("0xAAA", "0xBBB", 1000))
	if err != nil {
		t.Fatalf("两跳报价失败: %v", err)
	}
	if len(quote.Route) != 2 {
		t.Fatalf("期望两跳路径, 实际 %d", len(quote.Route))
	}
	if quote.Route[0].TokenOut != "0xMID" || quote.Route[1].TokenIn != "0xMID" {
		t.Errorf("路径应经过中间代币: %+v", quote.Route)
	}
	if quote.GasEstimate != 180000 {
		t.Errorf("两跳Gas估算期望180000, 实际 %d", quote.GasEstimate)
	}
}

func TestBuiltinPicksBestIntermediate(t *testing.T) {
	// 0xGOOD路径的第二池储备比率更优
	adapter := NewBuiltinAmmAdapter(ammDesc([]types.PoolReserve{
		{Token0: "0xAAA", Token1: "0xBAD", Reserve0: decimal.NewFromInt(1000000), Reserve1: decimal.NewFromInt(1000000)},
		{Token0: "0xBAD", Token1: "0xBBB", Reserve0: decimal.NewFromInt(1000000), Reserve1: decimal.NewFromInt(1000000)},
		{Token0: "0xAAA", Token1: "0xGOOD", Reserve0: decimal.NewFromInt(1000000), Reserve1: decimal.NewFromInt(1000000)},
		{Token0: "0xGOOD", Token1: "0xBBB", Reserve0: decimal.NewFromInt(1000000), Reserve1: decimal.NewFromInt(2000000)},
	}), testLogger())

	quote, err := adapter.FetchQuote(context.Background(), ammRequest("0xAAA", "0xBBB", 1000))
	if err != nil {
		t.Fatalf("报价失败: %v", err)
	}
	if quote.Route[0].TokenOut != "0xGOOD" {
		t.Errorf("应选择输出最优的中间代币, 实际路径 %+v", quote.Route)
	}
}

func TestBuiltinUnsupportedPair(t *testing.T) {
	adapter := NewBuiltinAmmAdapter(ammDesc([]types.PoolReserve{{
		Token0:   "0xAAA",
		Token1:   "0xBBB",
		Reserve0: decimal.NewFromInt(1000000),
		Reserve1: decimal.NewFromInt(1000000),
	}}), testLogger())

	_, err := adapter.FetchQuote(context.Background(), ammRequest("0xAAA", "0xCCC", 1000))
	if !types.IsErrorCode(err, types.ErrCodeUnsupportedPair) {
		t.Errorf("期望UNSUPPORTED_PAIR, 实际 %v", err)
	}
}

func TestBuiltinUnsupportedNetwork(t *testing.T) {
	adapter := NewBuiltinAmmAdapter(ammDesc([]types.PoolReserve{{
		Token0:   "0xAAA",
		Token1:   "0xBBB",
		Reserve0: decimal.NewFromInt(1000000),
		Reserve1: decimal.NewFromInt(1000000),
	}}), testLogger())

	req := ammRequest("0xAAA", "0xBBB", 1000)
	req.NetworkID = 137
	_, err := adapter.FetchQuote(context.Background(), req)
	if !types.IsErrorCode(err, types.ErrCodeUnsupportedPair) {
		t.Errorf("不支持的链期望UNSUPPORTED_PAIR, 实际 %v", err)
	}
}

func TestBuiltinCancelledContext(t *testing.T) {
	adapter := NewBuiltinAmmAdapter(ammDesc([]types.PoolReserve{{
		Token0:   "0xAAA",
		Token1:   "0xBBB",
		Reserve0: decimal.NewFromInt(1000000),
		Reserve1: decimal.NewFromInt(1000000),
	}}), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := adapter.FetchQuote(ctx, ammRequest("0xAAA", "0xBBB", 1000))
	if !types.IsErrorCode(err, types.ErrCodeSourceTimeout) {
		t.Errorf("取消的上下文期望SOURCE_TIMEOUT, 实际 %v", err)
	}
}
