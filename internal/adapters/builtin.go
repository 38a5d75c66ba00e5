// Package adapters 内置AMM模拟器适配器实现
// 基于注册表中的本地已知储备做进程内恒定乘积计算，无任何网络副作用
// 直接池缺失时尝试经过一个中间代币的两跳路径
package adapters

import (
	"context"
	"fmt"
	"strings"
	"time"

	"defi-aggregator/trade-engine/internal/types"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	confidenceDirectPool = decimal.NewFromFloat(0.95)
	confidenceMultiHop   = decimal.NewFromFloat(0.85)
)

// 单跳与后续每跳的Gas估算
const (
	gasFirstHop    = uint64(120000)
	gasPerExtraHop = uint64(60000)
)

// BuiltinAmmAdapter 内置AMM模拟器适配器
type BuiltinAmmAdapter struct {
	desc   *types.SourceDescriptor
	pools  map[string]*types.PoolReserve // 规范化交易对键 -> 池
	tokens []string                      // 出现过的全部代币(中间代币候选)
	logger *logrus.Logger
}

// NewBuiltinAmmAdapter 创建内置AMM适配器实例
func NewBuiltinAmmAdapter(desc *types.SourceDescriptor, logger *logrus.Logger) *BuiltinAmmAdapter {
	pools := make(map[string]*types.PoolReserve)
	seen := make(map[string]bool)
	var tokens []string

	for i := range desc.Pools {
		pool := &desc.Pools[i]
		pools[pairKey(pool.Token0, pool.Token1)] = pool
		for _, token := range []string{pool.Token0, pool.Token1} {
			normalized := strings.ToLower(token)
			if !seen[normalized] {
				seen[normalized] = true
				tokens = append(tokens, token)
			}
		}
	}

	return &BuiltinAmmAdapter{desc: desc, pools: pools, tokens: tokens, logger: logger}
}

// pairKey 交易对的规范化键（与顺序无关）
func pairKey(tokenA, tokenB string) string {
	a, b := strings.ToLower(tokenA), strings.ToLower(tokenB)
	if a > b {
		a, b = b, a
	}
	return a + "/" + b
}

// Descriptor 返回报价源描述
func (a *BuiltinAmmAdapter) Descriptor() *types.SourceDescriptor { return a.desc }

// Supports 检查是否支持指定链
func (a *BuiltinAmmAdapter) Supports(networkID uint) bool { return a.desc.SupportsNetwork(networkID) }

// FetchQuote 进程内计算报价
func (a *BuiltinAmmAdapter) FetchQuote(ctx context.Context, req *types.TradeRequest) (*types.Quote, error) {
	startTime := time.Now()

	if !a.Supports(req.NetworkID) {
		return nil, sourceError(types.ErrCodeUnsupportedPair, a.desc.ID,
			fmt.Sprintf("%s 不支持链ID: %d", a.desc.Name, req.NetworkID))
	}
	if err := ctx.Err(); err != nil {
		return nil, classifyFetchError(err, a.desc.ID)
	}

	// 优先直接池
	if pool, ok := a.pools[pairKey(req.TokenIn, req.TokenOut)]; ok {
		reserveIn, reserveOut := a.orientReserves(pool, req.TokenIn)
		amountOut, impact := constantProductOut(req.AmountIn, reserveIn, reserveOut, a.desc.FeeBps)
		if amountOut.LessThanOrEqual(decimal.Zero) {
			return nil, sourceError(types.ErrCodeUnsupportedPair, a.desc.ID,
				fmt.Sprintf("%s 流动性不足", a.desc.Name))
		}
		return a.buildQuote(req, amountOut, impact, confidenceDirectPool, startTime, []types.RouteHop{
			{Protocol: a.desc.Name, TokenIn: req.TokenIn, TokenOut: req.TokenOut},
		}), nil
	}

	// 两跳路径：挑选输出最优的中间代币
	quote := a.bestTwoHop(req, startTime)
	if quote == nil {
		return nil, sourceError(types.ErrCodeUnsupportedPair, a.desc.ID,
			fmt.Sprintf("%s 不支持交易对 %s/%s", a.desc.Name, req.TokenIn, req.TokenOut))
	}
	return quote, nil
}

// bestTwoHop 在全部中间代币中寻找输出最大的两跳路径
func (a *BuiltinAmmAdapter) bestTwoHop(req *types.TradeRequest, startTime time.Time) *types.Quote {
	var best *types.Quote

	for _, mid := range a.tokens {
		if strings.EqualFold(mid, req.TokenIn) || strings.EqualFold(mid, req.TokenOut) {
			continue
		}
		first, ok1 := a.pools[pairKey(req.TokenIn, mid)]
		second, ok2 := a.pools[pairKey(mid, req.TokenOut)]
		if !ok1 || !ok2 {
			continue
		}

		r1In, r1Out := a.orientReserves(first, req.TokenIn)
		midOut, impact1 := constantProductOut(req.AmountIn, r1In, r1Out, a.desc.FeeBps)
		if midOut.LessThanOrEqual(decimal.Zero) {
			continue
		}

		r2In, r2Out := a.orientReserves(second, mid)
		amountOut, impact2 := constantProductOut(midOut, r2In, r2Out, a.desc.FeeBps)
		if amountOut.LessThanOrEqual(decimal.Zero) {
			continue
		}

		if best == nil || amountOut.GreaterThan(best.AmountOut) {
			best = a.buildQuote(req, amountOut, impact1.Add(impact2), confidenceMultiHop, startTime, []types.RouteHop{
				{Protocol: a.desc.Name, TokenIn: req.TokenIn, TokenOut: mid},
				{Protocol: a.desc.Name, TokenIn: mid, TokenOut: req.TokenOut},
			})
		}
	}
	return best
}

// orientReserves 按输入代币方向返回(reserveIn, reserveOut)
func (a *BuiltinAmmAdapter) orientReserves(pool *types.PoolReserve, tokenIn string) (decimal.Decimal, decimal.Decimal) {
	if strings.EqualFold(pool.Token0, tokenIn) {
		return pool.Reserve0, pool.Reserve1
	}
	return pool.Reserve1, pool.Reserve0
}

// buildQuote 组装标准报价
func (a *BuiltinAmmAdapter) buildQuote(req *types.TradeRequest, amountOut, impact, confidence decimal.Decimal, startTime time.Time, route []types.RouteHop) *types.Quote {
	gas := gasFirstHop + gasPerExtraHop*uint64(len(route)-1)
	return &types.Quote{
		SourceID:           a.desc.ID,
		AmountOut:          amountOut.Floor(),
		GasEstimate:        gas,
		PriceImpactPercent: impact,
		Route:              route,
		Confidence:         confidence,
		FetchedAt:          time.Now(),
		Latency:            time.Since(startTime),
	}
}

// HealthCheck 内置模拟器始终健康（只要有池配置）
func (a *BuiltinAmmAdapter) HealthCheck(ctx context.Context) error {
	if len(a.pools) == 0 {
		return fmt.Errorf("%s 没有配置任何流动性池", a.desc.Name)
	}
	return nil
}

// ========================================
// 恒定乘积计算
// ========================================

// constantProductOut 恒定乘积(x*y=k)的输出计算
// 返回输出数量与价格冲击百分比：impact = inWithFee / (reserveIn + inWithFee) * 100
func constantProductOut(amountIn, reserveIn, reserveOut decimal.Decimal, feeBps int) (decimal.Decimal, decimal.Decimal) {
	if amountIn.LessThanOrEqual(decimal.Zero) || reserveIn.LessThanOrEqual(decimal.Zero) || reserveOut.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, decimal.Zero
	}

	feeMultiplier := decimal.NewFromInt(10000 - int64(feeBps)).Div(decimal.NewFromInt(10000))
	inWithFee := amountIn.Mul(feeMultiplier)

	denominator := reserveIn.Add(inWithFee)
	amountOut := reserveOut.Mul(inWithFee).Div(denominator)
	impact := inWithFee.Div(denominator).Mul(decimal.NewFromInt(100))

	return amountOut, impact
}
