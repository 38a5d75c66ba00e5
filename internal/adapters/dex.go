// Package adapters 直连DEX适配器实现
// 通过链上协作方对quoter/router合约发起只读报价模拟
// 无quoter的协议退化为储备读取+恒定乘积计算
package adapters

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"defi-aggregator/trade-engine/internal/chain"
	"defi-aggregator/trade-engine/internal/types"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// 链上模拟是确定性的，置信度高于外部聚合器
var (
	confidenceSimulated = decimal.NewFromFloat(0.95)
	confidenceReserves  = decimal.NewFromFloat(0.90)
)

// DirectDexAdapter 直连DEX适配器
type DirectDexAdapter struct {
	desc   *types.SourceDescriptor
	sim    chain.QuoteSimulator
	logger *logrus.Logger
}

// NewDirectDexAdapter 创建直连DEX适配器实例
func NewDirectDexAdapter(desc *types.SourceDescriptor, sim chain.QuoteSimulator, logger *logrus.Logger) *DirectDexAdapter {
	return &DirectDexAdapter{desc: desc, sim: sim, logger: logger}
}

// Descriptor 返回报价源描述
func (a *DirectDexAdapter) Descriptor() *types.SourceDescriptor { return a.desc }

// Supports 检查是否支持指定链
func (a *DirectDexAdapter) Supports(networkID uint) bool { return a.desc.SupportsNetwork(networkID) }

// FetchQuote 获取直连DEX报价
func (a *DirectDexAdapter) FetchQuote(ctx context.Context, req *types.TradeRequest) (*types.Quote, error) {
	startTime := time.Now()

	if !a.Supports(req.NetworkID) {
		return nil, sourceError(types.ErrCodeUnsupportedPair, a.desc.ID,
			fmt.Sprintf("%s 不支持链ID: %d", a.desc.Name, req.NetworkID))
	}

	amountIn := req.AmountIn.BigInt()
	if amountIn.Sign() <= 0 {
		return nil, sourceError(types.ErrCodeInvalidResponse, a.desc.ID, "输入数量必须为正")
	}

	contract := a.quoteContract()
	if contract == "" {
		// 无quoter/router的协议：储备读取路径
		return a.quoteFromReserves(ctx, req, amountIn, startTime)
	}

	amountOut, gasEstimate, err := a.sim.SimulateQuote(ctx, req.NetworkID, contract, a.desc.ProtocolType, req.TokenIn, req.TokenOut, amountIn)
	if err != nil {
		return nil, classifyFetchError(err, a.desc.ID)
	}
	if amountOut == nil || amountOut.Sign() <= 0 {
		return nil, sourceError(types.ErrCodeUnsupportedPair, a.desc.ID,
			fmt.Sprintf("%s 该交易对无流动性", a.desc.Name))
	}

	priceImpact, err := a.estimateImpact(ctx, req, contract, amountIn, amountOut)
	if err != nil {
		// 冲击估算失败不影响报价本身
		a.logger.Debugf("[%s] 价格冲击估算失败: %v", a.desc.ID, err)
		priceImpact = decimal.Zero
	}

	return &types.Quote{
		SourceID:           a.desc.ID,
		AmountOut:          decimal.NewFromBigInt(amountOut, 0),
		GasEstimate:        gasEstimate,
		PriceImpactPercent: priceImpact,
		Route: []types.RouteHop{{
			Protocol: a.desc.Name,
			TokenIn:  req.TokenIn,
			TokenOut: req.TokenOut,
		}},
		Confidence: confidenceSimulated,
		FetchedAt:  time.Now(),
		Latency:    time.Since(startTime),
	}, nil
}

// quoteContract 选择报价模拟使用的合约地址
func (a *DirectDexAdapter) quoteContract() string {
	if a.desc.ProtocolType == chain.ProtocolUniswapV3 && a.desc.QuoterAddress != "" {
		return a.desc.QuoterAddress
	}
	return a.desc.RouterAddress
}

// estimateImpact 估算价格冲击
// 用小额探针模拟得到现货汇率，与实际汇率的偏差即为冲击
func (a *DirectDexAdapter) estimateImpact(ctx context.Context, req *types.TradeRequest, contract string, amountIn, amountOut *big.Int) (decimal.Decimal, error) {
	probeIn := new(big.Int).Div(amountIn, big.NewInt(1000))
	if probeIn.Sign() <= 0 {
		return decimal.Zero, nil
	}

	probeOut, _, err := a.sim.SimulateQuote(ctx, req.NetworkID, contract, a.desc.ProtocolType, req.TokenIn, req.TokenOut, probeIn)
	if err != nil {
		return decimal.Zero, err
	}
	if probeOut == nil || probeOut.Sign() <= 0 {
		return decimal.Zero, nil
	}

	spotRate := decimal.NewFromBigInt(probeOut, 0).Div(decimal.NewFromBigInt(probeIn, 0))
	effRate := decimal.NewFromBigInt(amountOut, 0).Div(decimal.NewFromBigInt(amountIn, 0))
	if spotRate.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, nil
	}

	impact := spotRate.Sub(effRate).Div(spotRate).Mul(decimal.NewFromInt(100))
	if impact.IsNegative() {
		impact = decimal.Zero
	}
	return impact, nil
}

// quoteFromReserves 无quoter协议的储备读取报价路径
func (a *DirectDexAdapter) quoteFromReserves(ctx context.Context, req *types.TradeRequest, amountIn *big.Int, startTime time.Time) (*types.Quote, error) {
	if a.desc.FactoryAddress == "" {
		return nil, sourceError(types.ErrCodeInvalidResponse, a.desc.ID,
			fmt.Sprintf("%s 既无quoter也无factory配置", a.desc.Name))
	}

	pool, err := a.sim.FindPool(ctx, req.NetworkID, a.desc.FactoryAddress, req.TokenIn, req.TokenOut)
	if err != nil {
		if strings.Contains(err.Error(), "交易对不存在") {
			return nil, sourceError(types.ErrCodeUnsupportedPair, a.desc.ID, err.Error())
		}
		return nil, classifyFetchError(err, a.desc.ID)
	}

	reserveIn, reserveOut, err := a.sim.ReadPoolReserves(ctx, req.NetworkID, pool, req.TokenIn, req.TokenOut)
	if err != nil {
		return nil, classifyFetchError(err, a.desc.ID)
	}
	if reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return nil, sourceError(types.ErrCodeUnsupportedPair, a.desc.ID,
			fmt.Sprintf("%s 池 %s 无流动性", a.desc.Name, pool))
	}

	feeBps := a.desc.FeeBps
	if feeBps == 0 {
		feeBps = 30
	}
	amountOut, impact := constantProductOut(
		decimal.NewFromBigInt(amountIn, 0),
		decimal.NewFromBigInt(reserveIn, 0),
		decimal.NewFromBigInt(reserveOut, 0),
		feeBps,
	)
	if amountOut.LessThanOrEqual(decimal.Zero) {
		return nil, sourceError(types.ErrCodeUnsupportedPair, a.desc.ID,
			fmt.Sprintf("%s 流动性不足", a.desc.Name))
	}

	return &types.Quote{
		SourceID:           a.desc.ID,
		AmountOut:          amountOut.Floor(),
		GasEstimate:        150000,
		PriceImpactPercent: impact,
		Route: []types.RouteHop{{
			Protocol: a.desc.Name,
			Pool:     pool,
			TokenIn:  req.TokenIn,
			TokenOut: req.TokenOut,
		}},
		Confidence: confidenceReserves,
		FetchedAt:  time.Now(),
		Latency:    time.Since(startTime),
	}, nil
}

// HealthCheck 通过一次池查找验证RPC可达性
func (a *DirectDexAdapter) HealthCheck(ctx context.Context) error {
	if len(a.desc.SupportedNetworks) == 0 {
		return fmt.Errorf("%s 未配置支持的链", a.desc.Name)
	}
	if a.desc.FactoryAddress == "" {
		return nil
	}
	// WETH/USDC主流交易对，工厂可达即视为健康
	_, err := a.sim.FindPool(ctx, a.desc.SupportedNetworks[0], a.desc.FactoryAddress,
		"0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	if err != nil && !strings.Contains(err.Error(), "交易对不存在") {
		return fmt.Errorf("%s 健康检查失败: %w", a.desc.Name, err)
	}
	return nil
}
