// Package adapters 外部聚合器适配器实现
// 对接外部聚合器的标准HTTP契约：POST /quote 报价、POST /swap 构造交易
// 每次对外调用前经过报价源级频率限制器，配额耗尽立即报告RateLimited
package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"defi-aggregator/trade-engine/internal/chain"
	"defi-aggregator/trade-engine/internal/ratelimit"
	"defi-aggregator/trade-engine/internal/registry"
	"defi-aggregator/trade-engine/internal/types"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// 外部聚合器未给出置信度时的默认值
var defaultExternalConfidence = decimal.NewFromFloat(0.8)

// ExternalAdapter 外部聚合器适配器
type ExternalAdapter struct {
	core    *httpCore
	desc    *types.SourceDescriptor
	limiter *ratelimit.Limiter
	logger  *logrus.Logger
}

// NewExternalAdapter 创建外部聚合器适配器实例
func NewExternalAdapter(desc *types.SourceDescriptor, limiter *ratelimit.Limiter, logger *logrus.Logger) *ExternalAdapter {
	limiter.Register(desc.ID, desc.RateLimitPerMinute)
	return &ExternalAdapter{
		core:    newHTTPCore(desc.ID, 10*time.Second, logger),
		desc:    desc,
		limiter: limiter,
		logger:  logger,
	}
}

// ========================================
// 外部聚合器HTTP契约结构
// ========================================

// quoteWireRequest POST /quote 请求体
type quoteWireRequest struct {
	TokenIn  string `json:"token_in"`
	TokenOut string `json:"token_out"`
	AmountIn string `json:"amount_in"`
	Network  string `json:"network"`
}

// quoteWireResponse POST /quote 响应体
type quoteWireResponse struct {
	AmountOut          json.Number `json:"amount_out"`
	GasEstimate        json.Number `json:"gas_estimate"`
	PriceImpactPercent json.Number `json:"price_impact_percent"`
	Confidence         json.Number `json:"confidence"`
	Route              []struct {
		Protocol string `json:"protocol"`
		Pool     string `json:"pool"`
	} `json:"route"`
	CallData string `json:"calldata"`
	To       string `json:"to"`
	Error    string `json:"error,omitempty"`
}

// swapWireResponse POST /swap 响应体（未签名交易字段）
type swapWireResponse struct {
	To       string      `json:"to"`
	Data     string      `json:"data"`
	Value    json.Number `json:"value"`
	Gas      json.Number `json:"gas"`
	GasPrice json.Number `json:"gas_price"`
	Error    string      `json:"error,omitempty"`
}

// ========================================
// 接口实现
// ========================================

// Descriptor 返回报价源描述
func (a *ExternalAdapter) Descriptor() *types.SourceDescriptor { return a.desc }

// Supports 检查是否支持指定链
func (a *ExternalAdapter) Supports(networkID uint) bool { return a.desc.SupportsNetwork(networkID) }

// FetchQuote 获取外部聚合器报价
func (a *ExternalAdapter) FetchQuote(ctx context.Context, req *types.TradeRequest) (*types.Quote, error) {
	startTime := time.Now()

	if !a.Supports(req.NetworkID) {
		return nil, sourceError(types.ErrCodeUnsupportedPair, a.desc.ID,
			fmt.Sprintf("%s 不支持链ID: %d", a.desc.Name, req.NetworkID))
	}

	// 频率限制门：配额耗尽立即拒绝，不发起HTTP调用
	if !a.limiter.Allow(a.desc.ID) {
		return nil, sourceError(types.ErrCodeRateLimited, a.desc.ID,
			fmt.Sprintf("%s 已达到每分钟 %d 次调用限额", a.desc.Name, a.desc.RateLimitPerMinute))
	}

	body, err := json.Marshal(quoteWireRequest{
		TokenIn:  req.TokenIn,
		TokenOut: req.TokenOut,
		AmountIn: req.AmountIn.String(),
		Network:  registry.ChainName(req.NetworkID),
	})
	if err != nil {
		return nil, sourceError(types.ErrCodeInternal, a.desc.ID, fmt.Sprintf("序列化报价请求失败: %v", err))
	}

	responseBody, status, err := a.core.doRequest(ctx, http.MethodPost, a.desc.APIURL+"/quote", body, a.authHeaders())
	if err != nil {
		return nil, classifyFetchError(err, a.desc.ID)
	}
	if status >= 400 {
		return nil, sourceError(types.ErrCodeSourceUnavailable, a.desc.ID,
			fmt.Sprintf("%s 报价接口错误: status=%d", a.desc.Name, status))
	}

	var wire quoteWireResponse
	if err := a.core.parseJSON(responseBody, &wire); err != nil {
		return nil, sourceError(types.ErrCodeInvalidResponse, a.desc.ID,
			fmt.Sprintf("%s 响应解析失败: %v", a.desc.Name, err))
	}
	if wire.Error != "" {
		return nil, sourceError(types.ErrCodeUnsupportedPair, a.desc.ID,
			fmt.Sprintf("%s: %s", a.desc.Name, wire.Error))
	}

	quote, err := a.convertQuote(&wire, startTime)
	if err != nil {
		return nil, sourceError(types.ErrCodeInvalidResponse, a.desc.ID, err.Error())
	}

	a.logger.Debugf("[%s] 报价获取成功: amountOut=%s, gas=%d, 耗时=%v",
		a.desc.ID, quote.AmountOut.String(), quote.GasEstimate, quote.Latency)
	return quote, nil
}

// convertQuote 将外部聚合器响应转换为标准报价
func (a *ExternalAdapter) convertQuote(wire *quoteWireResponse, startTime time.Time) (*types.Quote, error) {
	amountOut, err := decimal.NewFromString(wire.AmountOut.String())
	if err != nil || amountOut.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("amount_out无效: %q", wire.AmountOut.String())
	}

	gasEstimate := uint64(200000) // 响应缺失时的保守默认值
	if g, err := wire.GasEstimate.Int64(); err == nil && g > 0 {
		gasEstimate = uint64(g)
	}

	priceImpact := decimal.Zero
	if pi, err := decimal.NewFromString(wire.PriceImpactPercent.String()); err == nil && !pi.IsNegative() {
		priceImpact = pi
	}

	confidence := defaultExternalConfidence
	if c, err := decimal.NewFromString(wire.Confidence.String()); err == nil &&
		c.GreaterThan(decimal.Zero) && c.LessThanOrEqual(decimal.NewFromInt(1)) {
		confidence = c
	}

	var route []types.RouteHop
	for _, hop := range wire.Route {
		route = append(route, types.RouteHop{Protocol: hop.Protocol, Pool: hop.Pool})
	}

	return &types.Quote{
		SourceID:           a.desc.ID,
		AmountOut:          amountOut,
		GasEstimate:        gasEstimate,
		PriceImpactPercent: priceImpact,
		Route:              route,
		Confidence:         confidence,
		FetchedAt:          time.Now(),
		Latency:            time.Since(startTime),
		CallData:           wire.CallData,
		To:                 wire.To,
	}, nil
}

// BuildSwapTx 调用外部聚合器的swap接口获取未签名交易字段
// 报价响应未附带calldata时，执行前由引擎调用此方法补齐
func (a *ExternalAdapter) BuildSwapTx(ctx context.Context, req *types.TradeRequest, maxSlippagePercent decimal.Decimal) (*chain.UnsignedTx, error) {
	if !a.limiter.Allow(a.desc.ID) {
		return nil, sourceError(types.ErrCodeRateLimited, a.desc.ID,
			fmt.Sprintf("%s 已达到每分钟 %d 次调用限额", a.desc.Name, a.desc.RateLimitPerMinute))
	}

	payload := map[string]string{
		"token_in":             req.TokenIn,
		"token_out":            req.TokenOut,
		"amount_in":            req.AmountIn.String(),
		"network":              registry.ChainName(req.NetworkID),
		"max_slippage_percent": maxSlippagePercent.String(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化swap请求失败: %w", err)
	}

	responseBody, status, err := a.core.doRequest(ctx, http.MethodPost, a.desc.APIURL+"/swap", body, a.authHeaders())
	if err != nil {
		return nil, classifyFetchError(err, a.desc.ID)
	}
	if status >= 400 {
		return nil, sourceError(types.ErrCodeSourceUnavailable, a.desc.ID,
			fmt.Sprintf("%s swap接口错误: status=%d", a.desc.Name, status))
	}

	var wire swapWireResponse
	if err := a.core.parseJSON(responseBody, &wire); err != nil {
		return nil, sourceError(types.ErrCodeInvalidResponse, a.desc.ID, err.Error())
	}
	if wire.Error != "" || wire.To == "" || wire.Data == "" {
		return nil, sourceError(types.ErrCodeInvalidResponse, a.desc.ID,
			fmt.Sprintf("%s swap响应不完整: %s", a.desc.Name, wire.Error))
	}

	tx := &chain.UnsignedTx{
		NetworkID: req.NetworkID,
		To:        wire.To,
		Data:      wire.Data,
	}
	if v, err := wire.Value.Int64(); err == nil && v > 0 {
		tx.Value = big.NewInt(v)
	}
	if g, err := wire.Gas.Int64(); err == nil && g > 0 {
		tx.GasLimit = uint64(g)
	}
	return tx, nil
}

// HealthCheck 检查外部聚合器可用性
// 健康检查不占用报价配额
func (a *ExternalAdapter) HealthCheck(ctx context.Context) error {
	_, status, err := a.core.doRequest(ctx, http.MethodGet, a.desc.APIURL+"/health", nil, a.authHeaders())
	if err != nil {
		return fmt.Errorf("%s 健康检查失败: %w", a.desc.Name, err)
	}
	if status >= 500 {
		return fmt.Errorf("%s 健康检查失败: status=%d", a.desc.Name, status)
	}
	return nil
}

// authHeaders 构造认证请求头
func (a *ExternalAdapter) authHeaders() map[string]string {
	if a.desc.APIKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + a.desc.APIKey}
}
