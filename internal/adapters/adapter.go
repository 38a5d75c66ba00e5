// Package adapters 报价源适配器
// 将异构的报价机制（链上模拟、本地AMM计算、外部HTTP聚合器）
// 统一为Quote值；适配器级错误均为非致命，由聚合器吸收
package adapters

import (
	"context"
	"errors"
	"fmt"

	"defi-aggregator/trade-engine/internal/chain"
	"defi-aggregator/trade-engine/internal/ratelimit"
	"defi-aggregator/trade-engine/internal/types"

	"github.com/sirupsen/logrus"
)

// Adapter 报价源适配器接口
// 每个SourceKind对应一个实现
type Adapter interface {
	// Descriptor 返回该适配器绑定的报价源描述
	Descriptor() *types.SourceDescriptor

	// Supports 检查是否支持指定链
	Supports(networkID uint) bool

	// FetchQuote 获取标准化报价
	// 前置条件：req.NetworkID必须在描述的supported_networks内，违反属于调用方缺陷
	FetchQuote(ctx context.Context, req *types.TradeRequest) (*types.Quote, error)

	// HealthCheck 检查报价源可用性
	HealthCheck(ctx context.Context) error
}

// Deps 适配器的共享依赖
type Deps struct {
	Limiter   *ratelimit.Limiter   // 报价源级频率限制器
	Simulator chain.QuoteSimulator // 链上报价协作方（直连DEX使用）
	Logger    *logrus.Logger       // 日志记录器
}

// New 根据报价源类别创建对应的适配器
// 封闭分发：新类别在此处增加分支
func New(desc *types.SourceDescriptor, deps Deps) (Adapter, error) {
	switch desc.Kind {
	case types.KindExternalAggregator:
		return NewExternalAdapter(desc, deps.Limiter, deps.Logger), nil
	case types.KindDirectDex:
		if deps.Simulator == nil {
			return nil, fmt.Errorf("直连DEX %s 需要链上协作方，但未配置", desc.ID)
		}
		return NewDirectDexAdapter(desc, deps.Simulator, deps.Logger), nil
	case types.KindBuiltinAmm:
		return NewBuiltinAmmAdapter(desc, deps.Logger), nil
	default:
		return nil, fmt.Errorf("未知报价源类别: %s", desc.Kind)
	}
}

// sourceError 构造报价源级错误
func sourceError(code, sourceID, message string) *types.EngineError {
	return &types.EngineError{Code: code, Message: message, SourceID: sourceID}
}

// classifyFetchError 统一归类获取阶段的错误
// 上下文超时/取消归为超时，其余保留已有代码或归为源不可用
func classifyFetchError(err error, sourceID string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return sourceError(types.ErrCodeSourceTimeout, sourceID, fmt.Sprintf("报价源 %s 超时", sourceID))
	}
	var ee *types.EngineError
	if errors.As(err, &ee) {
		return ee
	}
	return sourceError(types.ErrCodeSourceUnavailable, sourceID, err.Error())
}
