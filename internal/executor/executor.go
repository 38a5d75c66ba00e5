// Package executor 交易执行器
// 对胜出报价做执行前置校验、构造未签名交易、经签名协作方提交并跟踪回执
// 至多一次语义由引擎的结果台账保证，执行器本身不持有台账
package executor

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

const (
	maxSubmitAttempts  = 3                // 瞬时失败的最大提交尝试次数
	gasBumpPermille    = 1125             // 重试时Gas价格上调12.5%
	receiptPollEvery   = 2 * time.Second  // 回执轮询间隔
	receiptWaitTimeout = 60 * time.Second // 回执等待上限
	gasLimitHeadroom   = 120              // Gas上限相对估算的余量(百分比)
	deadlineWindow     = 10 * time.Minute // 链上交易的deadline窗口
)

// 可通过重新提交恢复的签名/提交错误特征
var transientSubmitMarkers = []string{
	"nonce too low",
	"underpriced",
	"replacement transaction",
}

// TransactionExecutor 交易执行器
type TransactionExecutor struct {
	submitter chain.TxSubmitter
	evm       *chain.EvmClient
	logger    *logrus.Logger
}

// New 创建交易执行器
// submitter为nil时执行被禁用，所有Execute调用返回错误
func New(submitter chain.TxSubmitter, evm *chain.EvmClient, logger *logrus.Logger) *TransactionExecutor {
	return &TransactionExecutor{submitter: submitter, evm: evm, logger: logger}
}

// Precheck 执行前置校验：报价新鲜度与滑点约束
// 校验失败不消费聚合结果，调用方可重新报价后再试
func (e *TransactionExecutor) Precheck(quote *types.Quote, strategy *types.ExecutionStrategy) error {
	if e.submitter == nil {
		return types.NewEngineError(types.ErrCodeExecutionFailed, "执行功能未启用: 未配置签名服务")
	}
	if strategy.MaxQuoteAge > 0 && time.Since(quote.FetchedAt) > strategy.MaxQuoteAge {
		return types.NewEngineError(types.ErrCodeQuoteExpired,
			fmt.Sprintf("报价已过期: 获取于 %v 前, 有效期 %v", time.Since(quote.FetchedAt).Round(time.Millisecond), strategy.MaxQuoteAge))
	}
	if quote.PriceImpactPercent.GreaterThan(strategy.MaxSlippagePercent) {
		return types.NewEngineError(types.ErrCodeSlippageExceeded,
			fmt.Sprintf("价格冲击 %s%% 超出滑点容忍 %s%%",
				quote.PriceImpactPercent.StringFixed(2), strategy.MaxSlippagePercent.StringFixed(2)))
	}
	return nil
}

// Execute 执行胜出报价
// 调用方必须先通过Precheck并完成台账消费标记
func (e *TransactionExecutor) Execute(ctx context.Context, req *types.TradeRequest, quote *types.Quote, desc *types.SourceDescriptor, strategy *types.ExecutionStrategy, recipient string) (*types.TradeResult, error) {
	result := &types.TradeResult{RequestID: req.RequestID, SourceID: quote.SourceID}

	tx, err := e.buildTx(ctx, req, quote, desc, strategy, recipient)
	if err != nil {
		result.FailureReason = err.Error()
		return result, err
	}

	txHash, attempts, err := e.submitWithRetry(ctx, req.RequestID, tx)
	result.Attempts = attempts
	if err != nil {
		result.FailureReason = err.Error()
		return result, err
	}
	result.TxHash = txHash

	e.logger.Infof("[%s] ✍️ 交易已提交: hash=%s, source=%s, 尝试=%d",
		req.RequestID, txHash, quote.SourceID, attempts)

	receipt, err := e.waitReceipt(ctx, req.NetworkID, txHash)
	if err != nil {
		// 提交成功但回执未及确认：结果保留哈希供调用方追踪
		e.logger.Warnf("[%s] ⚠️ 回执等待未完成: %v", req.RequestID, err)
		return result, nil
	}

	switch receipt.Status {
	case chain.ReceiptConfirmed:
		result.Confirmed = true
		if receipt.AmountOut != nil {
			result.ActualAmountOut = decimal.NewFromBigInt(receipt.AmountOut, 0)
		}
		e.logger.Infof("[%s] 🎉 交易已确认: hash=%s", req.RequestID, txHash)
		return result, nil
	case chain.ReceiptReverted:
		result.FailureReason = "交易在链上回滚"
		return result, types.NewEngineError(types.ErrCodeExecutionFailed, "交易在链上回滚")
	default:
		return result, nil
	}
}

// ========================================
// 交易构造
// ========================================

// buildTx 构造未签名交易
// 外部聚合器报价使用其返回的calldata；直连DEX由本地打包V2换币calldata
func (e *TransactionExecutor) buildTx(ctx context.Context, req *types.TradeRequest, quote *types.Quote, desc *types.SourceDescriptor, strategy *types.ExecutionStrategy, recipient string) (*chain.UnsignedTx, error) {
	tx := &chain.UnsignedTx{
		NetworkID: req.NetworkID,
		GasLimit:  quote.GasEstimate * gasLimitHeadroom / 100,
	}

	switch {
	case quote.CallData != "" && quote.To != "":
		tx.To = quote.To
		tx.Data = quote.CallData

	case desc.Kind == types.KindDirectDex:
		amountOutMin := quote.AmountOut.
			Mul(decimal.NewFromInt(100).Sub(strategy.MaxSlippagePercent)).
			Div(decimal.NewFromInt(100)).Floor()
		deadline := big.NewInt(time.Now().Add(deadlineWindow).Unix())

		data, err := e.evm.PackV2Swap(req.TokenIn, req.TokenOut,
			req.AmountIn.BigInt(), amountOutMin.BigInt(), recipient, deadline)
		if err != nil {
			return nil, types.NewEngineError(types.ErrCodeExecutionFailed,
				fmt.Sprintf("构造swap calldata失败: %v", err))
		}
		tx.To = desc.RouterAddress
		tx.Data = data

	default:
		return nil, types.NewEngineError(types.ErrCodeExecutionFailed,
			fmt.Sprintf("报价源 %s 的报价不可执行: 缺少交易载荷", quote.SourceID))
	}

	if e.evm != nil {
		gasPrice, err := e.evm.SuggestGasPrice(ctx, req.NetworkID)
		if err != nil {
			e.logger.Warnf("[%s] ⚠️ Gas价格查询失败, 交由签名方决定: %v", req.RequestID, err)
		} else {
			tx.GasPrice = gasPrice
		}
	}
	return tx, nil
}

// ========================================
// 提交与回执
// ========================================

// submitWithRetry 提交交易，瞬时失败时上调Gas价格重试
// 签名方返回的错误消息原样保留在错误中
func (e *TransactionExecutor) submitWithRetry(ctx context.Context, requestID string, tx *chain.UnsignedTx) (string, int, error) {
	var lastErr error

	for attempt := 1; attempt <= maxSubmitAttempts; attempt++ {
		txHash, err := e.submitter.SignAndSubmit(ctx, tx)
		if err == nil {
			return txHash, attempt, nil
		}
		lastErr = err

		if ctx.Err() != nil || !isTransientSubmitError(err) {
			return "", attempt, types.NewEngineError(types.ErrCodeSubmissionError, err.Error())
		}
		if tx.GasPrice != nil {
			tx.GasPrice = new(big.Int).Div(
				new(big.Int).Mul(tx.GasPrice, big.NewInt(gasBumpPermille)), big.NewInt(1000))
		}
		e.logger.Warnf("[%s] ⚠️ 提交失败(第%d次), 上调Gas后重试: %v", requestID, attempt, err)
	}
	return "", maxSubmitAttempts, types.NewEngineError(types.ErrCodeSubmissionError, lastErr.Error())
}

// isTransientSubmitError 判断提交错误是否可通过重试恢复
func isTransientSubmitError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range transientSubmitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// waitReceipt 轮询回执直到确认/回滚或超时
func (e *TransactionExecutor) waitReceipt(ctx context.Context, networkID uint, txHash string) (*chain.Receipt, error) {
	wctx, cancel := context.WithTimeout(ctx, receiptWaitTimeout)
	defer cancel()

	ticker := time.NewTicker(receiptPollEvery)
	defer ticker.Stop()

	for {
		receipt, err := e.submitter.GetReceipt(wctx, networkID, txHash)
		if err == nil && receipt.Status != chain.ReceiptPending {
			return receipt, nil
		}

		select {
		case <-wctx.Done():
			return nil, fmt.Errorf("回执等待超时: %s", txHash)
		case <-ticker.C:
		}
	}
}
