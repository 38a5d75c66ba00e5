package executor

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"defi-aggregator/trade-engine/internal/chain"
	"defi-aggregator/trade-engine/internal/types"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// fakeSubmitter 可编排失败序列的签名协作方
type fakeSubmitter struct {
	submitErrs  []error // 依次返回的提交错误, 耗尽后成功
	submitCalls int
	lastTx      *chain.UnsignedTx
	receipt     *chain.Receipt
	receiptErr  error
}

func (f *fakeSubmitter) SignAndSubmit(ctx context.Context, tx *chain.UnsignedTx) (string, error) {
	f.submitCalls++
	f.lastTx = tx
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return "0xtxhash", nil
}

func (f *fakeSubmitter) GetReceipt(ctx context.Context, networkID uint, txHash string) (*chain.Receipt, error) {
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	return f.receipt, nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func execStrategy() *types.ExecutionStrategy {
	return &types.ExecutionStrategy{
		Mode:               types.ModeMetaAggregation,
		MaxSlippagePercent: decimal.NewFromFloat(1.0),
		MaxQuoteAge:        30 * time.Second,
	}
}

func execRequest() *types.TradeRequest {
	return &types.TradeRequest{
		RequestID: "req-1",
		NetworkID: 1,
		TokenIn:   "0xAAA",
		TokenOut:  "0xBBB",
		AmountIn:  decimal.NewFromInt(1000000),
		CreatedAt: time.Now(),
	}
}

// externalQuote 附带执行载荷的报价(外部聚合器形态)
func externalQuote() *types.Quote {
	return &types.Quote{
		SourceID:           "ext_a",
		AmountOut:          decimal.NewFromInt(995000),
		GasEstimate:        200000,
		PriceImpactPercent: decimal.NewFromFloat(0.3),
		Confidence:         decimal.NewFromFloat(0.9),
		FetchedAt:          time.Now(),
		CallData:           "0xdeadbeef",
		To:                 "0xROUTER",
	}
}

func externalDesc() *types.SourceDescriptor {
	return &types.SourceDescriptor{
		ID:                "ext_a",
		Kind:              types.KindExternalAggregator,
		Name:              "External A",
		SupportedNetworks: []uint{1},
	}
}

func TestPrecheckExpiredQuote(t *testing.T) {
	exec := New(&fakeSubmitter{}, nil, testLogger())
	quote := externalQuote()
	quote.FetchedAt = time.Now().Add(-time.Minute)

	err := exec.Precheck(quote, execStrategy())
	if !types.IsErrorCode(err, types.ErrCodeQuoteExpired) {
		t.Errorf("过期报价期望QUOTE_EXPIRED, 实际 %v", err)
	}
}

func TestPrecheckSlippageBreach(t *testing.T) {
	exec := New(&fakeSubmitter{}, nil, testLogger())
	quote := externalQuote()
	quote.PriceImpactPercent = decimal.NewFromFloat(2.5)

	err := exec.Precheck(quote, execStrategy())
	if !types.IsErrorCode(err, types.ErrCodeSlippageExceeded) {
		t.Errorf("滑点超限期望SLIPPAGE_EXCEEDED, 实际 %v", err)
	}
}

func TestPrecheckWithoutSigner(t *testing.T) {
	exec := New(nil, nil, testLogger())
	err := exec.Precheck(externalQuote(), execStrategy())
	if !types.IsErrorCode(err, types.ErrCodeExecutionFailed) {
		t.Errorf("未配置签名服务期望EXECUTION_FAILED, 实际 %v", err)
	}
}

func TestExecuteConfirmed(t *testing.T) {
	submitter := &fakeSubmitter{
		receipt: &chain.Receipt{Status: chain.ReceiptConfirmed, AmountOut: big.NewInt(994000)},
	}
	exec := New(submitter, nil, testLogger())

	result, err := exec.Execute(context.Background(), execRequest(), externalQuote(), externalDesc(), execStrategy(), "0xRECIPIENT")
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if !result.Confirmed || result.TxHash != "0xtxhash" {
		t.Errorf("结果异常: %+v", result)
	}
	if !result.ActualAmountOut.Equal(decimal.NewFromInt(994000)) {
		t.Errorf("实际输出期望994000, 实际 %s", result.ActualAmountOut.String())
	}
	if result.Attempts != 1 {
		t.Errorf("期望1次提交, 实际 %d", result.Attempts)
	}
	if submitter.lastTx.To != "0xROUTER" || submitter.lastTx.Data != "0xdeadbeef" {
		t.Errorf("应使用报价附带的执行载荷: %+v", submitter.lastTx)
	}
	// Gas上限带20%余量
	if submitter.lastTx.GasLimit != 240000 {
		t.Errorf("Gas上限期望240000, 实际 %d", submitter.lastTx.GasLimit)
	}
}

func TestExecuteTransientRetry(t *testing.T) {
	submitter := &fakeSubmitter{
		submitErrs: []error{
			errors.New("nonce too low"),
			errors.New("transaction underpriced"),
		},
		receipt: &chain.Receipt{Status: chain.ReceiptConfirmed},
	}
	exec := New(submitter, nil, testLogger())

	result, err := exec.Execute(context.Background(), execRequest(), externalQuote(), externalDesc(), execStrategy(), "0xRECIPIENT")
	if err != nil {
		t.Fatalf("瞬时失败应重试成功: %v", err)
	}
	if result.Attempts != 3 {
		t.Errorf("期望3次尝试, 实际 %d", result.Attempts)
	}
}

func TestExecuteNonTransientErrorNoRetry(t *testing.T) {
	submitter := &fakeSubmitter{
		submitErrs: []error{errors.New("signer rejected: key not found")},
	}
	exec := New(submitter, nil, testLogger())

	_, err := exec.Execute(context.Background(), execRequest(), externalQuote(), externalDesc(), execStrategy(), "0xRECIPIENT")
	if !types.IsErrorCode(err, types.ErrCodeSubmissionError) {
		t.Fatalf("期望SUBMISSION_ERROR, 实际 %v", err)
	}
	if submitter.submitCalls != 1 {
		t.Errorf("非瞬时错误不应重试, 实际提交 %d 次", submitter.submitCalls)
	}
	// 签名方错误消息原样保留
	if err.Error() != "signer rejected: key not found" {
		t.Errorf("错误消息应原样透传: %q", err.Error())
	}
}

func TestExecuteExhaustsRetries(t *testing.T) {
	submitter := &fakeSubmitter{
		submitErrs: []error{
			errors.New("nonce too low"),
			errors.New("nonce too low"),
			errors.New("nonce too low"),
		},
	}
	exec := New(submitter, nil, testLogger())

	_, err := exec.Execute(context.Background(), execRequest(), externalQuote(), externalDesc(), execStrategy(), "0xRECIPIENT")
	if !types.IsErrorCode(err, types.ErrCodeSubmissionError) {
		t.Fatalf("重试耗尽期望SUBMISSION_ERROR, 实际 %v", err)
	}
	if submitter.submitCalls != 3 {
		t.Errorf("期望3次提交, 实际 %d", submitter.submitCalls)
	}
}

func TestExecuteRevertedOnChain(t *testing.T) {
	submitter := &fakeSubmitter{
		receipt: &chain.Receipt{Status: chain.ReceiptReverted},
	}
	exec := New(submitter, nil, testLogger())

	result, err := exec.Execute(context.Background(), execRequest(), externalQuote(), externalDesc(), execStrategy(), "0xRECIPIENT")
	if !types.IsErrorCode(err, types.ErrCodeExecutionFailed) {
		t.Fatalf("链上回滚期望EXECUTION_FAILED, 实际 %v", err)
	}
	if result.TxHash != "0xtxhash" {
		t.Error("回滚的交易仍应保留哈希")
	}
}

func TestExecuteQuoteWithoutPayloadNotExecutable(t *testing.T) {
	submitter := &fakeSubmitter{}
	exec := New(submitter, nil, testLogger())

	quote := externalQuote()
	quote.CallData = ""
	quote.To = ""
	desc := &types.SourceDescriptor{
		ID:                "local_amm",
		Kind:              types.KindBuiltinAmm,
		Name:              "Local AMM",
		SupportedNetworks: []uint{1},
	}

	_, err := exec.Execute(context.Background(), execRequest(), quote, desc, execStrategy(), "0xRECIPIENT")
	if !types.IsErrorCode(err, types.ErrCodeExecutionFailed) {
		t.Errorf("缺少执行载荷期望EXECUTION_FAILED, 实际 %v", err)
	}
	if submitter.submitCalls != 0 {
		t.Errorf("构造失败不应触发提交, 实际 %d 次", submitter.submitCalls)
	}
}

func TestIsTransientSubmitError(t *testing.T) {
	if !isTransientSubmitError(errors.New("Nonce Too Low")) {
		t.Error("nonce too low应判定为瞬时错误(大小写不敏感)")
	}
	if isTransientSubmitError(errors.New("insufficient funds")) {
		t.Error("资金不足不是瞬时错误")
	}
}
