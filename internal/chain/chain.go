// Package chain 链上协作方接口定义
// 引擎通过窄接口消费外部的RPC提供方与签名/提交方
// 钱包密钥管理与链监听不在本引擎范围内
package chain

import (
	"context"
	"math/big"
)

// QuoteSimulator 链上报价协作方
// 只读模拟调用：不产生任何链上状态变更
type QuoteSimulator interface {
	// SimulateQuote 对配置的quoter/router合约发起只读报价模拟
	SimulateQuote(ctx context.Context, networkID uint, contract string, protocolType string, tokenIn, tokenOut string, amountIn *big.Int) (amountOut *big.Int, gasEstimate uint64, err error)

	// FindPool 通过工厂合约查找交易对的流动性池地址
	FindPool(ctx context.Context, networkID uint, factory string, tokenA, tokenB string) (pool string, err error)

	// ReadPoolReserves 读取流动性池储备，供无quoter协议使用
	// 返回顺序与(tokenIn, tokenOut)一致
	ReadPoolReserves(ctx context.Context, networkID uint, pool string, tokenIn, tokenOut string) (reserveIn, reserveOut *big.Int, err error)
}

// UnsignedTx 待签名交易
// 由执行器构造，交由签名协作方签名并提交
type UnsignedTx struct {
	NetworkID uint     `json:"network_id"` // 区块链ID
	To        string   `json:"to"`         // 目标合约地址
	Data      string   `json:"data"`       // calldata(hex)
	Value     *big.Int `json:"value"`      // 附带的原生币数量
	GasLimit  uint64   `json:"gas_limit"`  // Gas上限
	GasPrice  *big.Int `json:"gas_price"`  // Gas价格(重试时上调)
}

// ReceiptStatus 交易回执状态
type ReceiptStatus string

const (
	ReceiptPending   ReceiptStatus = "pending"   // 等待确认
	ReceiptConfirmed ReceiptStatus = "confirmed" // 已确认
	ReceiptReverted  ReceiptStatus = "reverted"  // 已回滚
)

// Receipt 交易回执
type Receipt struct {
	Status    ReceiptStatus `json:"status"`               // 回执状态
	AmountOut *big.Int      `json:"amount_out,omitempty"` // 实际输出数量(如可解析)
}

// TxSubmitter 签名/提交协作方（外部钱包层）
type TxSubmitter interface {
	// SignAndSubmit 签名并提交交易，返回交易哈希
	SignAndSubmit(ctx context.Context, tx *UnsignedTx) (txHash string, err error)

	// GetReceipt 查询交易回执
	GetReceipt(ctx context.Context, networkID uint, txHash string) (*Receipt, error)
}
