// Package chain 签名/提交协作方的HTTP客户端实现
// 引擎不持有任何私钥：交易构造完成后交由外部签名服务签名并提交
// 签名方错误原样透传，引擎不在此层重试
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// RemoteSigner 远程签名服务客户端
// 实现TxSubmitter接口，对接外部钱包层的窄HTTP契约
type RemoteSigner struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewRemoteSigner 创建远程签名客户端
func NewRemoteSigner(baseURL string, timeout time.Duration, logger *logrus.Logger) *RemoteSigner {
	return &RemoteSigner{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		logger: logger,
	}
}

// signSubmitResponse 签名服务的提交响应
type signSubmitResponse struct {
	TxHash string `json:"tx_hash"`
	Error  string `json:"error,omitempty"`
}

// receiptResponse 签名服务的回执响应
type receiptResponse struct {
	Status    string `json:"status"` // pending / confirmed / reverted
	AmountOut string `json:"amount_out,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SignAndSubmit 提交待签名交易
func (s *RemoteSigner) SignAndSubmit(ctx context.Context, tx *UnsignedTx) (string, error) {
	body, err := json.Marshal(tx)
	if err != nil {
		return "", fmt.Errorf("序列化交易失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/sign-and-submit", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("创建签名请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("签名服务调用失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("读取签名响应失败: %w", err)
	}

	var parsed signSubmitResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("解析签名响应失败: status=%d, body=%s", resp.StatusCode, string(respBody))
	}

	if resp.StatusCode >= 400 || parsed.Error != "" {
		// 签名方错误原样透传
		return "", fmt.Errorf("%s", parsed.Error)
	}
	if parsed.TxHash == "" {
		return "", fmt.Errorf("签名服务未返回交易哈希")
	}

	s.logger.Infof("✍️ 交易已签名提交: hash=%s, chain=%d", parsed.TxHash, tx.NetworkID)
	return parsed.TxHash, nil
}

// GetReceipt 查询交易回执
func (s *RemoteSigner) GetReceipt(ctx context.Context, networkID uint, txHash string) (*Receipt, error) {
	params := url.Values{}
	params.Set("network_id", strconv.FormatUint(uint64(networkID), 10))
	params.Set("tx_hash", txHash)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/receipt?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("创建回执请求失败: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("回执查询失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取回执响应失败: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("回执查询错误: status=%d, body=%s", resp.StatusCode, string(respBody))
	}

	var parsed receiptResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("解析回执响应失败: %w", err)
	}

	receipt := &Receipt{}
	switch parsed.Status {
	case "confirmed":
		receipt.Status = ReceiptConfirmed
	case "reverted":
		receipt.Status = ReceiptReverted
	default:
		receipt.Status = ReceiptPending
	}
	if parsed.AmountOut != "" {
		if amount, ok := new(big.Int).SetString(parsed.AmountOut, 10); ok {
			receipt.AmountOut = amount
		}
	}
	return receipt, nil
}
