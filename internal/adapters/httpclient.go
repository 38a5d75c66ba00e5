// Package adapters 适配器共享的HTTP请求核心
// 统一的请求方法：超时、5xx有限重试、错误处理、性能指标
package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// httpCore 外部报价源共用的HTTP客户端封装
type httpCore struct {
	name       string
	httpClient *http.Client
	logger     *logrus.Logger
	retryCount int

	metricsMu sync.Mutex
	metrics   httpMetrics
}

// httpMetrics HTTP层性能指标
type httpMetrics struct {
	TotalRequests   int64         `json:"total_requests"`
	SuccessRequests int64         `json:"success_requests"`
	FailedRequests  int64         `json:"failed_requests"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	LastRequestTime time.Time     `json:"last_request_time"`
}

// newHTTPCore 创建HTTP请求核心
func newHTTPCore(name string, timeout time.Duration, logger *logrus.Logger) *httpCore {
	return &httpCore{
		name:       name,
		retryCount: 2,
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

// doRequest 发送HTTP请求
// 5xx与网络错误按次数重试，4xx不重试；重试间隔随尝试次数线性增加
// 每次尝试重建请求对象，请求体在重试间不会被上一次发送耗尽
func (h *httpCore) doRequest(ctx context.Context, method, url string, body []byte, headers map[string]string) ([]byte, int, error) {
	startTime := time.Now()
	h.logger.Debugf("[%s] 开始请求: %s %s", h.name, method, url)

	var resp *http.Response
	var lastErr error

	for attempt := 0; attempt <= h.retryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
			h.logger.Debugf("[%s] 重试请求: attempt=%d", h.name, attempt)
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, 0, fmt.Errorf("创建HTTP请求失败: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "DeFi-Aggregator-Trade-Engine/1.0")
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, lastErr = h.httpClient.Do(req)
		if lastErr == nil && resp.StatusCode < 500 {
			break
		}
		if resp != nil {
			resp.Body.Close()
		}
		if ctx.Err() != nil {
			// 上下文已取消则不再重试
			return nil, 0, ctx.Err()
		}
	}

	if lastErr != nil {
		h.updateMetrics(false, time.Since(startTime))
		return nil, 0, fmt.Errorf("HTTP请求失败: %w", lastErr)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		h.updateMetrics(false, time.Since(startTime))
		return nil, resp.StatusCode, fmt.Errorf("读取响应体失败: %w", err)
	}

	duration := time.Since(startTime)
	h.updateMetrics(resp.StatusCode < 400, duration)
	h.logger.Debugf("[%s] 请求完成: duration=%v, status=%d", h.name, duration, resp.StatusCode)

	return responseBody, resp.StatusCode, nil
}

// parseJSON 统一的JSON解析方法
func (h *httpCore) parseJSON(data []byte, target interface{}) error {
	if err := json.Unmarshal(data, target); err != nil {
		h.logger.Debugf("[%s] JSON解析失败: %v, data=%s", h.name, err, string(data))
		return fmt.Errorf("JSON解析失败: %w", err)
	}
	return nil
}

// updateMetrics 更新HTTP层性能指标（滑动平均）
func (h *httpCore) updateMetrics(success bool, duration time.Duration) {
	h.metricsMu.Lock()
	defer h.metricsMu.Unlock()

	h.metrics.TotalRequests++
	h.metrics.LastRequestTime = time.Now()
	if success {
		h.metrics.SuccessRequests++
	} else {
		h.metrics.FailedRequests++
	}

	if h.metrics.TotalRequests == 1 {
		h.metrics.AvgResponseTime = duration
	} else {
		alpha := 0.1 // 平滑因子
		h.metrics.AvgResponseTime = time.Duration(
			float64(h.metrics.AvgResponseTime)*(1-alpha) + float64(duration)*alpha,
		)
	}
}

// Metrics 获取HTTP层性能指标副本
func (h *httpCore) Metrics() httpMetrics {
	h.metricsMu.Lock()
	defer h.metricsMu.Unlock()
	return h.metrics
}
