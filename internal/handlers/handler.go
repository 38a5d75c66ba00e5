// Package handlers HTTP处理器
// 暴露报价、执行、统计与运维接口，统一APIResponse响应格式
package handlers

import (
	"net/http"
	"time"

	"defi-aggregator/trade-engine/internal/aggregator"
	"defi-aggregator/trade-engine/internal/engine"
	"defi-aggregator/trade-engine/internal/registry"
	"defi-aggregator/trade-engine/internal/types"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// EngineHandler 交易引擎HTTP处理器
type EngineHandler struct {
	engine     *engine.MetaTradingEngine
	aggregator *aggregator.Aggregator
	registry   *registry.Registry
	logger     *logrus.Logger
	startedAt  time.Time
}

// NewEngineHandler 创建处理器实例
func NewEngineHandler(eng *engine.MetaTradingEngine, agg *aggregator.Aggregator, reg *registry.Registry, logger *logrus.Logger) *EngineHandler {
	return &EngineHandler{
		engine:     eng,
		aggregator: agg,
		registry:   reg,
		logger:     logger,
		startedAt:  time.Now(),
	}
}

// RegisterRoutes 注册全部路由
func (h *EngineHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/quote", h.Quote)
		v1.POST("/execute", h.Execute)
		v1.GET("/stats", h.Stats)
		v1.GET("/sources/status", h.SourcesStatus)
		v1.POST("/registry/reload", h.ReloadRegistry)
	}
}

// ========================================
// 请求结构
// ========================================

// quoteRequest 报价请求体
type quoteRequest struct {
	NetworkID                  uint   `json:"network_id" binding:"required"`
	TokenIn                    string `json:"token_in" binding:"required"`
	TokenOut                   string `json:"token_out" binding:"required"`
	AmountIn                   string `json:"amount_in" binding:"required"`
	Mode                       string `json:"mode,omitempty"`
	MaxSlippagePercent         string `json:"max_slippage_percent,omitempty"`
	PreferSpeedOverSavings     *bool  `json:"prefer_speed_over_savings,omitempty"`
	MinSavingsThresholdPercent string `json:"min_savings_threshold_percent,omitempty"`
	MinQuorum                  int    `json:"min_quorum,omitempty"`
	DisableCache               bool   `json:"disable_cache,omitempty"`
}

// executeRequest 执行请求体
// source_id可选: 指定时执行聚合结果中该报价源的报价, 缺省执行胜出报价
type executeRequest struct {
	RequestID string `json:"request_id" binding:"required"`
	Recipient string `json:"recipient" binding:"required"`
	SourceID  string `json:"source_id,omitempty"`
}

// ========================================
// 处理器实现
// ========================================

// Quote 处理报价聚合请求
// POST /api/v1/quote
func (h *EngineHandler) Quote(c *gin.Context) {
	requestID := uuid.New().String()

	var body quoteRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.respondError(c, requestID, http.StatusBadRequest, types.ErrCodeInvalidRequest, err.Error())
		return
	}

	amountIn, err := decimal.NewFromString(body.AmountIn)
	if err != nil {
		h.respondError(c, requestID, http.StatusBadRequest, types.ErrCodeInvalidRequest, "amount_in格式无效")
		return
	}

	strategy := h.engine.DefaultStrategy()
	if body.Mode != "" {
		strategy.Mode = types.StrategyMode(body.Mode)
	}
	if body.MaxSlippagePercent != "" {
		if v, err := decimal.NewFromString(body.MaxSlippagePercent); err == nil && v.GreaterThan(decimal.Zero) {
			strategy.MaxSlippagePercent = v
		}
	}
	if body.MinSavingsThresholdPercent != "" {
		if v, err := decimal.NewFromString(body.MinSavingsThresholdPercent); err == nil && !v.IsNegative() {
			strategy.MinSavingsThresholdPercent = v
		}
	}
	if body.PreferSpeedOverSavings != nil {
		strategy.PreferSpeedOverSavings = *body.PreferSpeedOverSavings
	}
	if body.MinQuorum > 0 {
		strategy.MinQuorum = body.MinQuorum
	}
	strategy.DisableCache = body.DisableCache

	req := &types.TradeRequest{
		RequestID: requestID,
		NetworkID: body.NetworkID,
		TokenIn:   body.TokenIn,
		TokenOut:  body.TokenOut,
		AmountIn:  amountIn,
		CreatedAt: time.Now(),
	}

	result, err := h.engine.Quote(c.Request.Context(), req, strategy)
	if err != nil {
		h.respondEngineError(c, requestID, err)
		return
	}
	h.respondSuccess(c, requestID, result)
}

// Execute 处理交易执行请求
// POST /api/v1/execute
func (h *EngineHandler) Execute(c *gin.Context) {
	requestID := uuid.New().String()

	var body executeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.respondError(c, requestID, http.StatusBadRequest, types.ErrCodeInvalidRequest, err.Error())
		return
	}

	result, err := h.engine.Execute(c.Request.Context(), body.RequestID, body.SourceID, body.Recipient)
	if err != nil {
		h.respondEngineError(c, requestID, err)
		return
	}
	h.respondSuccess(c, requestID, result)
}

// Stats 返回引擎性能统计
// GET /api/v1/stats
func (h *EngineHandler) Stats(c *gin.Context) {
	requestID := uuid.New().String()
	h.respondSuccess(c, requestID, h.engine.Stats())
}

// SourcesStatus 返回全部报价源的健康状态
// GET /api/v1/sources/status
func (h *EngineHandler) SourcesStatus(c *gin.Context) {
	requestID := uuid.New().String()
	statuses := h.aggregator.CheckSources(c.Request.Context())
	h.respondSuccess(c, requestID, gin.H{
		"sources":            statuses,
		"registry_loaded_at": h.registry.LoadedAt(),
	})
}

// ReloadRegistry 重新加载报价源注册表
// POST /api/v1/registry/reload
func (h *EngineHandler) ReloadRegistry(c *gin.Context) {
	requestID := uuid.New().String()

	if err := h.registry.Reload(); err != nil {
		h.respondError(c, requestID, http.StatusInternalServerError, types.ErrCodeInternal, err.Error())
		return
	}
	h.aggregator.ResetAdapters()
	h.logger.Infof("[%s] 🎉 注册表重载完成", requestID)
	h.respondSuccess(c, requestID, gin.H{"reloaded_at": h.registry.LoadedAt()})
}

// Health 服务健康检查
// GET /health
func (h *EngineHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "trade-engine",
		"uptime":  time.Since(h.startedAt).String(),
	})
}

// ========================================
// 响应辅助
// ========================================

// respondSuccess 统一成功响应
func (h *EngineHandler) respondSuccess(c *gin.Context, requestID string, data interface{}) {
	c.JSON(http.StatusOK, types.APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().Unix(),
		RequestID: requestID,
	})
}

// respondError 统一错误响应
func (h *EngineHandler) respondError(c *gin.Context, requestID string, status int, code, message string) {
	c.JSON(status, types.APIResponse{
		Success:   false,
		Error:     &types.APIError{Code: code, Message: message},
		Timestamp: time.Now().Unix(),
		RequestID: requestID,
	})
}

// respondEngineError 将引擎错误映射为HTTP状态码
func (h *EngineHandler) respondEngineError(c *gin.Context, requestID string, err error) {
	code := types.ErrorCode(err)
	status := http.StatusInternalServerError

	switch code {
	case types.ErrCodeInvalidRequest, types.ErrCodeUnsupportedChain:
		status = http.StatusBadRequest
	case types.ErrCodeNoViableRoute:
		status = http.StatusUnprocessableEntity
	case types.ErrCodeAlreadyExecuted:
		status = http.StatusConflict
	case types.ErrCodeQuoteExpired:
		status = http.StatusGone
	case types.ErrCodeSlippageExceeded:
		status = http.StatusUnprocessableEntity
	case types.ErrCodeExecutionFailed, types.ErrCodeSigningError, types.ErrCodeSubmissionError:
		status = http.StatusBadGateway
	}

	h.logger.Warnf("[%s] ❌ 请求失败: code=%s, err=%v", requestID, code, err)
	h.respondError(c, requestID, status, code, err.Error())
}
