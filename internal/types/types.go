// Package types 定义元聚合交易路由引擎使用的所有数据类型
// 包含报价源描述、交易请求响应、风险评估、执行策略等
// 遵循领域驱动设计原则，确保类型安全和业务语义清晰
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ========================================
// 报价源类型定义
// ========================================

// SourceKind 报价源类别
// 封闭的枚举类型：新增报价源类别需要新增枚举值和对应的适配器实现
type SourceKind string

const (
	KindDirectDex          SourceKind = "direct_dex"          // 直连DEX（链上报价模拟）
	KindBuiltinAmm         SourceKind = "builtin_amm"         // 内置AMM模拟器（本地储备计算）
	KindExternalAggregator SourceKind = "external_aggregator" // 外部聚合器（HTTP API）
)

// SourceDescriptor 报价源描述
// 从注册表加载后不可变，通过唯一ID标识
type SourceDescriptor struct {
	ID                 string     `json:"id"`                    // 唯一标识
	Kind               SourceKind `json:"kind"`                  // 报价源类别
	Name               string     `json:"name"`                  // 显示名称
	SupportedNetworks  []uint     `json:"supported_networks"`    // 支持的链ID列表
	Enabled            bool       `json:"enabled"`               // 是否启用
	RateLimitPerMinute int        `json:"rate_limit_per_minute"` // 每分钟调用限额(0表示不限)

	// 直连DEX专用字段
	ProtocolType           string            `json:"protocol_type,omitempty"`            // 协议类型 (uniswap_v2, uniswap_v3)
	RouterAddress          string            `json:"router_address,omitempty"`           // 路由合约地址
	FactoryAddress         string            `json:"factory_address,omitempty"`          // 工厂合约地址
	QuoterAddress          string            `json:"quoter_address,omitempty"`           // 报价合约地址(V3)
	PositionManagerAddress string            `json:"position_manager_address,omitempty"` // 头寸管理合约地址
	MulticallAddress       string            `json:"multicall_address,omitempty"`        // Multicall合约地址
	Contracts              map[string]string `json:"contracts,omitempty"`                // 其他合约地址

	// 外部聚合器专用字段
	APIURL         string `json:"api_url,omitempty"`          // API基础URL
	APIKey         string `json:"-"`                          // API密钥（环境变量注入，不序列化）
	RequiresAPIKey bool   `json:"requires_api_key,omitempty"` // 是否需要API密钥

	// 内置AMM专用字段
	FeeBps int           `json:"fee_bps,omitempty"` // 手续费(基点)
	Pools  []PoolReserve `json:"pools,omitempty"`   // 本地已知的流动性池储备
}

// PoolReserve 内置AMM的本地流动性池储备
type PoolReserve struct {
	Token0   string          `json:"token0"`   // 代币0地址
	Token1   string          `json:"token1"`   // 代币1地址
	Reserve0 decimal.Decimal `json:"reserve0"` // 代币0储备
	Reserve1 decimal.Decimal `json:"reserve1"` // 代币1储备
}

// SupportsNetwork 检查报价源是否支持指定链
func (d *SourceDescriptor) SupportsNetwork(networkID uint) bool {
	for _, id := range d.SupportedNetworks {
		if id == networkID {
			return true
		}
	}
	return false
}

// ========================================
// 核心业务类型定义
// ========================================

// TradeRequest 交易请求
// 每次调用创建一次，创建后不可变，由恰好一次聚合流程消费
type TradeRequest struct {
	RequestID string          `json:"request_id"` // 唯一请求ID
	NetworkID uint            `json:"network_id"` // 区块链ID
	TokenIn   string          `json:"token_in"`   // 源代币合约地址
	TokenOut  string          `json:"token_out"`  // 目标代币合约地址
	AmountIn  decimal.Decimal `json:"amount_in"`  // 输入数量(wei格式)
	CreatedAt time.Time       `json:"created_at"` // 创建时间
}

// RouteHop 交易路径中的单跳
type RouteHop struct {
	Protocol string `json:"protocol"`            // 协议名称 (UNISWAP_V2, SUSHISWAP等)
	Pool     string `json:"pool,omitempty"`      // 流动性池地址(可选)
	TokenIn  string `json:"token_in,omitempty"`  // 本跳输入代币
	TokenOut string `json:"token_out,omitempty"` // 本跳输出代币
}

// Quote 单个报价源的报价
// 由恰好一个适配器针对一次请求产生，产生后不可变
type Quote struct {
	SourceID           string          `json:"source_id"`            // 报价源ID
	AmountOut          decimal.Decimal `json:"amount_out"`           // 输出数量
	GasEstimate        uint64          `json:"gas_estimate"`         // Gas估算
	PriceImpactPercent decimal.Decimal `json:"price_impact_percent"` // 价格冲击(百分比)
	Route              []RouteHop      `json:"route,omitempty"`      // 交易路径
	Confidence         decimal.Decimal `json:"confidence"`           // 置信度 [0,1]
	FetchedAt          time.Time       `json:"fetched_at"`           // 获取时间
	Latency            time.Duration   `json:"latency"`              // 响应耗时
	ArrivalIndex       int             `json:"arrival_index"`        // 完成顺序(聚合器在合并点赋值)

	// 外部聚合器返回的执行载荷（直连DEX由执行器自行构造）
	CallData string `json:"call_data,omitempty"` // 交易calldata(hex)
	To       string `json:"to,omitempty"`        // 交易目标合约地址
}

// HopCount 报价路径的跳数（空路径视为单跳）
func (q *Quote) HopCount() int {
	if len(q.Route) == 0 {
		return 1
	}
	return len(q.Route)
}

// ========================================
// 风险评估类型
// ========================================

// RiskLevel 风险等级（有序枚举，数值越大风险越高）
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskVeryHigh
)

// String 风险等级的可读形式
func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskVeryHigh:
		return "very_high"
	default:
		return "unknown"
	}
}

// MarshalJSON 风险等级序列化为字符串
func (r RiskLevel) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

// UnmarshalJSON 风险等级从字符串反序列化
// 未知取值报错而不是静默降级, 损坏或版本不一致的缓存数据不得被当作低风险
func (r *RiskLevel) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"low"`:
		*r = RiskLow
	case `"medium"`:
		*r = RiskMedium
	case `"high"`:
		*r = RiskHigh
	case `"very_high"`:
		*r = RiskVeryHigh
	default:
		return fmt.Errorf("无效的风险等级: %s", string(data))
	}
	return nil
}

// RiskAssessment 报价的风险评估结果
// 由报价确定性推导，排序前附加到报价上
type RiskAssessment struct {
	Level    RiskLevel `json:"risk_level"` // 综合风险等级
	Warnings []string  `json:"warnings"`   // 各风险因素的可读说明(有序)
}

// RatedQuote 附带风险评估的报价
type RatedQuote struct {
	Quote *Quote         `json:"quote"` // 原始报价
	Risk  RiskAssessment `json:"risk"`  // 风险评估
}

// ========================================
// 执行策略类型
// ========================================

// StrategyMode 执行策略模式
type StrategyMode string

const (
	ModeDirectDex         StrategyMode = "direct_dex"         // 仅直连DEX
	ModeNormalAggregation StrategyMode = "normal_aggregation" // 仅内置AMM模拟器
	ModeMetaAggregation   StrategyMode = "meta_aggregation"   // 全部报价源
)

// AllowsKind 检查策略模式是否允许指定报价源类别
func (m StrategyMode) AllowsKind(kind SourceKind) bool {
	switch m {
	case ModeDirectDex:
		return kind == KindDirectDex
	case ModeNormalAggregation:
		return kind == KindBuiltinAmm
	case ModeMetaAggregation:
		return true
	default:
		return false
	}
}

// GasConverter 将Gas估算转换为输出代币计价的成本
// 由调用方提供；为nil时排序忽略Gas并产生提示
type GasConverter func(gasEstimate uint64) decimal.Decimal

// ExecutionStrategy 执行策略（调用方提供的配置）
// 单次调用内不可变，调用之间不共享可变状态
type ExecutionStrategy struct {
	Mode                       StrategyMode    `json:"mode"`                          // 策略模式
	MaxSlippagePercent         decimal.Decimal `json:"max_slippage_percent"`          // 最大滑点(百分比)
	QuoteTimeoutPerSource      time.Duration   `json:"quote_timeout_per_source"`      // 单报价源超时
	GlobalTimeout              time.Duration   `json:"global_timeout"`                // 全局聚合超时
	PreferSpeedOverSavings     bool            `json:"prefer_speed_over_savings"`     // 速度优先
	MinSavingsThresholdPercent decimal.Decimal `json:"min_savings_threshold_percent"` // 最小节省阈值(百分比)
	MaxQuoteAge                time.Duration   `json:"max_quote_age"`                 // 报价最大有效期
	MinQuorum                  int             `json:"min_quorum"`                    // 元聚合模式的最少报价源确认数
	GasToOutput                GasConverter    `json:"-"`                             // Gas换算函数(可插拔)
	DisableCache               bool            `json:"disable_cache,omitempty"`       // 跳过报价缓存
}

// ========================================
// 聚合结果类型
// ========================================

// ExecutionRecommendation 执行建议
type ExecutionRecommendation struct {
	ShouldExecute bool      `json:"should_execute"` // 是否建议执行
	RiskLevel     RiskLevel `json:"risk_level"`     // 胜出报价的风险等级
	Rationale     string    `json:"rationale"`      // 决定性因素说明
}

// GatherPerformance 单次聚合的性能指标
type GatherPerformance struct {
	TotalDuration   time.Duration `json:"total_duration"`    // 总耗时
	SourcesQueried  int           `json:"sources_queried"`   // 查询的报价源数量
	SourcesSucceed  int           `json:"sources_succeeded"` // 成功响应的数量
	FastestSource   string        `json:"fastest_source"`    // 最快响应的报价源
	SlowestSource   string        `json:"slowest_source"`    // 最慢响应的报价源
	AvgResponseTime time.Duration `json:"avg_response_time"` // 平均响应时间
}

// AggregationResult 聚合结果
// 每次quote()调用产生一次，之后只读；执行消费由引擎的台账保证至多一次
type AggregationResult struct {
	RequestID      string                  `json:"request_id"`         // 请求ID
	NetworkID      uint                    `json:"network_id"`         // 区块链ID
	TokenIn        string                  `json:"token_in"`           // 源代币地址
	TokenOut       string                  `json:"token_out"`          // 目标代币地址
	AmountIn       decimal.Decimal         `json:"amount_in"`          // 输入数量
	Quotes         []RatedQuote            `json:"quotes"`             // 所有成功报价(无序)
	BestQuote      *Quote                  `json:"best_quote"`         // 推荐报价
	Recommendation ExecutionRecommendation `json:"recommendation"`     // 执行建议
	Performance    GatherPerformance       `json:"performance"`        // 聚合性能
	CreatedAt      time.Time               `json:"created_at"`         // 结果生成时间
	CacheHit       bool                    `json:"cache_hit"`          // 是否命中缓存
	Warnings       []string                `json:"warnings,omitempty"` // 聚合级提示(如Gas换算不可用)
}

// ========================================
// 执行结果类型
// ========================================

// TradeResult 交易执行结果
type TradeResult struct {
	RequestID       string          `json:"request_id"`                  // 请求ID
	SourceID        string          `json:"source_id"`                   // 执行的报价源
	TxHash          string          `json:"tx_hash,omitempty"`           // 交易哈希
	FailureReason   string          `json:"failure_reason,omitempty"`    // 失败原因
	Confirmed       bool            `json:"confirmed"`                   // 是否已确认
	ActualAmountOut decimal.Decimal `json:"actual_amount_out,omitempty"` // 实际输出数量(如已知)
	Attempts        int             `json:"attempts"`                    // 提交尝试次数
}

// ========================================
// 统计类型
// ========================================

// PerformanceStats 引擎性能统计
// 单调递增的计数器，仅由StatsCollector持有并更新
type PerformanceStats struct {
	QuotesRequested     int64                    `json:"quotes_requested"`     // 发起的报价源调用总数
	QuotesSucceeded     int64                    `json:"quotes_succeeded"`     // 成功的报价总数
	AggregationsServed  int64                    `json:"aggregations_served"`  // 完成的聚合次数
	ExecutionsSucceeded int64                    `json:"executions_succeeded"` // 成功的执行次数
	ExecutionsFailed    int64                    `json:"executions_failed"`    // 失败的执行次数
	TotalSavings        decimal.Decimal          `json:"total_savings"`        // 相对最差报价的累计节省
	AvgGatherTime       time.Duration            `json:"avg_gather_time"`      // 平均聚合耗时(滑动平均)
	SourceLatency       map[string]time.Duration `json:"source_latency"`       // 各报价源平均延迟(滑动平均)
	LastRequestTime     time.Time                `json:"last_request_time"`    // 最后请求时间
}

// ========================================
// 错误类型定义
// ========================================

// EngineError 引擎类型化错误
type EngineError struct {
	Code     string                 `json:"code"`                // 错误代码
	Message  string                 `json:"message"`             // 错误消息
	Details  map[string]interface{} `json:"details,omitempty"`   // 错误详情
	SourceID string                 `json:"source_id,omitempty"` // 相关报价源
}

func (e *EngineError) Error() string {
	return e.Message
}

// NewEngineError 创建引擎错误
func NewEngineError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// ErrorCode 提取引擎错误代码；非引擎错误返回ErrCodeInternal
func ErrorCode(err error) string {
	if ee, ok := err.(*EngineError); ok {
		return ee.Code
	}
	return ErrCodeInternal
}

// IsErrorCode 检查错误是否携带指定代码
func IsErrorCode(err error, code string) bool {
	ee, ok := err.(*EngineError)
	return ok && ee.Code == code
}

// 预定义错误代码
const (
	// 报价源级错误（非致命，聚合器吸收）
	ErrCodeSourceUnavailable = "SOURCE_UNAVAILABLE"      // 网络/HTTP失败
	ErrCodeSourceTimeout     = "SOURCE_TIMEOUT"          // 报价源超时
	ErrCodeInvalidResponse   = "INVALID_SOURCE_RESPONSE" // 响应格式异常
	ErrCodeRateLimited       = "RATE_LIMITED"            // 频率限制
	ErrCodeUnsupportedPair   = "UNSUPPORTED_PAIR"        // 该源不支持交易对

	// 聚合级错误（致命，返回调用方）
	ErrCodeNoViableRoute    = "NO_VIABLE_ROUTE"   // 无可行路由
	ErrCodeUnsupportedChain = "UNSUPPORTED_CHAIN" // 不支持的链
	ErrCodeInvalidRequest   = "INVALID_REQUEST"   // 无效请求

	// 执行级错误（致命，链上交互前返回）
	ErrCodeQuoteExpired     = "QUOTE_EXPIRED"     // 报价过期
	ErrCodeSlippageExceeded = "SLIPPAGE_EXCEEDED" // 滑点超限
	ErrCodeAlreadyExecuted  = "ALREADY_EXECUTED"  // 结果已被消费
	ErrCodeExecutionFailed  = "EXECUTION_FAILED"  // 执行失败
	ErrCodeSigningError     = "SIGNING_ERROR"     // 签名方错误(原样透传)
	ErrCodeSubmissionError  = "SUBMISSION_ERROR"  // 提交错误(原样透传)

	ErrCodeInternal = "INTERNAL_ERROR" // 内部错误
)

// ========================================
// HTTP响应类型
// ========================================

// APIResponse 统一API响应格式
type APIResponse struct {
	Success   bool        `json:"success"`         // 是否成功
	Data      interface{} `json:"data,omitempty"`  // 响应数据
	Error     *APIError   `json:"error,omitempty"` // 错误信息
	Meta      interface{} `json:"meta,omitempty"`  // 元数据
	Timestamp int64       `json:"timestamp"`       // 时间戳
	RequestID string      `json:"request_id"`      // 请求ID
}

// APIError API错误信息
type APIError struct {
	Code    string                 `json:"code"`              // 错误代码
	Message string                 `json:"message"`           // 错误消息
	Details map[string]interface{} `json:"details,omitempty"` // 详细信息
}

// ========================================
// 配置类型
// ========================================

// Config 交易引擎服务配置
type Config struct {
	Server     ServerConfig     `json:"server"`     // 服务器配置
	Redis      RedisConfig      `json:"redis"`      // Redis配置
	Cache      CacheConfig      `json:"cache"`      // 缓存配置
	Engine     EngineConfig     `json:"engine"`     // 引擎配置
	Monitoring MonitoringConfig `json:"monitoring"` // 监控配置
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port        int    `json:"port"`        // 监听端口
	Environment string `json:"environment"` // 运行环境
	LogLevel    string `json:"log_level"`   // 日志级别
	Debug       bool   `json:"debug"`       // 调试模式
}

// RedisConfig Redis配置
type RedisConfig struct {
	Host     string `json:"host"`      // Redis主机
	Port     int    `json:"port"`      // Redis端口
	Password string `json:"password"`  // Redis密码
	DB       int    `json:"db"`        // 数据库编号
	PoolSize int    `json:"pool_size"` // 连接池大小
}

// CacheConfig 报价缓存配置
type CacheConfig struct {
	Enabled    bool          `json:"enabled"`     // 是否启用报价缓存
	DefaultTTL time.Duration `json:"default_ttl"` // 默认TTL
	PrefixKey  string        `json:"prefix_key"`  // 缓存键前缀
}

// EngineConfig 引擎配置
// 提供默认执行策略参数，调用方可在请求中覆盖
type EngineConfig struct {
	RegistryPath          string          `json:"registry_path"`            // 报价源注册表JSON路径
	SignerURL             string          `json:"signer_url"`               // 签名服务URL(为空则禁用执行)
	QuoteTimeoutPerSource time.Duration   `json:"quote_timeout_per_source"` // 默认单源超时
	GlobalTimeout         time.Duration   `json:"global_timeout"`           // 默认全局超时
	MaxQuoteAge           time.Duration   `json:"max_quote_age"`            // 默认报价有效期
	MaxSlippagePercent    decimal.Decimal `json:"max_slippage_percent"`     // 默认最大滑点
	MinQuorum             int             `json:"min_quorum"`               // 元聚合最少确认数
	PrioritizeSavings     bool            `json:"prioritize_savings"`       // 默认节省优先
	EnableMetaAggregation bool            `json:"enable_meta_aggregation"`  // 是否允许元聚合模式
	ResultRetention       time.Duration   `json:"result_retention"`         // 聚合结果台账保留时长
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	MetricsEnabled  bool   `json:"metrics_enabled"`   // 是否启用指标
	HealthCheckPath string `json:"health_check_path"` // 健康检查路径
}
