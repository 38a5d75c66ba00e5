// Package registry 报价源注册表
// 从JSON注册表文件加载报价源目录：直连DEX描述、外部聚合器描述、内置AMM描述
// 注册表在启动时加载一次，支持显式重载；环境变量提供敏感信息(API密钥)
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"defi-aggregator/trade-engine/internal/types"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// 链名称到链ID的映射
// 外部聚合器的supported_networks使用链名称，内部统一为链ID
var chainNameToID = map[string]uint{
	"ethereum": 1,
	"optimism": 10,
	"bsc":      56,
	"polygon":  137,
	"base":     8453,
	"arbitrum": 42161,
	"sepolia":  11155111,
}

// ChainName 返回链ID对应的规范名称，未知链返回十进制字符串
func ChainName(networkID uint) string {
	for name, id := range chainNameToID {
		if id == networkID {
			return name
		}
	}
	return fmt.Sprintf("%d", networkID)
}

// ========================================
// 注册表文件结构
// ========================================

// registryFile 注册表JSON文件的顶层结构
type registryFile struct {
	Networks            map[string]networkEntry    `json:"networks"`
	BuiltinDex          map[string]dexEntry        `json:"builtin_dex"`
	BuiltinAmms         map[string]ammEntry        `json:"builtin_amms"`
	ExternalAggregators map[string]aggregatorEntry `json:"external_aggregators"`
	AggregationSettings aggregationSettings        `json:"aggregation_settings"`
}

// networkEntry 网络条目（链ID与RPC端点）
type networkEntry struct {
	ChainID uint   `json:"chain_id"`
	RPCURL  string `json:"rpc_url"`
}

// dexEntry 直连DEX条目
type dexEntry struct {
	Name                   string            `json:"name"`
	RouterAddress          string            `json:"router_address"`
	FactoryAddress         string            `json:"factory_address"`
	QuoterAddress          string            `json:"quoter_address"`
	PositionManagerAddress string            `json:"position_manager_address"`
	MulticallAddress       string            `json:"multicall_address"`
	ProtocolType           string            `json:"protocol_type"`
	Contracts              map[string]string `json:"contracts"`
	SupportedNetworks      []string          `json:"supported_networks"`
	Enabled                *bool             `json:"enabled"`
	RateLimitPerMinute     int               `json:"rate_limit_per_minute"`
}

// ammEntry 内置AMM条目
type ammEntry struct {
	Name               string             `json:"name"`
	SupportedNetworks  []string           `json:"supported_networks"`
	Enabled            *bool              `json:"enabled"`
	FeeBps             int                `json:"fee_bps"`
	Pools              []types.PoolReserve `json:"pools"`
	RateLimitPerMinute int                `json:"rate_limit_per_minute"`
}

// aggregatorEntry 外部聚合器条目
type aggregatorEntry struct {
	Name               string   `json:"name"`
	APIURL             string   `json:"api_url"`
	SupportedNetworks  []string `json:"supported_networks"`
	Enabled            bool     `json:"enabled"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute"`
	RequiresAPIKey     bool     `json:"requires_api_key"`
}

// aggregationSettings 聚合默认参数
type aggregationSettings struct {
	EnableMetaAggregation     bool    `json:"enable_meta_aggregation"`
	QuoteTimeoutSeconds       int     `json:"quote_timeout_seconds"`
	MaxPriceImpactPercent     float64 `json:"max_price_impact_percent"`
	PrioritizeSavingsOverSpeed bool   `json:"prioritize_savings_over_speed"`
}

// ========================================
// 注册表实现
// ========================================

// Registry 报价源注册表
// 持有全部报价源描述，按链与策略模式筛选候选集
type Registry struct {
	mu          sync.RWMutex
	path        string
	sources     map[string]*types.SourceDescriptor
	networks    map[uint]string // chainID -> rpc url
	settings    aggregationSettings
	loadedAt    time.Time
	logger      *logrus.Logger
}

// Load 从JSON文件加载注册表
func Load(path string, logger *logrus.Logger) (*Registry, error) {
	r := &Registry{
		path:    path,
		sources: make(map[string]*types.SourceDescriptor),
		logger:  logger,
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload 重新加载注册表文件
// 加载失败时保留当前目录不变
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("读取注册表文件失败: %w", err)
	}

	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("解析注册表文件失败: %w", err)
	}

	sources := make(map[string]*types.SourceDescriptor)
	networks := make(map[uint]string)

	for name, entry := range file.Networks {
		id := entry.ChainID
		if id == 0 {
			id = chainNameToID[strings.ToLower(name)]
		}
		if id == 0 {
			r.logger.Warnf("⏭️ 跳过未知网络: %s", name)
			continue
		}
		networks[id] = entry.RPCURL
	}

	// 直连DEX描述
	for id, entry := range file.BuiltinDex {
		desc := &types.SourceDescriptor{
			ID:                     id,
			Kind:                   types.KindDirectDex,
			Name:                   entry.Name,
			SupportedNetworks:      resolveNetworks(entry.SupportedNetworks),
			Enabled:                entry.Enabled == nil || *entry.Enabled,
			RateLimitPerMinute:     entry.RateLimitPerMinute,
			ProtocolType:           entry.ProtocolType,
			RouterAddress:          entry.RouterAddress,
			FactoryAddress:         entry.FactoryAddress,
			QuoterAddress:          entry.QuoterAddress,
			PositionManagerAddress: entry.PositionManagerAddress,
			MulticallAddress:       entry.MulticallAddress,
			Contracts:              entry.Contracts,
		}
		if err := validateDescriptor(desc); err != nil {
			return fmt.Errorf("直连DEX %s 配置无效: %w", id, err)
		}
		sources[id] = desc
	}

	// 内置AMM描述
	for id, entry := range file.BuiltinAmms {
		feeBps := entry.FeeBps
		if feeBps == 0 {
			feeBps = 30 // 常规0.30%手续费
		}
		desc := &types.SourceDescriptor{
			ID:                 id,
			Kind:               types.KindBuiltinAmm,
			Name:               entry.Name,
			SupportedNetworks:  resolveNetworks(entry.SupportedNetworks),
			Enabled:            entry.Enabled == nil || *entry.Enabled,
			RateLimitPerMinute: entry.RateLimitPerMinute,
			FeeBps:             feeBps,
			Pools:              entry.Pools,
		}
		if err := validateDescriptor(desc); err != nil {
			return fmt.Errorf("内置AMM %s 配置无效: %w", id, err)
		}
		sources[id] = desc
	}

	// 外部聚合器描述
	for id, entry := range file.ExternalAggregators {
		desc := &types.SourceDescriptor{
			ID:                 id,
			Kind:               types.KindExternalAggregator,
			Name:               entry.Name,
			SupportedNetworks:  resolveNetworks(entry.SupportedNetworks),
			Enabled:            entry.Enabled,
			RateLimitPerMinute: entry.RateLimitPerMinute,
			APIURL:             strings.TrimSuffix(entry.APIURL, "/"),
			RequiresAPIKey:     entry.RequiresAPIKey,
		}
		if desc.RequiresAPIKey {
			// 敏感信息不入注册表文件，从环境变量按约定键注入
			desc.APIKey = os.Getenv(apiKeyEnvName(id))
			if desc.APIKey == "" && desc.Enabled {
				r.logger.Warnf("⚠️ 外部聚合器 %s 需要API密钥但 %s 未设置", id, apiKeyEnvName(id))
			}
		}
		if err := validateDescriptor(desc); err != nil {
			return fmt.Errorf("外部聚合器 %s 配置无效: %w", id, err)
		}
		sources[id] = desc
	}

	if len(sources) == 0 {
		return fmt.Errorf("注册表中没有任何报价源")
	}

	r.mu.Lock()
	r.sources = sources
	r.networks = networks
	r.settings = file.AggregationSettings
	r.loadedAt = time.Now()
	r.mu.Unlock()

	enabled := 0
	for _, s := range sources {
		if s.Enabled {
			enabled++
		}
	}
	r.logger.Infof("🎉 注册表加载完成: %d 个报价源, %d 个启用, %d 个网络", len(sources), enabled, len(networks))
	return nil
}

// validateDescriptor 校验报价源描述的必填字段
func validateDescriptor(desc *types.SourceDescriptor) error {
	if desc.Name == "" {
		return fmt.Errorf("name是必填项")
	}
	if len(desc.SupportedNetworks) == 0 {
		return fmt.Errorf("supported_networks不能为空")
	}
	switch desc.Kind {
	case types.KindDirectDex:
		if desc.RouterAddress == "" {
			return fmt.Errorf("router_address是必填项")
		}
		if desc.ProtocolType == "" {
			return fmt.Errorf("protocol_type是必填项")
		}
	case types.KindExternalAggregator:
		if desc.APIURL == "" {
			return fmt.Errorf("api_url是必填项")
		}
	case types.KindBuiltinAmm:
		if len(desc.Pools) == 0 {
			return fmt.Errorf("pools不能为空")
		}
		for i, p := range desc.Pools {
			if p.Reserve0.LessThanOrEqual(decimal.Zero) || p.Reserve1.LessThanOrEqual(decimal.Zero) {
				return fmt.Errorf("pools[%d]储备必须为正", i)
			}
		}
	default:
		return fmt.Errorf("未知报价源类别: %s", desc.Kind)
	}
	return nil
}

// resolveNetworks 将链名称/ID混合列表解析为链ID列表
func resolveNetworks(names []string) []uint {
	var ids []uint
	for _, name := range names {
		if id, ok := chainNameToID[strings.ToLower(name)]; ok {
			ids = append(ids, id)
			continue
		}
		var numeric uint
		if _, err := fmt.Sscanf(name, "%d", &numeric); err == nil && numeric > 0 {
			ids = append(ids, numeric)
		}
	}
	return ids
}

// apiKeyEnvName 外部聚合器API密钥的环境变量约定键
func apiKeyEnvName(sourceID string) string {
	cleaned := strings.Map(func(c rune) rune {
		if c >= 'a' && c <= 'z' {
			return c - 32
		}
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			return c
		}
		return '_'
	}, sourceID)
	return cleaned + "_API_KEY"
}

// ========================================
// 查询接口
// ========================================

// Get 按ID查找报价源描述
func (r *Registry) Get(sourceID string) (*types.SourceDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.sources[sourceID]
	return desc, ok
}

// All 返回全部报价源描述
func (r *Registry) All() []*types.SourceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.SourceDescriptor, 0, len(r.sources))
	for _, desc := range r.sources {
		out = append(out, desc)
	}
	return out
}

// CandidatesFor 返回指定链与策略模式下的候选报价源集合
// 仅包含启用、支持该链且类别被策略模式允许的报价源
func (r *Registry) CandidatesFor(networkID uint, mode types.StrategyMode) []*types.SourceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []*types.SourceDescriptor
	for _, desc := range r.sources {
		if !desc.Enabled {
			continue
		}
		if !desc.SupportsNetwork(networkID) {
			continue
		}
		if !mode.AllowsKind(desc.Kind) {
			continue
		}
		candidates = append(candidates, desc)
	}
	return candidates
}

// RPCURL 返回指定链的RPC端点
func (r *Registry) RPCURL(networkID uint) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	url, ok := r.networks[networkID]
	return url, ok && url != ""
}

// Networks 返回配置的全部链RPC端点
func (r *Registry) Networks() map[uint]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[uint]string, len(r.networks))
	for id, url := range r.networks {
		out[id] = url
	}
	return out
}

// DefaultSettings 返回注册表中的聚合默认参数
func (r *Registry) DefaultSettings() (enableMeta bool, quoteTimeout time.Duration, maxImpact decimal.Decimal, prioritizeSavings bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	quoteTimeout = time.Duration(r.settings.QuoteTimeoutSeconds) * time.Second
	if quoteTimeout <= 0 {
		quoteTimeout = 3 * time.Second
	}
	maxImpact = decimal.NewFromFloat(r.settings.MaxPriceImpactPercent)
	if maxImpact.LessThanOrEqual(decimal.Zero) {
		maxImpact = decimal.NewFromFloat(1.0)
	}
	return r.settings.EnableMetaAggregation, quoteTimeout, maxImpact, r.settings.PrioritizeSavingsOverSpeed
}

// LoadedAt 注册表最后加载时间
func (r *Registry) LoadedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loadedAt
}
