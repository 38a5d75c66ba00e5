// Package selector 路由选择器
// 在聚合得到的报价集合上按执行策略排序，产出唯一推荐报价与执行建议
// 除速度优先模式明确定义的到达顺序规则外，选择结果对输入集合是确定性的
package selector

import (
	"fmt"
	"sort"

	"defi-aggregator/trade-engine/internal/types"

	"github.com/shopspring/decimal"
)

// 元聚合模式下建议执行所需的最少独立报价数（保守默认值）
const defaultMinQuorum = 2

// Selection 选择结果
type Selection struct {
	Best           *types.RatedQuote             // 胜出报价
	Recommendation types.ExecutionRecommendation // 执行建议
	Warnings       []string                      // 选择过程产生的提示
}

// candidate 参与排序的内部候选
type candidate struct {
	rated          *types.RatedQuote
	effectiveValue decimal.Decimal
}

// Select 按策略选出最优报价
// 排序键为有效价值 = amount_out - Gas的输出代币成本
func Select(quotes []types.RatedQuote, strategy *types.ExecutionStrategy) (*Selection, error) {
	if len(quotes) == 0 {
		return nil, types.NewEngineError(types.ErrCodeNoViableRoute, "没有可用报价")
	}

	var warnings []string
	if strategy.GasToOutput == nil {
		// 无汇率来源时排序忽略Gas，留痕提示
		warnings = append(warnings, "Gas换算不可用，排序未计入Gas成本")
	}

	candidates := make([]candidate, 0, len(quotes))
	for i := range quotes {
		candidates = append(candidates, candidate{
			rated:          &quotes[i],
			effectiveValue: effectiveValue(quotes[i].Quote, strategy),
		})
	}

	var best *candidate
	var rationale string
	if strategy.PreferSpeedOverSavings {
		best, rationale = selectBySpeed(candidates, strategy)
	} else {
		best, rationale = selectBySavings(candidates, strategy)
	}

	recommendation := buildRecommendation(best, rationale, len(quotes), strategy)
	return &Selection{Best: best.rated, Recommendation: recommendation, Warnings: warnings}, nil
}

// effectiveValue 有效价值计算
func effectiveValue(quote *types.Quote, strategy *types.ExecutionStrategy) decimal.Decimal {
	if strategy.GasToOutput == nil {
		return quote.AmountOut
	}
	return quote.AmountOut.Sub(strategy.GasToOutput(quote.GasEstimate))
}

// ========================================
// 速度优先选择
// ========================================

// selectBySpeed 选择最先完成且合格的报价
// 合格 = 风险不超过Medium且冲击在滑点容忍内；无合格者退化为有效价值最高者
func selectBySpeed(candidates []candidate, strategy *types.ExecutionStrategy) (*candidate, string) {
	byArrival := make([]candidate, len(candidates))
	copy(byArrival, candidates)
	sort.SliceStable(byArrival, func(i, j int) bool {
		return byArrival[i].rated.Quote.ArrivalIndex < byArrival[j].rated.Quote.ArrivalIndex
	})

	for i := range byArrival {
		c := &byArrival[i]
		if c.rated.Risk.Level <= types.RiskMedium &&
			c.rated.Quote.PriceImpactPercent.LessThanOrEqual(strategy.MaxSlippagePercent) {
			return c, fmt.Sprintf("speed_first: 最先完成的合格报价 (source=%s)", c.rated.Quote.SourceID)
		}
	}

	best := maxByEffectiveValue(candidates)
	return best, fmt.Sprintf("speed_fallback: 无合格报价，退化为有效价值最高 (source=%s)", best.rated.Quote.SourceID)
}

// ========================================
// 节省优先选择
// ========================================

// selectBySavings 在满足滑点约束的候选中选择有效价值最高者
// 前两名差距小于最小节省阈值时按风险、置信度做平局裁决
func selectBySavings(candidates []candidate, strategy *types.ExecutionStrategy) (*candidate, string) {
	var qualifying []candidate
	for _, c := range candidates {
		if c.rated.Quote.PriceImpactPercent.LessThanOrEqual(strategy.MaxSlippagePercent) {
			qualifying = append(qualifying, c)
		}
	}
	if len(qualifying) == 0 {
		// 全部超出滑点容忍：仍需给出胜者供展示，执行建议由上层置否
		best := maxByEffectiveValue(candidates)
		return best, fmt.Sprintf("slippage_all_exceeded: 全部报价超出滑点容忍 (source=%s)", best.rated.Quote.SourceID)
	}

	sortByValue(qualifying)
	top := &qualifying[0]
	if len(qualifying) == 1 {
		return top, fmt.Sprintf("best_value: 有效价值最高 (source=%s, value=%s)",
			top.rated.Quote.SourceID, top.effectiveValue.String())
	}

	second := &qualifying[1]
	margin := top.effectiveValue.Sub(second.effectiveValue)
	threshold := second.effectiveValue.Mul(strategy.MinSavingsThresholdPercent).Div(decimal.NewFromInt(100))

	if margin.LessThan(threshold) {
		// 差距不足以构成有意义的节省，按风险与置信度裁决
		if second.rated.Risk.Level < top.rated.Risk.Level {
			return second, fmt.Sprintf("risk_tiebreak: 节省差距过小，选择风险更低者 (source=%s)", second.rated.Quote.SourceID)
		}
		if second.rated.Risk.Level == top.rated.Risk.Level &&
			second.rated.Quote.Confidence.GreaterThan(top.rated.Quote.Confidence) {
			return second, fmt.Sprintf("confidence_tiebreak: 节省差距过小，选择置信度更高者 (source=%s)", second.rated.Quote.SourceID)
		}
	}

	return top, fmt.Sprintf("best_value: 有效价值最高 (source=%s, value=%s)",
		top.rated.Quote.SourceID, top.effectiveValue.String())
}

// sortByValue 按有效价值降序排序
// 次级键(风险、置信度、报价源ID)保证固定集合下结果确定
func sortByValue(candidates []candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].effectiveValue.Equal(candidates[j].effectiveValue) {
			return candidates[i].effectiveValue.GreaterThan(candidates[j].effectiveValue)
		}
		if candidates[i].rated.Risk.Level != candidates[j].rated.Risk.Level {
			return candidates[i].rated.Risk.Level < candidates[j].rated.Risk.Level
		}
		if !candidates[i].rated.Quote.Confidence.Equal(candidates[j].rated.Quote.Confidence) {
			return candidates[i].rated.Quote.Confidence.GreaterThan(candidates[j].rated.Quote.Confidence)
		}
		return candidates[i].rated.Quote.SourceID < candidates[j].rated.Quote.SourceID
	})
}

// maxByEffectiveValue 有效价值最高的候选
func maxByEffectiveValue(candidates []candidate) *candidate {
	sorted := make([]candidate, len(candidates))
	copy(sorted, candidates)
	sortByValue(sorted)
	return &sorted[0]
}

// ========================================
// 执行建议
// ========================================

// buildRecommendation 构建执行建议
// 极高风险、滑点超限、元聚合确认数不足时建议不执行
func buildRecommendation(best *candidate, rationale string, quoteCount int, strategy *types.ExecutionStrategy) types.ExecutionRecommendation {
	rec := types.ExecutionRecommendation{
		ShouldExecute: true,
		RiskLevel:     best.rated.Risk.Level,
		Rationale:     rationale,
	}

	if best.rated.Risk.Level == types.RiskVeryHigh {
		rec.ShouldExecute = false
		rec.Rationale = "very_high_risk: 胜出报价风险极高"
		return rec
	}
	if best.rated.Quote.PriceImpactPercent.GreaterThan(strategy.MaxSlippagePercent) {
		rec.ShouldExecute = false
		rec.Rationale = fmt.Sprintf("slippage_exceeded: 价格冲击 %s%% 超出容忍 %s%%",
			best.rated.Quote.PriceImpactPercent.StringFixed(2), strategy.MaxSlippagePercent.StringFixed(2))
		return rec
	}
	if strategy.Mode == types.ModeMetaAggregation {
		quorum := strategy.MinQuorum
		if quorum <= 0 {
			quorum = defaultMinQuorum
		}
		if quoteCount < quorum {
			rec.ShouldExecute = false
			rec.Rationale = fmt.Sprintf("quorum_not_met: 仅 %d 个报价源响应，低于最少确认数 %d", quoteCount, quorum)
			return rec
		}
	}
	return rec
}
