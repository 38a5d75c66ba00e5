// Package risk 报价风险评估
// 纯函数实现：同一报价永远得到同一评估结果，无任何副作用
// 风险随价格冲击、路径跳数上升而单调上升，随置信度下降而单调上升
package risk

import (
	"fmt"

	"defi-aggregator/trade-engine/internal/types"

	"github.com/shopspring/decimal"
)

// 价格冲击分档阈值(百分比)
var (
	impactMediumFrom   = decimal.NewFromFloat(0.5)
	impactHighFrom     = decimal.NewFromFloat(2.0)
	impactVeryHighFrom = decimal.NewFromFloat(5.0)

	// 置信度低于该值时风险上调一档
	lowConfidenceBelow = decimal.NewFromFloat(0.5)
)

// Assess 评估单个报价的风险
// 最终等级取三个因素各自贡献等级的最大值；warnings按因素顺序枚举
func Assess(quote *types.Quote) types.RiskAssessment {
	var warnings []string

	// 因素1：价格冲击
	impactLevel := impactRisk(quote.PriceImpactPercent)
	if impactLevel > types.RiskLow {
		warnings = append(warnings, fmt.Sprintf(
			"价格冲击 %s%% 超出舒适阈值", quote.PriceImpactPercent.StringFixed(2)))
	}

	// 因素2：路径复杂度，超过1跳后每跳上调一档
	hopLevel := types.RiskLow
	hops := quote.HopCount()
	if hops > 1 {
		hopLevel = types.RiskLow + types.RiskLevel(hops-1)
		if hopLevel > types.RiskVeryHigh {
			hopLevel = types.RiskVeryHigh
		}
		warnings = append(warnings, fmt.Sprintf("路径经过 %d 跳", hops))
	}

	// 因素3：置信度
	confidenceLevel := types.RiskLow
	if quote.Confidence.LessThan(lowConfidenceBelow) {
		confidenceLevel = types.RiskMedium
		warnings = append(warnings, fmt.Sprintf(
			"报价源置信度偏低 (%s)", quote.Confidence.StringFixed(2)))
	}

	level := impactLevel
	if hopLevel > level {
		level = hopLevel
	}
	if confidenceLevel > level {
		level = confidenceLevel
	}

	return types.RiskAssessment{Level: level, Warnings: warnings}
}

// impactRisk 价格冲击的贡献等级
func impactRisk(impactPercent decimal.Decimal) types.RiskLevel {
	switch {
	case impactPercent.GreaterThan(impactVeryHighFrom):
		return types.RiskVeryHigh
	case impactPercent.GreaterThan(impactHighFrom):
		return types.RiskHigh
	case impactPercent.GreaterThanOrEqual(impactMediumFrom):
		return types.RiskMedium
	default:
		return types.RiskLow
	}
}
