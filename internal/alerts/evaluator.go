package alerts

import (
	"strings"

	"pricewatch/internal/models"
)

// Evaluate reports whether a rule triggers against a snapshot. It is a
// pure function: no side effects, no time dependence, same answer for the
// same inputs.
//
// A rule whose required threshold field is unset never triggers, and an
// inactive rule is never considered. Symbol matching is case-insensitive.
func Evaluate(rule models.AlertRule, snap models.PriceSnapshot) bool {
	if !rule.Active {
		return false
	}
	if !strings.EqualFold(strings.TrimSpace(rule.Symbol), strings.TrimSpace(snap.Symbol)) {
		return false
	}

	switch rule.Condition {
	case models.ConditionPriceAbove:
		return rule.ThresholdPrice != nil && snap.Price > *rule.ThresholdPrice
	case models.ConditionPriceBelow:
		return rule.ThresholdPrice != nil && snap.Price < *rule.ThresholdPrice
	case models.ConditionPercentIncrease:
		return rule.ThresholdPercent != nil && snap.ChangePercent24h >= *rule.ThresholdPercent
	case models.ConditionPercentDecrease:
		return rule.ThresholdPercent != nil && snap.ChangePercent24h <= -*rule.ThresholdPercent
	}
	return false
}

// Threshold returns the threshold value the rule's condition compares
// against, or 0 when it is unset.
func Threshold(rule models.AlertRule) float64 {
	if rule.Condition.UsesPrice() {
		if rule.ThresholdPrice != nil {
			return *rule.ThresholdPrice
		}
		return 0
	}
	if rule.ThresholdPercent != nil {
		return *rule.ThresholdPercent
	}
	return 0
}
