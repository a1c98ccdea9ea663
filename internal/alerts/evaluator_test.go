package alerts

import (
	"testing"

	"pricewatch/internal/models"

	"github.com/stretchr/testify/assert"
)

func floatPtr(f float64) *float64 { return &f }

func aboveRule(threshold float64) models.AlertRule {
	return models.AlertRule{
		ID:             "r1",
		Symbol:         "BTC",
		Condition:      models.ConditionPriceAbove,
		ThresholdPrice: floatPtr(threshold),
		Active:         true,
	}
}

func snap(symbol string, price, changePct float64) models.PriceSnapshot {
	return models.PriceSnapshot{Symbol: symbol, Price: price, ChangePercent24h: changePct}
}

func TestEvaluatePriceAbove(t *testing.T) {
	rule := aboveRule(50000)

	tests := []struct {
		name  string
		price float64
		want  bool
	}{
		{"above threshold", 50001, true},
		{"exactly at threshold", 50000, false},
		{"below threshold", 49999, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(rule, snap("BTC", tt.price, 0)))
		})
	}
}

func TestEvaluatePriceBelow(t *testing.T) {
	rule := models.AlertRule{
		Symbol:         "ETH",
		Condition:      models.ConditionPriceBelow,
		ThresholdPrice: floatPtr(2000),
		Active:         true,
	}

	assert.True(t, Evaluate(rule, snap("ETH", 1999.99, 0)))
	assert.False(t, Evaluate(rule, snap("ETH", 2000, 0)))
	assert.False(t, Evaluate(rule, snap("ETH", 2000.01, 0)))
}

func TestEvaluatePercentIncrease(t *testing.T) {
	rule := models.AlertRule{
		Symbol:           "SOL",
		Condition:        models.ConditionPercentIncrease,
		ThresholdPercent: floatPtr(10),
		Active:           true,
	}

	assert.True(t, Evaluate(rule, snap("SOL", 0, 10)), "threshold itself triggers")
	assert.True(t, Evaluate(rule, snap("SOL", 0, 12.5)))
	assert.False(t, Evaluate(rule, snap("SOL", 0, 9.9)))
	assert.False(t, Evaluate(rule, snap("SOL", 0, -10)))
}

func TestEvaluatePercentDecrease(t *testing.T) {
	rule := models.AlertRule{
		Symbol:           "BTC",
		Condition:        models.ConditionPercentDecrease,
		ThresholdPercent: floatPtr(5),
		Active:           true,
	}

	tests := []struct {
		name      string
		changePct float64
		want      bool
	}{
		{"exactly minus threshold", -5.0, true},
		{"deeper drop", -5.1, true},
		{"shallower drop", -4.9, false},
		{"gain", 5.0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(rule, snap("BTC", 0, tt.changePct)))
		})
	}
}

func TestEvaluateInactiveRuleNeverTriggers(t *testing.T) {
	rule := aboveRule(50000)
	rule.Active = false

	assert.False(t, Evaluate(rule, snap("BTC", 60000, 0)))
}

func TestEvaluateUnsetThresholdNeverTriggers(t *testing.T) {
	rule := aboveRule(0)
	rule.ThresholdPrice = nil
	assert.False(t, Evaluate(rule, snap("BTC", 60000, 0)))

	pct := models.AlertRule{
		Symbol:    "BTC",
		Condition: models.ConditionPercentDecrease,
		Active:    true,
	}
	assert.False(t, Evaluate(pct, snap("BTC", 0, -50)))
}

func TestEvaluateSymbolMatchIsCaseInsensitive(t *testing.T) {
	rule := aboveRule(100)
	rule.Symbol = "btc"

	assert.True(t, Evaluate(rule, snap("BTC", 101, 0)))
	assert.False(t, Evaluate(rule, snap("ETH", 101, 0)))
}

func TestEvaluateIsPure(t *testing.T) {
	rule := aboveRule(50000)
	s := snap("BTC", 50001, 0)

	for i := 0; i < 3; i++ {
		assert.True(t, Evaluate(rule, s))
	}
	assert.True(t, rule.Active, "evaluation must not mutate the rule")
}

func TestThreshold(t *testing.T) {
	assert.Equal(t, 50000.0, Threshold(aboveRule(50000)))

	pct := models.AlertRule{
		Condition:        models.ConditionPercentDecrease,
		ThresholdPercent: floatPtr(5),
	}
	assert.Equal(t, 5.0, Threshold(pct))

	unset := models.AlertRule{Condition: models.ConditionPriceAbove}
	assert.Equal(t, 0.0, Threshold(unset))
}
