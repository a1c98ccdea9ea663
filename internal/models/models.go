package models

import (
	"strings"
	"time"
)

// ConditionKind selects how an alert threshold is compared against a
// snapshot. Price conditions use ThresholdPrice, percent conditions use
// ThresholdPercent.
type ConditionKind string

const (
	ConditionPriceAbove      ConditionKind = "price_above"
	ConditionPriceBelow      ConditionKind = "price_below"
	ConditionPercentIncrease ConditionKind = "percent_increase"
	ConditionPercentDecrease ConditionKind = "percent_decrease"
)

// Valid reports whether k is one of the known condition kinds.
func (k ConditionKind) Valid() bool {
	switch k {
	case ConditionPriceAbove, ConditionPriceBelow, ConditionPercentIncrease, ConditionPercentDecrease:
		return true
	}
	return false
}

// UsesPrice reports whether the condition compares against ThresholdPrice.
func (k ConditionKind) UsesPrice() bool {
	return k == ConditionPriceAbove || k == ConditionPriceBelow
}

// PriceSnapshot is one quote for one asset at one instant. Snapshots are
// never mutated; a later fetch supersedes the previous snapshot for the
// same symbol.
type PriceSnapshot struct {
	Symbol           string    `json:"symbol"`
	Price            float64   `json:"price"`
	Change24h        float64   `json:"change_24h"`
	ChangePercent24h float64   `json:"change_percent_24h"`
	MarketCap        float64   `json:"market_cap"`
	Volume24h        float64   `json:"volume_24h"`
	FetchedAt        time.Time `json:"fetched_at"`
}

// CanonicalSymbol uppercases a ticker symbol for case-insensitive matching
// between rules and snapshots.
func CanonicalSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// AlertRule is a user's standing request to be notified. A rule fires at
// most once: the trigger path flips Active to false.
type AlertRule struct {
	ID               string        `json:"id" db:"id"`
	UserID           string        `json:"user_id" db:"user_id"`
	Symbol           string        `json:"symbol" db:"symbol"`
	Condition        ConditionKind `json:"condition" db:"condition"`
	ThresholdPrice   *float64      `json:"threshold_price,omitempty" db:"threshold_price"`
	ThresholdPercent *float64      `json:"threshold_percent,omitempty" db:"threshold_percent"`
	Active           bool          `json:"active" db:"active"`
	CreatedAt        time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at" db:"updated_at"`
}

// AlertEvent is emitted when a rule triggers. It carries the rule identity
// plus the snapshot values that caused the trigger.
type AlertEvent struct {
	RuleID           string        `json:"rule_id"`
	UserID           string        `json:"user_id"`
	Symbol           string        `json:"symbol"`
	Condition        ConditionKind `json:"condition"`
	Threshold        float64       `json:"threshold"`
	Price            float64       `json:"price"`
	ChangePercent24h float64       `json:"change_percent_24h"`
	TriggeredAt      time.Time     `json:"triggered_at"`
	// Origin identifies the instance that produced the event so pubsub
	// re-broadcasts can skip their own messages.
	Origin string `json:"origin,omitempty"`
}

// NotificationPrefs are a user's delivery preferences, read from the user
// store at trigger time.
type NotificationPrefs struct {
	UserID       string `json:"user_id"`
	Email        string `json:"email"`
	EmailEnabled bool   `json:"email_enabled"`
}

// PriceUpdate is the wire format produced to the Kafka price topic.
type PriceUpdate struct {
	Source    string  `json:"source"`
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp string  `json:"timestamp"`
}
