package notify

import (
	"context"

	"pricewatch/internal/logger"
	"pricewatch/internal/models"

	"go.uber.org/zap"
)

// PrefsLookup reads a user's notification preferences at trigger time.
// The user store itself lives outside this service.
type PrefsLookup interface {
	NotificationPrefs(ctx context.Context, userID string) (models.NotificationPrefs, error)
}

// StaticPrefs is a fixed in-memory PrefsLookup. Unknown users get email
// disabled.
type StaticPrefs map[string]models.NotificationPrefs

func (p StaticPrefs) NotificationPrefs(_ context.Context, userID string) (models.NotificationPrefs, error) {
	if prefs, ok := p[userID]; ok {
		return prefs, nil
	}
	return models.NotificationPrefs{UserID: userID}, nil
}

// Mailer dispatches an alert email. Delivery is handled by an external
// service; implementations adapt to whatever transport is deployed.
type Mailer interface {
	SendAlert(ctx context.Context, prefs models.NotificationPrefs, ev models.AlertEvent) error
}

// LogMailer records the dispatch instead of sending. Default when no mail
// transport is configured.
type LogMailer struct{}

func (LogMailer) SendAlert(_ context.Context, prefs models.NotificationPrefs, ev models.AlertEvent) error {
	logger.Log.Info("Alert email dispatched",
		zap.String("to", prefs.Email),
		zap.String("rule_id", ev.RuleID),
		zap.String("symbol", ev.Symbol),
		zap.Float64("price", ev.Price),
	)
	return nil
}
