package alerts

import (
	"context"
	"errors"

	"pricewatch/internal/models"
)

// ErrNotFound is returned when a rule ID does not exist.
var ErrNotFound = errors.New("alert rule not found")

// RuleStore persists alert rules. The scheduler reads the active set each
// tick; the HTTP API mutates rules concurrently.
type RuleStore interface {
	Create(ctx context.Context, rule *models.AlertRule) error
	GetByID(ctx context.Context, id string) (*models.AlertRule, error)
	ListAll(ctx context.Context) ([]*models.AlertRule, error)
	ListActive(ctx context.Context) ([]*models.AlertRule, error)
	ListByUserID(ctx context.Context, userID string) ([]*models.AlertRule, error)
	ListBySymbol(ctx context.Context, symbol string) ([]*models.AlertRule, error)
	Update(ctx context.Context, rule *models.AlertRule) error
	// Deactivate clears the active flag so a fired rule cannot fire again.
	Deactivate(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}
