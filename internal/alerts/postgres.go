package alerts

import (
	"context"
	"database/sql"
	"errors"

	"pricewatch/internal/logger"
	"pricewatch/internal/models"

	"go.uber.org/zap"
)

// PostgresStore implements RuleStore on Postgres.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const ruleColumns = `id, user_id, symbol, condition, threshold_price, threshold_percent, active, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, rule *models.AlertRule) error {
	query := `
		INSERT INTO alert_rules (` + ruleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		rule.ID,
		rule.UserID,
		rule.Symbol,
		string(rule.Condition),
		rule.ThresholdPrice,
		rule.ThresholdPercent,
		rule.Active,
		rule.CreatedAt,
		rule.UpdatedAt,
	)

	if err != nil {
		logger.Log.Error("Failed to create alert rule in database",
			zap.String("rule_id", rule.ID),
			zap.Error(err),
		)
		return err
	}

	return nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*models.AlertRule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM alert_rules
		WHERE id = $1
	`

	rule, err := scanRule(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		logger.Log.Error("Failed to retrieve alert rule",
			zap.String("rule_id", id),
			zap.Error(err),
		)
		return nil, err
	}

	return rule, nil
}

func (s *PostgresStore) ListAll(ctx context.Context) ([]*models.AlertRule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM alert_rules
		ORDER BY created_at DESC
	`
	return s.queryRules(ctx, query)
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]*models.AlertRule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM alert_rules
		WHERE active = TRUE
		ORDER BY created_at DESC
	`
	return s.queryRules(ctx, query)
}

func (s *PostgresStore) ListByUserID(ctx context.Context, userID string) ([]*models.AlertRule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM alert_rules
		WHERE user_id = $1
		ORDER BY created_at DESC
	`
	return s.queryRules(ctx, query, userID)
}

func (s *PostgresStore) ListBySymbol(ctx context.Context, symbol string) ([]*models.AlertRule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM alert_rules
		WHERE UPPER(symbol) = $1
		ORDER BY created_at DESC
	`
	return s.queryRules(ctx, query, models.CanonicalSymbol(symbol))
}

func (s *PostgresStore) Update(ctx context.Context, rule *models.AlertRule) error {
	query := `
		UPDATE alert_rules
		SET symbol = $1, condition = $2, threshold_price = $3, threshold_percent = $4, active = $5, updated_at = $6
		WHERE id = $7
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		rule.Symbol,
		string(rule.Condition),
		rule.ThresholdPrice,
		rule.ThresholdPercent,
		rule.Active,
		rule.UpdatedAt,
		rule.ID,
	)

	if err != nil {
		logger.Log.Error("Failed to update alert rule",
			zap.String("rule_id", rule.ID),
			zap.Error(err),
		)
		return err
	}

	return nil
}

func (s *PostgresStore) Deactivate(ctx context.Context, id string) error {
	query := `
		UPDATE alert_rules
		SET active = FALSE, updated_at = NOW()
		WHERE id = $1
	`

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		logger.Log.Error("Failed to deactivate alert rule",
			zap.String("rule_id", id),
			zap.Error(err),
		)
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM alert_rules WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		logger.Log.Error("Failed to delete alert rule",
			zap.String("rule_id", id),
			zap.Error(err),
		)
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *PostgresStore) queryRules(ctx context.Context, query string, args ...any) ([]*models.AlertRule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		logger.Log.Error("Failed to query alert rules", zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	var rules []*models.AlertRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return rules, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*models.AlertRule, error) {
	var rule models.AlertRule
	var condition string
	var thresholdPrice, thresholdPercent sql.NullFloat64

	err := row.Scan(
		&rule.ID,
		&rule.UserID,
		&rule.Symbol,
		&condition,
		&thresholdPrice,
		&thresholdPercent,
		&rule.Active,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Condition = models.ConditionKind(condition)
	if thresholdPrice.Valid {
		val := thresholdPrice.Float64
		rule.ThresholdPrice = &val
	}
	if thresholdPercent.Valid {
		val := thresholdPercent.Float64
		rule.ThresholdPercent = &val
	}

	return &rule, nil
}
