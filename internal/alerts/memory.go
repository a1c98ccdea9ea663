package alerts

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"pricewatch/internal/models"
)

// MemoryStore is an in-memory RuleStore used by unit tests and local
// development.
type MemoryStore struct {
	mu    sync.RWMutex
	rules map[string]models.AlertRule
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rules: make(map[string]models.AlertRule)}
}

func (s *MemoryStore) Create(_ context.Context, rule *models.AlertRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.ID] = *rule
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (*models.AlertRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rule, nil
}

func (s *MemoryStore) ListAll(_ context.Context) ([]*models.AlertRule, error) {
	return s.list(func(models.AlertRule) bool { return true }), nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]*models.AlertRule, error) {
	return s.list(func(r models.AlertRule) bool { return r.Active }), nil
}

func (s *MemoryStore) ListByUserID(_ context.Context, userID string) ([]*models.AlertRule, error) {
	return s.list(func(r models.AlertRule) bool { return r.UserID == userID }), nil
}

func (s *MemoryStore) ListBySymbol(_ context.Context, symbol string) ([]*models.AlertRule, error) {
	return s.list(func(r models.AlertRule) bool {
		return strings.EqualFold(r.Symbol, symbol)
	}), nil
}

func (s *MemoryStore) Update(_ context.Context, rule *models.AlertRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[rule.ID]; !ok {
		return ErrNotFound
	}
	s.rules[rule.ID] = *rule
	return nil
}

func (s *MemoryStore) Deactivate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok {
		return ErrNotFound
	}
	rule.Active = false
	rule.UpdatedAt = time.Now()
	s.rules[id] = rule
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return ErrNotFound
	}
	delete(s.rules, id)
	return nil
}

func (s *MemoryStore) list(keep func(models.AlertRule) bool) []*models.AlertRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rules []*models.AlertRule
	for _, rule := range s.rules {
		if keep(rule) {
			r := rule
			rules = append(rules, &r)
		}
	}
	sort.Slice(rules, func(i, j int) bool {
		return rules[i].CreatedAt.After(rules[j].CreatedAt)
	})
	return rules
}
