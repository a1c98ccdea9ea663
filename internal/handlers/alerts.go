package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"pricewatch/internal/alerts"
	"pricewatch/internal/cache"
	"pricewatch/internal/logger"
	"pricewatch/internal/models"
	"pricewatch/internal/tracing"

	"github.com/google/uuid"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

type Response struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type CreateAlertRequest struct {
	UserID           string               `json:"user_id"`
	Symbol           string               `json:"symbol"`
	Condition        models.ConditionKind `json:"condition"`
	ThresholdPrice   *float64             `json:"threshold_price,omitempty"`
	ThresholdPercent *float64             `json:"threshold_percent,omitempty"`
}

type UpdateAlertRequest struct {
	Symbol           string               `json:"symbol,omitempty"`
	Condition        models.ConditionKind `json:"condition,omitempty"`
	ThresholdPrice   *float64             `json:"threshold_price,omitempty"`
	ThresholdPercent *float64             `json:"threshold_percent,omitempty"`
	Active           *bool                `json:"active,omitempty"`
}

// API serves alert rule CRUD. Browse responses are cached briefly and
// invalidated on every mutation.
type API struct {
	rules    alerts.RuleStore
	cache    cache.Cache
	instance string
}

func NewAPI(rules alerts.RuleStore, c cache.Cache, instance string) *API {
	return &API{rules: rules, cache: c, instance: instance}
}

// AlertsHandler dispatches all alert operations based on path and method.
// URL patterns: /alerts and /alerts/{id}.
func (a *API) AlertsHandler(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	pathParts := strings.Split(path, "/")

	if len(pathParts) <= 1 || pathParts[1] == "" {
		switch r.Method {
		case http.MethodGet:
			a.browseAlerts(w, r)
		case http.MethodPost:
			a.createAlert(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	ruleID := pathParts[1]

	switch r.Method {
	case http.MethodGet:
		a.getAlert(w, r, ruleID)
	case http.MethodPut, http.MethodPatch:
		a.updateAlert(w, r, ruleID)
	case http.MethodDelete:
		a.deleteAlert(w, r, ruleID)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) browseAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer(tracing.ServiceName)
	ctx, span := tracer.Start(ctx, "browseAlerts")
	defer span.End()

	traceID := span.SpanContext().TraceID().String()
	cacheKey := generateCacheKey(r, "browse_alerts:")

	if cached, ok := a.cache.Get(ctx, cacheKey); ok {
		logger.Log.Info("Cache hit for /alerts",
			zap.String("trace_id", traceID),
			zap.String("cache_key", cacheKey),
		)
		w.Header().Set("Content-Type", "application/json")
		w.Write(cached)
		return
	}

	userID := r.URL.Query().Get("user_id")
	symbol := r.URL.Query().Get("symbol")

	var rules []*models.AlertRule
	var err error

	if userID != "" {
		rules, err = a.rules.ListByUserID(ctx, userID)
	} else if symbol != "" {
		rules, err = a.rules.ListBySymbol(ctx, symbol)
	} else {
		rules, err = a.rules.ListAll(ctx)
	}

	if err != nil {
		logger.Log.Error("Failed to fetch alerts",
			zap.String("trace_id", traceID),
			zap.Error(err),
		)
		http.Error(w, "Failed to fetch alerts", http.StatusInternalServerError)
		return
	}

	response := Response{
		Message: "Alerts retrieved successfully",
		Data:    rules,
	}

	respBytes, err := json.Marshal(response)
	if err != nil {
		logger.Log.Error("Failed to encode JSON response",
			zap.String("trace_id", traceID),
			zap.Error(err),
		)
		http.Error(w, "Failed to encode JSON response", http.StatusInternalServerError)
		return
	}

	a.cache.Set(ctx, cacheKey, respBytes, 30*time.Second)

	w.Header().Set("Content-Type", "application/json")
	w.Write(respBytes)
}

func (a *API) createAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer(tracing.ServiceName)
	ctx, span := tracer.Start(ctx, "createAlert")
	defer span.End()

	traceID := span.SpanContext().TraceID().String()

	var req CreateAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Log.Error("Failed to parse request body",
			zap.String("trace_id", traceID),
			zap.Error(err),
		)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.UserID == "" || req.Symbol == "" {
		http.Error(w, "Missing required fields: user_id, symbol", http.StatusBadRequest)
		return
	}
	if err := validateThresholds(req.Condition, req.ThresholdPrice, req.ThresholdPercent); err != nil {
		logger.Log.Error("Invalid alert request",
			zap.String("trace_id", traceID),
			zap.Error(err),
		)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	now := time.Now()
	rule := &models.AlertRule{
		ID:               uuid.New().String(),
		UserID:           req.UserID,
		Symbol:           models.CanonicalSymbol(req.Symbol),
		Condition:        req.Condition,
		ThresholdPrice:   req.ThresholdPrice,
		ThresholdPercent: req.ThresholdPercent,
		Active:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := a.rules.Create(ctx, rule); err != nil {
		logger.Log.Error("Failed to create alert",
			zap.String("trace_id", traceID),
			zap.Error(err),
		)
		http.Error(w, "Failed to create alert", http.StatusInternalServerError)
		return
	}

	a.cache.InvalidateByPrefix(ctx, "browse_alerts:")

	response := Response{
		Message: "Alert created successfully",
		Data:    rule,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(response)
}

func (a *API) getAlert(w http.ResponseWriter, r *http.Request, ruleID string) {
	ctx := r.Context()
	tracer := otel.Tracer(tracing.ServiceName)
	ctx, span := tracer.Start(ctx, "getAlert")
	defer span.End()

	traceID := span.SpanContext().TraceID().String()

	rule, err := a.rules.GetByID(ctx, ruleID)
	if err != nil {
		logger.Log.Error("Failed to fetch alert",
			zap.String("trace_id", traceID),
			zap.String("rule_id", ruleID),
			zap.Error(err),
		)
		http.Error(w, "Alert not found", http.StatusNotFound)
		return
	}

	response := Response{
		Message: "Alert retrieved successfully",
		Data:    rule,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (a *API) updateAlert(w http.ResponseWriter, r *http.Request, ruleID string) {
	ctx := r.Context()
	tracer := otel.Tracer(tracing.ServiceName)
	ctx, span := tracer.Start(ctx, "updateAlert")
	defer span.End()

	traceID := span.SpanContext().TraceID().String()

	existing, err := a.rules.GetByID(ctx, ruleID)
	if err != nil {
		logger.Log.Error("Failed to fetch alert for update",
			zap.String("trace_id", traceID),
			zap.String("rule_id", ruleID),
			zap.Error(err),
		)
		http.Error(w, "Alert not found", http.StatusNotFound)
		return
	}

	var req UpdateAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Log.Error("Failed to parse request body",
			zap.String("trace_id", traceID),
			zap.Error(err),
		)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Symbol != "" {
		existing.Symbol = models.CanonicalSymbol(req.Symbol)
	}
	if req.Condition != "" {
		existing.Condition = req.Condition
	}
	if req.ThresholdPrice != nil {
		existing.ThresholdPrice = req.ThresholdPrice
	}
	if req.ThresholdPercent != nil {
		existing.ThresholdPercent = req.ThresholdPercent
	}
	if req.Active != nil {
		existing.Active = *req.Active
	}

	if err := validateThresholds(existing.Condition, existing.ThresholdPrice, existing.ThresholdPercent); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	existing.UpdatedAt = time.Now()

	if err := a.rules.Update(ctx, existing); err != nil {
		logger.Log.Error("Failed to update alert",
			zap.String("trace_id", traceID),
			zap.String("rule_id", ruleID),
			zap.Error(err),
		)
		http.Error(w, "Failed to update alert", http.StatusInternalServerError)
		return
	}

	a.cache.InvalidateByPrefix(ctx, "browse_alerts:")

	response := Response{
		Message: "Alert updated successfully",
		Data:    existing,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (a *API) deleteAlert(w http.ResponseWriter, r *http.Request, ruleID string) {
	ctx := r.Context()
	tracer := otel.Tracer(tracing.ServiceName)
	ctx, span := tracer.Start(ctx, "deleteAlert")
	defer span.End()

	traceID := span.SpanContext().TraceID().String()

	if err := a.rules.Delete(ctx, ruleID); err != nil {
		if errors.Is(err, alerts.ErrNotFound) {
			http.Error(w, "Alert not found", http.StatusNotFound)
			return
		}
		logger.Log.Error("Failed to delete alert",
			zap.String("trace_id", traceID),
			zap.String("rule_id", ruleID),
			zap.Error(err),
		)
		http.Error(w, "Failed to delete alert", http.StatusInternalServerError)
		return
	}

	a.cache.InvalidateByPrefix(ctx, "browse_alerts:")

	response := Response{
		Message: "Alert deleted successfully",
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// validateThresholds enforces that exactly one threshold is set and that
// it matches the condition kind.
func validateThresholds(condition models.ConditionKind, price, percent *float64) error {
	if !condition.Valid() {
		return fmt.Errorf("unknown condition %q", condition)
	}
	if condition.UsesPrice() {
		if price == nil {
			return fmt.Errorf("condition %s requires threshold_price", condition)
		}
		if percent != nil {
			return fmt.Errorf("condition %s does not take threshold_percent", condition)
		}
		return nil
	}
	if percent == nil {
		return fmt.Errorf("condition %s requires threshold_percent", condition)
	}
	if price != nil {
		return fmt.Errorf("condition %s does not take threshold_price", condition)
	}
	return nil
}

func generateCacheKey(r *http.Request, prefix string) string {
	queryParams := r.URL.Query()
	var keys []string
	for k := range queryParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var queryString []string
	for _, k := range keys {
		queryString = append(queryString, fmt.Sprintf("%s=%s", k, strings.Join(queryParams[k], ",")))
	}
	joinedParams := strings.Join(queryString, "&")

	hash := sha256.Sum256([]byte(joinedParams))
	return prefix + hex.EncodeToString(hash[:8])
}
