package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"pricewatch/internal/alerts"
	"pricewatch/internal/cache"
	"pricewatch/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(f float64) *float64 { return &f }

func newTestAPI() (*API, *alerts.MemoryStore) {
	store := alerts.NewMemoryStore()
	return NewAPI(store, cache.NewMemoryCache(), "test-1"), store
}

func doJSON(t *testing.T, api *API, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	api.AlertsHandler(rec, req)
	return rec
}

func TestCreateAlert(t *testing.T) {
	api, store := newTestAPI()

	rec := doJSON(t, api, http.MethodPost, "/alerts", CreateAlertRequest{
		UserID:         "alice",
		Symbol:         "btc",
		Condition:      models.ConditionPriceAbove,
		ThresholdPrice: floatPtr(60000),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Message string           `json:"message"`
		Data    models.AlertRule `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Data.ID)
	assert.Equal(t, "BTC", resp.Data.Symbol, "symbols are stored canonical")
	assert.True(t, resp.Data.Active, "new rules start active")

	stored, err := store.GetByID(context.Background(), resp.Data.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.UserID)
}

func TestCreateAlertValidation(t *testing.T) {
	api, _ := newTestAPI()

	tests := []struct {
		name string
		body CreateAlertRequest
	}{
		{
			"missing user",
			CreateAlertRequest{Symbol: "BTC", Condition: models.ConditionPriceAbove, ThresholdPrice: floatPtr(1)},
		},
		{
			"unknown condition",
			CreateAlertRequest{UserID: "u", Symbol: "BTC", Condition: "price_sideways", ThresholdPrice: floatPtr(1)},
		},
		{
			"price condition without price threshold",
			CreateAlertRequest{UserID: "u", Symbol: "BTC", Condition: models.ConditionPriceAbove, ThresholdPercent: floatPtr(5)},
		},
		{
			"percent condition with both thresholds",
			CreateAlertRequest{UserID: "u", Symbol: "BTC", Condition: models.ConditionPercentDecrease, ThresholdPrice: floatPtr(1), ThresholdPercent: floatPtr(5)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, api, http.MethodPost, "/alerts", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestBrowseAlertsServesCachedResponse(t *testing.T) {
	api, store := newTestAPI()

	rec := doJSON(t, api, http.MethodGet, "/alerts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	firstBody := rec.Body.String()

	// A write that bypasses the handler is invisible until the cache expires.
	require.NoError(t, store.Create(context.Background(), &models.AlertRule{ID: "r1", UserID: "u", Symbol: "BTC"}))

	rec = doJSON(t, api, http.MethodGet, "/alerts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, firstBody, rec.Body.String())
}

func TestMutationInvalidatesBrowseCache(t *testing.T) {
	api, _ := newTestAPI()

	rec := doJSON(t, api, http.MethodGet, "/alerts", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, api, http.MethodPost, "/alerts", CreateAlertRequest{
		UserID:         "alice",
		Symbol:         "BTC",
		Condition:      models.ConditionPriceAbove,
		ThresholdPrice: floatPtr(60000),
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, api, http.MethodGet, "/alerts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alice")
}

func TestGetAlertNotFound(t *testing.T) {
	api, _ := newTestAPI()
	rec := doJSON(t, api, http.MethodGet, "/alerts/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateAlert(t *testing.T) {
	api, store := newTestAPI()

	require.NoError(t, store.Create(context.Background(), &models.AlertRule{
		ID:             "r1",
		UserID:         "alice",
		Symbol:         "BTC",
		Condition:      models.ConditionPriceAbove,
		ThresholdPrice: floatPtr(60000),
		Active:         true,
	}))

	inactive := false
	rec := doJSON(t, api, http.MethodPatch, "/alerts/r1", UpdateAlertRequest{
		ThresholdPrice: floatPtr(65000),
		Active:         &inactive,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	updated, err := store.GetByID(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 65000.0, *updated.ThresholdPrice)
	assert.False(t, updated.Active)
}

func TestUpdateAlertRejectsInvalidThresholds(t *testing.T) {
	api, store := newTestAPI()

	require.NoError(t, store.Create(context.Background(), &models.AlertRule{
		ID:             "r1",
		Symbol:         "BTC",
		Condition:      models.ConditionPriceAbove,
		ThresholdPrice: floatPtr(60000),
		Active:         true,
	}))

	rec := doJSON(t, api, http.MethodPatch, "/alerts/r1", UpdateAlertRequest{
		Condition: models.ConditionPercentDecrease,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code,
		"switching to a percent condition without a percent threshold must fail")
}

func TestDeleteAlert(t *testing.T) {
	api, store := newTestAPI()

	require.NoError(t, store.Create(context.Background(), &models.AlertRule{ID: "r1", Symbol: "BTC"}))

	rec := doJSON(t, api, http.MethodDelete, "/alerts/r1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, api, http.MethodDelete, "/alerts/r1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAlertsHandlerMethodNotAllowed(t *testing.T) {
	api, _ := newTestAPI()
	rec := doJSON(t, api, http.MethodPut, "/alerts", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestValidateThresholds(t *testing.T) {
	assert.NoError(t, validateThresholds(models.ConditionPriceAbove, floatPtr(1), nil))
	assert.NoError(t, validateThresholds(models.ConditionPercentIncrease, nil, floatPtr(5)))
	assert.Error(t, validateThresholds(models.ConditionPriceAbove, nil, floatPtr(5)))
	assert.Error(t, validateThresholds(models.ConditionPercentIncrease, floatPtr(1), nil))
	assert.Error(t, validateThresholds(models.ConditionPriceBelow, floatPtr(1), floatPtr(5)))
	assert.Error(t, validateThresholds("bogus", floatPtr(1), nil))
}
