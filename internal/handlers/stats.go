package handlers

import (
	"encoding/json"
	"net/http"

	"pricewatch/internal/notify"
	"pricewatch/internal/upstream"
)

// StatsHandler exposes upstream request counters and subscriber counts.
// Observability only: no behavioral contract.
type StatsHandler struct {
	upstream *upstream.Client
	hub      *notify.Hub
}

func NewStatsHandler(client *upstream.Client, hub *notify.Hub) *StatsHandler {
	return &StatsHandler{upstream: client, hub: hub}
}

func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	payload := struct {
		Upstream    upstream.Stats `json:"upstream"`
		Subscribers int            `json:"subscribers"`
	}{
		Upstream:    h.upstream.Stats(),
		Subscribers: h.hub.ClientCount(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

// HealthHandler reports liveness.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
