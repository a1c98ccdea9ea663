package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pricewatch/internal/alerts"
	"pricewatch/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingMailer struct {
	calls int
}

func (m *failingMailer) SendAlert(context.Context, models.NotificationPrefs, models.AlertEvent) error {
	m.calls++
	return errors.New("smtp relay down")
}

type failingDeactivateStore struct {
	*alerts.MemoryStore
}

func (failingDeactivateStore) Deactivate(context.Context, string) error {
	return errors.New("db down")
}

type recordingSink struct {
	mu      sync.Mutex
	batches [][]models.PriceSnapshot
}

func (s *recordingSink) PublishSnapshots(snaps []models.PriceSnapshot) {
	s.mu.Lock()
	s.batches = append(s.batches, snaps)
	s.mu.Unlock()
}

func floatPtr(f float64) *float64 { return &f }

func testRule() *models.AlertRule {
	return &models.AlertRule{
		ID:             "r1",
		UserID:         "alice",
		Symbol:         "BTC",
		Condition:      models.ConditionPriceAbove,
		ThresholdPrice: floatPtr(60000),
		Active:         true,
		CreatedAt:      time.Now(),
	}
}

func TestTriggerDeactivatesRule(t *testing.T) {
	ctx := context.Background()
	rules := alerts.NewMemoryStore()
	rule := testRule()
	require.NoError(t, rules.Create(ctx, rule))

	n := NewNotifier(NotifierOptions{
		Hub:    NewHub(),
		Rules:  rules,
		Origin: "test-1",
	})

	n.Trigger(ctx, *rule, models.PriceSnapshot{Symbol: "BTC", Price: 60001})

	got, err := rules.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, got.Active)
}

func TestTriggerBroadcastsAlertEvent(t *testing.T) {
	ctx := context.Background()
	rules := alerts.NewMemoryStore()
	rule := testRule()
	require.NoError(t, rules.Create(ctx, rule))

	hub := NewHub()
	client := hub.Register()

	n := NewNotifier(NotifierOptions{Hub: hub, Rules: rules, Origin: "test-1"})
	n.Trigger(ctx, *rule, models.PriceSnapshot{Symbol: "BTC", Price: 60001, ChangePercent24h: 2.5})

	env := recvFrame(t, client)
	require.Equal(t, TypeAlert, env.Type)

	data, ok := env.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "r1", data["rule_id"])
	assert.Equal(t, "BTC", data["symbol"])
	assert.Equal(t, 60001.0, data["price"])
	assert.Equal(t, 60000.0, data["threshold"])
	assert.Equal(t, "test-1", data["origin"])
}

func TestTriggerFailingMailerDoesNotBlockDeactivation(t *testing.T) {
	ctx := context.Background()
	rules := alerts.NewMemoryStore()
	rule := testRule()
	require.NoError(t, rules.Create(ctx, rule))

	mailer := &failingMailer{}
	n := NewNotifier(NotifierOptions{
		Hub:    NewHub(),
		Rules:  rules,
		Mailer: mailer,
		Prefs: StaticPrefs{
			"alice": {UserID: "alice", Email: "alice@example.com", EmailEnabled: true},
		},
	})

	n.Trigger(ctx, *rule, models.PriceSnapshot{Symbol: "BTC", Price: 60001})

	assert.Equal(t, 1, mailer.calls)
	got, err := rules.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, got.Active, "mailer failure must not prevent deactivation")
}

func TestTriggerFailingDeactivationStillBroadcasts(t *testing.T) {
	ctx := context.Background()
	rules := failingDeactivateStore{alerts.NewMemoryStore()}
	rule := testRule()
	require.NoError(t, rules.Create(ctx, rule))

	hub := NewHub()
	client := hub.Register()

	n := NewNotifier(NotifierOptions{Hub: hub, Rules: rules})
	assert.NotPanics(t, func() {
		n.Trigger(ctx, *rule, models.PriceSnapshot{Symbol: "BTC", Price: 60001})
	})

	env := recvFrame(t, client)
	assert.Equal(t, TypeAlert, env.Type)
}

func TestTriggerEmailDisabledSkipsMailer(t *testing.T) {
	ctx := context.Background()
	rules := alerts.NewMemoryStore()
	rule := testRule()
	require.NoError(t, rules.Create(ctx, rule))

	mailer := &failingMailer{}
	n := NewNotifier(NotifierOptions{
		Hub:    NewHub(),
		Rules:  rules,
		Mailer: mailer,
		Prefs:  StaticPrefs{},
	})

	n.Trigger(ctx, *rule, models.PriceSnapshot{Symbol: "BTC", Price: 60001})

	assert.Zero(t, mailer.calls, "unknown users default to email disabled")
}

func TestBroadcastSnapshotsFansOutToSink(t *testing.T) {
	hub := NewHub()
	client := hub.Register()
	sink := &recordingSink{}

	n := NewNotifier(NotifierOptions{Hub: hub, Rules: alerts.NewMemoryStore(), Sink: sink})

	snaps := []models.PriceSnapshot{{Symbol: "BTC", Price: 100}}
	n.BroadcastSnapshots(context.Background(), snaps)

	env := recvFrame(t, client)
	assert.Equal(t, TypePrices, env.Type)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.batches, 1)
	assert.Equal(t, snaps, sink.batches[0])
}
