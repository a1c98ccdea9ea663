package notify

import (
	"context"
	"time"

	"pricewatch/internal/alerts"
	"pricewatch/internal/logger"
	"pricewatch/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var alertsTriggeredTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "alerts_triggered_total",
		Help: "Total number of alert rules that fired",
	},
	[]string{"symbol"},
)

func init() {
	prometheus.MustRegister(alertsTriggeredTotal)
}

// Notifier routes snapshots and triggered alerts to every delivery
// surface: the live hub, peer instances, the Kafka sink, and email.
type Notifier struct {
	hub    *Hub
	bridge *Bridge      // nil when Redis is unavailable
	sink   SnapshotSink // nil when Kafka is not configured
	mailer Mailer
	prefs  PrefsLookup
	rules  alerts.RuleStore
	origin string
}

// NotifierOptions wire a Notifier. Hub and Rules are required; the rest
// are optional delivery surfaces.
type NotifierOptions struct {
	Hub    *Hub
	Bridge *Bridge
	Sink   SnapshotSink
	Mailer Mailer
	Prefs  PrefsLookup
	Rules  alerts.RuleStore
	Origin string
}

func NewNotifier(opts NotifierOptions) *Notifier {
	if opts.Mailer == nil {
		opts.Mailer = LogMailer{}
	}
	return &Notifier{
		hub:    opts.Hub,
		bridge: opts.Bridge,
		sink:   opts.Sink,
		mailer: opts.Mailer,
		prefs:  opts.Prefs,
		rules:  opts.Rules,
		origin: opts.Origin,
	}
}

// BroadcastSnapshots pushes one tick's snapshots to live subscribers and
// the Kafka sink.
func (n *Notifier) BroadcastSnapshots(ctx context.Context, snaps []models.PriceSnapshot) {
	n.hub.BroadcastSnapshots(snaps)
	if n.sink != nil {
		n.sink.PublishSnapshots(snaps)
	}
}

// Trigger runs the full trigger path for a fired rule: push broadcast,
// email dispatch, and rule deactivation. The three steps are independent;
// a failure in one is logged and never blocks the others.
func (n *Notifier) Trigger(ctx context.Context, rule models.AlertRule, snap models.PriceSnapshot) {
	ev := models.AlertEvent{
		RuleID:           rule.ID,
		UserID:           rule.UserID,
		Symbol:           models.CanonicalSymbol(rule.Symbol),
		Condition:        rule.Condition,
		Threshold:        alerts.Threshold(rule),
		Price:            snap.Price,
		ChangePercent24h: snap.ChangePercent24h,
		TriggeredAt:      time.Now(),
		Origin:           n.origin,
	}
	alertsTriggeredTotal.WithLabelValues(ev.Symbol).Inc()

	logger.Log.Info("Alert triggered",
		zap.String("rule_id", ev.RuleID),
		zap.String("symbol", ev.Symbol),
		zap.String("condition", string(ev.Condition)),
		zap.Float64("threshold", ev.Threshold),
		zap.Float64("price", ev.Price),
	)

	n.hub.BroadcastAlert(ev)
	if n.bridge != nil {
		if err := n.bridge.Publish(ctx, ev); err != nil {
			logger.Log.Error("Failed to publish alert to peers",
				zap.String("rule_id", ev.RuleID),
				zap.Error(err),
			)
		}
	}

	n.sendEmail(ctx, rule, ev)

	if err := n.rules.Deactivate(ctx, rule.ID); err != nil {
		logger.Log.Error("Failed to deactivate fired rule",
			zap.String("rule_id", rule.ID),
			zap.Error(err),
		)
	}
}

func (n *Notifier) sendEmail(ctx context.Context, rule models.AlertRule, ev models.AlertEvent) {
	if n.prefs == nil {
		return
	}
	prefs, err := n.prefs.NotificationPrefs(ctx, rule.UserID)
	if err != nil {
		logger.Log.Error("Failed to load notification preferences",
			zap.String("user_id", rule.UserID),
			zap.Error(err),
		)
		return
	}
	if !prefs.EmailEnabled {
		return
	}
	if err := n.mailer.SendAlert(ctx, prefs, ev); err != nil {
		logger.Log.Error("Failed to dispatch alert email",
			zap.String("rule_id", rule.ID),
			zap.String("user_id", rule.UserID),
			zap.Error(err),
		)
	}
}
