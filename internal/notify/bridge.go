package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"pricewatch/internal/cache"
	"pricewatch/internal/logger"
	"pricewatch/internal/models"

	"go.uber.org/zap"
)

// AlertsChannel is the Redis channel carrying triggered alerts between
// instances.
const AlertsChannel = "price_alerts"

// Bridge distributes triggered alerts across instances over Redis pubsub.
// Events published locally are tagged with this instance's origin so the
// bridge does not re-broadcast its own messages.
type Bridge struct {
	ps     *cache.PubSub
	hub    *Hub
	origin string

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewBridge(ps *cache.PubSub, hub *Hub, origin string) *Bridge {
	return &Bridge{ps: ps, hub: hub, origin: origin}
}

// Publish sends an alert event to the shared channel.
func (b *Bridge) Publish(ctx context.Context, ev models.AlertEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.ps.Publish(ctx, AlertsChannel, payload)
}

// Start subscribes to the alert channel and re-broadcasts events from
// other instances to the local hub.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.running = true
	b.mu.Unlock()

	sub, err := b.ps.Subscribe(runCtx, AlertsChannel)
	if err != nil {
		cancel()
		b.mu.Lock()
		b.running = false
		b.cancel = nil
		b.mu.Unlock()
		return err
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer sub.Close()
		b.listen(runCtx, sub)
	}()

	logger.Log.Info("Alert bridge started", zap.String("origin", b.origin))
	return nil
}

// Stop cancels the listen loop and waits for it to exit.
func (b *Bridge) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	b.running = false
	b.cancel = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
}

func (b *Bridge) listen(ctx context.Context, sub *cache.Subscriber) {
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Log.Error("Error receiving alert from Redis", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		var ev models.AlertEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			logger.Log.Error("Error unmarshaling alert event", zap.Error(err))
			continue
		}
		if ev.Origin == b.origin {
			continue
		}

		logger.Log.Info("Received alert from peer instance",
			zap.String("symbol", ev.Symbol),
			zap.String("origin", ev.Origin),
		)
		b.hub.BroadcastAlert(ev)
	}
}
