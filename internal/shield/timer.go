package shield

import (
	"context"
	"log/slog"
	"time"
)

// ExpiryTimer periodically transitions active enforcements past their expiry
// to the expired state. Indefinite enforcements are never touched.
type ExpiryTimer struct {
	store    EnforcementStore
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewExpiryTimer creates a new enforcement expiry timer.
func NewExpiryTimer(store EnforcementStore, logger *slog.Logger) *ExpiryTimer {
	return &ExpiryTimer{
		store:    store,
		interval: 60 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the expiry check loop. Call in a goroutine.
func (t *ExpiryTimer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.checkExpired(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *ExpiryTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *ExpiryTimer) checkExpired(ctx context.Context) {
	now := time.Now()
	expired, err := t.store.ListExpiring(ctx, now, 100)
	if err != nil {
		t.logger.Warn("failed to list expiring enforcements", "error", err)
		return
	}

	for _, e := range expired {
		if err := e.Expire(now); err != nil {
			continue
		}
		if err := t.store.UpdateEnforcement(ctx, e); err != nil {
			t.logger.Warn("failed to expire enforcement", "enforcement", e.ID, "error", err)
			continue
		}
		t.logger.Info("enforcement expired",
			"enforcement", e.ID, "user", e.UserID, "action", e.Action)
	}
}
