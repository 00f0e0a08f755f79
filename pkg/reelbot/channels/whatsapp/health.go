package whatsapp

import (
	"context"
	"time"
)

// HealthMonitorConfig configures proactive connection health monitoring.
type HealthMonitorConfig struct {
	Enabled bool `yaml:"enabled"`

	// CheckInterval is how often the connection is checked. Default: 30s.
	CheckInterval time.Duration `yaml:"check_interval"`

	// MaxSilentDuration is how long the connection may be idle before it
	// is inspected. Default: 5m.
	MaxSilentDuration time.Duration `yaml:"max_silent_duration"`

	// ForceReconnectAfter forces a reconnect after this much silence even
	// when the client claims to be connected (0 = disabled).
	ForceReconnectAfter time.Duration `yaml:"force_reconnect_after"`

	// PresenceInterval is how often an availability presence is sent
	// (0 = disabled).
	PresenceInterval time.Duration `yaml:"presence_interval"`
}

// DefaultHealthMonitorConfig returns sensible defaults.
func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		Enabled:             true,
		CheckInterval:       30 * time.Second,
		MaxSilentDuration:   5 * time.Minute,
		ForceReconnectAfter: 15 * time.Minute,
		PresenceInterval:    2 * time.Minute,
	}
}

// StartHealthMonitor runs health checks until ctx is cancelled. Repeated
// calls are no-ops.
func (w *WhatsApp) StartHealthMonitor(ctx context.Context, cfg HealthMonitorConfig) {
	if !cfg.Enabled || !w.monitorStarted.CompareAndSwap(false, true) {
		return
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.MaxSilentDuration <= 0 {
		cfg.MaxSilentDuration = 5 * time.Minute
	}

	go func() {
		ticker := time.NewTicker(cfg.CheckInterval)
		defer ticker.Stop()

		w.logger.Info("health monitor started",
			"check_interval", cfg.CheckInterval,
			"max_silent", cfg.MaxSilentDuration)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if w.needsReconnect(cfg, time.Now()) {
					w.setState(StateReconnecting)
					w.connected.Store(false)
					go w.attemptReconnect()
				}
			}
		}
	}()

	if cfg.PresenceInterval > 0 {
		go w.runPresence(ctx, cfg.PresenceInterval)
	}
}

func (w *WhatsApp) runPresence(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.getState() != StateConnected {
				continue
			}
			if err := w.SendPresence(ctx, true); err != nil {
				w.logger.Warn("failed to send presence", "error", err)
				continue
			}
			w.UpdateLastMsgTime()
		}
	}
}

// needsReconnect reports whether a connected but silent session should be
// re-established.
func (w *WhatsApp) needsReconnect(cfg HealthMonitorConfig, now time.Time) bool {
	if w.getState() != StateConnected {
		return false
	}

	silent := now.Sub(w.getLastMsgTime())
	if silent <= cfg.MaxSilentDuration {
		return false
	}

	if w.client != nil && !w.client.IsConnected() {
		w.logger.Error("client reports disconnected while state is connected")
		return true
	}
	if cfg.ForceReconnectAfter > 0 && silent > cfg.ForceReconnectAfter {
		w.logger.Warn("forcing reconnect after prolonged silence", "silent", silent)
		return true
	}
	return false
}

func (w *WhatsApp) getLastMsgTime() time.Time {
	if v := w.lastMsg.Load(); v != nil {
		return v.(time.Time)
	}
	return time.Time{}
}

// UpdateLastMsgTime records activity on the connection.
func (w *WhatsApp) UpdateLastMsgTime() {
	w.lastMsg.Store(time.Now())
}
