package status

import (
	"log/slog"
	"sync"

	"github.com/jholhewres/reelbot/pkg/reelbot/channels/whatsapp"
)

// ConnectionLog keeps the most recent WhatsApp connection changes. It is a
// whatsapp.ConnectionObserver.
type ConnectionLog struct {
	mu     sync.Mutex
	events []whatsapp.ConnectionEvent
	size   int
	logger *slog.Logger
}

// NewConnectionLog creates a log holding at most size events.
func NewConnectionLog(size int, logger *slog.Logger) *ConnectionLog {
	if size <= 0 {
		size = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionLog{size: size, logger: logger.With("component", "whatsapp-connection")}
}

// OnConnectionChange records evt, dropping the oldest entry when full.
func (l *ConnectionLog) OnConnectionChange(evt whatsapp.ConnectionEvent) {
	l.logger.Info("connection state changed",
		"state", evt.State,
		"previous", evt.Previous,
		"reason", evt.Reason,
	)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
	if len(l.events) > l.size {
		l.events = l.events[len(l.events)-l.size:]
	}
}

// Events returns the recorded events, oldest first.
func (l *ConnectionLog) Events() []whatsapp.ConnectionEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]whatsapp.ConnectionEvent(nil), l.events...)
}
