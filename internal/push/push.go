// Package push triggers best-effort, content-free wake-up notifications
// when a message is queued for an offline recipient. The payload never
// carries message content or sender metadata.
package push

import (
	"context"

	"github.com/rs/zerolog"
)

// Notifier delivers a wake-up push to a device token. Implementations are
// best-effort; errors are logged, never surfaced to the sender.
type Notifier interface {
	Wake(ctx context.Context, token string) error
}

// LogNotifier is the default no-delivery implementation: it records the
// wakeup and does nothing else. Real gateways plug in behind the same
// interface.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Wake logs the wakeup. The token is truncated to avoid leaking it in full.
func (n *LogNotifier) Wake(_ context.Context, token string) error {
	short := token
	if len(short) > 8 {
		short = short[:8] + "..."
	}
	n.logger.Info().Str("token", short).Msg("wake push triggered")
	return nil
}
