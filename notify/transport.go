package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogTransport writes deliveries to the log. It stands in where no push or
// SMS provider is configured; connected clients still get the hub mirror.
type LogTransport struct {
	logger *zap.SugaredLogger
}

// NewLogTransport creates a log-only transport.
func NewLogTransport(logger *zap.SugaredLogger) *LogTransport {
	return &LogTransport{logger: logger.Named("notify.transport")}
}

// Send logs the notification and reports success.
func (t *LogTransport) Send(_ context.Context, n *Notification) error {
	t.logger.Infow("Notification delivered",
		"notification_id", n.ID,
		"user_id", n.UserID,
		"kind", n.Kind,
	)
	return nil
}
