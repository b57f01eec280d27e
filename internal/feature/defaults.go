package feature

import (
	"context"
	"log/slog"
)

// LoggingNotificationDispatcher is the default NotificationDispatcher: it
// just logs. Deployments that want real alerting (SMS/email/push) supply
// their own implementation.
type LoggingNotificationDispatcher struct {
	logger *slog.Logger
}

// NewLoggingNotificationDispatcher builds the default dispatcher.
func NewLoggingNotificationDispatcher(logger *slog.Logger) *LoggingNotificationDispatcher {
	return &LoggingNotificationDispatcher{logger: logger.With("component", "notification-dispatcher")}
}

// Fire logs the event. It never blocks the caller and never returns an error.
func (d *LoggingNotificationDispatcher) Fire(ctx context.Context, event Event) {
	d.logger.Warn("notification",
		"type", event.Type,
		"extension", event.Extension,
		"caller", event.CallerIDNum,
		"detail", event.Detail,
	)
}
