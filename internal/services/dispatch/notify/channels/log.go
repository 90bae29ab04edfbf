package channels

import (
	"context"

	"github.com/louisbranch/dispatch/internal/platform/logging"
	"github.com/louisbranch/dispatch/internal/services/dispatch/notify"
	"go.uber.org/zap"
)

// Log writes messages to a logger. It stands in for real providers in local
// runs.
type Log struct {
	logger *zap.Logger
}

// NewLog returns a log channel.
func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logging.OrNop(logger).Named("channel.log")}
}

// Name implements notify.Channel.
func (l *Log) Name() string { return "log" }

// Send implements notify.Channel.
func (l *Log) Send(ctx context.Context, msg notify.Message) (notify.DeliveryResult, error) {
	if err := ctx.Err(); err != nil {
		return notify.DeliveryResult{}, err
	}
	l.logger.Info("notification",
		zap.String("event_id", msg.EventID),
		zap.String("recipient", msg.Recipient),
		zap.String("title", msg.Title),
		zap.String("body", msg.Body),
	)
	return notify.DeliveryResult{ProviderID: msg.EventID}, nil
}
