package app

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/mopatas/transaction-service/internal/domain"
	"go.uber.org/zap"
)

// AccountImporter is the engine operation the consumer drives.
type AccountImporter interface {
	ImportRegisteredAccount(ctx context.Context, event domain.AccountRegisteredEvent) error
}

// AccountRegisteredConsumer creates wallets announced on the account.registered topic.
type AccountRegisteredConsumer struct {
	importer AccountImporter
	logger   *zap.Logger
	timeout  time.Duration
}

func NewAccountRegisteredConsumer(importer AccountImporter, logger *zap.Logger) *AccountRegisteredConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountRegisteredConsumer{
		importer: importer,
		logger:   logger.With(zap.String("component", "account_consumer")),
		timeout:  15 * time.Second,
	}
}

// HandleMessage returns true when the delivery should be acknowledged.
// Malformed or invalid payloads are dropped; infrastructure failures re-queue.
func (c *AccountRegisteredConsumer) HandleMessage(body []byte) bool {
	var event domain.AccountRegisteredEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("failed to unmarshal payload", zap.Error(err))
		return true
	}

	if strings.TrimSpace(event.AccountID) == "" {
		c.logger.Warn("missing account id in event", zap.String("event_id", event.EventID))
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.importer.ImportRegisteredAccount(ctx, event); err != nil {
		if domain.KindOf(err) != "" {
			c.logger.Warn("rejected account event", zap.String("account_id", event.AccountID), zap.Error(err))
			return true
		}
		c.logger.Error("processing error", zap.String("account_id", event.AccountID), zap.Error(err))
		return false
	}

	c.logger.Info("account imported", zap.String("account_id", event.AccountID), zap.String("kind", string(event.Kind)))
	return true
}
