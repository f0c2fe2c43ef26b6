package notification

import (
	"context"

	"github.com/smallbiznis/chama/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("notification",
	fx.Provide(NewPublisher),
	fx.Provide(NewService),
	fx.Provide(func(s *Service) Notifier { return s }),
)

func NewPublisher(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) Publisher {
	if len(cfg.Kafka.Brokers) == 0 {
		log.Info("KAFKA_BROKERS not set; notifications are stored in the inbox only")
		return inboxOnly{}
	}
	publisher := NewKafkaPublisher(cfg.Kafka)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return publisher.Close()
		},
	})
	return publisher
}
