package eventbus

import (
	"context"
	"fmt"

	awspkg "github.com/ValRusDev/microshop/pkg/aws"
	"go.uber.org/zap"
)

// Open builds the driver selected by cfg.Driver.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Bus, error) {
	switch cfg.Driver {
	case "rabbitmq":
		return NewRabbitMQ(cfg, logger)
	case "kafka":
		return NewKafka(cfg, logger), nil
	case "sqs":
		awsCfg, err := awspkg.LoadAWSConfig(ctx)
		if err != nil {
			return nil, err
		}
		return NewSQS(awsCfg, cfg, logger), nil
	case "memory":
		return NewMemoryBus(), nil
	default:
		return nil, fmt.Errorf("unknown event bus driver %q", cfg.Driver)
	}
}
