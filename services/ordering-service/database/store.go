package database

import (
	"context"
	"fmt"

	awspkg "github.com/ValRusDev/microshop/pkg/aws"
	"github.com/ValRusDev/microshop/services/ordering-service/config"
	"github.com/ValRusDev/microshop/services/ordering-service/repository"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.uber.org/zap"
)

// OpenOrderStore builds the repository selected by ORDER_STORE. The returned
// close function releases its connections.
func OpenOrderStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repository.OrderRepository, func(context.Context) error, error) {
	switch cfg.OrderStore {
	case config.StorePostgres:
		db, err := ConnectPostgres(ctx, cfg.Postgres, logger)
		if err != nil {
			return nil, nil, err
		}
		return repository.NewGormOrderRepository(db), func(context.Context) error { return ClosePostgres(db) }, nil

	case config.StoreMongo:
		db, err := ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDatabase, logger)
		if err != nil {
			return nil, nil, err
		}
		repo := repository.NewMongoOrderRepository(db)
		if err := repo.EnsureIndexes(ctx); err != nil {
			_ = CloseMongo(ctx, db)
			return nil, nil, err
		}
		return repo, func(ctx context.Context) error { return CloseMongo(ctx, db) }, nil

	case config.StoreDynamoDB:
		awsCfg, err := awspkg.LoadAWSConfig(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("load aws config: %w", err)
		}
		logger.Info("Using DynamoDB order store", zap.String("table", cfg.DynamoTable))
		repo := repository.NewDynamoOrderRepository(dynamodb.NewFromConfig(awsCfg), cfg.DynamoTable, cfg.DynamoIndex)
		return repo, func(context.Context) error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("unknown order store %q", cfg.OrderStore)
}
