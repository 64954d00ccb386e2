// Command lattice-stream is an AWS Lambda function attached to the DynamoDB
// streams of the entity and relationship tables. It publishes the refs of
// every changed entity on the Redis invalidation bus and purges derived
// records of entities removed by TTL.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/redis/go-redis/v9"

	"github.com/jacentio/lattice/config"
	"github.com/jacentio/lattice/invalidate"
	"github.com/jacentio/lattice/store"
	"github.com/jacentio/lattice/stream"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, path, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "path", path, "error", err)
		os.Exit(1)
	}
	registry, err := cfg.Registry()
	if err != nil {
		logger.Error("invalid relation metadata", "path", path, "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	s := store.NewWithRegistry(dynamodb.NewFromConfig(awsCfg), cfg.StoreOptions(), registry)

	rdb := redis.NewClient(cfg.RedisOptions())
	defer rdb.Close()

	// No local cache runs in the function; invalidations are publish-only.
	bus := invalidate.NewBus(rdb, nil, cfg.BusOptions(), invalidate.WithLogger(logger))

	handler := stream.NewHandler(s, bus, logger)
	logger.Info("starting stream handler",
		"config", path,
		"relations", len(registry.AllRelations()),
		"channel", cfg.Redis.Channel,
	)
	lambda.Start(handler.HandleStream)
}
