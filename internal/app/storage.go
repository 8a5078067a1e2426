package app

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"stepflow/internal/config"
	"stepflow/internal/redis"
	"stepflow/internal/storage"
	"stepflow/internal/storage/postgres"
	"stepflow/internal/storage/redisstore"
	"stepflow/internal/storage/sqlite"
)

// newRunStore builds the run store selected by STORAGE_TYPE.
func newRunStore(cfg *config.Config) (storage.RunStore, error) {
	switch cfg.StorageType {
	case "memory", "":
		return storage.NewMemoryStore(), nil

	case "sqlite":
		return sqlite.NewAdapter(cfg.DatabasePath)

	case "postgres", "postgresql":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return postgres.NewAdapter(ctx, postgresConnString(cfg))

	case "redis":
		db, _ := strconv.Atoi(cfg.RedisDB)
		poolSize, _ := strconv.Atoi(cfg.RedisPoolSize)
		client, err := redis.NewClient(&redis.Config{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       db,
			PoolSize: poolSize,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return redisstore.NewAdapter(client, redisstore.DefaultTTL), nil

	default:
		return nil, fmt.Errorf("unsupported storage type %q", cfg.StorageType)
	}
}

func postgresConnString(cfg *config.Config) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.PostgresUser, cfg.PostgresPassword),
		Host:   cfg.PostgresHost + ":" + cfg.PostgresPort,
		Path:   "/" + cfg.PostgresDB,
	}
	q := url.Values{}
	q.Set("sslmode", cfg.PostgresSSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
