package database

import (
	"context"
	"fmt"
	"time"

	"github.com/aihub/medrag/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// InitRedis 连接Redis，仅在使用分布式会话锁时需要
func InitRedis(ctx context.Context, cfg config.RedisConfig, log *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		DB:       cfg.DB,
		Password: cfg.Password,
	})

	// 测试连接
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if log != nil {
		log.Info("Redis connected", zap.String("addr", cfg.Addr()))
	}
	return rdb, nil
}
