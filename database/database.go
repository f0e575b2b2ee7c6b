package database

import (
	"context"

	"promptnight/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// InitRedis は設定に基づいてRedisクライアントを初期化する。
// 永続化・採点キュー・変更通知の全てがこの接続に依存する
func InitRedis(cfg models.Config, logger *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	// Redisへの接続テスト
	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		logger.Error("Failed to connect to Redis", zap.Error(err))
		return nil, err
	}

	logger.Info("Connected to Redis", zap.String("addr", cfg.RedisAddr))
	return rdb, nil
}
