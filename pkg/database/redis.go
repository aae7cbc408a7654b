package database

import (
	"context"
	"crimewatch-go/internal/config"
	"crimewatch-go/pkg/log"
	"time"

	"github.com/go-redis/redis/v8"
)

// RDB 承载会话锁、token 黑名单和 Kafka 重试计数。
var RDB *redis.Client

// InitRedis 初始化 Redis 客户端连接。每个分片请求都会访问 Redis，超时设置得比较短。
func InitRedis(cfg config.RedisConfig) {
	RDB = redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := RDB.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect to redis %s: %v", cfg.Addr, err)
	}

	log.Infof("Redis client connected, addr: %s, db: %d", cfg.Addr, cfg.DB)
}
