// Copyright 2025 James Ross
package redisclient

import (
	"runtime"

	"github.com/queueforge/queueforge/internal/config"
	"github.com/redis/go-redis/v9"
)

// New returns a configured go-redis client with pooling and retries, built
// from the Storage.Redis block of the engine config. Used by the optional
// Redis-backed jobqueue.Storage adapter.
func New(redisCfg config.Redis) *redis.Client {
	poolSize := redisCfg.PoolSizeMultiplier * runtime.NumCPU()
	if poolSize <= 0 {
		poolSize = 10 * runtime.NumCPU()
	}
	return redis.NewClient(&redis.Options{
		Addr:         redisCfg.Addr,
		Username:     redisCfg.Username,
		Password:     redisCfg.Password,
		DB:           redisCfg.DB,
		PoolSize:     poolSize,
		MinIdleConns: redisCfg.MinIdleConns,
		DialTimeout:  redisCfg.DialTimeout,
		ReadTimeout:  redisCfg.ReadTimeout,
		WriteTimeout: redisCfg.WriteTimeout,
		MaxRetries:   redisCfg.MaxRetries,
	})
}
