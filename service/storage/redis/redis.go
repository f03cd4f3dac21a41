package redis

import (
	"context"
	"sync"
	"time"

	"JBProject/global"
	"JBProject/logger"

	"github.com/redis/go-redis/v9"
)

var (
	mu     sync.Mutex
	client *redis.Client
)

// InitRedis 建立进程级客户端并探活。重复调用是幂等的。
func InitRedis(c global.RedisConfig) error {
	mu.Lock()
	defer mu.Unlock()
	if client != nil {
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return err
	}

	client = rdb
	logger.Infof("[redis] connected addr=%s db=%d", c.Addr, c.DB)
	return nil
}

// GetRedis 取进程级客户端；未初始化时 panic（启动顺序错误应该立刻暴露）
func GetRedis() *redis.Client {
	mu.Lock()
	defer mu.Unlock()
	if client == nil {
		panic("redis not initialized, call InitRedis first")
	}
	return client
}

func CloseRedis() error {
	mu.Lock()
	defer mu.Unlock()
	if client == nil {
		return nil
	}
	err := client.Close()
	client = nil
	return err
}
