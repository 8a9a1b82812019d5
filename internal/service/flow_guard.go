package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrFlowInFlight 表示同一合约地址上已有一次发送正在进行。
var ErrFlowInFlight = errors.New("a message send is already in flight")

// FlowGuard 串行化同一键上的发送流程。
type FlowGuard interface {
	// Acquire 成功时返回释放函数；已被占用时返回 ErrFlowInFlight。
	Acquire(ctx context.Context, key string) (func(), error)
}

func flowLockKey(key string) string {
	return "flow:lock:" + strings.ToLower(key)
}

// releaseScript 只删除自己持有的锁，避免误删过期后被他人重新获取的锁。
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

type redisFlowGuard struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisFlowGuard 使用 Redis SETNX 实现跨实例的发送互斥。
func NewRedisFlowGuard(rdb *redis.Client, ttl time.Duration) FlowGuard {
	return &redisFlowGuard{rdb: rdb, ttl: ttl}
}

func (g *redisFlowGuard) Acquire(ctx context.Context, key string) (func(), error) {
	lockKey := flowLockKey(key)
	owner := uuid.NewString()
	ok, err := g.rdb.SetNX(ctx, lockKey, owner, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire flow lock: %w", err)
	}
	if !ok {
		return nil, ErrFlowInFlight
	}
	return func() {
		_ = releaseScript.Run(context.Background(), g.rdb, []string{lockKey}, owner).Err()
	}, nil
}

type localFlowGuard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalFlowGuard 返回进程内的发送互斥，未启用 Redis 时使用。
func NewLocalFlowGuard() FlowGuard {
	return &localFlowGuard{held: make(map[string]struct{})}
}

func (g *localFlowGuard) Acquire(_ context.Context, key string) (func(), error) {
	lockKey := flowLockKey(key)
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.held[lockKey]; busy {
		return nil, ErrFlowInFlight
	}
	g.held[lockKey] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, lockKey)
			g.mu.Unlock()
		})
	}, nil
}
