package natsx

import (
	"context"
	"strings"
	"sync"
	"time"
)

// IdemStore 消费端幂等存储：第一次见到某键返回 false 并登记。
type IdemStore interface {
	SeenOnce(key string, ttl time.Duration) (seen bool, err error)
}

// memIdem 双代轮换：当前代写入，查询查两代；
// 代龄超过 TTL 就把当前代降为上一代，旧的整体丢弃。
// 不需要清理协程，过期以整代为粒度。
type memIdem struct {
	mu        sync.Mutex
	cur, prev map[string]struct{}
	rotatedAt time.Time
	ttl       time.Duration
}

func NewMemIdem(defaultTTL time.Duration) IdemStore {
	if defaultTTL <= 0 {
		defaultTTL = 10 * time.Minute
	}
	return &memIdem{
		cur:       make(map[string]struct{}),
		prev:      map[string]struct{}{},
		rotatedAt: time.Now(),
		ttl:       defaultTTL,
	}
}

func (mi *memIdem) SeenOnce(key string, _ time.Duration) (bool, error) {
	mi.mu.Lock()
	defer mi.mu.Unlock()

	if time.Since(mi.rotatedAt) > mi.ttl {
		mi.prev = mi.cur
		mi.cur = make(map[string]struct{})
		mi.rotatedAt = time.Now()
	}
	if _, ok := mi.cur[key]; ok {
		return true, nil
	}
	if _, ok := mi.prev[key]; ok {
		return true, nil
	}
	mi.cur[key] = struct{}{}
	return false, nil
}

func msgIDFromHeader(h map[string]string) string {
	for _, k := range []string{"Nats-Msg-Id", "nats-msg-id", "X-Msg-Id", "x-msg-id"} {
		if v, ok := h[k]; ok && v != "" {
			return v
		}
	}
	return ""
}

// NatsxIdemMiddleware 按消息头的 msgID 去重；没有 msgID 就用
// subject+内容合成弱键。重复消息直接吞掉，不进业务处理。
func NatsxIdemMiddleware(store IdemStore, ttl time.Duration) NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) error {
			id := msgIDFromHeader(msg.Header)
			if id == "" {
				id = msg.Subject + "|" + strings.TrimSpace(string(msg.Data))
			}
			if seen, _ := store.SeenOnce(id, ttl); seen {
				return nil
			}
			return next(ctx, msg)
		}
	}
}
