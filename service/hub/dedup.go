package hub

import (
	"container/list"
	"context"
	"sync"
	"time"

	"JBProject/tools/ids"

	goredis "github.com/redis/go-redis/v9"
)

// DedupStore 幂等缓存：SeenOnce 第一次见到某键返回 false 并登记，之后返回 true。
// Reset 在身份切换时整体作废（旧身份的键绝不影响新身份）。
type DedupStore interface {
	SeenOnce(key string, ttl time.Duration) (seen bool, err error)
	Reset()
}

// ===== 内存实现（有界，FIFO + TTL 双重淘汰） =====

type memEntry struct {
	key      string
	expireAt int64
}

type memDedup struct {
	mu   sync.Mutex
	m    map[string]*list.Element
	fifo *list.List // 先进先出，容量满了淘汰最老的
	max  int
	ttl  time.Duration
}

func NewMemDedup(maxEntries int, defaultTTL time.Duration) DedupStore {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	if defaultTTL <= 0 {
		defaultTTL = 10 * time.Minute
	}
	return &memDedup{
		m:    make(map[string]*list.Element),
		fifo: list.New(),
		max:  maxEntries,
		ttl:  defaultTTL,
	}
}

func (d *memDedup) SeenOnce(key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = d.ttl
	}
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.m[key]; ok {
		if el.Value.(*memEntry).expireAt > now.Unix() {
			return true, nil // 已见过
		}
		// 过期的旧条目，当没见过，刷新
		d.fifo.Remove(el)
		delete(d.m, key)
	}

	for d.fifo.Len() >= d.max {
		oldest := d.fifo.Front()
		d.fifo.Remove(oldest)
		delete(d.m, oldest.Value.(*memEntry).key)
	}

	el := d.fifo.PushBack(&memEntry{key: key, expireAt: now.Add(ttl).Unix()})
	d.m[key] = el
	return false, nil
}

func (d *memDedup) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.m = make(map[string]*list.Element)
	d.fifo.Init()
}

// ===== Redis 实现（SETNX + TTL，多进程共享） =====

type redisDedup struct {
	rdb *goredis.Client

	mu sync.Mutex
	ns string // Reset 换命名空间，旧键自然随 TTL 过期
}

func NewRedisDedup(rdb *goredis.Client) DedupStore {
	return &redisDedup{rdb: rdb, ns: "jb:dedup:" + ids.GenerateString() + ":"}
}

func (d *redisDedup) SeenOnce(key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	d.mu.Lock()
	full := d.ns + key
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := d.rdb.SetNX(ctx, full, 1, ttl).Result()
	if err != nil {
		// 去重存储不可用时宁可放行：上游读模型应用本身是幂等的
		return false, err
	}
	return !ok, nil
}

func (d *redisDedup) Reset() {
	d.mu.Lock()
	d.ns = "jb:dedup:" + ids.GenerateString() + ":"
	d.mu.Unlock()
}
