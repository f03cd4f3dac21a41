package hub

import (
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func TestMemDedupSeenOnce(t *testing.T) {
	d := NewMemDedup(16, time.Minute)

	seen, err := d.SeenOnce("evt:1", time.Minute)
	if err != nil || seen {
		t.Fatalf("first sight: seen=%v err=%v", seen, err)
	}
	seen, _ = d.SeenOnce("evt:1", time.Minute)
	if !seen {
		t.Fatalf("second sight not deduped")
	}
}

func TestMemDedupBounded(t *testing.T) {
	d := NewMemDedup(4, time.Minute)
	for i := 0; i < 8; i++ {
		_, _ = d.SeenOnce(fmt.Sprintf("evt:%d", i), time.Minute)
	}
	// 最老的条目被挤掉，再见到时当作新键
	seen, _ := d.SeenOnce("evt:0", time.Minute)
	if seen {
		t.Fatalf("evicted key still marked seen")
	}
	// 最新的还在
	seen, _ = d.SeenOnce("evt:7", time.Minute)
	if !seen {
		t.Fatalf("recent key lost")
	}
}

func TestMemDedupReset(t *testing.T) {
	d := NewMemDedup(16, time.Minute)
	_, _ = d.SeenOnce("evt:1", time.Minute)
	d.Reset()
	seen, _ := d.SeenOnce("evt:1", time.Minute)
	if seen {
		t.Fatalf("reset did not invalidate keys")
	}
}

func newTestRedis(t *testing.T) *goredis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
}

func TestRedisDedupSeenOnce(t *testing.T) {
	rdb := newTestRedis(t)
	d := NewRedisDedup(rdb)

	seen, err := d.SeenOnce("evt:1", time.Minute)
	if err != nil || seen {
		t.Fatalf("first sight: seen=%v err=%v", seen, err)
	}
	seen, err = d.SeenOnce("evt:1", time.Minute)
	if err != nil || !seen {
		t.Fatalf("second sight: seen=%v err=%v", seen, err)
	}
	// Reset 换命名空间，旧键不再命中
	d.Reset()
	seen, err = d.SeenOnce("evt:1", time.Minute)
	if err != nil || seen {
		t.Fatalf("after reset: seen=%v err=%v", seen, err)
	}
}

func TestRedisDedupErrorLetsThrough(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	d := NewRedisDedup(rdb)
	mr.Close()

	// 去重存储挂了：放行（seen=false）并带回错误
	seen, err := d.SeenOnce("evt:1", time.Minute)
	if err == nil {
		t.Fatalf("expected error from closed redis")
	}
	if seen {
		t.Fatalf("unavailable dedup must let event through")
	}
}
