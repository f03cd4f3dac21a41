package ids

import (
	"strconv"
	"sync"
	"time"
)

// 41 位毫秒时间戳 | 10 位节点 | 12 位序列
const (
	nodeBits = 10
	seqBits  = 12
	maxNode  = (1 << nodeBits) - 1
	seqMask  = (1 << seqBits) - 1
)

// 纪元起点，ID 单调性依赖它不变
var epochMS = time.Date(2022, 6, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

type Generator struct {
	mu     sync.Mutex
	node   int64
	seq    int64
	lastMS int64
}

func NewGenerator(node int64) *Generator {
	if node < 0 || node > maxNode {
		node = 1
	}
	return &Generator{node: node}
}

func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli()
	for now < g.lastMS {
		// 时钟回拨：原地等到追上为止
		time.Sleep(time.Millisecond)
		now = time.Now().UnixMilli()
	}
	if now == g.lastMS {
		g.seq = (g.seq + 1) & seqMask
		if g.seq == 0 {
			for now <= g.lastMS {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		g.seq = 0
	}
	g.lastMS = now
	return (now-epochMS)<<(nodeBits+seqBits) | g.node<<seqBits | g.seq
}

// ===== 包级默认生成器 =====

var (
	defaultGen  *Generator
	defaultOnce sync.Once
)

func def() *Generator {
	defaultOnce.Do(func() { defaultGen = NewGenerator(1) })
	return defaultGen
}

// Generate 用默认生成器出一个新 ID（事件、连接、通知都用它）
func Generate() int64 {
	return def().Next()
}

func GenerateString() string {
	return strconv.FormatInt(Generate(), 10)
}

// SetNodeID 多节点部署时在启动阶段设置，越过范围回落到 1
func SetNodeID(node int64) {
	if node < 0 || node > maxNode {
		node = 1
	}
	g := def()
	g.mu.Lock()
	g.node = node
	g.mu.Unlock()
}
