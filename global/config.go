package global

import (
	"os"
	"strconv"
	"time"
)

// 话题命名：每个身份一个入站话题，事件总线按会话分主题。
const (
	ScopeSeeker   = "seeker"
	ScopeEmployer = "employer"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

type NatsConfig struct {
	Servers []string
	Name    string
}

type GatewayConfig struct {
	NodeId    string // 节点ID
	Port      int    // http 启动端口
	WSPath    string
	JwtSecret string
	// 连接清理
	UnauthTTL  time.Duration
	AuthTTL    time.Duration
	SweepEvery time.Duration
}

type HubConfig struct {
	Endpoint     string // ws://host:port/ws
	SnapshotBase string // http://host:port/api
	// 心跳与退避
	PingInterval time.Duration
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	// 去重缓存容量
	DedupSize int
	DedupTTL  time.Duration
}

type AppConfig struct {
	Gateway GatewayConfig
	Hub     HubConfig
	Redis   RedisConfig
	Nats    NatsConfig
}

var Config = defaultConfig()

func defaultConfig() AppConfig {
	return AppConfig{
		Gateway: GatewayConfig{
			NodeId:     "gw_1",
			Port:       8080,
			WSPath:     "/ws",
			JwtSecret:  "mN9b1f8zPq+W2xjX/45sKcVd0TfyoG+3Hp5Z8q9Rj1o=",
			UnauthTTL:  60 * time.Second,
			AuthTTL:    2 * time.Hour,
			SweepEvery: 10 * time.Second,
		},
		Hub: HubConfig{
			Endpoint:     "ws://127.0.0.1:8080/ws",
			SnapshotBase: "http://127.0.0.1:8080/api",
			PingInterval: 25 * time.Second,
			BackoffBase:  1 * time.Second,
			BackoffCap:   30 * time.Second,
			DedupSize:    4096,
			DedupTTL:     10 * time.Minute,
		},
		Redis: RedisConfig{Addr: "127.0.0.1:6379", DB: 0},
		Nats:  NatsConfig{Servers: []string{"nats://127.0.0.1:4222"}, Name: "jb-gateway"},
	}
}

// LoadEnv 环境变量覆盖（部署时用）
func LoadEnv() {
	if v := os.Getenv("JB_GATEWAY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			Config.Gateway.Port = p
		}
	}
	if v := os.Getenv("JB_JWT_SECRET"); v != "" {
		Config.Gateway.JwtSecret = v
	}
	if v := os.Getenv("JB_REDIS_ADDR"); v != "" {
		Config.Redis.Addr = v
	}
	if v := os.Getenv("JB_REDIS_PASSWORD"); v != "" {
		Config.Redis.Password = v
	}
	if v := os.Getenv("JB_NATS_URL"); v != "" {
		Config.Nats.Servers = []string{v}
	}
	if v := os.Getenv("JB_HUB_ENDPOINT"); v != "" {
		Config.Hub.Endpoint = v
	}
	if v := os.Getenv("JB_HUB_SNAPSHOT"); v != "" {
		Config.Hub.SnapshotBase = v
	}
}

func GetJwtSecret() []byte {
	return []byte(Config.Gateway.JwtSecret)
}

// InboundTopic 身份入站话题："inbox:{scope}:{userId}"
func InboundTopic(scope string, userID int64) string {
	return "inbox:" + scope + ":" + strconv.FormatInt(userID, 10)
}

// BusSubject 事件总线主题："jb.events.{scope}.{userId}"
func BusSubject(scope string, userID int64) string {
	return "jb.events." + scope + "." + strconv.FormatInt(userID, 10)
}
