package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"JBProject/global"
	"JBProject/logger"
	"JBProject/service/gateway"
	"JBProject/service/hub"
	"JBProject/service/natsx"
	storage "JBProject/service/storage/redis"
	"JBProject/tools/security"
)

func main() {
	mode := flag.String("mode", "gateway", "gateway | probe")
	flag.Parse()

	global.LoadEnv()

	switch *mode {
	case "gateway":
		runGateway()
	case "probe":
		runProbe()
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}

func runGateway() {
	bus, err := natsx.NewNatsManager(natsx.NatsxConfig{
		Servers: global.Config.Nats.Servers,
		Name:    global.Config.Nats.Name,
	}, natsx.NatsxIdemMiddleware(natsx.NewMemIdem(10*time.Minute), 10*time.Minute))
	if err != nil {
		logger.Errorf("[main] nats connect: %v", err)
		os.Exit(1)
	}
	defer bus.Close()

	srv := gateway.NewServer(global.Config.Gateway, bus)

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		logger.Info("[main] shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	if err := srv.Run(); err != nil {
		logger.Errorf("[main] gateway exited: %v", err)
		os.Exit(1)
	}
}

// runProbe 起一个求职者身份的客户端侧 Hub，连向本地网关冒烟。
// redis 可用就走 redis 凭证/去重存储（跨标签页那套路径），不可用退内存实现。
func runProbe() {
	jwtOpts := security.DefaultOptions(global.GetJwtSecret())

	var store hub.CredentialStore
	var dedup hub.DedupStore
	if err := storage.InitRedis(global.Config.Redis); err == nil {
		store = hub.NewRedisCredentialStore(storage.GetRedis())
		dedup = hub.NewRedisDedup(storage.GetRedis())
		defer storage.CloseRedis()
		logger.Info("[probe] using redis-backed stores")
	} else {
		logger.Warnf("[probe] redis unavailable (%v), using in-memory stores", err)
		mem := hub.NewMemCredentialStore()
		store = mem
		dedup = hub.NewMemDedup(global.Config.Hub.DedupSize, global.Config.Hub.DedupTTL)
	}

	token, _, err := security.Generate(jwtOpts, 1001, global.ScopeSeeker)
	if err != nil {
		logger.Errorf("[probe] token: %v", err)
		os.Exit(1)
	}
	setter, ok := store.(interface{ SetAccessToken(hub.Scope, string) })
	if !ok {
		logger.Error("[probe] credential store cannot set tokens")
		os.Exit(1)
	}
	setter.SetAccessToken(hub.ScopeSeeker, token)

	h := hub.New(global.Config.Hub, hub.Deps{
		Selector:  hub.NewSelector(store, jwtOpts),
		Snapshots: hub.NewHTTPSnapshot(global.Config.Hub.SnapshotBase),
		Dedup:     dedup,
	})
	h.OnConnectionStateChange(func(s hub.ConnState) {
		logger.Infof("[probe] state=%s", s)
	})
	h.OnToast(func(t hub.Toast) {
		logger.Infof("[probe] toast conv=%d preview=%q", t.ConversationID, t.Preview)
	})
	h.OnConversationsChange(func(cs []hub.Conversation) {
		logger.Infof("[probe] conversations=%d", len(cs))
	})
	h.Start()
	defer h.Close()

	h.SetScope(hub.ScopeSeeker)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
}
