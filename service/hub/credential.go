package hub

import (
	"context"
	"sync"

	"JBProject/logger"
	"JBProject/tools/errs"
	"JBProject/tools/security"

	goredis "github.com/redis/go-redis/v9"
)

// Credential 按 scope 选出的访问令牌与其解出的身份。
type Credential struct {
	Token    string
	Identity Identity
}

// CredChange 凭证存储的变更通知（跨标签页/跨进程失效都走这里）。
// Token 为空表示该 scope 的凭证被清除。
type CredChange struct {
	Scope Scope
	Token string
}

// CredentialStore 凭证存储。注入而不是全局监听，连接管理才能单测。
type CredentialStore interface {
	GetAccessToken(scope Scope) (string, bool)
	ClearAuth(scope Scope)
	// Watch 返回变更通知通道；ctx 取消后通道关闭。
	Watch(ctx context.Context) <-chan CredChange
}

// ===== 内存实现（进程内） =====

type MemCredentialStore struct {
	mu     sync.Mutex
	tokens map[Scope]string
	subs   []chan CredChange
}

func NewMemCredentialStore() *MemCredentialStore {
	return &MemCredentialStore{tokens: make(map[Scope]string)}
}

func (s *MemCredentialStore) SetAccessToken(scope Scope, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[scope] = token
	s.notifyLocked(CredChange{Scope: scope, Token: token})
}

func (s *MemCredentialStore) GetAccessToken(scope Scope) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[scope]
	return t, ok && t != ""
}

func (s *MemCredentialStore) ClearAuth(scope Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, scope)
	s.notifyLocked(CredChange{Scope: scope})
}

func (s *MemCredentialStore) Watch(ctx context.Context) <-chan CredChange {
	ch := make(chan CredChange, 8)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		// 摘除与关闭同锁，notifyLocked 不会再摸到已关闭的通道
		s.mu.Lock()
		for i, c := range s.subs {
			if c == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}

// 持锁内非阻塞发送；订阅者堆积就丢，凭证变更以最新状态为准
func (s *MemCredentialStore) notifyLocked(ch CredChange) {
	for _, c := range s.subs {
		select {
		case c <- ch:
		default:
		}
	}
}

// ===== Redis 实现（跨进程，“跨标签页”语义） =====

const (
	credKeyPrefix   = "jb:auth:"
	credChangeTopic = "jb:auth:changes"
)

type RedisCredentialStore struct {
	rdb *goredis.Client
}

func NewRedisCredentialStore(rdb *goredis.Client) *RedisCredentialStore {
	return &RedisCredentialStore{rdb: rdb}
}

func (s *RedisCredentialStore) SetAccessToken(scope Scope, token string) {
	ctx := context.Background()
	if err := s.rdb.Set(ctx, credKeyPrefix+string(scope), token, 0).Err(); err != nil {
		logger.Errorf("[cred] set token scope=%s err=%v", scope, err)
		return
	}
	s.publish(ctx, scope, token)
}

func (s *RedisCredentialStore) GetAccessToken(scope Scope) (string, bool) {
	t, err := s.rdb.Get(context.Background(), credKeyPrefix+string(scope)).Result()
	if err != nil || t == "" {
		return "", false
	}
	return t, true
}

func (s *RedisCredentialStore) ClearAuth(scope Scope) {
	ctx := context.Background()
	if err := s.rdb.Del(ctx, credKeyPrefix+string(scope)).Err(); err != nil {
		logger.Errorf("[cred] clear token scope=%s err=%v", scope, err)
	}
	s.publish(ctx, scope, "")
}

func (s *RedisCredentialStore) publish(ctx context.Context, scope Scope, token string) {
	payload := string(scope)
	if token != "" {
		payload = string(scope) + "|set"
	}
	if err := s.rdb.Publish(ctx, credChangeTopic, payload).Err(); err != nil {
		logger.Errorf("[cred] publish change scope=%s err=%v", scope, err)
	}
}

func (s *RedisCredentialStore) Watch(ctx context.Context) <-chan CredChange {
	out := make(chan CredChange, 8)
	sub := s.rdb.Subscribe(ctx, credChangeTopic)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		for {
			msg, err := sub.ReceiveMessage(ctx)
			if err != nil {
				return
			}
			scope := Scope(msg.Payload)
			token := ""
			if n := len(msg.Payload); n > 4 && msg.Payload[n-4:] == "|set" {
				scope = Scope(msg.Payload[:n-4])
				token, _ = s.GetAccessToken(scope)
			}
			select {
			case out <- CredChange{Scope: scope, Token: token}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// ===== 凭证选择 =====

// Selector 按当前 scope 选出凭证。过期/畸形令牌上报为“无凭证”，
// 绝不带着旧值重试。
type Selector struct {
	store   CredentialStore
	jwtOpts security.Options
}

func NewSelector(store CredentialStore, jwtOpts security.Options) *Selector {
	return &Selector{store: store, jwtOpts: jwtOpts}
}

func (s *Selector) Store() CredentialStore { return s.store }

// Select 返回 scope 对应的凭证；无令牌或校验失败返回 ErrCredentialUnavailable /
// ErrCredentialExpired。
func (s *Selector) Select(scope Scope) (*Credential, error) {
	if !scope.Valid() {
		return nil, errs.ErrCredentialUnavailable.Wrap()
	}
	token, ok := s.store.GetAccessToken(scope)
	if !ok {
		return nil, errs.ErrCredentialUnavailable.Wrap()
	}
	claims, err := security.Verify(s.jwtOpts, token)
	if err != nil {
		// 失效凭证清掉，避免下次还拿到同一个坏令牌
		s.store.ClearAuth(scope)
		return nil, errs.ErrCredentialExpired.WrapMsg("verify", "scope", scope, "err", err)
	}
	if claims.Scope != string(scope) {
		// 串号令牌：求职者令牌出现在招聘方区（或反之），按无凭证处理
		s.store.ClearAuth(scope)
		return nil, errs.ErrCredentialExpired.WrapMsg("scope mismatch", "want", scope, "got", claims.Scope)
	}
	return &Credential{
		Token:    token,
		Identity: Identity{Kind: scope, ID: claims.UserID},
	}, nil
}
