package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"JBProject/global"
	"JBProject/service/wire"
	"JBProject/tools/errs"
)

// ===== 传输打桩 =====

type fakeConn struct {
	in    chan []byte
	subs  chan string      // 收到的 SUB 话题
	sends chan *wire.Frame // 收到的 SEND 帧
	done  chan struct{}
	once  sync.Once

	mu     sync.Mutex
	frames []*wire.Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:    make(chan []byte, 16),
		subs:  make(chan string, 8),
		sends: make(chan *wire.Frame, 8),
		done:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case raw := <-c.in:
		return raw, nil
	case <-c.done:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteFrame(f *wire.Frame) error {
	select {
	case <-c.done:
		return errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
	switch f.Type {
	case wire.FrameSub:
		c.subs <- f.Topic
	case wire.FrameSend:
		c.sends <- f
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) push(t *testing.T, f *wire.Frame) {
	t.Helper()
	raw, err := f.Encode()
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	select {
	case c.in <- raw:
	case <-time.After(2 * time.Second):
		t.Fatalf("push frame timed out")
	}
}

type fakeTransport struct {
	conns chan *fakeConn

	mu       sync.Mutex
	failNext int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{conns: make(chan *fakeConn, 8)}
}

func (f *fakeTransport) FailNext(n int) {
	f.mu.Lock()
	f.failNext = n
	f.mu.Unlock()
}

func (f *fakeTransport) Dial(_ context.Context, _ string, _ *Credential) (Conn, error) {
	f.mu.Lock()
	if f.failNext > 0 {
		f.failNext--
		f.mu.Unlock()
		return nil, errs.ErrTransportError.WrapMsg("dial refused")
	}
	f.mu.Unlock()
	c := newFakeConn()
	f.conns <- c
	return c, nil
}

type fakeSnapshot struct {
	snap Snapshot
}

func (f *fakeSnapshot) Fetch(context.Context, *Credential) (*Snapshot, error) {
	s := f.snap
	return &s, nil
}

// ===== 组装 =====

type hubFixture struct {
	h      *Hub
	creds  *MemCredentialStore
	tr     *fakeTransport
	states chan ConnState
	toasts chan Toast
	convs  chan []Conversation
}

func newHubFixture(t *testing.T, snap Snapshot) *hubFixture {
	t.Helper()
	fx := &hubFixture{
		creds:  NewMemCredentialStore(),
		tr:     newFakeTransport(),
		states: make(chan ConnState, 64),
		toasts: make(chan Toast, 64),
		convs:  make(chan []Conversation, 64),
	}
	cfg := global.HubConfig{
		Endpoint:     "ws://test",
		PingInterval: time.Hour, // 心跳不参与这些用例
		BackoffBase:  2 * time.Millisecond,
		BackoffCap:   10 * time.Millisecond,
		DedupSize:    64,
		DedupTTL:     time.Minute,
	}
	fx.h = New(cfg, Deps{
		Selector:  NewSelector(fx.creds, testJwtOpts()),
		Transport: fx.tr,
		Snapshots: &fakeSnapshot{snap: snap},
	})
	fx.h.OnConnectionStateChange(func(s ConnState) { fx.states <- s })
	fx.h.OnToast(func(ts Toast) { fx.toasts <- ts })
	fx.h.OnConversationsChange(func(cs []Conversation) {
		select {
		case fx.convs <- cs:
		default:
		}
	})
	fx.h.Start()
	t.Cleanup(fx.h.Close)
	return fx
}

func (fx *hubFixture) waitState(t *testing.T, want ConnState) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-fx.states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("state %s never reached (now %s)", want, fx.h.State())
		}
	}
}

func (fx *hubFixture) waitConn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-fx.tr.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("no dial happened")
		return nil
	}
}

func (fx *hubFixture) waitToast(t *testing.T) Toast {
	t.Helper()
	select {
	case ts := <-fx.toasts:
		return ts
	case <-time.After(2 * time.Second):
		t.Fatalf("no toast")
		return Toast{}
	}
}

func waitSub(t *testing.T, c *fakeConn) string {
	t.Helper()
	select {
	case topic := <-c.subs:
		return topic
	case <-time.After(2 * time.Second):
		t.Fatalf("no subscription sent")
		return ""
	}
}

// ===== 用例 =====

func TestHubConnectsAndSubscribes(t *testing.T) {
	fx := newHubFixture(t, Snapshot{})
	fx.creds.SetAccessToken(ScopeSeeker, mustToken(t, 7, "seeker"))

	fx.h.SetScope(ScopeSeeker)
	fx.waitState(t, StateConnecting)

	conn := fx.waitConn(t)
	fx.waitState(t, StateConnected)
	if topic := waitSub(t, conn); topic != "inbox:seeker:7" {
		t.Fatalf("subscribed topic = %q", topic)
	}
}

func TestHubNoCredentialStaysIdle(t *testing.T) {
	fx := newHubFixture(t, Snapshot{})
	fx.h.SetScope(ScopeSeeker)

	// 没有令牌：不拨号。给事件循环一点时间消化命令。
	time.Sleep(50 * time.Millisecond)
	if s := fx.h.State(); s != StateIdle {
		t.Fatalf("state = %s, want Idle", s)
	}
	select {
	case <-fx.tr.conns:
		t.Fatalf("dialed without credential")
	default:
	}
}

func TestHubAppliesEventAndToasts(t *testing.T) {
	fx := newHubFixture(t, Snapshot{})
	fx.creds.SetAccessToken(ScopeSeeker, mustToken(t, 7, "seeker"))
	fx.h.SetScope(ScopeSeeker)
	conn := fx.waitConn(t)
	fx.waitState(t, StateConnected)

	conn.push(t, wire.NewEventFrame("inbox:seeker:7", msgEvent(1, 100, 42, "employer", 1000, "hello")))

	ts := fx.waitToast(t)
	if ts.ConversationID != 100 || ts.Preview != "hello" || ts.Icon != "briefcase" {
		t.Fatalf("toast = %+v", ts)
	}
	if got := fx.h.Store().UnreadCount(100); got != 1 {
		t.Fatalf("unread = %d, want 1", got)
	}
}

func TestHubAbsorbsDuplicateEvents(t *testing.T) {
	fx := newHubFixture(t, Snapshot{})
	fx.creds.SetAccessToken(ScopeSeeker, mustToken(t, 7, "seeker"))
	fx.h.SetScope(ScopeSeeker)
	conn := fx.waitConn(t)
	fx.waitState(t, StateConnected)

	evt := msgEvent(1, 100, 42, "employer", 1000, "hello")
	conn.push(t, wire.NewEventFrame("inbox:seeker:7", evt))
	conn.push(t, wire.NewEventFrame("inbox:seeker:7", evt)) // 重复投递
	conn.push(t, wire.NewEventFrame("inbox:seeker:7", msgEvent(2, 100, 42, "employer", 2000, "again")))

	first := fx.waitToast(t)
	second := fx.waitToast(t)
	if first.Preview != "hello" || second.Preview != "again" {
		t.Fatalf("toasts = %+v / %+v", first, second)
	}
	// 事件按序处理：第二个 toast 到了说明重复帧已被吸收
	if got := fx.h.Store().UnreadCount(100); got != 2 {
		t.Fatalf("unread = %d, want 2 (duplicate counted?)", got)
	}
	select {
	case ts := <-fx.toasts:
		t.Fatalf("extra toast: %+v", ts)
	default:
	}
}

func TestHubReconnectsAfterDrop(t *testing.T) {
	fx := newHubFixture(t, Snapshot{})
	fx.creds.SetAccessToken(ScopeSeeker, mustToken(t, 7, "seeker"))
	fx.h.SetScope(ScopeSeeker)
	conn := fx.waitConn(t)
	fx.waitState(t, StateConnected)
	waitSub(t, conn)

	// 传输断开 -> 退避重连 -> 新连接上重发订阅
	_ = conn.Close()
	fx.waitState(t, StateReconnecting)

	conn2 := fx.waitConn(t)
	fx.waitState(t, StateConnected)
	if topic := waitSub(t, conn2); topic != "inbox:seeker:7" {
		t.Fatalf("resubscribe topic = %q", topic)
	}
	select {
	case topic := <-conn2.subs:
		t.Fatalf("duplicate subscription %q on one connection", topic)
	default:
	}
}

func TestHubRetriesFailedDials(t *testing.T) {
	fx := newHubFixture(t, Snapshot{})
	fx.creds.SetAccessToken(ScopeSeeker, mustToken(t, 7, "seeker"))
	fx.tr.FailNext(2)

	fx.h.SetScope(ScopeSeeker)
	fx.waitState(t, StateReconnecting)
	fx.waitConn(t)
	fx.waitState(t, StateConnected)
}

func TestHubCredentialClearGoesIdle(t *testing.T) {
	fx := newHubFixture(t, Snapshot{})
	fx.creds.SetAccessToken(ScopeSeeker, mustToken(t, 7, "seeker"))
	fx.h.SetScope(ScopeSeeker)
	conn := fx.waitConn(t)
	fx.waitState(t, StateConnected)

	fx.creds.ClearAuth(ScopeSeeker)
	fx.waitState(t, StateIdle)

	// 旧连接已被拆掉
	select {
	case <-conn.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("old connection not closed")
	}
	// 不再重拨
	select {
	case <-fx.tr.conns:
		t.Fatalf("redialed without credential")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubScopeSwitchClearsReadModels(t *testing.T) {
	fx := newHubFixture(t, Snapshot{})
	fx.creds.SetAccessToken(ScopeSeeker, mustToken(t, 7, "seeker"))
	fx.h.SetScope(ScopeSeeker)
	conn := fx.waitConn(t)
	fx.waitState(t, StateConnected)

	conn.push(t, wire.NewEventFrame("inbox:seeker:7", msgEvent(1, 100, 42, "employer", 1000, "hello")))
	fx.waitToast(t)

	// 切到招聘方区（无令牌）：Idle，读模型清空
	fx.h.SetScope(ScopeEmployer)
	fx.waitState(t, StateIdle)
	if convs := fx.h.Conversations(); len(convs) != 0 {
		t.Fatalf("old identity leaked into new scope: %+v", convs)
	}
	select {
	case <-conn.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("old connection not closed on scope switch")
	}
}

func TestHubServerCredentialErrorClearsAuth(t *testing.T) {
	fx := newHubFixture(t, Snapshot{})
	fx.creds.SetAccessToken(ScopeSeeker, mustToken(t, 7, "seeker"))
	fx.h.SetScope(ScopeSeeker)
	conn := fx.waitConn(t)
	fx.waitState(t, StateConnected)

	conn.push(t, wire.NewErrorFrame(errs.CodeCredentialExpired, "token expired"))
	fx.waitState(t, StateIdle)
	if _, ok := fx.creds.GetAccessToken(ScopeSeeker); ok {
		t.Fatalf("server-side expiry did not clear local token")
	}
}

func TestHubSendMessage(t *testing.T) {
	fx := newHubFixture(t, Snapshot{})
	fx.creds.SetAccessToken(ScopeSeeker, mustToken(t, 7, "seeker"))
	fx.h.SetScope(ScopeSeeker)
	conn := fx.waitConn(t)
	fx.waitState(t, StateConnected)

	fx.h.SendMessage(100, "see you monday")
	select {
	case f := <-conn.sends:
		if f.Payload["conversation_id"] != int64(100) || f.Payload["content"] != "see you monday" {
			t.Fatalf("send payload = %+v", f.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("SEND frame never written")
	}
}

func TestHubActiveConversationClearsUnread(t *testing.T) {
	fx := newHubFixture(t, Snapshot{})
	fx.creds.SetAccessToken(ScopeSeeker, mustToken(t, 7, "seeker"))
	fx.h.SetScope(ScopeSeeker)
	conn := fx.waitConn(t)
	fx.waitState(t, StateConnected)

	conn.push(t, wire.NewEventFrame("inbox:seeker:7", msgEvent(1, 100, 42, "employer", 1000, "hello")))
	fx.waitToast(t)

	fx.h.SetActiveConversation(100)
	deadline := time.After(2 * time.Second)
	for fx.h.Store().UnreadCount(100) != 0 {
		select {
		case <-deadline:
			t.Fatalf("unread = %d after opening conversation", fx.h.Store().UnreadCount(100))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestHubSeedsSnapshotOnConnect(t *testing.T) {
	fx := newHubFixture(t, Snapshot{
		Conversations: []Conversation{{ID: 100, CounterpartName: "Acme Corp", UpdatedAt: 1000, Unread: 2}},
		Notifications: []Notification{{ID: 5, Title: "Welcome", CreatedAt: 1}},
	})
	fx.creds.SetAccessToken(ScopeSeeker, mustToken(t, 7, "seeker"))
	fx.h.SetScope(ScopeSeeker)
	fx.waitConn(t)
	fx.waitState(t, StateConnected)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case convs := <-fx.convs:
			if len(convs) == 1 && convs[0].CounterpartName == "Acme Corp" && convs[0].Unread == 2 {
				return
			}
		case <-deadline:
			t.Fatalf("snapshot never seeded: %+v", fx.h.Conversations())
		}
	}
}

func TestHubMalformedFrameDoesNotKillConnection(t *testing.T) {
	fx := newHubFixture(t, Snapshot{})
	fx.creds.SetAccessToken(ScopeSeeker, mustToken(t, 7, "seeker"))
	fx.h.SetScope(ScopeSeeker)
	conn := fx.waitConn(t)
	fx.waitState(t, StateConnected)

	conn.in <- []byte("{not json")
	conn.push(t, wire.NewEventFrame("inbox:seeker:7", msgEvent(1, 100, 42, "employer", 1000, "still alive")))

	ts := fx.waitToast(t)
	if ts.Preview != "still alive" {
		t.Fatalf("toast = %+v", ts)
	}
	if s := fx.h.State(); s != StateConnected {
		t.Fatalf("state = %s after bad frame", s)
	}
}
