package hub

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"JBProject/global"
	"JBProject/logger"
	"JBProject/service/wire"
	"JBProject/tools/errs"
	"JBProject/tools/safe"
)

// ConnState 连接生命周期状态机。
type ConnState int32

const (
	StateIdle ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	default:
		return "Unknown"
	}
}

// Deps 注入点。Selector 必填；其余缺省用生产实现。
type Deps struct {
	Selector  *Selector
	Transport Transport
	Snapshots SnapshotSource
	Dedup     DedupStore
	Clock     func() time.Time // 可注入时钟（单测用）；nil => time.Now
}

type inboundMsg struct {
	gen int64
	raw []byte
}

type connResult struct {
	gen  int64
	conn Conn
	err  error
}

type connDown struct {
	gen int64
	err error
}

// Hub 会话级的通知/消息多路复用器。对外只暴露回调与命令方法；
// 内部单事件循环独占全部可变状态——读模型只有这一条写入路径。
type Hub struct {
	cfg       global.HubConfig
	selector  *Selector
	transport Transport
	snapshots SnapshotSource
	dedup     DedupStore

	store  *Store
	toasts *ToastDispatcher
	router *Router
	clock  func() time.Time

	cmds     chan func()
	inbound  chan inboundMsg
	connUp   chan connResult
	connDown chan connDown
	credCh   <-chan CredChange

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// ---- 以下字段只在事件循环 goroutine 里读写 ----
	scope      Scope
	ident      Identity
	cred       *Credential
	state      ConnState
	conn       Conn
	gen        int64 // 连接代数：换代后旧连接的一切回调作废
	attempt    int
	backoffC   <-chan time.Time
	backoffT   *time.Timer
	lastAlive  time.Time
	activeConv int64
	onState    []func(ConnState)
	rnd        *rand.Rand

	stateMirror atomic.Int32 // State() 给循环外读
}

func New(cfg global.HubConfig, d Deps) *Hub {
	safe.MustNotNil(d.Selector, "hub.Deps.Selector")
	if d.Transport == nil {
		d.Transport = NewWSTransport()
	}
	if d.Snapshots == nil {
		d.Snapshots = NewHTTPSnapshot(cfg.SnapshotBase)
	}
	if d.Dedup == nil {
		d.Dedup = NewMemDedup(cfg.DedupSize, cfg.DedupTTL)
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:       cfg,
		selector:  d.Selector,
		transport: d.Transport,
		snapshots: d.Snapshots,
		dedup:     d.Dedup,
		store:     NewStore(),
		toasts:    NewToastDispatcher(),
		router:    NewRouter(),
		clock:     d.Clock,
		cmds:      make(chan func(), 64),
		inbound:   make(chan inboundMsg, 256),
		connUp:    make(chan connResult, 4),
		connDown:  make(chan connDown, 4),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	h.credCh = d.Selector.Store().Watch(ctx)
	return h
}

// Start 启动事件循环。生命周期：会话开始到登出/应用退出，Close 负责收尾。
func (h *Hub) Start() {
	safe.SafeGo(h.run)
}

// Close 同步拆除：取消循环、关连接。幂等。
func (h *Hub) Close() {
	h.cancel()
	<-h.done
}

// ===== 对外接口面 =====

func (h *Hub) State() ConnState {
	return ConnState(h.stateMirror.Load())
}

func (h *Hub) Store() *Store { return h.store }

func (h *Hub) OnConnectionStateChange(fn func(ConnState)) {
	h.post(func() { h.onState = append(h.onState, fn) })
}

func (h *Hub) OnNotificationsChange(fn func([]Notification, int)) {
	h.store.OnNotificationsChange(fn)
}

func (h *Hub) OnConversationsChange(fn func([]Conversation)) {
	h.store.OnConversationsChange(fn)
}

func (h *Hub) OnToast(fn func(Toast)) {
	h.post(func() { h.toasts.OnToast(fn) })
}

// SetScope 导航区切换。同步拆掉旧身份的连接与定时器后才开始新身份的连接，
// 旧身份的响应不可能再写进新身份的读模型。
func (h *Hub) SetScope(scope Scope) {
	h.post(func() { h.switchScope(scope) })
}

// SetActiveConversation 用户打开某会话：本地产生一次已读确认，
// 走同一条事件应用管道清零未读。
func (h *Hub) SetActiveConversation(id int64) {
	h.post(func() {
		h.activeConv = id
		if id == 0 {
			return
		}
		h.applyEvent(&wire.Event{
			Kind:           wire.EventSeen,
			ConversationID: id,
			SenderID:       h.ident.ID,
			SenderScope:    string(h.ident.Kind),
			CreatedAt:      h.clock().UnixMilli(),
		})
	})
}

func (h *Hub) MarkNotificationRead(id int64) {
	h.post(func() { h.store.MarkNotificationRead(id) })
}

func (h *Hub) MarkAllNotificationsRead() {
	h.post(func() { h.store.MarkAllNotificationsRead() })
}

// DismissNotification 用户手动清除某条通知。除此之外通知永不删除。
func (h *Hub) DismissNotification(id int64) {
	h.post(func() { h.store.DismissNotification(id) })
}

// SendMessage 即发即忘：走当前唯一的传输连接。断线时静默丢弃（只记日志）。
func (h *Hub) SendMessage(conversationID int64, content string) {
	h.post(func() {
		if h.state != StateConnected || h.conn == nil {
			logger.Warnf("[hub] send dropped, not connected conv=%d", conversationID)
			return
		}
		if err := h.conn.WriteFrame(wire.NewSendFrame(conversationID, content)); err != nil {
			logger.Errorf("[hub] send failed conv=%d err=%v", conversationID, err)
			h.dropConn(errs.ErrTransportError.WrapMsg("send", "err", err))
		}
	})
}

func (h *Hub) Notifications() ([]Notification, int) { return h.store.Notifications() }
func (h *Hub) Conversations() []Conversation        { return h.store.Conversations() }

func (h *Hub) post(fn func()) {
	select {
	case h.cmds <- fn:
	case <-h.ctx.Done():
	}
}

// ===== 事件循环 =====

func (h *Hub) run() {
	defer close(h.done)
	ping := time.NewTicker(h.cfg.PingInterval)
	defer ping.Stop()
	defer h.teardown()

	for {
		select {
		case <-h.ctx.Done():
			return
		case fn := <-h.cmds:
			fn()
		case ch := <-h.credCh:
			h.onCredChange(ch)
		case res := <-h.connUp:
			h.onDialResult(res)
		case d := <-h.connDown:
			h.onConnDown(d)
		case m := <-h.inbound:
			h.onInbound(m)
		case <-ping.C:
			h.onPingTick()
		case <-h.backoffC:
			h.onBackoffFire()
		}
	}
}

func (h *Hub) setState(s ConnState) {
	if h.state == s {
		return
	}
	logger.Infof("[hub] state %s -> %s ident=%s attempt=%d", h.state, s, h.ident, h.attempt)
	h.state = s
	h.stateMirror.Store(int32(s))
	for _, fn := range h.onState {
		fn(s)
	}
}

// teardown 同步拆除当前传输与退避定时器，并给连接换代。
// 任何仍在路上的旧代帧/回调此后一律被丢弃。
func (h *Hub) teardown() {
	h.gen++
	if h.conn != nil {
		_ = h.conn.Close()
		h.conn = nil
	}
	h.disarmBackoff()
}

func (h *Hub) disarmBackoff() {
	if h.backoffT != nil {
		h.backoffT.Stop()
		h.backoffT = nil
		h.backoffC = nil
	}
}

func (h *Hub) switchScope(scope Scope) {
	if scope == h.scope {
		return
	}
	logger.Infof("[hub] scope switch %q -> %q", h.scope, scope)
	h.teardown()
	h.scope = scope
	// 身份种类切换：三个读模型与去重缓存全部作废
	h.store.Clear()
	h.dedup.Reset()
	h.router.Unbind()
	h.ident = Identity{}
	h.cred = nil
	h.attempt = 0
	h.setState(StateIdle)
	h.tryConnect()
}

func (h *Hub) onCredChange(ch CredChange) {
	if ch.Scope != h.scope {
		return // 另一个区的凭证动了，与当前连接无关
	}
	if ch.Token == "" {
		// 登出/失效：一个周期内落回 Idle，缓冲中的帧因换代被丢弃
		logger.Infof("[hub] credential cleared scope=%s", h.scope)
		h.teardown()
		h.cred = nil
		h.attempt = 0
		h.setState(StateIdle)
		return
	}
	// 新令牌（登录或续签）：若当前闲置则起连；已连则换代重连
	if h.state == StateIdle {
		h.tryConnect()
		return
	}
	h.teardown()
	h.setState(StateIdle)
	h.tryConnect()
}

func (h *Hub) tryConnect() {
	if !h.scope.Valid() {
		h.setState(StateIdle)
		return
	}
	cred, err := h.selector.Select(h.scope)
	if err != nil {
		// 无凭证是常态（未登录），不是错误
		logger.Debugf("[hub] no credential scope=%s: %v", h.scope, err)
		h.cred = nil
		h.setState(StateIdle)
		return
	}
	if !h.ident.Zero() && h.ident != cred.Identity {
		// 同区换号：视同身份切换，旧状态不能漏给新身份
		h.store.Clear()
		h.dedup.Reset()
	}
	h.cred = cred
	h.ident = cred.Identity
	h.router.Bind(h.ident)
	h.setState(StateConnecting)
	h.dial()
}

func (h *Hub) dial() {
	gen := h.gen
	cred := h.cred
	endpoint := h.cfg.Endpoint
	safe.SafeGo(func() {
		conn, err := h.transport.Dial(h.ctx, endpoint, cred)
		select {
		case h.connUp <- connResult{gen: gen, conn: conn, err: err}:
		case <-h.ctx.Done():
			if conn != nil {
				_ = conn.Close()
			}
		}
	})
}

func (h *Hub) onDialResult(res connResult) {
	if res.gen != h.gen {
		if res.conn != nil {
			_ = res.conn.Close()
		}
		return
	}
	if res.err != nil {
		logger.Warnf("[hub] dial failed attempt=%d err=%v", h.attempt, res.err)
		h.toReconnecting()
		return
	}

	h.conn = res.conn
	h.attempt = 0
	h.lastAlive = h.clock()
	h.setState(StateConnected)

	// 每次连接成功必须重发订阅（订阅状态不跨连接存活）
	if err := h.router.Resubscribe(h.conn); err != nil {
		logger.Warnf("[hub] resubscribe failed err=%v", err)
		h.dropConn(errs.ErrTransportError.WrapMsg("resubscribe", "err", err))
		return
	}

	h.startReadPump(h.gen, h.conn)
	h.fetchSnapshot(h.gen)
}

func (h *Hub) startReadPump(gen int64, conn Conn) {
	safe.SafeGo(func() {
		for {
			raw, err := conn.ReadMessage()
			if err != nil {
				select {
				case h.connDown <- connDown{gen: gen, err: err}:
				case <-h.ctx.Done():
				}
				return
			}
			select {
			case h.inbound <- inboundMsg{gen: gen, raw: raw}:
			case <-h.ctx.Done():
				return
			}
		}
	})
}

func (h *Hub) fetchSnapshot(gen int64) {
	cred := h.cred
	safe.SafeGo(func() {
		ctx, cancel := context.WithTimeout(h.ctx, 15*time.Second)
		defer cancel()
		snap, err := h.snapshots.Fetch(ctx, cred)
		if err != nil {
			logger.Warnf("[hub] snapshot fetch failed err=%v", err)
			return
		}
		h.post(func() {
			if gen != h.gen {
				return // 拉取期间连接已换代/身份已切换
			}
			h.store.Seed(snap.Conversations, snap.Notifications)
		})
	})
}

func (h *Hub) onConnDown(d connDown) {
	if d.gen != h.gen {
		return
	}
	logger.Warnf("[hub] transport down err=%v", d.err)
	h.dropConn(d.err)
}

// dropConn 传输挂了：关掉、换代、进入退避重连。
// 凭证还在就无限重试；失败从不上抛给调用方。
func (h *Hub) dropConn(cause error) {
	logger.Debugf("[hub] drop conn cause=%v", cause)
	h.teardown()
	h.toReconnecting()
}

func (h *Hub) toReconnecting() {
	if _, err := h.selector.Select(h.scope); err != nil {
		h.cred = nil
		h.setState(StateIdle)
		return
	}
	h.setState(StateReconnecting)
	h.attempt++
	d := h.backoffDelay(h.attempt)
	logger.Infof("[hub] reconnect in %s attempt=%d", d, h.attempt)
	h.disarmBackoff()
	h.backoffT = time.NewTimer(d)
	h.backoffC = h.backoffT.C
}

// backoffDelay 封顶指数退避 ±20% 抖动。
func (h *Hub) backoffDelay(attempt int) time.Duration {
	d := h.cfg.BackoffBase
	for i := 1; i < attempt && d < h.cfg.BackoffCap; i++ {
		d *= 2
	}
	if d > h.cfg.BackoffCap {
		d = h.cfg.BackoffCap
	}
	jitter := 0.8 + 0.4*h.rnd.Float64()
	return time.Duration(float64(d) * jitter)
}

func (h *Hub) onBackoffFire() {
	h.disarmBackoff()
	h.teardown() // 保险：绝不允许两条并存的传输
	cred, err := h.selector.Select(h.scope)
	if err != nil {
		h.cred = nil
		h.setState(StateIdle)
		return
	}
	h.cred = cred
	h.ident = cred.Identity
	h.router.Bind(h.ident)
	h.setState(StateConnecting)
	h.dial()
}

func (h *Hub) onPingTick() {
	if h.state != StateConnected || h.conn == nil {
		return
	}
	// 心跳超时：超过 2 倍心跳间隔没有任何入站流量
	if h.clock().Sub(h.lastAlive) > 2*h.cfg.PingInterval {
		logger.Warnf("[hub] heartbeat timeout, last alive %s", h.lastAlive)
		h.dropConn(errs.ErrHeartbeatTimeout.Wrap())
		return
	}
	if err := h.conn.WriteFrame(wire.NewPingFrame()); err != nil {
		h.dropConn(errs.ErrTransportError.WrapMsg("ping", "err", err))
	}
}

func (h *Hub) onInbound(m inboundMsg) {
	if m.gen != h.gen {
		return // 旧连接的缓冲帧，身份可能已经切走，直接丢
	}
	h.lastAlive = h.clock()

	f, err := wire.ParseFrame(m.raw)
	if err != nil {
		// 坏帧：丢弃并记日志，不阻塞后续事件
		sample := m.raw
		if len(sample) > 256 {
			sample = sample[:256]
		}
		logger.Warnf("[hub] malformed frame dropped err=%v sample=%q", err, sample)
		return
	}

	switch f.Type {
	case wire.FramePong:
		// lastAlive 已刷新
	case wire.FramePing:
		if h.conn != nil {
			_ = h.conn.WriteFrame(&wire.Frame{Type: wire.FramePong})
		}
	case wire.FrameEvent:
		if f.Event == nil {
			logger.Warnf("[hub] EVENT frame without event payload")
			return
		}
		h.applyEvent(f.Event)
	case wire.FrameAuthAck, wire.FrameSubAck:
		logger.Debugf("[hub] ack frame type=%s", f.Type)
	case wire.FrameError:
		h.onServerError(f)
	case wire.FrameAuth, wire.FrameSub, wire.FrameUnsub, wire.FrameSend:
		logger.Warnf("[hub] unexpected client-direction frame type=%s", f.Type)
	default:
		logger.Warnf("[hub] unknown frame type=%d", int(f.Type))
	}
}

func (h *Hub) onServerError(f *wire.Frame) {
	logger.Warnf("[hub] server error code=%d msg=%s", f.Code, f.Msg)
	switch f.Code {
	case errs.CodeCredentialExpired, errs.CodeHandshakeRejected:
		// 服务端判令牌失效：清掉本地凭证，回 Idle（不会拿旧值重试）
		h.selector.Store().ClearAuth(h.scope)
		h.teardown()
		h.cred = nil
		h.setState(StateIdle)
	default:
		// 其他错误帧仅记录；连接仍可用
	}
}

// applyEvent 去重 -> 读模型 -> 副作用，事件应用的唯一路径。
func (h *Hub) applyEvent(e *wire.Event) {
	if !e.Kind.Valid() {
		logger.Warnf("[hub] event with unknown kind=%d dropped", int(e.Kind))
		return
	}
	seen, err := h.dedup.SeenOnce(e.DedupKey(), h.cfg.DedupTTL)
	if err != nil {
		logger.Warnf("[hub] dedup store err=%v (event let through)", err)
	}
	if seen {
		logger.Debugf("[hub] duplicate event absorbed key=%s", e.DedupKey())
		return
	}
	ch, ok := h.store.ApplyEvent(e, h.ident)
	if !ok {
		return
	}
	h.toasts.Observe(ch)
}
