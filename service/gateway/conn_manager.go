package gateway

import (
	"errors"
	"net"
	"sync"
	"time"

	"JBProject/logger"
	"JBProject/service/wire"

	"github.com/gorilla/websocket"
)

// ===== 配置 =====

type ManagerConf struct {
	UnauthTTL  time.Duration    // 未授权连接的 TTL
	AuthTTL    time.Duration    // 已授权连接的 TTL
	SweepEvery time.Duration    // 清理周期
	SendBuffer int              // 每连接发送队列长度
	Clock      func() time.Time // 可注入时钟（单测用）；nil => time.Now
}

func (c *ManagerConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
	if c.UnauthTTL <= 0 {
		c.UnauthTTL = 60 * time.Second
	}
	if c.AuthTTL <= 0 {
		c.AuthTTL = 2 * time.Hour
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
}

// ===== 数据结构 =====

type WsConn struct {
	ConnID     string
	Scope      string // seeker / employer，AUTH 后才有
	UserID     int64
	Authorized bool

	Conn   *websocket.Conn
	Remote net.Addr

	SendChan  chan []byte   // 每连接独立发送队列
	done      chan struct{} // 连接移除后通知写协程退出
	closeOnce sync.Once

	CreatedAt time.Time
	TTL       time.Duration
	ExpireAt  time.Time
	Heartbeat time.Time

	topics map[string]struct{} // 本连接已订阅话题
}

type ConnManager struct {
	mu      sync.RWMutex
	byConn  map[string]*WsConn            // 主索引：connID -> conn
	byTopic map[string]map[string]*WsConn // 话题索引：topic -> (connID -> conn)

	conf     ManagerConf
	stopOnce sync.Once
	stopCh   chan struct{}
	gwId     string // 节点ID
}

// ===== 构造/关闭 =====

func NewConnManager(conf ManagerConf, gwId string) *ConnManager {
	conf.norm()
	m := &ConnManager{
		byConn:  make(map[string]*WsConn),
		byTopic: make(map[string]map[string]*WsConn),
		conf:    conf,
		gwId:    gwId,
		stopCh:  make(chan struct{}),
	}
	go m.sweeper()
	return m
}

func (m *ConnManager) GwId() string { return m.gwId }

func (m *ConnManager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.byConn {
		closeQuiet(w)
	}
	m.byConn = map[string]*WsConn{}
	m.byTopic = map[string]map[string]*WsConn{}
}

// AddUnauth 新连接（未授权）登记；起写协程
func (m *ConnManager) AddUnauth(connID string, conn *websocket.Conn) (*WsConn, error) {
	if connID == "" || conn == nil {
		return nil, errors.New("connID/conn empty")
	}
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byConn[connID]; exists {
		return nil, errors.New("connID exists")
	}
	w := &WsConn{
		ConnID:    connID,
		Conn:      conn,
		Remote:    conn.RemoteAddr(),
		SendChan:  make(chan []byte, m.conf.SendBuffer),
		done:      make(chan struct{}),
		CreatedAt: now,
		TTL:       m.conf.UnauthTTL,
		ExpireAt:  now.Add(m.conf.UnauthTTL),
		Heartbeat: now,
		topics:    make(map[string]struct{}),
	}
	m.byConn[connID] = w
	go m.writePump(w)
	return w, nil
}

// Bind 授权：绑定身份，切到 AuthTTL
func (m *ConnManager) Bind(connID, scope string, userID int64) error {
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.byConn[connID]
	if !ok || w.Conn == nil {
		return errors.New("connID not found")
	}
	w.Scope = scope
	w.UserID = userID
	w.Authorized = true
	w.TTL = m.conf.AuthTTL
	w.ExpireAt = now.Add(m.conf.AuthTTL)
	w.Heartbeat = now
	return nil
}

// Subscribe 连接订阅话题。重复订阅是幂等的——客户端重连后会整组重发。
func (m *ConnManager) Subscribe(connID, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.byConn[connID]
	if !ok {
		return errors.New("connID not found")
	}
	if !w.Authorized {
		return errors.New("not authorized")
	}
	if _, dup := w.topics[topic]; dup {
		return nil
	}
	w.topics[topic] = struct{}{}
	mm := m.byTopic[topic]
	if mm == nil {
		mm = make(map[string]*WsConn)
		m.byTopic[topic] = mm
	}
	mm[connID] = w
	return nil
}

// Unsubscribe 连接退订话题；不存在视为成功
func (m *ConnManager) Unsubscribe(connID, topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.byConn[connID]
	if !ok {
		return
	}
	delete(w.topics, topic)
	if mm := m.byTopic[topic]; mm != nil {
		delete(mm, connID)
		if len(mm) == 0 {
			delete(m.byTopic, topic)
		}
	}
}

// ConnsForTopic 话题当前的订阅连接快照
func (m *ConnManager) ConnsForTopic(topic string) []*WsConn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mm := m.byTopic[topic]
	out := make([]*WsConn, 0, len(mm))
	for _, w := range mm {
		out = append(out, w)
	}
	return out
}

// Heartbeat 刷新某条连接的心跳与到期时间
func (m *ConnManager) Heartbeat(connID string) error {
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.byConn[connID]
	if !ok {
		return errors.New("connID not found")
	}
	w.Heartbeat = now
	w.ExpireAt = now.Add(w.TTL)
	return nil
}

// Remove 关闭并移除指定连接
func (m *ConnManager) Remove(connID string) {
	m.mu.Lock()
	w, ok := m.byConn[connID]
	if ok {
		m.removeLocked(w)
	}
	m.mu.Unlock()
	if ok {
		closeQuiet(w)
	}
}

func (m *ConnManager) removeLocked(w *WsConn) {
	delete(m.byConn, w.ConnID)
	for topic := range w.topics {
		if mm := m.byTopic[topic]; mm != nil {
			delete(mm, w.ConnID)
			if len(mm) == 0 {
				delete(m.byTopic, topic)
			}
		}
	}
}

// SendFrame 单连接发帧（入队；慢连接丢帧并记日志）
func (m *ConnManager) SendFrame(w *WsConn, f *wire.Frame) {
	data, err := f.Encode()
	if err != nil {
		logger.Errorf("[connmgr] encode frame err=%v", err)
		return
	}
	select {
	case <-w.done:
	case w.SendChan <- data:
	default:
		logger.Warnf("[connmgr] send queue full, drop frame conn=%s type=%s", w.ConnID, f.Type)
	}
}

// ===== 写协程与清理协程 =====

func (m *ConnManager) writePump(w *WsConn) {
	for {
		select {
		case <-w.done:
			return
		case data := <-w.SendChan:
			if err := w.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := w.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (m *ConnManager) sweeper() {
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-t.C:
			m.SweepOnce(now)
		}
	}
}

// SweepOnce 收集后统一关闭，避免持锁期间关闭 socket
func (m *ConnManager) SweepOnce(now time.Time) int {
	var expired []*WsConn
	m.mu.Lock()
	for _, w := range m.byConn {
		if now.After(w.ExpireAt) {
			expired = append(expired, w)
			m.removeLocked(w)
		}
	}
	m.mu.Unlock()

	for _, w := range expired {
		logger.Infof("[connmgr] expired conn=%s scope=%s user=%d", w.ConnID, w.Scope, w.UserID)
		closeQuiet(w)
	}
	return len(expired)
}

func closeQuiet(w *WsConn) {
	if w == nil {
		return
	}
	w.closeOnce.Do(func() {
		close(w.done)
		if w.Conn != nil {
			_ = w.Conn.Close()
		}
	})
}
