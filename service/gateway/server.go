package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"JBProject/global"
	"JBProject/logger"
	"JBProject/middleware"
	"JBProject/service/natsx"
	"JBProject/service/wire"
	"JBProject/tools/decode"
	"JBProject/tools/errs"
	"JBProject/tools/ids"
	"JBProject/tools/safe"
	"JBProject/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// Server 推送网关：/ws 帧协议 + 快照 REST + 联调管理接口。
// 消息不直接回推——先发事件总线，再由总线消费者扇出，多节点部署时同样成立。
type Server struct {
	conf  global.GatewayConfig
	jwt   security.Options
	mgr   *ConnManager
	fan   *Fanout
	disp  *Dispatcher
	bus   *natsx.NatsManager
	state *State

	engine   *gin.Engine
	httpSrv  *http.Server
	upgrader websocket.Upgrader
}

func NewServer(conf global.GatewayConfig, bus *natsx.NatsManager) *Server {
	mgr := NewConnManager(ManagerConf{
		UnauthTTL:  conf.UnauthTTL,
		AuthTTL:    conf.AuthTTL,
		SweepEvery: conf.SweepEvery,
	}, conf.NodeId)

	s := &Server{
		conf:  conf,
		jwt:   security.DefaultOptions([]byte(conf.JwtSecret)),
		mgr:   mgr,
		fan:   NewFanout(mgr, 8, 1024),
		disp:  NewDispatcher(),
		bus:   bus,
		state: NewState(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true }, // 联调网关，不做来源校验
		},
	}
	s.registerHandlers()
	s.buildRoutes()
	return s
}

func (s *Server) registerHandlers() {
	s.disp.Register(wire.FrameAuth, handleAuth)
	s.disp.Register(wire.FrameSub, handleSub)
	s.disp.Register(wire.FrameUnsub, handleUnsub)
	s.disp.Register(wire.FramePing, handlePing)
	s.disp.Register(wire.FrameSend, handleSend)
}

func (s *Server) buildRoutes() {
	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(gin.Recovery())

	e.GET(s.conf.WSPath, s.handleWS)

	api := e.Group("/api", middleware.BearerAuth(s.jwt))
	api.GET("/conversations", s.handleConversations)
	api.GET("/notifications", s.handleNotifications)

	// 联调管理口：灌会话、发通知、标已读、签令牌
	admin := e.Group("/admin")
	admin.POST("/conversations", s.handleAdminConversation)
	admin.POST("/notify", s.handleAdminNotify)
	admin.POST("/seen", s.handleAdminSeen)
	admin.POST("/token", s.handleAdminToken)

	s.engine = e
}

// Run 启动 HTTP/WS 监听并挂上总线消费，阻塞到监听退出
func (s *Server) Run() error {
	if err := s.startBusFeed(); err != nil {
		return err
	}
	s.httpSrv = &http.Server{
		Addr:    ":" + strconv.Itoa(s.conf.Port),
		Handler: s.engine,
	}
	logger.Infof("[gateway] node=%s listening on %s", s.conf.NodeId, s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	s.fan.Close()
	s.mgr.Close()
	return err
}

// ===== WS 接入 =====

func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		glog.Warningf("ws upgrade failed: %v", err)
		return
	}
	connID := s.conf.NodeId + "_" + ids.GenerateString()
	w, err := s.mgr.AddUnauth(connID, conn)
	if err != nil {
		_ = conn.Close()
		return
	}

	// 握手时带了 Bearer 头的，直接授权，省一帧
	if h := c.GetHeader("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			s.authorize(w, token)
		}
	}

	safe.SafeGo(func() { s.readLoop(w) })
}

func (s *Server) readLoop(w *WsConn) {
	defer s.mgr.Remove(w.ConnID)
	for {
		mt, raw, err := w.Conn.ReadMessage()
		if err != nil {
			logger.Debugf("[gateway] conn=%s read closed: %v", w.ConnID, err)
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		f, err := wire.ParseFrame(raw)
		if err != nil {
			// 坏帧只记日志，连接留着
			glog.Warningf("bad frame conn=%s err=%v", w.ConnID, err)
			continue
		}
		if !w.Authorized && f.Type != wire.FrameAuth {
			s.mgr.SendFrame(w, wire.NewErrorFrame(errs.CodeCredentialUnavailable, "authenticate first"))
			continue
		}
		if err := s.disp.Dispatch(s, w, f); err != nil {
			glog.Warningf("handle %s conn=%s err=%v", f.Type, w.ConnID, err)
		}
	}
}

func (s *Server) authorize(w *WsConn, token string) bool {
	claims, err := security.Verify(s.jwt, token)
	if err != nil {
		s.mgr.SendFrame(w, wire.NewErrorFrame(errs.CodeHandshakeRejected, "invalid token"))
		return false
	}
	if err := s.mgr.Bind(w.ConnID, claims.Scope, claims.UserID); err != nil {
		s.mgr.SendFrame(w, wire.NewErrorFrame(errs.CodeServerInternal, "bind failed"))
		return false
	}
	s.mgr.SendFrame(w, &wire.Frame{Type: wire.FrameAuthAck, ConnId: w.ConnID})
	logger.Infof("[gateway] conn=%s authorized scope=%s user=%d", w.ConnID, claims.Scope, claims.UserID)
	return true
}

// ===== 帧处理 =====

func handleAuth(s *Server, w *WsConn, f *wire.Frame) error {
	p, err := decode.DecodeMap[wire.AuthPayload](f.Payload)
	if err != nil || p.Token == "" {
		s.mgr.SendFrame(w, wire.NewErrorFrame(errs.CodeHandshakeRejected, "missing token"))
		return nil
	}
	s.authorize(w, p.Token)
	return nil
}

func handleSub(s *Server, w *WsConn, f *wire.Frame) error {
	// 只允许订阅自己身份的入站话题
	want := global.InboundTopic(w.Scope, w.UserID)
	if f.Topic != want {
		glog.Warningf("sub refused conn=%s topic=%s", w.ConnID, f.Topic)
		s.mgr.SendFrame(w, wire.NewErrorFrame(errs.CodeMalformedEvent, "topic not allowed"))
		return nil
	}
	if err := s.mgr.Subscribe(w.ConnID, f.Topic); err != nil {
		return err
	}
	s.mgr.SendFrame(w, &wire.Frame{Type: wire.FrameSubAck, Topic: f.Topic})
	return nil
}

func handleUnsub(s *Server, w *WsConn, f *wire.Frame) error {
	s.mgr.Unsubscribe(w.ConnID, f.Topic)
	return nil
}

func handlePing(s *Server, w *WsConn, _ *wire.Frame) error {
	_ = s.mgr.Heartbeat(w.ConnID)
	s.mgr.SendFrame(w, &wire.Frame{Type: wire.FramePong})
	return nil
}

// handleSend 消息上行：落档、造事件、发总线。
// 发给双方的主题——发送方其他端要同步预览，接收方要加未读。
func handleSend(s *Server, w *WsConn, f *wire.Frame) error {
	p, err := decode.DecodeMap[wire.SendPayload](f.Payload)
	if err != nil || p.ConversationID == 0 || p.Content == "" {
		s.mgr.SendFrame(w, wire.NewErrorFrame(errs.CodeMalformedEvent, "bad send payload"))
		return nil
	}
	now := time.Now().UnixMilli()
	peerScope, peerID, err := s.state.RecordMessage(p.ConversationID, w.UserID, w.Scope, p.Content, now)
	if err != nil {
		s.mgr.SendFrame(w, wire.NewErrorFrame(errs.CodeMalformedEvent, "conversation rejected"))
		return nil
	}

	evt := &wire.Event{
		ID:             ids.Generate(),
		Kind:           wire.EventMessage,
		ConversationID: p.ConversationID,
		SenderID:       w.UserID,
		SenderScope:    w.Scope,
		Content:        p.Content,
		CreatedAt:      now,
	}
	s.publishEvent(evt, peerScope, peerID)
	s.publishEvent(evt, w.Scope, w.UserID)
	return nil
}

// ===== 事件总线 =====

func (s *Server) publishEvent(evt *wire.Event, scope string, userID int64) {
	data, err := json.Marshal(evt)
	if err != nil {
		logger.Errorf("[gateway] marshal event err=%v", err)
		return
	}
	subject := global.BusSubject(scope, userID)
	msgID := fmt.Sprintf("%d.%s.%d", evt.ID, scope, userID)
	if err := s.bus.PublishOnce(context.Background(), subject, data, nil, msgID); err != nil {
		logger.Errorf("[gateway] publish subject=%s err=%v", subject, err)
	}
}

// startBusFeed 订阅整棵事件树，按主题还原身份后扇出
func (s *Server) startBusFeed() error {
	return s.bus.Subscribe("jb.events.>", "", func(_ context.Context, msg natsx.NatsxMessage) error {
		scope, userID, ok := parseBusSubject(msg.Subject)
		if !ok {
			glog.Warningf("bus subject unparsable: %s", msg.Subject)
			return nil
		}
		var evt wire.Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			return errs.WrapMsg(err, "decode bus event", "subject", msg.Subject)
		}
		topic := global.InboundTopic(scope, userID)
		n := s.fan.Broadcast(topic, wire.NewEventFrame(topic, &evt))
		logger.Debugf("[gateway] event id=%d kind=%d -> %s (%d conns)", evt.ID, evt.Kind, topic, n)
		return nil
	})
}

// parseBusSubject "jb.events.{scope}.{userId}" -> (scope, userId)
func parseBusSubject(subject string) (string, int64, bool) {
	parts := strings.Split(subject, ".")
	if len(parts) != 4 || parts[0] != "jb" || parts[1] != "events" {
		return "", 0, false
	}
	scope := parts[2]
	if scope != global.ScopeSeeker && scope != global.ScopeEmployer {
		return "", 0, false
	}
	uid, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil || uid <= 0 {
		return "", 0, false
	}
	return scope, uid, true
}
