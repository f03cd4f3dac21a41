package hub

import (
	"context"
	"net/http"
	"time"

	"JBProject/service/wire"
	"JBProject/tools/errs"

	"github.com/gorilla/websocket"
)

// Conn 一条已建立的推送连接。ReadMessage 阻塞到下一帧或传输错误；
// 帧解析在 hub 事件循环里做（坏帧不应杀死连接）。
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteFrame(f *wire.Frame) error
	Close() error
}

// Transport 握手用 Bearer 凭证头。实现要求：Dial 返回时握手已被服务端确认。
type Transport interface {
	Dial(ctx context.Context, endpoint string, cred *Credential) (Conn, error)
}

// ===== gorilla/websocket 实现 =====

const (
	wsHandshakeTimeout = 10 * time.Second
	wsWriteDeadline    = 5 * time.Second
	wsReadLimit        = 1 << 20
)

type wsTransport struct{}

func NewWSTransport() Transport { return wsTransport{} }

func (wsTransport) Dial(ctx context.Context, endpoint string, cred *Credential) (Conn, error) {
	d := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+cred.Token)

	c, resp, err := d.DialContext(ctx, endpoint, hdr)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errs.ErrHandshakeRejected.WrapMsg("dial", "status", resp.StatusCode)
		}
		return nil, errs.ErrTransportError.WrapMsg("dial", "err", err)
	}
	c.SetReadLimit(wsReadLimit)

	wc := &wsConn{c: c}
	// 握手帧：AUTH -> AUTH_ACK（传输级确认，服务端据此绑定身份）
	if err := wc.WriteFrame(wire.NewAuthFrame(cred.Token)); err != nil {
		_ = c.Close()
		return nil, errs.ErrTransportError.WrapMsg("auth frame", "err", err)
	}
	if err := wc.awaitAuthAck(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return wc, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) awaitAuthAck() error {
	_ = w.c.SetReadDeadline(time.Now().Add(wsHandshakeTimeout))
	defer func() { _ = w.c.SetReadDeadline(time.Time{}) }()

	raw, err := w.ReadMessage()
	if err != nil {
		return errs.ErrTransportError.WrapMsg("await auth ack", "err", err)
	}
	f, err := wire.ParseFrame(raw)
	if err != nil {
		return errs.ErrHandshakeRejected.WrapMsg("bad ack frame", "err", err)
	}
	switch f.Type {
	case wire.FrameAuthAck:
		return nil
	case wire.FrameError:
		return errs.ErrHandshakeRejected.WrapMsg("server rejected", "code", f.Code, "msg", f.Msg)
	default:
		return errs.ErrHandshakeRejected.WrapMsg("unexpected frame", "type", f.Type.String())
	}
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := w.c.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

func (w *wsConn) WriteFrame(f *wire.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	if err := w.c.SetWriteDeadline(time.Now().Add(wsWriteDeadline)); err != nil {
		return err
	}
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	return w.c.Close()
}
