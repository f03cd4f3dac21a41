package gateway

import (
	"sync"

	"JBProject/service/wire"

	"github.com/golang/glog"
)

// HandlerFunc 处理一帧入站消息
type HandlerFunc func(s *Server, w *WsConn, f *wire.Frame) error

// Dispatcher 按帧类型分发；注册集中在 server 启动时完成
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[wire.FrameType]HandlerFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[wire.FrameType]HandlerFunc)}
}

func (d *Dispatcher) Register(t wire.FrameType, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.handlers[t]; dup {
		glog.Warningf("dispatcher: duplicate handler for %s, overwritten", t)
	}
	d.handlers[t] = h
}

func (d *Dispatcher) Dispatch(s *Server, w *WsConn, f *wire.Frame) error {
	d.mu.RLock()
	h, ok := d.handlers[f.Type]
	d.mu.RUnlock()
	if !ok {
		glog.Warningf("dispatcher: no handler for frame type %s conn=%s", f.Type, w.ConnID)
		return nil
	}
	return h(s, w, f)
}
