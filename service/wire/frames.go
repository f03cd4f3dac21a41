package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// FrameType 帧类型。客户端：AUTH/SUB/UNSUB/PING/SEND；服务端：ACK/EVENT/PONG/ERROR。
type FrameType int

const (
	FrameAuth FrameType = iota + 1
	FrameAuthAck
	FrameSub
	FrameSubAck
	FrameUnsub
	FramePing
	FramePong
	FrameEvent
	FrameSend
	FrameError
)

func (t FrameType) String() string {
	switch t {
	case FrameAuth:
		return "AUTH"
	case FrameAuthAck:
		return "AUTH_ACK"
	case FrameSub:
		return "SUB"
	case FrameSubAck:
		return "SUB_ACK"
	case FrameUnsub:
		return "UNSUB"
	case FramePing:
		return "PING"
	case FramePong:
		return "PONG"
	case FrameEvent:
		return "EVENT"
	case FrameSend:
		return "SEND"
	case FrameError:
		return "ERROR"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(t)) + ")"
	}
}

// EventKind 入站事件的标签变体。新增事件种类必须补齐各消费方的 switch。
type EventKind int16

const (
	EventMessage EventKind = iota + 1
	EventSeen
	EventNotification
)

func (k EventKind) Valid() bool {
	switch k {
	case EventMessage, EventSeen, EventNotification:
		return true
	}
	return false
}

// Event 入站事件载荷。一次性消费，只保留其对读模型的影响。
type Event struct {
	ID             int64     `json:"id,omitempty"` // 服务端分配，可能缺失
	Kind           EventKind `json:"kind"`
	ConversationID int64     `json:"conversation_id,omitempty"`
	SenderID       int64     `json:"sender_id,omitempty"`
	SenderScope    string    `json:"sender_scope,omitempty"` // seeker / employer
	Content        string    `json:"content,omitempty"`
	CreatedAt      int64     `json:"created_at,omitempty"` // unix milli
	Read           bool      `json:"read,omitempty"`
	// 通知事件专用
	Title     string `json:"title,omitempty"`
	NotifKind string `json:"notif_kind,omitempty"`
}

// DedupKey 去重键：优先服务端 id，没有就用 会话+时间+发送者 合成弱键。
func (e *Event) DedupKey() string {
	if e.ID > 0 {
		return "evt:" + strconv.FormatInt(e.ID, 10)
	}
	return "evt:c" + strconv.FormatInt(e.ConversationID, 10) +
		":t" + strconv.FormatInt(e.CreatedAt, 10) +
		":s" + strconv.FormatInt(e.SenderID, 10)
}

// Frame 统一线帧。动态负载（AUTH 的令牌、SEND 的消息体）走 Payload，
// 用 tools/decode 解到具体结构。
type Frame struct {
	Type    FrameType      `json:"type"`
	Ts      int64          `json:"ts,omitempty"`
	ConnId  string         `json:"conn_id,omitempty"`
	Topic   string         `json:"topic,omitempty"`
	Code    int            `json:"code,omitempty"`
	Msg     string         `json:"msg,omitempty"`
	Event   *Event         `json:"event,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

type AuthPayload struct {
	Token string `json:"token"`
}

type SendPayload struct {
	ConversationID int64  `json:"conversation_id"`
	Content        string `json:"content"`
}

func ParseFrame(raw []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, fmt.Errorf("unmarshal frame failed: %w", err)
	}
	if f.Type == 0 {
		return nil, fmt.Errorf("frame missing type")
	}
	return f, nil
}

func (f *Frame) Encode() ([]byte, error) {
	if f.Ts == 0 {
		f.Ts = time.Now().UnixMilli()
	}
	return json.Marshal(f)
}

// ---- 构造若干常用帧 ----

func NewAuthFrame(token string) *Frame {
	return &Frame{Type: FrameAuth, Ts: time.Now().UnixMilli(), Payload: map[string]any{"token": token}}
}

func NewSubFrame(topic string) *Frame {
	return &Frame{Type: FrameSub, Ts: time.Now().UnixMilli(), Topic: topic}
}

func NewPingFrame() *Frame {
	return &Frame{Type: FramePing, Ts: time.Now().UnixMilli()}
}

func NewSendFrame(conversationID int64, content string) *Frame {
	return &Frame{
		Type: FrameSend,
		Ts:   time.Now().UnixMilli(),
		Payload: map[string]any{
			"conversation_id": conversationID,
			"content":         content,
		},
	}
}

func NewEventFrame(topic string, e *Event) *Frame {
	return &Frame{Type: FrameEvent, Ts: time.Now().UnixMilli(), Topic: topic, Event: e}
}

func NewErrorFrame(code int, msg string) *Frame {
	return &Frame{Type: FrameError, Ts: time.Now().UnixMilli(), Code: code, Msg: msg}
}
