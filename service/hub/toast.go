package hub

import (
	"unicode/utf8"
)

// Toast 一次性 UI 副作用。渲染交给外部（HTML/组件不在这层）。
type Toast struct {
	ConversationID int64
	SenderID       int64
	SenderScope    string
	Icon           string
	Preview        string
}

const toastPreviewMax = 80

// 发送方图标：招聘方显示公司徽标位，求职者显示头像位
const (
	iconEmployer = "briefcase"
	iconSeeker   = "person"
)

// ToastDispatcher 无状态副作用分发器：只观察读模型变更流，从不写回。
type ToastDispatcher struct {
	sinks []func(Toast)
}

func NewToastDispatcher() *ToastDispatcher {
	return &ToastDispatcher{}
}

func (d *ToastDispatcher) OnToast(fn func(Toast)) {
	d.sinks = append(d.sinks, fn)
}

// Observe 消费一条读模型变更。只有未读的对端 MESSAGE 产生 toast；
// SEEN / 通知 / 本人消息一律不弹。
func (d *ToastDispatcher) Observe(ch Change) {
	if ch.Kind != ChangeMessage || ch.Authored || ch.Event == nil || ch.Event.Read {
		return
	}
	e := ch.Event
	icon := iconSeeker
	if e.SenderScope == string(ScopeEmployer) {
		icon = iconEmployer
	}
	t := Toast{
		ConversationID: e.ConversationID,
		SenderID:       e.SenderID,
		SenderScope:    e.SenderScope,
		Icon:           icon,
		Preview:        truncate(e.Content, toastPreviewMax),
	}
	for _, fn := range d.sinks {
		fn(t)
	}
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max]) + "…"
}
