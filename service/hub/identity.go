package hub

import (
	"strconv"

	"JBProject/global"
)

// Scope 导航命名空间：求职者区 / 招聘方区。两者互斥，凭证与身份都按它选取。
type Scope string

const (
	ScopeNone     Scope = ""
	ScopeSeeker   Scope = global.ScopeSeeker
	ScopeEmployer Scope = global.ScopeEmployer
)

func (s Scope) Valid() bool {
	return s == ScopeSeeker || s == ScopeEmployer
}

// Identity 当前驱动连接的身份。ID 为 0 表示已登录但未知（或已登出）。
type Identity struct {
	Kind Scope
	ID   int64
}

func (i Identity) Zero() bool {
	return i.Kind == ScopeNone && i.ID == 0
}

// Authored 判断某事件是否由本身份发出（本人发的消息不计未读、不弹 toast）。
func (i Identity) Authored(senderScope string, senderID int64) bool {
	return i.Kind == Scope(senderScope) && i.ID == senderID
}

func (i Identity) String() string {
	return string(i.Kind) + ":" + strconv.FormatInt(i.ID, 10)
}

// InboundTopic 身份入站话题，订阅路由用。
func (i Identity) InboundTopic() string {
	return global.InboundTopic(string(i.Kind), i.ID)
}
