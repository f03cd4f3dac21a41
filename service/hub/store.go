package hub

import (
	"sort"
	"sync"

	"JBProject/logger"
	"JBProject/service/wire"
)

// Notification 通知读模型条目。
type Notification struct {
	ID        int64
	Title     string
	Content   string
	Kind      string
	Read      bool
	CreatedAt int64
}

// Conversation 会话读模型条目。排序键 UpdatedAt 降序。
type Conversation struct {
	ID              int64
	CounterpartID   int64
	CounterpartName string
	JobTitle        string
	LastMessage     string
	LastSenderID    int64
	LastSenderScope string
	LastRead        bool
	UpdatedAt       int64
	Unread          int

	// 最近一次已读确认时间。未读只统计晚于它的对端消息，
	// 乱序重放（SEEN 先于 MESSAGE）也能收敛到同一结果。
	seenAt int64
}

// ChangeKind 读模型变更种类，给副作用分发器消费。
type ChangeKind int

const (
	ChangeMessage ChangeKind = iota + 1
	ChangeSeen
	ChangeNotification
	ChangeReset
)

type Change struct {
	Kind     ChangeKind
	Event    *wire.Event // ChangeReset 时为 nil
	Authored bool        // 事件是否由当前身份发出
}

// Store 三个派生读模型。写入只来自事件应用路径（hub 事件循环），
// UI / 副作用分发器只读。
type Store struct {
	mu      sync.RWMutex
	notifs  map[int64]*Notification
	convs   map[int64]*Conversation
	onNotif []func([]Notification, int)
	onConv  []func([]Conversation)
}

func NewStore() *Store {
	return &Store{
		notifs: make(map[int64]*Notification),
		convs:  make(map[int64]*Conversation),
	}
}

// OnNotificationsChange 注册通知视图监听（列表 + 未读数）。
func (s *Store) OnNotificationsChange(fn func([]Notification, int)) {
	s.mu.Lock()
	s.onNotif = append(s.onNotif, fn)
	s.mu.Unlock()
}

// OnConversationsChange 注册会话视图监听（已按最近活跃排序）。
func (s *Store) OnConversationsChange(fn func([]Conversation)) {
	s.mu.Lock()
	s.onConv = append(s.onConv, fn)
	s.mu.Unlock()
}

// ApplyEvent 把一条去重后的事件应用到读模型。幂等由上游去重器保证，
// 这里只保证任意顺序重放收敛。返回的 Change 供副作用分发器用。
func (s *Store) ApplyEvent(e *wire.Event, ident Identity) (Change, bool) {
	if e == nil || !e.Kind.Valid() {
		return Change{}, false
	}

	s.mu.Lock()
	var ch Change
	switch e.Kind {
	case wire.EventMessage:
		ch = s.applyMessageLocked(e, ident)
	case wire.EventSeen:
		ch = s.applySeenLocked(e, ident)
	case wire.EventNotification:
		ch = s.applyNotificationLocked(e)
	}
	s.mu.Unlock()

	if ch.Kind == 0 {
		return Change{}, false
	}
	s.fireAll()
	return ch, true
}

func (s *Store) applyMessageLocked(e *wire.Event, ident Identity) Change {
	c := s.convs[e.ConversationID]
	if c == nil {
		c = &Conversation{ID: e.ConversationID}
		s.convs[e.ConversationID] = c
	}
	authored := ident.Authored(e.SenderScope, e.SenderID)

	// 预览字段 last-writer-wins；UpdatedAt 单调不减
	if e.CreatedAt >= c.UpdatedAt {
		c.LastMessage = e.Content
		c.LastSenderID = e.SenderID
		c.LastSenderScope = e.SenderScope
		c.LastRead = e.Read
		c.UpdatedAt = e.CreatedAt
	}
	if !authored && e.CreatedAt > c.seenAt {
		c.Unread++
	}
	if !authored && c.CounterpartID == 0 {
		c.CounterpartID = e.SenderID
	}
	return Change{Kind: ChangeMessage, Event: e, Authored: authored}
}

func (s *Store) applySeenLocked(e *wire.Event, ident Identity) Change {
	c := s.convs[e.ConversationID]
	if c == nil {
		// 先于消息到达的已读确认：占位，后到的旧消息不再计未读
		c = &Conversation{ID: e.ConversationID}
		s.convs[e.ConversationID] = c
	}
	authored := ident.Authored(e.SenderScope, e.SenderID)
	if authored {
		// 本端的已读动作：清未读并抬水位，后到的旧消息不再计未读
		if e.CreatedAt >= c.seenAt {
			c.seenAt = e.CreatedAt
		}
		c.Unread = 0
	}
	// 回执只翻已读标记，不抬 UpdatedAt（排序由消息驱动）
	c.LastRead = true
	return Change{Kind: ChangeSeen, Event: e, Authored: authored}
}

func (s *Store) applyNotificationLocked(e *wire.Event) Change {
	if e.ID == 0 {
		logger.Warnf("[store] notification event without id dropped")
		return Change{}
	}
	if _, ok := s.notifs[e.ID]; ok {
		// append-or-ignore
		return Change{}
	}
	s.notifs[e.ID] = &Notification{
		ID:        e.ID,
		Title:     e.Title,
		Content:   e.Content,
		Kind:      e.NotifKind,
		Read:      e.Read,
		CreatedAt: e.CreatedAt,
	}
	return Change{Kind: ChangeNotification, Event: e}
}

// Seed 用历史快照打底，活事件已先行到达时以较新者为准（upsert，不整体替换）。
func (s *Store) Seed(convs []Conversation, notifs []Notification) {
	s.mu.Lock()
	for i := range convs {
		sc := convs[i]
		c := s.convs[sc.ID]
		if c == nil {
			cc := sc
			s.convs[sc.ID] = &cc
			continue
		}
		// 补齐快照才有的静态字段
		if c.CounterpartName == "" {
			c.CounterpartName = sc.CounterpartName
		}
		if c.JobTitle == "" {
			c.JobTitle = sc.JobTitle
		}
		if c.CounterpartID == 0 {
			c.CounterpartID = sc.CounterpartID
		}
		if sc.UpdatedAt > c.UpdatedAt {
			c.LastMessage = sc.LastMessage
			c.LastSenderID = sc.LastSenderID
			c.LastSenderScope = sc.LastSenderScope
			c.LastRead = sc.LastRead
			c.UpdatedAt = sc.UpdatedAt
			c.Unread = sc.Unread
		}
	}
	for i := range notifs {
		n := notifs[i]
		if _, ok := s.notifs[n.ID]; !ok {
			nn := n
			s.notifs[n.ID] = &nn
		}
	}
	s.mu.Unlock()
	s.fireAll()
}

// MarkNotificationRead 单条已读；未读数下限为 0。
func (s *Store) MarkNotificationRead(id int64) {
	s.mu.Lock()
	if n, ok := s.notifs[id]; ok && !n.Read {
		n.Read = true
	}
	s.mu.Unlock()
	s.fireNotifs()
}

// MarkAllNotificationsRead 全部已读，未读数归零。
func (s *Store) MarkAllNotificationsRead() {
	s.mu.Lock()
	for _, n := range s.notifs {
		n.Read = true
	}
	s.mu.Unlock()
	s.fireNotifs()
}

// DismissNotification 显式删除（用户手动清除之外通知永不删除）。
func (s *Store) DismissNotification(id int64) {
	s.mu.Lock()
	delete(s.notifs, id)
	s.mu.Unlock()
	s.fireNotifs()
}

// Clear 身份种类切换：三个读模型全部清空，旧身份状态绝不外漏。
func (s *Store) Clear() {
	s.mu.Lock()
	s.notifs = make(map[int64]*Notification)
	s.convs = make(map[int64]*Conversation)
	s.mu.Unlock()
	s.fireAll()
}

// Notifications 返回通知列表（新到旧）与未读数。
func (s *Store) Notifications() ([]Notification, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notificationsLocked()
}

func (s *Store) notificationsLocked() ([]Notification, int) {
	out := make([]Notification, 0, len(s.notifs))
	unread := 0
	for _, n := range s.notifs {
		out = append(out, *n)
		if !n.Read {
			unread++
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID > out[j].ID
	})
	return out, unread
}

// Conversations 返回会话列表，UpdatedAt 降序。每次读都重排，不做增量维护。
func (s *Store) Conversations() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationsLocked()
}

func (s *Store) conversationsLocked() []Conversation {
	out := make([]Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// UnreadCount 指定会话的未读数（不存在返回 0）。
func (s *Store) UnreadCount(conversationID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.convs[conversationID]; ok {
		return c.Unread
	}
	return 0
}

func (s *Store) fireAll() {
	s.fireNotifs()
	s.fireConvs()
}

func (s *Store) fireNotifs() {
	s.mu.RLock()
	list, unread := s.notificationsLocked()
	fns := append([]func([]Notification, int){}, s.onNotif...)
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(list, unread)
	}
}

func (s *Store) fireConvs() {
	s.mu.RLock()
	list := s.conversationsLocked()
	fns := append([]func([]Conversation){}, s.onConv...)
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(list)
	}
}
