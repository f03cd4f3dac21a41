package hub

import (
	"testing"

	"JBProject/service/wire"
)

func msgEvent(id, conv, sender int64, scope string, at int64, content string) *wire.Event {
	return &wire.Event{
		ID:             id,
		Kind:           wire.EventMessage,
		ConversationID: conv,
		SenderID:       sender,
		SenderScope:    scope,
		Content:        content,
		CreatedAt:      at,
	}
}

func seenEvent(id, conv, sender int64, scope string, at int64) *wire.Event {
	return &wire.Event{
		ID:             id,
		Kind:           wire.EventSeen,
		ConversationID: conv,
		SenderID:       sender,
		SenderScope:    scope,
		CreatedAt:      at,
	}
}

var seeker = Identity{Kind: ScopeSeeker, ID: 7}

func TestStoreUnreadCounting(t *testing.T) {
	s := NewStore()

	// 对端两条消息 -> 未读 2
	s.ApplyEvent(msgEvent(1, 100, 42, "employer", 1000, "hello"), seeker)
	s.ApplyEvent(msgEvent(2, 100, 42, "employer", 2000, "there"), seeker)
	if got := s.UnreadCount(100); got != 2 {
		t.Fatalf("unread = %d, want 2", got)
	}

	// 本人发的消息不计未读，但要刷新预览
	s.ApplyEvent(msgEvent(3, 100, 7, "seeker", 3000, "hi back"), seeker)
	if got := s.UnreadCount(100); got != 2 {
		t.Fatalf("unread after own message = %d, want 2", got)
	}
	convs := s.Conversations()
	if len(convs) != 1 || convs[0].LastMessage != "hi back" {
		t.Fatalf("preview not updated: %+v", convs)
	}
}

func TestStoreSeenResetsUnread(t *testing.T) {
	s := NewStore()
	s.ApplyEvent(msgEvent(1, 100, 42, "employer", 1000, "a"), seeker)
	s.ApplyEvent(msgEvent(2, 100, 42, "employer", 2000, "b"), seeker)

	s.ApplyEvent(seenEvent(3, 100, 7, "seeker", 2500), seeker)
	if got := s.UnreadCount(100); got != 0 {
		t.Fatalf("unread after seen = %d, want 0", got)
	}

	// 已读之后的新消息重新计数
	s.ApplyEvent(msgEvent(4, 100, 42, "employer", 3000, "c"), seeker)
	if got := s.UnreadCount(100); got != 1 {
		t.Fatalf("unread after new message = %d, want 1", got)
	}
}

// 对端的已读回执只翻预览标记，不清本端未读、不抬水位。
func TestStoreCounterpartSeenKeepsUnread(t *testing.T) {
	s := NewStore()
	s.ApplyEvent(msgEvent(1, 100, 42, "employer", 1000, "a"), seeker)
	if got := s.UnreadCount(100); got != 1 {
		t.Fatalf("unread = %d, want 1", got)
	}

	s.ApplyEvent(seenEvent(2, 100, 42, "employer", 2000), seeker)
	if got := s.UnreadCount(100); got != 1 {
		t.Fatalf("unread after counterpart receipt = %d, want 1", got)
	}
	convs := s.Conversations()
	if len(convs) != 1 || !convs[0].LastRead {
		t.Fatalf("receipt did not mark preview read: %+v", convs)
	}

	// 回执没抬水位：更晚到的对端消息照常计未读
	s.ApplyEvent(msgEvent(3, 100, 42, "employer", 1500, "b"), seeker)
	if got := s.UnreadCount(100); got != 2 {
		t.Fatalf("unread after later message = %d, want 2", got)
	}
}

// 乱序重放要收敛：SEEN 先到，旧消息后到，不得把未读加回去。
func TestStoreOutOfOrderConvergence(t *testing.T) {
	ordered := NewStore()
	ordered.ApplyEvent(msgEvent(1, 100, 42, "employer", 1000, "a"), seeker)
	ordered.ApplyEvent(seenEvent(2, 100, 7, "seeker", 2000), seeker)

	shuffled := NewStore()
	shuffled.ApplyEvent(seenEvent(2, 100, 7, "seeker", 2000), seeker)
	shuffled.ApplyEvent(msgEvent(1, 100, 42, "employer", 1000, "a"), seeker)

	if a, b := ordered.UnreadCount(100), shuffled.UnreadCount(100); a != b || a != 0 {
		t.Fatalf("orders diverged: ordered=%d shuffled=%d, want 0", a, b)
	}
}

func TestStoreSeenDoesNotBumpOrdering(t *testing.T) {
	s := NewStore()
	s.ApplyEvent(msgEvent(1, 100, 42, "employer", 1000, "old"), seeker)
	s.ApplyEvent(msgEvent(2, 200, 43, "employer", 2000, "new"), seeker)

	// 读旧会话不应把它抬到列表顶部
	s.ApplyEvent(seenEvent(3, 100, 7, "seeker", 5000), seeker)
	convs := s.Conversations()
	if len(convs) != 2 || convs[0].ID != 200 {
		t.Fatalf("conversation order changed by seen: %+v", convs)
	}
}

func TestStoreNotificationAppendOrIgnore(t *testing.T) {
	s := NewStore()
	n := &wire.Event{ID: 9, Kind: wire.EventNotification, Title: "Offer", CreatedAt: 1000}
	if _, ok := s.ApplyEvent(n, seeker); !ok {
		t.Fatalf("first notification not applied")
	}
	if _, ok := s.ApplyEvent(n, seeker); ok {
		t.Fatalf("same-id notification applied twice")
	}
	// 没有 id 的通知丢弃
	if _, ok := s.ApplyEvent(&wire.Event{Kind: wire.EventNotification, Title: "x"}, seeker); ok {
		t.Fatalf("id-less notification applied")
	}

	list, unread := s.Notifications()
	if len(list) != 1 || unread != 1 {
		t.Fatalf("notifications = %d unread = %d, want 1/1", len(list), unread)
	}
}

func TestStoreMarkNotificationRead(t *testing.T) {
	s := NewStore()
	s.ApplyEvent(&wire.Event{ID: 1, Kind: wire.EventNotification, Title: "a", CreatedAt: 1}, seeker)
	s.ApplyEvent(&wire.Event{ID: 2, Kind: wire.EventNotification, Title: "b", CreatedAt: 2}, seeker)

	s.MarkNotificationRead(1)
	s.MarkNotificationRead(1) // 重复标已读是幂等的
	if _, unread := s.Notifications(); unread != 1 {
		t.Fatalf("unread = %d, want 1", unread)
	}
	s.MarkAllNotificationsRead()
	if _, unread := s.Notifications(); unread != 0 {
		t.Fatalf("unread after mark all = %d, want 0", unread)
	}

	s.DismissNotification(2)
	if list, _ := s.Notifications(); len(list) != 1 {
		t.Fatalf("dismiss did not remove: %+v", list)
	}
}

func TestStoreSeedReconcile(t *testing.T) {
	s := NewStore()
	// 活事件先到：快照较旧，不得覆盖较新的预览
	s.ApplyEvent(msgEvent(1, 100, 42, "employer", 5000, "live"), seeker)
	s.Seed([]Conversation{{
		ID:              100,
		CounterpartName: "Acme Corp",
		JobTitle:        "Go Engineer",
		LastMessage:     "stale",
		UpdatedAt:       4000,
		Unread:          3,
	}}, []Notification{{ID: 7, Title: "Welcome", CreatedAt: 1}})

	convs := s.Conversations()
	if len(convs) != 1 {
		t.Fatalf("conversations = %d, want 1", len(convs))
	}
	c := convs[0]
	if c.LastMessage != "live" {
		t.Fatalf("stale snapshot overwrote live preview: %q", c.LastMessage)
	}
	if c.CounterpartName != "Acme Corp" || c.JobTitle != "Go Engineer" {
		t.Fatalf("static fields not filled: %+v", c)
	}
	if list, _ := s.Notifications(); len(list) != 1 || list[0].Title != "Welcome" {
		t.Fatalf("notifications not seeded: %+v", list)
	}

	// 快照较新时以快照为准
	s.Seed([]Conversation{{ID: 100, LastMessage: "newer", UpdatedAt: 6000, Unread: 2}}, nil)
	if c := s.Conversations()[0]; c.LastMessage != "newer" || c.Unread != 2 {
		t.Fatalf("newer snapshot not applied: %+v", c)
	}
}

func TestStoreClear(t *testing.T) {
	s := NewStore()
	s.ApplyEvent(msgEvent(1, 100, 42, "employer", 1000, "a"), seeker)
	s.ApplyEvent(&wire.Event{ID: 2, Kind: wire.EventNotification, Title: "n", CreatedAt: 1}, seeker)

	s.Clear()
	if convs := s.Conversations(); len(convs) != 0 {
		t.Fatalf("conversations not cleared: %+v", convs)
	}
	if list, unread := s.Notifications(); len(list) != 0 || unread != 0 {
		t.Fatalf("notifications not cleared: %d/%d", len(list), unread)
	}
}

func TestStoreListenersFire(t *testing.T) {
	s := NewStore()
	var convCalls, notifCalls int
	s.OnConversationsChange(func([]Conversation) { convCalls++ })
	s.OnNotificationsChange(func([]Notification, int) { notifCalls++ })

	s.ApplyEvent(msgEvent(1, 100, 42, "employer", 1000, "a"), seeker)
	if convCalls == 0 || notifCalls == 0 {
		t.Fatalf("listeners not fired: conv=%d notif=%d", convCalls, notifCalls)
	}
}
