package gateway

import (
	"fmt"
	"sort"
	"sync"

	"JBProject/global"
	"JBProject/tools/errs"
)

// convRecord 会话主档：双方各自持有未读数和已读水位
type convRecord struct {
	ID           int64
	SeekerID     int64
	SeekerName   string
	EmployerID   int64
	EmployerName string
	JobTitle     string

	LastMessage     string
	LastSenderID    int64
	LastSenderScope string
	UpdatedAt       int64

	UnreadSeeker   int
	UnreadEmployer int
}

type notifRecord struct {
	ID        int64
	Title     string
	Content   string
	Kind      string
	Read      bool
	CreatedAt int64
}

// State 网关侧读模型：开发/联调档，全内存，进程退出即丢。
type State struct {
	mu     sync.RWMutex
	convs  map[int64]*convRecord
	notifs map[string][]*notifRecord // "scope:userID" -> 通知列表
}

func NewState() *State {
	return &State{
		convs:  make(map[int64]*convRecord),
		notifs: make(map[string][]*notifRecord),
	}
}

func identKey(scope string, userID int64) string {
	return fmt.Sprintf("%s:%d", scope, userID)
}

// UpsertConversation 登记会话（联调时通过管理接口灌入）
func (s *State) UpsertConversation(rec *convRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.convs[rec.ID]; ok {
		// 静态字段可更新，计数水位保留
		old.SeekerID = rec.SeekerID
		old.SeekerName = rec.SeekerName
		old.EmployerID = rec.EmployerID
		old.EmployerName = rec.EmployerName
		old.JobTitle = rec.JobTitle
		return
	}
	cp := *rec
	s.convs[rec.ID] = &cp
}

// RecordMessage 消息落档：刷新预览，给接收方加未读。
// 返回接收方的 scope/userID，供推送用。
func (s *State) RecordMessage(convID, senderID int64, senderScope, content string, createdAt int64) (string, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[convID]
	if !ok {
		return "", 0, errs.New("conversation not found", "conv", convID)
	}
	switch senderScope {
	case global.ScopeSeeker:
		if c.SeekerID != senderID {
			return "", 0, errs.New("sender not in conversation", "conv", convID, "sender", senderID)
		}
	case global.ScopeEmployer:
		if c.EmployerID != senderID {
			return "", 0, errs.New("sender not in conversation", "conv", convID, "sender", senderID)
		}
	default:
		return "", 0, errs.New("bad sender scope", "scope", senderScope)
	}

	c.LastMessage = content
	c.LastSenderID = senderID
	c.LastSenderScope = senderScope
	if createdAt > c.UpdatedAt {
		c.UpdatedAt = createdAt
	}
	if senderScope == global.ScopeSeeker {
		c.UnreadEmployer++
		return global.ScopeEmployer, c.EmployerID, nil
	}
	c.UnreadSeeker++
	return global.ScopeSeeker, c.SeekerID, nil
}

// RecordSeen 某一方读到了会话：清零其未读
func (s *State) RecordSeen(convID int64, scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	if !ok {
		return
	}
	if scope == global.ScopeSeeker {
		c.UnreadSeeker = 0
	} else {
		c.UnreadEmployer = 0
	}
}

// AddNotification 通知落档
func (s *State) AddNotification(scope string, userID int64, rec *notifRecord) {
	k := identKey(scope, userID)
	cp := *rec
	s.mu.Lock()
	s.notifs[k] = append(s.notifs[k], &cp)
	s.mu.Unlock()
}

// ===== 快照视图（分页） =====

type convView struct {
	ID              int64  `json:"id"`
	CounterpartID   int64  `json:"counterpart_id"`
	CounterpartName string `json:"counterpart_name"`
	JobTitle        string `json:"job_title"`
	LastMessage     string `json:"last_message"`
	LastSenderID    int64  `json:"last_sender_id"`
	LastSenderScope string `json:"last_sender_scope"`
	LastRead        bool   `json:"last_read"`
	UpdatedAt       int64  `json:"updated_at"`
	Unread          int    `json:"unread"`
}

type notifView struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Kind      string `json:"kind"`
	Read      bool   `json:"read"`
	CreatedAt int64  `json:"created_at"`
}

// ConversationsPage 某身份视角下的会话列表，按 UpdatedAt 倒序
func (s *State) ConversationsPage(scope string, userID int64, page, size int) ([]convView, bool) {
	s.mu.RLock()
	var views []convView
	for _, c := range s.convs {
		var v convView
		switch {
		case scope == global.ScopeSeeker && c.SeekerID == userID:
			v = convView{
				ID:              c.ID,
				CounterpartID:   c.EmployerID,
				CounterpartName: c.EmployerName,
				Unread:          c.UnreadSeeker,
			}
		case scope == global.ScopeEmployer && c.EmployerID == userID:
			v = convView{
				ID:              c.ID,
				CounterpartID:   c.SeekerID,
				CounterpartName: c.SeekerName,
				Unread:          c.UnreadEmployer,
			}
		default:
			continue
		}
		v.JobTitle = c.JobTitle
		v.LastMessage = c.LastMessage
		v.LastSenderID = c.LastSenderID
		v.LastSenderScope = c.LastSenderScope
		v.LastRead = v.Unread == 0
		v.UpdatedAt = c.UpdatedAt
		views = append(views, v)
	}
	s.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool { return views[i].UpdatedAt > views[j].UpdatedAt })
	return paginate(views, page, size)
}

// NotificationsPage 某身份下的通知列表，按 CreatedAt 倒序
func (s *State) NotificationsPage(scope string, userID int64, page, size int) ([]notifView, bool) {
	k := identKey(scope, userID)
	s.mu.RLock()
	views := make([]notifView, 0, len(s.notifs[k]))
	for _, n := range s.notifs[k] {
		views = append(views, notifView{
			ID:        n.ID,
			Title:     n.Title,
			Content:   n.Content,
			Kind:      n.Kind,
			Read:      n.Read,
			CreatedAt: n.CreatedAt,
		})
	}
	s.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool { return views[i].CreatedAt > views[j].CreatedAt })
	return paginate(views, page, size)
}

func paginate[T any](items []T, page, size int) ([]T, bool) {
	if size <= 0 {
		size = 100
	}
	if page < 0 {
		page = 0
	}
	start := page * size
	if start >= len(items) {
		return []T{}, false
	}
	end := start + size
	if end > len(items) {
		end = len(items)
	}
	return items[start:end], end < len(items)
}
