package gateway

import (
	"net/http"
	"strconv"
	"time"

	"JBProject/global"
	"JBProject/middleware"
	"JBProject/service/wire"
	"JBProject/tools/ids"
	"JBProject/tools/security"

	"github.com/gin-gonic/gin"
)

func pageArgs(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "0"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "100"))
	if size > 500 {
		size = 500
	}
	return page, size
}

// GET /api/conversations — 登录身份的会话快照
func (s *Server) handleConversations(c *gin.Context) {
	scope, userID := middleware.Identity(c)
	page, size := pageArgs(c)
	items, hasMore := s.state.ConversationsPage(scope, userID, page, size)
	c.JSON(http.StatusOK, gin.H{"items": items, "has_more": hasMore})
}

// GET /api/notifications
func (s *Server) handleNotifications(c *gin.Context) {
	scope, userID := middleware.Identity(c)
	page, size := pageArgs(c)
	items, hasMore := s.state.NotificationsPage(scope, userID, page, size)
	c.JSON(http.StatusOK, gin.H{"items": items, "has_more": hasMore})
}

// ===== 管理接口（联调专用，生产别暴露） =====

type adminConvReq struct {
	ID           int64  `json:"id"`
	SeekerID     int64  `json:"seeker_id" binding:"required"`
	SeekerName   string `json:"seeker_name"`
	EmployerID   int64  `json:"employer_id" binding:"required"`
	EmployerName string `json:"employer_name"`
	JobTitle     string `json:"job_title"`
}

func (s *Server) handleAdminConversation(c *gin.Context) {
	var req adminConvReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ID == 0 {
		req.ID = ids.Generate()
	}
	s.state.UpsertConversation(&convRecord{
		ID:           req.ID,
		SeekerID:     req.SeekerID,
		SeekerName:   req.SeekerName,
		EmployerID:   req.EmployerID,
		EmployerName: req.EmployerName,
		JobTitle:     req.JobTitle,
	})
	c.JSON(http.StatusOK, gin.H{"id": req.ID})
}

type adminNotifyReq struct {
	Scope   string `json:"scope" binding:"required"`
	UserID  int64  `json:"user_id" binding:"required"`
	Title   string `json:"title" binding:"required"`
	Content string `json:"content"`
	Kind    string `json:"kind"`
}

// POST /admin/notify — 落档并即时推送一条通知
func (s *Server) handleAdminNotify(c *gin.Context) {
	var req adminNotifyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Scope != global.ScopeSeeker && req.Scope != global.ScopeEmployer {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad scope"})
		return
	}
	now := time.Now().UnixMilli()
	id := ids.Generate()
	s.state.AddNotification(req.Scope, req.UserID, &notifRecord{
		ID:        id,
		Title:     req.Title,
		Content:   req.Content,
		Kind:      req.Kind,
		CreatedAt: now,
	})
	s.publishEvent(&wire.Event{
		ID:        id,
		Kind:      wire.EventNotification,
		Title:     req.Title,
		Content:   req.Content,
		NotifKind: req.Kind,
		CreatedAt: now,
	}, req.Scope, req.UserID)
	c.JSON(http.StatusOK, gin.H{"id": id})
}

type adminSeenReq struct {
	ConversationID int64  `json:"conversation_id" binding:"required"`
	Scope          string `json:"scope" binding:"required"`
	UserID         int64  `json:"user_id" binding:"required"`
}

// POST /admin/seen — 标某方已读，并向其所有在线端广播 SEEN 事件
func (s *Server) handleAdminSeen(c *gin.Context) {
	var req adminSeenReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.state.RecordSeen(req.ConversationID, req.Scope)
	s.publishEvent(&wire.Event{
		ID:             ids.Generate(),
		Kind:           wire.EventSeen,
		ConversationID: req.ConversationID,
		SenderID:       req.UserID,
		SenderScope:    req.Scope,
		CreatedAt:      time.Now().UnixMilli(),
	}, req.Scope, req.UserID)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type adminTokenReq struct {
	UserID int64  `json:"user_id" binding:"required"`
	Scope  string `json:"scope" binding:"required"`
}

// POST /admin/token — 联调签发一枚令牌
func (s *Server) handleAdminToken(c *gin.Context) {
	var req adminTokenReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Scope != global.ScopeSeeker && req.Scope != global.ScopeEmployer {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad scope"})
		return
	}
	token, exp, err := security.Generate(s.jwt, req.UserID, req.Scope)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_at": exp.UnixMilli()})
}
