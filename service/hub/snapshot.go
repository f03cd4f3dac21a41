package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"JBProject/tools/errs"
)

// Snapshot 历史快照：连接建立后打底用，活事件在其上 upsert。
type Snapshot struct {
	Conversations []Conversation
	Notifications []Notification
}

// SnapshotSource 历史快照数据源（REST 列表接口的抽象）。
type SnapshotSource interface {
	Fetch(ctx context.Context, cred *Credential) (*Snapshot, error)
}

// ===== HTTP 实现 =====

const snapshotPageSize = 100

type httpSnapshot struct {
	base   string
	client *http.Client
}

func NewHTTPSnapshot(base string) SnapshotSource {
	return &httpSnapshot{
		base:   base,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type convDTO struct {
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

type notifDTO struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Kind      string `json:"kind"`
	Read      bool   `json:"read"`
	CreatedAt int64  `json:"created_at"`
}

type pageDTO[T any] struct {
	Items   []T  `json:"items"`
	HasMore bool `json:"has_more"`
}

func (h *httpSnapshot) Fetch(ctx context.Context, cred *Credential) (*Snapshot, error) {
	convs, err := fetchPaged[convDTO](ctx, h, cred, "/conversations")
	if err != nil {
		return nil, err
	}
	notifs, err := fetchPaged[notifDTO](ctx, h, cred, "/notifications")
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{}
	for _, c := range convs {
		snap.Conversations = append(snap.Conversations, Conversation{
			ID:              c.ID,
			CounterpartID:   c.CounterpartID,
			CounterpartName: c.CounterpartName,
			JobTitle:        c.JobTitle,
			LastMessage:     c.LastMessage,
			LastSenderID:    c.LastSenderID,
			LastSenderScope: c.LastSenderScope,
			LastRead:        c.LastRead,
			UpdatedAt:       c.UpdatedAt,
			Unread:          c.Unread,
		})
	}
	for _, n := range notifs {
		snap.Notifications = append(snap.Notifications, Notification{
			ID:        n.ID,
			Title:     n.Title,
			Content:   n.Content,
			Kind:      n.Kind,
			Read:      n.Read,
			CreatedAt: n.CreatedAt,
		})
	}
	return snap, nil
}

func fetchPaged[T any](ctx context.Context, h *httpSnapshot, cred *Credential, path string) ([]T, error) {
	var out []T
	for page := 0; ; page++ {
		url := h.base + path + "?page=" + strconv.Itoa(page) + "&size=" + strconv.Itoa(snapshotPageSize)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, errs.Wrap(err)
		}
		req.Header.Set("Authorization", "Bearer "+cred.Token)

		resp, err := h.client.Do(req)
		if err != nil {
			return nil, errs.ErrTransportError.WrapMsg("snapshot fetch", "path", path, "err", err)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		_ = resp.Body.Close()
		if err != nil {
			return nil, errs.Wrap(err)
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, errs.ErrCredentialExpired.WrapMsg("snapshot fetch", "status", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, errs.ErrTransportError.WrapMsg("snapshot fetch", "status", resp.StatusCode)
		}

		var pg pageDTO[T]
		if err := json.Unmarshal(body, &pg); err != nil {
			return nil, fmt.Errorf("decode snapshot page: %w", err)
		}
		out = append(out, pg.Items...)
		if !pg.HasMore {
			return out, nil
		}
	}
}
