package natsx

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

// NatsxProducer 生产端
type NatsxProducer struct{ c *NatsxClient }

func NewNatsxProducer(c *NatsxClient) *NatsxProducer { return &NatsxProducer{c: c} }

// Publish 直接按 subject 发送
func (p *NatsxProducer) Publish(ctx context.Context, subject string, data []byte, hdr map[string]string) error {
	_ = ctx
	return p.c.publish(subject, data, hdr)
}

// PublishOnce 带 Nats-Msg-Id 的发布，消费端幂等中间件据此去重。
// msgID 为空则自动生成。
func (p *NatsxProducer) PublishOnce(ctx context.Context, subject string, data []byte, hdr map[string]string, msgID string) error {
	if hdr == nil {
		hdr = map[string]string{}
	}
	if msgID == "" {
		msgID = genMsgID()
	}
	hdr["Nats-Msg-Id"] = msgID
	return p.Publish(ctx, subject, data, hdr)
}

// 生成随机 msgID（16字节）
func genMsgID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
