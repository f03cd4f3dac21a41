package natsx

import (
	"context"

	"JBProject/tools/errs"
)

// NatsxMessage 入站消息的扁平视图，处理函数不接触 nats.Msg 本体
type NatsxMessage struct {
	Subject string
	Data    []byte
	Header  map[string]string
}

type NatsxHandler func(ctx context.Context, msg NatsxMessage) error

// NatsxMiddleware 包装处理函数（幂等、日志、重试这类横切逻辑）
type NatsxMiddleware func(NatsxHandler) NatsxHandler

// NatsxChain 依序套上中间件，排在前面的在最外层
func NatsxChain(h NatsxHandler, mws ...NatsxMiddleware) NatsxHandler {
	wrapped := h
	for i := range mws {
		wrapped = mws[len(mws)-1-i](wrapped)
	}
	return wrapped
}

// NatsManager 事件总线门面：生产、消费、关闭都走这一个对象。
// 消费端中间件在构造时固定，之后的每个订阅都套同一组。
type NatsManager struct {
	client   *NatsxClient
	producer *NatsxProducer
	consumer *NatsxConsumer
}

func NewNatsManager(cfg NatsxConfig, middlewares ...NatsxMiddleware) (*NatsManager, error) {
	c, err := NewNatsxClient(cfg)
	if err != nil {
		return nil, errs.WrapMsg(err, "nats connect", "servers", cfg.Servers)
	}
	return &NatsManager{
		client:   c,
		producer: NewNatsxProducer(c),
		consumer: NewNatsxConsumer(c, middlewares...),
	}, nil
}

func (m *NatsManager) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}

func (m *NatsManager) Publish(ctx context.Context, subject string, data []byte, hdr map[string]string) error {
	if m == nil || m.producer == nil {
		return errs.New("nats manager not initialized")
	}
	return m.producer.Publish(ctx, subject, data, hdr)
}

// PublishOnce 带 Nats-Msg-Id 的发布，配合消费端幂等中间件
func (m *NatsManager) PublishOnce(ctx context.Context, subject string, data []byte, hdr map[string]string, msgID string) error {
	if m == nil || m.producer == nil {
		return errs.New("nats manager not initialized")
	}
	return m.producer.PublishOnce(ctx, subject, data, hdr, msgID)
}

// Subscribe 订阅；queue 非空时同组分摊，广播则置空
func (m *NatsManager) Subscribe(subject, queue string, h NatsxHandler) error {
	if m == nil || m.consumer == nil {
		return errs.New("nats manager not initialized")
	}
	return m.consumer.Subscribe(subject, queue, h)
}
