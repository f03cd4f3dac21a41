package hub

import (
	"JBProject/logger"
	"JBProject/service/wire"
)

// Router 订阅路由：每次连接成功后把身份话题重新订一遍。
// 订阅状态不跨连接存活——重连后必须重发，重复订阅由服务端幂等处理，
// 万一产生重复投递也会被去重器吸收。
type Router struct {
	topics map[string]struct{}
}

func NewRouter() *Router {
	return &Router{topics: make(map[string]struct{})}
}

// Bind 设定身份对应的话题集合（当前协议一个身份一个入站话题）。
func (r *Router) Bind(ident Identity) {
	r.topics = map[string]struct{}{ident.InboundTopic(): {}}
}

// Unbind 清空话题（登出 / 无凭证）。
func (r *Router) Unbind() {
	r.topics = make(map[string]struct{})
}

// Resubscribe 在 conn 上重发全部订阅帧。逐帧发送，失败即返回，
// 由连接管理按传输错误处理。
func (r *Router) Resubscribe(conn Conn) error {
	for topic := range r.topics {
		if err := conn.WriteFrame(wire.NewSubFrame(topic)); err != nil {
			return err
		}
		logger.Debugf("[router] subscribed topic=%s", topic)
	}
	return nil
}

// Topics 当前话题快照（测试用）。
func (r *Router) Topics() []string {
	out := make([]string, 0, len(r.topics))
	for t := range r.topics {
		out = append(out, t)
	}
	return out
}
