package gateway

import (
	"sync"

	"JBProject/logger"
	"JBProject/service/wire"
)

// Fanout 把同一事件帧推给一个话题下的全部连接。
// 固定大小的 worker 池，避免每次广播都起一批协程。
type Fanout struct {
	mgr   *ConnManager
	jobs  chan fanJob
	wg    sync.WaitGroup
	once  sync.Once
	donec chan struct{}
}

type fanJob struct {
	conn *WsConn
	data []byte
}

func NewFanout(mgr *ConnManager, workers, queue int) *Fanout {
	if workers <= 0 {
		workers = 8
	}
	if queue <= 0 {
		queue = 1024
	}
	f := &Fanout{
		mgr:   mgr,
		jobs:  make(chan fanJob, queue),
		donec: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		f.wg.Add(1)
		go f.worker()
	}
	return f
}

func (f *Fanout) worker() {
	defer f.wg.Done()
	for {
		select {
		case <-f.donec:
			return
		case j := <-f.jobs:
			select {
			case <-j.conn.done:
			case j.conn.SendChan <- j.data:
			default:
				logger.Warnf("[fanout] slow conn=%s, frame dropped", j.conn.ConnID)
			}
		}
	}
}

// Broadcast 按话题广播一帧；编码一次，连接间复用同一份字节
func (f *Fanout) Broadcast(topic string, frame *wire.Frame) int {
	data, err := frame.Encode()
	if err != nil {
		logger.Errorf("[fanout] encode err=%v", err)
		return 0
	}
	conns := f.mgr.ConnsForTopic(topic)
	for _, w := range conns {
		select {
		case <-f.donec:
			return 0
		case f.jobs <- fanJob{conn: w, data: data}:
		}
	}
	return len(conns)
}

func (f *Fanout) Close() {
	f.once.Do(func() { close(f.donec) })
	f.wg.Wait()
}
