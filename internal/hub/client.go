package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

// outQueue 客户端出站有界队列。溢出时优先丢弃队列中最旧的
// sensor_update（状态类事件新值覆盖旧值，丢旧无损）；没有可丢弃
// 的消息时 push 失败，由 Hub 以 SlowConsumer 断开该客户端。
type outQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []Envelope
	max     int
	closed  bool
	dropped uint64
}

func newOutQueue(max int) *outQueue {
	q := &outQueue{max: max}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push 入队。返回 false 表示队列满且无可丢弃消息（慢消费者）
func (q *outQueue) push(env Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return true
	}
	if len(q.items) < q.max {
		q.items = append(q.items, env)
		q.cond.Signal()
		return true
	}
	// 满：从队头找第一条 sensor_update 丢弃腾位
	for i, item := range q.items {
		if item.Type == "sensor_update" {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.items = append(q.items, env)
			q.dropped++
			q.cond.Signal()
			return true
		}
	}
	return false
}

// pop 出队（阻塞直到有消息或队列关闭）
func (q *outQueue) pop() (Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return Envelope{}, false
	}
	env := q.items[0]
	q.items = q.items[1:]
	return env, true
}

// close 关闭队列，唤醒阻塞的消费者
func (q *outQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Client 一个已连接的 WebSocket 客户端及其订阅集合
type Client struct {
	ID             string
	ConnectedSince time.Time

	conn *websocket.Conn
	out  *outQueue

	mu       sync.Mutex
	all      bool // 初始为 true：对全部设备感兴趣
	interest map[string]struct{}

	closeOnce sync.Once
}

func newClient(id string, conn *websocket.Conn, queueSize int) *Client {
	return &Client{
		ID:             id,
		ConnectedSince: time.Now().UTC(),
		conn:           conn,
		out:            newOutQueue(queueSize),
		all:            true,
		interest:       make(map[string]struct{}),
	}
}

// subscribe 订阅设备。首次显式订阅后退出"全部"模式。
func (c *Client) subscribe(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.all = false
	c.interest[deviceID] = struct{}{}
}

// unsubscribe 取消订阅设备
func (c *Client) unsubscribe(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.interest, deviceID)
}

// interestedIn 判断客户端是否关心某设备。与设备无关的事件
// （deviceID 为空，如分析完成）对所有客户端可见。
func (c *Client) interestedIn(deviceID string) bool {
	if deviceID == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.all {
		return true
	}
	_, ok := c.interest[deviceID]
	return ok
}

// send 尝试入队一条出站消息
func (c *Client) send(env Envelope) bool {
	return c.out.push(env)
}

// writePump 将出站队列写入连接
func (c *Client) writePump() {
	defer c.conn.Close()
	for {
		env, ok := c.out.pop()
		if !ok {
			return
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(env); err != nil {
			return
		}
	}
}
