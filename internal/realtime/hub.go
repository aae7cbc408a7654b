// Package realtime 维护值班管理员的实时事件推送连接。
package realtime

import (
	"crimewatch-go/pkg/log"
	"sync"
)

// Client 是一个已注册的订阅者，Send 中的消息由连接的写协程负责发送。
type Client struct {
	Name string
	Send chan []byte
	once sync.Once
}

func (c *Client) close() {
	c.once.Do(func() { close(c.Send) })
}

// Hub 向所有订阅者广播消息。广播不会阻塞：缓冲区已满的订阅者会被移除。
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// NewHub 创建一个空的 Hub。
func NewHub() *Hub {
	return &Hub{clients: make(map[*Client]struct{})}
}

// Register 注册一个新的订阅者，buffer 是其待发送消息的队列长度。
func (h *Hub) Register(name string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 16
	}
	c := &Client{Name: name, Send: make(chan []byte, buffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	log.Infof("[Hub] 订阅者已连接: %s", name)
	return c
}

// Unregister 移除订阅者并关闭其 Send 通道，可重复调用。
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		log.Infof("[Hub] 订阅者已断开: %s", c.Name)
	}
	c.close()
}

// Broadcast 把消息投递给所有订阅者，返回成功投递的数量。
func (h *Hub) Broadcast(msg []byte) int {
	var slow []*Client
	delivered := 0

	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.Send <- msg:
			delivered++
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		log.Warnf("[Hub] 订阅者处理过慢，已断开: %s", c.Name)
		h.Unregister(c)
	}
	return delivered
}

// Count 返回当前订阅者数量。
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
