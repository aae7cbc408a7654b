package pipeline

import (
	"context"
	"crimewatch-go/pkg/log"
	"crimewatch-go/pkg/tasks"
	"errors"
	"sync"
)

var (
	// ErrQueueFull 表示进程内事件队列已满，事件被丢弃。
	ErrQueueFull = errors.New("event queue full")
	// ErrPublisherClosed 表示发布器已关闭。
	ErrPublisherClosed = errors.New("event publisher closed")
)

// InlinePublisher 在未启用 Kafka 时于进程内按发布顺序处理事件。
type InlinePublisher struct {
	processor *Processor
	queue     chan tasks.EmergencyEvent
	done      chan struct{}
	mu        sync.RWMutex
	closed    bool
}

// NewInlinePublisher 创建发布器并启动唯一的处理协程。
func NewInlinePublisher(processor *Processor, buffer int) *InlinePublisher {
	if buffer <= 0 {
		buffer = 256
	}
	p := &InlinePublisher{
		processor: processor,
		queue:     make(chan tasks.EmergencyEvent, buffer),
		done:      make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *InlinePublisher) run() {
	defer close(p.done)
	for event := range p.queue {
		if err := p.processor.Process(context.Background(), event); err != nil {
			log.Errorf("[InlinePublisher] 处理紧急事件失败, session: %s, type: %s, error: %v", event.SessionID, event.Type, err)
		}
	}
}

// PublishEmergencyEvent 将事件放入队列，不等待处理结果。
func (p *InlinePublisher) PublishEmergencyEvent(_ context.Context, event tasks.EmergencyEvent) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	select {
	case p.queue <- event:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close 停止接收事件并等待队列中的事件处理完毕。之后的发布返回 ErrPublisherClosed。
func (p *InlinePublisher) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	<-p.done
}
