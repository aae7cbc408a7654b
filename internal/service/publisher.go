package service

import (
	"context"
	"crimewatch-go/pkg/log"
	"crimewatch-go/pkg/tasks"
	"time"
)

// EventPublisher 发布紧急事件，由 Kafka 生产者或进程内发布器实现。
type EventPublisher interface {
	PublishEmergencyEvent(ctx context.Context, event tasks.EmergencyEvent) error
}

const publishTimeout = 5 * time.Second

// publishEvent 尽力发布事件，失败只记录日志。
func publishEvent(ctx context.Context, p EventPublisher, event tasks.EmergencyEvent) {
	if p == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := p.PublishEmergencyEvent(pubCtx, event); err != nil {
		log.Warnf("[EventPublisher] 发布紧急事件失败, session: %s, type: %s, error: %v", event.SessionID, event.Type, err)
	}
}
