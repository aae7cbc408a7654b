// Package pipeline 定义了紧急事件的处理流程：更新检索索引并推送给值班管理员。
package pipeline

import (
	"context"
	"crimewatch-go/internal/model"
	"crimewatch-go/internal/repository"
	"crimewatch-go/pkg/log"
	"crimewatch-go/pkg/tasks"
	"encoding/json"
	"errors"
	"fmt"
)

// DocumentIndexer 写入会话检索文档。
type DocumentIndexer interface {
	IndexEmergencyLog(ctx context.Context, doc model.EsEmergencyDocument) error
}

// Broadcaster 向在线的值班管理员推送消息。
type Broadcaster interface {
	Broadcast(msg []byte) int
}

// FeedMessage 是推送给实时订阅者的消息格式。
type FeedMessage struct {
	Type    string                 `json:"type"`
	Event   tasks.EmergencyEvent   `json:"event"`
	Session *model.EmergencyLogDTO `json:"session,omitempty"`
}

// Processor 封装了事件处理的所有依赖和逻辑。indexer 和 hub 都可以为 nil。
type Processor struct {
	repo     repository.EmergencyLogRepository
	userRepo repository.UserRepository
	indexer  DocumentIndexer
	hub      Broadcaster
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(repo repository.EmergencyLogRepository, userRepo repository.UserRepository, indexer DocumentIndexer, hub Broadcaster) *Processor {
	return &Processor{repo: repo, userRepo: userRepo, indexer: indexer, hub: hub}
}

// Process 处理一条紧急事件。会话记录以数据库中的最新状态为准，
// 推送总是先于索引进行，索引失败时返回错误以便重试。
func (p *Processor) Process(ctx context.Context, event tasks.EmergencyEvent) error {
	log.Infof("[Processor] 开始处理紧急事件, type: %s, session: %s", event.Type, event.SessionID)

	rec, err := p.repo.FindBySessionID(ctx, event.SessionID)
	if errors.Is(err, repository.ErrRecordNotFound) {
		// 会话不存在时没有可索引的内容，直接丢弃
		log.Warnf("[Processor] 事件对应的会话不存在, session: %s", event.SessionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load session %s: %w", event.SessionID, err)
	}

	owner, err := p.userRepo.FindByID(rec.UserID)
	if err != nil && !errors.Is(err, repository.ErrRecordNotFound) {
		return fmt.Errorf("load owner %d: %w", rec.UserID, err)
	}

	if p.hub != nil {
		dto := rec.ToDTO(owner)
		msg, err := json.Marshal(FeedMessage{Type: "emergency_event", Event: event, Session: &dto})
		if err == nil {
			n := p.hub.Broadcast(msg)
			log.Debugf("[Processor] 已推送事件给 %d 个订阅者", n)
		}
	}

	if p.indexer != nil {
		if err := p.indexer.IndexEmergencyLog(ctx, BuildDocument(rec, owner)); err != nil {
			log.Errorf("[Processor] 写入检索索引失败, session: %s, error: %v", event.SessionID, err)
			return err
		}
	}

	log.Infof("[Processor] 紧急事件处理完成, type: %s, session: %s", event.Type, event.SessionID)
	return nil
}

// BuildDocument 把会话记录转换为检索文档。
func BuildDocument(rec *model.EmergencyLog, owner *model.User) model.EsEmergencyDocument {
	doc := model.EsEmergencyDocument{
		SessionID:     rec.RecordingSessionID,
		EmergencyID:   rec.EmergencyID(),
		UserID:        rec.UserID,
		EmergencyType: rec.EmergencyType,
		Status:        rec.Status,
		ChunkCount:    rec.ChunkCount,
		TotalSize:     rec.TotalSize,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
	if owner != nil {
		doc.Username = owner.Username
		doc.FullName = owner.FullName
	}
	if loc := rec.Location(); loc != nil {
		doc.Location = &model.GeoPoint{Lat: loc.Latitude, Lon: loc.Longitude}
	}
	return doc
}
