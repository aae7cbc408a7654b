package service

import (
	"context"
	"crimewatch-go/internal/config"
	"crimewatch-go/internal/model"
	"crimewatch-go/internal/repository"
	"crimewatch-go/pkg/log"
	"crimewatch-go/pkg/storage"
	"crimewatch-go/pkg/tasks"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"gorm.io/datatypes"
)

const (
	videoContentType = "video/webm"

	msgSessionStarted = "Emergency recording session started"
	msgChunkAppended  = "Video chunk appended successfully"
	msgChunkRepeated  = "Video chunk already received"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ChunkIngest 是一次分片接收请求，Payload 已经过 base64 解码。
type ChunkIngest struct {
	Owner         *model.User
	ClaimedUserID string
	SessionID     string
	ChunkIndex    int
	IsFirstChunk  bool
	Payload       []byte
	Location      *model.Location
	EmergencyType string
}

// IngestService 接收录像分片，创建或追加会话对象并更新会话元数据。
type IngestService interface {
	IngestChunk(ctx context.Context, in ChunkIngest) (*model.ChunkUploadResponse, error)
}

type ingestService struct {
	repo      repository.EmergencyLogRepository
	store     storage.ObjectStore
	locker    repository.SessionLocker
	publisher EventPublisher
	cfg       config.EmergencyConfig
}

// NewIngestService 创建一个新的 IngestService 实例。publisher 可为 nil。
func NewIngestService(repo repository.EmergencyLogRepository, store storage.ObjectStore, locker repository.SessionLocker, publisher EventPublisher, cfg config.EmergencyConfig) IngestService {
	return &ingestService{repo: repo, store: store, locker: locker, publisher: publisher, cfg: cfg}
}

// StorageKey 生成会话对象名：emergency-{userId}-{sessionId}-{timestamp}.webm。
func StorageKey(userID uint, sessionID string, t time.Time) string {
	t = t.UTC()
	ts := fmt.Sprintf("%s-%03dZ", t.Format("2006-01-02T15-04-05"), t.Nanosecond()/int(time.Millisecond))
	return fmt.Sprintf("emergency-%d-%s-%s.webm", userID, sessionID, ts)
}

// ValidSessionID 检查会话 ID 能否安全地嵌入对象名。
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

func (s *ingestService) validate(in ChunkIngest) error {
	if in.Owner == nil {
		return ErrUnauthorized
	}
	if in.ClaimedUserID != "" && in.ClaimedUserID != strconv.FormatUint(uint64(in.Owner.ID), 10) {
		return fmt.Errorf("%w: userId does not match the authenticated user", ErrUnauthorized)
	}
	if len(in.Payload) == 0 {
		return fmt.Errorf("%w: no video chunk provided", ErrBadRequest)
	}
	if in.ChunkIndex < 0 {
		return fmt.Errorf("%w: chunkIndex must not be negative", ErrBadRequest)
	}
	if in.SessionID == "" {
		return fmt.Errorf("%w: recordingSessionId is required", ErrBadRequest)
	}
	if !ValidSessionID(in.SessionID) {
		return fmt.Errorf("%w: invalid recordingSessionId", ErrBadRequest)
	}
	if s.cfg.MaxChunkBytes > 0 && int64(len(in.Payload)) > s.cfg.MaxChunkBytes {
		return fmt.Errorf("%w: chunk exceeds %d bytes", ErrPayloadTooLarge, s.cfg.MaxChunkBytes)
	}
	return nil
}

// IngestChunk 处理单个分片。同一会话的调用被 SessionLocker 串行化，
// 对象先写，元数据后写。已写入过的 chunkIndex 直接确认，不会再次追加。
func (s *ingestService) IngestChunk(ctx context.Context, in ChunkIngest) (*model.ChunkUploadResponse, error) {
	if err := s.validate(in); err != nil {
		return nil, err
	}

	lease, err := s.locker.Lock(ctx, in.SessionID)
	if err != nil {
		log.Warnf("[IngestService] 获取会话锁失败, session: %s, error: %v", in.SessionID, err)
		if errors.Is(err, repository.ErrLockTimeout) {
			return nil, fmt.Errorf("%w: %v", ErrSessionBusy, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	defer lease.Release()

	rec, err := s.repo.FindBySessionID(ctx, in.SessionID)
	if errors.Is(err, repository.ErrRecordNotFound) {
		return s.materialize(ctx, lease, in)
	}
	if err != nil {
		log.Errorf("[IngestService] 查询会话失败, session: %s, error: %v", in.SessionID, err)
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return s.appendChunk(ctx, lease, rec, in)
}

func encodeLocation(loc *model.Location) datatypes.JSON {
	if loc == nil {
		return nil
	}
	raw, err := json.Marshal(loc)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}

// errLockLost 在覆盖写对象前发现会话锁已不归自己时返回。
func errLockLost(sessionID string) error {
	log.Warnf("[IngestService] 会话锁已失效，放弃写入, session: %s", sessionID)
	return fmt.Errorf("%w: session lock lost", ErrSessionBusy)
}

func (s *ingestService) materialize(ctx context.Context, lease repository.Lease, in ChunkIngest) (*model.ChunkUploadResponse, error) {
	if !in.IsFirstChunk {
		log.Infof("[IngestService] 会话不存在但分片未标记为首片，按首片处理, session: %s, chunkIndex: %d", in.SessionID, in.ChunkIndex)
	}
	if s.cfg.MaxSessionBytes > 0 && int64(len(in.Payload)) > s.cfg.MaxSessionBytes {
		return nil, fmt.Errorf("%w: session exceeds %d bytes", ErrPayloadTooLarge, s.cfg.MaxSessionBytes)
	}

	now := time.Now().UTC()
	key := StorageKey(in.Owner.ID, in.SessionID, now)
	if !lease.Held(ctx) {
		return nil, errLockLost(in.SessionID)
	}
	if err := s.store.Put(ctx, key, in.Payload, videoContentType); err != nil {
		log.Errorf("[IngestService] 写入会话对象失败, session: %s, key: %s, error: %v", in.SessionID, key, err)
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	emergencyType := in.EmergencyType
	if emergencyType == "" {
		emergencyType = model.DefaultEmergencyType
	}
	rec := &model.EmergencyLog{
		RecordingSessionID: in.SessionID,
		UserID:             in.Owner.ID,
		EmergencyType:      emergencyType,
		Status:             model.StatusRecording,
		VideoPath:          key,
		ChunkCount:         1,
		TotalSize:          int64(len(in.Payload)),
		LocationData:       encodeLocation(in.Location),
		ChunkIndices:       model.EncodeChunkIndices([]int{in.ChunkIndex}),
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		log.Errorf("[IngestService] 创建会话记录失败，回滚对象, session: %s, error: %v", in.SessionID, err)
		s.discardObject(ctx, in.SessionID, key)
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	log.Infof("[IngestService] 新建录像会话, session: %s, user: %d, size: %d", in.SessionID, in.Owner.ID, rec.TotalSize)
	publishEvent(ctx, s.publisher, tasks.NewEmergencyEvent(tasks.EventSessionStarted, rec, in.ChunkIndex))
	return s.response(rec, in, msgSessionStarted, now), nil
}

// discardObject 删除创建记录失败的对象，已被其他记录引用的对象保持不动。
func (s *ingestService) discardObject(ctx context.Context, sessionID, key string) {
	ctx = context.WithoutCancel(ctx)
	if existing, err := s.repo.FindBySessionID(ctx, sessionID); err == nil && existing.VideoPath == key {
		return
	}
	if err := s.store.Delete(ctx, key); err != nil {
		log.Errorf("[IngestService] 回滚对象失败, key: %s, error: %v", key, err)
	}
}

func (s *ingestService) appendChunk(ctx context.Context, lease repository.Lease, rec *model.EmergencyLog, in ChunkIngest) (*model.ChunkUploadResponse, error) {
	if rec.UserID != in.Owner.ID {
		log.Warnf("[IngestService] 用户尝试写入他人的会话, session: %s, owner: %d, caller: %d", in.SessionID, rec.UserID, in.Owner.ID)
		return nil, ErrForbidden
	}
	if rec.HasChunk(in.ChunkIndex) {
		// 客户端超时重发的分片，上一次已经写入
		log.Infof("[IngestService] 重复分片，直接确认, session: %s, chunkIndex: %d", in.SessionID, in.ChunkIndex)
		return s.response(rec, in, msgChunkRepeated, time.Now().UTC()), nil
	}
	if rec.Status != model.StatusRecording {
		return nil, fmt.Errorf("%w: status %s", ErrSessionClosed, rec.Status)
	}
	if s.cfg.MaxSessionBytes > 0 && rec.TotalSize+int64(len(in.Payload)) > s.cfg.MaxSessionBytes {
		return nil, fmt.Errorf("%w: session exceeds %d bytes", ErrPayloadTooLarge, s.cfg.MaxSessionBytes)
	}

	current, err := s.store.Get(ctx, rec.VideoPath)
	if err != nil {
		log.Errorf("[IngestService] 读取会话对象失败, session: %s, key: %s, error: %v", in.SessionID, rec.VideoPath, err)
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if int64(len(current)) != rec.TotalSize {
		log.Warnf("[IngestService] 对象大小与记录不一致, session: %s, object: %d, record: %d", in.SessionID, len(current), rec.TotalSize)
	}

	merged := make([]byte, 0, len(current)+len(in.Payload))
	merged = append(merged, current...)
	merged = append(merged, in.Payload...)

	if !lease.Held(ctx) {
		return nil, errLockLost(in.SessionID)
	}
	if err := s.store.Put(ctx, rec.VideoPath, merged, videoContentType); err != nil {
		log.Errorf("[IngestService] 追加写入对象失败, session: %s, error: %v", in.SessionID, err)
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	update := repository.AppendUpdate{
		ExpectedCount: rec.ChunkCount,
		TotalSize:     int64(len(merged)),
		Location:      encodeLocation(in.Location),
		ChunkIndices:  rec.ChunkIndicesWith(in.ChunkIndex),
	}
	if err := s.repo.UpdateAfterAppend(ctx, in.SessionID, update); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// 记录已被其他写入者推进，旧内容不能再写回
			log.Errorf("[IngestService] 会话记录已被并发修改，不恢复对象, session: %s", in.SessionID)
			return nil, fmt.Errorf("%w: %v", ErrSessionBusy, err)
		}
		s.restoreObject(ctx, lease, in.SessionID, rec.VideoPath, current)
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	rec.ChunkCount++
	rec.TotalSize = update.TotalSize
	rec.ChunkIndices = update.ChunkIndices
	if update.Location != nil {
		rec.LocationData = update.Location
	}
	log.Infof("[IngestService] 追加分片成功, session: %s, chunkIndex: %d, chunkCount: %d, totalSize: %d", in.SessionID, in.ChunkIndex, rec.ChunkCount, rec.TotalSize)
	publishEvent(ctx, s.publisher, tasks.NewEmergencyEvent(tasks.EventChunkAppended, rec, in.ChunkIndex))
	return s.response(rec, in, msgChunkAppended, time.Now().UTC()), nil
}

// restoreObject 在元数据写入失败后写回追加前的内容，锁已失去时放弃。
func (s *ingestService) restoreObject(ctx context.Context, lease repository.Lease, sessionID, key string, previous []byte) {
	ctx = context.WithoutCancel(ctx)
	if !lease.Held(ctx) {
		log.Errorf("[IngestService] 会话锁已失效，放弃恢复对象, session: %s", sessionID)
		return
	}
	log.Errorf("[IngestService] 更新会话记录失败，恢复对象内容, session: %s", sessionID)
	if err := s.store.Put(ctx, key, previous, videoContentType); err != nil {
		log.Errorf("[IngestService] 恢复对象内容失败, key: %s, error: %v", key, err)
	}
}

func (s *ingestService) response(rec *model.EmergencyLog, in ChunkIngest, message string, at time.Time) *model.ChunkUploadResponse {
	return &model.ChunkUploadResponse{
		Status:      "received",
		Message:     message,
		Timestamp:   at.Format("2006-01-02T15:04:05.000Z07:00"),
		VideoPath:   rec.VideoPath,
		StorageKey:  rec.VideoPath,
		ChunkSize:   len(in.Payload),
		TotalSize:   rec.TotalSize,
		ChunkCount:  rec.ChunkCount,
		ChunkIndex:  in.ChunkIndex,
		SessionID:   rec.RecordingSessionID,
		EmergencyID: rec.EmergencyID(),
	}
}
