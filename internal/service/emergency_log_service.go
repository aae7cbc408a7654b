package service

import (
	"context"
	"crimewatch-go/internal/config"
	"crimewatch-go/internal/model"
	"crimewatch-go/internal/repository"
	"crimewatch-go/pkg/log"
	"crimewatch-go/pkg/storage"
	"crimewatch-go/pkg/tasks"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	sweepBatchSize  = 100
)

// EmergencyLogService 是会话元数据的查询与管理接口，供录像人本人和值班管理员使用。
type EmergencyLogService interface {
	GetSession(ctx context.Context, sessionID string, user *model.User) (*model.EmergencyLogDTO, error)
	ListMySessions(ctx context.Context, user *model.User, page, size int) ([]model.EmergencyLogDTO, int64, error)
	ListLogs(ctx context.Context, filter model.EmergencyLogFilter) ([]model.EmergencyLogDTO, int64, error)
	Stats(ctx context.Context) (model.EmergencyStats, error)
	OpenVideo(ctx context.Context, sessionID string, user *model.User) (io.ReadCloser, int64, *model.EmergencyLog, error)
	DownloadURL(ctx context.Context, sessionID string, user *model.User) (string, error)
	FinishSession(ctx context.Context, sessionID string, user *model.User, status string) (*model.EmergencyLogDTO, error)
	SweepStaleSessions(ctx context.Context, idleFor time.Duration) (int, error)
}

type emergencyLogService struct {
	repo      repository.EmergencyLogRepository
	userRepo  repository.UserRepository
	store     storage.ObjectStore
	locker    repository.SessionLocker
	publisher EventPublisher
	cfg       config.EmergencyConfig
}

// NewEmergencyLogService 创建一个新的 EmergencyLogService 实例。
func NewEmergencyLogService(repo repository.EmergencyLogRepository, userRepo repository.UserRepository, store storage.ObjectStore,
	locker repository.SessionLocker, publisher EventPublisher, cfg config.EmergencyConfig) EmergencyLogService {
	return &emergencyLogService{repo: repo, userRepo: userRepo, store: store, locker: locker, publisher: publisher, cfg: cfg}
}

// NormalizePage 把从 1 开始的页码转换为 offset/limit。
func NormalizePage(page, size int) (offset, limit int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return (page - 1) * size, size
}

// authorize 加载会话并检查访问权限：本人或管理员。
func (s *emergencyLogService) authorize(ctx context.Context, sessionID string, user *model.User) (*model.EmergencyLog, error) {
	if user == nil {
		return nil, ErrUnauthorized
	}
	rec, err := s.repo.FindBySessionID(ctx, sessionID)
	if errors.Is(err, repository.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if rec.UserID != user.ID && !user.IsAdmin() {
		return nil, ErrForbidden
	}
	return rec, nil
}

func (s *emergencyLogService) toDTOs(logs []model.EmergencyLog) ([]model.EmergencyLogDTO, error) {
	ids := make([]uint, 0, len(logs))
	seen := make(map[uint]struct{}, len(logs))
	for _, l := range logs {
		if _, ok := seen[l.UserID]; !ok {
			seen[l.UserID] = struct{}{}
			ids = append(ids, l.UserID)
		}
	}
	owners, err := s.userRepo.FindByIDs(ids)
	if err != nil {
		return nil, err
	}
	dtos := make([]model.EmergencyLogDTO, 0, len(logs))
	for i := range logs {
		dtos = append(dtos, logs[i].ToDTO(owners[logs[i].UserID]))
	}
	return dtos, nil
}

func (s *emergencyLogService) GetSession(ctx context.Context, sessionID string, user *model.User) (*model.EmergencyLogDTO, error) {
	rec, err := s.authorize(ctx, sessionID, user)
	if err != nil {
		return nil, err
	}
	owner, err := s.userRepo.FindByID(rec.UserID)
	if err != nil && !errors.Is(err, repository.ErrRecordNotFound) {
		return nil, err
	}
	dto := rec.ToDTO(owner)
	return &dto, nil
}

func (s *emergencyLogService) ListMySessions(ctx context.Context, user *model.User, page, size int) ([]model.EmergencyLogDTO, int64, error) {
	if user == nil {
		return nil, 0, ErrUnauthorized
	}
	offset, limit := NormalizePage(page, size)
	logs, total, err := s.repo.List(ctx, model.EmergencyLogFilter{UserID: user.ID, Offset: offset, Limit: limit})
	if err != nil {
		return nil, 0, err
	}
	dtos, err := s.toDTOs(logs)
	return dtos, total, err
}

func (s *emergencyLogService) ListLogs(ctx context.Context, filter model.EmergencyLogFilter) ([]model.EmergencyLogDTO, int64, error) {
	if filter.Limit <= 0 || filter.Limit > maxPageSize {
		filter.Limit = defaultPageSize
	}
	log.Infof("[EmergencyLogService] 查询紧急日志, status: %s, type: %s, q: %s", filter.Status, filter.EmergencyType, filter.Query)
	logs, total, err := s.repo.List(ctx, filter)
	if err != nil {
		log.Errorf("[EmergencyLogService] 查询紧急日志失败: %v", err)
		return nil, 0, err
	}
	dtos, err := s.toDTOs(logs)
	return dtos, total, err
}

func (s *emergencyLogService) Stats(ctx context.Context) (model.EmergencyStats, error) {
	return s.repo.CountByStatus(ctx)
}

// OpenVideo 返回会话完整对象的读取流，调用方负责关闭。
func (s *emergencyLogService) OpenVideo(ctx context.Context, sessionID string, user *model.User) (io.ReadCloser, int64, *model.EmergencyLog, error) {
	rec, err := s.authorize(ctx, sessionID, user)
	if err != nil {
		return nil, 0, nil, err
	}
	rc, size, err := s.store.Open(ctx, rec.VideoPath)
	if err != nil {
		log.Errorf("[EmergencyLogService] 打开会话对象失败, session: %s, error: %v", sessionID, err)
		return nil, 0, nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return rc, size, rec, nil
}

func (s *emergencyLogService) DownloadURL(ctx context.Context, sessionID string, user *model.User) (string, error) {
	rec, err := s.authorize(ctx, sessionID, user)
	if err != nil {
		return "", err
	}
	url, err := s.store.PresignGet(ctx, rec.VideoPath, s.cfg.DownloadURLExpiry)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return url, nil
}

// FinishSession 由录像人本人结束会话。对同一目标状态重复调用是幂等的。
func (s *emergencyLogService) FinishSession(ctx context.Context, sessionID string, user *model.User, status string) (*model.EmergencyLogDTO, error) {
	if status != model.StatusCompleted && status != model.StatusFailed {
		return nil, fmt.Errorf("%w: status must be completed or failed", ErrBadRequest)
	}
	if user == nil {
		return nil, ErrUnauthorized
	}

	lease, err := s.locker.Lock(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionBusy, err)
	}
	defer lease.Release()

	rec, err := s.repo.FindBySessionID(ctx, sessionID)
	if errors.Is(err, repository.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if rec.UserID != user.ID {
		return nil, ErrForbidden
	}

	switch rec.Status {
	case status:
		dto := rec.ToDTO(user)
		return &dto, nil
	case model.StatusRecording:
	default:
		return nil, fmt.Errorf("%w: status %s", ErrSessionClosed, rec.Status)
	}

	now := time.Now()
	changed, err := s.repo.UpdateStatus(ctx, sessionID, model.StatusRecording, status, now)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, fmt.Errorf("%w: status changed concurrently", ErrSessionClosed)
	}
	rec.Status = status
	rec.UpdatedAt = now
	rec.CompletedAt = &now

	log.Infof("[EmergencyLogService] 会话已结束, session: %s, status: %s, chunkCount: %d", sessionID, status, rec.ChunkCount)
	publishEvent(ctx, s.publisher, tasks.NewEmergencyEvent(tasks.EventSessionFinished, rec, rec.ChunkCount-1))
	dto := rec.ToDTO(user)
	return &dto, nil
}

// SweepStaleSessions 把长时间没有新分片的录制中会话标记为 completed，返回处理数量。
func (s *emergencyLogService) SweepStaleSessions(ctx context.Context, idleFor time.Duration) (int, error) {
	cutoff := time.Now().Add(-idleFor)
	stale, err := s.repo.FindStale(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, err
	}
	swept := 0
	for i := range stale {
		ok, err := s.closeIfIdle(ctx, stale[i].RecordingSessionID, cutoff)
		if err != nil {
			log.Errorf("[EmergencyLogService] 关闭超时会话失败, session: %s, error: %v", stale[i].RecordingSessionID, err)
			continue
		}
		if ok {
			swept++
		}
	}
	if swept > 0 {
		log.Infof("[EmergencyLogService] 已关闭 %d 个超时会话", swept)
	}
	return swept, nil
}

// closeIfIdle 在会话锁内重新检查空闲时间，避免与正在进行的追加竞争。
func (s *emergencyLogService) closeIfIdle(ctx context.Context, sessionID string, cutoff time.Time) (bool, error) {
	lease, err := s.locker.Lock(ctx, sessionID)
	if err != nil {
		return false, err
	}
	defer lease.Release()

	rec, err := s.repo.FindBySessionID(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if rec.Status != model.StatusRecording || !rec.UpdatedAt.Before(cutoff) {
		return false, nil
	}
	now := time.Now()
	changed, err := s.repo.UpdateStatus(ctx, sessionID, model.StatusRecording, model.StatusCompleted, now)
	if err != nil || !changed {
		return false, err
	}
	rec.Status = model.StatusCompleted
	rec.UpdatedAt = now
	rec.CompletedAt = &now
	publishEvent(ctx, s.publisher, tasks.NewEmergencyEvent(tasks.EventSessionFinished, rec, rec.ChunkCount-1))
	return true, nil
}
