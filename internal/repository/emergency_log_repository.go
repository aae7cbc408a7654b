package repository

import (
	"context"
	"crimewatch-go/internal/model"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AppendUpdate 是一次追加成功后要写入的元数据。Location 为 nil 时保留原有位置。
type AppendUpdate struct {
	ExpectedCount int
	TotalSize     int64
	Location      datatypes.JSON
	ChunkIndices  datatypes.JSON
}

// EmergencyLogRepository 定义了紧急会话元数据的持久化操作。
type EmergencyLogRepository interface {
	FindBySessionID(ctx context.Context, sessionID string) (*model.EmergencyLog, error)
	// Create 插入新会话，会话 ID 已存在时返回 ErrDuplicate。
	Create(ctx context.Context, rec *model.EmergencyLog) error
	// UpdateAfterAppend 仅当会话仍在录制且 chunk_count 等于 u.ExpectedCount 时生效，
	// 否则返回 ErrConflict。
	UpdateAfterAppend(ctx context.Context, sessionID string, u AppendUpdate) error
	// UpdateStatus 把处于 from 状态的会话置为 to，返回是否有记录被修改。
	UpdateStatus(ctx context.Context, sessionID, from, to string, at time.Time) (bool, error)
	List(ctx context.Context, filter model.EmergencyLogFilter) ([]model.EmergencyLog, int64, error)
	CountByStatus(ctx context.Context) (model.EmergencyStats, error)
	// FindStale 返回 updated_at 早于 before 且仍在录制的会话。
	FindStale(ctx context.Context, before time.Time, limit int) ([]model.EmergencyLog, error)
}

type emergencyLogRepository struct {
	db *gorm.DB
}

// NewEmergencyLogRepository 创建一个基于 GORM 的 EmergencyLogRepository。
func NewEmergencyLogRepository(db *gorm.DB) EmergencyLogRepository {
	return &emergencyLogRepository{db: db}
}

func (r *emergencyLogRepository) FindBySessionID(ctx context.Context, sessionID string) (*model.EmergencyLog, error) {
	var rec model.EmergencyLog
	err := r.db.WithContext(ctx).Where("recording_session_id = ?", sessionID).First(&rec).Error
	if err != nil {
		return nil, translateNotFound(err)
	}
	return &rec, nil
}

func (r *emergencyLogRepository) Create(ctx context.Context, rec *model.EmergencyLog) error {
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: session %s", ErrDuplicate, rec.RecordingSessionID)
		}
		return err
	}
	return nil
}

func (r *emergencyLogRepository) UpdateAfterAppend(ctx context.Context, sessionID string, u AppendUpdate) error {
	updates := map[string]interface{}{
		"chunk_count":   gorm.Expr("chunk_count + 1"),
		"total_size":    u.TotalSize,
		"chunk_indices": u.ChunkIndices,
		"updated_at":    time.Now(),
	}
	if len(u.Location) > 0 {
		updates["location_data"] = u.Location
	}
	res := r.db.WithContext(ctx).Model(&model.EmergencyLog{}).
		Where("recording_session_id = ? AND chunk_count = ? AND status = ?", sessionID, u.ExpectedCount, model.StatusRecording).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func (r *emergencyLogRepository) UpdateStatus(ctx context.Context, sessionID, from, to string, at time.Time) (bool, error) {
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": at,
	}
	if to != model.StatusRecording {
		updates["completed_at"] = at
	}
	res := r.db.WithContext(ctx).Model(&model.EmergencyLog{}).
		Where("recording_session_id = ? AND status = ?", sessionID, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *emergencyLogRepository) List(ctx context.Context, filter model.EmergencyLogFilter) ([]model.EmergencyLog, int64, error) {
	var logs []model.EmergencyLog
	var total int64

	db := r.db.WithContext(ctx).Model(&model.EmergencyLog{})
	if filter.Status != "" {
		db = db.Where("emergency_logs.status = ?", filter.Status)
	}
	if filter.EmergencyType != "" {
		db = db.Where("emergency_logs.emergency_type = ?", filter.EmergencyType)
	}
	if filter.UserID != 0 {
		db = db.Where("emergency_logs.user_id = ?", filter.UserID)
	}
	if filter.Query != "" {
		like := "%" + filter.Query + "%"
		db = db.Joins("LEFT JOIN users ON users.id = emergency_logs.user_id").
			Where("emergency_logs.recording_session_id LIKE ? OR emergency_logs.emergency_type LIKE ? OR users.username LIKE ? OR users.full_name LIKE ?",
				like, like, like, like)
	}

	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := db.Select("emergency_logs.*").
		Order("emergency_logs.created_at DESC").
		Offset(filter.Offset).Limit(filter.Limit).
		Find(&logs).Error
	if err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}

func (r *emergencyLogRepository) CountByStatus(ctx context.Context) (model.EmergencyStats, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&model.EmergencyLog{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return model.EmergencyStats{}, err
	}
	var stats model.EmergencyStats
	for _, row := range rows {
		stats.Total += row.Count
		switch row.Status {
		case model.StatusRecording:
			stats.Recording = row.Count
		case model.StatusCompleted:
			stats.Completed = row.Count
		case model.StatusFailed:
			stats.Failed = row.Count
		}
	}
	return stats, nil
}

func (r *emergencyLogRepository) FindStale(ctx context.Context, before time.Time, limit int) ([]model.EmergencyLog, error) {
	var logs []model.EmergencyLog
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.StatusRecording, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}
