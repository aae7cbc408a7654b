package repository

import (
	"context"
	"crimewatch-go/internal/model"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gorm.io/datatypes"
)

// memoryEmergencyLogRepository 是进程内实现，用于测试与本地调试。
type memoryEmergencyLogRepository struct {
	mu     sync.Mutex
	nextID uint
	logs   map[string]*model.EmergencyLog
	users  UserRepository
}

// NewMemoryEmergencyLogRepository 创建进程内的 EmergencyLogRepository。
// users 可为 nil，此时 List 的关键字只匹配会话 ID 与类型。
func NewMemoryEmergencyLogRepository(users UserRepository) EmergencyLogRepository {
	return &memoryEmergencyLogRepository{logs: make(map[string]*model.EmergencyLog), users: users}
}

func cloneLog(rec *model.EmergencyLog) *model.EmergencyLog {
	cp := *rec
	if rec.LocationData != nil {
		cp.LocationData = append(datatypes.JSON(nil), rec.LocationData...)
	}
	if rec.ChunkIndices != nil {
		cp.ChunkIndices = append(datatypes.JSON(nil), rec.ChunkIndices...)
	}
	if rec.CompletedAt != nil {
		t := *rec.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func (r *memoryEmergencyLogRepository) FindBySessionID(_ context.Context, sessionID string) (*model.EmergencyLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.logs[sessionID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return cloneLog(rec), nil
}

func (r *memoryEmergencyLogRepository) Create(_ context.Context, rec *model.EmergencyLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.logs[rec.RecordingSessionID]; ok {
		return fmt.Errorf("%w: session %s", ErrDuplicate, rec.RecordingSessionID)
	}
	r.nextID++
	now := time.Now()
	rec.ID = r.nextID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	r.logs[rec.RecordingSessionID] = cloneLog(rec)
	return nil
}

func (r *memoryEmergencyLogRepository) UpdateAfterAppend(_ context.Context, sessionID string, u AppendUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.logs[sessionID]
	if !ok || rec.ChunkCount != u.ExpectedCount || rec.Status != model.StatusRecording {
		return ErrConflict
	}
	rec.ChunkCount++
	rec.TotalSize = u.TotalSize
	rec.ChunkIndices = append(datatypes.JSON(nil), u.ChunkIndices...)
	rec.UpdatedAt = time.Now()
	if len(u.Location) > 0 {
		rec.LocationData = append(datatypes.JSON(nil), u.Location...)
	}
	return nil
}

func (r *memoryEmergencyLogRepository) UpdateStatus(_ context.Context, sessionID, from, to string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.logs[sessionID]
	if !ok || rec.Status != from {
		return false, nil
	}
	rec.Status = to
	rec.UpdatedAt = at
	if to != model.StatusRecording {
		t := at
		rec.CompletedAt = &t
	}
	return true, nil
}

func (r *memoryEmergencyLogRepository) matches(rec *model.EmergencyLog, filter model.EmergencyLogFilter) bool {
	if filter.Status != "" && rec.Status != filter.Status {
		return false
	}
	if filter.EmergencyType != "" && rec.EmergencyType != filter.EmergencyType {
		return false
	}
	if filter.UserID != 0 && rec.UserID != filter.UserID {
		return false
	}
	if filter.Query == "" {
		return true
	}
	q := strings.ToLower(filter.Query)
	if strings.Contains(strings.ToLower(rec.RecordingSessionID), q) || strings.Contains(strings.ToLower(rec.EmergencyType), q) {
		return true
	}
	if r.users != nil {
		if u, err := r.users.FindByID(rec.UserID); err == nil {
			return strings.Contains(strings.ToLower(u.Username), q) || strings.Contains(strings.ToLower(u.FullName), q)
		}
	}
	return false
}

func (r *memoryEmergencyLogRepository) List(_ context.Context, filter model.EmergencyLogFilter) ([]model.EmergencyLog, int64, error) {
	r.mu.Lock()
	var matched []model.EmergencyLog
	for _, rec := range r.logs {
		if r.matches(rec, filter) {
			matched = append(matched, *cloneLog(rec))
		}
	}
	r.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := int64(len(matched))
	if filter.Offset >= len(matched) {
		return []model.EmergencyLog{}, total, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func (r *memoryEmergencyLogRepository) CountByStatus(_ context.Context) (model.EmergencyStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stats model.EmergencyStats
	for _, rec := range r.logs {
		stats.Total++
		switch rec.Status {
		case model.StatusRecording:
			stats.Recording++
		case model.StatusCompleted:
			stats.Completed++
		case model.StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (r *memoryEmergencyLogRepository) FindStale(_ context.Context, before time.Time, limit int) ([]model.EmergencyLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stale []model.EmergencyLog
	for _, rec := range r.logs {
		if rec.Status == model.StatusRecording && rec.UpdatedAt.Before(before) {
			stale = append(stale, *cloneLog(rec))
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// memoryUserRepository 是进程内的 UserRepository 实现。
type memoryUserRepository struct {
	mu     sync.Mutex
	nextID uint
	users  map[uint]*model.User
}

// NewMemoryUserRepository 创建进程内的 UserRepository。
func NewMemoryUserRepository() UserRepository {
	return &memoryUserRepository{users: make(map[uint]*model.User)}
}

func (r *memoryUserRepository) Create(user *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Username == user.Username {
			return fmt.Errorf("%w: username %s", ErrDuplicate, user.Username)
		}
	}
	r.nextID++
	user.ID = r.nextID
	now := time.Now()
	user.CreatedAt, user.UpdatedAt = now, now
	cp := *user
	r.users[user.ID] = &cp
	return nil
}

func (r *memoryUserRepository) FindByUsername(username string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrRecordNotFound
}

func (r *memoryUserRepository) Update(user *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[user.ID]; !ok {
		return ErrRecordNotFound
	}
	user.UpdatedAt = time.Now()
	cp := *user
	r.users[user.ID] = &cp
	return nil
}

func (r *memoryUserRepository) FindByID(userID uint) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *memoryUserRepository) FindByIDs(userIDs []uint) (map[uint]*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make(map[uint]*model.User, len(userIDs))
	for _, id := range userIDs {
		if u, ok := r.users[id]; ok {
			cp := *u
			result[id] = &cp
		}
	}
	return result, nil
}
