package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// 会话状态
const (
	StatusRecording = "recording"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// DefaultEmergencyType 是请求未携带 emergencyType 时使用的类型。
const DefaultEmergencyType = "general"

// EmergencyLog 对应于 'emergency_logs' 表，每个录像会话一条记录。
// VideoPath 是对象存储中的对象名，ChunkCount 和 TotalSize 反映已成功写入对象的分片。
type EmergencyLog struct {
	ID                 uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	RecordingSessionID string         `gorm:"type:varchar(128);uniqueIndex;not null" json:"recordingSessionId"`
	UserID             uint           `gorm:"index;not null" json:"userId"`
	EmergencyType      string         `gorm:"type:varchar(64);not null;default:general" json:"emergencyType"`
	Status             string         `gorm:"type:varchar(16);index;not null;default:recording" json:"status"`
	VideoPath          string         `gorm:"type:varchar(512);not null" json:"videoPath"`
	ChunkCount         int            `gorm:"not null;default:0" json:"chunkCount"`
	TotalSize          int64          `gorm:"not null;default:0" json:"totalSize"`
	LocationData       datatypes.JSON `gorm:"type:json" json:"locationData,omitempty"`
	CreatedAt          time.Time      `gorm:"autoCreateTime;index" json:"createdAt"`
	UpdatedAt          time.Time      `gorm:"autoUpdateTime" json:"updatedAt"`
	CompletedAt        *time.Time     `json:"completedAt,omitempty"`

	// ChunkIndices 记录已写入对象的分片序号（JSON 数组），用于识别客户端重发的分片。
	ChunkIndices datatypes.JSON `gorm:"type:json" json:"-"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (EmergencyLog) TableName() string {
	return "emergency_logs"
}

// EmergencyID 返回对外展示用的紧急事件编号。
func (e *EmergencyLog) EmergencyID() string {
	return EmergencyIDFor(e.UserID, e.RecordingSessionID)
}

// Location 解析 LocationData，未上报或无法解析时返回 nil。
func (e *EmergencyLog) Location() *Location {
	if len(e.LocationData) == 0 {
		return nil
	}
	var loc Location
	if err := json.Unmarshal(e.LocationData, &loc); err != nil {
		return nil
	}
	return &loc
}

// HasChunk 报告 index 号分片是否已写入对象。
func (e *EmergencyLog) HasChunk(index int) bool {
	for _, i := range e.receivedChunks() {
		if i == index {
			return true
		}
	}
	return false
}

// ChunkIndicesWith 返回加入 index 之后的序号集合。
func (e *EmergencyLog) ChunkIndicesWith(index int) datatypes.JSON {
	return EncodeChunkIndices(append(e.receivedChunks(), index))
}

func (e *EmergencyLog) receivedChunks() []int {
	if len(e.ChunkIndices) == 0 {
		return nil
	}
	var indices []int
	if err := json.Unmarshal(e.ChunkIndices, &indices); err != nil {
		return nil
	}
	return indices
}

// EncodeChunkIndices 序列化分片序号集合。
func EncodeChunkIndices(indices []int) datatypes.JSON {
	raw, err := json.Marshal(indices)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}

// ToDTO 转换为前端展示结构，owner 可为 nil。
func (e *EmergencyLog) ToDTO(owner *User) EmergencyLogDTO {
	dto := EmergencyLogDTO{
		RecordingSessionID: e.RecordingSessionID,
		EmergencyID:        e.EmergencyID(),
		UserID:             e.UserID,
		EmergencyType:      e.EmergencyType,
		Status:             e.Status,
		VideoPath:          e.VideoPath,
		ChunkCount:         e.ChunkCount,
		TotalSize:          e.TotalSize,
		Location:           e.Location(),
		CreatedAt:          LocalTime(e.CreatedAt),
		UpdatedAt:          LocalTime(e.UpdatedAt),
	}
	if owner != nil {
		dto.Username = owner.Username
		dto.FullName = owner.FullName
		dto.Phone = owner.Phone
	}
	return dto
}

// EmergencyLogFilter 是管理端列表查询条件。
type EmergencyLogFilter struct {
	Status        string
	EmergencyType string
	UserID        uint
	Query         string
	Offset        int
	Limit         int
}

// EmergencyStats 是各状态的会话数量统计。
type EmergencyStats struct {
	Total     int64 `json:"total"`
	Recording int64 `json:"recording"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// EmergencyLogDTO 是返回给前端的会话摘要，带有录像人信息。
type EmergencyLogDTO struct {
	RecordingSessionID string    `json:"recordingSessionId"`
	EmergencyID        string    `json:"emergencyId"`
	UserID             uint      `json:"userId"`
	Username           string    `json:"username,omitempty"`
	FullName           string    `json:"fullName,omitempty"`
	Phone              string    `json:"phone,omitempty"`
	EmergencyType      string    `json:"emergencyType"`
	Status             string    `json:"status"`
	VideoPath          string    `json:"videoPath"`
	ChunkCount         int       `json:"chunkCount"`
	TotalSize          int64     `json:"totalSize"`
	Location           *Location `json:"location,omitempty"`
	CreatedAt          LocalTime `json:"createdAt"`
	UpdatedAt          LocalTime `json:"updatedAt"`
}
