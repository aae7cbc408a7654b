package model

import "time"

// EsEmergencyDocument 代表存储在 Elasticsearch 中的会话文档，文档 ID 为会话 ID。
type EsEmergencyDocument struct {
	SessionID     string    `json:"session_id"`
	EmergencyID   string    `json:"emergency_id"`
	UserID        uint      `json:"user_id"`
	Username      string    `json:"username"`
	FullName      string    `json:"full_name"`
	EmergencyType string    `json:"emergency_type"`
	Status        string    `json:"status"`
	ChunkCount    int       `json:"chunk_count"`
	TotalSize     int64     `json:"total_size"`
	Location      *GeoPoint `json:"location,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// GeoPoint 对应 Elasticsearch 的 geo_point 类型。
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// SearchResponseDTO 定义了返回给前端的搜索结果结构。
type SearchResponseDTO struct {
	SessionID     string  `json:"sessionId"`
	EmergencyID   string  `json:"emergencyId"`
	UserID        uint    `json:"userId"`
	Username      string  `json:"username"`
	FullName      string  `json:"fullName"`
	EmergencyType string  `json:"emergencyType"`
	Status        string  `json:"status"`
	ChunkCount    int     `json:"chunkCount"`
	TotalSize     int64   `json:"totalSize"`
	UpdatedAt     string  `json:"updatedAt"`
	Score         float64 `json:"score"`
}
