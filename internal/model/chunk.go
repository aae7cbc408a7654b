package model

import "fmt"

// Location 是客户端上报的位置信息，Timestamp 为毫秒时间戳。
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
	Timestamp int64   `json:"timestamp"`
}

// ChunkUploadRequest 是 POST /api/v1/emergency/video-stream 的请求体。
// VideoChunk 为标准 base64 编码的录像分片。
type ChunkUploadRequest struct {
	VideoChunk         string    `json:"videoChunk"`
	ChunkIndex         int       `json:"chunkIndex"`
	ChunkSize          int       `json:"chunkSize"`
	RecordingSessionID string    `json:"recordingSessionId"`
	IsFirstChunk       bool      `json:"isFirstChunk"`
	UserID             string    `json:"userId,omitempty"`
	Location           *Location `json:"location,omitempty"`
	EmergencyType      string    `json:"emergencyType,omitempty"`
}

// ChunkUploadResponse 是分片接收成功后的响应体。
type ChunkUploadResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	Timestamp   string `json:"timestamp"`
	VideoPath   string `json:"videoPath"`
	StorageKey  string `json:"storageKey"`
	ChunkSize   int    `json:"chunkSize"`
	TotalSize   int64  `json:"totalSize"`
	ChunkCount  int    `json:"chunkCount"`
	ChunkIndex  int    `json:"chunkIndex"`
	SessionID   string `json:"sessionId"`
	EmergencyID string `json:"emergencyId"`
}

// EmergencyIDFor 生成 EMG-{userId}-{sessionId} 形式的编号。
func EmergencyIDFor(userID uint, sessionID string) string {
	return fmt.Sprintf("EMG-%d-%s", userID, sessionID)
}
