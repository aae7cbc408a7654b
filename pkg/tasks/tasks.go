// Package tasks defines the structure of the emergency events that are sent to Kafka.
package tasks

import (
	"crimewatch-go/internal/model"
	"time"
)

// EventType identifies what happened to a recording session.
type EventType string

const (
	EventSessionStarted  EventType = "session_started"
	EventChunkAppended   EventType = "chunk_appended"
	EventSessionFinished EventType = "session_finished"
)

// EmergencyEvent represents one state change of a recording session.
type EmergencyEvent struct {
	Type          EventType       `json:"type"`
	SessionID     string          `json:"sessionId"`
	UserID        uint            `json:"userId"`
	EmergencyType string          `json:"emergencyType"`
	Status        string          `json:"status"`
	ChunkIndex    int             `json:"chunkIndex"`
	ChunkCount    int             `json:"chunkCount"`
	TotalSize     int64           `json:"totalSize"`
	Location      *model.Location `json:"location,omitempty"`
	OccurredAt    time.Time       `json:"occurredAt"`
}

// NewEmergencyEvent builds an event from the current state of a record.
func NewEmergencyEvent(t EventType, rec *model.EmergencyLog, chunkIndex int) EmergencyEvent {
	return EmergencyEvent{
		Type:          t,
		SessionID:     rec.RecordingSessionID,
		UserID:        rec.UserID,
		EmergencyType: rec.EmergencyType,
		Status:        rec.Status,
		ChunkIndex:    chunkIndex,
		ChunkCount:    rec.ChunkCount,
		TotalSize:     rec.TotalSize,
		Location:      rec.Location(),
		OccurredAt:    time.Now().UTC(),
	}
}
