package handler

import (
	"crimewatch-go/internal/model"
	"crimewatch-go/internal/service"
	"crimewatch-go/pkg/log"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// EmergencyHandler 处理录像人本人的分片上传与会话操作。
type EmergencyHandler struct {
	ingestService service.IngestService
	logService    service.EmergencyLogService
	maxBodyBytes  int64
}

// NewEmergencyHandler 创建一个新的 EmergencyHandler。maxChunkBytes 用于限制请求体大小。
func NewEmergencyHandler(ingestService service.IngestService, logService service.EmergencyLogService, maxChunkBytes int64) *EmergencyHandler {
	// base64 膨胀 4/3，再留出元数据的余量
	maxBody := maxChunkBytes/3*4 + 64<<10
	if maxChunkBytes <= 0 {
		maxBody = 0
	}
	return &EmergencyHandler{ingestService: ingestService, logService: logService, maxBodyBytes: maxBody}
}

// decodeChunk 解码 base64 分片，兼容 data URL 形式。
func decodeChunk(encoded string) ([]byte, error) {
	if strings.HasPrefix(encoded, "data:") {
		if i := strings.IndexByte(encoded, ','); i >= 0 {
			encoded = encoded[i+1:]
		}
	}
	return base64.StdEncoding.DecodeString(encoded)
}

// VideoStream 接收一个录像分片。
func (h *EmergencyHandler) VideoStream(c *gin.Context) {
	user, exists := currentUser(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	if h.maxBodyBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes)
	}
	var req model.ChunkUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Video chunk too large"})
			return
		}
		log.Warnf("VideoStream: Invalid request payload, error: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.VideoChunk == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No video chunk provided"})
		return
	}
	if req.RecordingSessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Recording session ID is required"})
		return
	}
	payload, err := decodeChunk(req.VideoChunk)
	if err != nil {
		log.Warnf("VideoStream: Failed to decode chunk, session: %s, error: %v", req.RecordingSessionID, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Video chunk is not valid base64"})
		return
	}

	resp, err := h.ingestService.IngestChunk(c.Request.Context(), service.ChunkIngest{
		Owner:         user,
		ClaimedUserID: req.UserID,
		SessionID:     req.RecordingSessionID,
		ChunkIndex:    req.ChunkIndex,
		IsFirstChunk:  req.IsFirstChunk,
		Payload:       payload,
		Location:      req.Location,
		EmergencyType: req.EmergencyType,
	})
	if err != nil {
		log.Warnf("VideoStream: Failed to ingest chunk, session: %s, chunkIndex: %d, error: %v", req.RecordingSessionID, req.ChunkIndex, err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ListMySessions 分页列出当前用户的会话。
func (h *EmergencyHandler) ListMySessions(c *gin.Context) {
	user, _ := currentUser(c)
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))

	sessions, total, err := h.logService.ListMySessions(c.Request.Context(), user, page, size)
	if err != nil {
		respondError(c, err)
		return
	}
	ok(c, gin.H{"content": sessions, "totalElements": total, "number": page, "size": size})
}

// GetSession 返回单个会话摘要。
func (h *EmergencyHandler) GetSession(c *gin.Context) {
	user, _ := currentUser(c)
	dto, err := h.logService.GetSession(c.Request.Context(), c.Param("sessionId"), user)
	if err != nil {
		respondError(c, err)
		return
	}
	ok(c, dto)
}

// FinishSessionRequest 是结束会话的请求体。
type FinishSessionRequest struct {
	Status string `json:"status"`
}

// FinishSession 由录像人结束会话，status 缺省为 completed。
func (h *EmergencyHandler) FinishSession(c *gin.Context) {
	user, _ := currentUser(c)
	var req FinishSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}
	if req.Status == "" {
		req.Status = model.StatusCompleted
	}

	dto, err := h.logService.FinishSession(c.Request.Context(), c.Param("sessionId"), user, req.Status)
	if err != nil {
		respondError(c, err)
		return
	}
	ok(c, dto)
}

// DownloadVideo 以流的形式返回会话的完整录像。
func (h *EmergencyHandler) DownloadVideo(c *gin.Context) {
	user, _ := currentUser(c)
	rc, size, rec, err := h.logService.OpenVideo(c.Request.Context(), c.Param("sessionId"), user)
	if err != nil {
		respondError(c, err)
		return
	}
	defer rc.Close()

	filename := fmt.Sprintf("emergency-%s.webm", rec.RecordingSessionID)
	c.DataFromReader(http.StatusOK, size, "video/webm", rc, map[string]string{
		"Content-Disposition": fmt.Sprintf(`attachment; filename="%s"`, filename),
	})
}
