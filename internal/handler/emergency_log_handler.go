package handler

import (
	"crimewatch-go/internal/model"
	"crimewatch-go/internal/service"
	"crimewatch-go/pkg/log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// EmergencyLogHandler 处理值班管理员的紧急日志查询。
type EmergencyLogHandler struct {
	logService    service.EmergencyLogService
	searchService service.SearchService
}

// NewEmergencyLogHandler 创建一个新的 EmergencyLogHandler。searchService 为 nil 时检索接口不可用。
func NewEmergencyLogHandler(logService service.EmergencyLogService, searchService service.SearchService) *EmergencyLogHandler {
	return &EmergencyLogHandler{logService: logService, searchService: searchService}
}

// List 按状态、类型和关键字分页列出紧急日志，按创建时间倒序。
func (h *EmergencyLogHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))
	offset, limit := service.NormalizePage(page, size)

	filter := model.EmergencyLogFilter{
		Status:        c.Query("status"),
		EmergencyType: c.Query("type"),
		Query:         c.Query("q"),
		Offset:        offset,
		Limit:         limit,
	}
	logs, total, err := h.logService.ListLogs(c.Request.Context(), filter)
	if err != nil {
		log.Errorf("[EmergencyLogHandler] 查询紧急日志失败: %v", err)
		respondError(c, err)
		return
	}
	ok(c, gin.H{"content": logs, "totalElements": total, "number": page, "size": limit})
}

// Stats 返回各状态的会话数量。
func (h *EmergencyLogHandler) Stats(c *gin.Context) {
	stats, err := h.logService.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	ok(c, stats)
}

// Search 通过 Elasticsearch 检索紧急日志。
func (h *EmergencyLogHandler) Search(c *gin.Context) {
	if h.searchService == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Search is not configured"})
		return
	}
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))
	results, err := h.searchService.SearchLogs(c.Request.Context(), c.Query("q"), c.Query("status"), c.Query("type"), size)
	if err != nil {
		log.Errorf("[EmergencyLogHandler] 检索紧急日志失败: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Search backend unavailable"})
		return
	}
	ok(c, results)
}

// DownloadURL 返回会话录像的临时下载链接。
func (h *EmergencyLogHandler) DownloadURL(c *gin.Context) {
	user, _ := currentUser(c)
	url, err := h.logService.DownloadURL(c.Request.Context(), c.Param("sessionId"), user)
	if err != nil {
		respondError(c, err)
		return
	}
	ok(c, gin.H{"url": url})
}
