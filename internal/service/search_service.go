// Package service 提供了搜索相关的业务逻辑。
package service

import (
	"bytes"
	"context"
	"crimewatch-go/internal/model"
	"crimewatch-go/pkg/log"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
)

// SearchService 接口定义了紧急日志的全文检索操作。
type SearchService interface {
	SearchLogs(ctx context.Context, query, status, emergencyType string, size int) ([]model.SearchResponseDTO, error)
}

type searchService struct {
	esClient  *elasticsearch.Client
	indexName string
}

// NewSearchService 创建一个新的 SearchService 实例。
func NewSearchService(esClient *elasticsearch.Client, indexName string) SearchService {
	return &searchService{esClient: esClient, indexName: indexName}
}

// SearchLogs 按关键字检索会话，关键字为空时按更新时间倒序列出。
func (s *searchService) SearchLogs(ctx context.Context, query, status, emergencyType string, size int) ([]model.SearchResponseDTO, error) {
	normalized := normalizeQuery(query)
	if size <= 0 || size > maxPageSize {
		size = defaultPageSize
	}
	log.Infof("[SearchService] 开始检索紧急日志, query: '%s' -> '%s', status: %s, type: %s", query, normalized, status, emergencyType)

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(buildSearchQuery(normalized, status, emergencyType, size)); err != nil {
		log.Errorf("[SearchService] 序列化 Elasticsearch 查询失败: %v", err)
		return nil, fmt.Errorf("failed to encode es query: %w", err)
	}

	res, err := s.esClient.Search(
		s.esClient.Search.WithContext(ctx),
		s.esClient.Search.WithIndex(s.indexName),
		s.esClient.Search.WithBody(&buf),
		s.esClient.Search.WithTrackTotalHits(true),
	)
	if err != nil {
		log.Errorf("[SearchService] 向 Elasticsearch 发送搜索请求失败: %v", err)
		return nil, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		log.Errorf("[SearchService] Elasticsearch 返回错误, status: %s, body: %s", res.Status(), string(bodyBytes))
		return nil, fmt.Errorf("elasticsearch returned an error: %s", res.Status())
	}
	return decodeSearchResponse(res.Body)
}

func decodeSearchResponse(body io.Reader) ([]model.SearchResponseDTO, error) {
	var esResponse struct {
		Hits struct {
			Hits []struct {
				Source model.EsEmergencyDocument `json:"_source"`
				Score  float64                   `json:"_score"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(body).Decode(&esResponse); err != nil {
		log.Errorf("[SearchService] 解析 Elasticsearch 响应失败: %v", err)
		return nil, fmt.Errorf("failed to decode es response: %w", err)
	}

	results := make([]model.SearchResponseDTO, 0, len(esResponse.Hits.Hits))
	for _, hit := range esResponse.Hits.Hits {
		doc := hit.Source
		results = append(results, model.SearchResponseDTO{
			SessionID:     doc.SessionID,
			EmergencyID:   doc.EmergencyID,
			UserID:        doc.UserID,
			Username:      doc.Username,
			FullName:      doc.FullName,
			EmergencyType: doc.EmergencyType,
			Status:        doc.Status,
			ChunkCount:    doc.ChunkCount,
			TotalSize:     doc.TotalSize,
			UpdatedAt:     doc.UpdatedAt.Format(time.RFC3339),
			Score:         hit.Score,
		})
	}
	log.Infof("[SearchService] 检索完成，命中 %d 条", len(results))
	return results, nil
}

// buildSearchQuery 构建 bool 查询：关键字走 multi_match，状态和类型走 term 过滤。
func buildSearchQuery(query, status, emergencyType string, size int) map[string]interface{} {
	filters := make([]map[string]interface{}, 0, 2)
	if status != "" {
		filters = append(filters, map[string]interface{}{"term": map[string]interface{}{"status": status}})
	}
	if emergencyType != "" {
		filters = append(filters, map[string]interface{}{"term": map[string]interface{}{"emergency_type": emergencyType}})
	}

	boolQuery := map[string]interface{}{"filter": filters}
	esQuery := map[string]interface{}{"size": size}
	if query == "" {
		boolQuery["must"] = map[string]interface{}{"match_all": map[string]interface{}{}}
		esQuery["sort"] = []map[string]interface{}{{"updated_at": map[string]interface{}{"order": "desc"}}}
	} else {
		boolQuery["must"] = map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  query,
				"fields": []string{"session_id.text", "emergency_type.text", "username^2", "full_name^2"},
				"type":   "best_fields",
			},
		}
		// 会话 ID 前缀精确命中时优先
		boolQuery["should"] = []map[string]interface{}{
			{"prefix": map[string]interface{}{"session_id": map[string]interface{}{"value": query, "boost": 3.0}}},
		}
	}
	esQuery["query"] = map[string]interface{}{"bool": boolQuery}
	return esQuery
}

var (
	reKeep  = regexp.MustCompile(`[^\p{Han}\p{L}\p{N}_\-\s]+`)
	reSpace = regexp.MustCompile(`\s+`)
)

// normalizeQuery 去掉标点并归一空白，保留会话 ID 中的 '-' 和 '_'。
func normalizeQuery(q string) string {
	kept := reKeep.ReplaceAllString(q, " ")
	return strings.TrimSpace(reSpace.ReplaceAllString(kept, " "))
}
