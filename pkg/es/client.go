// Package es 提供了与 Elasticsearch 交互的客户端功能。
package es

import (
	"bytes"
	"context"
	"crimewatch-go/internal/config"
	"crimewatch-go/internal/model"
	"crimewatch-go/pkg/log"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

var ESClient *elasticsearch.Client

// emergencyMapping 是紧急会话索引的映射，每个会话一个文档。
const emergencyMapping = `{
	"mappings": {
		"properties": {
			"session_id": { "type": "keyword", "fields": { "text": { "type": "text" } } },
			"emergency_id": { "type": "keyword" },
			"user_id": { "type": "long" },
			"username": { "type": "text", "fields": { "keyword": { "type": "keyword" } } },
			"full_name": { "type": "text" },
			"emergency_type": { "type": "keyword", "fields": { "text": { "type": "text" } } },
			"status": { "type": "keyword" },
			"chunk_count": { "type": "integer" },
			"total_size": { "type": "long" },
			"location": { "type": "geo_point" },
			"created_at": { "type": "date" },
			"updated_at": { "type": "date" }
		}
	}
}`

// InitES 初始化 Elasticsearch 客户端
func InitES(esCfg config.ElasticsearchConfig) error {
	cfg := elasticsearch.Config{
		Addresses: []string{esCfg.Addresses},
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return err
	}
	ESClient = client
	return createIndexIfNotExists(esCfg.IndexName)
}

// createIndexIfNotExists 检查索引是否存在，如果不存在则创建它
func createIndexIfNotExists(indexName string) error {
	res, err := ESClient.Indices.Exists([]string{indexName})
	if err != nil {
		log.Errorf("检查索引是否存在时出错: %v", err)
		return err
	}
	defer res.Body.Close()
	if !res.IsError() && res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", indexName)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		log.Errorf("检查索引 '%s' 是否存在时收到意外的状态码: %d", indexName, res.StatusCode)
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	createRes, err := ESClient.Indices.Create(
		indexName,
		ESClient.Indices.Create.WithBody(strings.NewReader(emergencyMapping)),
	)
	if err != nil {
		log.Errorf("创建索引 '%s' 失败: %v", indexName, err)
		return err
	}
	defer createRes.Body.Close()
	if createRes.IsError() {
		log.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", indexName, createRes.String())
		return errors.New("创建索引时 Elasticsearch 返回错误")
	}

	log.Infof("索引 '%s' 创建成功", indexName)
	return nil
}

// Indexer 把紧急会话写入指定索引。
type Indexer struct {
	client    *elasticsearch.Client
	indexName string
}

// NewIndexer 创建一个 Indexer。
func NewIndexer(client *elasticsearch.Client, indexName string) *Indexer {
	return &Indexer{client: client, indexName: indexName}
}

// IndexEmergencyLog 将会话文档写入索引，已存在时整体覆盖。
func (i *Indexer) IndexEmergencyLog(ctx context.Context, doc model.EsEmergencyDocument) error {
	docBytes, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	req := esapi.IndexRequest{
		Index:      i.indexName,
		DocumentID: doc.SessionID,
		Body:       bytes.NewReader(docBytes),
		Refresh:    "true",
	}

	res, err := req.Do(ctx, i.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		log.Errorf("索引文档到 Elasticsearch 出错: %s", res.String())
		return errors.New("failed to index document")
	}
	return nil
}
