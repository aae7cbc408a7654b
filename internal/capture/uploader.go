package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crimewatch-go/internal/model"
	"crimewatch-go/pkg/log"
)

const (
	videoStreamPath = "/api/v1/emergency/video-stream"
	maxErrorBody    = 4 << 10
)

// Chunk 是一个待上传的录像分片。
type Chunk struct {
	SessionID        string
	Index            int
	IsFirst          bool
	Payload          []byte
	Location         *model.Location
	CapturedAtOffset time.Duration
}

// ChunkSender 发送单个分片。Session 只依赖这个接口。
type ChunkSender interface {
	Send(ctx context.Context, c Chunk) (*model.ChunkUploadResponse, error)
}

// UploaderConfig 是 Uploader 的配置。
type UploaderConfig struct {
	ServerURL     string
	Token         string
	UserID        string
	EmergencyType string
	Timeout       time.Duration
	Retries       int
	Backoff       time.Duration
	HTTPClient    *http.Client
}

// Uploader 通过 HTTP 把分片发送到接收服务。
type Uploader struct {
	cfg    UploaderConfig
	client *http.Client
}

// NewUploader 创建 Uploader。Timeout 缺省为 15 秒。
func NewUploader(cfg UploaderConfig) *Uploader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.EmergencyType == "" {
		cfg.EmergencyType = "panic_button"
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Uploader{cfg: cfg, client: client}
}

// Send 编码并上传一个分片。NetworkError 会按配置有限次重试，其他错误直接返回。
func (u *Uploader) Send(ctx context.Context, c Chunk) (*model.ChunkUploadResponse, error) {
	body, err := u.encode(c)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		resp, err := u.post(ctx, u.cfg.ServerURL+videoStreamPath, body)
		if err == nil {
			var out model.ChunkUploadResponse
			if decodeErr := json.Unmarshal(resp, &out); decodeErr != nil {
				return nil, &UploadError{Kind: ServerError, Message: "invalid response body", Err: decodeErr}
			}
			return &out, nil
		}
		if !IsUploadKind(err, NetworkError) || attempt >= u.cfg.Retries {
			log.Warnf("[Uploader] 分片上传失败, session: %s, chunkIndex: %d, attempt: %d, error: %v", c.SessionID, c.Index, attempt+1, err)
			return nil, err
		}
		log.Infof("[Uploader] 网络错误，准备重试, session: %s, chunkIndex: %d, attempt: %d", c.SessionID, c.Index, attempt+1)
		select {
		case <-ctx.Done():
			return nil, &UploadError{Kind: NetworkError, Err: ctx.Err()}
		case <-time.After(u.cfg.Backoff * time.Duration(attempt+1)):
		}
	}
}

func (u *Uploader) encode(c Chunk) ([]byte, error) {
	if len(c.Payload) == 0 {
		return nil, &UploadError{Kind: EncodingError, Message: "empty chunk"}
	}
	req := model.ChunkUploadRequest{
		VideoChunk:         base64.StdEncoding.EncodeToString(c.Payload),
		ChunkIndex:         c.Index,
		ChunkSize:          len(c.Payload),
		RecordingSessionID: c.SessionID,
		IsFirstChunk:       c.IsFirst,
		UserID:             u.cfg.UserID,
		Location:           c.Location,
		EmergencyType:      u.cfg.EmergencyType,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &UploadError{Kind: EncodingError, Err: err}
	}
	return body, nil
}

// post 发送 JSON 请求，返回 200 响应的原始内容。
func (u *Uploader) post(ctx context.Context, endpoint string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, u.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &UploadError{Kind: EncodingError, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if u.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+u.cfg.Token)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, &UploadError{Kind: NetworkError, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UploadError{Kind: NetworkError, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &UploadError{Kind: ServerError, StatusCode: resp.StatusCode, Message: errorMessage(raw, resp.Status)}
	}
	return raw, nil
}

// errorMessage 取出 {"error": "..."} 中的描述，取不到时退回状态行。
func errorMessage(raw []byte, status string) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if len(raw) > maxErrorBody {
		raw = raw[:maxErrorBody]
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return status
}

// FinishSession 通知服务端会话已结束，status 为 completed 或 failed。
func (u *Uploader) FinishSession(ctx context.Context, sessionID, status string) error {
	body, err := json.Marshal(map[string]string{"status": status})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/api/v1/emergency/sessions/%s/finish", u.cfg.ServerURL, url.PathEscape(sessionID))
	if _, err := u.post(ctx, endpoint, body); err != nil {
		return fmt.Errorf("finish session %s: %w", sessionID, err)
	}
	return nil
}
