package capture

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"crimewatch-go/internal/model"
)

func TestUploaderSendsChunk(t *testing.T) {
	var got model.ChunkUploadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/emergency/video-stream" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(model.ChunkUploadResponse{Status: "received", ChunkIndex: got.ChunkIndex, TotalSize: 5})
	}))
	defer srv.Close()

	u := NewUploader(UploaderConfig{ServerURL: srv.URL + "/", Token: "tok", UserID: "7"})
	loc := &model.Location{Latitude: 1, Longitude: 2}
	resp, err := u.Send(context.Background(), Chunk{SessionID: "s1", Index: 3, IsFirst: false, Payload: []byte("hello"), Location: loc})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Status != "received" || resp.ChunkIndex != 3 {
		t.Fatalf("unexpected response %+v", resp)
	}

	payload, err := base64.StdEncoding.DecodeString(got.VideoChunk)
	if err != nil || string(payload) != "hello" {
		t.Fatalf("chunk not base64 encoded correctly: %q (%v)", got.VideoChunk, err)
	}
	if got.RecordingSessionID != "s1" || got.ChunkSize != 5 || got.UserID != "7" || got.EmergencyType != "panic_button" {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.Location == nil || got.Location.Longitude != 2 {
		t.Fatalf("location not attached: %+v", got.Location)
	}
}

func TestUploaderServerErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Failed to store video chunk"}`))
	}))
	defer srv.Close()

	u := NewUploader(UploaderConfig{ServerURL: srv.URL, Retries: 3, Backoff: time.Millisecond})
	_, err := u.Send(context.Background(), Chunk{SessionID: "s1", Payload: []byte("x")})
	var ue *UploadError
	if !errors.As(err, &ue) || ue.Kind != ServerError || ue.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected ServerError 500, got %v", err)
	}
	if ue.Message != "Failed to store video chunk" {
		t.Fatalf("unexpected message %q", ue.Message)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("server errors must not be retried, got %d calls", calls)
	}
}

type flakyTransport struct {
	failures int32
	calls    int32
	next     http.RoundTripper
}

func (f *flakyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if atomic.AddInt32(&f.calls, 1) <= f.failures {
		return nil, errors.New("connection reset by peer")
	}
	return f.next.RoundTrip(r)
}

func TestUploaderRetriesNetworkErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"received"}`))
	}))
	defer srv.Close()

	transport := &flakyTransport{failures: 1, next: http.DefaultTransport}
	u := NewUploader(UploaderConfig{
		ServerURL:  srv.URL,
		Retries:    1,
		Backoff:    time.Millisecond,
		HTTPClient: &http.Client{Transport: transport},
	})
	if _, err := u.Send(context.Background(), Chunk{SessionID: "s1", Payload: []byte("x")}); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}

	transport.failures, transport.calls = 5, 0
	_, err := u.Send(context.Background(), Chunk{SessionID: "s1", Payload: []byte("x")})
	if !IsUploadKind(err, NetworkError) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	if atomic.LoadInt32(&transport.calls) != 2 {
		t.Fatalf("expected 1 retry, got %d calls", transport.calls)
	}
}

func TestUploaderRejectsEmptyChunk(t *testing.T) {
	u := NewUploader(UploaderConfig{ServerURL: "http://127.0.0.1:0"})
	if _, err := u.Send(context.Background(), Chunk{SessionID: "s1"}); !IsUploadKind(err, EncodingError) {
		t.Fatalf("expected EncodingError, got %v", err)
	}
}

func TestUploaderFinishSession(t *testing.T) {
	var path, status string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		status = body["status"]
		_, _ = w.Write([]byte(`{"code":200}`))
	}))
	defer srv.Close()

	u := NewUploader(UploaderConfig{ServerURL: srv.URL})
	if err := u.FinishSession(context.Background(), "7-1-abc", "completed"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if path != "/api/v1/emergency/sessions/7-1-abc/finish" || status != "completed" {
		t.Fatalf("unexpected finish request: %s %s", path, status)
	}
}
