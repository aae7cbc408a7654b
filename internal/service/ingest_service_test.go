package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"crimewatch-go/internal/config"
	"crimewatch-go/internal/model"
	"crimewatch-go/internal/repository"
	"crimewatch-go/pkg/storage"
	"crimewatch-go/pkg/tasks"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []tasks.EmergencyEvent
}

func (p *recordingPublisher) PublishEmergencyEvent(_ context.Context, e tasks.EmergencyEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []tasks.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]tasks.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// flakyStore 在 failPut 为 true 时让 Put 失败，其余操作委托给 MemoryStore。
type flakyStore struct {
	*storage.MemoryStore
	mu      sync.Mutex
	failPut bool
	failGet bool
}

func (s *flakyStore) setFailPut(v bool) {
	s.mu.Lock()
	s.failPut = v
	s.mu.Unlock()
}

func (s *flakyStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	s.mu.Lock()
	fail := s.failPut
	s.mu.Unlock()
	if fail {
		return errors.New("injected put failure")
	}
	return s.MemoryStore.Put(ctx, key, data, contentType)
}

func (s *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	fail := s.failGet
	s.mu.Unlock()
	if fail {
		return nil, errors.New("injected get failure")
	}
	return s.MemoryStore.Get(ctx, key)
}

// failingUpdateRepo 让元数据追加更新失败，beforeUpdate 可以在条件更新之前插入其他写入。
type failingUpdateRepo struct {
	repository.EmergencyLogRepository
	failUpdate   bool
	failCreate   bool
	beforeUpdate func()
}

func (r *failingUpdateRepo) UpdateAfterAppend(ctx context.Context, sessionID string, u repository.AppendUpdate) error {
	if r.failUpdate {
		return errors.New("injected metadata failure")
	}
	if hook := r.beforeUpdate; hook != nil {
		r.beforeUpdate = nil
		hook()
	}
	return r.EmergencyLogRepository.UpdateAfterAppend(ctx, sessionID, u)
}

func (r *failingUpdateRepo) Create(ctx context.Context, rec *model.EmergencyLog) error {
	if r.failCreate {
		return errors.New("injected create failure")
	}
	return r.EmergencyLogRepository.Create(ctx, rec)
}

// stealingLocker 从不让调用方等待：每次 Lock 都把锁交给新的调用方，之前的持有者随之失去它，
// 与 Redis 锁过期后被其他实例拿走的情形一致。
type stealingLocker struct {
	mu    sync.Mutex
	owner map[string]*stolenLease
}

type stolenLease struct {
	locker *stealingLocker
	key    string
}

func newStealingLocker() *stealingLocker {
	return &stealingLocker{owner: make(map[string]*stolenLease)}
}

func (l *stealingLocker) Lock(_ context.Context, sessionID string) (repository.Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lease := &stolenLease{locker: l, key: sessionID}
	l.owner[sessionID] = lease
	return lease, nil
}

func (s *stolenLease) Held(context.Context) bool {
	s.locker.mu.Lock()
	defer s.locker.mu.Unlock()
	return s.locker.owner[s.key] == s
}

func (s *stolenLease) Release() {}

// barrierStore 让 Get 等到 n 个调用方都读到旧内容之后才返回。
type barrierStore struct {
	*storage.MemoryStore
	arrived sync.WaitGroup
}

func (s *barrierStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.arrived.Done()
	s.arrived.Wait()
	return s.MemoryStore.Get(ctx, key)
}

type ingestFixture struct {
	svc   IngestService
	repo  *failingUpdateRepo
	store *flakyStore
	pub   *recordingPublisher
	owner *model.User
}

func newIngestFixture() *ingestFixture {
	f := &ingestFixture{
		repo:  &failingUpdateRepo{EmergencyLogRepository: repository.NewMemoryEmergencyLogRepository(nil)},
		store: &flakyStore{MemoryStore: storage.NewMemoryStore()},
		pub:   &recordingPublisher{},
		owner: &model.User{ID: 7, Username: "alice", Role: model.RoleUser},
	}
	cfg := config.EmergencyConfig{MaxChunkBytes: 1 << 20, MaxSessionBytes: 8 << 20}
	f.svc = NewIngestService(f.repo, f.store, repository.NewLocalSessionLocker(), f.pub, cfg)
	return f
}

func (f *ingestFixture) ingest(t *testing.T, sessionID string, index int, payload []byte) (*model.ChunkUploadResponse, error) {
	t.Helper()
	return f.svc.IngestChunk(context.Background(), ChunkIngest{
		Owner:        f.owner,
		SessionID:    sessionID,
		ChunkIndex:   index,
		IsFirstChunk: index == 0,
		Payload:      payload,
	})
}

func (f *ingestFixture) object(t *testing.T, sessionID string) ([]byte, *model.EmergencyLog) {
	t.Helper()
	rec, err := f.repo.FindBySessionID(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("find session: %v", err)
	}
	data, err := f.store.MemoryStore.Get(context.Background(), rec.VideoPath)
	if err != nil {
		t.Fatalf("get object: %v", err)
	}
	return data, rec
}

func TestIngestTwoChunksInOrder(t *testing.T) {
	f := newIngestFixture()
	chunk0 := bytes.Repeat([]byte{0xA0}, 512)
	chunk1 := bytes.Repeat([]byte{0xB1}, 256)

	resp, err := f.ingest(t, "7-1700000000000-aaaa", 0, chunk0)
	if err != nil {
		t.Fatalf("ingest chunk 0: %v", err)
	}
	if resp.Message != msgSessionStarted || resp.ChunkCount != 1 || resp.TotalSize != 512 {
		t.Fatalf("unexpected first response %+v", resp)
	}
	if resp.EmergencyID != "EMG-7-7-1700000000000-aaaa" || resp.Status != "received" {
		t.Fatalf("unexpected ids in response %+v", resp)
	}

	resp, err = f.ingest(t, "7-1700000000000-aaaa", 1, chunk1)
	if err != nil {
		t.Fatalf("ingest chunk 1: %v", err)
	}
	if resp.Message != msgChunkAppended || resp.ChunkCount != 2 || resp.TotalSize != 768 || resp.ChunkIndex != 1 {
		t.Fatalf("unexpected second response %+v", resp)
	}

	data, rec := f.object(t, "7-1700000000000-aaaa")
	if !bytes.Equal(data, append(append([]byte{}, chunk0...), chunk1...)) {
		t.Fatalf("object is not chunk0||chunk1, len=%d", len(data))
	}
	if rec.ChunkCount != 2 || rec.TotalSize != 768 || rec.EmergencyType != model.DefaultEmergencyType {
		t.Fatalf("unexpected record %+v", rec)
	}
	if f.store.ContentType(rec.VideoPath) != "video/webm" {
		t.Fatalf("unexpected content type %q", f.store.ContentType(rec.VideoPath))
	}
	got := f.pub.types()
	if len(got) != 2 || got[0] != tasks.EventSessionStarted || got[1] != tasks.EventChunkAppended {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestIngestMaterializesOnFirstSuccessfulChunk(t *testing.T) {
	f := newIngestFixture()
	f.store.setFailPut(true)
	if _, err := f.ingest(t, "s-lost-first", 0, []byte("chunk-0")); !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	if _, err := f.repo.FindBySessionID(context.Background(), "s-lost-first"); !errors.Is(err, repository.ErrRecordNotFound) {
		t.Fatalf("expected no record after failed first chunk, got %v", err)
	}
	if len(f.store.Keys()) != 0 {
		t.Fatalf("expected no object after failed first chunk, got %v", f.store.Keys())
	}

	f.store.setFailPut(false)
	resp, err := f.svc.IngestChunk(context.Background(), ChunkIngest{
		Owner: f.owner, SessionID: "s-lost-first", ChunkIndex: 1, IsFirstChunk: false, Payload: []byte("chunk-1"),
	})
	if err != nil {
		t.Fatalf("ingest chunk 1: %v", err)
	}
	if resp.ChunkCount != 1 || resp.Message != msgSessionStarted {
		t.Fatalf("expected materialization on chunk 1, got %+v", resp)
	}
	data, _ := f.object(t, "s-lost-first")
	if string(data) != "chunk-1" {
		t.Fatalf("expected object from chunk 1 alone, got %q", data)
	}
}

func TestIngestAppendFailureLeavesStateUntouched(t *testing.T) {
	f := newIngestFixture()
	if _, err := f.ingest(t, "s1", 0, []byte("AAAA")); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// 对象写入失败
	f.store.setFailPut(true)
	if _, err := f.ingest(t, "s1", 1, []byte("BBBB")); !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	f.store.setFailPut(false)
	data, rec := f.object(t, "s1")
	if string(data) != "AAAA" || rec.ChunkCount != 1 || rec.TotalSize != 4 {
		t.Fatalf("state changed after failed put: data=%q rec=%+v", data, rec)
	}

	// 对象读取失败
	f.store.failGet = true
	if _, err := f.ingest(t, "s1", 2, []byte("CCCC")); !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	f.store.failGet = false

	// 元数据写入失败，对象需要被恢复
	f.repo.failUpdate = true
	if _, err := f.ingest(t, "s1", 3, []byte("DDDD")); !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	f.repo.failUpdate = false
	data, rec = f.object(t, "s1")
	if string(data) != "AAAA" || rec.ChunkCount != 1 || rec.TotalSize != 4 {
		t.Fatalf("state changed after failed metadata update: data=%q rec=%+v", data, rec)
	}

	if _, err := f.ingest(t, "s1", 4, []byte("EEEE")); err != nil {
		t.Fatalf("ingest after failures: %v", err)
	}
	data, rec = f.object(t, "s1")
	if string(data) != "AAAAEEEE" || rec.ChunkCount != 2 || rec.TotalSize != 8 {
		t.Fatalf("unexpected state after recovery: data=%q rec=%+v", data, rec)
	}
}

func TestIngestCreateFailureRemovesObject(t *testing.T) {
	f := newIngestFixture()
	f.repo.failCreate = true
	if _, err := f.ingest(t, "s1", 0, []byte("AAAA")); !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	if len(f.store.Keys()) != 0 {
		t.Fatalf("expected orphan object to be removed, got %v", f.store.Keys())
	}
}

func TestIngestConcurrentChunksAreSerialized(t *testing.T) {
	f := newIngestFixture()
	const n = 32
	const size = 64

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := bytes.Repeat([]byte{byte(i)}, size)
			_, err := f.svc.IngestChunk(context.Background(), ChunkIngest{
				Owner: f.owner, SessionID: "s-concurrent", ChunkIndex: i, IsFirstChunk: i == 0, Payload: payload,
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}

	data, rec := f.object(t, "s-concurrent")
	if len(data) != n*size || rec.TotalSize != int64(n*size) || rec.ChunkCount != n {
		t.Fatalf("expected %d chunks of %d bytes, got len=%d rec=%+v", n, size, len(data), rec)
	}
	seen := make(map[byte]bool, n)
	for off := 0; off < len(data); off += size {
		block := data[off : off+size]
		if !bytes.Equal(block, bytes.Repeat([]byte{block[0]}, size)) {
			t.Fatalf("chunk bytes interleaved at offset %d", off)
		}
		if seen[block[0]] {
			t.Fatalf("chunk %d duplicated", block[0])
		}
		seen[block[0]] = true
	}
}

func TestIngestRepeatedChunkIndexIsAcknowledgedOnce(t *testing.T) {
	f := newIngestFixture()
	if _, err := f.ingest(t, "s1", 0, []byte("AAAA")); err != nil {
		t.Fatalf("ingest chunk 0: %v", err)
	}
	if _, err := f.ingest(t, "s1", 1, []byte("BB")); err != nil {
		t.Fatalf("ingest chunk 1: %v", err)
	}

	// 客户端没收到确认而重发
	for _, index := range []int{1, 0} {
		resp, err := f.ingest(t, "s1", index, []byte("BB"))
		if err != nil {
			t.Fatalf("resend chunk %d: %v", index, err)
		}
		if resp.Message != msgChunkRepeated || resp.ChunkCount != 2 || resp.TotalSize != 6 || resp.ChunkIndex != index {
			t.Fatalf("unexpected response to resent chunk %d: %+v", index, resp)
		}
	}
	data, rec := f.object(t, "s1")
	if string(data) != "AAAABB" || rec.ChunkCount != 2 || rec.TotalSize != 6 {
		t.Fatalf("resent chunks changed the session: data=%q rec=%+v", data, rec)
	}
	if got := f.pub.types(); len(got) != 2 {
		t.Fatalf("resent chunks must not publish events, got %v", got)
	}

	if _, err := f.ingest(t, "s1", 2, []byte("C")); err != nil {
		t.Fatalf("ingest chunk 2: %v", err)
	}
	if data, _ := f.object(t, "s1"); string(data) != "AAAABBC" {
		t.Fatalf("unexpected object after next chunk: %q", data)
	}

	// 结束后的重发仍然只是确认
	if _, err := f.repo.UpdateStatus(context.Background(), "s1", model.StatusRecording, model.StatusCompleted, time.Now()); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if resp, err := f.ingest(t, "s1", 2, []byte("C")); err != nil || resp.Message != msgChunkRepeated {
		t.Fatalf("resend after finish: resp=%+v err=%v", resp, err)
	}
}

func TestIngestSkipsWriteAfterLosingSessionLock(t *testing.T) {
	store := &barrierStore{MemoryStore: storage.NewMemoryStore()}
	repo := repository.NewMemoryEmergencyLogRepository(nil)
	owner := &model.User{ID: 7}
	svc := NewIngestService(repo, store, newStealingLocker(), nil, config.EmergencyConfig{})
	ctx := context.Background()
	if _, err := svc.IngestChunk(ctx, ChunkIngest{Owner: owner, SessionID: "s1", ChunkIndex: 0, Payload: []byte("AAAA")}); err != nil {
		t.Fatalf("ingest chunk 0: %v", err)
	}

	payloads := map[int][]byte{1: []byte("BB"), 2: []byte("CCC")}
	store.arrived.Add(len(payloads))
	errs := make(map[int]error, len(payloads))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for index, payload := range payloads {
		wg.Add(1)
		go func(index int, payload []byte) {
			defer wg.Done()
			_, err := svc.IngestChunk(ctx, ChunkIngest{Owner: owner, SessionID: "s1", ChunkIndex: index, Payload: payload})
			mu.Lock()
			errs[index] = err
			mu.Unlock()
		}(index, payload)
	}
	wg.Wait()

	winner := -1
	for index, err := range errs {
		switch {
		case err == nil:
			winner = index
		case !errors.Is(err, ErrSessionBusy):
			t.Fatalf("chunk %d: expected ErrSessionBusy, got %v", index, err)
		}
	}
	if winner == -1 {
		t.Fatalf("expected exactly one append to succeed, got %v", errs)
	}

	rec, err := repo.FindBySessionID(ctx, "s1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	data, err := store.MemoryStore.Get(ctx, rec.VideoPath)
	if err != nil {
		t.Fatalf("get object: %v", err)
	}
	want := "AAAA" + string(payloads[winner])
	if string(data) != want || rec.ChunkCount != 2 || rec.TotalSize != int64(len(data)) {
		t.Fatalf("expected %q with matching metadata, got data=%q rec=%+v", want, data, rec)
	}
}

func TestIngestConflictDoesNotRestoreOverCommittedAppend(t *testing.T) {
	f := newIngestFixture()
	if _, err := f.ingest(t, "s1", 0, []byte("AAAA")); err != nil {
		t.Fatalf("ingest chunk 0: %v", err)
	}
	rec, _ := f.repo.FindBySessionID(context.Background(), "s1")

	// 另一个写入者在本次条件更新之前提交了自己的分片
	f.repo.beforeUpdate = func() {
		ctx := context.Background()
		if err := f.store.MemoryStore.Put(ctx, rec.VideoPath, []byte("AAAAZZ"), "video/webm"); err != nil {
			t.Errorf("competing put: %v", err)
		}
		update := repository.AppendUpdate{ExpectedCount: 1, TotalSize: 6, ChunkIndices: rec.ChunkIndicesWith(9)}
		if err := f.repo.EmergencyLogRepository.UpdateAfterAppend(ctx, "s1", update); err != nil {
			t.Errorf("competing update: %v", err)
		}
	}
	if _, err := f.ingest(t, "s1", 1, []byte("BB")); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("expected ErrSessionBusy on conflict, got %v", err)
	}

	data, rec := f.object(t, "s1")
	if string(data) != "AAAAZZ" || rec.ChunkCount != 2 || rec.TotalSize != 6 {
		t.Fatalf("committed append was overwritten: data=%q rec=%+v", data, rec)
	}
}

func TestIngestValidation(t *testing.T) {
	f := newIngestFixture()
	cases := []struct {
		name string
		in   ChunkIngest
		want error
	}{
		{"no owner", ChunkIngest{SessionID: "s1", Payload: []byte("x")}, ErrUnauthorized},
		{"claimed user mismatch", ChunkIngest{Owner: f.owner, ClaimedUserID: "8", SessionID: "s1", Payload: []byte("x")}, ErrUnauthorized},
		{"empty payload", ChunkIngest{Owner: f.owner, SessionID: "s1"}, ErrBadRequest},
		{"missing session", ChunkIngest{Owner: f.owner, Payload: []byte("x")}, ErrBadRequest},
		{"negative index", ChunkIngest{Owner: f.owner, SessionID: "s1", ChunkIndex: -1, Payload: []byte("x")}, ErrBadRequest},
		{"unsafe session id", ChunkIngest{Owner: f.owner, SessionID: "../etc/passwd", Payload: []byte("x")}, ErrBadRequest},
		{"chunk too large", ChunkIngest{Owner: f.owner, SessionID: "s1", Payload: make([]byte, 2<<20)}, ErrPayloadTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.IngestChunk(context.Background(), tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if len(f.store.Keys()) != 0 {
		t.Fatalf("validation failures must not write objects")
	}
}

func TestIngestRejectsForeignAndFinishedSessions(t *testing.T) {
	f := newIngestFixture()
	if _, err := f.ingest(t, "s1", 0, []byte("AAAA")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	other := &model.User{ID: 99, Username: "mallory"}
	_, err := f.svc.IngestChunk(context.Background(), ChunkIngest{Owner: other, SessionID: "s1", Payload: []byte("BBBB")})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	if _, err := f.repo.UpdateStatus(context.Background(), "s1", model.StatusRecording, model.StatusCompleted, time.Now()); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if _, err := f.ingest(t, "s1", 1, []byte("CCCC")); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	data, _ := f.object(t, "s1")
	if string(data) != "AAAA" {
		t.Fatalf("rejected chunks must not touch the object, got %q", data)
	}
}

func TestIngestKeepsLastKnownLocation(t *testing.T) {
	f := newIngestFixture()
	loc := &model.Location{Latitude: 31.2, Longitude: 121.5, Accuracy: 12, Timestamp: 1700000000000}
	_, err := f.svc.IngestChunk(context.Background(), ChunkIngest{Owner: f.owner, SessionID: "s1", Payload: []byte("A"), Location: loc, EmergencyType: "panic_button"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := f.ingest(t, "s1", 1, []byte("B")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	_, rec := f.object(t, "s1")
	got := rec.Location()
	if got == nil || *got != *loc {
		t.Fatalf("expected location to survive a chunk without one, got %+v", got)
	}
	if rec.EmergencyType != "panic_button" {
		t.Fatalf("unexpected emergency type %q", rec.EmergencyType)
	}
}

func TestStorageKeyFormat(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 30, 5, 123_000_000, time.UTC)
	want := fmt.Sprintf("emergency-%d-%s-%s.webm", 7, "s1", "2024-03-01T10-30-05-123Z")
	if got := StorageKey(7, "s1", at); got != want {
		t.Fatalf("StorageKey = %q, want %q", got, want)
	}
}
