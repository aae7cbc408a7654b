package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"crimewatch-go/internal/model"

	"gorm.io/datatypes"
)

func TestMemoryEmergencyLogRepositoryCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryEmergencyLogRepository(nil)

	rec := &model.EmergencyLog{RecordingSessionID: "s1", UserID: 1, Status: model.StatusRecording, ChunkCount: 1, TotalSize: 10}
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.Create(ctx, &model.EmergencyLog{RecordingSessionID: "s1"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	loc := datatypes.JSON(`{"latitude":1,"longitude":2}`)
	indices := model.EncodeChunkIndices([]int{0, 1})
	if err := repo.UpdateAfterAppend(ctx, "s1", AppendUpdate{ExpectedCount: 1, TotalSize: 25, Location: loc, ChunkIndices: indices}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := repo.UpdateAfterAppend(ctx, "s1", AppendUpdate{ExpectedCount: 1, TotalSize: 40}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for stale count, got %v", err)
	}

	got, err := repo.FindBySessionID(ctx, "s1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ChunkCount != 2 || got.TotalSize != 25 || string(got.LocationData) != string(loc) {
		t.Fatalf("unexpected record %+v", got)
	}
	if !got.HasChunk(0) || !got.HasChunk(1) || got.HasChunk(2) {
		t.Fatalf("unexpected chunk indices %s", got.ChunkIndices)
	}

	changed, err := repo.UpdateStatus(ctx, "s1", model.StatusRecording, model.StatusCompleted, time.Now())
	if err != nil || !changed {
		t.Fatalf("update status: changed=%v err=%v", changed, err)
	}
	if err := repo.UpdateAfterAppend(ctx, "s1", AppendUpdate{ExpectedCount: 2, TotalSize: 50}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for finished session, got %v", err)
	}
}

func TestMemoryEmergencyLogRepositoryListAndStats(t *testing.T) {
	ctx := context.Background()
	users := NewMemoryUserRepository()
	alice := &model.User{Username: "alice", FullName: "Alice Liddell"}
	if err := users.Create(alice); err != nil {
		t.Fatalf("create user: %v", err)
	}
	repo := NewMemoryEmergencyLogRepository(users)
	base := time.Now().Add(-time.Hour)
	for i, status := range []string{model.StatusRecording, model.StatusCompleted, model.StatusFailed} {
		rec := &model.EmergencyLog{
			RecordingSessionID: []string{"a", "b", "c"}[i],
			UserID:             alice.ID,
			EmergencyType:      "panic_button",
			Status:             status,
			ChunkCount:         1,
			CreatedAt:          base.Add(time.Duration(i) * time.Minute),
			UpdatedAt:          base,
		}
		if err := repo.Create(ctx, rec); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	logs, total, err := repo.List(ctx, model.EmergencyLogFilter{Query: "liddell", Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(logs) != 2 || logs[0].RecordingSessionID != "c" {
		t.Fatalf("expected newest first with paging, got total=%d logs=%+v", total, logs)
	}

	stats, err := repo.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats != (model.EmergencyStats{Total: 3, Recording: 1, Completed: 1, Failed: 1}) {
		t.Fatalf("unexpected stats %+v", stats)
	}

	stale, err := repo.FindStale(ctx, time.Now().Add(-30*time.Minute), 10)
	if err != nil {
		t.Fatalf("find stale: %v", err)
	}
	if len(stale) != 1 || stale[0].RecordingSessionID != "a" {
		t.Fatalf("expected only the recording session to be stale, got %+v", stale)
	}
}
