//go:build integration
// +build integration

package db

import (
	"context"
	"testing"

	"github.com/kilnbuild/kiln/internal/testutil"
)

func TestIntegration_RecordUploadAndGetByKey(t *testing.T) {
	testDB := testutil.RequireDB(t)

	db := &DB{pool: testDB.Pool}
	store := NewStore(db)
	ctx := context.Background()

	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema() error: %v", err)
	}

	key := "a3f1c29e0000000000000000000000000000000000000000000000000000beef"
	sha := "deadbeefcafe"

	if err := store.RecordUpload(ctx, key, "build", 1234, &sha); err != nil {
		t.Fatalf("RecordUpload() error: %v", err)
	}

	got, err := store.GetByKey(ctx, key)
	if err != nil {
		t.Fatalf("GetByKey() error: %v", err)
	}
	if got == nil {
		t.Fatal("GetByKey() returned nil")
	}
	if got.TaskID != "build" {
		t.Errorf("TaskID = %s, want build", got.TaskID)
	}
	if got.SizeBytes != 1234 {
		t.Errorf("SizeBytes = %d, want 1234", got.SizeBytes)
	}
	if got.CommitSHA == nil || *got.CommitSHA != sha {
		t.Errorf("CommitSHA = %v, want %s", got.CommitSHA, sha)
	}
	if got.HitCount != 0 {
		t.Errorf("HitCount = %d, want 0", got.HitCount)
	}

	// Re-upload updates size but keeps the row
	if err := store.RecordUpload(ctx, key, "build", 5678, nil); err != nil {
		t.Fatalf("RecordUpload() re-upload error: %v", err)
	}

	got, err = store.GetByKey(ctx, key)
	if err != nil {
		t.Fatalf("GetByKey() after re-upload error: %v", err)
	}
	if got.SizeBytes != 5678 {
		t.Errorf("SizeBytes after re-upload = %d, want 5678", got.SizeBytes)
	}
}

func TestIntegration_TouchHitAndStats(t *testing.T) {
	testDB := testutil.RequireDB(t)

	db := &DB{pool: testDB.Pool}
	store := NewStore(db)
	ctx := context.Background()

	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema() error: %v", err)
	}

	key := "b4e2d38f0000000000000000000000000000000000000000000000000000f00d"
	if err := store.RecordUpload(ctx, key, "test", 100, nil); err != nil {
		t.Fatalf("RecordUpload() error: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := store.TouchHit(ctx, key); err != nil {
			t.Fatalf("TouchHit() error: %v", err)
		}
	}

	got, err := store.GetByKey(ctx, key)
	if err != nil {
		t.Fatalf("GetByKey() error: %v", err)
	}
	if got.HitCount != 3 {
		t.Errorf("HitCount = %d, want 3", got.HitCount)
	}

	stats, err := store.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats() error: %v", err)
	}
	if stats.Artifacts < 1 {
		t.Errorf("Artifacts = %d, want >= 1", stats.Artifacts)
	}
	if stats.TotalHits < 3 {
		t.Errorf("TotalHits = %d, want >= 3", stats.TotalHits)
	}
}

func TestIntegration_GetByKeyMissing(t *testing.T) {
	testDB := testutil.RequireDB(t)

	db := &DB{pool: testDB.Pool}
	store := NewStore(db)
	ctx := context.Background()

	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema() error: %v", err)
	}

	got, err := store.GetByKey(ctx, "0000000000000000000000000000000000000000000000000000000000000000")
	if err != nil {
		t.Fatalf("GetByKey() error: %v", err)
	}
	if got != nil {
		t.Errorf("GetByKey() = %+v, want nil for missing key", got)
	}
}
