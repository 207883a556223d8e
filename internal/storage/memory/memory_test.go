package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/goodtune/numcheck/internal/storage"
)

func TestCredentialStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	creds := New().Credentials()

	if _, err := creds.Load(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	first, err := creds.Save(ctx, []byte("one"))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	second, err := creds.Save(ctx, []byte("two"))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if second.Version != first.Version+1 {
		t.Errorf("Expected version to increase, got %d then %d", first.Version, second.Version)
	}

	loaded, err := creds.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(loaded.Data) != "two" {
		t.Errorf("Expected latest data, got %q", loaded.Data)
	}

	if err := creds.Delete(ctx); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := creds.Load(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound after delete, got %v", err)
	}
}

func TestQuotaStore_IncrementAndSnapshot(t *testing.T) {
	ctx := context.Background()
	quota := New().Quota()

	if rec, _ := quota.GetUsage(ctx, "ghost"); rec.Daily != 0 || rec.Monthly != 0 {
		t.Errorf("Expected zero usage for unknown identity, got %+v", rec)
	}

	for i := 0; i < 3; i++ {
		if _, err := quota.IncrementUsage(ctx, "alice"); err != nil {
			t.Fatalf("IncrementUsage failed: %v", err)
		}
	}

	snap, err := quota.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if got := snap.Users["alice"]; got.Daily != 3 || got.Monthly != 3 {
		t.Errorf("Unexpected usage: %+v", got)
	}
}
