package testutil

import (
	"context"
	"testing"

	"github.com/mescon/contentguardian/internal/db"
	"github.com/mescon/contentguardian/internal/domain"
)

// NewTestRepo opens a migrated in-memory repository that is closed when the test ends.
func NewTestRepo(t testing.TB) *db.Repository {
	t.Helper()
	repo, err := db.NewRepository(db.InMemory)
	if err != nil {
		t.Fatalf("Failed to create test repository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

// SeedDetected stores items and sets the index to their ids in order.
func SeedDetected(t testing.TB, repo *db.Repository, items ...*domain.DetectedItem) {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if err := repo.UpsertDetected(ctx, item); err != nil {
			t.Fatalf("Failed to seed detected item %s: %v", item.ID, err)
		}
		ids = append(ids, item.ID)
	}
	if err := repo.SetDetectedIndex(ctx, ids); err != nil {
		t.Fatalf("Failed to seed detected index: %v", err)
	}
}

// MustGetDetected fetches one item or fails the test.
func MustGetDetected(t testing.TB, repo *db.Repository, id string) *domain.DetectedItem {
	t.Helper()
	item, err := repo.GetDetected(context.Background(), id)
	if err != nil {
		t.Fatalf("GetDetected(%s): %v", id, err)
	}
	return item
}

// MustIndex returns the detected index or fails the test.
func MustIndex(t testing.TB, repo *db.Repository) []string {
	t.Helper()
	ids, err := repo.GetDetectedIndex(context.Background())
	if err != nil {
		t.Fatalf("GetDetectedIndex: %v", err)
	}
	return ids
}
