package vectorstore

import (
	"context"
	"testing"
)

func TestMemoryStoreSearchOrdersByScoreDescending(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.EnsureCollection(ctx, "notes", 2); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, "notes", []Point{
		{ID: "a", Vector: []float64{1, 0}, FilePath: "a.md"},
		{ID: "b", Vector: []float64{0, 1}, FilePath: "b.md"},
		{ID: "c", Vector: []float64{0.9, 0.1}, FilePath: "c.md"},
	}); err != nil {
		t.Fatal(err)
	}

	matches, err := s.Search(ctx, "notes", []float64{1, 0}, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("len(matches) = %d, want 3", len(matches))
	}
	if matches[0].Point.FilePath != "a.md" {
		t.Fatalf("matches[0] = %+v, want exact match a.md first", matches[0])
	}
	if matches[1].Point.FilePath != "c.md" {
		t.Fatalf("matches[1] = %+v, want near match c.md second", matches[1])
	}
}

func TestMemoryStoreSearchTruncatesToTopN(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.EnsureCollection(ctx, "notes", 1)
	s.Upsert(ctx, "notes", []Point{
		{ID: "a", Vector: []float64{1}, FilePath: "a.md"},
		{ID: "b", Vector: []float64{1}, FilePath: "b.md"},
		{ID: "c", Vector: []float64{1}, FilePath: "c.md"},
	})

	matches, err := s.Search(ctx, "notes", []float64{1}, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("len(matches) = %d, want 2 (truncated to topN)", len(matches))
	}
}

func TestMemoryStoreSearchSkipsDimensionMismatch(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.EnsureCollection(ctx, "notes", 2)
	s.Upsert(ctx, "notes", []Point{{ID: "a", Vector: []float64{1, 0, 0}, FilePath: "a.md"}})

	matches, err := s.Search(ctx, "notes", []float64{1, 0}, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected dimension-mismatched points to be skipped, got %d matches", len(matches))
	}
}
