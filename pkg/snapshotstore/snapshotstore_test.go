package snapshotstore

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLatest(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(ctx, filepath.Join(dir, "snaps.db"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer s.Close()

	now := time.Now()
	if err := s.Save(ctx, "main", now, []byte("blob-1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, "main", now.Add(time.Second), []byte("blob-2")); err != nil {
		t.Fatal(err)
	}

	r, err := s.Latest(ctx, "main")
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "blob-2" {
		t.Errorf("expected latest blob 'blob-2', got %q", got)
	}
}

func TestLatestOnEmptyNameErrors(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(ctx, filepath.Join(dir, "snaps.db"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer s.Close()

	if _, err := s.Latest(ctx, "missing"); err == nil {
		t.Error("expected error for a name with no saves")
	}
}

func TestPruneKeepsOnlyMostRecent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(ctx, filepath.Join(dir, "snaps.db"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer s.Close()

	now := time.Now()
	for i := 0; i < 5; i++ {
		s.Save(ctx, "main", now.Add(time.Duration(i)*time.Second), []byte{byte(i)})
	}
	if err := s.Prune(ctx, "main", 1); err != nil {
		t.Fatal(err)
	}
	r, err := s.Latest(ctx, "main")
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(r)
	if len(got) != 1 || got[0] != byte(4) {
		t.Errorf("expected only the last save to remain, got %v", got)
	}
}
