package record

import (
	"sync"
	"testing"
	"time"
)

func TestPutGetRoundTrip(t *testing.T) {
	s := New(1e-3)
	now := time.Now()
	err := s.Put("a", []float32{1, 0, 0}, Attrs{CreatedAt: now, LastAccessed: now, Importance: 0.5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec, err := s.Get("a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Attrs.Importance != 0.5 {
		t.Errorf("expected importance 0.5, got %v", rec.Attrs.Importance)
	}
}

func TestPutDuplicateFails(t *testing.T) {
	s := New(1e-3)
	now := time.Now()
	attrs := Attrs{CreatedAt: now, LastAccessed: now}
	if err := s.Put("a", []float32{1, 0}, attrs); err != nil {
		t.Fatal(err)
	}
	if err := s.Put("a", []float32{0, 1}, attrs); err != ErrAlreadyExists {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
	rec, _ := s.Get("a")
	if rec.Data[0] != 1 {
		t.Errorf("expected original record to remain unchanged")
	}
}

func TestGetNotFound(t *testing.T) {
	s := New(1e-3)
	if _, err := s.Get("missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTouchIncrementsAccessCount(t *testing.T) {
	s := New(1e-3)
	now := time.Now()
	s.Put("a", []float32{1}, Attrs{CreatedAt: now, LastAccessed: now})
	s.Touch("a", now.Add(time.Second))
	s.Touch("a", now.Add(2*time.Second))
	rec, _ := s.Get("a")
	if rec.Attrs.AccessCount != 2 {
		t.Errorf("expected access count 2, got %d", rec.Attrs.AccessCount)
	}
}

func TestUpdateImportanceClamps(t *testing.T) {
	s := New(1e-3)
	now := time.Now()
	s.Put("a", []float32{1}, Attrs{CreatedAt: now, LastAccessed: now})
	s.UpdateImportance("a", 5)
	rec, _ := s.Get("a")
	if rec.Attrs.Importance != 1 {
		t.Errorf("expected clamp to 1, got %v", rec.Attrs.Importance)
	}
	s.UpdateImportance("a", -5)
	rec, _ = s.Get("a")
	if rec.Attrs.Importance != 0 {
		t.Errorf("expected clamp to 0, got %v", rec.Attrs.Importance)
	}
}

func TestDecayStepMonotoneAndEviction(t *testing.T) {
	s := New(1e-3)
	now := time.Now()
	s.Put("a", []float32{1}, Attrs{CreatedAt: now, LastAccessed: now, Importance: 1e-4, DecayRate: 0})
	evicted := s.DecayStep(now.Add(time.Hour))
	found := false
	for _, id := range evicted {
		if id == "a" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected 'a' to be reported as evictable, got %v", evicted)
	}
	// DecayStep must not itself remove the record.
	if !s.Exists("a") {
		t.Error("expected DecayStep to leave the record in place")
	}
}

func TestDeleteRemovesRecord(t *testing.T) {
	s := New(1e-3)
	now := time.Now()
	s.Put("a", []float32{1}, Attrs{CreatedAt: now, LastAccessed: now})
	if err := s.Delete("a"); err != nil {
		t.Fatal(err)
	}
	if s.Exists("a") {
		t.Error("expected record to be gone after delete")
	}
	if err := s.Delete("a"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestConcurrentPutsUniqueIDSucceedExactlyOnce(t *testing.T) {
	s := New(1e-3)
	now := time.Now()
	var wg sync.WaitGroup
	successes := make([]bool, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.Put("dup", []float32{1}, Attrs{CreatedAt: now, LastAccessed: now})
			successes[i] = err == nil
		}(i)
	}
	wg.Wait()
	count := 0
	for _, ok := range successes {
		if ok {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one successful insert under concurrency, got %d", count)
	}
}

func TestAttrsCloneIsDeep(t *testing.T) {
	s := New(1e-3)
	now := time.Now()
	s.Put("a", []float32{1}, Attrs{
		CreatedAt: now, LastAccessed: now,
		Relationships: map[string]struct{}{"b": {}},
		Metadata:      map[string]string{"k": "v"},
	})
	rec, _ := s.Get("a")
	rec.Attrs.Relationships["c"] = struct{}{}
	rec2, _ := s.Get("a")
	if _, ok := rec2.Attrs.Relationships["c"]; ok {
		t.Error("expected mutation of a returned snapshot to not affect the store")
	}
}
