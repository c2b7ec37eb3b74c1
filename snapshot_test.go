package tempovec

import (
	"bytes"
	"math/rand"
	"sort"
	"testing"
	"time"
)

func randomVec(r *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = r.Float32()*2 - 1
	}
	return v
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	cfg := DefaultConfig(8, Cosine)
	s, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	r := rand.New(rand.NewSource(5))
	for i := 0; i < 200; i++ {
		v := randomVec(r, 8)
		id := string(rune('a' + i%26))
		id += string(rune('0' + i/26))
		s.Insert(id, v, Attrs{Importance: 0.5, CreatedAt: now.Add(time.Duration(i) * time.Millisecond), LastAccessed: now}, now)
	}
	for i := 0; i < 5; i++ {
		s.Delete(string(rune('a'+i)) + "0")
	}

	var buf bytes.Buffer
	if err := s.Snapshot(&buf); err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}

	restored, err := Restore(&buf, cfg)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	if restored.Stats().Records != s.Stats().Records {
		t.Errorf("expected matching record counts, got %d vs %d", restored.Stats().Records, s.Stats().Records)
	}

	for i := 0; i < 50; i++ {
		q := randomVec(r, 8)
		want, _ := s.Search(q, 5, Policy{}, now)
		got, _ := restored.Search(q, 5, Policy{}, now)
		wantIDs := idSet(want)
		gotIDs := idSet(got)
		if !equalSets(wantIDs, gotIDs) {
			t.Errorf("query %d: id sets differ: want %v got %v", i, wantIDs, gotIDs)
		}
	}
}

func idSet(hits []Hit) []string {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	sort.Strings(ids)
	return ids
}

func equalSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRestoreRejectsCorruptMagic(t *testing.T) {
	_, err := Restore(bytes.NewReader([]byte("not-a-snapshot-blob")), Config{})
	if err == nil {
		t.Error("expected error for corrupt snapshot")
	}
}
