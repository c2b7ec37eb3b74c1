// Package record implements the in-memory record store (spec.md §4.3): the
// owner of every Vector/MemoryAttributes pair, with sharded per-id locking
// and copy-on-write attribute snapshots so reads never block on the
// immutable vector bytes.
package record

import (
	"errors"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"
)

// Sentinel errors returned by Store operations. The root tempovec package
// maps these onto its public error taxonomy.
var (
	ErrAlreadyExists = errors.New("record: already exists")
	ErrNotFound      = errors.New("record: not found")
	ErrInvalidRecord = errors.New("record: invalid record")
)

// Layer classifies a memory in the priority hierarchy the sqvect lineage's
// memory package used (mental model / observation / world fact /
// experience). It is stored with the record and carried through Snapshot
// and Restore; no search path reads it, so it does not affect ranking or
// tie-breaking, nor any invariant of spec.md §3/§8.
type Layer int8

const (
	LayerWorldFact Layer = iota
	LayerObservation
	LayerMentalModel
	LayerExperience
)

// Attrs is MemoryAttributes (spec.md §3). CreatedAt and LastAccessed are
// UTC. Relationships holds the ids linked to this record via the
// relationship index (pkg/relation) at insert time or later; the record
// store keeps its own copy so Snapshot can reproduce it without consulting
// pkg/relation. Deleting a peer does not remove its id from this set.
type Attrs struct {
	CreatedAt      time.Time
	LastAccessed   time.Time
	AccessCount    uint32
	Importance     float32
	Context        string
	DecayRate      float32
	Relationships  map[string]struct{}
	Metadata       map[string]string
	Layer          Layer
	decayCheckpoint time.Time
}

// Clone returns a deep copy of a, safe to hand to callers outside the lock.
func (a *Attrs) Clone() *Attrs {
	out := *a
	if a.Relationships != nil {
		out.Relationships = make(map[string]struct{}, len(a.Relationships))
		for k := range a.Relationships {
			out.Relationships[k] = struct{}{}
		}
	}
	if a.Metadata != nil {
		out.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Record is the (Vector, MemoryAttributes) pair (spec.md §3). Data is
// immutable once inserted; Attrs is a snapshot taken under the record's
// shard lock at the moment of the call.
type Record struct {
	ID   string
	Data []float32
	Attrs Attrs
}

// entry is the store's internal representation: the vector is written
// once at insert and never mutated, so reads of Data never need to lock;
// attrs is replaced wholesale (copy-on-write) under the shard lock.
type entry struct {
	data  []float32
	attrs *Attrs
}

const shardCount = 64

type shard struct {
	mu      sync.RWMutex
	records map[string]*entry
}

// Store owns every record in a tempovec instance.
type Store struct {
	shards        [shardCount]*shard
	evictionFloor float32
}

// New creates an empty Store. evictionFloor is the importance threshold
// below which decay_step reports a record as evictable (spec.md §4.3).
func New(evictionFloor float32) *Store {
	s := &Store{evictionFloor: evictionFloor}
	for i := range s.shards {
		s.shards[i] = &shard{records: make(map[string]*entry)}
	}
	return s
}

func (s *Store) shardFor(id string) *shard {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return s.shards[h.Sum64()%shardCount]
}

// Put inserts a new record. Fails ErrAlreadyExists if id is already
// present.
func (s *Store) Put(id string, data []float32, attrs Attrs) error {
	if id == "" {
		return ErrInvalidRecord
	}
	if attrs.decayCheckpoint.IsZero() {
		attrs.decayCheckpoint = attrs.LastAccessed
	}
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.records[id]; exists {
		return ErrAlreadyExists
	}
	a := attrs.Clone()
	sh.records[id] = &entry{data: data, attrs: a}
	return nil
}

// Get returns a consistent snapshot of the record for id.
func (s *Store) Get(id string) (Record, error) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return Record{ID: id, Data: e.data, Attrs: *e.attrs.Clone()}, nil
}

// Exists reports whether id is present, without copying attributes.
func (s *Store) Exists(id string) bool {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	_, ok := sh.records[id]
	return ok
}

// Touch sets last_accessed=now and increments access_count for id. It is
// a no-op (not an error) if id is absent, since a concurrent delete may
// race with a search's post-return touch (spec.md §5).
func (s *Store) Touch(id string, now time.Time) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.records[id]
	if !ok {
		return
	}
	next := e.attrs.Clone()
	next.LastAccessed = now
	next.AccessCount++
	e.attrs = next
}

// TouchMany applies Touch for every id, grouping by shard so each shard's
// lock is acquired once instead of once per id. This is the batched-flush
// path spec.md §5 describes ("flushed... on search return"): callers
// accumulate touched ids across a search and flush them in one call.
func (s *Store) TouchMany(ids []string, now time.Time) {
	byShard := make(map[*shard][]string, shardCount)
	for _, id := range ids {
		sh := s.shardFor(id)
		byShard[sh] = append(byShard[sh], id)
	}
	for sh, shardIDs := range byShard {
		sh.mu.Lock()
		for _, id := range shardIDs {
			e, ok := sh.records[id]
			if !ok {
				continue
			}
			next := e.attrs.Clone()
			next.LastAccessed = now
			next.AccessCount++
			e.attrs = next
		}
		sh.mu.Unlock()
	}
}

// UpdateImportance clamps newValue to [0,1] and stores it.
func (s *Store) UpdateImportance(id string, newValue float32) error {
	if newValue < 0 {
		newValue = 0
	}
	if newValue > 1 {
		newValue = 1
	}
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.records[id]
	if !ok {
		return ErrNotFound
	}
	next := e.attrs.Clone()
	next.Importance = newValue
	e.attrs = next
	return nil
}

// Delete removes id, returning ErrNotFound if absent.
func (s *Store) Delete(id string) error {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.records[id]; !ok {
		return ErrNotFound
	}
	delete(sh.records, id)
	return nil
}

// DecayStep multiplies every record's importance by exp(-decay_rate*dt),
// dt being the time since that record's last decay checkpoint, and
// advances the checkpoint to now. It returns the ids whose resulting
// importance fell below the store's eviction floor; it does NOT remove
// them (spec.md §4.3 — eviction is the caller's, i.e. the memory
// manager's, responsibility).
func (s *Store) DecayStep(now time.Time) []string {
	var evictable []string
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, e := range sh.records {
			dt := now.Sub(e.attrs.decayCheckpoint).Seconds()
			if dt < 0 {
				dt = 0
			}
			next := e.attrs.Clone()
			next.Importance *= float32(math.Exp(-float64(e.attrs.DecayRate) * dt))
			next.decayCheckpoint = now
			e.attrs = next
			if next.Importance < s.evictionFloor {
				evictable = append(evictable, id)
			}
		}
		sh.mu.Unlock()
	}
	sort.Strings(evictable)
	return evictable
}

// Len returns the number of records currently stored.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.records)
		sh.mu.RUnlock()
	}
	return n
}

// Range calls fn for every record in an unspecified order, stopping early
// if fn returns false. fn must not call back into the Store.
func (s *Store) Range(fn func(Record) bool) {
	for _, sh := range s.shards {
		sh.mu.RLock()
		for id, e := range sh.records {
			if !fn(Record{ID: id, Data: e.data, Attrs: *e.attrs.Clone()}) {
				sh.mu.RUnlock()
				return
			}
		}
		sh.mu.RUnlock()
	}
}

// AddRelationship records b as a related id of a in a's attribute set,
// keeping the record store's view in sync with pkg/relation (spec.md §3:
// "A record's relationships attribute and the rel map are kept
// consistent").
func (s *Store) AddRelationship(a, b string) error {
	sh := s.shardFor(a)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.records[a]
	if !ok {
		return ErrNotFound
	}
	next := e.attrs.Clone()
	if next.Relationships == nil {
		next.Relationships = make(map[string]struct{}, 1)
	}
	next.Relationships[b] = struct{}{}
	e.attrs = next
	return nil
}
