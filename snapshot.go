package tempovec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"sort"
	"time"

	"github.com/liliang-cn/tempovec/internal/codec"
	"github.com/liliang-cn/tempovec/pkg/record"
)

// snapshotMagic identifies the binary blob format of spec.md §6.
const snapshotMagic = "TVS1"

var errCorruptSnapshot = errors.New("tempovec: corrupt snapshot")

// Snapshot writes a versioned binary blob of every record and relationship
// edge currently in the store (spec.md §6): restoring it reproduces a
// store whose records and relationship edges are equal as sets. The HNSW
// graph itself is not serialized node-for-node; Restore rebuilds it by
// re-inserting every record in the same order, which (per spec.md §9's
// epoch-reclamation-equivalent flexibility on the concurrency primitive)
// yields a graph with the same logical reachability even though exact
// layer assignments may differ from the original run.
func (s *Store) Snapshot(w io.Writer) error {
	var buf bytes.Buffer
	buf.WriteString(snapshotMagic)
	if err := binary.Write(&buf, binary.LittleEndian, int32(s.cfg.Dimensions)); err != nil {
		return wrapError("Snapshot", ErrStorageError)
	}
	if err := binary.Write(&buf, binary.LittleEndian, int8(s.cfg.Metric)); err != nil {
		return wrapError("Snapshot", ErrStorageError)
	}

	var records []record.Record
	s.mgr.RangeRecords(func(r record.Record) bool {
		records = append(records, r)
		return true
	})
	// Sort by creation time (a proxy for original insertion order) then id,
	// so Restore re-inserts in an order that reproduces context_scan's
	// insertion-ordered membership for the common case of one insert per
	// distinct timestamp.
	sort.Slice(records, func(i, j int) bool {
		if !records[i].Attrs.CreatedAt.Equal(records[j].Attrs.CreatedAt) {
			return records[i].Attrs.CreatedAt.Before(records[j].Attrs.CreatedAt)
		}
		return records[i].ID < records[j].ID
	})

	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(records))); err != nil {
		return wrapError("Snapshot", ErrStorageError)
	}
	for _, r := range records {
		if err := writeSnapshotRecord(&buf, r); err != nil {
			return wrapError("Snapshot", ErrStorageError)
		}
	}

	if _, err := w.Write(buf.Bytes()); err != nil {
		return wrapError("Snapshot", ErrStorageError)
	}
	return nil
}

func writeSnapshotRecord(buf *bytes.Buffer, r record.Record) error {
	if err := codec.EncodeString(buf, r.ID); err != nil {
		return err
	}
	if err := codec.EncodeVector(buf, r.Data); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.LittleEndian, r.Attrs.CreatedAt.UnixNano()); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.LittleEndian, r.Attrs.LastAccessed.UnixNano()); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.LittleEndian, r.Attrs.AccessCount); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.LittleEndian, r.Attrs.Importance); err != nil {
		return err
	}
	if err := codec.EncodeString(buf, r.Attrs.Context); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.LittleEndian, r.Attrs.DecayRate); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.LittleEndian, int8(r.Attrs.Layer)); err != nil {
		return err
	}
	rel := make([]string, 0, len(r.Attrs.Relationships))
	for id := range r.Attrs.Relationships {
		rel = append(rel, id)
	}
	if err := codec.EncodeStringSet(buf, rel); err != nil {
		return err
	}
	return codec.EncodeMetadata(buf, r.Attrs.Metadata)
}

// Restore reconstructs an equivalent store from a blob written by
// Snapshot, re-inserting every record (and re-establishing every
// relationship edge and context membership) in encoded order.
func Restore(r io.Reader, cfg Config) (*Store, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, wrapError("Restore", ErrStorageError)
	}
	br := bytes.NewReader(data)

	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(br, magic); err != nil || string(magic) != snapshotMagic {
		return nil, wrapError("Restore", errCorruptSnapshot)
	}
	var dim int32
	if err := binary.Read(br, binary.LittleEndian, &dim); err != nil {
		return nil, wrapError("Restore", errCorruptSnapshot)
	}
	var m int8
	if err := binary.Read(br, binary.LittleEndian, &m); err != nil {
		return nil, wrapError("Restore", errCorruptSnapshot)
	}

	cfg.Dimensions = int(dim)
	cfg.Metric = Metric(m)
	store, err := Open(cfg)
	if err != nil {
		return nil, err
	}

	var count uint32
	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		return nil, wrapError("Restore", errCorruptSnapshot)
	}

	now := time.Now()
	for i := uint32(0); i < count; i++ {
		id, data, attrs, err := readSnapshotRecord(br)
		if err != nil {
			return nil, wrapError("Restore", errCorruptSnapshot)
		}
		if err := store.Insert(id, data, attrs, now); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func readSnapshotRecord(r *bytes.Reader) (string, []float32, Attrs, error) {
	id, err := codec.DecodeString(r)
	if err != nil {
		return "", nil, Attrs{}, err
	}
	data, err := codec.DecodeVector(r)
	if err != nil {
		return "", nil, Attrs{}, err
	}
	var createdNano, accessedNano int64
	if err := binary.Read(r, binary.LittleEndian, &createdNano); err != nil {
		return "", nil, Attrs{}, err
	}
	if err := binary.Read(r, binary.LittleEndian, &accessedNano); err != nil {
		return "", nil, Attrs{}, err
	}
	var accessCount uint32
	if err := binary.Read(r, binary.LittleEndian, &accessCount); err != nil {
		return "", nil, Attrs{}, err
	}
	var importance float32
	if err := binary.Read(r, binary.LittleEndian, &importance); err != nil {
		return "", nil, Attrs{}, err
	}
	ctx, err := codec.DecodeString(r)
	if err != nil {
		return "", nil, Attrs{}, err
	}
	var decayRate float32
	if err := binary.Read(r, binary.LittleEndian, &decayRate); err != nil {
		return "", nil, Attrs{}, err
	}
	var layer int8
	if err := binary.Read(r, binary.LittleEndian, &layer); err != nil {
		return "", nil, Attrs{}, err
	}
	relIDs, err := codec.DecodeStringSet(r)
	if err != nil {
		return "", nil, Attrs{}, err
	}
	metadata, err := codec.DecodeMetadata(r)
	if err != nil {
		return "", nil, Attrs{}, err
	}

	rel := make(map[string]struct{}, len(relIDs))
	for _, rid := range relIDs {
		rel[rid] = struct{}{}
	}

	attrs := Attrs{
		CreatedAt:     time.Unix(0, createdNano).UTC(),
		LastAccessed:  time.Unix(0, accessedNano).UTC(),
		AccessCount:   accessCount,
		Importance:    importance,
		Context:       ctx,
		DecayRate:     decayRate,
		Layer:         Layer(layer),
		Relationships: rel,
		Metadata:      metadata,
	}
	return id, data, attrs, nil
}
