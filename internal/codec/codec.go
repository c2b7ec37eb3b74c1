// Package codec implements the binary encodings used by the snapshot
// format (spec.md §6): length-prefixed little-endian vectors and a
// JSON metadata block, grounded on the teacher's internal/encoding
// helpers.
package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"sort"
)

// ErrInvalidVector is returned by ValidateVector for non-finite
// components, and by DecodeVector for a corrupt length prefix.
var ErrInvalidVector = errors.New("codec: invalid vector")

// ValidateVector rejects NaN/Inf components.
func ValidateVector(v []float32) error {
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return ErrInvalidVector
		}
	}
	return nil
}

// EncodeVector writes a length-prefixed (uint32, little-endian) sequence
// of float32 components.
func EncodeVector(buf *bytes.Buffer, v []float32) error {
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(v))); err != nil {
		return err
	}
	return binary.Write(buf, binary.LittleEndian, v)
}

// DecodeVector reads a vector previously written by EncodeVector.
func DecodeVector(r *bytes.Reader) ([]float32, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n > 1<<20 {
		return nil, ErrInvalidVector
	}
	v := make([]float32, n)
	if err := binary.Read(r, binary.LittleEndian, v); err != nil {
		return nil, err
	}
	return v, nil
}

// EncodeMetadata JSON-encodes a string map, length-prefixed.
func EncodeMetadata(buf *bytes.Buffer, m map[string]string) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err = buf.Write(b)
	return err
}

// DecodeMetadata reads a map previously written by EncodeMetadata.
func DecodeMetadata(r *bytes.Reader) (map[string]string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil {
		return nil, err
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// EncodeString writes a length-prefixed UTF-8 string.
func EncodeString(buf *bytes.Buffer, s string) error {
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := buf.WriteString(s)
	return err
}

// DecodeString reads a string previously written by EncodeString.
func DecodeString(r *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil {
		return "", err
	}
	return string(b), nil
}

// EncodeStringSet writes a length-prefixed set of strings in sorted order
// for deterministic encoding, used for relationship sets and HNSW
// neighbor sets (spec.md §6: "neighbor sets equal as sets, not
// necessarily same order").
func EncodeStringSet(buf *bytes.Buffer, ids []string) error {
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(ids))); err != nil {
		return err
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	for _, id := range sorted {
		if err := EncodeString(buf, id); err != nil {
			return err
		}
	}
	return nil
}

// DecodeStringSet reads a set previously written by EncodeStringSet.
func DecodeStringSet(r *bytes.Reader) ([]string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := range out {
		s, err := DecodeString(r)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}
