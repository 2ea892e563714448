// Package gguf implements the GGUF binary metadata extractor (C13): magic
// and endianness detection, then a generic key/value header parse. Ported
// from original_source/crates/objs/src/gguf/metadata.rs (GGUFMetadata,
// GGUFReader<T: ByteOrder>), substituting Rust's generic ByteOrder trait
// parameter with Go's stdlib encoding/binary.ByteOrder interface value, and
// substituting the Rust implementation's memmap2-mapped file with a
// buffered read into memory: no mmap library appears anywhere in the
// example corpus's dependency graph (gandalf and its siblings have no use
// for memory-mapped I/O), so this is the one part of the extractor built
// on the standard library alone rather than a third-party package -- see
// DESIGN.md.
package gguf

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"time"
	"unicode/utf8"

	bodhi "github.com/bodhiapp/bodhi/internal"
)

// Magic is the literal ASCII "GGUF" read as a little-endian uint32. The
// four magic bytes are a fixed byte sequence, not a numeric value, so they
// decode to the same uint32 regardless of the rest of the file's chosen
// endianness.
const Magic uint32 = 0x46554747

// knownVersions are the GGUF container versions this extractor understands.
var knownVersions = [...]uint32{1, 2, 3}

// GGUF value type tags, matching llama.cpp's gguf_type / the GGUFValueType
// discriminant read as a u32 immediately before each value.
const (
	typeUint8 uint32 = iota
	typeInt8
	typeUint16
	typeInt16
	typeUint32
	typeInt32
	typeFloat32
	typeBool
	typeString
	typeArray
	typeUint64
	typeInt64
	typeFloat64
)

// Metadata is the parsed result: the container version and the flattened
// key/value store. Values are native Go types: uint8/int8/.../float64,
// bool, string, or []any for GGUF arrays.
type Metadata struct {
	Magic   uint32
	Version uint32
	KV      map[string]any
}

// ParseFile reads and parses a GGUF file at path.
func ParseFile(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, bodhi.WrapError(bodhi.KindInternal, "gguf_error-io", "read gguf file", err)
	}
	return Parse(data)
}

// Parse parses an in-memory GGUF image.
func Parse(data []byte) (*Metadata, error) {
	if len(data) < 8 {
		return nil, bodhi.NewError(bodhi.KindInternal, "gguf_error-eof", "gguf file too short for header")
	}

	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != Magic {
		return nil, bodhi.NewError(bodhi.KindInternal, "gguf_error-invalid_magic", fmt.Sprintf("invalid gguf magic: %#x", magic))
	}

	versionLE := binary.LittleEndian.Uint32(data[4:8])
	if isKnownVersion(versionLE) {
		return parseWith(binary.LittleEndian, data, 4, magic)
	}
	if isKnownVersionByteSwapped(versionLE) {
		return parseWith(binary.BigEndian, data, 4, magic)
	}
	return nil, bodhi.NewError(bodhi.KindInternal, "gguf_error-malformed_version", fmt.Sprintf("unrecognized gguf version: %d", versionLE))
}

func isKnownVersion(v uint32) bool {
	for _, k := range knownVersions {
		if v == k {
			return true
		}
	}
	return false
}

// isKnownVersionByteSwapped reports whether v, if its bytes were swapped
// (i.e. read with the other endianness), would equal a known version.
// This mirrors the original's trick of pre-computing
// known_versions.map(|v| u32::from_le(v.to_be())) and testing membership.
func isKnownVersionByteSwapped(v uint32) bool {
	for _, k := range knownVersions {
		swapped := bits32Swap(k)
		if v == swapped {
			return true
		}
	}
	return false
}

func bits32Swap(v uint32) uint32 {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return binary.LittleEndian.Uint32(b[:])
}

type reader struct {
	order  binary.ByteOrder
	data   []byte
	cursor int
}

func parseWith(order binary.ByteOrder, data []byte, cursor int, magic uint32) (*Metadata, error) {
	r := &reader{order: order, data: data, cursor: cursor}
	version, err := r.readU32()
	if err != nil {
		return nil, err
	}
	if version < 2 || version > 3 {
		return nil, bodhi.NewError(bodhi.KindInternal, "gguf_error-unsupported_version", fmt.Sprintf("unsupported gguf version: %d", version))
	}

	if _, err := r.readU64(); err != nil { // num_tensors, skipped
		return nil, err
	}
	numKV, err := r.readU64()
	if err != nil {
		return nil, err
	}

	kv := make(map[string]any, numKV)
	for i := uint64(0); i < numKV; i++ {
		key, err := r.readString()
		if err != nil {
			return nil, err
		}
		value, err := r.readValue()
		if err != nil {
			return nil, err
		}
		kv[key] = value
	}

	return &Metadata{Magic: magic, Version: version, KV: kv}, nil
}

// ToModelMetadata extracts the fields alias resolution and the model
// registry care about (architecture, context length) out of the flat KV
// store, per the "general.architecture" / "<arch>.context_length"
// convention used throughout the GGUF ecosystem.
func (m *Metadata) ToModelMetadata(repo, filename, snapshot string, extractedAt time.Time) bodhi.ModelMetadata {
	arch, _ := m.KV["general.architecture"].(string)

	var contextLength *int64
	if arch != "" {
		if n, ok := asInt64(m.KV[arch+".context_length"]); ok {
			contextLength = &n
		}
	}

	return bodhi.ModelMetadata{
		Repo:          repo,
		Filename:      filename,
		Snapshot:      snapshot,
		Architecture:  arch,
		ContextLength: contextLength,
		KV:            m.KV,
		ExtractedAt:   extractedAt,
	}
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case uint8:
		return int64(n), true
	case int8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case int16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

func (r *reader) need(n int) error {
	if r.cursor+n > len(r.data) {
		return bodhi.NewError(bodhi.KindInternal, "gguf_error-eof", "unexpected end of gguf file")
	}
	return nil
}

func (r *reader) readU8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.data[r.cursor]
	r.cursor++
	return v, nil
}

func (r *reader) readI8() (int8, error) {
	v, err := r.readU8()
	return int8(v), err
}

func (r *reader) readU16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := r.order.Uint16(r.data[r.cursor : r.cursor+2])
	r.cursor += 2
	return v, nil
}

func (r *reader) readI16() (int16, error) {
	v, err := r.readU16()
	return int16(v), err
}

func (r *reader) readU32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := r.order.Uint32(r.data[r.cursor : r.cursor+4])
	r.cursor += 4
	return v, nil
}

func (r *reader) readI32() (int32, error) {
	v, err := r.readU32()
	return int32(v), err
}

func (r *reader) readU64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := r.order.Uint64(r.data[r.cursor : r.cursor+8])
	r.cursor += 8
	return v, nil
}

func (r *reader) readI64() (int64, error) {
	v, err := r.readU64()
	return int64(v), err
}

func (r *reader) readF32() (float32, error) {
	v, err := r.readU32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

func (r *reader) readF64() (float64, error) {
	v, err := r.readU64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

func (r *reader) readBool() (bool, error) {
	v, err := r.readU8()
	return v != 0, err
}

func (r *reader) readString() (string, error) {
	length, err := r.readU64()
	if err != nil {
		return "", err
	}
	n := int(length)
	if err := r.need(n); err != nil {
		return "", err
	}
	s := string(r.data[r.cursor : r.cursor+n])
	r.cursor += n
	if !utf8.ValidString(s) {
		return "", bodhi.NewError(bodhi.KindInternal, "gguf_error-invalid_utf8", "gguf string is not valid utf-8")
	}
	return s, nil
}

func (r *reader) readValue() (any, error) {
	typeID, err := r.readU32()
	if err != nil {
		return nil, err
	}
	return r.readScalarOrArray(typeID)
}

func (r *reader) readScalarOrArray(typeID uint32) (any, error) {
	switch typeID {
	case typeUint8:
		return r.readU8()
	case typeInt8:
		return r.readI8()
	case typeUint16:
		return r.readU16()
	case typeInt16:
		return r.readI16()
	case typeUint32:
		return r.readU32()
	case typeInt32:
		return r.readI32()
	case typeUint64:
		return r.readU64()
	case typeInt64:
		return r.readI64()
	case typeFloat32:
		return r.readF32()
	case typeFloat64:
		return r.readF64()
	case typeBool:
		return r.readBool()
	case typeString:
		return r.readString()
	case typeArray:
		return r.readArray()
	default:
		return nil, bodhi.NewError(bodhi.KindInternal, "gguf_error-invalid_value_type", fmt.Sprintf("invalid gguf value type: %d", typeID))
	}
}

func (r *reader) readArray() (any, error) {
	itemType, err := r.readU32()
	if err != nil {
		return nil, err
	}
	length, err := r.readU64()
	if err != nil {
		return nil, err
	}
	// Arrays of arrays are not part of the GGUF spec this extractor targets.
	if itemType == typeArray {
		return nil, bodhi.NewError(bodhi.KindInternal, "gguf_error-invalid_array_value_type", "nested gguf arrays are not supported")
	}
	values := make([]any, 0, length)
	for i := uint64(0); i < length; i++ {
		v, err := r.readScalarOrArray(itemType)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}
