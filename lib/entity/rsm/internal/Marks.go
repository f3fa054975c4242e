package internal

import (
	"encoding/binary"
	"fmt"
)

// Mark is the high-water mark of one key that its chain does not carry
type Mark struct {
	CacheID string
	Key     uint64
	HighSeq uint64
}

const markFixedSize = 4 + 8 + 8 // NameLen + Key + HighSeq

// EncodeMarks serializes marks with the format:
// 4 bytes for the number of marks,
// per mark: 4 bytes name length, N bytes cache id, 8 bytes key, 8 bytes high-water mark
// (all big endian)
func EncodeMarks(marks []Mark) []byte {
	size := 4
	for _, m := range marks {
		size += markFixedSize + len(m.CacheID)
	}

	out := make([]byte, size)
	binary.BigEndian.PutUint32(out[:4], uint32(len(marks)))
	off := 4
	for _, m := range marks {
		binary.BigEndian.PutUint32(out[off:], uint32(len(m.CacheID)))
		off += 4
		off += copy(out[off:], m.CacheID)
		binary.BigEndian.PutUint64(out[off:], m.Key)
		binary.BigEndian.PutUint64(out[off+8:], m.HighSeq)
		off += 16
	}
	return out
}

// DecodeMarks decodes a body produced by EncodeMarks
func DecodeMarks(data []byte) ([]Mark, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("data too short for mark count")
	}
	n := binary.BigEndian.Uint32(data[:4])
	if uint64(n)*markFixedSize > uint64(len(data)-4) {
		return nil, fmt.Errorf("data too short for %d marks", n)
	}

	marks := make([]Mark, 0, n)
	off := uint64(4)
	for i := uint32(0); i < n; i++ {
		if uint64(len(data)) < off+markFixedSize {
			return nil, fmt.Errorf("data too short for mark %d", i)
		}
		nameLen := uint64(binary.BigEndian.Uint32(data[off:]))
		off += 4
		if uint64(len(data)) < off+nameLen+16 {
			return nil, fmt.Errorf("data too short for mark %d", i)
		}
		m := Mark{CacheID: string(data[off : off+nameLen])}
		off += nameLen
		m.Key = binary.BigEndian.Uint64(data[off:])
		m.HighSeq = binary.BigEndian.Uint64(data[off+8:])
		off += 16
		marks = append(marks, m)
	}
	if off != uint64(len(data)) {
		return nil, fmt.Errorf("%d trailing bytes after marks", uint64(len(data))-off)
	}
	return marks, nil
}
