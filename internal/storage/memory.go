package storage

import "io"

// MemorySegment is an in-memory Segment. Sync is a no-op.
type MemorySegment struct {
	buf []byte
}

// NewMemorySegment returns an empty in-memory segment.
func NewMemorySegment() *MemorySegment {
	return &MemorySegment{}
}

// ReadAt implements Segment.
func (m *MemorySegment) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, io.EOF
	}
	if off >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements Segment, growing the buffer as needed.
func (m *MemorySegment) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[off:], p)
	return len(p), nil
}

// Len implements Segment.
func (m *MemorySegment) Len() (uint64, error) {
	return uint64(len(m.buf)), nil
}

// Sync implements Segment.
func (m *MemorySegment) Sync() error {
	return nil
}

// Truncate implements Segment.
func (m *MemorySegment) Truncate(size uint64) error {
	if size <= uint64(len(m.buf)) {
		m.buf = m.buf[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, m.buf)
	m.buf = grown
	return nil
}

// NewMemory returns a Storage over four in-memory segments.
func NewMemory() *Storage {
	return &Storage{
		Tree:     NewMemorySegment(),
		Data:     NewMemorySegment(),
		Bitfield: NewMemorySegment(),
		Oplog:    NewMemorySegment(),
	}
}
