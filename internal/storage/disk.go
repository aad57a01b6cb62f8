package storage

import (
	"errors"
	"io"
	"os"
	"path/filepath"
)

// FileSegment is a Segment over an os.File. WriteAt past the end grows the
// file with a zero-filled gap, matching the contract.
type FileSegment struct {
	f *os.File
}

// OpenFileSegment opens or creates the file at path as a segment.
func OpenFileSegment(path string) (*FileSegment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileSegment{f: f}, nil
}

// ReadAt implements Segment.
func (s *FileSegment) ReadAt(p []byte, off int64) (int, error) {
	n, err := s.f.ReadAt(p, off)
	if err != nil && errors.Is(err, io.EOF) {
		return n, io.EOF
	}
	return n, err
}

// WriteAt implements Segment.
func (s *FileSegment) WriteAt(p []byte, off int64) (int, error) {
	return s.f.WriteAt(p, off)
}

// Len implements Segment.
func (s *FileSegment) Len() (uint64, error) {
	fi, err := s.f.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(fi.Size()), nil
}

// Sync implements Segment.
func (s *FileSegment) Sync() error {
	return s.f.Sync()
}

// Truncate implements Segment.
func (s *FileSegment) Truncate(size uint64) error {
	return s.f.Truncate(int64(size))
}

// Close closes the underlying file.
func (s *FileSegment) Close() error {
	return s.f.Close()
}

// Open opens (creating if needed) a directory holding the four segment
// files tree, data, bitfield and oplog.
func Open(dir string) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wrap("mkdir", dir, err)
	}

	segs := make([]*FileSegment, 0, 4)
	open := func(name string) (*FileSegment, error) {
		seg, err := OpenFileSegment(filepath.Join(dir, name))
		if err != nil {
			for _, s := range segs {
				_ = s.Close()
			}
			return nil, wrap("open", name, err)
		}
		segs = append(segs, seg)
		return seg, nil
	}

	tree, err := open(NameTree)
	if err != nil {
		return nil, err
	}
	data, err := open(NameData)
	if err != nil {
		return nil, err
	}
	bitfield, err := open(NameBitfield)
	if err != nil {
		return nil, err
	}
	oplog, err := open(NameOplog)
	if err != nil {
		return nil, err
	}

	return &Storage{
		Tree:     tree,
		Data:     data,
		Bitfield: bitfield,
		Oplog:    oplog,
		closer: func() error {
			var first error
			for _, s := range segs {
				if err := s.Close(); err != nil && first == nil {
					first = err
				}
			}
			return first
		},
	}, nil
}
