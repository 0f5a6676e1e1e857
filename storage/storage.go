package storage

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/RoaringBitmap/roaring"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"tide/file"
)

// how many file handles stay open at once
const handleCacheSize = 64

// after this many consecutive write failures on one piece the session
// gives up
const maxPieceFailures = 3

// ErrPersistent marks an I/O failure that should abort the session.
var ErrPersistent = errors.New("persistent storage failure")

// Segment is one contiguous run of a piece range within a single file.
type Segment struct {
	FileIndex int
	Offset    int64
	Length    int
}

// Storage maps piece I/O onto the torrent's file tree. All operations
// are serialized internally; callers hand piece buffers over and never
// see file handles.
type Storage struct {
	tf    *file.TorrentFile
	paths []string
	// cumulative start offset of each file within the torrent
	starts []int64

	mu       sync.Mutex
	handles  *lru.Cache
	failures map[int]int

	log *logrus.Logger
}

// New lays out the file tree below destDir. Nothing is created until
// Preallocate.
func New(tf *file.TorrentFile, destDir string, log *logrus.Logger) (*Storage, error) {
	s := &Storage{
		tf:       tf,
		failures: make(map[int]int),
		log:      log,
	}

	var off int64
	for _, fi := range tf.Files {
		parts := append([]string{destDir, tf.Name}, fi.Path...)
		s.paths = append(s.paths, filepath.Join(parts...))
		s.starts = append(s.starts, off)
		off += int64(fi.Length)
	}

	cache, err := lru.NewWithEvict(handleCacheSize, func(_, value interface{}) {
		value.(*os.File).Close()
	})
	if err != nil {
		return nil, err
	}
	s.handles = cache
	return s, nil
}

// Preallocate creates the directory tree and every file at its
// declared length. Safe to run again over an existing tree.
func (s *Storage) Preallocate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, path := range s.paths {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		f, err := s.handle(i)
		if err != nil {
			return err
		}
		st, err := f.Stat()
		if err != nil {
			return err
		}
		want := int64(s.tf.Files[i].Length)
		if st.Size() != want {
			if err := f.Truncate(want); err != nil {
				return err
			}
		}
	}
	return nil
}

// Segments splits the byte range [offset, offset+length) of piece
// index into per-file runs.
func (s *Storage) Segments(index, offset, length int) []Segment {
	global := int64(index)*int64(s.tf.PieceLength) + int64(offset)
	remaining := int64(length)

	var segs []Segment
	for i := range s.paths {
		if remaining == 0 {
			break
		}
		fileLen := int64(s.tf.Files[i].Length)
		if global >= s.starts[i]+fileLen {
			continue
		}
		inFile := global - s.starts[i]
		run := fileLen - inFile
		if run > remaining {
			run = remaining
		}
		segs = append(segs, Segment{FileIndex: i, Offset: inFile, Length: int(run)})
		global += run
		remaining -= run
	}
	return segs
}

// WritePiece lands a verified piece buffer across its spanning files.
// Either every byte is written or an error comes back and the piece
// must be fetched again. Three consecutive failures on the same piece
// escalate to ErrPersistent.
func (s *Storage) WritePiece(index int, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.writePiece(index, buf)
	if err != nil {
		s.failures[index]++
		if s.failures[index] >= maxPieceFailures {
			return fmt.Errorf("piece %d failed %d times: %v: %w", index, s.failures[index], err, ErrPersistent)
		}
		return err
	}
	delete(s.failures, index)
	return nil
}

func (s *Storage) writePiece(index int, buf []byte) error {
	if len(buf) != s.tf.PieceSize(index) {
		return fmt.Errorf("piece %d buffer has %d bytes, want %d", index, len(buf), s.tf.PieceSize(index))
	}

	written := 0
	for _, seg := range s.Segments(index, 0, len(buf)) {
		f, err := s.handle(seg.FileIndex)
		if err != nil {
			return err
		}
		if _, err := f.WriteAt(buf[written:written+seg.Length], seg.Offset); err != nil {
			return err
		}
		written += seg.Length
	}
	return nil
}

// ReadPiece reads a whole piece back from disk.
func (s *Storage) ReadPiece(index int) ([]byte, error) {
	return s.ReadBlock(index, 0, s.tf.PieceSize(index))
}

// ReadBlock reads length bytes at offset within a piece. Used for the
// resume scan and for serving peer requests.
func (s *Storage) ReadBlock(index, offset, length int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, length)
	read := 0
	for _, seg := range s.Segments(index, offset, length) {
		f, err := s.handle(seg.FileIndex)
		if err != nil {
			return nil, err
		}
		if _, err := f.ReadAt(buf[read:read+seg.Length], seg.Offset); err != nil {
			return nil, err
		}
		read += seg.Length
	}
	if read != length {
		return nil, fmt.Errorf("piece %d range [%d,%d) runs past the torrent", index, offset, offset+length)
	}
	return buf, nil
}

// ScanResume hashes every piece on disk and returns the set that
// matches the metainfo. Run after Preallocate.
func (s *Storage) ScanResume() (*roaring.Bitmap, error) {
	have := roaring.New()
	for i := 0; i < s.tf.NumPieces(); i++ {
		buf, err := s.ReadPiece(i)
		if err != nil {
			return nil, err
		}
		sum := sha1.Sum(buf)
		if bytes.Equal(sum[:], s.tf.PieceHashes[i][:]) {
			have.Add(uint32(i))
		}
	}
	return have, nil
}

// Sync flushes every open handle to disk.
func (s *Storage) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, key := range s.handles.Keys() {
		if v, ok := s.handles.Peek(key); ok {
			if err := v.(*os.File).Sync(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Close flushes and drops every cached handle.
func (s *Storage) Close() error {
	err := s.Sync()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles.Purge()
	return err
}

// handle returns the open file for index, opening and caching it on a
// miss. Callers hold s.mu.
func (s *Storage) handle(index int) (*os.File, error) {
	if v, ok := s.handles.Get(index); ok {
		return v.(*os.File), nil
	}
	f, err := os.OpenFile(s.paths[index], os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	s.handles.Add(index, f)
	return f, nil
}
