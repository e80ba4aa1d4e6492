// Package storage keeps the downloaded content on disk and tracks which
// bytes of which pieces have arrived and been verified.
package storage

import (
	"bytes"
	"crypto/sha1"
	"log/slog"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/WendelHime/peerwire/internal/bitfield"
	"github.com/WendelHime/peerwire/internal/shared/models"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

var (
	ErrOutOfRangeWrite = errors.New("block outside piece bounds")
	ErrInvalidPiece    = errors.New("invalid piece index")
)

// Interval is a half-open byte range [Start, End) inside a piece.
type Interval struct {
	Start int64
	End   int64
}

func (i Interval) Len() int64 {
	return i.End - i.Start
}

type Store struct {
	mu       sync.RWMutex
	layout   Layout
	files    regions
	verified *roaring.Bitmap
	pending  map[int][]Interval
	log      *slog.Logger
}

// Open opens (creating when needed) the backing files for layout under
// dir/name. The sum of the file lengths must equal layout.Length.
func Open(fs afero.Fs, dir, name string, layout Layout, files []models.File, logger *slog.Logger) (*Store, error) {
	var total int64
	for _, f := range files {
		total += f.Length
	}
	if total != layout.Length {
		return nil, errors.Wrapf(ErrInvalidLayout, "files hold %d bytes, torrent has %d", total, layout.Length)
	}

	rs, err := openRegions(fs, dir, name, files)
	if err != nil {
		return nil, err
	}

	return &Store{
		layout:   layout,
		files:    rs,
		verified: roaring.New(),
		pending:  make(map[int][]Interval),
		log:      logger,
	}, nil
}

func (s *Store) NumPieces() int {
	return s.layout.NumPieces()
}

func (s *Store) PieceSize(piece int) int64 {
	return s.layout.PieceSize(piece)
}

// CheckAllOnLoad rehashes every piece when the files already have their
// final size, otherwise it zero-extends them.
func (s *Store) CheckAllOnLoad() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sized, err := s.files.sized()
	if err != nil {
		return err
	}
	if !sized {
		s.log.Info("allocating storage", slog.Int64("length", s.layout.Length))
		return s.files.allocate()
	}

	for piece := 0; piece < s.layout.NumPieces(); piece++ {
		if _, err := s.verifyLocked(piece); err != nil {
			return err
		}
	}
	s.log.Info("resumed from existing data",
		slog.Uint64("verified", s.verified.GetCardinality()),
		slog.Int("pieces", s.layout.NumPieces()))
	return nil
}

// StoreBlock writes data at begin inside piece and records the range. It
// reports whether the piece became verified as a result.
func (s *Store) StoreBlock(piece int, begin int64, data []byte) (bool, error) {
	if piece < 0 || piece >= s.layout.NumPieces() {
		return false, errors.Wrapf(ErrInvalidPiece, "piece %d", piece)
	}
	end := begin + int64(len(data))
	if begin < 0 || end > s.layout.PieceSize(piece) {
		return false, errors.Wrapf(ErrOutOfRangeWrite, "piece %d [%d,%d)", piece, begin, end)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.verified.Contains(uint32(piece)) || len(data) == 0 {
		return false, nil
	}

	if err := s.files.writeAt(data, s.layout.Offset(piece)+begin); err != nil {
		return false, err
	}

	s.pending[piece] = mergeInterval(s.pending[piece], Interval{Start: begin, End: end})
	if coverage(s.pending[piece]) < s.layout.PieceSize(piece) {
		return false, nil
	}
	return s.verifyLocked(piece)
}

// mergeInterval inserts n keeping the list sorted, disjoint and free of
// adjacent neighbours.
func mergeInterval(ivs []Interval, n Interval) []Interval {
	i := sort.Search(len(ivs), func(i int) bool { return ivs[i].End >= n.Start })
	j := i
	for j < len(ivs) && ivs[j].Start <= n.End {
		n.Start = min(n.Start, ivs[j].Start)
		n.End = max(n.End, ivs[j].End)
		j++
	}
	out := make([]Interval, 0, len(ivs)-(j-i)+1)
	out = append(out, ivs[:i]...)
	out = append(out, n)
	return append(out, ivs[j:]...)
}

func coverage(ivs []Interval) int64 {
	var n int64
	for _, iv := range ivs {
		n += iv.Len()
	}
	return n
}

// VerifyPiece hashes the piece as stored. A mismatch discards every pending
// range so the piece is collected again from scratch.
func (s *Store) VerifyPiece(piece int) (bool, error) {
	if piece < 0 || piece >= s.layout.NumPieces() {
		return false, errors.Wrapf(ErrInvalidPiece, "piece %d", piece)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verifyLocked(piece)
}

func (s *Store) verifyLocked(piece int) (bool, error) {
	buf := make([]byte, s.layout.PieceSize(piece))
	if err := s.files.readAt(buf, s.layout.Offset(piece)); err != nil {
		return false, err
	}
	sum := sha1.Sum(buf)
	delete(s.pending, piece)
	if !bytes.Equal(sum[:], s.layout.Hashes[piece][:]) {
		s.verified.Remove(uint32(piece))
		s.log.Debug("piece hash mismatch", slog.Int("piece", piece))
		return false, nil
	}
	s.verified.Add(uint32(piece))
	return true, nil
}

// SetExpectedHash replaces the expected hash of piece and revalidates it
// against the stored bytes if it was verified.
func (s *Store) SetExpectedHash(piece int, hash models.Hash) (bool, error) {
	if piece < 0 || piece >= s.layout.NumPieces() {
		return false, errors.Wrapf(ErrInvalidPiece, "piece %d", piece)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	hashes := make([]models.Hash, len(s.layout.Hashes))
	copy(hashes, s.layout.Hashes)
	hashes[piece] = hash
	s.layout.Hashes = hashes

	if !s.verified.Contains(uint32(piece)) {
		return false, nil
	}
	return s.verifyLocked(piece)
}

func (s *Store) HavePiece(piece int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return piece >= 0 && s.verified.Contains(uint32(piece))
}

func (s *Store) Bitfield() bitfield.Bitfield {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bf := bitfield.New(s.layout.NumPieces())
	it := s.verified.Iterator()
	for it.HasNext() {
		bf.Set(int(it.Next()))
	}
	return bf
}

func (s *Store) Progress() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return float64(s.verified.GetCardinality()) / float64(s.layout.NumPieces())
}

func (s *Store) Complete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int(s.verified.GetCardinality()) == s.layout.NumPieces()
}

// PieceProgress is the covered fraction of piece, 1 once verified.
func (s *Store) PieceProgress(piece int) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if piece < 0 || piece >= s.layout.NumPieces() {
		return 0
	}
	if s.verified.Contains(uint32(piece)) {
		return 1
	}
	return float64(coverage(s.pending[piece])) / float64(s.layout.PieceSize(piece))
}

// PendingRanges returns a copy of the unverified ranges of piece.
func (s *Store) PendingRanges(piece int) []Interval {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Interval(nil), s.pending[piece]...)
}

// HaveByteRange reports whether [begin, begin+length) of piece is already
// stored, verified or not.
func (s *Store) HaveByteRange(piece int, begin, length int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if piece < 0 {
		return false
	}
	if s.verified.Contains(uint32(piece)) {
		return true
	}
	end := begin + length
	for _, iv := range s.pending[piece] {
		if iv.Start <= begin && end <= iv.End {
			return true
		}
		if iv.Start > begin {
			break
		}
	}
	return false
}

// ReadBlock reads raw bytes regardless of verification status.
func (s *Store) ReadBlock(piece int, begin, length int64) ([]byte, error) {
	if piece < 0 || piece >= s.layout.NumPieces() {
		return nil, errors.Wrapf(ErrInvalidPiece, "piece %d", piece)
	}
	if begin < 0 || length < 0 || begin+length > s.layout.PieceSize(piece) {
		return nil, errors.Wrapf(ErrOutOfRangeWrite, "read piece %d [%d,%d)", piece, begin, begin+length)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf := make([]byte, length)
	if err := s.files.readAt(buf, s.layout.Offset(piece)+begin); err != nil {
		return nil, err
	}
	return buf, nil
}

// Left is the number of bytes in pieces not yet verified.
func (s *Store) Left() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	left := s.layout.Length
	it := s.verified.Iterator()
	for it.HasNext() {
		left -= s.layout.PieceSize(int(it.Next()))
	}
	return left
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files.close()
}
