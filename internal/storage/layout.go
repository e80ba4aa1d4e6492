package storage

import (
	"github.com/WendelHime/peerwire/internal/shared/models"
	"github.com/pkg/errors"
)

var ErrInvalidLayout = errors.New("invalid torrent layout")

// Layout is the immutable piece geometry of a torrent.
type Layout struct {
	PieceLength int64
	Length      int64
	Hashes      []models.Hash
}

// NewLayout checks pieceLength*(n-1) < length <= pieceLength*n.
func NewLayout(pieceLength, length int64, hashes []models.Hash) (Layout, error) {
	n := int64(len(hashes))
	if pieceLength <= 0 || n == 0 || length <= 0 {
		return Layout{}, ErrInvalidLayout
	}
	if pieceLength*(n-1) >= length || length > pieceLength*n {
		return Layout{}, errors.Wrapf(ErrInvalidLayout, "%d pieces of %d bytes cannot hold %d bytes", n, pieceLength, length)
	}
	return Layout{PieceLength: pieceLength, Length: length, Hashes: hashes}, nil
}

// LayoutFromMetafile builds the layout of a decoded torrent.
func LayoutFromMetafile(meta models.Metafile) (Layout, error) {
	return NewLayout(meta.Info.PieceLength, meta.Info.TotalLength(), meta.Info.PiecesHashes)
}

func (l Layout) NumPieces() int {
	return len(l.Hashes)
}

// PieceSize is PieceLength for every piece but the last one.
func (l Layout) PieceSize(piece int) int64 {
	if piece < 0 || piece >= len(l.Hashes) {
		return 0
	}
	if piece == len(l.Hashes)-1 {
		return l.Length - l.PieceLength*int64(piece)
	}
	return l.PieceLength
}

func (l Layout) Offset(piece int) int64 {
	return int64(piece) * l.PieceLength
}
