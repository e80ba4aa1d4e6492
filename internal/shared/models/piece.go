package models

// BlockRequest names a sub-range of a piece.
type BlockRequest struct {
	Index  int
	Begin  int
	Length int
}
