package storage

import (
	"crypto/sha1"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/WendelHime/peerwire/internal/bitfield"
	"github.com/WendelHime/peerwire/internal/shared/models"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func hashOf(s string) models.Hash {
	return models.Hash(sha1.Sum([]byte(s)))
}

// newStore builds a single-file store whose pieces hash to the given
// contents.
func newStore(t *testing.T, fs afero.Fs, pieceLength int64, contents ...string) *Store {
	t.Helper()
	hashes := make([]models.Hash, len(contents))
	var length int64
	for i, c := range contents {
		hashes[i] = hashOf(c)
		length += int64(len(c))
	}
	layout, err := NewLayout(pieceLength, length, hashes)
	require.NoError(t, err)
	store, err := Open(fs, "/downloads", "", layout, []models.File{{Length: length, Path: []string{"data.bin"}}}, discardLogger())
	require.NoError(t, err)
	require.NoError(t, store.CheckAllOnLoad())
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewLayout(t *testing.T) {
	hashes := make([]models.Hash, 3)
	var tests = []struct {
		name   string
		length int64
		assert func(t *testing.T, l Layout, err error)
	}{
		{
			name:   "last piece is truncated",
			length: 25,
			assert: func(t *testing.T, l Layout, err error) {
				require.NoError(t, err)
				assert.Equal(t, 3, l.NumPieces())
				assert.Equal(t, int64(10), l.PieceSize(0))
				assert.Equal(t, int64(5), l.PieceSize(2))
				assert.Equal(t, int64(0), l.PieceSize(3))
			},
		},
		{
			name:   "exact multiple",
			length: 30,
			assert: func(t *testing.T, l Layout, err error) {
				require.NoError(t, err)
				assert.Equal(t, int64(10), l.PieceSize(2))
			},
		},
		{
			name:   "too short for the piece count",
			length: 20,
			assert: func(t *testing.T, l Layout, err error) {
				assert.ErrorIs(t, err, ErrInvalidLayout)
			},
		},
		{
			name:   "too long for the piece count",
			length: 31,
			assert: func(t *testing.T, l Layout, err error) {
				assert.ErrorIs(t, err, ErrInvalidLayout)
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			l, err := NewLayout(10, tt.length, hashes)
			tt.assert(t, l, err)
		})
	}
}

func TestStoreBlockMergesIntervals(t *testing.T) {
	store := newStore(t, afero.NewMemMapFs(), 10, strings.Repeat("a", 10))

	_, err := store.StoreBlock(0, 0, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []Interval{{0, 1}}, store.PendingRanges(0))

	_, err = store.StoreBlock(0, 2, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []Interval{{0, 1}, {2, 3}}, store.PendingRanges(0))

	_, err = store.StoreBlock(0, 1, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []Interval{{0, 3}}, store.PendingRanges(0))
}

func TestStoreBlockOverlappingWrites(t *testing.T) {
	store := newStore(t, afero.NewMemMapFs(), 10, strings.Repeat("a", 10))

	writes := []struct{ begin, length int64 }{{6, 2}, {0, 2}, {1, 3}, {3, 1}, {7, 1}}
	for _, w := range writes {
		_, err := store.StoreBlock(0, w.begin, []byte(strings.Repeat("a", int(w.length))))
		require.NoError(t, err)

		ranges := store.PendingRanges(0)
		for i := 1; i < len(ranges); i++ {
			assert.Less(t, ranges[i-1].End, ranges[i].Start, "ranges must be sorted, disjoint and not adjacent")
		}
	}
	assert.Equal(t, []Interval{{0, 4}, {6, 8}}, store.PendingRanges(0))
	assert.InDelta(t, 0.6, store.PieceProgress(0), 1e-9)
	assert.True(t, store.HaveByteRange(0, 1, 3))
	assert.False(t, store.HaveByteRange(0, 3, 4))
}

func TestPieceProgressIsMonotonic(t *testing.T) {
	store := newStore(t, afero.NewMemMapFs(), 10, strings.Repeat("a", 10))

	last := store.PieceProgress(0)
	for _, begin := range []int64{9, 0, 4, 4, 2, 1, 3, 8, 5, 6, 7} {
		_, err := store.StoreBlock(0, begin, []byte("a"))
		require.NoError(t, err)
		p := store.PieceProgress(0)
		assert.GreaterOrEqual(t, p, last)
		assert.LessOrEqual(t, p, 1.0)
		last = p
	}
	assert.Equal(t, 1.0, last)
	assert.True(t, store.HavePiece(0))
}

func TestStoreBlockVerifiesFullPiece(t *testing.T) {
	var tests = []struct {
		name   string
		data   string
		assert func(t *testing.T, store *Store, verified bool, err error)
	}{
		{
			name: "matching hash verifies the piece",
			data: strings.Repeat("a", 10),
			assert: func(t *testing.T, store *Store, verified bool, err error) {
				require.NoError(t, err)
				assert.True(t, verified)
				assert.True(t, store.HavePiece(0))
				assert.Empty(t, store.PendingRanges(0))
				assert.Equal(t, 1.0, store.Progress())
				assert.True(t, store.Complete())
				assert.Equal(t, int64(0), store.Left())
			},
		},
		{
			name: "mismatching hash discards every pending range",
			data: strings.Repeat("b", 10),
			assert: func(t *testing.T, store *Store, verified bool, err error) {
				require.NoError(t, err)
				assert.False(t, verified)
				assert.False(t, store.HavePiece(0))
				assert.Empty(t, store.PendingRanges(0))
				assert.False(t, store.HaveByteRange(0, 0, 1))
				assert.Equal(t, 0.0, store.Progress())
				assert.Equal(t, int64(10), store.Left())
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t, afero.NewMemMapFs(), 10, strings.Repeat("a", 10))
			verified, err := store.StoreBlock(0, 0, []byte(tt.data))
			tt.assert(t, store, verified, err)
		})
	}
}

func TestSetExpectedHashRevokesVerification(t *testing.T) {
	store := newStore(t, afero.NewMemMapFs(), 10, strings.Repeat("a", 10))

	_, err := store.StoreBlock(0, 0, []byte(strings.Repeat("a", 10)))
	require.NoError(t, err)
	require.True(t, store.HavePiece(0))

	ok, err := store.SetExpectedHash(0, hashOf("something else"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, store.HavePiece(0))
}

func TestVerifyPiece(t *testing.T) {
	store := newStore(t, afero.NewMemMapFs(), 10, strings.Repeat("a", 10), "bbbb")

	_, err := store.StoreBlock(0, 0, []byte("aaaaa"))
	require.NoError(t, err)
	ok, err := store.VerifyPiece(0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, store.PendingRanges(0))

	verified, err := store.StoreBlock(1, 0, []byte("bbbb"))
	require.NoError(t, err)
	require.True(t, verified)
	ok, err = store.VerifyPiece(1)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = store.VerifyPiece(2)
	assert.ErrorIs(t, err, ErrInvalidPiece)
}

func TestStoreBlockRejectsOutOfRange(t *testing.T) {
	store := newStore(t, afero.NewMemMapFs(), 10, strings.Repeat("a", 10), "aaaa")

	_, err := store.StoreBlock(1, 2, []byte("aaa"))
	assert.ErrorIs(t, err, ErrOutOfRangeWrite)

	_, err = store.StoreBlock(0, -1, []byte("a"))
	assert.ErrorIs(t, err, ErrOutOfRangeWrite)

	_, err = store.StoreBlock(2, 0, []byte("a"))
	assert.ErrorIs(t, err, ErrInvalidPiece)

	assert.Empty(t, store.PendingRanges(1))
}

func TestStoreBlockIgnoresVerifiedPiece(t *testing.T) {
	store := newStore(t, afero.NewMemMapFs(), 10, strings.Repeat("a", 10))

	_, err := store.StoreBlock(0, 0, []byte(strings.Repeat("a", 10)))
	require.NoError(t, err)

	verified, err := store.StoreBlock(0, 0, []byte("zzz"))
	require.NoError(t, err)
	assert.False(t, verified)

	data, err := store.ReadBlock(0, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("a", 10), string(data))
}

func TestBitfieldMatchesVerifiedPieces(t *testing.T) {
	contents := make([]string, 11)
	for i := range contents {
		contents[i] = strings.Repeat(string(rune('a'+i)), 4)
	}
	store := newStore(t, afero.NewMemMapFs(), 4, contents...)

	for _, piece := range []int{0, 3, 8, 10} {
		_, err := store.StoreBlock(piece, 0, []byte(contents[piece]))
		require.NoError(t, err)
	}

	bf := store.Bitfield()
	assert.Len(t, bf, bitfield.ByteLen(11))
	for i := range contents {
		assert.Equal(t, store.HavePiece(i), bf.Has(i), "piece %d", i)
	}
	assert.Equal(t, bitfield.Bitfield{0x90, 0xa0}, bf)
	assert.InDelta(t, 4.0/11.0, store.Progress(), 1e-9)
}

func TestCheckAllOnLoadResumes(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/downloads/data.bin", []byte("aaaaaaaaaaxxxxxxxxxxcccc"), 0644))

	store := newStore(t, fs, 10, strings.Repeat("a", 10), strings.Repeat("b", 10), "cccc")

	assert.True(t, store.HavePiece(0))
	assert.False(t, store.HavePiece(1))
	assert.True(t, store.HavePiece(2))
	assert.Equal(t, int64(10), store.Left())
}

func TestCheckAllOnLoadAllocates(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/downloads/data.bin", []byte("aaaa"), 0644))

	store := newStore(t, fs, 10, strings.Repeat("a", 10), "cccc")

	info, err := fs.Stat("/downloads/data.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(14), info.Size())
	assert.Equal(t, 0.0, store.Progress())
}

func TestMultiFileBlocksSpanFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	content := "0123456789abcdefghij"
	layout, err := NewLayout(8, 20, []models.Hash{hashOf(content[:8]), hashOf(content[8:16]), hashOf(content[16:])})
	require.NoError(t, err)

	files := []models.File{
		{Length: 5, Path: []string{"a", "one.txt"}},
		{Length: 10, Path: []string{"two.txt"}},
		{Length: 5, Path: []string{"b", "c", "three.txt"}},
	}
	store, err := Open(fs, "/downloads", "root", layout, files, discardLogger())
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.CheckAllOnLoad())

	for piece := 0; piece < 3; piece++ {
		begin := int64(piece * 8)
		verified, err := store.StoreBlock(piece, 0, []byte(content[begin:begin+layout.PieceSize(piece)]))
		require.NoError(t, err)
		assert.True(t, verified)
	}

	one, err := afero.ReadFile(fs, "/downloads/root/a/one.txt")
	require.NoError(t, err)
	assert.Equal(t, "01234", string(one))
	two, err := afero.ReadFile(fs, "/downloads/root/two.txt")
	require.NoError(t, err)
	assert.Equal(t, "56789abcde", string(two))
	three, err := afero.ReadFile(fs, "/downloads/root/b/c/three.txt")
	require.NoError(t, err)
	assert.Equal(t, "fghij", string(three))

	block, err := store.ReadBlock(0, 3, 5)
	require.NoError(t, err)
	assert.Equal(t, "34567", string(block))
}

func TestOpenRejectsMismatchedFiles(t *testing.T) {
	layout, err := NewLayout(10, 10, []models.Hash{hashOf("x")})
	require.NoError(t, err)

	_, err = Open(afero.NewMemMapFs(), "/downloads", "", layout, []models.File{{Length: 9, Path: []string{"f"}}}, discardLogger())
	assert.ErrorIs(t, err, ErrInvalidLayout)
}
