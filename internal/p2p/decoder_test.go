package p2p

import (
	"bytes"
	"testing"

	"github.com/WendelHime/peerwire/internal/bitfield"
	"github.com/WendelHime/peerwire/internal/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHandshake() Handshake {
	var infoHash, peerID models.Hash
	copy(infoHash[:], bytes.Repeat([]byte("A"), 20))
	copy(peerID[:], bytes.Repeat([]byte("B"), 20))
	return NewHandshake(infoHash, peerID)
}

func mustMarshal(t *testing.T, msgs ...Message) []byte {
	t.Helper()
	var out []byte
	for _, m := range msgs {
		b, err := m.MarshalBinary()
		require.NoError(t, err)
		out = append(out, b...)
	}
	return out
}

func TestHandshakeBytes(t *testing.T) {
	b := testHandshake().Bytes()
	require.Len(t, b, HandshakeSize)
	assert.Equal(t, byte(0x13), b[0])
	assert.Equal(t, Protocol, string(b[1:20]))
	assert.Equal(t, make([]byte, 8), b[20:28])
	assert.Equal(t, bytes.Repeat([]byte("A"), 20), b[28:48])
	assert.Equal(t, bytes.Repeat([]byte("B"), 20), b[48:68])
}

func TestMessageFrames(t *testing.T) {
	var tests = []struct {
		name     string
		msg      Message
		expected []byte
	}{
		{name: "keep-alive", msg: KeepAlive{}, expected: []byte{0, 0, 0, 0}},
		{name: "choke", msg: Choke{}, expected: []byte{0, 0, 0, 1, 0}},
		{name: "unchoke", msg: Unchoke{}, expected: []byte{0, 0, 0, 1, 1}},
		{name: "interested", msg: Interested{}, expected: []byte{0, 0, 0, 1, 2}},
		{name: "not interested", msg: NotInterested{}, expected: []byte{0, 0, 0, 1, 3}},
		{name: "have", msg: Have{Index: 258}, expected: []byte{0, 0, 0, 5, 4, 0, 0, 1, 2}},
		{name: "bitfield", msg: Bitfield{Bits: bitfield.Bitfield{0xf0}}, expected: []byte{0, 0, 0, 2, 5, 0xf0}},
		{
			name:     "request",
			msg:      Request{Index: 1, Begin: 16384, Length: 16384},
			expected: []byte{0, 0, 0, 13, 6, 0, 0, 0, 1, 0, 0, 0x40, 0, 0, 0, 0x40, 0},
		},
		{
			name:     "piece",
			msg:      Piece{Index: 0, Begin: 2, Data: []byte("ab")},
			expected: []byte{0, 0, 0, 11, 7, 0, 0, 0, 0, 0, 0, 0, 2, 'a', 'b'},
		},
		{
			name:     "cancel",
			msg:      Cancel{Index: 0, Begin: 0, Length: 1},
			expected: []byte{0, 0, 0, 13, 8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1},
		},
		{name: "port", msg: Port{Port: 6881}, expected: []byte{0, 0, 0, 3, 9, 0x1a, 0xe1}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			actual, err := tt.msg.MarshalBinary()
			require.NoError(t, err)
			assert.Equal(t, tt.expected, actual)

			dec := NewDecoder()
			dec.phase = PhaseActive
			_, msgs, err := dec.Feed(actual)
			require.NoError(t, err)
			assert.Equal(t, []Message{tt.msg}, msgs)
		})
	}
}

func TestDecoderFeed(t *testing.T) {
	var tests = []struct {
		name   string
		chunks func(t *testing.T) [][]byte
		assert func(t *testing.T, dec *Decoder, hs *Handshake, msgs []Message, err error)
	}{
		{
			name: "handshake split across chunks",
			chunks: func(t *testing.T) [][]byte {
				b := testHandshake().Bytes()
				return [][]byte{b[:1], b[1:30], b[30:67], b[67:]}
			},
			assert: func(t *testing.T, dec *Decoder, hs *Handshake, msgs []Message, err error) {
				require.NoError(t, err)
				require.NotNil(t, hs)
				assert.Equal(t, testHandshake(), *hs)
				assert.Empty(t, msgs)
				assert.Equal(t, PhaseActive, dec.Phase())
			},
		},
		{
			name: "handshake and messages in one chunk",
			chunks: func(t *testing.T) [][]byte {
				b := append(testHandshake().Bytes(), mustMarshal(t, KeepAlive{}, Unchoke{}, Have{Index: 3})...)
				return [][]byte{b}
			},
			assert: func(t *testing.T, dec *Decoder, hs *Handshake, msgs []Message, err error) {
				require.NoError(t, err)
				require.NotNil(t, hs)
				assert.Equal(t, []Message{KeepAlive{}, Unchoke{}, Have{Index: 3}}, msgs)
			},
		},
		{
			name: "message split byte by byte",
			chunks: func(t *testing.T) [][]byte {
				chunks := [][]byte{testHandshake().Bytes()}
				for _, b := range mustMarshal(t, Request{Index: 1, Begin: 2, Length: 3}) {
					chunks = append(chunks, []byte{b})
				}
				return chunks
			},
			assert: func(t *testing.T, dec *Decoder, hs *Handshake, msgs []Message, err error) {
				require.NoError(t, err)
				assert.Equal(t, []Message{Request{Index: 1, Begin: 2, Length: 3}}, msgs)
			},
		},
		{
			name: "wrong protocol string",
			chunks: func(t *testing.T) [][]byte {
				b := testHandshake().Bytes()
				copy(b[1:], "BitTorrent protocoX")
				return [][]byte{b}
			},
			assert: func(t *testing.T, dec *Decoder, hs *Handshake, msgs []Message, err error) {
				assert.ErrorIs(t, err, ErrBadHandshake)
				assert.Nil(t, hs)
				assert.Equal(t, PhaseClosed, dec.Phase())
			},
		},
		{
			name: "truncated have payload",
			chunks: func(t *testing.T) [][]byte {
				return [][]byte{testHandshake().Bytes(), {0, 0, 0, 3, 4, 0, 1}}
			},
			assert: func(t *testing.T, dec *Decoder, hs *Handshake, msgs []Message, err error) {
				assert.ErrorIs(t, err, ErrMalformedMessage)
				assert.Equal(t, PhaseClosed, dec.Phase())
			},
		},
		{
			name: "choke with payload",
			chunks: func(t *testing.T) [][]byte {
				return [][]byte{testHandshake().Bytes(), {0, 0, 0, 2, 0, 9}}
			},
			assert: func(t *testing.T, dec *Decoder, hs *Handshake, msgs []Message, err error) {
				assert.ErrorIs(t, err, ErrMalformedMessage)
			},
		},
		{
			name: "short piece header",
			chunks: func(t *testing.T) [][]byte {
				return [][]byte{testHandshake().Bytes(), {0, 0, 0, 5, 7, 0, 0, 0, 0}}
			},
			assert: func(t *testing.T, dec *Decoder, hs *Handshake, msgs []Message, err error) {
				assert.ErrorIs(t, err, ErrMalformedMessage)
			},
		},
		{
			name: "messages before a violation are kept",
			chunks: func(t *testing.T) [][]byte {
				b := append(mustMarshal(t, Interested{}), 0, 0, 0, 1, 4)
				return [][]byte{testHandshake().Bytes(), b}
			},
			assert: func(t *testing.T, dec *Decoder, hs *Handshake, msgs []Message, err error) {
				assert.ErrorIs(t, err, ErrMalformedMessage)
				assert.Equal(t, []Message{Interested{}}, msgs)
			},
		},
		{
			name: "unknown id decodes to unknown",
			chunks: func(t *testing.T) [][]byte {
				return [][]byte{testHandshake().Bytes(), {0, 0, 0, 2, 20, 7}}
			},
			assert: func(t *testing.T, dec *Decoder, hs *Handshake, msgs []Message, err error) {
				require.NoError(t, err)
				assert.Equal(t, []Message{Unknown{ID: 20, Payload: []byte{7}}}, msgs)
			},
		},
		{
			name: "oversized frame",
			chunks: func(t *testing.T) [][]byte {
				return [][]byte{testHandshake().Bytes(), {0xff, 0xff, 0xff, 0xff}}
			},
			assert: func(t *testing.T, dec *Decoder, hs *Handshake, msgs []Message, err error) {
				assert.ErrorIs(t, err, ErrMessageTooLong)
			},
		},
		{
			name: "feeding a closed decoder fails",
			chunks: func(t *testing.T) [][]byte {
				return [][]byte{append([]byte{5}, bytes.Repeat([]byte("x"), 53)...), {0}}
			},
			assert: func(t *testing.T, dec *Decoder, hs *Handshake, msgs []Message, err error) {
				assert.ErrorIs(t, err, ErrClosed)
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder()
			var (
				hs   *Handshake
				msgs []Message
				err  error
			)
			for _, chunk := range tt.chunks(t) {
				h, m, ferr := dec.Feed(chunk)
				if h != nil {
					hs = h
				}
				msgs = append(msgs, m...)
				err = ferr
			}
			tt.assert(t, dec, hs, msgs, err)
		})
	}
}
