package decoder

import (
	"bytes"

	jackpal "github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
	"github.com/zeebo/bencode"
)

// Encode bencodes v. Dictionary keys come out sorted.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := jackpal.Marshal(&buf, v); err != nil {
		return nil, errors.Wrap(err, "bencode")
	}
	return buf.Bytes(), nil
}

// DecodeValue decodes the first value in b into int64, string, []any or
// map[string]any, and reports how many bytes it used.
func DecodeValue(b []byte) (any, int, error) {
	dec := bencode.NewDecoder(bytes.NewReader(b))
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, 0, errors.Wrap(err, "bencode")
	}
	return v, dec.BytesParsed(), nil
}
