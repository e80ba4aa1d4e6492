// Package decoder reads .torrent metainfo and speaks generic bencode.
package decoder

import (
	"bytes"
	"crypto/sha1"
	"io"
	"log/slog"
	"strings"

	"github.com/WendelHime/peerwire/internal/shared/models"
	"github.com/pkg/errors"
	"github.com/zeebo/bencode"
)

var ErrInvalidMetafile = errors.New("invalid metafile")

type MetafileDecoder interface {
	Decode(io.Reader) (models.Metafile, error)
}

type decoder struct {
	log *slog.Logger
}

func NewDecoder(logger *slog.Logger) MetafileDecoder {
	return decoder{log: logger}
}

// serialization struct the represents the structure of a .torrent file
// it is not immediately usable, so it can be converted to a Metafile struct
type bencodeTorrent struct {
	// URL of tracker server to get peers from
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	// Info is parsed as a RawMessage to ensure that the final info_hash is
	// correct even in the case of the info dictionary being an unexpected shape
	Info bencode.RawMessage `bencode:"info"`
}

func (d decoder) Decode(torrent io.Reader) (models.Metafile, error) {
	var response models.Metafile
	var bt bencodeTorrent
	err := bencode.NewDecoder(torrent).Decode(&bt)
	if err != nil {
		d.log.Error("failed to decode torrent", slog.Any("error", err))
		return response, errors.Wrap(err, "decode torrent")
	}
	if len(bt.Info) == 0 {
		return response, errors.Wrap(ErrInvalidMetafile, "missing info dictionary")
	}

	response.Announce = bt.Announce
	response.AnnounceList = bt.AnnounceList
	response.InfoHash = sha1.Sum(bt.Info)
	err = bencode.NewDecoder(bytes.NewReader(bt.Info)).Decode(&response.Info)
	if err != nil {
		d.log.Error("failed to decode torrent info", slog.Any("error", err))
		return response, errors.Wrap(err, "decode info")
	}

	response.Info.PiecesHashes, err = splitPieceHashes(response.Info.Pieces)
	if err != nil {
		return response, err
	}

	if err := validateInfo(response.Info); err != nil {
		return response, err
	}

	if response.Info.Length > 0 {
		response.Info.Files = []models.File{{Length: response.Info.Length, Path: []string{response.Info.Name}}}
	}

	return response, nil
}

func splitPieceHashes(pieces string) ([]models.Hash, error) {
	if len(pieces)%20 != 0 {
		return nil, errors.Wrapf(ErrInvalidMetafile, "pieces of %d bytes", len(pieces))
	}
	hashes := make([]models.Hash, len(pieces)/20)
	for i := range hashes {
		copy(hashes[i][:], pieces[i*20:])
	}
	return hashes, nil
}

func validateInfo(info models.Info) error {
	switch {
	case info.PieceLength <= 0:
		return errors.Wrapf(ErrInvalidMetafile, "piece length %d", info.PieceLength)
	case len(info.PiecesHashes) == 0:
		return errors.Wrap(ErrInvalidMetafile, "no pieces")
	case !safeComponent(info.Name):
		return errors.Wrapf(ErrInvalidMetafile, "name %q", info.Name)
	case info.Length == 0 && len(info.Files) == 0:
		return errors.Wrap(ErrInvalidMetafile, "neither length nor files")
	case info.Length < 0:
		return errors.Wrapf(ErrInvalidMetafile, "length %d", info.Length)
	}
	for _, f := range info.Files {
		if f.Length < 0 || len(f.Path) == 0 {
			return errors.Wrapf(ErrInvalidMetafile, "file %v", f.Path)
		}
		for _, c := range f.Path {
			if !safeComponent(c) {
				return errors.Wrapf(ErrInvalidMetafile, "file path %v", f.Path)
			}
		}
	}
	return nil
}

// safeComponent rejects names that would escape the download directory.
func safeComponent(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}
