package models

import "encoding/hex"

type Metafile struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	Info         Info       `bencode:"info"`
	InfoHash     Hash       `bencode:"-"`
}

type Info struct {
	Name         string `bencode:"name"`
	Length       int64  `bencode:"length"`
	PieceLength  int64  `bencode:"piece length"`
	Pieces       string `bencode:"pieces"`
	Private      int    `bencode:"private"`
	PiecesHashes []Hash `bencode:"-"`
	Files        []File `bencode:"files,omitempty"`
}

// TotalLength sums the file lengths for multi-file torrents.
func (i Info) TotalLength() int64 {
	if i.Length > 0 {
		return i.Length
	}
	var total int64
	for _, f := range i.Files {
		total += f.Length
	}
	return total
}

type File struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// Hash is a SHA-1 digest: a piece hash, an info hash or a peer id.
type Hash [20]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) Bytes() []byte {
	return h[:]
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}
