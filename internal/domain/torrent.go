package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// TorrentID is the dedup and lookup key for a swarm session: either a magnet
// URI used verbatim or a content hash of uploaded torrent bytes.
type TorrentID string

type InfoHash string

// TorrentSource carries what a client handed us: a magnet link or the raw
// bytes of a .torrent file. Exactly one is expected to be set.
type TorrentSource struct {
	Magnet string `json:"magnet,omitempty"`
	Data   []byte `json:"-"`
}

const (
	magnetScheme       = "magnet:"
	uploadedTorrentTag = "torrent_"
)

func IsMagnet(value string) bool {
	value = strings.TrimSpace(value)
	return len(value) >= len(magnetScheme) && strings.EqualFold(value[:len(magnetScheme)], magnetScheme)
}

// ResolveID derives the TorrentID for a source. Byte-identical uploads always
// map to the same id; the full 256-bit digest is kept.
func ResolveID(src TorrentSource) (TorrentID, error) {
	magnet := strings.TrimSpace(src.Magnet)
	switch {
	case magnet != "":
		if !IsMagnet(magnet) {
			return "", ErrInvalidInput
		}
		return TorrentID(magnet), nil
	case len(src.Data) > 0:
		sum := sha256.Sum256(src.Data)
		return TorrentID(uploadedTorrentTag + hex.EncodeToString(sum[:])), nil
	default:
		return "", ErrInvalidInput
	}
}

func (id TorrentID) IsUpload() bool {
	return strings.HasPrefix(string(id), uploadedTorrentTag)
}
