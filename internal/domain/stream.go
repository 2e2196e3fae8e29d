package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

type StreamKey string

// NewStreamKey addresses a stream by torrent and file so any client that knows
// both can stop or inspect it without holding a handle.
func NewStreamKey(id TorrentID, fileIndex int) StreamKey {
	sum := sha256.Sum256([]byte(id))
	return StreamKey(hex.EncodeToString(sum[:16]) + "_" + strconv.Itoa(fileIndex))
}

type StreamInfo struct {
	Key       StreamKey `json:"id"`
	TorrentID TorrentID `json:"torrentId"`
	FileIndex int       `json:"fileIndex"`
	FileName  string    `json:"fileName"`
	FileSize  int64     `json:"fileSize"`
	StartedAt time.Time `json:"startTime"`
	Viewers   int       `json:"viewers"`
	Duration  Millis    `json:"durationMs"`
}

// Millis marshals a duration as whole milliseconds.
type Millis time.Duration

func (m Millis) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(time.Duration(m).Milliseconds(), 10)), nil
}
