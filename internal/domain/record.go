package domain

import (
	"errors"
	"time"
)

// TorrentRecord is the cached description of a torrent that was resolved at
// least once. It is written best-effort and never consulted on the hot path.
type TorrentRecord struct {
	ID         TorrentID `json:"id"`
	Name       string    `json:"name"`
	InfoHash   InfoHash  `json:"infoHash"`
	MagnetURI  string    `json:"magnetURI"`
	Files      []FileRef `json:"files"`
	TotalBytes int64     `json:"totalBytes"`
	Uploaded   bool      `json:"uploaded"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Validate checks domain invariants for TorrentRecord.
func (r TorrentRecord) Validate() error {
	if r.ID == "" {
		return errors.New("torrent id is required")
	}
	if r.InfoHash == "" {
		return errors.New("infoHash is required")
	}
	if r.TotalBytes < 0 {
		return errors.New("totalBytes must not be negative")
	}
	var sum int64
	for _, f := range r.Files {
		if f.Length < 0 {
			return errors.New("file length must not be negative")
		}
		sum += f.Length
	}
	if len(r.Files) > 0 && sum != r.TotalBytes {
		return errors.New("totalBytes must equal the sum of file lengths")
	}
	return nil
}
