package domain

import "path"

type FileRef struct {
	Index          int    `json:"index"`
	Path           string `json:"path"`
	Length         int64  `json:"length"`
	BytesCompleted int64  `json:"bytesCompleted"`
}

// Name is the last element of the file's slash-separated torrent path.
func (f FileRef) Name() string {
	if f.Path == "" {
		return ""
	}
	return path.Base(f.Path)
}
