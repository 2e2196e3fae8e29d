package domain

import (
	"cmp"
	"path/filepath"
	"slices"
	"strings"
)

var videoExtensions = map[string]struct{}{
	".mp4": {}, ".webm": {}, ".mov": {}, ".mkv": {},
	".avi": {}, ".m4v": {}, ".wmv": {}, ".flv": {},
}

var audioExtensions = map[string]struct{}{
	".mp3": {}, ".wav": {}, ".ogg": {}, ".m4a": {},
	".aac": {}, ".flac": {}, ".wma": {},
}

// FileEntry is a torrent file as presented to clients.
type FileEntry struct {
	Index      int    `json:"index"`
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	Path       string `json:"path"`
	IsVideo    bool   `json:"isVideo"`
	IsAudio    bool   `json:"isAudio"`
	IsPlayable bool   `json:"isPlayable"`
}

func IsVideoFile(name string) bool {
	_, ok := videoExtensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

func IsAudioFile(name string) bool {
	_, ok := audioExtensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

// ClassifyFiles flags each file by extension and orders the result: playable
// files first, each group by descending size with ties broken by index.
func ClassifyFiles(files []FileRef) []FileEntry {
	out := make([]FileEntry, 0, len(files))
	for _, f := range files {
		name := f.Name()
		video := IsVideoFile(name)
		audio := IsAudioFile(name)
		out = append(out, FileEntry{
			Index:      f.Index,
			Name:       name,
			Size:       f.Length,
			Path:       f.Path,
			IsVideo:    video,
			IsAudio:    audio,
			IsPlayable: video || audio,
		})
	}
	slices.SortFunc(out, func(a, b FileEntry) int {
		if a.IsPlayable != b.IsPlayable {
			if a.IsPlayable {
				return -1
			}
			return 1
		}
		if c := cmp.Compare(b.Size, a.Size); c != 0 {
			return c
		}
		return cmp.Compare(a.Index, b.Index)
	})
	return out
}

// FirstPlayable returns the index of the largest playable file.
func FirstPlayable(entries []FileEntry) (int, bool) {
	for _, e := range entries {
		if e.IsPlayable {
			return e.Index, true
		}
	}
	return 0, false
}
