package apihttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"animestream/internal/domain"
	"animestream/internal/domain/ports"
	"animestream/internal/metrics"
)

type stopStreamResponse struct {
	Message string `json:"message"`
	Stopped bool   `json:"stopped"`
}

type streamsResponse struct {
	ActiveStreams int                 `json:"activeStreams"`
	Streams       []domain.StreamInfo `json:"streams"`
}

func streamsPayload(list []domain.StreamInfo) streamsResponse {
	if list == nil {
		list = []domain.StreamInfo{}
	}
	return streamsResponse{ActiveStreams: len(list), Streams: list}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodDelete:
	default:
		w.Header().Set("Allow", "GET, HEAD, DELETE")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	id, err := targetFromQuery(r)
	if err != nil {
		s.writeDomainError(r.Context(), w, err)
		return
	}
	fileIndex, err := parseFileIndex(r.URL.Query().Get("file_index"))
	if err != nil {
		s.writeDomainError(r.Context(), w, err)
		return
	}

	if r.Method == http.MethodDelete {
		stopped := s.lifecycle.StopStream(id, fileIndex)
		message := "no active stream"
		if stopped {
			message = "stream stopped"
		}
		writeJSON(w, http.StatusOK, stopStreamResponse{Message: message, Stopped: stopped})
		return
	}

	swarm, ok := s.swarms.Get(id)
	if !ok {
		if s.swarms.State(id) == domain.SwarmAdding {
			s.writeDomainError(r.Context(), w, domain.ErrNotReady)
			return
		}
		s.writeDomainError(r.Context(), w, domain.ErrTorrentNotFound)
		return
	}
	s.serveRange(w, r, id, swarm, fileIndex)
}

// serveRange writes one file of the swarm honouring a single-range Range
// header. Malformed or unsatisfiable ranges fall back to the whole file.
func (s *Server) serveRange(w http.ResponseWriter, r *http.Request, id domain.TorrentID, swarm ports.Swarm, fileIndex int) {
	if !swarm.Ready() {
		s.writeDomainError(r.Context(), w, domain.ErrNotReady)
		return
	}
	files := swarm.Files()
	if fileIndex < 0 || fileIndex >= len(files) {
		s.writeDomainError(r.Context(), w, fmt.Errorf("%w: index %d of %d", domain.ErrFileNotFound, fileIndex, len(files)))
		return
	}
	file := files[fileIndex]
	size := file.Length

	status := http.StatusOK
	start, end := int64(0), size-1
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		if rs, re, err := parseByteRange(rangeHeader, size); err == nil {
			start, end = rs, re
			status = http.StatusPartialContent
		} else {
			s.logger.Debug("ignoring range header",
				slog.String("range", truncate(rangeHeader, 64)),
				slog.String("error", err.Error()),
			)
		}
	}
	length := end - start + 1
	if length < 0 {
		length = 0
	}

	streamCtx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var reader ports.StreamReader
	if r.Method != http.MethodHead {
		// Register before touching the swarm so a concurrent remove either
		// cancels this stream or is seen by the check below.
		_, release := s.lifecycle.BeginStream(domain.StreamInfo{
			TorrentID: id,
			FileIndex: fileIndex,
			FileName:  file.Name(),
			FileSize:  size,
			StartedAt: time.Now().UTC(),
		}, cancel)
		defer release()

		var err error
		reader, err = swarm.NewReader(streamCtx, fileIndex)
		if err != nil {
			s.writeDomainError(r.Context(), w, err)
			return
		}
		defer reader.Close()
		reader.SetReadahead(s.readahead)
		if start > 0 {
			if _, err := reader.Seek(start, io.SeekStart); err != nil {
				s.writeDomainError(r.Context(), w, fmt.Errorf("%w: seek: %v", domain.ErrStream, err))
				return
			}
		}
		if current, ok := s.swarms.Get(id); !ok || current != swarm {
			s.writeDomainError(r.Context(), w, fmt.Errorf("%w: removed while opening stream", domain.ErrTorrentNotFound))
			return
		}
	}

	h := w.Header()
	h.Set("Content-Type", contentTypeFor(file.Path))
	h.Set("Accept-Ranges", "bytes")
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	h.Set("Content-Length", strconv.FormatInt(length, 10))
	if status == http.StatusPartialContent {
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}

	w.WriteHeader(status)
	written, err := io.CopyN(w, reader, length)
	metrics.StreamBytesTotal.Add(float64(written))
	if err != nil {
		reason := abortReason(r.Context(), streamCtx, err)
		metrics.StreamAbortsTotal.WithLabelValues(reason).Inc()
		// Headers are gone; all that is left is to cut the response short.
		s.logger.Debug("stream copy interrupted",
			slog.String("torrentId", logTorrentID(id)),
			slog.Int("fileIndex", fileIndex),
			slog.Int64("written", written),
			slog.Int64("wanted", length),
			slog.String("reason", reason),
			slog.String("error", fmt.Errorf("%w: %v", domain.ErrStream, err).Error()),
		)
	}
}

func abortReason(requestCtx, streamCtx context.Context, err error) string {
	switch {
	case requestCtx.Err() != nil:
		return "client_gone"
	case streamCtx.Err() != nil:
		return "stopped"
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "short_read"
	default:
		return "read_error"
	}
}

// contentTypeFor prefers the built-in media table; system mime databases
// disagree on several video types.
func contentTypeFor(filePath string) string {
	ext := strings.ToLower(path.Ext(filePath))
	if ct := fallbackContentType(ext); ct != octetStream {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return octetStream
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	var list []domain.StreamInfo
	if s.streams != nil {
		list = s.streams.List()
	}
	writeJSON(w, http.StatusOK, streamsPayload(list))
}

// logTorrentID keeps long magnet URIs out of log lines.
func logTorrentID(id domain.TorrentID) string {
	return truncate(string(id), 72)
}
