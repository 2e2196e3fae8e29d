package apihttp

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"animestream/internal/domain"
	"animestream/internal/usecase"
)

// multipartMemory caps how much of an upload is held in memory before the
// multipart parser spills to temp files.
const multipartMemory = 8 << 20

type torrentInfoRequest struct {
	Magnet      string `json:"magnet"`
	TorrentData string `json:"torrentData"`
}

type removeTorrentResponse struct {
	Message        string `json:"message"`
	Removed        bool   `json:"removed"`
	StoppedStreams int    `json:"stoppedStreams"`
}

type recentTorrentsResponse struct {
	Torrents []domain.TorrentRecord `json:"torrents"`
}

func (s *Server) handleTorrentInfo(w http.ResponseWriter, r *http.Request) {
	var (
		src      domain.TorrentSource
		fileName string
		err      error
	)
	switch r.Method {
	case http.MethodGet:
		src = domain.TorrentSource{Magnet: strings.TrimSpace(r.URL.Query().Get("magnet"))}
		if src.Magnet == "" {
			writeError(w, http.StatusBadRequest, "invalid_input", "magnet query parameter is required")
			return
		}
	case http.MethodPost:
		src, fileName, err = s.readTorrentSource(w, r)
		if err != nil {
			s.writeDomainError(r.Context(), w, err)
			return
		}
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	info, err := s.torrentInfo.Execute(r.Context(), src)
	if err != nil {
		s.writeDomainError(r.Context(), w, err)
		return
	}
	info.UploadedFileName = fileName
	writeJSON(w, http.StatusOK, info)
}

// readTorrentSource accepts a JSON body with a magnet or base64 torrent data,
// or a multipart upload in the "torrent" field.
func (s *Server) readTorrentSource(w http.ResponseWriter, r *http.Request) (domain.TorrentSource, string, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		mediaType = ""
	}
	switch mediaType {
	case "multipart/form-data":
		return s.readMultipartTorrent(w, r)
	case "application/json", "":
		// base64 inflates by 4/3; leave room for the envelope.
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes/3*4+4096)
		var body torrentInfoRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return domain.TorrentSource{}, "", fmt.Errorf("%w: invalid json body", domain.ErrInvalidInput)
		}
		if magnet := strings.TrimSpace(body.Magnet); magnet != "" {
			return domain.TorrentSource{Magnet: magnet}, "", nil
		}
		if body.TorrentData == "" {
			return domain.TorrentSource{}, "", fmt.Errorf("%w: magnet or torrentData is required", domain.ErrInvalidInput)
		}
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(body.TorrentData))
		if err != nil || len(data) == 0 {
			return domain.TorrentSource{}, "", fmt.Errorf("%w: torrentData is not valid base64", domain.ErrInvalidInput)
		}
		if int64(len(data)) > s.maxUploadBytes {
			return domain.TorrentSource{}, "", s.tooLarge()
		}
		return domain.TorrentSource{Data: data}, "", nil
	default:
		return domain.TorrentSource{}, "", fmt.Errorf("%w: unsupported content type %q", domain.ErrInvalidInput, mediaType)
	}
}

func (s *Server) readMultipartTorrent(w http.ResponseWriter, r *http.Request) (domain.TorrentSource, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return domain.TorrentSource{}, "", s.tooLarge()
		}
		return domain.TorrentSource{}, "", fmt.Errorf("%w: invalid multipart form", domain.ErrInvalidInput)
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("torrent")
	if err != nil {
		return domain.TorrentSource{}, "", fmt.Errorf("%w: missing torrent file", domain.ErrInvalidInput)
	}
	defer file.Close()

	name := filepath.Base(strings.TrimSpace(header.Filename))
	if !strings.EqualFold(filepath.Ext(name), ".torrent") {
		return domain.TorrentSource{}, "", fmt.Errorf("%w: only .torrent files are accepted", domain.ErrInvalidInput)
	}
	if header.Size > s.maxUploadBytes {
		return domain.TorrentSource{}, "", s.tooLarge()
	}
	data, err := io.ReadAll(io.LimitReader(file, s.maxUploadBytes+1))
	if err != nil {
		return domain.TorrentSource{}, "", fmt.Errorf("%w: read upload: %v", domain.ErrInvalidInput, err)
	}
	if int64(len(data)) > s.maxUploadBytes {
		return domain.TorrentSource{}, "", s.tooLarge()
	}
	if len(data) == 0 {
		return domain.TorrentSource{}, "", fmt.Errorf("%w: empty torrent file", domain.ErrInvalidInput)
	}
	s.logger.Debug("torrent uploaded", slog.String("fileName", name), slog.Int("bytes", len(data)))
	return domain.TorrentSource{Data: data}, name, nil
}

func (s *Server) tooLarge() error {
	return fmt.Errorf("%w: torrent file exceeds %d bytes", domain.ErrInvalidInput, s.maxUploadBytes)
}

func (s *Server) handleTorrent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.Header().Set("Allow", "DELETE")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	id, err := targetFromQuery(r)
	if err != nil {
		s.writeDomainError(r.Context(), w, err)
		return
	}

	res, err := s.lifecycle.RemoveTorrent(r.Context(), id)
	if err != nil {
		s.writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, removeResponse(res))
}

func removeResponse(res usecase.RemoveResult) removeTorrentResponse {
	message := "torrent was not active"
	if res.Removed {
		message = "torrent removed"
	}
	return removeTorrentResponse{
		Message:        message,
		Removed:        res.Removed,
		StoppedStreams: res.StoppedStreams,
	}
}

func (s *Server) handleRecentTorrents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if s.recent == nil {
		s.writeDomainError(r.Context(), w, usecase.ErrCacheDisabled)
		return
	}
	limit, err := parseOptionalIntQuery(r.URL.Query().Get("limit"), 0)
	if err != nil {
		s.writeDomainError(r.Context(), w, err)
		return
	}
	records, err := s.recent.Execute(r.Context(), limit)
	if err != nil {
		s.writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, recentTorrentsResponse{Torrents: records})
}
