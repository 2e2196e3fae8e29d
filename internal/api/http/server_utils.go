package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"animestream/internal/domain"
	"animestream/internal/usecase"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeDomainError maps domain and use-case errors onto HTTP responses.
// Unknown errors are reported without internals.
func (s *Server) writeDomainError(ctx context.Context, w http.ResponseWriter, err error) {
	status, code, message := classifyError(err)
	attrs := []slog.Attr{
		slog.Int("status", status),
		slog.String("code", code),
		slog.String("error", err.Error()),
	}
	if id := requestIDFrom(ctx); id != "" {
		attrs = append(attrs, slog.String("requestId", id))
	}
	switch {
	case status >= 500:
		s.logger.LogAttrs(ctx, slog.LevelError, "request failed", attrs...)
	case status == http.StatusNotFound || status == http.StatusAccepted:
		s.logger.LogAttrs(ctx, slog.LevelInfo, "request not served", attrs...)
	default:
		s.logger.LogAttrs(ctx, slog.LevelWarn, "request rejected", attrs...)
	}
	writeError(w, status, code, message)
}

func classifyError(err error) (status int, code, message string) {
	var swarmErr *domain.SwarmError
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input", err.Error()
	case errors.Is(err, domain.ErrMetadataTimeout):
		return http.StatusInternalServerError, "metadata_timeout",
			"timed out waiting for torrent metadata; retrying may help once peers are found"
	case errors.As(err, &swarmErr):
		return http.StatusInternalServerError, "swarm_error", swarmErr.Error()
	case errors.Is(err, domain.ErrTorrentNotFound):
		return http.StatusNotFound, "torrent_not_found", "torrent not found"
	case errors.Is(err, domain.ErrFileNotFound):
		return http.StatusNotFound, "file_not_found", "file not found"
	case errors.Is(err, domain.ErrNotReady):
		return http.StatusAccepted, "not_ready", "torrent metadata is still loading"
	case errors.Is(err, domain.ErrShuttingDown):
		return http.StatusServiceUnavailable, "shutting_down", "server is shutting down"
	case errors.Is(err, usecase.ErrCacheDisabled):
		return http.StatusServiceUnavailable, "cache_disabled", "torrent cache is not configured"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout", "request timed out"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// targetFromQuery reads the torrent a request refers to: magnet wins over
// torrent_id.
func targetFromQuery(r *http.Request) (domain.TorrentID, error) {
	q := r.URL.Query()
	if magnet := strings.TrimSpace(q.Get("magnet")); magnet != "" {
		return domain.ResolveID(domain.TorrentSource{Magnet: magnet})
	}
	if id := strings.TrimSpace(q.Get("torrent_id")); id != "" {
		return domain.TorrentID(id), nil
	}
	return "", fmt.Errorf("%w: magnet or torrent_id is required", domain.ErrInvalidInput)
}

func parseFileIndex(value string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	idx, err := strconv.Atoi(value)
	if err != nil || idx < 0 {
		return 0, fmt.Errorf("%w: file_index must be a non-negative integer", domain.ErrInvalidInput)
	}
	return idx, nil
}

func parseOptionalIntQuery(value string, defaultValue int) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return 0, fmt.Errorf("%w: invalid integer %q", domain.ErrInvalidInput, value)
	}
	return parsed, nil
}

var (
	errInvalidRange        = errors.New("invalid range")
	errRangeNotSatisfiable = errors.New("range not satisfiable")
)

// parseByteRange parses a single "bytes=" range against size. Suffix
// ("-500") and open-ended ("100-") forms are accepted; multi-range is not.
func parseByteRange(value string, size int64) (int64, int64, error) {
	if size <= 0 {
		return 0, 0, errRangeNotSatisfiable
	}

	value = strings.TrimSpace(value)
	lower := strings.ToLower(value)
	if !strings.HasPrefix(lower, "bytes=") {
		return 0, 0, errInvalidRange
	}

	spec := strings.TrimSpace(value[len("bytes="):])
	if spec == "" || strings.Contains(spec, ",") {
		return 0, 0, errInvalidRange
	}

	startStr, endStr, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, errInvalidRange
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	if startStr == "" {
		if endStr == "" {
			return 0, 0, errInvalidRange
		}
		suffix, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || suffix <= 0 {
			return 0, 0, errInvalidRange
		}
		if suffix > size {
			suffix = size
		}
		return size - suffix, size - 1, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, errInvalidRange
	}
	if start >= size {
		return 0, 0, errRangeNotSatisfiable
	}
	if endStr == "" {
		return start, size - 1, nil
	}

	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return 0, 0, errInvalidRange
	}
	if end >= size {
		end = size - 1
	}
	return start, end, nil
}

const octetStream = "application/octet-stream"

func fallbackContentType(ext string) string {
	switch ext {
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	case ".avi":
		return "video/x-msvideo"
	case ".mov":
		return "video/quicktime"
	case ".wmv":
		return "video/x-ms-wmv"
	case ".flv":
		return "video/x-flv"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".flac":
		return "audio/flac"
	case ".ogg":
		return "audio/ogg"
	case ".m4a":
		return "audio/mp4"
	case ".aac":
		return "audio/aac"
	case ".wma":
		return "audio/x-ms-wma"
	default:
		return octetStream
	}
}
