package anacrolix

import (
	"context"
	"log/slog"

	tlog "github.com/anacrolix/log"
)

// torrentLogHandler forwards anacrolix/torrent log records to slog.
type torrentLogHandler struct {
	log *slog.Logger
}

func newTorrentLogger(logger *slog.Logger) tlog.Logger {
	tl := tlog.NewLogger()
	tl.SetHandlers(&torrentLogHandler{log: logger.With(slog.String("component", "anacrolix"))})
	return tl
}

func (h *torrentLogHandler) Handle(r tlog.Record) {
	h.log.Log(context.Background(), slogLevel(r.Level), r.Msg.String())
}

func slogLevel(level tlog.Level) slog.Level {
	switch level {
	case tlog.Critical, tlog.Error:
		return slog.LevelError
	case tlog.Warning:
		return slog.LevelWarn
	case tlog.Info:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
