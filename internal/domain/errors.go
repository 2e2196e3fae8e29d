package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrMetadataTimeout = errors.New("metadata timeout")
	ErrSwarm           = errors.New("swarm error")
	ErrTorrentNotFound = errors.New("torrent not found")
	ErrFileNotFound    = errors.New("file not found")
	ErrNotReady        = errors.New("torrent not ready")
	ErrStream          = errors.New("stream error")
	ErrShuttingDown    = errors.New("shutting down")
)

// SwarmError is an engine-reported fault translated at the adapter boundary.
// It matches ErrSwarm under errors.Is.
type SwarmError struct {
	Op  string
	Err error
}

func NewSwarmError(op string, err error) *SwarmError {
	return &SwarmError{Op: op, Err: err}
}

func (e *SwarmError) Error() string {
	if e.Err == nil {
		return "swarm error: " + e.Op
	}
	if e.Op == "" {
		return "swarm error: " + e.Err.Error()
	}
	return "swarm error: " + e.Op + ": " + e.Err.Error()
}

func (e *SwarmError) Unwrap() error { return e.Err }

func (e *SwarmError) Is(target error) bool { return target == ErrSwarm }
