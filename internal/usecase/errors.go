package usecase

import (
	"errors"
	"fmt"
)

var (
	ErrRepository    = errors.New("repository error")
	ErrCacheDisabled = errors.New("torrent cache disabled")
)

func wrapRepo(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrRepository, err)
}
