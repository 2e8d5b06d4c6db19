//go:build !linux

package notifier

import (
	"errors"

	"github.com/dendisuhubdy/ijson/internal/interfaces"
)

// New is unavailable outside Linux; build and run with Mock (see
// mock.go) on other platforms.
func New(maxEvents int) (interfaces.Notifier, error) {
	return nil, errors.New("notifier: epoll backend requires linux")
}
