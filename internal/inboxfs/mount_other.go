//go:build !linux && !darwin

package inboxfs

import (
	"errors"

	"github.com/rs/zerolog"
)

var ErrUnsupported = errors.New("inbox mount is not supported on this platform")

type MountOptions struct {
	AllowOther bool
	Debug      bool
	Logger     *zerolog.Logger
}

type Mount struct{}

func MountInbox(dir string, view View, opts MountOptions) (*Mount, error) {
	return nil, ErrUnsupported
}

func (m *Mount) Dir() string    { return "" }
func (m *Mount) Wait()          {}
func (m *Mount) Unmount() error { return nil }
