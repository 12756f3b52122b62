//go:build !darwin && !dragonfly && !freebsd && !openbsd && !linux && !netbsd

package direvent

import (
	"context"
	"fmt"
	"runtime"
)

// unsupportedBackend reports the platform mismatch instead of silently doing
// nothing, for anything outside the inotify/kqueue pair this daemon targets
// (§4.6 scopes the design to Linux and the BSDs/macOS).
type unsupportedBackend struct{}

func NewBackend() (Backend, error) {
	return nil, fmt.Errorf("direvent: no backend available for %s", runtime.GOOS)
}

func (unsupportedBackend) Watch(string, uint32, bool) error   { return errUnsupportedBackend }
func (unsupportedBackend) Unwatch(string) error               { return errUnsupportedBackend }
func (unsupportedBackend) Events() <-chan NativeEvent         { return nil }
func (unsupportedBackend) Errors() <-chan error                { return nil }
func (unsupportedBackend) Run(context.Context) error          { return errUnsupportedBackend }
func (unsupportedBackend) Close() error                        { return nil }
func (unsupportedBackend) Translate() TranslationTable         { return nil }
func (unsupportedBackend) ChangeBits() (uint32, uint32)        { return 0, 0 }
func (unsupportedBackend) WatchesFilesDirectly() bool          { return false }

var errUnsupportedBackend = fmt.Errorf("direvent: backend not supported on %s", runtime.GOOS)
