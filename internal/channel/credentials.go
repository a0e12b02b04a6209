package channel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// CredentialFile holds a bearer token read from disk and keeps it current as
// the file is rewritten by whatever rotates it.
type CredentialFile struct {
	path   string
	logger zerolog.Logger

	mu    sync.RWMutex
	token string
}

func LoadCredentialFile(path string, logger *zerolog.Logger) (*CredentialFile, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: credential file path is required", ErrInvalidOption)
	}
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	f := &CredentialFile{
		path:   filepath.Clean(path),
		logger: l.With().Str("component", "credentials").Logger(),
	}
	if _, err := f.reload(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *CredentialFile) Token() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.token
}

// Watch blocks until ctx is done, calling onChange with the new token each
// time the file's content changes. The parent directory is watched so atomic
// rename-over replacements are seen.
func (f *CredentialFile) Watch(ctx context.Context, onChange func(token string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != f.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			changed, err := f.reload()
			if err != nil {
				f.logger.Warn().Err(err).Str("path", f.path).Msg("credential reload failed")
				continue
			}
			if changed && onChange != nil {
				f.logger.Info().Str("path", f.path).Msg("credential rotated")
				onChange(f.Token())
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn().Err(err).Msg("credential watcher error")
		}
	}
}

func (f *CredentialFile) reload() (bool, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return false, err
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return false, errors.New("credential file is empty")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if token == f.token {
		return false, nil
	}
	f.token = token
	return true, nil
}
