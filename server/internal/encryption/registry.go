package encryption

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// FatalHandler is invoked when a plaintext file can't be removed. The default
// handler logs at fatal level, which exits the process.
type FatalHandler func(err error, path string)

func defaultFatalHandler(logger zerolog.Logger) FatalHandler {
	return func(err error, path string) {
		logger.Fatal().
			Err(err).
			Str("path", path).
			Msg("failed to remove decrypted file, remove it manually")
	}
}

// DecryptedFileRegistry tracks plaintext files so that each one is removed
// exactly once when the owning operation ends.
type DecryptedFileRegistry struct {
	fs     afero.Fs
	logger zerolog.Logger
	fatal  FatalHandler
	paths  []string
	seen   map[string]struct{}
}

func NewDecryptedFileRegistry(fs afero.Fs, logger zerolog.Logger, fatal FatalHandler) *DecryptedFileRegistry {
	if fatal == nil {
		fatal = defaultFatalHandler(logger)
	}
	return &DecryptedFileRegistry{
		fs:     fs,
		logger: logger,
		fatal:  fatal,
		seen:   map[string]struct{}{},
	}
}

func (r *DecryptedFileRegistry) Register(path string) {
	if _, ok := r.seen[path]; ok {
		return
	}
	r.seen[path] = struct{}{}
	r.paths = append(r.paths, path)
}

func (r *DecryptedFileRegistry) Paths() []string {
	return append([]string(nil), r.paths...)
}

// RemoveAll removes every registered file and empties the registry. Files
// that no longer exist are skipped. Any other failure is passed to the fatal
// handler; if the handler returns, the failures are also returned.
func (r *DecryptedFileRegistry) RemoveAll() error {
	var errs []error
	for _, path := range r.paths {
		err := r.fs.Remove(path)
		switch {
		case err == nil:
			r.logger.Debug().Str("path", path).Msg("removed decrypted file")
		case errors.Is(err, os.ErrNotExist):
		default:
			err = fmt.Errorf("%w: failed to remove decrypted file %q: %w", ErrIO, path, err)
			r.fatal(err, path)
			errs = append(errs, err)
		}
	}
	r.paths = nil
	r.seen = map[string]struct{}{}

	return errors.Join(errs...)
}
