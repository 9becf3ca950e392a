package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/samber/do"

	"github.com/kaws-project/kaws/server/internal/config"
)

func Provide(i *do.Injector) {
	provideLogger(i, os.Stderr)
}

func provideLogger(i *do.Injector, out io.Writer) {
	do.Provide(i, func(i *do.Injector) (zerolog.Logger, error) {
		cfg, err := do.Invoke[config.Config](i)
		if err != nil {
			return zerolog.Nop(), err
		}
		logger, err := newLogger(out, cfg)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("failed to create logger: %w", err)
		}
		return logger, nil
	})
}
