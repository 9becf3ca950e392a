package keyring

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/do"
	"github.com/spf13/afero"

	"github.com/kaws-project/kaws/server/internal/config"
	"github.com/kaws-project/kaws/server/internal/exec"
)

func Provide(i *do.Injector) {
	provideKeyring(i)
}

func provideKeyring(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*Keyring, error) {
		cfg, err := do.Invoke[config.Config](i)
		if err != nil {
			return nil, err
		}
		logger, err := do.Invoke[zerolog.Logger](i)
		if err != nil {
			return nil, err
		}
		fs, err := do.Invoke[afero.Fs](i)
		if err != nil {
			return nil, err
		}

		run := exec.WithTimeout(exec.WithLogging(exec.RunCmd, logger), time.Duration(cfg.Tools.TimeoutSeconds)*time.Second)
		return New(run, fs, logger, WithBinary(cfg.Tools.GPG)), nil
	})
}
