package encryption

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/do"
	"github.com/spf13/afero"

	"github.com/kaws-project/kaws/server/internal/config"
	"github.com/kaws-project/kaws/server/internal/keyring"
	"github.com/kaws-project/kaws/server/internal/kms"
)

func Provide(i *do.Injector) {
	provideEncryptor(i)
}

func provideEncryptor(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*Encryptor, error) {
		cfg, err := do.Invoke[config.Config](i)
		if err != nil {
			return nil, err
		}
		logger, err := do.Invoke[zerolog.Logger](i)
		if err != nil {
			return nil, err
		}
		client, err := do.Invoke[kms.Client](i)
		if err != nil {
			return nil, err
		}
		fs, err := do.Invoke[afero.Fs](i)
		if err != nil {
			return nil, err
		}
		kr, err := do.Invoke[*keyring.Keyring](i)
		if err != nil {
			return nil, err
		}

		return NewEncryptor(client, fs, logger,
			WithMasterKeyID(cfg.KMS.KeyID),
			WithKeyring(kr),
			WithTimeout(time.Duration(cfg.KMS.TimeoutSeconds)*time.Second),
		), nil
	})
}
