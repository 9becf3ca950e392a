package kms

import (
	"fmt"
	"path/filepath"

	"github.com/samber/do"

	"github.com/kaws-project/kaws/server/internal/config"
)

func Provide(i *do.Injector) {
	provideClient(i)
}

func provideClient(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (Client, error) {
		cfg, err := do.Invoke[config.Config](i)
		if err != nil {
			return nil, err
		}
		return NewClient(cfg)
	})
}

// NewClient returns the client selected by cfg. A relative credentials path is
// resolved against the root directory.
func NewClient(cfg config.Config) (Client, error) {
	switch cfg.KMS.Provider {
	case config.KMSProviderAWS:
		path := cfg.KMS.AWS.CredentialsPath
		if path != "" && !filepath.IsAbs(path) {
			path = filepath.Join(cfg.RootDir, path)
		}
		return NewAWSClient(AWSOptions{
			Region:   cfg.Region,
			Endpoint: cfg.KMS.AWS.Endpoint,
			Credentials: NewCredentials(CredentialsOptions{
				AccessKeyID:     cfg.KMS.AWS.AccessKeyID,
				SecretAccessKey: cfg.KMS.AWS.SecretAccessKey,
				Path:            path,
				Profile:         cfg.KMS.AWS.Profile,
			}),
		})
	case config.KMSProviderKeeper:
		return NewKeeperClient(cfg.KMS.Keepers), nil
	default:
		return nil, fmt.Errorf("unsupported kms provider %q", cfg.KMS.Provider)
	}
}
