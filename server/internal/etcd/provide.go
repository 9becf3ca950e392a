package etcd

import (
	"github.com/rs/zerolog"
	"github.com/samber/do"

	"github.com/kaws-project/kaws/server/internal/config"
)

func Provide(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*Client, error) {
		cfg, err := do.Invoke[config.Config](i)
		if err != nil {
			return nil, err
		}
		logger, err := do.Invoke[zerolog.Logger](i)
		if err != nil {
			return nil, err
		}
		client, err := NewClient(cfg.Etcd, logger)
		if err != nil {
			return nil, err
		}
		return &Client{Client: client}, nil
	})
}
