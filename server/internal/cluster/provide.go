package cluster

import (
	"time"

	"github.com/samber/do"

	"github.com/kaws-project/kaws/server/internal/config"
	"github.com/kaws-project/kaws/server/internal/etcd"
	"github.com/kaws-project/kaws/server/internal/storage"
)

func Provide(i *do.Injector) {
	provideStore(i)
}

func provideStore(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*Store, error) {
		cfg, err := do.Invoke[config.Config](i)
		if err != nil {
			return nil, err
		}
		client, err := do.Invoke[*etcd.Client](i)
		if err != nil {
			return nil, err
		}
		timeout := time.Duration(cfg.Etcd.TimeoutSeconds) * time.Second
		return NewStore(storage.WithTimeout(client, timeout), cfg.Etcd.KeyRoot), nil
	})
}
