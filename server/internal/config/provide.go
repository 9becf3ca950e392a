package config

import (
	"fmt"

	"github.com/samber/do"
)

// Provide registers a Manager over sources and the Config it loads. The
// config is loaded once, on first use.
func Provide(i *do.Injector, sources ...*Source) {
	do.Provide(i, func(_ *do.Injector) (*Manager, error) {
		return NewManager(sources...), nil
	})
	do.Provide(i, func(i *do.Injector) (Config, error) {
		manager, err := do.Invoke[*Manager](i)
		if err != nil {
			return Config{}, err
		}
		if err := manager.Load(); err != nil {
			return Config{}, fmt.Errorf("failed to load config: %w", err)
		}
		return manager.Config(), nil
	})
}
