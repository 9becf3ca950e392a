package pki

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/do"

	"github.com/kaws-project/kaws/server/internal/config"
	"github.com/kaws-project/kaws/server/internal/exec"
)

func Provide(i *do.Injector) {
	provideEngine(i)
}

func provideEngine(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (Engine, error) {
		cfg, err := do.Invoke[config.Config](i)
		if err != nil {
			return nil, err
		}
		logger, err := do.Invoke[zerolog.Logger](i)
		if err != nil {
			return nil, err
		}
		return NewEngine(cfg, logger)
	})
}

// NewEngine returns the engine selected by cfg.
func NewEngine(cfg config.Config, logger zerolog.Logger) (Engine, error) {
	run := exec.WithTimeout(exec.WithLogging(exec.RunCmd, logger), time.Duration(cfg.Tools.TimeoutSeconds)*time.Second)
	validity := WithValidity(Validity{
		CA:   Days(cfg.PKI.CAValidityDays),
		Leaf: Days(cfg.PKI.CertValidityDays),
	})

	switch cfg.PKI.Engine {
	case config.PKIEngineCFSSL:
		return NewCFSSLEngine(run, cfg.Tools.CFSSL, validity), nil
	case config.PKIEngineOpenSSL:
		return NewOpenSSLEngine(run, cfg.Tools.OpenSSL, validity), nil
	case config.PKIEngineNative:
		return NewNativeEngine(validity), nil
	default:
		return nil, fmt.Errorf("unsupported pki engine %q", cfg.PKI.Engine)
	}
}
