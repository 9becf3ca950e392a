package etcd

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/kaws-project/kaws/server/internal/config"
	"github.com/kaws-project/kaws/server/internal/logging"
)

var ErrNoEndpoints = errors.New("no etcd endpoints are configured")

func clientConfig(cfg config.Etcd, logger zerolog.Logger) (clientv3.Config, error) {
	if len(cfg.Endpoints) == 0 {
		return clientv3.Config{}, ErrNoEndpoints
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return clientv3.Config{}, fmt.Errorf("failed to parse etcd log level: %w", err)
	}

	var tlsCfg *tls.Config
	if cfg.TLS() {
		tlsCfg, err = clientTLSConfig(cfg)
		if err != nil {
			return clientv3.Config{}, err
		}
	}

	return clientv3.Config{
		Logger:      logging.Zap(logger, level),
		Endpoints:   cfg.Endpoints,
		TLS:         tlsCfg,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: 5 * time.Second,
	}, nil
}

func clientTLSConfig(cfg config.Etcd) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	if cfg.CertFile != "" {
		clientCert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{clientCert}
	}
	if cfg.CACert != "" {
		rootCA, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}
		certPool := x509.NewCertPool()
		if ok := certPool.AppendCertsFromPEM(rootCA); !ok {
			return nil, errors.New("failed to use CA cert")
		}
		tlsCfg.RootCAs = certPool
	}
	return tlsCfg, nil
}

// NewClient connects to the etcd cluster that holds published PKI and
// rotation ledgers.
func NewClient(cfg config.Etcd, logger zerolog.Logger) (*clientv3.Client, error) {
	clientCfg, err := clientConfig(cfg, logger)
	if err != nil {
		return nil, err
	}
	client, err := clientv3.New(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize etcd client: %w", err)
	}
	return client, nil
}

// Client is the injected etcd client. It is closed when the injector shuts
// down.
type Client struct {
	*clientv3.Client
}

func (c *Client) Shutdown() error {
	return c.Close()
}
