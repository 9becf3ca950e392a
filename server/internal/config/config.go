package config

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/rs/zerolog"
)

var clusterNamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ValidateClusterName checks that name is usable both as a directory name and
// as an etcd key segment.
func ValidateClusterName(name string) error {
	if name == "" {
		return errors.New("cluster cannot be empty")
	}
	if !clusterNamePattern.MatchString(name) {
		return fmt.Errorf("cluster %q must be lowercase alphanumeric with optional dashes", name)
	}
	return nil
}

type Logging struct {
	Level  string `koanf:"level" json:"level,omitempty"`
	Pretty bool   `koanf:"pretty" json:"pretty,omitempty"`
}

func (l Logging) validate() []error {
	var errs []error
	if _, err := zerolog.ParseLevel(l.Level); err != nil {
		errs = append(errs, fmt.Errorf("level: invalid log level %q: %w", l.Level, err))
	}
	return errs
}

var loggingDefault = Logging{
	Level: "info",
}

type KMSProvider string

const (
	KMSProviderAWS    KMSProvider = "aws"
	KMSProviderKeeper KMSProvider = "keeper"
)

type AWS struct {
	CredentialsPath string `koanf:"credentials_path" json:"credentials_path,omitempty"`
	Profile         string `koanf:"profile" json:"profile,omitempty"`
	AccessKeyID     string `koanf:"access_key_id" json:"access_key_id,omitempty"`
	SecretAccessKey string `koanf:"secret_access_key" json:"secret_access_key,omitempty"`
	Endpoint        string `koanf:"endpoint" json:"endpoint,omitempty"`
}

type KMS struct {
	Provider       KMSProvider       `koanf:"provider" json:"provider,omitempty"`
	KeyID          string            `koanf:"key_id" json:"key_id,omitempty"`
	TimeoutSeconds int               `koanf:"timeout_seconds" json:"timeout_seconds,omitempty"`
	AWS            AWS               `koanf:"aws" json:"aws,omitzero"`
	Keepers        map[string]string `koanf:"keepers" json:"keepers,omitempty"`
}

func (k KMS) validate() []error {
	var errs []error
	if k.TimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("timeout_seconds: must be positive, got %d", k.TimeoutSeconds))
	}
	switch k.Provider {
	case KMSProviderAWS:
		if (k.AWS.AccessKeyID == "") != (k.AWS.SecretAccessKey == "") {
			errs = append(errs, errors.New("aws: access_key_id and secret_access_key must be set together"))
		}
	case KMSProviderKeeper:
		if len(k.Keepers) == 0 {
			errs = append(errs, errors.New("keepers: at least one keeper url is required"))
		}
		for keyID, url := range k.Keepers {
			if url == "" {
				errs = append(errs, fmt.Errorf("keepers.%s: url cannot be empty", keyID))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("provider: unsupported provider %q", k.Provider))
	}
	return errs
}

var kmsDefault = KMS{
	Provider:       KMSProviderAWS,
	TimeoutSeconds: 30,
	AWS: AWS{
		CredentialsPath: "credentials",
		Profile:         "default",
	},
}

type PKIEngine string

const (
	PKIEngineCFSSL   PKIEngine = "cfssl"
	PKIEngineOpenSSL PKIEngine = "openssl"
	PKIEngineNative  PKIEngine = "native"
)

type PKI struct {
	Engine           PKIEngine `koanf:"engine" json:"engine,omitempty"`
	CAValidityDays   int       `koanf:"ca_validity_days" json:"ca_validity_days,omitempty"`
	CertValidityDays int       `koanf:"cert_validity_days" json:"cert_validity_days,omitempty"`
}

func (p PKI) validate() []error {
	var errs []error
	switch p.Engine {
	case PKIEngineCFSSL, PKIEngineOpenSSL, PKIEngineNative:
	default:
		errs = append(errs, fmt.Errorf("engine: unsupported engine %q", p.Engine))
	}
	if p.CAValidityDays < 1 {
		errs = append(errs, fmt.Errorf("ca_validity_days: must be positive, got %d", p.CAValidityDays))
	}
	if p.CertValidityDays < 1 {
		errs = append(errs, fmt.Errorf("cert_validity_days: must be positive, got %d", p.CertValidityDays))
	}
	return errs
}

var pkiDefault = PKI{
	Engine:           PKIEngineCFSSL,
	CAValidityDays:   10000,
	CertValidityDays: 365,
}

type Tools struct {
	CFSSL          string `koanf:"cfssl" json:"cfssl,omitempty"`
	OpenSSL        string `koanf:"openssl" json:"openssl,omitempty"`
	GPG            string `koanf:"gpg" json:"gpg,omitempty"`
	TimeoutSeconds int    `koanf:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

func (t Tools) validate() []error {
	var errs []error
	if t.TimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("timeout_seconds: must be positive, got %d", t.TimeoutSeconds))
	}
	return errs
}

var toolsDefault = Tools{
	CFSSL:          "cfssl",
	OpenSSL:        "openssl",
	GPG:            "gpg2",
	TimeoutSeconds: 60,
}

type Etcd struct {
	Endpoints      []string `koanf:"endpoints" json:"endpoints,omitempty"`
	Username       string   `koanf:"username" json:"username,omitempty"`
	Password       string   `koanf:"password" json:"password,omitempty"`
	KeyRoot        string   `koanf:"key_root" json:"key_root,omitempty"`
	LogLevel       string   `koanf:"log_level" json:"log_level,omitempty"`
	CACert         string   `koanf:"ca_cert" json:"ca_cert,omitempty"`
	CertFile       string   `koanf:"cert_file" json:"cert_file,omitempty"`
	KeyFile        string   `koanf:"key_file" json:"key_file,omitempty"`
	TimeoutSeconds int      `koanf:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

// TLS reports whether the client should connect with TLS.
func (e Etcd) TLS() bool {
	return e.CACert != "" || e.CertFile != ""
}

func (e Etcd) validate() []error {
	var errs []error
	if _, err := zerolog.ParseLevel(e.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: invalid log level %q: %w", e.LogLevel, err))
	}
	if e.KeyRoot == "" {
		errs = append(errs, errors.New("key_root: cannot be empty"))
	}
	if (e.CertFile == "") != (e.KeyFile == "") {
		errs = append(errs, errors.New("cert_file: cert_file and key_file must be set together"))
	}
	if e.TimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("timeout_seconds: must be positive, got %d", e.TimeoutSeconds))
	}
	return errs
}

var etcdDefault = Etcd{
	KeyRoot:        "/kaws",
	LogLevel:       "fatal",
	TimeoutSeconds: 10,
}

type Config struct {
	RootDir string  `koanf:"root_dir" json:"root_dir,omitempty"`
	Cluster string  `koanf:"cluster" json:"cluster,omitempty"`
	Region  string  `koanf:"region" json:"region,omitempty"`
	Domain  string  `koanf:"domain" json:"domain,omitempty"`
	Logging Logging `koanf:"logging" json:"logging,omitzero"`
	KMS     KMS     `koanf:"kms" json:"kms,omitzero"`
	PKI     PKI     `koanf:"pki" json:"pki,omitzero"`
	Tools   Tools   `koanf:"tools" json:"tools,omitzero"`
	Etcd    Etcd    `koanf:"etcd" json:"etcd,omitzero"`
}

func (c Config) Validate() error {
	var errs []error
	if c.RootDir == "" {
		errs = append(errs, errors.New("root_dir cannot be empty"))
	}
	if c.Cluster != "" {
		if err := ValidateClusterName(c.Cluster); err != nil {
			errs = append(errs, err)
		}
	}
	for _, err := range c.Logging.validate() {
		errs = append(errs, fmt.Errorf("logging.%w", err))
	}
	for _, err := range c.KMS.validate() {
		errs = append(errs, fmt.Errorf("kms.%w", err))
	}
	for _, err := range c.PKI.validate() {
		errs = append(errs, fmt.Errorf("pki.%w", err))
	}
	for _, err := range c.Tools.validate() {
		errs = append(errs, fmt.Errorf("tools.%w", err))
	}
	for _, err := range c.Etcd.validate() {
		errs = append(errs, fmt.Errorf("etcd.%w", err))
	}
	return errors.Join(errs...)
}

func DefaultConfig() Config {
	return Config{
		RootDir: ".",
		Region:  "us-east-1",
		Logging: loggingDefault,
		KMS:     kmsDefault,
		PKI:     pkiDefault,
		Tools:   toolsDefault,
		Etcd:    etcdDefault,
	}
}
