package pki

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// Engine is the capability needed to issue certificates. Implementations
// differ only in which toolkit does the work.
type Engine interface {
	GenerateCA(ctx context.Context, req Request) (Certificate, PrivateKey, error)
	GenerateCert(ctx context.Context, issuer Issuer, req Request) (Certificate, PrivateKey, error)
	Sign(ctx context.Context, issuer Issuer, csr CertificateSigningRequest) (Certificate, error)
}

// RequestGenerator creates a fresh key and a signing request for it.
type RequestGenerator interface {
	GenerateRequest(ctx context.Context, req Request) (CertificateSigningRequest, PrivateKey, error)
}

// Request describes the subject of a certificate. Hosts may contain DNS names
// and IP addresses.
type Request struct {
	CommonName    string
	Hosts         []string
	Organizations []string
}

func (r Request) validate() error {
	if r.CommonName == "" {
		return errors.New("common name cannot be empty")
	}
	return nil
}

func (r Request) subject() string {
	var b strings.Builder
	b.WriteString("/CN=")
	b.WriteString(escapeSubject(r.CommonName))
	for _, org := range r.Organizations {
		b.WriteString("/O=")
		b.WriteString(escapeSubject(org))
	}
	return b.String()
}

func (r Request) splitHosts() (dnsNames []string, ips []net.IP) {
	for _, host := range r.Hosts {
		if ip := net.ParseIP(host); ip != nil {
			ips = append(ips, ip)
		} else {
			dnsNames = append(dnsNames, host)
		}
	}
	return dnsNames, ips
}

func escapeSubject(s string) string {
	return strings.ReplaceAll(s, "/", `\/`)
}

// Issuer is the certificate and key of a certificate authority as handed to
// an Engine.
type Issuer struct {
	Certificate Certificate
	Key         PrivateKey
}

type Validity struct {
	CA   time.Duration
	Leaf time.Duration
}

func DefaultValidity() Validity {
	return Validity{
		CA:   Days(10000),
		Leaf: Days(365),
	}
}

func Days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func (v Validity) caDays() int {
	return int(v.CA / (24 * time.Hour))
}

func (v Validity) leafDays() int {
	return int(v.Leaf / (24 * time.Hour))
}

type options struct {
	fs       afero.Fs
	validity Validity
}

type Option func(o *options)

// WithFs sets the filesystem used for temporary files. Engines that run
// external tools need a filesystem backed by the OS.
func WithFs(fs afero.Fs) Option {
	return func(o *options) {
		o.fs = fs
	}
}

func WithValidity(v Validity) Option {
	return func(o *options) {
		o.validity = v
	}
}

func newOptions(opts []Option) options {
	o := options{
		fs:       afero.NewOsFs(),
		validity: DefaultValidity(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

const (
	tempCAName    = "ca.pem"
	tempCAKeyName = "ca-key.pem"
)

// scratchDir is a private temporary directory that holds tool inputs for the
// duration of one operation.
type scratchDir struct {
	fs   afero.Fs
	path string
}

func newScratchDir(fs afero.Fs) (*scratchDir, error) {
	dir, err := afero.TempDir(fs, "", "kaws-pki-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary directory: %w", err)
	}
	if err := fs.Chmod(dir, 0o700); err != nil {
		fs.RemoveAll(dir)
		return nil, fmt.Errorf("failed to restrict temporary directory: %w", err)
	}
	return &scratchDir{fs: fs, path: dir}, nil
}

func (s *scratchDir) Path(name string) string {
	return filepath.Join(s.path, name)
}

func (s *scratchDir) Write(name string, data []byte) (string, error) {
	path := s.Path(name)
	if err := writePrivateFile(s.fs, path, data); err != nil {
		return "", fmt.Errorf("failed to write temporary file %q: %w", name, err)
	}
	return path, nil
}

func (s *scratchDir) Remove() error {
	if err := s.fs.RemoveAll(s.path); err != nil {
		return fmt.Errorf("failed to remove temporary directory %q: %w", s.path, err)
	}
	return nil
}

// withScratch runs fn with a fresh scratch directory and removes the directory
// afterwards on every path. A removal failure is reported even when fn
// succeeds, since it may leave key material behind.
func withScratch(fs afero.Fs, fn func(s *scratchDir) error) (err error) {
	s, err := newScratchDir(fs)
	if err != nil {
		return err
	}
	defer func() {
		if rmErr := s.Remove(); rmErr != nil {
			err = errors.Join(err, rmErr)
		}
	}()

	return fn(s)
}

// withIssuer is withScratch with the issuer's certificate and key already
// written to the directory.
func withIssuer(fs afero.Fs, issuer Issuer, fn func(s *scratchDir, certPath, keyPath string) error) error {
	return withScratch(fs, func(s *scratchDir) error {
		certPath, err := s.Write(tempCAName, issuer.Certificate.Bytes())
		if err != nil {
			return err
		}
		keyPath, err := s.Write(tempCAKeyName, issuer.Key.Bytes())
		if err != nil {
			return err
		}
		return fn(s, certPath, keyPath)
	})
}
