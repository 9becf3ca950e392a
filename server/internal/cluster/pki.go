package cluster

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/kaws-project/kaws/server/internal/pki"
)

// ErrPKIExists is returned when generating PKI for a cluster that already
// has some.
var ErrPKIExists = errors.New("cluster already has PKI")

// ServiceIP is the cluster IP of the Kubernetes API service.
const ServiceIP = "10.3.0.1"

// MasterSANs returns the subject alternative names of the API server
// certificate.
func MasterSANs(domain string) []string {
	sans := []string{
		"kubernetes",
		"kubernetes.default",
		"kubernetes.default.svc",
		"kubernetes.default.svc.cluster.local",
	}
	if domain != "" {
		sans = append(sans, "kubernetes."+domain)
	}
	return append(sans, ServiceIP)
}

func commonName(c Component, cluster string) string {
	return fmt.Sprintf("kaws-%s-%s", c, cluster)
}

// Generator creates and writes a cluster's certificate authorities and
// Kubernetes certificates. Every private key is written only as an encrypted
// artifact.
type Generator struct {
	engine    pki.Engine
	encryptor pki.KeyEncryptor
	fs        afero.Fs
	logger    zerolog.Logger
}

func NewGenerator(engine pki.Engine, encryptor pki.KeyEncryptor, fs afero.Fs, logger zerolog.Logger) *Generator {
	return &Generator{
		engine:    engine,
		encryptor: encryptor,
		fs:        fs,
		logger:    logger.With().Str("component", "pki_generator").Logger(),
	}
}

// GeneratePKI creates the etcd, etcd peer, and Kubernetes CAs, and the
// Kubernetes master and node certificates issued by the Kubernetes CA. A
// failed run removes the files it wrote so that it can be retried.
func (g *Generator) GeneratePKI(ctx context.Context, l Layout, domain string) (err error) {
	for _, c := range Components() {
		exists, err := afero.Exists(g.fs, l.CertPath(c))
		if err != nil {
			return fmt.Errorf("failed to check for %q: %w", l.CertPath(c), err)
		}
		if exists {
			return fmt.Errorf("%w: %q exists", ErrPKIExists, l.CertPath(c))
		}
	}
	if err := l.Init(g.fs); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, g.removePKI(l))
		}
	}()

	for _, c := range []Component{ComponentEtcdCA, ComponentEtcdPeerCA} {
		ca, err := g.generateCA(ctx, l, c)
		if err != nil {
			return err
		}
		ca.PrivateKey().Zero()
	}
	k8sCA, err := g.generateCA(ctx, l, ComponentK8sCA)
	if err != nil {
		return err
	}
	defer k8sCA.PrivateKey().Zero()
	if err := g.generateCert(ctx, l, k8sCA, ComponentK8sMaster, MasterSANs(domain)); err != nil {
		return err
	}
	return g.generateCert(ctx, l, k8sCA, ComponentK8sNode, nil)
}

func (g *Generator) removePKI(l Layout) error {
	var errs []error
	for _, c := range Components() {
		for _, path := range []string{l.CertPath(c), l.EncryptedKeyPath(c)} {
			if err := g.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, fmt.Errorf("failed to remove %q: %w", path, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (g *Generator) generateCA(ctx context.Context, l Layout, c Component) (*pki.CertificateAuthority, error) {
	ca, err := pki.GenerateCertificateAuthority(ctx, g.engine, commonName(c, l.Name))
	if err != nil {
		return nil, err
	}
	if err := ca.WriteToFiles(ctx, g.fs, g.encryptor, l.CertPath(c), l.EncryptedKeyPath(c)); err != nil {
		return nil, err
	}
	g.logWritten(c, ca.Certificate(), l)
	return ca, nil
}

func (g *Generator) generateCert(ctx context.Context, l Layout, ca *pki.CertificateAuthority, c Component, sans []string) error {
	cert, key, err := ca.GenerateCert(ctx, commonName(c, l.Name), sans, nil)
	if err != nil {
		return err
	}
	defer key.Zero()

	if err := key.WriteToFile(ctx, g.encryptor, l.EncryptedKeyPath(c)); err != nil {
		return fmt.Errorf("failed to write %s key: %w", c, err)
	}
	if err := cert.WriteToFile(g.fs, l.CertPath(c)); err != nil {
		return fmt.Errorf("failed to write %s certificate: %w", c, err)
	}
	g.logWritten(c, cert, l)
	return nil
}

func (g *Generator) logWritten(c Component, cert pki.Certificate, l Layout) {
	g.logger.Info().
		Str("cluster", l.Name).
		Str("certificate", string(c)).
		Str("path", l.CertPath(c)).
		Str("expires", humanize.Time(cert.NotAfter())).
		Msg("wrote certificate and encrypted key")
}
