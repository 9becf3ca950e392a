package pki

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"

	"gopkg.in/ini.v1"

	"github.com/kaws-project/kaws/server/internal/exec"
)

var _ Engine = (*OpenSSLEngine)(nil)
var _ RequestGenerator = (*OpenSSLEngine)(nil)

// OpenSSLEngine drives the openssl command line tool. Each logical step of an
// operation is one invocation, with PEM exchanged through a private scratch
// directory.
type OpenSSLEngine struct {
	run  exec.CmdRunner
	bin  string
	opts options
}

func NewOpenSSLEngine(run exec.CmdRunner, bin string, opts ...Option) *OpenSSLEngine {
	if bin == "" {
		bin = "openssl"
	}
	return &OpenSSLEngine{
		run:  run,
		bin:  bin,
		opts: newOptions(opts),
	}
}

func (e *OpenSSLEngine) GenerateCA(ctx context.Context, req Request) (Certificate, PrivateKey, error) {
	if err := req.validate(); err != nil {
		return Certificate{}, PrivateKey{}, err
	}
	var cert Certificate
	var key PrivateKey
	err := withScratch(e.opts.fs, func(s *scratchDir) error {
		var err error
		key, err = e.genrsa(ctx)
		if err != nil {
			return err
		}
		keyPath, err := s.Write("ca-key.pem", key.Bytes())
		if err != nil {
			return err
		}
		configPath, err := e.writeConfig(s, req, true)
		if err != nil {
			return err
		}

		out, err := e.invoke(ctx, "req", "-x509", "-new", "-nodes",
			"-key", keyPath,
			"-days", strconv.Itoa(e.opts.validity.caDays()),
			"-subj", req.subject(),
			"-config", configPath,
			"-extensions", "v3_ca",
		)
		if err != nil {
			return err
		}
		cert, err = CertificateFromPEM(out)
		return err
	})
	if err != nil {
		return Certificate{}, PrivateKey{}, err
	}
	return cert, key, nil
}

func (e *OpenSSLEngine) GenerateCert(ctx context.Context, issuer Issuer, req Request) (Certificate, PrivateKey, error) {
	if err := req.validate(); err != nil {
		return Certificate{}, PrivateKey{}, err
	}
	var cert Certificate
	var key PrivateKey
	err := withIssuer(e.opts.fs, issuer, func(s *scratchDir, caPath, caKeyPath string) error {
		configPath, err := e.writeConfig(s, req, false)
		if err != nil {
			return err
		}
		var csr CertificateSigningRequest
		csr, key, err = e.request(ctx, s, req, configPath)
		if err != nil {
			return err
		}
		cert, err = e.sign(ctx, s, caPath, caKeyPath, csr, configPath)
		return err
	})
	if err != nil {
		return Certificate{}, PrivateKey{}, err
	}
	return cert, key, nil
}

func (e *OpenSSLEngine) Sign(ctx context.Context, issuer Issuer, csr CertificateSigningRequest) (Certificate, error) {
	var cert Certificate
	err := withIssuer(e.opts.fs, issuer, func(s *scratchDir, caPath, caKeyPath string) error {
		configPath, err := e.writeConfig(s, Request{}, false)
		if err != nil {
			return err
		}
		cert, err = e.sign(ctx, s, caPath, caKeyPath, csr, configPath)
		return err
	})
	if err != nil {
		return Certificate{}, err
	}
	return cert, nil
}

func (e *OpenSSLEngine) GenerateRequest(ctx context.Context, req Request) (CertificateSigningRequest, PrivateKey, error) {
	if err := req.validate(); err != nil {
		return CertificateSigningRequest{}, PrivateKey{}, err
	}
	var csr CertificateSigningRequest
	var key PrivateKey
	err := withScratch(e.opts.fs, func(s *scratchDir) error {
		configPath, err := e.writeConfig(s, req, false)
		if err != nil {
			return err
		}
		csr, key, err = e.request(ctx, s, req, configPath)
		return err
	})
	if err != nil {
		return CertificateSigningRequest{}, PrivateKey{}, err
	}
	return csr, key, nil
}

func (e *OpenSSLEngine) genrsa(ctx context.Context) (PrivateKey, error) {
	out, err := e.invoke(ctx, "genrsa", "2048")
	if err != nil {
		return PrivateKey{}, err
	}
	return PrivateKeyFromPEM(out)
}

func (e *OpenSSLEngine) request(ctx context.Context, s *scratchDir, req Request, configPath string) (CertificateSigningRequest, PrivateKey, error) {
	key, err := e.genrsa(ctx)
	if err != nil {
		return CertificateSigningRequest{}, PrivateKey{}, err
	}
	keyPath, err := s.Write("key.pem", key.Bytes())
	if err != nil {
		return CertificateSigningRequest{}, PrivateKey{}, err
	}
	out, err := e.invoke(ctx, "req", "-new",
		"-key", keyPath,
		"-subj", req.subject(),
		"-config", configPath,
	)
	if err != nil {
		return CertificateSigningRequest{}, PrivateKey{}, err
	}
	csr, err := CertificateSigningRequestFromPEM(out)
	if err != nil {
		return CertificateSigningRequest{}, PrivateKey{}, err
	}
	return csr, key, nil
}

func (e *OpenSSLEngine) sign(
	ctx context.Context,
	s *scratchDir,
	caPath, caKeyPath string,
	csr CertificateSigningRequest,
	configPath string,
) (Certificate, error) {
	csrPath, err := s.Write("request.csr", csr.Bytes())
	if err != nil {
		return Certificate{}, err
	}
	serial, err := randomSerial()
	if err != nil {
		return Certificate{}, err
	}
	out, err := e.invoke(ctx, "x509", "-req",
		"-in", csrPath,
		"-CA", caPath,
		"-CAkey", caKeyPath,
		"-set_serial", serial,
		"-days", strconv.Itoa(e.opts.validity.leafDays()),
		"-extensions", "v3_req",
		"-extfile", configPath,
	)
	if err != nil {
		return Certificate{}, err
	}
	return CertificateFromPEM(out)
}

func (e *OpenSSLEngine) invoke(ctx context.Context, args ...string) ([]byte, error) {
	out, err := e.run(ctx, exec.Cmd{
		Name: e.bin,
		Args: args,
	})
	if err != nil {
		return nil, err
	}
	return out.Stdout, nil
}

func (e *OpenSSLEngine) writeConfig(s *scratchDir, req Request, ca bool) (string, error) {
	cfg, err := opensslConfig(req, ca)
	if err != nil {
		return "", fmt.Errorf("failed to generate openssl config: %w", err)
	}
	return s.Write("openssl.cnf", cfg)
}

// opensslConfig renders the request and extension sections consumed by
// 'openssl req' and 'openssl x509 -extfile'.
func opensslConfig(req Request, ca bool) ([]byte, error) {
	file := ini.Empty()

	reqSection, err := file.NewSection("req")
	if err != nil {
		return nil, err
	}
	if err := addKeys(reqSection, [][2]string{
		{"distinguished_name", "req_distinguished_name"},
		{"req_extensions", "v3_req"},
	}); err != nil {
		return nil, err
	}
	if _, err := file.NewSection("req_distinguished_name"); err != nil {
		return nil, err
	}

	if ca {
		caSection, err := file.NewSection("v3_ca")
		if err != nil {
			return nil, err
		}
		if err := addKeys(caSection, [][2]string{
			{"basicConstraints", "critical,CA:TRUE"},
			{"keyUsage", "critical,keyCertSign,cRLSign,digitalSignature"},
			{"subjectKeyIdentifier", "hash"},
		}); err != nil {
			return nil, err
		}
	}

	v3Req, err := file.NewSection("v3_req")
	if err != nil {
		return nil, err
	}
	if err := addKeys(v3Req, [][2]string{
		{"basicConstraints", "CA:FALSE"},
		{"keyUsage", "nonRepudiation,digitalSignature,keyEncipherment"},
		{"extendedKeyUsage", "serverAuth,clientAuth"},
	}); err != nil {
		return nil, err
	}

	dnsNames, ips := req.splitHosts()
	if len(dnsNames)+len(ips) > 0 {
		if _, err := v3Req.NewKey("subjectAltName", "@alt_names"); err != nil {
			return nil, err
		}
		altNames, err := file.NewSection("alt_names")
		if err != nil {
			return nil, err
		}
		for i, name := range dnsNames {
			if _, err := altNames.NewKey(fmt.Sprintf("DNS.%d", i+1), name); err != nil {
				return nil, err
			}
		}
		for i, ip := range ips {
			if _, err := altNames.NewKey(fmt.Sprintf("IP.%d", i+1), ip.String()); err != nil {
				return nil, err
			}
		}
	}

	var buf bytes.Buffer
	if _, err := file.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func addKeys(section *ini.Section, kvs [][2]string) error {
	for _, kv := range kvs {
		if _, err := section.NewKey(kv[0], kv[1]); err != nil {
			return fmt.Errorf("failed to add key %q to section %q: %w", kv[0], section.Name(), err)
		}
	}
	return nil
}

func randomSerial() (string, error) {
	sn, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", fmt.Errorf("failed to generate serial number: %w", err)
	}
	return "0x" + sn.Text(16), nil
}
