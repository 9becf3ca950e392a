package pki

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaws-project/kaws/server/internal/exec"
)

var _ Engine = (*CFSSLEngine)(nil)
var _ RequestGenerator = (*CFSSLEngine)(nil)

// CFSSLEngine drives the cfssl tool through its JSON request and response
// protocol.
type CFSSLEngine struct {
	run  exec.CmdRunner
	bin  string
	opts options
}

func NewCFSSLEngine(run exec.CmdRunner, bin string, opts ...Option) *CFSSLEngine {
	if bin == "" {
		bin = "cfssl"
	}
	return &CFSSLEngine{
		run:  run,
		bin:  bin,
		opts: newOptions(opts),
	}
}

type cfsslKeyRequest struct {
	Algo string `json:"algo"`
	Size int    `json:"size"`
}

type cfsslName struct {
	O string `json:"O,omitempty"`
}

type cfsslCAConfig struct {
	Expiry string `json:"expiry,omitempty"`
}

type cfsslRequest struct {
	CN    string          `json:"CN"`
	Key   cfsslKeyRequest `json:"key"`
	Hosts []string        `json:"hosts"`
	Names []cfsslName     `json:"names,omitempty"`
	CA    *cfsslCAConfig  `json:"ca,omitempty"`
}

type cfsslResponse struct {
	Cert string `json:"cert"`
	Key  string `json:"key"`
	CSR  string `json:"csr"`
}

type cfsslSigningProfile struct {
	Expiry string   `json:"expiry"`
	Usages []string `json:"usages"`
}

type cfsslConfig struct {
	Signing struct {
		Default cfsslSigningProfile `json:"default"`
	} `json:"signing"`
}

func newCFSSLRequest(req Request) cfsslRequest {
	r := cfsslRequest{
		CN:    req.CommonName,
		Key:   cfsslKeyRequest{Algo: "rsa", Size: 2048},
		Hosts: req.Hosts,
	}
	if r.Hosts == nil {
		r.Hosts = []string{}
	}
	for _, org := range req.Organizations {
		r.Names = append(r.Names, cfsslName{O: org})
	}
	return r
}

func (e *CFSSLEngine) signingConfig() ([]byte, error) {
	var cfg cfsslConfig
	cfg.Signing.Default = cfsslSigningProfile{
		Expiry: fmt.Sprintf("%dh", int(e.opts.validity.Leaf.Hours())),
		Usages: []string{"signing", "key encipherment", "server auth", "client auth"},
	}
	return json.Marshal(cfg)
}

func (e *CFSSLEngine) GenerateCA(ctx context.Context, req Request) (Certificate, PrivateKey, error) {
	if err := req.validate(); err != nil {
		return Certificate{}, PrivateKey{}, err
	}
	r := newCFSSLRequest(req)
	r.CA = &cfsslCAConfig{Expiry: fmt.Sprintf("%dh", int(e.opts.validity.CA.Hours()))}

	resp, err := e.gencert(ctx, r, "-initca", "-")
	if err != nil {
		return Certificate{}, PrivateKey{}, err
	}
	return resp.certAndKey()
}

func (e *CFSSLEngine) GenerateCert(ctx context.Context, issuer Issuer, req Request) (Certificate, PrivateKey, error) {
	if err := req.validate(); err != nil {
		return Certificate{}, PrivateKey{}, err
	}
	var cert Certificate
	var key PrivateKey
	err := withIssuer(e.opts.fs, issuer, func(s *scratchDir, caPath, caKeyPath string) error {
		configPath, err := e.writeSigningConfig(s)
		if err != nil {
			return err
		}
		args := []string{"-ca", caPath, "-ca-key", caKeyPath, "-config", configPath}
		if len(req.Hosts) > 0 {
			args = append(args, "-hostname", strings.Join(req.Hosts, ","))
		}
		args = append(args, "-")

		resp, err := e.gencert(ctx, newCFSSLRequest(req), args...)
		if err != nil {
			return err
		}
		cert, key, err = resp.certAndKey()
		return err
	})
	if err != nil {
		return Certificate{}, PrivateKey{}, err
	}
	return cert, key, nil
}

func (e *CFSSLEngine) Sign(ctx context.Context, issuer Issuer, csr CertificateSigningRequest) (Certificate, error) {
	var cert Certificate
	err := withIssuer(e.opts.fs, issuer, func(s *scratchDir, caPath, caKeyPath string) error {
		configPath, err := e.writeSigningConfig(s)
		if err != nil {
			return err
		}
		csrPath, err := s.Write("request.csr", csr.Bytes())
		if err != nil {
			return err
		}

		resp, err := e.invoke(ctx, nil, "sign",
			"-ca", caPath,
			"-ca-key", caKeyPath,
			"-config", configPath,
			csrPath,
		)
		if err != nil {
			return err
		}
		cert, err = CertificateFromPEM([]byte(resp.Cert))
		return err
	})
	if err != nil {
		return Certificate{}, err
	}
	return cert, nil
}

func (e *CFSSLEngine) GenerateRequest(ctx context.Context, req Request) (CertificateSigningRequest, PrivateKey, error) {
	if err := req.validate(); err != nil {
		return CertificateSigningRequest{}, PrivateKey{}, err
	}
	resp, err := e.invokeJSON(ctx, newCFSSLRequest(req), "genkey", "-")
	if err != nil {
		return CertificateSigningRequest{}, PrivateKey{}, err
	}
	csr, err := CertificateSigningRequestFromPEM([]byte(resp.CSR))
	if err != nil {
		return CertificateSigningRequest{}, PrivateKey{}, err
	}
	key, err := PrivateKeyFromPEM([]byte(resp.Key))
	if err != nil {
		return CertificateSigningRequest{}, PrivateKey{}, err
	}
	return csr, key, nil
}

func (e *CFSSLEngine) writeSigningConfig(s *scratchDir) (string, error) {
	cfg, err := e.signingConfig()
	if err != nil {
		return "", fmt.Errorf("failed to encode cfssl config: %w", err)
	}
	return s.Write("config.json", cfg)
}

func (e *CFSSLEngine) gencert(ctx context.Context, req cfsslRequest, args ...string) (*cfsslResponse, error) {
	return e.invokeJSON(ctx, req, append([]string{"gencert"}, args...)...)
}

func (e *CFSSLEngine) invokeJSON(ctx context.Context, req cfsslRequest, args ...string) (*cfsslResponse, error) {
	stdin, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cfssl request: %w", err)
	}
	return e.invoke(ctx, stdin, args...)
}

func (e *CFSSLEngine) invoke(ctx context.Context, stdin []byte, args ...string) (*cfsslResponse, error) {
	out, err := e.run(ctx, exec.Cmd{
		Name:  e.bin,
		Args:  args,
		Stdin: stdin,
	})
	if err != nil {
		return nil, err
	}

	var resp cfsslResponse
	if err := json.Unmarshal(out.Stdout, &resp); err != nil {
		return nil, fmt.Errorf("%w: invalid cfssl %s response: %w", ErrParse, args[0], err)
	}
	return &resp, nil
}

func (r *cfsslResponse) certAndKey() (Certificate, PrivateKey, error) {
	cert, err := CertificateFromPEM([]byte(r.Cert))
	if err != nil {
		return Certificate{}, PrivateKey{}, err
	}
	key, err := PrivateKeyFromPEM([]byte(r.Key))
	if err != nil {
		return Certificate{}, PrivateKey{}, err
	}
	return cert, key, nil
}
