package pki

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"
)

var _ Engine = (*NativeEngine)(nil)
var _ RequestGenerator = (*NativeEngine)(nil)

const rsaKeyBits = 2048

// NativeEngine issues certificates in-process with crypto/x509. It produces
// the same material as the tool-based engines: RSA 2048 keys in PKCS #1 PEM.
type NativeEngine struct {
	opts options
}

func NewNativeEngine(opts ...Option) *NativeEngine {
	return &NativeEngine{opts: newOptions(opts)}
}

func (e *NativeEngine) GenerateCA(ctx context.Context, req Request) (Certificate, PrivateKey, error) {
	if err := req.validate(); err != nil {
		return Certificate{}, PrivateKey{}, err
	}
	key, err := generateRSAKey(ctx)
	if err != nil {
		return Certificate{}, PrivateKey{}, err
	}
	sn, err := serialNumber()
	if err != nil {
		return Certificate{}, PrivateKey{}, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: sn,
		Subject: pkix.Name{
			CommonName:   req.CommonName,
			Organization: req.Organizations,
		},
		NotBefore:             now,
		NotAfter:              now.Add(e.opts.validity.CA),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return Certificate{}, PrivateKey{}, fmt.Errorf("failed to generate certificate authority: %w", err)
	}

	return encodeCertificate(certDER), encodeRSAKey(key), nil
}

func (e *NativeEngine) GenerateCert(ctx context.Context, issuer Issuer, req Request) (Certificate, PrivateKey, error) {
	if err := req.validate(); err != nil {
		return Certificate{}, PrivateKey{}, err
	}
	caCert, caKey, err := parseIssuer(issuer)
	if err != nil {
		return Certificate{}, PrivateKey{}, err
	}
	key, err := generateRSAKey(ctx)
	if err != nil {
		return Certificate{}, PrivateKey{}, err
	}

	dnsNames, ips := req.splitHosts()
	template, err := e.leafTemplate(pkix.Name{
		CommonName:   req.CommonName,
		Organization: req.Organizations,
	})
	if err != nil {
		return Certificate{}, PrivateKey{}, err
	}
	template.DNSNames = dnsNames
	template.IPAddresses = ips

	certDER, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
	if err != nil {
		return Certificate{}, PrivateKey{}, fmt.Errorf("failed to generate certificate: %w", err)
	}

	return encodeCertificate(certDER), encodeRSAKey(key), nil
}

func (e *NativeEngine) Sign(_ context.Context, issuer Issuer, csr CertificateSigningRequest) (Certificate, error) {
	caCert, caKey, err := parseIssuer(issuer)
	if err != nil {
		return Certificate{}, err
	}
	req, err := csr.X509()
	if err != nil {
		return Certificate{}, err
	}
	if err := req.CheckSignature(); err != nil {
		return Certificate{}, fmt.Errorf("certificate signing request signature verification failed: %w", err)
	}

	template, err := e.leafTemplate(req.Subject)
	if err != nil {
		return Certificate{}, err
	}
	template.DNSNames = req.DNSNames
	template.IPAddresses = req.IPAddresses

	certDER, err := x509.CreateCertificate(rand.Reader, template, caCert, req.PublicKey, caKey)
	if err != nil {
		return Certificate{}, fmt.Errorf("failed to sign certificate: %w", err)
	}

	return encodeCertificate(certDER), nil
}

func (e *NativeEngine) GenerateRequest(ctx context.Context, req Request) (CertificateSigningRequest, PrivateKey, error) {
	if err := req.validate(); err != nil {
		return CertificateSigningRequest{}, PrivateKey{}, err
	}
	key, err := generateRSAKey(ctx)
	if err != nil {
		return CertificateSigningRequest{}, PrivateKey{}, err
	}

	dnsNames, ips := req.splitHosts()
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName:   req.CommonName,
			Organization: req.Organizations,
		},
		DNSNames:    dnsNames,
		IPAddresses: ips,
	}, key)
	if err != nil {
		return CertificateSigningRequest{}, PrivateKey{}, fmt.Errorf("failed to create certificate signing request: %w", err)
	}

	csr := CertificateSigningRequest{bytes: pem.EncodeToMemory(&pem.Block{
		Type:  pemTypeCSR,
		Bytes: der,
	})}
	return csr, encodeRSAKey(key), nil
}

func (e *NativeEngine) leafTemplate(subject pkix.Name) (*x509.Certificate, error) {
	sn, err := serialNumber()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &x509.Certificate{
		SerialNumber: sn,
		Subject:      subject,
		NotBefore:    now,
		NotAfter:     now.Add(e.opts.validity.Leaf),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}, nil
}

func generateRSAKey(ctx context.Context) (*rsa.PrivateKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return key, nil
}

// Random 128-bit serial number
func serialNumber() (*big.Int, error) {
	sn, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return sn, nil
}

func parseIssuer(issuer Issuer) (*x509.Certificate, crypto.Signer, error) {
	cert, err := issuer.Certificate.X509()
	if err != nil {
		return nil, nil, err
	}
	key, err := parsePrivateKey(issuer.Key)
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

func parsePrivateKey(key PrivateKey) (crypto.Signer, error) {
	block, _ := pem.Decode(key.Bytes())
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found in private key", ErrParse)
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrParse, err)
		}
		return k, nil
	case "EC PRIVATE KEY":
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrParse, err)
		}
		return k, nil
	default:
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrParse, err)
		}
		signer, ok := k.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("%w: %w", ErrParse, errors.New("unsupported private key type"))
		}
		return signer, nil
	}
}

func encodeCertificate(der []byte) Certificate {
	return Certificate{bytes: pem.EncodeToMemory(&pem.Block{
		Type:  pemTypeCertificate,
		Bytes: der,
	})}
}

func encodeRSAKey(key *rsa.PrivateKey) PrivateKey {
	return PrivateKey{bytes: pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})}
}
