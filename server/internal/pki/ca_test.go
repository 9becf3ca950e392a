package pki_test

import (
	"context"
	"crypto/x509"
	"net"
	osexec "os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaws-project/kaws/server/internal/exec"
	"github.com/kaws-project/kaws/server/internal/pki"
)

func engines(t *testing.T) map[string]pki.Engine {
	t.Helper()

	run := exec.WithTimeout(exec.RunCmd, time.Minute)
	out := map[string]pki.Engine{
		"native": pki.NewNativeEngine(),
	}
	if _, err := osexec.LookPath("cfssl"); err == nil {
		out["cfssl"] = pki.NewCFSSLEngine(run, "cfssl")
	}
	if _, err := osexec.LookPath("openssl"); err == nil {
		out["openssl"] = pki.NewOpenSSLEngine(run, "openssl")
	}
	return out
}

func TestCertificateAuthority(t *testing.T) {
	for name, engine := range engines(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ca, err := pki.GenerateCertificateAuthority(ctx, engine, "kaws-k8s-ca-test")
			require.NoError(t, err)

			caCert, err := ca.Certificate().X509()
			require.NoError(t, err)
			assert.True(t, caCert.IsCA)
			assert.Equal(t, "kaws-k8s-ca-test", caCert.Subject.CommonName)
			assert.Equal(t, 2048, rsaBits(t, caCert))

			t.Run("node certificate without SANs", func(t *testing.T) {
				cert, key, err := ca.GenerateCert(ctx, "kaws-k8s-node-test", nil, []string{"system:nodes"})
				require.NoError(t, err)
				assert.NotEmpty(t, key.Bytes())

				require.NoError(t, cert.Verify(ca.Certificate()))

				parsed, err := cert.X509()
				require.NoError(t, err)
				assert.Equal(t, "kaws-k8s-node-test", parsed.Subject.CommonName)
				assert.Equal(t, []string{"system:nodes"}, parsed.Subject.Organization)
				assert.Empty(t, parsed.DNSNames)
				assert.Empty(t, parsed.IPAddresses)
			})

			t.Run("master certificate with SANs", func(t *testing.T) {
				sans := []string{"kubernetes", "kubernetes.default", "10.3.0.1"}
				cert, _, err := ca.GenerateCert(ctx, "kaws-k8s-master-test", sans, nil)
				require.NoError(t, err)

				require.NoError(t, cert.Verify(ca.Certificate()))

				parsed, err := cert.X509()
				require.NoError(t, err)
				assert.ElementsMatch(t, []string{"kubernetes", "kubernetes.default"}, parsed.DNSNames)
				require.Len(t, parsed.IPAddresses, 1)
				assert.True(t, parsed.IPAddresses[0].Equal(net.ParseIP("10.3.0.1")))
			})

			t.Run("sign request", func(t *testing.T) {
				gen, ok := engine.(pki.RequestGenerator)
				require.True(t, ok)

				csr, key, err := gen.GenerateRequest(ctx, pki.Request{CommonName: "alice-test"})
				require.NoError(t, err)
				assert.NotEmpty(t, key.Bytes())

				cert, err := ca.Sign(ctx, csr)
				require.NoError(t, err)
				require.NoError(t, cert.Verify(ca.Certificate()))

				parsed, err := cert.X509()
				require.NoError(t, err)
				assert.Equal(t, "alice-test", parsed.Subject.CommonName)
			})

			t.Run("certificate from another CA does not verify", func(t *testing.T) {
				other, err := pki.GenerateCertificateAuthority(ctx, engine, "other-ca")
				require.NoError(t, err)
				cert, _, err := other.GenerateCert(ctx, "stranger", nil, nil)
				require.NoError(t, err)

				assert.Error(t, cert.Verify(ca.Certificate()))
			})
		})
	}
}

func TestCertificateAuthorityValidity(t *testing.T) {
	ctx := context.Background()
	engine := pki.NewNativeEngine(pki.WithValidity(pki.Validity{
		CA:   pki.Days(30),
		Leaf: pki.Days(7),
	}))

	ca, err := pki.GenerateCertificateAuthority(ctx, engine, "short-lived")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(pki.Days(30)), ca.Certificate().NotAfter(), time.Minute)

	cert, _, err := ca.GenerateCert(ctx, "leaf", nil, nil)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(pki.Days(7)), cert.NotAfter(), time.Minute)
}

func TestGenerateCertificateAuthorityRequiresName(t *testing.T) {
	_, err := pki.GenerateCertificateAuthority(context.Background(), pki.NewNativeEngine(), "")
	assert.ErrorContains(t, err, "common name cannot be empty")
}

func rsaBits(t *testing.T, cert *x509.Certificate) int {
	t.Helper()

	pub, ok := cert.PublicKey.(interface{ Size() int })
	require.True(t, ok)
	return pub.Size() * 8
}
