package apkdebugger

import (
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSigningIdentity(t *testing.T) {
	id, err := GenerateSigningIdentity()
	require.NoError(t, err)

	assert.Equal(t, rsaKeyBits, id.PrivateKey.N.BitLen())
	assert.Equal(t, 65537, id.PrivateKey.E)

	cert := id.Certificate
	assert.LessOrEqual(t, cert.SerialNumber.BitLen(), serialNumSize*8)
	assert.Equal(t, signerCommonName, cert.Subject.CommonName)
	assert.Equal(t, []string{signerOrganization}, cert.Subject.Organization)
	assert.Equal(t, cert.RawSubject, cert.RawIssuer, "self-signed")
	assert.Equal(t, x509.SHA256WithRSA, cert.SignatureAlgorithm)

	// valid for ten years from now
	assert.WithinDuration(t, time.Now(), cert.NotBefore, time.Minute)
	assert.WithinDuration(t, cert.NotBefore.Add(certValidFor), cert.NotAfter, time.Minute)

	// basic constraints before key usage, both critical
	var extOrder []string
	for _, ext := range cert.Extensions {
		switch {
		case ext.Id.Equal(oidExtBasicConstraints):
			extOrder = append(extOrder, "basicConstraints")
			assert.True(t, ext.Critical)
		case ext.Id.Equal(oidExtKeyUsage):
			extOrder = append(extOrder, "keyUsage")
			assert.True(t, ext.Critical)
		}
	}
	assert.Equal(t, []string{"basicConstraints", "keyUsage"}, extOrder)

	assert.False(t, cert.IsCA)
	assert.Equal(t, x509.KeyUsageDigitalSignature, cert.KeyUsage)

	// the certificate verifies under its own key
	assert.NoError(t, cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature))
}

func TestGenerateSigningIdentityUnique(t *testing.T) {
	a, err := GenerateSigningIdentity()
	require.NoError(t, err)
	b, err := GenerateSigningIdentity()
	require.NoError(t, err)

	assert.NotEqual(t, a.Certificate.SerialNumber, b.Certificate.SerialNumber)
	assert.NotEqual(t, a.PrivateKey.N, b.PrivateKey.N)
}
