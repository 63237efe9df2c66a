package apkdebugger

import (
	"encoding/asn1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignDetached(t *testing.T) {
	id, err := GenerateSigningIdentity()
	require.NoError(t, err)

	content := []byte("Signature-Version: 1.0\r\n\r\n")
	der, err := SignDetached(content, id)
	require.NoError(t, err)

	var sd pkcs7SignedData
	rest, err := asn1.Unmarshal(der, &sd)
	require.NoError(t, err)
	assert.Empty(t, rest)

	assert.True(t, sd.ContentType.Equal(oidSignedData))
	assert.Equal(t, 1, sd.Content.Version)
	require.Len(t, sd.Content.DigestAlgorithmIdentifiers, 1)
	assert.True(t, sd.Content.DigestAlgorithmIdentifiers[0].Algorithm.Equal(oidDigestSHA256))

	// detached: eContent absent
	assert.True(t, sd.Content.ContentInfo.ContentType.Equal(oidData))
	assert.Empty(t, sd.Content.ContentInfo.Content)

	certs, err := sd.Content.Certificates.parse()
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, id.Certificate.Raw, certs[0].Raw)

	require.Len(t, sd.Content.SignerInfos, 1)
	si := sd.Content.SignerInfos[0]
	assert.Equal(t, 1, si.Version)
	assert.Equal(t, id.Certificate.RawIssuer, si.IssuerAndSerialNumber.IssuerName.FullBytes)
	assert.Zero(t, si.IssuerAndSerialNumber.SerialNumber.Cmp(id.Certificate.SerialNumber))
	assert.True(t, si.DigestAlgorithm.Algorithm.Equal(oidDigestSHA256))
	assert.True(t, si.DigestEncryptionAlgorithm.Algorithm.Equal(oidRSAEncryption))

	assert.NoError(t, VerifyDetached(der, content))
}

func TestVerifyDetachedRejectsTamper(t *testing.T) {
	id, err := GenerateSigningIdentity()
	require.NoError(t, err)

	content := []byte("some signature file")
	der, err := SignDetached(content, id)
	require.NoError(t, err)

	assert.Error(t, VerifyDetached(der, []byte("some other content")))
}

func TestSignDetachedRejectsIncompleteIdentity(t *testing.T) {
	_, err := SignDetached([]byte("x"), nil)
	assert.Error(t, err)

	_, err = SignDetached([]byte("x"), &SigningIdentity{})
	assert.Error(t, err)
}
