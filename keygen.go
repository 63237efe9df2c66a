package apkdebugger

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"
)

const (
	signerCommonName   = "APK Debug Key"
	signerOrganization = "Debug"

	rsaKeyBits    = 2048
	certValidFor  = 10 * 365 * 24 * time.Hour
	serialNumSize = 8
)

var (
	oidCommonName          = asn1.ObjectIdentifier{2, 5, 4, 3}
	oidOrganization        = asn1.ObjectIdentifier{2, 5, 4, 10}
	oidExtKeyUsage         = asn1.ObjectIdentifier{2, 5, 29, 15}
	oidExtBasicConstraints = asn1.ObjectIdentifier{2, 5, 29, 19}
)

// SigningIdentity carries the freshly generated key material used for the
// v1 signature: an RSA private key and its self-signed certificate.
type SigningIdentity struct {
	PrivateKey  *rsa.PrivateKey
	Certificate *x509.Certificate
}

// GenerateSigningIdentity creates a 2048-bit RSA key and a self-signed
// X.509 v3 certificate valid for ten years. The subject is fixed, the
// serial is 8 random bytes, and the extensions are basic-constraints
// (cA=false, critical) followed by key-usage (digitalSignature, critical).
func GenerateSigningIdentity() (*SigningIdentity, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("rsa keygen: %w", err)
	}

	serialBytes := make([]byte, serialNumSize)
	if _, err := rand.Read(serialBytes); err != nil {
		return nil, fmt.Errorf("serial: %w", err)
	}
	serial := new(big.Int).SetBytes(serialBytes)

	// ExtraNames keeps the CN-then-O order instead of the library's
	// canonical RDN ordering.
	subject := pkix.Name{
		ExtraNames: []pkix.AttributeTypeAndValue{
			{Type: oidCommonName, Value: signerCommonName},
			{Type: oidOrganization, Value: signerOrganization},
		},
	}

	basicConstraints, err := asn1.Marshal(struct{}{})
	if err != nil {
		return nil, err
	}
	keyUsage, err := asn1.Marshal(asn1.BitString{Bytes: []byte{0x80}, BitLength: 1})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:       serial,
		Subject:            subject,
		NotBefore:          now,
		NotAfter:           now.Add(certValidFor),
		SignatureAlgorithm: x509.SHA256WithRSA,
		ExtraExtensions: []pkix.Extension{
			{Id: oidExtBasicConstraints, Critical: true, Value: basicConstraints},
			{Id: oidExtKeyUsage, Critical: true, Value: keyUsage},
		},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("certificate reparse: %w", err)
	}

	return &SigningIdentity{PrivateKey: key, Certificate: cert}, nil
}
