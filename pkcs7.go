package apkdebugger

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
)

var (
	oidData          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	oidSignedData    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	oidDigestSHA256  = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidRSAEncryption = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
)

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     []byte `asn1:"explicit,optional,tag:0"`
}

type pkcs7SignedData struct {
	ContentType asn1.ObjectIdentifier
	Content     signedData `asn1:"explicit,tag:0"`
}

type signedData struct {
	Version                    int
	DigestAlgorithmIdentifiers []pkix.AlgorithmIdentifier `asn1:"set"`
	ContentInfo                contentInfo
	Certificates               rawCertificates        `asn1:"optional,tag:0"`
	CRLs                       []pkix.CertificateList `asn1:"optional,tag:1"`
	SignerInfos                []signerInfo           `asn1:"set"`
}

type rawCertificates struct {
	Raw asn1.RawContent
}

type signerInfo struct {
	Version                   int
	IssuerAndSerialNumber     issuerAndSerial
	DigestAlgorithm           pkix.AlgorithmIdentifier
	DigestEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedDigest           []byte
}

type issuerAndSerial struct {
	IssuerName   asn1.RawValue
	SerialNumber *big.Int
}

// SignDetached produces a DER-encoded CMS SignedData over content, with the
// content itself absent and the signer's certificate embedded. The signature
// is RSASSA-PKCS1-v1_5 with SHA-256.
func SignDetached(content []byte, id *SigningIdentity) ([]byte, error) {
	if id == nil || id.PrivateKey == nil || id.Certificate == nil {
		return nil, errors.New("pkcs7: incomplete signing identity")
	}

	digest := sha256.Sum256(content)
	sig, err := rsa.SignPKCS1v15(rand.Reader, id.PrivateKey, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("pkcs7: %w", err)
	}

	digestAlg := pkix.AlgorithmIdentifier{
		Algorithm:  oidDigestSHA256,
		Parameters: asn1.NullRawValue,
	}
	sigAlg := pkix.AlgorithmIdentifier{
		Algorithm:  oidRSAEncryption,
		Parameters: asn1.NullRawValue,
	}

	sd := pkcs7SignedData{
		ContentType: oidSignedData,
		Content: signedData{
			Version:                    1,
			DigestAlgorithmIdentifiers: []pkix.AlgorithmIdentifier{digestAlg},
			ContentInfo:                contentInfo{ContentType: oidData},
			Certificates:               marshalCertificates(id.Certificate),
			SignerInfos: []signerInfo{{
				Version: 1,
				IssuerAndSerialNumber: issuerAndSerial{
					IssuerName:   asn1.RawValue{FullBytes: id.Certificate.RawIssuer},
					SerialNumber: id.Certificate.SerialNumber,
				},
				DigestAlgorithm:           digestAlg,
				DigestEncryptionAlgorithm: sigAlg,
				EncryptedDigest:           sig,
			}},
		},
	}
	return asn1.Marshal(sd)
}

func marshalCertificates(certs ...*x509.Certificate) rawCertificates {
	var buf bytes.Buffer
	for _, cert := range certs {
		buf.Write(cert.Raw)
	}
	val := asn1.RawValue{Bytes: buf.Bytes(), Class: 2, Tag: 0, IsCompound: true}
	b, _ := asn1.Marshal(val)
	return rawCertificates{Raw: b}
}

func (raw rawCertificates) parse() ([]*x509.Certificate, error) {
	if len(raw.Raw) == 0 {
		return nil, nil
	}
	var val asn1.RawValue
	if _, err := asn1.Unmarshal(raw.Raw, &val); err != nil {
		return nil, err
	}
	return x509.ParseCertificates(val.Bytes)
}

// VerifyDetached checks a DER-encoded detached SignedData against the given
// content using the certificates embedded in the structure.
func VerifyDetached(der, content []byte) error {
	var sd pkcs7SignedData
	if rest, err := asn1.Unmarshal(der, &sd); err != nil {
		return fmt.Errorf("pkcs7: %w", err)
	} else if len(rest) != 0 {
		return errors.New("pkcs7: trailing data")
	}
	if !sd.ContentType.Equal(oidSignedData) {
		return errors.New("pkcs7: not signedData")
	}

	certs, err := sd.Content.Certificates.parse()
	if err != nil {
		return fmt.Errorf("pkcs7: %w", err)
	}
	if len(certs) == 0 {
		return errors.New("pkcs7: certificate missing from signedData")
	}

	digest := sha256.Sum256(content)
	for _, si := range sd.Content.SignerInfos {
		var cert *x509.Certificate
		for _, c := range certs {
			if bytes.Equal(c.RawIssuer, si.IssuerAndSerialNumber.IssuerName.FullBytes) &&
				c.SerialNumber.Cmp(si.IssuerAndSerialNumber.SerialNumber) == 0 {
				cert = c
				break
			}
		}
		if cert == nil {
			return errors.New("pkcs7: no certificate matches signer")
		}
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return errors.New("pkcs7: signer certificate is not RSA")
		}
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], si.EncryptedDigest); err != nil {
			return fmt.Errorf("pkcs7: %w", err)
		}
	}
	return nil
}
