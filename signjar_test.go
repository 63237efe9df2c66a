package apkdebugger

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func b64sha256(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func TestDigestEntries(t *testing.T) {
	a := NewArchive()
	a.Put("a/y", []byte{0x01})
	a.Put("a/x", []byte{0x00})
	a.Put("META-INF/OLD.SF", []byte("old"))
	a.Put("dir/", nil)

	digests := DigestEntries(a)
	require.Len(t, digests, 2, "META-INF and directories are not digested")
	assert.Equal(t, b64sha256([]byte{0x00}), digests["a/x"])
	assert.Equal(t, b64sha256([]byte{0x01}), digests["a/y"])
}

func TestBuildManifest(t *testing.T) {
	m := BuildManifest(map[string]string{
		"a/y": b64sha256([]byte{0x01}),
		"a/x": b64sha256([]byte{0x00}),
	})

	assert.Equal(t, []string{"a/x", "a/y"}, m.Order, "ascending lexical name order")

	expected := "Manifest-Version: 1.0\r\n" +
		"Created-By: " + createdByVersion + "\r\n" +
		"\r\n" +
		"Name: a/x\r\n" +
		"SHA-256-Digest: " + b64sha256([]byte{0x00}) + "\r\n" +
		"\r\n" +
		"Name: a/y\r\n" +
		"SHA-256-Digest: " + b64sha256([]byte{0x01}) + "\r\n" +
		"\r\n"
	assert.Equal(t, expected, string(m.Raw))

	// the manifest is the concatenation of the header and the blocks
	assert.True(t, bytes.HasSuffix(m.Raw, append(append([]byte{}, m.Blocks["a/x"]...), m.Blocks["a/y"]...)))
}

func TestManifestLineWrapping(t *testing.T) {
	longName := "assets/" + strings.Repeat("very-long-path-segment/", 8) + "file.bin"
	m := BuildManifest(map[string]string{longName: b64sha256(nil)})

	for _, line := range strings.Split(string(m.Raw), "\r\n") {
		assert.LessOrEqual(t, len(line), maxLineLength, "line %q", line)
	}

	// continuation lines carry a single leading space and reassemble to the
	// full logical line
	var logical []string
	for _, line := range strings.Split(strings.TrimSuffix(string(m.Raw), "\r\n"), "\r\n") {
		if strings.HasPrefix(line, " ") {
			require.NotEmpty(t, logical)
			logical[len(logical)-1] += line[1:]
		} else {
			logical = append(logical, line)
		}
	}
	assert.Contains(t, logical, "Name: "+longName)
}

func TestBuildSignatureFile(t *testing.T) {
	m := BuildManifest(map[string]string{
		"a/x": b64sha256([]byte{0x00}),
		"a/y": b64sha256([]byte{0x01}),
	})
	sf := string(BuildSignatureFile(m))

	expected := "Signature-Version: 1.0\r\n" +
		"SHA-256-Digest-Manifest: " + b64sha256(m.Raw) + "\r\n" +
		"Created-By: " + createdByVersion + "\r\n" +
		"\r\n" +
		"Name: a/x\r\n" +
		"SHA-256-Digest: " + b64sha256(m.Blocks["a/x"]) + "\r\n" +
		"\r\n" +
		"Name: a/y\r\n" +
		"SHA-256-Digest: " + b64sha256(m.Blocks["a/y"]) + "\r\n" +
		"\r\n"
	assert.Equal(t, expected, sf)
}

func TestStripSignatures(t *testing.T) {
	a := NewArchive()
	a.Put("META-INF/MANIFEST.MF", []byte("m"))
	a.Put("META-INF/OLD.RSA", []byte("r"))
	a.Put("META-INF/old.sf", []byte("s"))
	a.Put("META-INF/MYCERT", []byte("c"))
	a.Put("META-INF/services/foo", []byte("svc"))
	a.Put("classes.dex", []byte("dex"))

	removed := StripSignatures(a)
	assert.Len(t, removed, 4)

	assert.True(t, a.Has("META-INF/services/foo"))
	assert.True(t, a.Has("classes.dex"))
	assert.False(t, a.Has("META-INF/MANIFEST.MF"))
	assert.False(t, a.Has("META-INF/OLD.RSA"))
	assert.False(t, a.Has("META-INF/old.sf"))
	assert.False(t, a.Has("META-INF/MYCERT"))
}

func TestIsSignatureEntry(t *testing.T) {
	for name, want := range map[string]bool{
		"META-INF/MANIFEST.MF":  true,
		"META-INF/manifest.mf":  true,
		"META-INF/CERT.SF":      true,
		"META-INF/cert.rsa":     true,
		"META-INF/KEY.DSA":      true,
		"META-INF/KEY.EC":       true,
		"META-INF/signing-block": true,
		"META-INF/services/foo": false,
		"META-INF/LICENSE":      false,
		"meta-inf/CERT.SF":      false, // directory prefix is case-sensitive
		"classes.dex":           false,
	} {
		assert.Equal(t, want, isSignatureEntry(name), "entry %s", name)
	}
}

func TestSignArchive(t *testing.T) {
	a := NewArchive()
	a.Put("classes.dex", []byte("dex bytes"))
	a.Put("res/layout/main.xml", []byte("layout"))

	id, err := GenerateSigningIdentity()
	require.NoError(t, err)

	require.NoError(t, SignArchive(a, id, "cert"))

	manifest, err := a.Read("META-INF/MANIFEST.MF")
	require.NoError(t, err)
	sf, err := a.Read("META-INF/CERT.SF")
	require.NoError(t, err)
	pkcs, err := a.Read("META-INF/CERT.RSA")
	require.NoError(t, err)

	assert.Contains(t, string(manifest), "Name: classes.dex")
	assert.Contains(t, string(sf), "SHA-256-Digest-Manifest: "+b64sha256(manifest))
	assert.NoError(t, VerifyDetached(pkcs, sf))
}
