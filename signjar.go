package apkdebugger

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"path"
	"sort"
	"strings"
)

// See https://docs.oracle.com/javase/8/docs/technotes/guides/jar/jar.html#JAR_Manifest

const (
	metaInf          = "META-INF/"
	manifestName     = metaInf + "MANIFEST.MF"
	defaultKeyAlias  = "CERT"
	createdByVersion = "1.0 (apkdebugger)"

	maxLineLength = 70
)

// JarManifest is a rendered MANIFEST.MF together with the exact bytes of
// each per-entry block, which the signature file digests individually.
type JarManifest struct {
	Raw    []byte
	Order  []string
	Blocks map[string][]byte
}

// DigestEntries builds the frozen name -> base64(SHA-256) map over every
// signable entry of the archive: directories and anything under META-INF/
// are excluded.
func DigestEntries(a *Archive) map[string]string {
	digests := make(map[string]string)
	for _, e := range a.Entries() {
		if e.IsDir || strings.HasPrefix(e.Name, metaInf) {
			continue
		}
		sum := sha256.Sum256(e.Data)
		digests[e.Name] = base64.StdEncoding.EncodeToString(sum[:])
	}
	return digests
}

// BuildManifest renders MANIFEST.MF with entries in ascending lexical name
// order.
func BuildManifest(digests map[string]string) *JarManifest {
	names := make([]string, 0, len(digests))
	for name := range digests {
		names = append(names, name)
	}
	sort.Strings(names)

	var out bytes.Buffer
	writeAttribute(&out, "Manifest-Version", "1.0")
	writeAttribute(&out, "Created-By", createdByVersion)
	out.WriteString("\r\n")

	m := &JarManifest{Order: names, Blocks: make(map[string][]byte, len(names))}
	for _, name := range names {
		var block bytes.Buffer
		writeAttribute(&block, "Name", name)
		writeAttribute(&block, "SHA-256-Digest", digests[name])
		block.WriteString("\r\n")
		m.Blocks[name] = block.Bytes()
		out.Write(block.Bytes())
	}
	m.Raw = out.Bytes()
	return m
}

// BuildSignatureFile renders the .SF: a digest of the whole manifest
// followed by a digest of every manifest entry block, in manifest order.
func BuildSignatureFile(m *JarManifest) []byte {
	var out bytes.Buffer
	writeAttribute(&out, "Signature-Version", "1.0")
	writeAttribute(&out, "SHA-256-Digest-Manifest", hashSection(m.Raw))
	writeAttribute(&out, "Created-By", createdByVersion)
	out.WriteString("\r\n")

	for _, name := range m.Order {
		writeAttribute(&out, "Name", name)
		writeAttribute(&out, "SHA-256-Digest", hashSection(m.Blocks[name]))
		out.WriteString("\r\n")
	}
	return out.Bytes()
}

func hashSection(section []byte) string {
	sum := sha256.Sum256(section)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// writeAttribute writes a key-value pair, wrapping long lines: the first
// physical line carries 70 bytes, continuations a space plus 69 more.
func writeAttribute(out *bytes.Buffer, key, value string) {
	line := []byte(fmt.Sprintf("%s: %s", key, value))
	for i := 0; i < len(line); {
		goal := maxLineLength
		if i != 0 {
			out.WriteByte(' ')
			goal--
		}
		j := i + goal
		if j > len(line) {
			j = len(line)
		}
		out.Write(line[i:j])
		out.WriteString("\r\n")
		i = j
	}
}

// SignArchive digests the archive's current entry set and inserts the three
// v1 signature entries. The caller must not touch non-META-INF entries
// afterwards, the digests are frozen here.
func SignArchive(a *Archive, id *SigningIdentity, keyAlias string) error {
	if keyAlias == "" {
		keyAlias = defaultKeyAlias
	}
	keyAlias = strings.ToUpper(keyAlias)

	manifest := BuildManifest(DigestEntries(a))
	sigFile := BuildSignatureFile(manifest)
	pkcs, err := SignDetached(sigFile, id)
	if err != nil {
		return err
	}

	a.Put(manifestName, manifest.Raw)
	a.Put(metaInf+keyAlias+".SF", sigFile)
	a.Put(metaInf+keyAlias+".RSA", pkcs)
	return nil
}

// StripSignatures removes prior signature artifacts under META-INF/,
// leaving unrelated META-INF entries (services, version markers) in place.
func StripSignatures(a *Archive) []string {
	var removed []string
	for _, e := range a.Entries() {
		if isSignatureEntry(e.Name) {
			removed = append(removed, e.Name)
		}
	}
	for _, name := range removed {
		a.Remove(name)
	}
	return removed
}

// isSignatureEntry matches signature-related names under META-INF/. The
// directory prefix is case-sensitive, the filename checks are not.
func isSignatureEntry(name string) bool {
	if !strings.HasPrefix(name, metaInf) {
		return false
	}
	base := strings.ToUpper(path.Base(name))
	switch path.Ext(base) {
	case ".SF", ".RSA", ".DSA", ".EC":
		return true
	}
	if base == "MANIFEST.MF" {
		return true
	}
	return strings.Contains(base, "CERT") || strings.Contains(base, "SIGN")
}
