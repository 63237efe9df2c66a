package apkdebugger

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPipeline() *Pipeline {
	return NewPipeline(zerolog.Nop())
}

func testApk(t *testing.T, manifest []byte) []byte {
	t.Helper()
	a := NewArchive()
	a.Put("AndroidManifest.xml", manifest)
	a.Put("classes.dex", []byte("dex bytes"))
	a.Put("res/layout/main.xml", []byte("layout"))
	a.Put("META-INF/MANIFEST.MF", []byte("old manifest"))
	a.Put("META-INF/OLD.RSA", []byte("old signature"))
	a.Put("META-INF/services/com.example.Service", []byte("svc"))
	out, err := a.Serialize()
	require.NoError(t, err)
	return out
}

func TestPipelineRun(t *testing.T) {
	input := testApk(t, testManifest(t, false, false))

	res := testPipeline().Run(context.Background(), "app.apk", input)
	require.True(t, res.Success)
	require.NotEmpty(t, res.Output)

	require.NotNil(t, res.Info)
	assert.Equal(t, "com.example.app", res.Info.Package)

	out, err := OpenArchive(res.Output)
	require.NoError(t, err)

	// manifest is patched
	manifest, err := out.Read("AndroidManifest.xml")
	require.NoError(t, err)
	doc, err := ParseXmlDocument(manifest)
	require.NoError(t, err)
	assert.True(t, doc.IsDebuggable())

	// previous signature gone, unrelated META-INF entry kept
	assert.False(t, out.Has("META-INF/OLD.RSA"))
	assert.True(t, out.Has("META-INF/services/com.example.Service"))

	// fresh v1 signature present and consistent
	mf, err := out.Read("META-INF/MANIFEST.MF")
	require.NoError(t, err)
	sf, err := out.Read("META-INF/CERT.SF")
	require.NoError(t, err)
	pkcs, err := out.Read("META-INF/CERT.RSA")
	require.NoError(t, err)

	assert.Contains(t, string(mf), "Name: classes.dex")
	assert.Contains(t, string(mf), "SHA-256-Digest: "+b64sha256([]byte("dex bytes")))
	assert.Contains(t, string(mf), "Name: AndroidManifest.xml")
	assert.Contains(t, string(mf), "SHA-256-Digest: "+b64sha256(manifest),
		"the digested manifest is the patched one")
	assert.Contains(t, string(sf), "SHA-256-Digest-Manifest: "+b64sha256(mf))
	assert.NoError(t, VerifyDetached(pkcs, sf))

	// digest set equals the output's file entries outside META-INF/
	digests := DigestEntries(out)
	assert.Len(t, digests, 3)

	hasSuccess := false
	for _, ev := range res.Events {
		if ev.Kind == EventSuccess {
			hasSuccess = true
		}
		assert.False(t, ev.Timestamp.IsZero())
	}
	assert.True(t, hasSuccess)
}

func TestPipelineRunBundle(t *testing.T) {
	base := testApk(t, testManifest(t, true, false))
	split := packArchive(t, map[string][]byte{
		"lib/arm64-v8a/libnative.so": []byte("native"),
		"META-INF/SPLIT.SF":          []byte("split sig"),
	})

	bundle := NewArchive()
	bundle.Put("base.apk", base)
	bundle.Put("config.arm64.apk", split)
	data, err := bundle.Serialize()
	require.NoError(t, err)

	res := testPipeline().Run(context.Background(), "app.apks", data)
	require.True(t, res.Success)

	out, err := OpenArchive(res.Output)
	require.NoError(t, err)
	assert.True(t, out.Has("lib/arm64-v8a/libnative.so"))
	assert.False(t, out.Has("META-INF/SPLIT.SF"))

	manifest, err := out.Read("AndroidManifest.xml")
	require.NoError(t, err)
	doc, err := ParseXmlDocument(manifest)
	require.NoError(t, err)
	assert.True(t, doc.IsDebuggable())
}

func TestPipelineFallbackPatch(t *testing.T) {
	manifest := testManifest(t, true, false)
	// poison the string pool flags so parsing fails while the resource-id
	// table and attribute records stay intact for the byte scan
	poisoned := make([]byte, len(manifest))
	copy(poisoned, manifest)
	flagsOff := chunkHeaderSize + chunkHeaderSize + 8
	binary.LittleEndian.PutUint32(poisoned[flagsOff:],
		binary.LittleEndian.Uint32(poisoned[flagsOff:])|0x40)

	res := testPipeline().Run(context.Background(), "app.apk", testApk(t, poisoned))
	require.True(t, res.Success)

	hasWarning := false
	for _, ev := range res.Events {
		if ev.Kind == EventWarning {
			hasWarning = true
		}
	}
	assert.True(t, hasWarning, "degraded path emits a warning")

	require.NotNil(t, res.Info)
	assert.Equal(t, "unknown", res.Info.Package, "facts are placeholders")

	out, err := OpenArchive(res.Output)
	require.NoError(t, err)
	patched, err := out.Read("AndroidManifest.xml")
	require.NoError(t, err)

	// the byte-scan forced the boolean data word on
	idx, err := findResourceIdIndex(patched, resIdDebuggable)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, idx, 0)
	again, err := PatchDebuggableRaw(patched)
	require.NoError(t, err)
	assert.Equal(t, patched, again, "the matched data word is already all-ones")
}

func TestPipelineMissingManifest(t *testing.T) {
	data := packArchive(t, map[string][]byte{"classes.dex": []byte("dex")})

	res := testPipeline().Run(context.Background(), "app.apk", data)
	assert.False(t, res.Success)
	assert.Nil(t, res.Output)

	hasError := false
	for _, ev := range res.Events {
		if ev.Kind == EventError {
			hasError = true
		}
	}
	assert.True(t, hasError)
}

func TestPipelineInvalidInput(t *testing.T) {
	res := testPipeline().Run(context.Background(), "app.apk", []byte("garbage"))
	assert.False(t, res.Success)
	assert.Nil(t, res.Output)
}

func TestPipelineCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := testPipeline().Run(ctx, "app.apk", testApk(t, testManifest(t, true, false)))
	assert.False(t, res.Success)
	assert.Nil(t, res.Output, "a cancelled pipeline emits no output")
}
