package apkdebugger

import "encoding/binary"

const (
	chunkNull        = 0x0000
	chunkStringTable = 0x0001
	chunkAxmlFile    = 0x0003
	chunkResourceIds = 0x0180

	chunkMaskXml     = 0x0100
	chunkXmlNsStart  = 0x0100
	chunkXmlNsEnd    = 0x0101
	chunkXmlTagStart = 0x0102
	chunkXmlTagEnd   = 0x0103
	chunkXmlText     = 0x0104

	attrTypeNull      = 0x00
	attrTypeReference = 0x01
	attrTypeAttribute = 0x02
	attrTypeString    = 0x03
	attrTypeFloat     = 0x04
	attrTypeIntDec    = 0x10
	attrTypeIntHex    = 0x11
	attrTypeIntBool   = 0x12

	chunkHeaderSize = (2 + 2 + 4)

	// Fixed attribute record layout in start-element chunks.
	attrRecordSize = 0x14

	// Sentinel index for "no string", encoded as 0xFFFFFFFF on the wire.
	nilStringIndex = 0xFFFFFFFF
)

const androidNamespaceURI = "http://schemas.android.com/apk/res/android"

// Resource ids of the manifest attributes this package reads or writes,
// from frameworks/base/core/res/res/values/public.xml.
const (
	resIdName             = 0x01010003
	resIdDebuggable       = 0x0101000f
	resIdMinSdkVersion    = 0x0101020c
	resIdVersionCode      = 0x0101021b
	resIdVersionName      = 0x0101021c
	resIdTargetSdkVersion = 0x01010270
)

var attrResourceNames = map[uint32]string{
	resIdName:             "name",
	resIdDebuggable:       "debuggable",
	resIdMinSdkVersion:    "minSdkVersion",
	resIdVersionCode:      "versionCode",
	resIdVersionName:      "versionName",
	resIdTargetSdkVersion: "targetSdkVersion",
}

func getAttributeName(resId uint32) string {
	return attrResourceNames[resId]
}

// byteCursor walks a buffer while remembering absolute offsets, so that
// chunk and attribute positions survive into the parsed document.
type byteCursor struct {
	data []byte
	pos  int
}

func (c *byteCursor) remaining() int {
	return len(c.data) - c.pos
}

func (c *byteCursor) uint8() (uint8, bool) {
	if c.remaining() < 1 {
		return 0, false
	}
	v := c.data[c.pos]
	c.pos++
	return v, true
}

func (c *byteCursor) uint16() (uint16, bool) {
	if c.remaining() < 2 {
		return 0, false
	}
	v := binary.LittleEndian.Uint16(c.data[c.pos:])
	c.pos += 2
	return v, true
}

func (c *byteCursor) uint32() (uint32, bool) {
	if c.remaining() < 4 {
		return 0, false
	}
	v := binary.LittleEndian.Uint32(c.data[c.pos:])
	c.pos += 4
	return v, true
}

func (c *byteCursor) skip(n int) bool {
	if c.remaining() < n {
		return false
	}
	c.pos += n
	return true
}

func (c *byteCursor) bytes(n int) ([]byte, bool) {
	if c.remaining() < n {
		return nil, false
	}
	v := c.data[c.pos : c.pos+n]
	c.pos += n
	return v, true
}

func parseChunkHeader(c *byteCursor) (id, headerLen uint16, size uint32, ok bool) {
	if id, ok = c.uint16(); !ok {
		return
	}
	if headerLen, ok = c.uint16(); !ok {
		return
	}
	size, ok = c.uint32()
	return
}
