package apkdebugger

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// Some samples have manifest in plaintext, this is an error.
var ErrPlainTextManifest = errors.New("xml is in plaintext, binary form expected")

var (
	ErrInvalidMagic          = errors.New("not a binary xml file")
	ErrTruncatedChunk        = errors.New("truncated chunk")
	ErrStringIndexOutOfRange = errors.New("string index out of range")
	ErrRewriteInfeasible     = errors.New("rewrite would break resource id alignment")
)

// internal sentinel, always surfaced wrapped in ErrTruncatedChunk
var errTruncated = errors.New("unexpected end of data")

// XmlAttr is one attribute record of a start-element chunk. Namespace, Name
// and RawValue are string pool indices (nilStringIndex when absent); Data is
// interpreted according to DataType.
type XmlAttr struct {
	Namespace uint32
	Name      uint32
	RawValue  uint32
	Size      uint16
	Res0      uint8
	DataType  uint8
	Data      uint32

	// absolute offset of the Data word in the original buffer
	dataOffset int
}

// XmlElementStart is a start-element chunk with its inline attribute records.
type XmlElementStart struct {
	LineNumber uint32
	Comment    uint32
	Namespace  uint32
	Name       uint32
	IdIndex    uint16
	ClassIndex uint16
	StyleIndex uint16
	Attrs      []XmlAttr
}

type XmlElementEnd struct {
	LineNumber uint32
	Comment    uint32
	Namespace  uint32
	Name       uint32
}

// XmlNamespace is a start- or end-namespace chunk.
type XmlNamespace struct {
	End        bool
	LineNumber uint32
	Comment    uint32
	Prefix     uint32
	Uri        uint32
}

type XmlCData struct {
	LineNumber uint32
	Comment    uint32
	Data       uint32
	TypedValue [8]byte
}

// xmlRawChunk preserves a chunk this package does not interpret.
type xmlRawChunk struct {
	data []byte
}

type xmlChunk interface {
	isXmlChunk()
}

func (*XmlElementStart) isXmlChunk() {}
func (*XmlElementEnd) isXmlChunk()   {}
func (*XmlNamespace) isXmlChunk()    {}
func (*XmlCData) isXmlChunk()        {}
func (*xmlRawChunk) isXmlChunk()     {}

// XmlDocument is the parsed form of a compiled xml file: the string pool,
// the attribute resource-id table aligned with the pool's prefix, and the
// element chunk stream. The original buffer is retained so an unmodified
// document serializes back byte for byte.
type XmlDocument struct {
	Pool        *stringPool
	ResourceIds []uint32
	Chunks      []xmlChunk

	raw      []byte
	modified bool
}

// ParseXmlDocument parses a compiled binary xml buffer into a document.
func ParseXmlDocument(data []byte) (*XmlDocument, error) {
	if len(data) >= 6 {
		if s := string(data[:6]); strings.HasPrefix(s, "<?xml ") || strings.HasPrefix(s, "<manif") {
			return nil, ErrPlainTextManifest
		}
	}

	c := &byteCursor{data: data}
	id, _, totalLen, ok := parseChunkHeader(c)
	if !ok {
		return nil, ErrTruncatedChunk
	}
	if id != chunkAxmlFile {
		return nil, fmt.Errorf("%w: top chunk id 0x%04x", ErrInvalidMagic, id)
	}
	if int64(totalLen) > int64(len(data)) {
		return nil, fmt.Errorf("%w: file claims 0x%08x bytes, got 0x%08x", ErrTruncatedChunk, totalLen, len(data))
	}

	doc := &XmlDocument{raw: data[:totalLen]}

	var lastId uint16
	for c.pos < int(totalLen) {
		chunkStart := c.pos
		id, headerLen, size, ok := parseChunkHeader(c)
		if !ok || size < chunkHeaderSize || chunkStart+int(size) > int(totalLen) {
			return nil, fmt.Errorf("%w: at 0x%08x of 0x%08x after chunk 0x%04x", ErrTruncatedChunk, chunkStart, totalLen, lastId)
		}
		lastId = id

		payload := data[chunkStart+chunkHeaderSize : chunkStart+int(size)]

		var err error
		switch id {
		case chunkStringTable:
			doc.Pool, err = parseStringPool(payload)
		case chunkResourceIds:
			err = doc.parseResourceIds(payload)
		default:
			if (id & chunkMaskXml) == 0 {
				// unknown chunk, skip by size but keep the bytes
				doc.Chunks = append(doc.Chunks, &xmlRawChunk{data: data[chunkStart : chunkStart+int(size)]})
				break
			}
			err = doc.parseXmlChunk(id, headerLen, chunkStart, payload)
		}
		if err != nil {
			return nil, fmt.Errorf("chunk 0x%04x: %w", id, err)
		}

		c.pos = chunkStart + int(size)
	}

	if doc.Pool == nil {
		doc.Pool = &stringPool{}
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

func (doc *XmlDocument) parseResourceIds(payload []byte) error {
	if len(payload)%4 != 0 {
		return fmt.Errorf("invalid chunk size")
	}
	c := &byteCursor{data: payload}
	for c.remaining() > 0 {
		id, _ := c.uint32()
		doc.ResourceIds = append(doc.ResourceIds, id)
	}
	return nil
}

func (doc *XmlDocument) parseXmlChunk(id, headerLen uint16, chunkStart int, payload []byte) error {
	c := &byteCursor{data: payload}

	// line number and comment ref lead every xml chunk
	line, ok := c.uint32()
	if !ok {
		return fmt.Errorf("error reading line number: %w", errTruncated)
	}
	comment, ok := c.uint32()
	if !ok {
		return fmt.Errorf("error reading comment: %w", errTruncated)
	}

	switch id {
	case chunkXmlNsStart, chunkXmlNsEnd:
		prefix, ok := c.uint32()
		if !ok {
			return fmt.Errorf("error reading prefix idx: %w", errTruncated)
		}
		uri, ok := c.uint32()
		if !ok {
			return fmt.Errorf("error reading uri idx: %w", errTruncated)
		}
		doc.Chunks = append(doc.Chunks, &XmlNamespace{
			End:        id == chunkXmlNsEnd,
			LineNumber: line,
			Comment:    comment,
			Prefix:     prefix,
			Uri:        uri,
		})

	case chunkXmlTagStart:
		return doc.parseTagStart(c, chunkStart, line, comment)

	case chunkXmlTagEnd:
		namespaceIdx, ok := c.uint32()
		if !ok {
			return fmt.Errorf("error reading namespace idx: %w", errTruncated)
		}
		nameIdx, ok := c.uint32()
		if !ok {
			return fmt.Errorf("error reading name idx: %w", errTruncated)
		}
		doc.Chunks = append(doc.Chunks, &XmlElementEnd{
			LineNumber: line,
			Comment:    comment,
			Namespace:  namespaceIdx,
			Name:       nameIdx,
		})

	case chunkXmlText:
		dataIdx, ok := c.uint32()
		if !ok {
			return fmt.Errorf("error reading idx: %w", errTruncated)
		}
		tv, ok := c.bytes(8)
		if !ok {
			return fmt.Errorf("error reading typed value: %w", errTruncated)
		}
		cd := &XmlCData{LineNumber: line, Comment: comment, Data: dataIdx}
		copy(cd.TypedValue[:], tv)
		doc.Chunks = append(doc.Chunks, cd)

	default:
		return fmt.Errorf("unknown chunk id 0x%x", id)
	}
	return nil
}

func (doc *XmlDocument) parseTagStart(c *byteCursor, chunkStart int, line, comment uint32) error {
	namespaceIdx, ok := c.uint32()
	if !ok {
		return fmt.Errorf("error reading namespace idx: %w", errTruncated)
	}
	nameIdx, ok := c.uint32()
	if !ok {
		return fmt.Errorf("error reading name idx: %w", errTruncated)
	}
	attrStart, ok := c.uint16()
	if !ok {
		return fmt.Errorf("error reading attrStart: %w", errTruncated)
	}
	attrSize, ok := c.uint16()
	if !ok {
		return fmt.Errorf("error reading attrSize: %w", errTruncated)
	}
	attrCount, ok := c.uint16()
	if !ok {
		return fmt.Errorf("error reading attrCount: %w", errTruncated)
	}
	idIdx, ok := c.uint16()
	if !ok {
		return fmt.Errorf("error reading idIndex: %w", errTruncated)
	}
	classIdx, ok := c.uint16()
	if !ok {
		return fmt.Errorf("error reading classIndex: %w", errTruncated)
	}
	styleIdx, ok := c.uint16()
	if !ok {
		return fmt.Errorf("error reading styleIndex: %w", errTruncated)
	}

	if attrSize < attrRecordSize {
		return fmt.Errorf("attribute size 0x%x too small", attrSize)
	}

	el := &XmlElementStart{
		LineNumber: line,
		Comment:    comment,
		Namespace:  namespaceIdx,
		Name:       nameIdx,
		IdIndex:    idIdx,
		ClassIndex: classIdx,
		StyleIndex: styleIdx,
		Attrs:      make([]XmlAttr, 0, attrCount),
	}

	// attributeStart is relative to the end of the 16-byte chunk header,
	// which sits 8 bytes into the payload handed to us.
	c.pos = 8 + int(attrStart)

	for i := 0; i < int(attrCount); i++ {
		var a XmlAttr
		if a.Namespace, ok = c.uint32(); !ok {
			return fmt.Errorf("error reading attrData: %w", errTruncated)
		}
		if a.Name, ok = c.uint32(); !ok {
			return fmt.Errorf("error reading attrData: %w", errTruncated)
		}
		if a.RawValue, ok = c.uint32(); !ok {
			return fmt.Errorf("error reading attrData: %w", errTruncated)
		}
		if a.Size, ok = c.uint16(); !ok {
			return fmt.Errorf("error reading attrData: %w", errTruncated)
		}
		if a.Res0, ok = c.uint8(); !ok {
			return fmt.Errorf("error reading attrData: %w", errTruncated)
		}
		if a.DataType, ok = c.uint8(); !ok {
			return fmt.Errorf("error reading attrData: %w", errTruncated)
		}
		a.dataOffset = chunkStart + chunkHeaderSize + c.pos
		if a.Data, ok = c.uint32(); !ok {
			return fmt.Errorf("error reading attrData: %w", errTruncated)
		}

		// some obfuscators pad attribute records
		if attrSize > attrRecordSize {
			if !c.skip(int(attrSize) - attrRecordSize) {
				return fmt.Errorf("error skipping attr padding: %w", errTruncated)
			}
		}
		el.Attrs = append(el.Attrs, a)
	}

	doc.Chunks = append(doc.Chunks, el)
	return nil
}

// validate checks that the namespace, name and value references of the
// element stream are in range for the string pool. Chunk comment references
// are not checked.
func (doc *XmlDocument) validate() error {
	check := func(idx uint32) error {
		if idx == nilStringIndex {
			return nil
		}
		if idx >= uint32(len(doc.Pool.Strings)) {
			return fmt.Errorf("%w: %d >= %d", ErrStringIndexOutOfRange, idx, len(doc.Pool.Strings))
		}
		return nil
	}

	for _, ch := range doc.Chunks {
		var err error
		switch t := ch.(type) {
		case *XmlNamespace:
			if err = check(t.Prefix); err == nil {
				err = check(t.Uri)
			}
		case *XmlElementStart:
			if err = check(t.Namespace); err == nil {
				err = check(t.Name)
			}
			for i := range t.Attrs {
				if err != nil {
					break
				}
				a := &t.Attrs[i]
				err = check(a.Namespace)
				// Obfuscated files reference attribute names through the
				// resource-id table alone, without a pool entry.
				if err == nil && a.Name >= uint32(len(doc.ResourceIds)) {
					err = check(a.Name)
				}
				if err == nil {
					err = check(a.RawValue)
				}
				if err == nil && a.DataType == attrTypeString {
					err = check(a.Data)
				}
			}
		case *XmlElementEnd:
			if err = check(t.Namespace); err == nil {
				err = check(t.Name)
			}
		case *XmlCData:
			err = check(t.Data)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// String resolves a pool index, mapping the nil sentinel to "".
func (doc *XmlDocument) String(idx uint32) (string, error) {
	if idx == nilStringIndex {
		return "", nil
	}
	if idx >= uint32(len(doc.Pool.Strings)) {
		return "", fmt.Errorf("%w: %d", ErrStringIndexOutOfRange, idx)
	}
	return doc.Pool.Strings[idx], nil
}

// attrName resolves an attribute's name, preferring the resource-id table
// over the string pool the way the framework does.
func (doc *XmlDocument) attrName(a *XmlAttr) string {
	if a.Name < uint32(len(doc.ResourceIds)) {
		if name := getAttributeName(doc.ResourceIds[a.Name]); name != "" {
			return name
		}
	}
	name, _ := doc.String(a.Name)
	return name
}

// Bytes serializes the document. An unmodified document returns the
// original buffer untouched; a modified one is rebuilt from scratch.
func (doc *XmlDocument) Bytes() []byte {
	if !doc.modified {
		return doc.raw
	}
	return doc.encode()
}

func (doc *XmlDocument) encode() []byte {
	var body bytes.Buffer
	body.Write(doc.Pool.encode())

	if len(doc.ResourceIds) > 0 {
		writeUint16(&body, chunkResourceIds)
		writeUint16(&body, chunkHeaderSize)
		writeUint32(&body, uint32(chunkHeaderSize+4*len(doc.ResourceIds)))
		for _, id := range doc.ResourceIds {
			writeUint32(&body, id)
		}
	}

	for _, ch := range doc.Chunks {
		encodeChunk(&body, ch)
	}

	out := bytes.NewBuffer(make([]byte, 0, chunkHeaderSize+body.Len()))
	writeUint16(out, chunkAxmlFile)
	writeUint16(out, chunkHeaderSize)
	writeUint32(out, uint32(chunkHeaderSize+body.Len()))
	out.Write(body.Bytes())
	return out.Bytes()
}

func encodeChunk(out *bytes.Buffer, ch xmlChunk) {
	switch t := ch.(type) {
	case *XmlNamespace:
		id := uint16(chunkXmlNsStart)
		if t.End {
			id = chunkXmlNsEnd
		}
		writeUint16(out, id)
		writeUint16(out, 0x10)
		writeUint32(out, 0x18)
		writeUint32(out, t.LineNumber)
		writeUint32(out, t.Comment)
		writeUint32(out, t.Prefix)
		writeUint32(out, t.Uri)

	case *XmlElementStart:
		writeUint16(out, chunkXmlTagStart)
		writeUint16(out, 0x10)
		writeUint32(out, uint32(36+attrRecordSize*len(t.Attrs)))
		writeUint32(out, t.LineNumber)
		writeUint32(out, t.Comment)
		writeUint32(out, t.Namespace)
		writeUint32(out, t.Name)
		writeUint16(out, attrRecordSize) // attributeStart
		writeUint16(out, attrRecordSize) // attributeSize
		writeUint16(out, uint16(len(t.Attrs)))
		writeUint16(out, t.IdIndex)
		writeUint16(out, t.ClassIndex)
		writeUint16(out, t.StyleIndex)
		for i := range t.Attrs {
			a := &t.Attrs[i]
			writeUint32(out, a.Namespace)
			writeUint32(out, a.Name)
			writeUint32(out, a.RawValue)
			writeUint16(out, attrRecordSize)
			out.WriteByte(0)
			out.WriteByte(a.DataType)
			writeUint32(out, a.Data)
		}

	case *XmlElementEnd:
		writeUint16(out, chunkXmlTagEnd)
		writeUint16(out, 0x10)
		writeUint32(out, 0x18)
		writeUint32(out, t.LineNumber)
		writeUint32(out, t.Comment)
		writeUint32(out, t.Namespace)
		writeUint32(out, t.Name)

	case *XmlCData:
		writeUint16(out, chunkXmlText)
		writeUint16(out, 0x10)
		writeUint32(out, 0x1C)
		writeUint32(out, t.LineNumber)
		writeUint32(out, t.Comment)
		writeUint32(out, t.Data)
		out.Write(t.TypedValue[:])

	case *xmlRawChunk:
		out.Write(t.data)
	}
}
