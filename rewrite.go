package apkdebugger

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MakeDebuggable returns a copy of the compiled manifest in which the
// application element carries android:debuggable="true".
//
// When the attribute already exists the original buffer is patched in
// place, leaving every chunk size and pool index untouched. Otherwise the
// whole document is rebuilt with the attribute inserted.
func MakeDebuggable(data []byte) ([]byte, error) {
	doc, err := ParseXmlDocument(data)
	if err != nil {
		return nil, err
	}
	return doc.MakeDebuggable()
}

// MakeDebuggable implements the rewrite on a parsed document.
func (doc *XmlDocument) MakeDebuggable() ([]byte, error) {
	app := doc.findElement("application")
	if app == nil {
		return nil, errors.New("manifest has no application element")
	}

	if a := doc.findDebuggableAttr(app); a != nil {
		return doc.patchAttrInPlace(a), nil
	}
	return doc.insertDebuggableAttr(app)
}

// IsDebuggable reports whether the application element already carries a
// true debuggable flag.
func (doc *XmlDocument) IsDebuggable() bool {
	app := doc.findElement("application")
	if app == nil {
		return false
	}
	a := doc.findDebuggableAttr(app)
	return a != nil && a.Data != 0
}

func (doc *XmlDocument) findElement(name string) *XmlElementStart {
	for _, ch := range doc.Chunks {
		el, ok := ch.(*XmlElementStart)
		if !ok {
			continue
		}
		if n, err := doc.String(el.Name); err == nil && n == name {
			return el
		}
	}
	return nil
}

func (doc *XmlDocument) findDebuggableAttr(el *XmlElementStart) *XmlAttr {
	for i := range el.Attrs {
		a := &el.Attrs[i]
		if a.Name < uint32(len(doc.ResourceIds)) && doc.ResourceIds[a.Name] == resIdDebuggable {
			return a
		}
		if doc.attrName(a) == "debuggable" {
			return a
		}
	}
	return nil
}

// patchAttrInPlace forces the attribute to boolean true by overwriting its
// data word in a copy of the original buffer. When the attribute was not
// boolean typed, the type tag and raw-value index inside the same 20-byte
// record are rewritten as well; the record size never changes.
func (doc *XmlDocument) patchAttrInPlace(a *XmlAttr) []byte {
	out := make([]byte, len(doc.raw))
	copy(out, doc.raw)

	binary.LittleEndian.PutUint32(out[a.dataOffset:], 0xFFFFFFFF)
	if a.DataType != attrTypeIntBool {
		// record layout: ... rawValue(-8) size(-4) res0(-2) type(-1) data
		binary.LittleEndian.PutUint32(out[a.dataOffset-8:], nilStringIndex)
		out[a.dataOffset-1] = attrTypeIntBool
	}

	a.Data = 0xFFFFFFFF
	a.DataType = attrTypeIntBool
	a.RawValue = nilStringIndex
	return out
}

// insertDebuggableAttr rebuilds the document with one extra attribute on the
// application element. If the pool has no "debuggable" entry aligned with the
// resource-id table, the string is inserted at the end of the id-aligned
// prefix and every pool reference at or past that index is shifted up.
func (doc *XmlDocument) insertDebuggableAttr(app *XmlElementStart) ([]byte, error) {
	nameIdx := -1
	for i, id := range doc.ResourceIds {
		if id == resIdDebuggable {
			nameIdx = i
			break
		}
	}

	if nameIdx == -1 {
		insertAt := len(doc.ResourceIds)
		if insertAt > len(doc.Pool.Strings) {
			return nil, fmt.Errorf("%w: %d resource ids but %d strings",
				ErrRewriteInfeasible, len(doc.ResourceIds), len(doc.Pool.Strings))
		}

		doc.shiftStringRefs(uint32(insertAt))

		strs := doc.Pool.Strings
		strs = append(strs[:insertAt:insertAt], append([]string{"debuggable"}, strs[insertAt:]...)...)
		doc.Pool.Strings = strs
		doc.ResourceIds = append(doc.ResourceIds, resIdDebuggable)
		nameIdx = insertAt
	}

	nsIdx := doc.Pool.indexOf(androidNamespaceURI)
	if nsIdx == -1 {
		doc.Pool.Strings = append(doc.Pool.Strings, androidNamespaceURI)
		nsIdx = len(doc.Pool.Strings) - 1
	}

	app.Attrs = append(app.Attrs, XmlAttr{
		Namespace: uint32(nsIdx),
		Name:      uint32(nameIdx),
		RawValue:  nilStringIndex,
		Size:      attrRecordSize,
		DataType:  attrTypeIntBool,
		Data:      0xFFFFFFFF,
	})

	doc.modified = true
	return doc.Bytes(), nil
}

// shiftStringRefs increments every pool reference >= from across the element
// stream, making room for one inserted string.
func (doc *XmlDocument) shiftStringRefs(from uint32) {
	bump := func(idx *uint32) {
		if *idx != nilStringIndex && *idx >= from {
			*idx++
		}
	}

	for _, ch := range doc.Chunks {
		switch t := ch.(type) {
		case *XmlNamespace:
			bump(&t.Comment)
			bump(&t.Prefix)
			bump(&t.Uri)
		case *XmlElementStart:
			bump(&t.Comment)
			bump(&t.Namespace)
			bump(&t.Name)
			for i := range t.Attrs {
				a := &t.Attrs[i]
				bump(&a.Namespace)
				bump(&a.Name)
				bump(&a.RawValue)
				if a.DataType == attrTypeString {
					bump(&a.Data)
				}
			}
		case *XmlElementEnd:
			bump(&t.Comment)
			bump(&t.Namespace)
			bump(&t.Name)
		case *XmlCData:
			bump(&t.Comment)
			bump(&t.Data)
			// typed value layout: size(0) res0(2) type(3) data(4)
			if t.TypedValue[3] == attrTypeString {
				v := binary.LittleEndian.Uint32(t.TypedValue[4:])
				bump(&v)
				binary.LittleEndian.PutUint32(t.TypedValue[4:], v)
			}
		}
	}
}

// PatchDebuggableRaw is the degraded, parse-free fallback: it locates the
// debuggable resource id inside the resource-id chunk, then scans for an
// attribute record referencing it with a boolean type tag and forces its
// data word to all-ones. The heuristic can hit a boolean attribute outside
// the application element; callers treat the structural rewrite as
// authoritative and only fall back here.
func PatchDebuggableRaw(data []byte) ([]byte, error) {
	idx, err := findResourceIdIndex(data, resIdDebuggable)
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(data))
	copy(out, data)

	// attribute record: ns(0) name(4) rawValue(8) size(12) res0(14) type(15) data(16)
	for i := 0; i+attrRecordSize <= len(out); i += 4 {
		if binary.LittleEndian.Uint32(out[i+4:]) != uint32(idx) {
			continue
		}
		if binary.LittleEndian.Uint16(out[i+12:]) != attrRecordSize {
			continue
		}
		if out[i+14] != 0 || out[i+15] != attrTypeIntBool {
			continue
		}
		binary.LittleEndian.PutUint32(out[i+16:], 0xFFFFFFFF)
		return out, nil
	}
	return nil, errors.New("no debuggable attribute record found")
}

// findResourceIdIndex scans for a resource-id chunk and returns the table
// index holding the wanted id.
func findResourceIdIndex(data []byte, want uint32) (int, error) {
	for i := 0; i+chunkHeaderSize <= len(data); i += 4 {
		if binary.LittleEndian.Uint16(data[i:]) != chunkResourceIds {
			continue
		}
		if binary.LittleEndian.Uint16(data[i+2:]) != chunkHeaderSize {
			continue
		}
		size := binary.LittleEndian.Uint32(data[i+4:])
		if size < chunkHeaderSize || size%4 != 0 || i+int(size) > len(data) {
			continue
		}
		for off := i + chunkHeaderSize; off+4 <= i+int(size); off += 4 {
			if binary.LittleEndian.Uint32(data[off:]) == want {
				return (off - i - chunkHeaderSize) / 4, nil
			}
		}
	}
	return 0, errors.New("debuggable resource id not present")
}
