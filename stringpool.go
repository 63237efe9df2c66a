package apkdebugger

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf16"
	"unicode/utf8"
)

const (
	stringFlagSorted = 0x00000001
	stringFlagUtf8   = 0x00000100
)

// stringPool is the decoded form of a string-table chunk. Strings are
// referenced from the element stream by their index into Strings.
type stringPool struct {
	Strings []string
	IsUtf8  bool
}

// parseStringPool decodes the payload of a string-table chunk. The payload
// starts right after the 8-byte chunk header.
func parseStringPool(payload []byte) (*stringPool, error) {
	c := &byteCursor{data: payload}

	stringCnt, ok := c.uint32()
	if !ok {
		return nil, fmt.Errorf("error reading stringCnt: %w", errTruncated)
	}

	// skip styles count
	if !c.skip(4) {
		return nil, fmt.Errorf("error reading styleCnt: %w", errTruncated)
	}

	flags, ok := c.uint32()
	if !ok {
		return nil, fmt.Errorf("error reading flags: %w", errTruncated)
	}

	res := &stringPool{}
	res.IsUtf8 = (flags & stringFlagUtf8) != 0
	if res.IsUtf8 {
		flags &^= stringFlagUtf8
	}
	flags &^= stringFlagSorted // just ignore

	if flags != 0 {
		return nil, fmt.Errorf("unknown string flag: 0x%08x", flags)
	}

	stringsStart, ok := c.uint32()
	if !ok {
		return nil, fmt.Errorf("error reading stringsStart: %w", errTruncated)
	}

	// skip styles offset
	if !c.skip(4) {
		return nil, fmt.Errorf("error reading stylesStart: %w", errTruncated)
	}

	if stringCnt >= 2*1024*1024 {
		return nil, fmt.Errorf("too many strings in this pool (%d)", stringCnt)
	}

	offsets := make([]uint32, stringCnt)
	for i := range offsets {
		if offsets[i], ok = c.uint32(); !ok {
			return nil, fmt.Errorf("error reading string offsets: %w", errTruncated)
		}
	}

	// stringsStart is relative to the chunk start, the payload begins after
	// the 8-byte chunk header.
	dataStart := int(stringsStart) - chunkHeaderSize
	if dataStart < 0 || dataStart > len(payload) {
		return nil, fmt.Errorf("wrong stringsStart 0x%08x", stringsStart)
	}
	data := payload[dataStart:]

	res.Strings = make([]string, 0, stringCnt)
	for i, off := range offsets {
		if int64(off) >= int64(len(data)) {
			return nil, fmt.Errorf("string offset for idx %d is out of bounds (%d >= %d)", i, off, len(data))
		}

		var decoded string
		var err error
		if res.IsUtf8 {
			decoded, err = decodeString8(data[off:])
		} else {
			decoded, err = decodeString16(data[off:])
		}
		if err != nil {
			return nil, fmt.Errorf("string idx %d: %w", i, err)
		}
		res.Strings = append(res.Strings, sanitizeString(decoded))
	}
	return res, nil
}

// The length prefixes use a dual-unit variable encoding: a set high bit in
// the first unit extends the length into the following unit.
func decodeLen16(data []byte) (length, consumed int, err error) {
	if len(data) < 2 {
		return 0, 0, errTruncated
	}
	high := binary.LittleEndian.Uint16(data)
	if (high & 0x8000) == 0 {
		return int(high), 2, nil
	}
	if len(data) < 4 {
		return 0, 0, errTruncated
	}
	low := binary.LittleEndian.Uint16(data[2:])
	return (int(high&0x7FFF) << 16) | int(low), 4, nil
}

func decodeLen8(data []byte) (length, consumed int, err error) {
	if len(data) < 1 {
		return 0, 0, errTruncated
	}
	high := data[0]
	if (high & 0x80) == 0 {
		return int(high), 1, nil
	}
	if len(data) < 2 {
		return 0, 0, errTruncated
	}
	return (int(high&0x7F) << 8) | int(data[1]), 2, nil
}

func decodeString16(data []byte) (string, error) {
	chars, n, err := decodeLen16(data)
	if err != nil {
		return "", fmt.Errorf("error reading string char count: %w", err)
	}
	data = data[n:]

	if len(data) < 2*chars {
		return "", fmt.Errorf("error reading string: %w", errTruncated)
	}

	buf := make([]uint16, chars)
	for i := range buf {
		buf[i] = binary.LittleEndian.Uint16(data[2*i:])
	}

	decoded := utf16.Decode(buf)
	for len(decoded) != 0 && decoded[len(decoded)-1] == 0 {
		decoded = decoded[:len(decoded)-1]
	}
	return string(decoded), nil
}

func decodeString8(data []byte) (string, error) {
	// Length of the string in UTF16 units, unused here.
	_, n, err := decodeLen8(data)
	if err != nil {
		return "", fmt.Errorf("error reading string char count: %w", err)
	}
	data = data[n:]

	len8, n, err := decodeLen8(data)
	if err != nil {
		return "", fmt.Errorf("error reading string byte count: %w", err)
	}
	data = data[n:]

	if len(data) < len8 {
		return "", fmt.Errorf("error reading string: %w", errTruncated)
	}
	buf := data[:len8]

	for len(buf) != 0 && buf[len(buf)-1] == 0 {
		buf = buf[:len(buf)-1]
	}
	return string(buf), nil
}

func sanitizeString(s string) string {
	if utf8.ValidString(s) && !containsRune(s, 0) {
		return s
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch r {
		case 0, utf8.RuneError:
			out = append(out, '\uFFFE')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}

func containsRune(s string, r rune) bool {
	for _, c := range s {
		if c == r {
			return true
		}
	}
	return false
}

// encode serializes the pool as a UTF-8 string-table chunk, 4-byte aligned,
// with stringsStart pointing right past the offset array.
func (p *stringPool) encode() []byte {
	var data bytes.Buffer
	offsets := make([]uint32, len(p.Strings))
	for i, s := range p.Strings {
		offsets[i] = uint32(data.Len())
		writeLen8(&data, utf16Len(s))
		writeLen8(&data, len(s))
		data.WriteString(s)
		data.WriteByte(0)
	}
	for data.Len()%4 != 0 {
		data.WriteByte(0)
	}

	stringsStart := 28 + 4*len(p.Strings)
	total := stringsStart + data.Len()

	out := bytes.NewBuffer(make([]byte, 0, total))
	writeUint16(out, chunkStringTable)
	writeUint16(out, 28)
	writeUint32(out, uint32(total))
	writeUint32(out, uint32(len(p.Strings)))
	writeUint32(out, 0) // style count
	writeUint32(out, stringFlagUtf8)
	writeUint32(out, uint32(stringsStart))
	writeUint32(out, 0) // styles start
	for _, off := range offsets {
		writeUint32(out, off)
	}
	out.Write(data.Bytes())
	return out.Bytes()
}

// indexOf returns the pool index of s, or -1.
func (p *stringPool) indexOf(s string) int {
	for i, v := range p.Strings {
		if v == s {
			return i
		}
	}
	return -1
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n++
		if r >= 0x10000 {
			n++
		}
	}
	return n
}

func writeLen8(out *bytes.Buffer, n int) {
	if n < 0x80 {
		out.WriteByte(byte(n))
		return
	}
	out.WriteByte(byte(0x80 | ((n >> 8) & 0x7F)))
	out.WriteByte(byte(n & 0xFF))
}

func writeUint16(out *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	out.Write(b[:])
}

func writeUint32(out *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	out.Write(b[:])
}
