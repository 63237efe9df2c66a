package apkdebugger

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/flate"
)

var (
	ErrEntryNotFound    = errors.New("entry not found in archive")
	ErrMalformedArchive = errors.New("not a valid zip archive")
)

// ArchiveEntry is one (name, bytes, directory) triple. Names are
// slash-separated and compared case-sensitively.
type ArchiveEntry struct {
	Name  string
	IsDir bool
	Data  []byte
}

// Archive is an in-memory, mutable view of a zip container. Entries keep
// their insertion order so repeated serializations are deterministic.
type Archive struct {
	order   []string
	entries map[string]*ArchiveEntry
}

// NewArchive returns an empty archive.
func NewArchive() *Archive {
	return &Archive{entries: make(map[string]*ArchiveEntry)}
}

// OpenArchive reads a zip container from a byte buffer, decompressing every
// entry eagerly.
func OpenArchive(data []byte) (*Archive, error) {
	zr, err := tryReadZip(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedArchive, err.Error())
	}

	a := NewArchive()
	for _, zf := range zr.File {
		isDir := zf.FileInfo().IsDir()

		var content []byte
		if !isDir {
			rc, err := zf.Open()
			if err != nil {
				return nil, fmt.Errorf("failed to open %s: %w", zf.Name, err)
			}
			content, err = io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", zf.Name, err)
			}
		}

		a.put(&ArchiveEntry{Name: zf.Name, IsDir: isDir, Data: content})
	}
	return a, nil
}

func tryReadZip(data []byte) (r *zip.Reader, err error) {
	defer func() {
		if pn := recover(); pn != nil {
			err = fmt.Errorf("%v", pn)
			r = nil
		}
	}()

	r, err = zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return
	}

	// Deflated entries go through the pooled reader. Entries with any method
	// other than store or deflate are not mapped to it and fail to open.
	r.RegisterDecompressor(zip.Deflate, newFlateReader)
	return
}

// Entries returns the entries in stable order. The slice is freshly
// allocated, but the entries it points to are the archive's own; callers
// must not mutate them.
func (a *Archive) Entries() []*ArchiveEntry {
	out := make([]*ArchiveEntry, 0, len(a.order))
	for _, name := range a.order {
		out = append(out, a.entries[name])
	}
	return out
}

// Has reports whether the archive holds an entry with the given name.
func (a *Archive) Has(name string) bool {
	_, ok := a.entries[name]
	return ok
}

// Read returns the bytes of a named entry.
func (a *Archive) Read(name string) ([]byte, error) {
	e, ok := a.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}
	return e.Data, nil
}

// Put adds or overwrites a file entry.
func (a *Archive) Put(name string, data []byte) {
	a.put(&ArchiveEntry{Name: name, IsDir: strings.HasSuffix(name, "/"), Data: data})
}

func (a *Archive) put(e *ArchiveEntry) {
	if _, ok := a.entries[e.Name]; !ok {
		a.order = append(a.order, e.Name)
	}
	a.entries[e.Name] = e
}

// Remove drops an entry by name, reporting whether it existed.
func (a *Archive) Remove(name string) bool {
	if _, ok := a.entries[name]; !ok {
		return false
	}
	delete(a.entries, name)
	for i, n := range a.order {
		if n == name {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of entries.
func (a *Archive) Len() int {
	return len(a.order)
}

// Serialize writes the archive as a zip buffer with every file entry
// deflated at best compression, in the archive's stable entry order.
func (a *Archive) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	for _, name := range a.order {
		e := a.entries[name]
		if e.IsDir {
			n := e.Name
			if !strings.HasSuffix(n, "/") {
				n += "/"
			}
			if _, err := zw.CreateHeader(&zip.FileHeader{Name: n}); err != nil {
				return nil, err
			}
			continue
		}

		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:   e.Name,
			Method: zip.Deflate,
		})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(e.Data); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var flateReaderPool sync.Pool

func newFlateReader(r io.Reader) io.ReadCloser {
	fr, ok := flateReaderPool.Get().(io.ReadCloser)
	if ok {
		fr.(flate.Resetter).Reset(r, nil)
	} else {
		fr = flate.NewReader(r)
	}
	return &pooledFlateReader{fr: fr}
}

type pooledFlateReader struct {
	mu sync.Mutex // guards Close and Read
	fr io.ReadCloser
}

func (r *pooledFlateReader) Read(p []byte) (n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr == nil {
		return 0, errors.New("read after close")
	}
	return r.fr.Read(p)
}

func (r *pooledFlateReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	if r.fr != nil {
		err = r.fr.Close()
		flateReaderPool.Put(r.fr)
		r.fr = nil
	}
	return err
}
