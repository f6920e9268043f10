package download

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/anthropic-contrib/go-torrent-core/metainfo"
)

// fileWriter writes pieces into the on-disk files of a (possibly
// multi-file) torrent, mapping each piece's absolute byte offset onto the
// file(s) it spans.
type fileWriter struct {
	files  []*os.File
	layout []metainfo.File
}

// openFiles creates (or truncates) every file a torrent describes under
// outDir, preallocating each to its final length.
func openFiles(t *metainfo.Torrent, outDir string) (*fileWriter, error) {
	w := &fileWriter{
		files:  make([]*os.File, len(t.Files)),
		layout: t.Files,
	}

	for i, f := range t.Files {
		path := filepath.Join(outDir, normalizePath(f.Path))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			w.Close()
			return nil, fmt.Errorf("creating directory for %s: %w", path, err)
		}

		fd, err := os.Create(path)
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("creating %s: %w", path, err)
		}
		w.files[i] = fd

		if f.Length > 0 {
			if _, err := fd.Seek(f.Length-1, 0); err != nil {
				w.Close()
				return nil, fmt.Errorf("seeking %s: %w", path, err)
			}
			if _, err := fd.Write([]byte{0}); err != nil {
				w.Close()
				return nil, fmt.Errorf("preallocating %s: %w", path, err)
			}
			preallocate(fd, f.Length)
		}
	}

	return w, nil
}

// normalizePath NFC-normalizes each path segment so two differently
// composed but visually identical Unicode names land on the same file.
func normalizePath(path string) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	for i, p := range parts {
		parts[i] = norm.NFC.String(p)
	}
	return filepath.Join(parts...)
}

// WritePiece writes data, the bytes of the piece starting at globalOffset
// in the concatenation of all files, splitting it across file boundaries
// as needed.
func (w *fileWriter) WritePiece(globalOffset int64, data []byte) error {
	remaining := data
	offset := globalOffset

	for i, f := range w.layout {
		fileEnd := f.Offset + f.Length
		if offset >= fileEnd || len(remaining) == 0 {
			continue
		}
		if offset < f.Offset {
			break
		}

		localOffset := offset - f.Offset
		writable := f.Length - localOffset
		n := int64(len(remaining))
		if n > writable {
			n = writable
		}

		if _, err := w.files[i].WriteAt(remaining[:n], localOffset); err != nil {
			return fmt.Errorf("writing to %s: %w", f.Path, err)
		}

		remaining = remaining[n:]
		offset += n
	}

	return nil
}

// Close closes every open file, ignoring individual close errors (the
// data has already been written; a close failure here doesn't undo that).
func (w *fileWriter) Close() {
	for _, f := range w.files {
		if f != nil {
			f.Close()
		}
	}
}
