package download

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anthropic-contrib/go-torrent-core/metainfo"
)

func TestOpenFilesAndWritePieceSingleFile(t *testing.T) {
	dir := t.TempDir()
	torrent := &metainfo.Torrent{
		Files: []metainfo.File{
			{Path: "movie.mp4", Length: 16, Offset: 0},
		},
	}

	w, err := openFiles(torrent, dir)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.WritePiece(0, []byte("0123456789ABCDEF")))

	data, err := os.ReadFile(filepath.Join(dir, "movie.mp4"))
	require.NoError(t, err)
	require.Equal(t, []byte("0123456789ABCDEF"), data)
}

func TestWritePieceSpanningFiles(t *testing.T) {
	dir := t.TempDir()
	torrent := &metainfo.Torrent{
		Files: []metainfo.File{
			{Path: filepath.Join("set", "a.bin"), Length: 5, Offset: 0},
			{Path: filepath.Join("set", "b.bin"), Length: 5, Offset: 5},
		},
	}

	w, err := openFiles(torrent, dir)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.WritePiece(0, []byte("0123456789")))

	a, err := os.ReadFile(filepath.Join(dir, "set", "a.bin"))
	require.NoError(t, err)
	require.Equal(t, []byte("01234"), a)

	b, err := os.ReadFile(filepath.Join(dir, "set", "b.bin"))
	require.NoError(t, err)
	require.Equal(t, []byte("56789"), b)
}

func TestWritePieceMidFileOffset(t *testing.T) {
	dir := t.TempDir()
	torrent := &metainfo.Torrent{
		Files: []metainfo.File{
			{Path: filepath.Join("set", "a.bin"), Length: 10, Offset: 0},
			{Path: filepath.Join("set", "b.bin"), Length: 10, Offset: 10},
		},
	}

	w, err := openFiles(torrent, dir)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.WritePiece(8, []byte("XXYYYY")))

	a, err := os.ReadFile(filepath.Join(dir, "set", "a.bin"))
	require.NoError(t, err)
	require.Equal(t, byte('X'), a[8])
	require.Equal(t, byte('X'), a[9])

	b, err := os.ReadFile(filepath.Join(dir, "set", "b.bin"))
	require.NoError(t, err)
	require.Equal(t, []byte("YYYY"), b[:4])
}

func TestNormalizePathJoinsUnderOutDir(t *testing.T) {
	dir := t.TempDir()
	torrent := &metainfo.Torrent{
		Files: []metainfo.File{
			{Path: filepath.Join("café", "notes.txt"), Length: 4, Offset: 0},
		},
	}
	w, err := openFiles(torrent, dir)
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.WritePiece(0, []byte("test")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
