// Package metainfo parses .torrent files into the pieces and blocks a
// download coordinator schedules.
package metainfo

import (
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/anthropic-contrib/go-torrent-core/bencode"
)

// BlockSize is the fixed request/response unit pieces are split into.
const BlockSize = 1 << 14

// File describes one file within a (possibly multi-file) torrent.
type File struct {
	Path   string // joined, OS-native relative path
	Length int64
	Offset int64 // cumulative offset into the concatenation of all files
}

// Block is one BlockSize-aligned chunk of a piece; a piece's last block is
// shorter when the piece length is not a multiple of BlockSize.
type Block struct {
	Begin  int
	Length int
}

// Piece is one SHA-1-verified unit of the torrent, made of one or more
// blocks.
type Piece struct {
	Index  int
	Hash   [20]byte
	Length int
	Blocks []Block
}

// Torrent is the parsed, ready-to-download form of a .torrent file.
type Torrent struct {
	InfoHash    [20]byte
	Name        string
	PieceLength int64
	Length      int64 // total length across all files
	Files       []File
	Pieces      []Piece
	Announce    string
	AnnounceList []string
}

// Load reads and parses a .torrent file from path.
func Load(path string) (*Torrent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening torrent file %s", path)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a .torrent document from r.
func Parse(r io.Reader) (*Torrent, error) {
	top, infoRaw, err := bencode.DecodeCapture(r, "info")
	if err != nil {
		return nil, errors.Wrap(err, "decoding torrent metainfo")
	}
	if top.Kind() != bencode.KindDict {
		return nil, errors.New("metainfo: top-level value is not a dictionary")
	}

	infoHash := sha1.Sum(infoRaw)

	infoVal, ok := top.Dict().Get("info")
	if !ok || infoVal.Kind() != bencode.KindDict {
		return nil, errors.New("metainfo: missing info dictionary")
	}
	info := infoVal.Dict()

	t := &Torrent{InfoHash: infoHash}

	if announce, ok := top.Dict().Get("announce"); ok && announce.Kind() == bencode.KindBytes {
		t.Announce = announce.Str()
	}
	if announceList, ok := top.Dict().Get("announce-list"); ok && announceList.Kind() == bencode.KindList {
		for _, tier := range announceList.List() {
			if tier.Kind() != bencode.KindList {
				continue
			}
			for _, u := range tier.List() {
				if u.Kind() == bencode.KindBytes {
					t.AnnounceList = append(t.AnnounceList, u.Str())
				}
			}
		}
	}

	name, ok := info.Get("name")
	if !ok || name.Kind() != bencode.KindBytes {
		return nil, errors.New("metainfo: info dictionary missing name")
	}
	t.Name = name.Str()

	pieceLen, ok := info.Get("piece length")
	if !ok || pieceLen.Kind() != bencode.KindInteger || pieceLen.Int() <= 0 {
		return nil, errors.New("metainfo: info dictionary missing or invalid piece length")
	}
	t.PieceLength = pieceLen.Int()

	piecesVal, ok := info.Get("pieces")
	if !ok || piecesVal.Kind() != bencode.KindBytes {
		return nil, errors.New("metainfo: info dictionary missing pieces")
	}
	hashes, err := splitHashes(piecesVal.Bytes())
	if err != nil {
		return nil, err
	}

	files, totalLen, err := parseFiles(info, t.Name)
	if err != nil {
		return nil, err
	}
	t.Files = files
	t.Length = totalLen

	t.Pieces = buildPieces(hashes, t.PieceLength, t.Length)

	return t, nil
}

// splitHashes splits the concatenated 20-byte piece digests.
func splitHashes(pieces []byte) ([][20]byte, error) {
	if len(pieces)%20 != 0 {
		return nil, fmt.Errorf("metainfo: pieces field has length %d, not a multiple of 20", len(pieces))
	}
	hashes := make([][20]byte, len(pieces)/20)
	for i := range hashes {
		copy(hashes[i][:], pieces[i*20:(i+1)*20])
	}
	return hashes, nil
}

// parseFiles builds the file list for both single- and multi-file torrents.
func parseFiles(info *bencode.Dict, name string) ([]File, int64, error) {
	if length, ok := info.Get("length"); ok {
		if length.Kind() != bencode.KindInteger || length.Int() < 0 {
			return nil, 0, errors.New("metainfo: invalid length")
		}
		return []File{{Path: name, Length: length.Int()}}, length.Int(), nil
	}

	filesVal, ok := info.Get("files")
	if !ok || filesVal.Kind() != bencode.KindList || len(filesVal.List()) == 0 {
		return nil, 0, errors.New("metainfo: info dictionary missing both length and files")
	}

	var files []File
	var offset int64
	for i, fv := range filesVal.List() {
		if fv.Kind() != bencode.KindDict {
			return nil, 0, fmt.Errorf("metainfo: files[%d] is not a dictionary", i)
		}
		fd := fv.Dict()
		lengthVal, ok := fd.Get("length")
		if !ok || lengthVal.Kind() != bencode.KindInteger || lengthVal.Int() < 0 {
			return nil, 0, fmt.Errorf("metainfo: files[%d] missing length", i)
		}
		pathVal, ok := fd.Get("path")
		if !ok || pathVal.Kind() != bencode.KindList || len(pathVal.List()) == 0 {
			return nil, 0, fmt.Errorf("metainfo: files[%d] missing path", i)
		}
		parts := make([]string, len(pathVal.List()))
		for j, p := range pathVal.List() {
			if p.Kind() != bencode.KindBytes {
				return nil, 0, fmt.Errorf("metainfo: files[%d].path[%d] is not a string", i, j)
			}
			parts[j] = p.Str()
		}
		files = append(files, File{
			Path:   filepath.Join(append([]string{name}, parts...)...),
			Length: lengthVal.Int(),
			Offset: offset,
		})
		offset += lengthVal.Int()
	}
	return files, offset, nil
}

// buildPieces partitions the torrent into pieces and, within each, fixed
// BlockSize blocks; the final piece is shorter when the total length isn't
// an exact multiple of pieceLength, and the final block of each piece is
// shorter when the piece length isn't an exact multiple of BlockSize (an
// exact divisor must not produce a trailing zero-length block).
func buildPieces(hashes [][20]byte, pieceLength, totalLength int64) []Piece {
	pieces := make([]Piece, len(hashes))
	for i, h := range hashes {
		start := int64(i) * pieceLength
		length := pieceLength
		if start+length > totalLength {
			length = totalLength - start
		}
		pieces[i] = Piece{
			Index:  i,
			Hash:   h,
			Length: int(length),
			Blocks: buildBlocks(int(length)),
		}
	}
	return pieces
}

func buildBlocks(pieceLength int) []Block {
	var blocks []Block
	for begin := 0; begin < pieceLength; begin += BlockSize {
		length := BlockSize
		if begin+length > pieceLength {
			length = pieceLength - begin
		}
		blocks = append(blocks, Block{Begin: begin, Length: length})
	}
	return blocks
}

// Multi reports whether the torrent describes more than one file.
func (t *Torrent) Multi() bool {
	return len(t.Files) > 1
}
