package file

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"strings"

	bencode "github.com/jackpal/bencode-go"
)

// data is transferred in blocks (16kB) and not whole pieces
const BlockSize = 16 * 1024

// FileInfo is one entry of the torrent's file tree. Path holds the
// relative segments below the torrent name; single-file torrents have
// one entry with an empty Path.
type FileInfo struct {
	Path   []string
	Length int
}

// TorrentFile is the immutable descriptor of a parsed metainfo file.
type TorrentFile struct {
	Announce     string
	AnnounceList [][]string
	InfoHash     [20]byte
	PieceLength  int
	PieceHashes  [][20]byte
	Length       int
	Files        []FileInfo
	Name         string
}

type bencodeInfo struct {
	PieceLength int               `bencode:"piece length"`
	Pieces      string            `bencode:"pieces"`
	Length      int               `bencode:"length,omitempty"`
	Name        string            `bencode:"name"`
	Private     bool              `bencode:"private,omitempty"`
	Source      string            `bencode:"source,omitempty"`
	Files       []bencodeFileInfo `bencode:"files,omitempty"`
}

type bencodeTorrent struct {
	Announce     string      `bencode:"announce"`
	AnnounceList [][]string  `bencode:"announce-list"`
	Info         bencodeInfo `bencode:"info"`
}

type bencodeFileInfo struct {
	Length   int      `bencode:"length"`
	Path     []string `bencode:"path"`
	PathUTF8 []string `bencode:"path.utf-8,omitempty"`
}

// Open parses the metainfo file at path.
func Open(path string) (*TorrentFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes raw metainfo bytes into a validated TorrentFile.
func Parse(raw []byte) (*TorrentFile, error) {
	bto := bencodeTorrent{}
	err := bencode.Unmarshal(bytes.NewReader(raw), &bto)
	if err != nil {
		return nil, err
	}

	start, end, err := infoSpan(raw)
	if err != nil {
		return nil, err
	}
	infoHash := sha1.Sum(raw[start:end])

	return bto.toTorrentFile(infoHash)
}

func (binfo *bencodeInfo) generatePieceHashes() ([][20]byte, error) {
	hashLength := 20
	buf := []byte(binfo.Pieces)

	if len(buf)%hashLength != 0 {
		err := fmt.Errorf("received incorrect number of pieces with length %d", len(buf))
		return nil, err
	}

	numHashes := len(buf) / hashLength
	if numHashes == 0 {
		return nil, fmt.Errorf("metainfo has zero pieces")
	}
	hashes := make([][20]byte, numHashes)

	for i := 0; i < numHashes; i++ {
		copy(hashes[i][:], buf[i*hashLength:(i+1)*hashLength])
	}
	return hashes, nil
}

func validSegment(seg string) bool {
	return seg != "" && seg != "." && seg != ".." && !strings.ContainsRune(seg, os.PathSeparator) && !strings.ContainsRune(seg, '/')
}

// fileList validates and flattens the info file entries. Multi-file
// mode is indicated by the presence of "files"; single-file mode
// synthesizes one entry from name + length.
func (binfo *bencodeInfo) fileList() ([]FileInfo, int, error) {
	if binfo.Files == nil {
		if binfo.Length <= 0 {
			return nil, 0, fmt.Errorf("file %q has non-positive length %d", binfo.Name, binfo.Length)
		}
		return []FileInfo{{Length: binfo.Length}}, binfo.Length, nil
	}

	files := make([]FileInfo, 0, len(binfo.Files))
	total := 0
	for _, bf := range binfo.Files {
		if bf.Length <= 0 {
			return nil, 0, fmt.Errorf("file %q has non-positive length %d", strings.Join(bf.Path, "/"), bf.Length)
		}
		if len(bf.Path) == 0 {
			return nil, 0, fmt.Errorf("file entry with empty path")
		}
		for _, seg := range bf.Path {
			if !validSegment(seg) {
				return nil, 0, fmt.Errorf("file path segment %q is not allowed", seg)
			}
		}
		files = append(files, FileInfo{Path: bf.Path, Length: bf.Length})
		total += bf.Length
	}
	return files, total, nil
}

func (bto *bencodeTorrent) toTorrentFile(infoHash [20]byte) (*TorrentFile, error) {
	if bto.Info.PieceLength <= 0 {
		return nil, fmt.Errorf("non-positive piece length %d", bto.Info.PieceLength)
	}
	if bto.Info.Name == "" {
		return nil, fmt.Errorf("metainfo has empty name")
	}
	if !validSegment(bto.Info.Name) {
		return nil, fmt.Errorf("metainfo name %q is not allowed", bto.Info.Name)
	}

	pieceHashes, err := bto.Info.generatePieceHashes()
	if err != nil {
		return nil, err
	}

	files, total, err := bto.Info.fileList()
	if err != nil {
		return nil, err
	}

	// every piece must hold at least one byte
	if total <= (len(pieceHashes)-1)*bto.Info.PieceLength || total > len(pieceHashes)*bto.Info.PieceLength {
		return nil, fmt.Errorf("total length %d does not fit %d pieces of %d bytes", total, len(pieceHashes), bto.Info.PieceLength)
	}

	tf := TorrentFile{
		Announce:     bto.Announce,
		AnnounceList: bto.AnnounceList,
		InfoHash:     infoHash,
		PieceHashes:  pieceHashes,
		PieceLength:  bto.Info.PieceLength,
		Length:       total,
		Files:        files,
		Name:         bto.Info.Name,
	}
	return &tf, nil
}

// NumPieces returns the piece count.
func (tf *TorrentFile) NumPieces() int {
	return len(tf.PieceHashes)
}

// PieceBounds returns the [begin, end) range of a piece within the
// whole torrent.
func (tf *TorrentFile) PieceBounds(index int) (int, int) {
	begin := index * tf.PieceLength
	end := begin + tf.PieceLength
	if end > tf.Length {
		end = tf.Length
	}
	return begin, end
}

// PieceSize returns the logical length of a piece; only the last piece
// may be shorter than PieceLength.
func (tf *TorrentFile) PieceSize(index int) int {
	begin, end := tf.PieceBounds(index)
	return end - begin
}

// BlockCount returns how many blocks the piece splits into.
func (tf *TorrentFile) BlockCount(index int) int {
	return (tf.PieceSize(index) + BlockSize - 1) / BlockSize
}

// MultiFile reports whether the torrent carries a directory tree.
func (tf *TorrentFile) MultiFile() bool {
	return len(tf.Files) > 1 || (len(tf.Files) == 1 && len(tf.Files[0].Path) > 0)
}
