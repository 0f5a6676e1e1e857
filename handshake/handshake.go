package handshake

import (
	"fmt"
	"io"
)

// Handshake string consists of (in order):
//   - 1 byte for pstr length (length of protocol identifier - has to be 19)
//   - 19 bytes for pstr (protocol identifier - "BitTorrent protocol")
//   - 8 reserved bytes for extension support (all zero here)
//   - 20 bytes for infohash (SHA-1 of the raw bencoded info dictionary)
//   - 20 bytes for peerID (random id to identify ourselves)
type Handshake struct {
	Pstr     string
	InfoHash [20]byte
	PeerID   [20]byte
}

// length of handshake string in bytes
const handshakeLen = 68

const protocol = "BitTorrent protocol"

// New creates a Handshake with the given infoHash and peerID.
func New(infoHash, peerID [20]byte) *Handshake {
	return &Handshake{
		Pstr:     protocol,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
}

// Serialize puts together a handshake string.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, handshakeLen)
	buf[0] = byte(len(h.Pstr))
	curr := 1
	curr += copy(buf[curr:], h.Pstr)
	curr += copy(buf[curr:], make([]byte, 8))
	curr += copy(buf[curr:], h.InfoHash[:])
	curr += copy(buf[curr:], h.PeerID[:])
	return buf
}

// Read converts a raw handshake string into a Handshake struct.
func Read(r io.Reader) (*Handshake, error) {
	pstrLenBuf := make([]byte, 1)
	_, err := io.ReadFull(r, pstrLenBuf)
	if err != nil {
		return nil, err
	}
	pstrLen := int(pstrLenBuf[0])
	if pstrLen != len(protocol) {
		err := fmt.Errorf("pstr length should be 19 (0x13) but is %d", pstrLen)
		return nil, err
	}

	handshakeBuf := make([]byte, handshakeLen-1)
	_, err = io.ReadFull(r, handshakeBuf)
	if err != nil {
		return nil, err
	}

	if string(handshakeBuf[0:pstrLen]) != protocol {
		err := fmt.Errorf("unexpected protocol identifier %q", handshakeBuf[0:pstrLen])
		return nil, err
	}

	var infoHash, peerID [20]byte
	copy(infoHash[:], handshakeBuf[pstrLen+8:pstrLen+8+20])
	copy(peerID[:], handshakeBuf[pstrLen+8+20:])

	h := Handshake{
		Pstr:     string(handshakeBuf[0:pstrLen]),
		InfoHash: infoHash,
		PeerID:   peerID,
	}
	return &h, nil
}
