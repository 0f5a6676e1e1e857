package handshake

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeRead(t *testing.T) {
	var infoHash, peerID [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(peerID[:], "-TD0001-abcdefghijkl")

	h := New(infoHash, peerID)
	buf := h.Serialize()
	require.Len(t, buf, 68)
	assert.Equal(t, byte(19), buf[0])
	assert.Equal(t, "BitTorrent protocol", string(buf[1:20]))

	parsed, err := Read(bytes.NewReader(buf))
	require.NoError(t, err)
	assert.Equal(t, h.Pstr, parsed.Pstr)
	assert.Equal(t, infoHash, parsed.InfoHash)
	assert.Equal(t, peerID, parsed.PeerID)
}

func TestReadRejectsWrongPstrLen(t *testing.T) {
	buf := make([]byte, 68)
	buf[0] = 18
	copy(buf[1:], "BitTorrent protocol")

	_, err := Read(bytes.NewReader(buf))
	require.Error(t, err)
}

func TestReadRejectsWrongProtocol(t *testing.T) {
	buf := make([]byte, 68)
	buf[0] = 19
	copy(buf[1:], "BitTorrent Protocol") // wrong case

	_, err := Read(bytes.NewReader(buf))
	require.Error(t, err)
}

func TestReadTruncated(t *testing.T) {
	buf := New([20]byte{}, [20]byte{}).Serialize()
	_, err := Read(bytes.NewReader(buf[:40]))
	require.Error(t, err)
}
