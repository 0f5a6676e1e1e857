package peer

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshal(t *testing.T) {
	peers, err := Unmarshal([]byte{
		127, 0, 0, 1, 0x1A, 0xE1, // 127.0.0.1:6881
		10, 0, 0, 2, 0x1A, 0xE9, // 10.0.0.2:6889
	})
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, "127.0.0.1:6881", peers[0].String())
	assert.Equal(t, "10.0.0.2:6889", peers[1].String())
}

func TestUnmarshalMalformed(t *testing.T) {
	_, err := Unmarshal([]byte{127, 0, 0, 1, 0x1A})
	require.Error(t, err)
}

func TestFromDict(t *testing.T) {
	peers := FromDict([]DictEntry{
		{IP: "192.168.1.9", Port: 51413},
		{IP: "not-an-ip", Port: 6881},
		{IP: "10.1.1.1", Port: 0},
	})
	require.Len(t, peers, 1)
	assert.Equal(t, "192.168.1.9:51413", peers[0].String())
}

func TestFromAddr(t *testing.T) {
	p, err := FromAddr(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4242})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:4242", p.String())
}
