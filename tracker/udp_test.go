package tracker

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockUDPTracker answers one connect and one announce on a loopback
// socket, recording what it saw.
type mockUDPTracker struct {
	conn *net.UDPConn

	sawInfoHash [20]byte
	sawEvent    uint32
	sawLeft     uint64
}

func newMockUDPTracker(t *testing.T) *mockUDPTracker {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	conn, err := net.ListenUDP("udp4", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &mockUDPTracker{conn: conn}
}

func (m *mockUDPTracker) addr() string {
	return m.conn.LocalAddr().String()
}

func (m *mockUDPTracker) serve(t *testing.T, peers []byte) {
	buf := make([]byte, 2048)

	// connect round
	n, raddr, err := m.conn.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, 16, n)
	require.Equal(t, uint64(protocolID), binary.BigEndian.Uint64(buf[0:8]))
	require.Equal(t, uint32(actionConnect), binary.BigEndian.Uint32(buf[8:12]))

	res := make([]byte, 16)
	binary.BigEndian.PutUint32(res[0:4], actionConnect)
	copy(res[4:8], buf[12:16]) // echo transaction id
	copy(res[8:16], "conn-id!")
	_, err = m.conn.WriteToUDP(res, raddr)
	require.NoError(t, err)

	// announce round
	n, raddr, err = m.conn.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, 98, n)
	assert.Equal(t, []byte("conn-id!"), buf[0:8], "announce reuses the connection id")
	require.Equal(t, uint32(actionAnnounce), binary.BigEndian.Uint32(buf[8:12]))
	copy(m.sawInfoHash[:], buf[16:36])
	m.sawLeft = binary.BigEndian.Uint64(buf[64:72])
	m.sawEvent = binary.BigEndian.Uint32(buf[80:84])

	res = make([]byte, 20+len(peers))
	binary.BigEndian.PutUint32(res[0:4], actionAnnounce)
	copy(res[4:8], buf[12:16])
	binary.BigEndian.PutUint32(res[8:12], 1200)  // interval
	binary.BigEndian.PutUint32(res[12:16], 1)    // leechers
	binary.BigEndian.PutUint32(res[16:20], 1)    // seeders
	copy(res[20:], peers)
	_, err = m.conn.WriteToUDP(res, raddr)
	require.NoError(t, err)
}

func TestUDPAnnounce(t *testing.T) {
	mock := newMockUDPTracker(t)
	go mock.serve(t, []byte{127, 0, 0, 1, 0x1A, 0xE1})

	req := testRequest()
	req.Event = EventStarted
	u := newUDPTracker(mock.addr())
	defer u.close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := u.announce(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, 1200, int(res.Interval.Seconds()))
	require.Len(t, res.Peers, 1)
	assert.Equal(t, "127.0.0.1:6881", res.Peers[0].String())

	assert.Equal(t, req.InfoHash, mock.sawInfoHash)
	assert.Equal(t, uint32(EventStarted), mock.sawEvent)
	assert.Equal(t, uint64(1024), mock.sawLeft)
}

func TestUDPAnnounceError(t *testing.T) {
	mock := newMockUDPTracker(t)
	go func() {
		buf := make([]byte, 2048)
		_, raddr, err := mock.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		res := make([]byte, 16)
		binary.BigEndian.PutUint32(res[0:4], actionConnect)
		copy(res[4:8], buf[12:16])
		copy(res[8:16], "conn-id!")
		mock.conn.WriteToUDP(res, raddr)

		_, raddr, err = mock.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		// action 3 carries a human-readable refusal
		errRes := make([]byte, 8+len("torrent banned"))
		binary.BigEndian.PutUint32(errRes[0:4], actionError)
		copy(errRes[4:8], buf[12:16])
		copy(errRes[8:], "torrent banned")
		mock.conn.WriteToUDP(errRes, raddr)
	}()

	u := newUDPTracker(mock.addr())
	defer u.close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := u.announce(ctx, testRequest())

	var failure *FailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "torrent banned", failure.Reason)
}

func TestConnectSerializeRead(t *testing.T) {
	c := newConnect()
	buf := c.serialize()
	require.Len(t, buf, connectLen)
	assert.Equal(t, uint64(protocolID), binary.BigEndian.Uint64(buf[0:8]))
	assert.Equal(t, c.TransactionID, buf[12:16])

	// response layout: action, echoed tid, connection id
	res := make([]byte, connectLen)
	copy(res[4:8], c.TransactionID)
	copy(res[8:16], "conn-id!")
	parsed, err := readConnect(res)
	require.NoError(t, err)
	assert.Equal(t, uint32(actionConnect), parsed.Action)
	assert.Equal(t, c.TransactionID, parsed.TransactionID)
	assert.Equal(t, []byte("conn-id!"), parsed.ConnectionID)

	_, err = readConnect(res[:10])
	require.Error(t, err)
}
