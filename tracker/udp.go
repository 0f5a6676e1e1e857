package tracker

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"tide/peer"
)

// BEP 15 retransmission: wait 15*2^n seconds for a reply, n = 0..8,
// then give up.
const (
	udpBaseTimeout   = 15 * time.Second
	udpMaxRetransmit = 8
)

// a connection id is good for 60 seconds after the connect round trip
const connectionIDTTL = time.Minute

// udpTracker keeps the socket and connection id of one udp announce
// URL between announces.
type udpTracker struct {
	host string

	conn         *net.UDPConn
	connectionID []byte
	connectedAt  time.Time
}

func newUDPTracker(host string) *udpTracker {
	return &udpTracker{host: host}
}

func (u *udpTracker) close() {
	if u.conn != nil {
		u.conn.Close()
		u.conn = nil
	}
}

func (u *udpTracker) dial() error {
	if u.conn != nil {
		return nil
	}
	raddr, err := net.ResolveUDPAddr("udp4", u.host)
	if err != nil {
		return err
	}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return err
	}
	u.conn = conn
	return nil
}

// announce runs the two-step udp protocol, reusing a still-valid
// connection id. Each retransmission doubles the wait.
func (u *udpTracker) announce(ctx context.Context, req *Request) (*Response, error) {
	if err := u.dial(); err != nil {
		return nil, err
	}

	for n := 0; n <= udpMaxRetransmit; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		timeout := udpBaseTimeout << n
		if deadline, ok := ctx.Deadline(); ok {
			if remain := time.Until(deadline); remain < timeout {
				timeout = remain
			}
		}

		if time.Since(u.connectedAt) >= connectionIDTTL {
			if err := u.connect(timeout); err != nil {
				if isTimeout(err) {
					continue
				}
				return nil, err
			}
		}

		res, err := u.announceOnce(req, timeout)
		if err != nil {
			if isTimeout(err) {
				// the connection id may have expired while we waited
				continue
			}
			return nil, err
		}
		return res, nil
	}

	return nil, fmt.Errorf("udp tracker %s did not respond after %d retries", u.host, udpMaxRetransmit)
}

func (u *udpTracker) connect(timeout time.Duration) error {
	connectReq := newConnect()
	if _, err := u.conn.Write(connectReq.serialize()); err != nil {
		return err
	}

	u.conn.SetReadDeadline(time.Now().Add(timeout))
	defer u.conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 2048)
	size, err := u.conn.Read(buf)
	if err != nil {
		return err
	}

	connectRes, err := readConnect(buf[:size])
	if err != nil {
		return err
	}
	if !bytes.Equal(connectReq.TransactionID, connectRes.TransactionID) {
		return fmt.Errorf("expected TID %s received %s", connectReq.TransactionID, connectRes.TransactionID)
	}
	if connectRes.Action != actionConnect {
		return fmt.Errorf("expected action %d (connect) received %d", actionConnect, connectRes.Action)
	}

	u.connectionID = connectRes.ConnectionID
	u.connectedAt = time.Now()
	return nil
}

func (u *udpTracker) announceOnce(req *Request, timeout time.Duration) (*Response, error) {
	announceReq := newAnnounce(req, u.connectionID)
	if _, err := u.conn.Write(announceReq.serialize()); err != nil {
		return nil, err
	}

	u.conn.SetReadDeadline(time.Now().Add(timeout))
	defer u.conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 4096)
	size, err := u.conn.Read(buf)
	if err != nil {
		return nil, err
	}

	if size >= 8 && binaryAction(buf) == actionError {
		return nil, &FailureError{Reason: string(buf[8:size])}
	}

	announceRes, err := readAnnounce(buf[:size])
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(announceReq.TransactionID, announceRes.TransactionID) {
		return nil, fmt.Errorf("expected TID %s received %s", announceReq.TransactionID, announceRes.TransactionID)
	}
	if announceRes.Action != actionAnnounce {
		return nil, fmt.Errorf("expected action %d (announce) received %d", actionAnnounce, announceRes.Action)
	}

	peers, err := peer.Unmarshal(announceRes.Peers)
	if err != nil {
		return nil, err
	}
	return &Response{
		Interval: time.Duration(announceRes.Interval) * time.Second,
		Peers:    peers,
	}, nil
}

func binaryAction(buf []byte) uint32 {
	return uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
}

func isTimeout(err error) bool {
	netErr, ok := err.(net.Error)
	return ok && netErr.Timeout()
}
