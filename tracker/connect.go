package tracker

import (
	"encoding/binary"
	"fmt"

	"tide/helper"
)

const connectLen = 16

// udp tracker protocol magic (BEP 15)
const protocolID = 0x41727101980

// connect is the first round trip of the udp tracker protocol. The
// connection id it yields is valid for 60 seconds.
type connect struct {
	ProtocolID    uint64 // request & response
	Action        uint32 // request & response
	TransactionID []byte // request & response

	ConnectionID []byte // response
}

func newConnect() *connect {
	return &connect{
		ProtocolID:    protocolID,
		Action:        actionConnect,
		TransactionID: helper.GenerateRandomID(4),
	}
}

func (c *connect) serialize() []byte {
	buf := make([]byte, connectLen)
	binary.BigEndian.PutUint64(buf[0:8], c.ProtocolID)
	binary.BigEndian.PutUint32(buf[8:12], c.Action)
	copy(buf[12:16], c.TransactionID)
	return buf
}

func readConnect(buf []byte) (*connect, error) {
	if len(buf) < connectLen {
		return nil, fmt.Errorf("connect response is %d bytes, want %d", len(buf), connectLen)
	}

	transactionID := make([]byte, 4)
	connectionID := make([]byte, 8)
	copy(transactionID, buf[4:8])
	copy(connectionID, buf[8:16])

	c := connect{
		Action:        binary.BigEndian.Uint32(buf[0:4]),
		TransactionID: transactionID,
		ConnectionID:  connectionID,
	}
	return &c, nil
}
