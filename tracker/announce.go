package tracker

import (
	"encoding/binary"
	"fmt"

	"tide/helper"
)

const announceLen = 98

// udp tracker actions
const (
	actionConnect  = 0
	actionAnnounce = 1
	actionError    = 3
)

// Event accompanies an announce.
type Event int

const (
	EventNone Event = iota
	EventCompleted
	EventStarted
	EventStopped
)

func (e Event) String() string {
	switch e {
	case EventCompleted:
		return "completed"
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	default:
		return ""
	}
}

// announce is the second round trip of the udp tracker protocol.
type announce struct {
	Action        uint32 // request & response
	TransactionID []byte // request & response

	ConnectionID []byte   // request
	InfoHash     [20]byte // request
	PeerID       [20]byte // request
	Downloaded   uint64   // request
	Left         uint64   // request
	Uploaded     uint64   // request
	Event        uint32   // request
	IP           uint32   // request
	Key          []byte   // request
	NumWant      int      // request
	Port         uint16   // request

	Interval uint32 // response
	Leechers uint32 // response
	Seeders  uint32 // response
	Peers    []byte // response
}

func newAnnounce(req *Request, connectionID []byte) *announce {
	return &announce{
		ConnectionID:  connectionID,
		Action:        actionAnnounce,
		TransactionID: helper.GenerateRandomID(4),
		InfoHash:      req.InfoHash,
		PeerID:        req.PeerID,
		Downloaded:    uint64(req.Downloaded),
		Left:          uint64(req.Left),
		Uploaded:      uint64(req.Uploaded),
		Event:         uint32(req.Event),
		IP:            0,
		Key:           helper.GenerateRandomID(4),
		NumWant:       -1,
		Port:          req.Port,
	}
}

func (a *announce) serialize() []byte {
	buf := make([]byte, announceLen)
	copy(buf[:8], a.ConnectionID)
	binary.BigEndian.PutUint32(buf[8:12], a.Action)
	copy(buf[12:16], a.TransactionID)
	copy(buf[16:36], a.InfoHash[:])
	copy(buf[36:56], a.PeerID[:])
	binary.BigEndian.PutUint64(buf[56:64], a.Downloaded)
	binary.BigEndian.PutUint64(buf[64:72], a.Left)
	binary.BigEndian.PutUint64(buf[72:80], a.Uploaded)
	binary.BigEndian.PutUint32(buf[80:84], a.Event)
	binary.BigEndian.PutUint32(buf[84:88], a.IP)
	copy(buf[88:92], a.Key)
	binary.BigEndian.PutUint32(buf[92:96], uint32(a.NumWant))
	binary.BigEndian.PutUint16(buf[96:98], a.Port)
	return buf
}

func readAnnounce(buf []byte) (*announce, error) {
	if len(buf) < 20 {
		return nil, fmt.Errorf("announce response is %d bytes, want at least 20", len(buf))
	}

	transactionID := make([]byte, 4)
	copy(transactionID, buf[4:8])

	peers := make([]byte, len(buf)-20)
	copy(peers, buf[20:])

	a := announce{
		Action:        binary.BigEndian.Uint32(buf[0:4]),
		TransactionID: transactionID,
		Interval:      binary.BigEndian.Uint32(buf[8:12]),
		Leechers:      binary.BigEndian.Uint32(buf[12:16]),
		Seeders:       binary.BigEndian.Uint32(buf[16:20]),
		Peers:         peers,
	}
	return &a, nil
}
