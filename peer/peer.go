package peer

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
)

// Peer is the dialable address of a swarm member.
type Peer struct {
	IP   net.IP
	Port uint16
}

// Unmarshal parses a compact peers list from the tracker.
//
// Each peer is 6 bytes long: 4 for IPv4 and 2 for port number, both
// big endian. Hence, the list has to be a multiple of 6.
func Unmarshal(peersBinary []byte) ([]Peer, error) {
	const peerSize = 6
	if len(peersBinary)%peerSize != 0 {
		err := fmt.Errorf("received malformed binary of peers")
		return nil, err
	}

	numPeers := len(peersBinary) / peerSize
	peers := make([]Peer, numPeers)
	for i := 0; i < numPeers; i++ {
		offset := i * peerSize
		peers[i].IP = net.IP(peersBinary[offset : offset+4])
		peers[i].Port = binary.BigEndian.Uint16(peersBinary[offset+4 : offset+6])
	}

	return peers, nil
}

// DictEntry is one peer of a non-compact tracker response.
type DictEntry struct {
	IP   string `bencode:"ip"`
	Port int    `bencode:"port"`
}

// FromDict converts dictionary-form tracker peers, skipping entries
// that do not parse.
func FromDict(entries []DictEntry) []Peer {
	peers := make([]Peer, 0, len(entries))
	for _, e := range entries {
		ip := net.ParseIP(e.IP)
		if ip == nil || e.Port <= 0 || e.Port > 65535 {
			continue
		}
		peers = append(peers, Peer{IP: ip, Port: uint16(e.Port)})
	}
	return peers
}

// String returns the peer in dialable ip:port form.
func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// FromAddr converts an accepted connection's remote address.
func FromAddr(addr net.Addr) (Peer, error) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return Peer{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Peer{}, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Peer{}, fmt.Errorf("unparsable peer host %q", host)
	}
	return Peer{IP: ip, Port: uint16(port)}, nil
}
