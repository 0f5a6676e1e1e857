package piece

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"time"

	"tide/file"
)

// Status of a piece within the scheduler.
type Status int

const (
	Missing Status = iota
	InFlight
	Complete
	Corrupt
)

// Block identifies one transfer unit within a piece.
type Block struct {
	Offset int
	Length int
}

type requestInfo struct {
	peer string
	at   time.Time
}

// State tracks block bookkeeping for one piece. It is owned by the
// scheduler: peers never touch it, they deliver blocks through typed
// events. At all times pending, requested and received partition the
// block set.
type State struct {
	Index  int
	length int
	hash   [20]byte

	status    Status
	pending   []Block
	requested map[Block]requestInfo
	received  map[Block]bool

	// allocated on the first request, dropped on completion hand-off
	// or corruption rollback
	buffer []byte

	contributors map[string]bool
}

// New sets up the block layout for a piece of the given length.
func New(index, length int, hash [20]byte) *State {
	s := &State{
		Index:        index,
		length:       length,
		hash:         hash,
		status:       Missing,
		requested:    make(map[Block]requestInfo),
		received:     make(map[Block]bool),
		contributors: make(map[string]bool),
	}
	for off := 0; off < length; off += file.BlockSize {
		ln := file.BlockSize
		if length-off < ln {
			ln = length - off
		}
		s.pending = append(s.pending, Block{Offset: off, Length: ln})
	}
	return s
}

// Status returns the piece's current status.
func (s *State) Status() Status {
	return s.status
}

// Length returns the piece's logical length.
func (s *State) Length() int {
	return s.length
}

// BlocksLeft returns how many blocks are not yet received.
func (s *State) BlocksLeft() int {
	return len(s.pending) + len(s.requested)
}

// PendingBlocks returns how many blocks nobody has been asked for yet.
func (s *State) PendingBlocks() int {
	return len(s.pending)
}

// NextBlock hands the next pending block to the named peer, moving it
// to requested. Returns false when nothing is pending.
func (s *State) NextBlock(peer string, now time.Time) (Block, bool) {
	if len(s.pending) == 0 {
		return Block{}, false
	}
	b := s.pending[0]
	s.pending = s.pending[1:]
	s.requested[b] = requestInfo{peer: peer, at: now}
	if s.status == Missing || s.status == Corrupt {
		s.status = InFlight
	}
	if s.buffer == nil {
		s.buffer = make([]byte, s.length)
	}
	return b, true
}

// Deliver copies a block payload into the piece buffer. The offset
// must correspond to an outstanding request and the payload length
// must match it, otherwise the delivery is rejected and the caller
// reports the peer.
func (s *State) Deliver(peer string, offset int, payload []byte) error {
	b := Block{Offset: offset, Length: len(payload)}
	info, ok := s.requested[b]
	if !ok {
		return fmt.Errorf("piece %d: block at offset %d (len %d) was not requested", s.Index, offset, len(payload))
	}
	if info.peer != peer {
		return fmt.Errorf("piece %d: block at offset %d was requested from %s, delivered by %s", s.Index, offset, info.peer, peer)
	}

	delete(s.requested, b)
	s.received[b] = true
	copy(s.buffer[offset:], payload)
	s.contributors[peer] = true
	return nil
}

// Result of a completion check.
type Result int

const (
	Incomplete Result = iota
	Verified
	Mismatch
)

// MaybeComplete verifies the piece once every block is received. On a
// hash match it returns the buffer with ownership transferred to the
// caller; the piece is Complete. On a mismatch all received blocks go
// back to pending, the buffer is freed, and the contributing peers are
// returned for blame.
func (s *State) MaybeComplete() (Result, []byte, []string) {
	if len(s.pending) != 0 || len(s.requested) != 0 {
		return Incomplete, nil, nil
	}

	sum := sha1.Sum(s.buffer)
	if bytes.Equal(sum[:], s.hash[:]) {
		s.status = Complete
		buf := s.buffer
		s.buffer = nil
		s.received = make(map[Block]bool)
		return Verified, buf, nil
	}

	blamed := make([]string, 0, len(s.contributors))
	for p := range s.contributors {
		blamed = append(blamed, p)
	}

	s.status = Corrupt
	s.buffer = nil
	for b := range s.received {
		s.pending = append(s.pending, b)
	}
	s.received = make(map[Block]bool)
	s.contributors = make(map[string]bool)
	s.sortPending()
	return Mismatch, nil, blamed
}

// Release returns requested blocks older than timeout to pending and
// reports which peers they were requested from, one entry per expired
// block.
func (s *State) Release(now time.Time, timeout time.Duration) []string {
	var peers []string
	for b, info := range s.requested {
		if now.Sub(info.at) >= timeout {
			delete(s.requested, b)
			s.pending = append(s.pending, b)
			peers = append(peers, info.peer)
		}
	}
	if peers != nil {
		s.sortPending()
	}
	return peers
}

// DropPeer returns every block requested from the named peer to
// pending. Used when a peer chokes us or goes away.
func (s *State) DropPeer(peer string) int {
	n := 0
	for b, info := range s.requested {
		if info.peer == peer {
			delete(s.requested, b)
			s.pending = append(s.pending, b)
			n++
		}
	}
	if n > 0 {
		s.sortPending()
	}
	return n
}

// RequestedBy reports whether the peer has outstanding requests here.
func (s *State) RequestedBy(peer string) bool {
	for _, info := range s.requested {
		if info.peer == peer {
			return true
		}
	}
	return false
}

func (s *State) sortPending() {
	// insertion sort; pending stays nearly ordered and short
	for i := 1; i < len(s.pending); i++ {
		for j := i; j > 0 && s.pending[j].Offset < s.pending[j-1].Offset; j-- {
			s.pending[j], s.pending[j-1] = s.pending[j-1], s.pending[j]
		}
	}
}
