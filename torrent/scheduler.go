package torrent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/sirupsen/logrus"

	"tide/bitfield"
	"tide/channel"
	"tide/message"
	"tide/piece"
	"tide/storage"
)

const (
	// outstanding block requests per peer
	maxPipeline = 5

	// a requested block not delivered within this window goes back to
	// pending and the peer takes a strike
	blockTimeout = 30 * time.Second

	// strikes before a slow peer is dropped
	maxStrikes = 3
	// corrupt pieces attributable to one peer before it is dropped
	maxCorruptions = 2

	// strict rarest-first relaxes to random until this many pieces are
	// done, to avoid head-of-torrent hotspots
	randomFirstPieces = 4
)

// ErrNoPeers means every tracker tier failed while no peer was active.
var ErrNoPeers = errors.New("no peers obtainable")

// peerState is the scheduler's view of one connection. The wire flags
// start as the protocol prescribes: both sides choking, neither
// interested.
type peerState struct {
	ch   *channel.Channel
	bits bitfield.Bitfield

	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool

	bitfieldSeen bool
	outstanding  int
	strikes      int
	corruptions  int
}

// scheduler owns piece selection and all PieceStates. It is the only
// goroutine that mutates them; peers talk to it through events and it
// talks back through per-peer outboxes.
type scheduler struct {
	t *Torrent

	peers        map[string]*peerState
	states       map[int]*piece.State
	completed    *roaring.Bitmap
	availability []int

	log *logrus.Logger
}

func newScheduler(t *Torrent, completed *roaring.Bitmap) *scheduler {
	return &scheduler{
		t:            t,
		peers:        make(map[string]*peerState),
		states:       make(map[int]*piece.State),
		completed:    completed,
		availability: make([]int, t.tf.NumPieces()),
		log:          t.cfg.Log,
	}
}

// run drives the whole download. It returns nil once every piece is
// verified and written, or the session-fatal error.
func (s *scheduler) run(ctx context.Context) error {
	// whatever ends the session, the peer tasks get their sockets
	// closed
	defer func() {
		for _, p := range s.peers {
			p.ch.Close()
		}
	}()

	if s.done() {
		return nil
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev := <-s.t.events:
			if err := s.handle(ev); err != nil {
				return err
			}
			if s.done() {
				return nil
			}

		case res := <-s.t.writeResults:
			if err := s.writeFinished(res); err != nil {
				return err
			}
			if s.done() {
				return nil
			}

		case <-s.t.exhausted:
			if len(s.peers) == 0 && !s.done() {
				return ErrNoPeers
			}

		case <-ticker.C:
			s.expireBlocks()
		}
	}
}

func (s *scheduler) done() bool {
	return s.completed.GetCardinality() == uint64(s.t.tf.NumPieces())
}

func (s *scheduler) handle(ev channel.Event) error {
	p := s.peers[ev.Peer.Addr]
	if p == nil && ev.Kind != channel.EventReady {
		// stale event from a disconnected peer
		return nil
	}

	switch ev.Kind {
	case channel.EventReady:
		p = &peerState{
			ch:          ev.Peer,
			bits:        bitfield.New(s.t.tf.NumPieces()),
			amChoking:   true,
			peerChoking: true,
		}
		s.peers[ev.Peer.Addr] = p
		s.t.activePeers.Store(int32(len(s.peers)))
		// advertise what we already have
		if !s.completed.IsEmpty() {
			s.send(p, message.CreateBitfieldMessage(s.ourBitfield()))
		}

	case channel.EventBitfield:
		if p.bitfieldSeen {
			s.disconnect(p, fmt.Errorf("second bitfield"))
			return nil
		}
		p.bitfieldSeen = true
		p.bits = ev.Bits
		for i := 0; i < s.t.tf.NumPieces(); i++ {
			if ev.Bits.HasPiece(i) {
				s.availability[i]++
			}
		}
		s.updateInterest(p)
		s.fill(p)

	case channel.EventHave:
		if !p.bits.HasPiece(ev.Index) {
			p.bits.SetPiece(ev.Index)
			s.availability[ev.Index]++
		}
		s.updateInterest(p)
		s.fill(p)

	case channel.EventUnchoke:
		p.peerChoking = false
		s.fill(p)

	case channel.EventChoke:
		// outstanding requests are implicitly cancelled
		p.peerChoking = true
		p.outstanding = 0
		for _, st := range s.states {
			st.DropPeer(p.ch.Addr)
		}

	case channel.EventInterested:
		p.peerInterested = true
		if p.amChoking {
			p.amChoking = false
			s.send(p, &message.Message{ID: message.Unchoke})
		}

	case channel.EventNotInterested:
		p.peerInterested = false
		if !p.amChoking {
			p.amChoking = true
			s.send(p, &message.Message{ID: message.Choke})
		}

	case channel.EventBlock:
		return s.blockDelivered(p, ev)

	case channel.EventRequest:
		s.serveRequest(p, ev)

	case channel.EventCancel:
		s.t.cancelServe(p.ch.Addr, ev.Index, ev.Begin)

	case channel.EventGone:
		s.peerGone(p, ev.Err)
	}
	return nil
}

func (s *scheduler) blockDelivered(p *peerState, ev channel.Event) error {
	if p.outstanding > 0 {
		p.outstanding--
	}

	st := s.states[ev.Index]
	if st == nil {
		// probably a block that outlived a cancel or a timeout
		return nil
	}
	if err := st.Deliver(p.ch.Addr, ev.Begin, ev.Block); err != nil {
		// a race with cancel/timeout, not worth a disconnect
		s.log.WithField("peer", p.ch.Addr).WithError(err).Debug("dropped block delivery")
		s.fill(p)
		return nil
	}
	s.t.stats.Downloaded.Add(int64(len(ev.Block)))

	result, buf, blamed := st.MaybeComplete()
	switch result {
	case piece.Verified:
		// ownership of buf moves to the writer task
		if err := s.enqueueWrite(ev.Index, buf); err != nil {
			return err
		}
	case piece.Mismatch:
		s.log.WithField("piece", ev.Index).Warn("piece failed hash check, refetching")
		for _, addr := range blamed {
			if bp := s.peers[addr]; bp != nil {
				bp.corruptions++
				if bp.corruptions >= maxCorruptions {
					s.disconnect(bp, fmt.Errorf("served %d corrupt pieces", bp.corruptions))
				}
			}
		}
	}

	s.fillAll()
	return nil
}

// enqueueWrite hands a verified buffer to the writer task, draining
// finished writes while it waits so the two tasks cannot wedge each
// other.
func (s *scheduler) enqueueWrite(index int, buf []byte) error {
	job := writeJob{index: index, buf: buf}
	for {
		select {
		case s.t.writeJobs <- job:
			return nil
		case res := <-s.t.writeResults:
			if err := s.writeFinished(res); err != nil {
				return err
			}
		}
	}
}

// writeFinished reacts to the writer task. A persistent storage error
// kills the session; a transient one puts the piece back on the board.
func (s *scheduler) writeFinished(res writeResult) error {
	if res.err != nil {
		if errors.Is(res.err, storage.ErrPersistent) {
			return res.err
		}
		s.log.WithField("piece", res.index).WithError(res.err).Warn("piece write failed, refetching")
		s.states[res.index] = piece.New(res.index, s.t.tf.PieceSize(res.index), s.t.tf.PieceHashes[res.index])
		s.fillAll()
		return nil
	}

	delete(s.states, res.index)
	s.completed.Add(uint32(res.index))
	s.t.stats.Left.Sub(int64(s.t.tf.PieceSize(res.index)))
	s.t.pieceDone()

	// sent to every peer, harmless toward ones that already have it
	have := message.CreateHaveMessage(res.index)
	for _, p := range s.peers {
		s.send(p, have)
	}
	for _, p := range s.peers {
		s.updateInterest(p)
	}

	if s.done() {
		s.log.WithField("pieces", s.t.tf.NumPieces()).Info("download complete")
	}
	s.fillAll()
	return nil
}

// serveRequest feeds an upload through the writer task so the
// scheduler never blocks on disk.
func (s *scheduler) serveRequest(p *peerState, ev channel.Event) {
	if p.amChoking {
		return
	}
	if !s.completed.Contains(uint32(ev.Index)) {
		return
	}
	if ev.Length <= 0 || ev.Length > 128*1024 || ev.Begin < 0 ||
		ev.Begin+ev.Length > s.t.tf.PieceSize(ev.Index) {
		s.disconnect(p, fmt.Errorf("request for piece %d range [%d,%d) out of bounds", ev.Index, ev.Begin, ev.Begin+ev.Length))
		return
	}
	s.t.enqueueServe(p.ch, ev.Index, ev.Begin, ev.Length)
}

func (s *scheduler) peerGone(p *peerState, err error) {
	delete(s.peers, p.ch.Addr)
	s.t.activePeers.Store(int32(len(s.peers)))

	for i := 0; i < s.t.tf.NumPieces(); i++ {
		if p.bits.HasPiece(i) && s.availability[i] > 0 {
			s.availability[i]--
		}
	}
	for _, st := range s.states {
		st.DropPeer(p.ch.Addr)
	}

	if err != nil {
		s.log.WithField("peer", p.ch.Addr).WithError(err).Debug("peer gone")
	}
	s.t.notifyGone(p.ch.Addr)
	s.fillAll()
}

func (s *scheduler) disconnect(p *peerState, reason error) {
	s.log.WithFields(logrus.Fields{
		"peer":   p.ch.Addr,
		"reason": reason,
	}).Debug("disconnecting peer")
	p.ch.Close()
	// the reader task will follow up with EventGone
}

// expireBlocks returns timed-out requests to pending and strikes the
// peers that sat on them.
func (s *scheduler) expireBlocks() {
	now := time.Now()
	for _, st := range s.states {
		for _, addr := range st.Release(now, blockTimeout) {
			p := s.peers[addr]
			if p == nil {
				continue
			}
			if p.outstanding > 0 {
				p.outstanding--
			}
			p.strikes++
			if p.strikes >= maxStrikes {
				s.disconnect(p, fmt.Errorf("%d block timeouts", p.strikes))
			}
		}
	}
	s.fillAll()
}

// updateInterest keeps am_interested in sync with whether the peer has
// anything we miss, sending the transition messages.
func (s *scheduler) updateInterest(p *peerState) {
	want := false
	for i := 0; i < s.t.tf.NumPieces(); i++ {
		if p.bits.HasPiece(i) && !s.completed.Contains(uint32(i)) {
			want = true
			break
		}
	}

	if want && !p.amInterested {
		p.amInterested = true
		s.send(p, &message.Message{ID: message.Interested})
	} else if !want && p.amInterested {
		p.amInterested = false
		s.send(p, &message.Message{ID: message.NotInterested})
	}
}

func (s *scheduler) fillAll() {
	for _, p := range s.peers {
		s.fill(p)
	}
}

// fill tops the peer's pipeline up to maxPipeline block requests.
// Requests are legal only while we are interested and not choked.
func (s *scheduler) fill(p *peerState) {
	if p.peerChoking || !p.amInterested {
		return
	}

	for p.outstanding < maxPipeline {
		st := s.pieceFor(p)
		if st == nil {
			return
		}
		b, ok := st.NextBlock(p.ch.Addr, time.Now())
		if !ok {
			return
		}
		if !s.send(p, message.CreateRequestMessage(st.Index, b.Offset, b.Length)) {
			return
		}
		p.outstanding++
	}
}

// pieceFor picks the piece to request from a peer: first any started
// piece it can finish, else a fresh piece by rarest-first (random
// while the download is young).
func (s *scheduler) pieceFor(p *peerState) *piece.State {
	for i, st := range s.states {
		if p.bits.HasPiece(i) && st.PendingBlocks() > 0 {
			return st
		}
	}
	return s.startPiece(p)
}

// startPiece selects a fresh piece for the peer and registers its
// state. Returns nil when the peer has nothing we need.
func (s *scheduler) startPiece(p *peerState) *piece.State {
	var candidates []int
	for i := 0; i < s.t.tf.NumPieces(); i++ {
		if s.completed.Contains(uint32(i)) {
			continue
		}
		if _, started := s.states[i]; started {
			continue
		}
		if !p.bits.HasPiece(i) {
			continue
		}
		candidates = append(candidates, i)
	}
	if len(candidates) == 0 {
		return nil
	}

	var pick int
	if s.completed.GetCardinality() < randomFirstPieces {
		pick = candidates[s.t.intn(len(candidates))]
	} else {
		pick = candidates[0]
		for _, i := range candidates[1:] {
			if s.availability[i] < s.availability[pick] {
				pick = i
			}
		}
	}

	st := piece.New(pick, s.t.tf.PieceSize(pick), s.t.tf.PieceHashes[pick])
	s.states[pick] = st
	return st
}

// send queues a message on the peer's outbox, disconnecting a peer
// whose outbox is full rather than blocking the scheduler.
func (s *scheduler) send(p *peerState, msg *message.Message) bool {
	if !p.ch.Send(msg) {
		s.disconnect(p, fmt.Errorf("outbox full"))
		return false
	}
	return true
}

func (s *scheduler) ourBitfield() []byte {
	bits := bitfield.New(s.t.tf.NumPieces())
	it := s.completed.Iterator()
	for it.HasNext() {
		bits.SetPiece(int(it.Next()))
	}
	return bits
}
