package channel

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tide/bitfield"
	"tide/handshake"
	"tide/message"
	"tide/peer"
)

const (
	dialTimeout      = 5 * time.Second
	handshakeTimeout = 5 * time.Second

	// a peer that stays silent this long is gone
	idleTimeout = 2 * time.Minute
	// outbound keep-alive cadence
	keepAliveEvery = 2 * time.Minute

	// bounded outbox; a full outbox means the peer stalled and the
	// scheduler disconnects instead of blocking
	outboxSize = 16
)

// EventKind discriminates peer events delivered to the scheduler.
type EventKind int

const (
	EventReady EventKind = iota
	EventBitfield
	EventHave
	EventChoke
	EventUnchoke
	EventInterested
	EventNotInterested
	EventBlock
	EventRequest
	EventCancel
	EventGone
)

// Event is the typed message a connection task sends the scheduler.
// The scheduler owns all piece state; connections only report.
type Event struct {
	Peer *Channel
	Kind EventKind

	Index  int
	Begin  int
	Block  []byte
	Length int

	Bits bitfield.Bitfield
	Err  error
}

// Channel is the communication channel between client and one peer.
// After Start, a reader task turns wire messages into Events and a
// writer task drains the outbox; the rest of the client never touches
// the socket.
type Channel struct {
	conn net.Conn

	Addr   string
	PeerID [20]byte
	// true for connections we accepted rather than dialed
	Inbound bool

	numPieces int
	events    chan<- Event
	// scheduler lifetime; emits are abandoned once it is over
	session <-chan struct{}

	outbox    chan *message.Message
	closeOnce sync.Once
	goneOnce  sync.Once
	done      chan struct{}

	log *logrus.Entry
}

// Dial connects to a peer, runs our side of the handshake first, and
// verifies the echoed info hash.
func Dial(ctx context.Context, p peer.Peer, infoHash, peerID [20]byte, numPieces int, events chan<- Event, log *logrus.Logger) (*Channel, error) {
	conn, err := net.DialTimeout("tcp", p.String(), dialTimeout)
	if err != nil {
		return nil, err
	}

	theirs, err := completeHandshake(conn, infoHash, peerID)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return newChannel(ctx, conn, theirs.PeerID, false, numPieces, events, log), nil
}

// Accept adopts an inbound connection: the remote speaks first, we
// check its info hash against ours and answer.
func Accept(ctx context.Context, conn net.Conn, infoHash, peerID [20]byte, numPieces int, events chan<- Event, log *logrus.Logger) (*Channel, error) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	theirs, err := handshake.Read(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !bytes.Equal(theirs.InfoHash[:], infoHash[:]) {
		conn.Close()
		return nil, fmt.Errorf("inbound peer announced infohash %x, serving %x", theirs.InfoHash, infoHash)
	}

	ours := handshake.New(infoHash, peerID)
	if _, err := conn.Write(ours.Serialize()); err != nil {
		conn.Close()
		return nil, err
	}

	return newChannel(ctx, conn, theirs.PeerID, true, numPieces, events, log), nil
}

func completeHandshake(conn net.Conn, infoHash, peerID [20]byte) (*handshake.Handshake, error) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	request := handshake.New(infoHash, peerID)
	_, err := conn.Write(request.Serialize())
	if err != nil {
		return nil, err
	}

	result, err := handshake.Read(conn)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(result.InfoHash[:], infoHash[:]) {
		err := fmt.Errorf("expected infohash %x but got %x", infoHash, result.InfoHash)
		return nil, err
	}

	return result, nil
}

func newChannel(ctx context.Context, conn net.Conn, peerID [20]byte, inbound bool, numPieces int, events chan<- Event, log *logrus.Logger) *Channel {
	return &Channel{
		conn:      conn,
		Addr:      conn.RemoteAddr().String(),
		PeerID:    peerID,
		Inbound:   inbound,
		numPieces: numPieces,
		events:    events,
		session:   ctx.Done(),
		outbox:    make(chan *message.Message, outboxSize),
		done:      make(chan struct{}),
		log:       log.WithField("peer", conn.RemoteAddr().String()),
	}
}

// Start launches the reader and writer tasks and announces the peer to
// the scheduler.
func (ch *Channel) Start() {
	go ch.readLoop()
	go ch.writeLoop()
	ch.emit(Event{Peer: ch, Kind: EventReady})
}

// Send queues a message without blocking. False means the outbox is
// full; the caller should disconnect the peer.
func (ch *Channel) Send(msg *message.Message) bool {
	select {
	case ch.outbox <- msg:
		return true
	case <-ch.done:
		return false
	default:
		return false
	}
}

// Close tears the connection down. The reader task notices and reports
// the peer gone.
func (ch *Channel) Close() {
	ch.closeOnce.Do(func() {
		close(ch.done)
		ch.conn.Close()
	})
}

func (ch *Channel) emit(ev Event) {
	select {
	case ch.events <- ev:
	case <-ch.session:
	}
}

func (ch *Channel) gone(err error) {
	ch.goneOnce.Do(func() {
		ch.Close()
		ch.emit(Event{Peer: ch, Kind: EventGone, Err: err})
	})
}

// readLoop turns wire messages into scheduler events. The bitfield is
// legal only as the very first message.
func (ch *Channel) readLoop() {
	first := true
	for {
		ch.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		msg, err := message.Read(ch.conn)
		if err != nil {
			ch.gone(err)
			return
		}

		// keep-alive
		if msg == nil {
			first = false
			continue
		}

		ev, err := ch.translate(msg, first)
		first = false
		if err != nil {
			ch.log.WithError(err).Debug("protocol violation")
			ch.gone(err)
			return
		}
		if ev != nil {
			ch.emit(*ev)
		}
	}
}

// translate validates one message and maps it to an event. A nil
// event with nil error means the message is ignored.
func (ch *Channel) translate(msg *message.Message, first bool) (*Event, error) {
	switch msg.ID {
	case message.Choke:
		return &Event{Peer: ch, Kind: EventChoke}, nil
	case message.Unchoke:
		return &Event{Peer: ch, Kind: EventUnchoke}, nil
	case message.Interested:
		return &Event{Peer: ch, Kind: EventInterested}, nil
	case message.NotInterested:
		return &Event{Peer: ch, Kind: EventNotInterested}, nil

	case message.Have:
		index, err := message.ReadHaveMessage(msg)
		if err != nil {
			return nil, err
		}
		if index < 0 || index >= ch.numPieces {
			return nil, fmt.Errorf("have for piece %d of %d", index, ch.numPieces)
		}
		return &Event{Peer: ch, Kind: EventHave, Index: index}, nil

	case message.Bitfield:
		if !first {
			return nil, fmt.Errorf("bitfield after first message")
		}
		bits := bitfield.Bitfield(msg.Payload)
		if !bits.Valid(ch.numPieces) {
			return nil, fmt.Errorf("bitfield of %d bytes for %d pieces", len(msg.Payload), ch.numPieces)
		}
		return &Event{Peer: ch, Kind: EventBitfield, Bits: bits}, nil

	case message.Request, message.Cancel:
		index, begin, length, err := message.ReadRequestMessage(msg)
		if err != nil {
			return nil, err
		}
		if index < 0 || index >= ch.numPieces {
			return nil, fmt.Errorf("request for piece %d of %d", index, ch.numPieces)
		}
		kind := EventRequest
		if msg.ID == message.Cancel {
			kind = EventCancel
		}
		return &Event{Peer: ch, Kind: kind, Index: index, Begin: begin, Length: length}, nil

	case message.Piece:
		index, begin, block, err := message.ReadPieceMessage(msg)
		if err != nil {
			return nil, err
		}
		if index < 0 || index >= ch.numPieces {
			return nil, fmt.Errorf("piece %d of %d", index, ch.numPieces)
		}
		return &Event{Peer: ch, Kind: EventBlock, Index: index, Begin: begin, Block: block}, nil

	default:
		// unknown ids are skipped, not fatal
		return nil, nil
	}
}

// writeLoop drains the outbox and keeps the line warm with
// keep-alives after two minutes of outbound silence.
func (ch *Channel) writeLoop() {
	ticker := time.NewTicker(keepAliveEvery / 2)
	defer ticker.Stop()

	lastSent := time.Now()
	for {
		select {
		case <-ch.done:
			return
		case msg := <-ch.outbox:
			if _, err := ch.conn.Write(msg.Serialize()); err != nil {
				ch.gone(err)
				return
			}
			lastSent = time.Now()
		case <-ticker.C:
			if time.Since(lastSent) < keepAliveEvery {
				continue
			}
			var keepAlive *message.Message
			if _, err := ch.conn.Write(keepAlive.Serialize()); err != nil {
				ch.gone(err)
				return
			}
			lastSent = time.Now()
		}
	}
}
