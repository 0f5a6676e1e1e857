package torrent

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tide/channel"
	"tide/peer"
)

const (
	// an address whose dial failed or whose peer went away is marked
	// for this long; a queued candidate still marked is dropped, not
	// dialed
	dialCooldown = 10 * time.Minute

	// outbound connection attempts per second
	dialRate  = 4
	dialBurst = 8
)

// swarm keeps the peer set populated: it drains tracker candidates,
// dials below target, admits inbound connections under the cap, and
// cools down addresses that failed.
type swarm struct {
	t *Torrent

	mu       sync.Mutex
	active   map[string]bool
	cooldown map[string]time.Time
	queue    []peer.Peer

	limiter *rate.Limiter
}

func newSwarm(t *Torrent) *swarm {
	return &swarm{
		t:        t,
		active:   make(map[string]bool),
		cooldown: make(map[string]time.Time),
		limiter:  rate.NewLimiter(dialRate, dialBurst),
	}
}

// run is the supervisor loop. It wakes on new candidates, on peers
// going away, and on a slow tick to retry cooled-down addresses.
func (sw *swarm) run(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case peers := <-sw.t.candidates:
			sw.enqueue(peers)
			sw.dialSome(ctx)
		case addr := <-sw.t.gone:
			sw.dropPeer(addr)
			sw.dialSome(ctx)
		case <-ticker.C:
			sw.dialSome(ctx)
		}
	}
}

func (sw *swarm) enqueue(peers []peer.Peer) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	for _, p := range peers {
		sw.queue = append(sw.queue, p)
	}
}

func (sw *swarm) dropPeer(addr string) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	delete(sw.active, addr)
	sw.cooldown[addr] = time.Now().Add(dialCooldown)
}

// dialSome fires connection attempts until the swarm is at target or
// the queue is dry. Dials run in their own goroutines; the handshake
// may take seconds.
func (sw *swarm) dialSome(ctx context.Context) {
	for {
		sw.mu.Lock()
		if len(sw.active) >= sw.t.cfg.MaxPeers {
			sw.mu.Unlock()
			return
		}
		var next *peer.Peer
		now := time.Now()
		for len(sw.queue) > 0 {
			cand := sw.queue[0]
			sw.queue = sw.queue[1:]
			addr := cand.String()
			if sw.active[addr] || now.Before(sw.cooldown[addr]) {
				continue
			}
			next = &cand
			break
		}
		if next == nil {
			sw.mu.Unlock()
			return
		}
		addr := next.String()
		// reserve the slot before the dial finishes
		sw.active[addr] = true
		sw.mu.Unlock()

		if err := sw.limiter.Wait(ctx); err != nil {
			return
		}

		go sw.dial(ctx, *next)
	}
}

func (sw *swarm) dial(ctx context.Context, p peer.Peer) {
	ch, err := channel.Dial(ctx, p, sw.t.tf.InfoHash, sw.t.peerID, sw.t.tf.NumPieces(), sw.t.events, sw.t.cfg.Log)
	if err != nil {
		sw.t.cfg.Log.WithField("peer", p.String()).WithError(err).Debug("dial failed")
		sw.dropPeer(p.String())
		return
	}
	ch.Start()
}

// listen accepts inbound peers on the session port, admitting them
// under the same cap as dialed ones.
func (sw *swarm) listen(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		sw.mu.Lock()
		room := len(sw.active) < sw.t.cfg.MaxPeers
		if room {
			sw.active[conn.RemoteAddr().String()] = true
		}
		sw.mu.Unlock()
		if !room {
			conn.Close()
			continue
		}

		go func(conn net.Conn) {
			ch, err := channel.Accept(ctx, conn, sw.t.tf.InfoHash, sw.t.peerID, sw.t.tf.NumPieces(), sw.t.events, sw.t.cfg.Log)
			if err != nil {
				sw.t.cfg.Log.WithError(err).Debug("inbound handshake failed")
				sw.dropPeer(conn.RemoteAddr().String())
				return
			}
			ch.Start()
		}(conn)
	}
}
