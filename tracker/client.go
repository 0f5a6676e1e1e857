package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"tide/file"
	"tide/helper"
	"tide/peer"
)

// ErrExhausted means every tracker of every tier failed this round.
var ErrExhausted = errors.New("all trackers exhausted")

const (
	defaultNumWant = 50
	minReannounce  = 10 * time.Second
	stopBudget     = 5 * time.Second
	fallbackRetry  = 30 * time.Second
)

// Stats are the live transfer counters every announce reports.
type Stats struct {
	Uploaded   atomic.Int64
	Downloaded atomic.Int64
	Left       atomic.Int64
}

// Client walks the announce tiers (BEP 12): within a tier trackers are
// tried in shuffled order and a responding tracker moves to the head
// of its tier. A tracker that returns a failure reason is dead for the
// rest of the session.
type Client struct {
	infoHash [20]byte
	peerID   [20]byte
	port     uint16
	stats    *Stats

	tiers [][]string
	dead  map[string]bool
	udp   map[string]*udpTracker

	log *logrus.Logger
}

// NewClient builds the tier list from the metainfo. A missing
// announce-list collapses to a single tier holding the announce URL.
func NewClient(tf *file.TorrentFile, peerID [20]byte, port uint16, stats *Stats, log *logrus.Logger) *Client {
	c := &Client{
		infoHash: tf.InfoHash,
		peerID:   peerID,
		port:     port,
		stats:    stats,
		dead:     make(map[string]bool),
		udp:      make(map[string]*udpTracker),
		log:      log,
	}

	if len(tf.AnnounceList) == 0 {
		c.tiers = [][]string{{tf.Announce}}
		return c
	}
	for _, tier := range tf.AnnounceList {
		shuffled := make([]string, len(tier))
		copy(shuffled, tier)
		for i := len(shuffled) - 1; i > 0; i-- {
			j := helper.Intn(i + 1)
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		}
		if len(shuffled) > 0 {
			c.tiers = append(c.tiers, shuffled)
		}
	}
	if len(c.tiers) == 0 {
		c.tiers = [][]string{{tf.Announce}}
	}
	return c
}

// Announce walks the tiers until one tracker answers. The responding
// tracker is promoted to the head of its tier.
func (c *Client) Announce(ctx context.Context, event Event) (*Response, error) {
	req := &Request{
		InfoHash:   c.infoHash,
		PeerID:     c.peerID,
		Port:       c.port,
		Uploaded:   c.stats.Uploaded.Load(),
		Downloaded: c.stats.Downloaded.Load(),
		Left:       c.stats.Left.Load(),
		Event:      event,
		NumWant:    defaultNumWant,
	}

	for _, tier := range c.tiers {
		for i, announceURL := range tier {
			if c.dead[announceURL] {
				continue
			}

			res, err := c.announceOne(ctx, announceURL, req)
			if err != nil {
				var failure *FailureError
				if errors.As(err, &failure) {
					c.log.WithFields(logrus.Fields{
						"tracker": announceURL,
						"reason":  failure.Reason,
					}).Warn("tracker refused announce, dropping it for this session")
					c.dead[announceURL] = true
				} else {
					c.log.WithFields(logrus.Fields{
						"tracker": announceURL,
					}).WithError(err).Debug("tracker announce failed")
				}
				continue
			}

			copy(tier[1:i+1], tier[:i])
			tier[0] = announceURL
			return res, nil
		}
	}

	return nil, ErrExhausted
}

func (c *Client) announceOne(ctx context.Context, announceURL string, req *Request) (*Response, error) {
	base, err := url.Parse(announceURL)
	if err != nil {
		return nil, err
	}

	switch base.Scheme {
	case "http", "https":
		return httpAnnounce(ctx, announceURL, req)
	case "udp":
		u, ok := c.udp[announceURL]
		if !ok {
			u = newUDPTracker(base.Host)
			c.udp[announceURL] = u
		}
		return u.announce(ctx, req)
	default:
		return nil, fmt.Errorf("bad or unsupported url scheme %q", base.Scheme)
	}
}

// Run announces started, then re-announces at the tracker's interval,
// forwarding newly seen peers. Closing completed triggers the one
// completed announce followed by stopped, after which Run returns;
// context cancellation sends stopped within a hard five second budget.
// A round in which every tier fails is signalled on exhausted.
func (c *Client) Run(ctx context.Context, peersOut chan<- []peer.Peer, completed <-chan struct{}, exhausted chan<- struct{}) {
	defer c.Close()

	seen := make(map[string]bool)
	interval := time.Duration(0)

	deliver := func(res *Response) {
		interval = res.Interval
		if res.MinInterval > interval {
			interval = res.MinInterval
		}
		if interval < minReannounce {
			interval = minReannounce
		}

		fresh := make([]peer.Peer, 0, len(res.Peers))
		for _, p := range res.Peers {
			if addr := p.String(); !seen[addr] {
				seen[addr] = true
				fresh = append(fresh, p)
			}
		}
		if len(fresh) == 0 {
			return
		}
		select {
		case peersOut <- fresh:
		case <-ctx.Done():
		}
	}

	event := EventStarted
	for {
		res, err := c.Announce(ctx, event)
		if err == nil {
			deliver(res)
			event = EventNone
		} else if ctx.Err() != nil {
			break
		} else {
			c.log.WithError(err).Debug("announce round failed")
			if errors.Is(err, ErrExhausted) {
				select {
				case exhausted <- struct{}{}:
				default:
				}
			}
			if interval == 0 {
				interval = fallbackRetry
			}
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.announceStopped()
			return
		case <-completed:
			timer.Stop()
			if _, err := c.Announce(ctx, EventCompleted); err != nil {
				c.log.WithError(err).Debug("completed announce failed")
			}
			c.announceStopped()
			return
		case <-timer.C:
		}
	}
	c.announceStopped()
}

func (c *Client) announceStopped() {
	ctx, cancel := context.WithTimeout(context.Background(), stopBudget)
	defer cancel()
	if _, err := c.Announce(ctx, EventStopped); err != nil {
		c.log.WithError(err).Debug("stopped announce failed")
	}
}

// Close drops the cached udp sockets.
func (c *Client) Close() {
	for _, u := range c.udp {
		u.close()
	}
}
