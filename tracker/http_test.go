package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tide/file"
)

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func testRequest() *Request {
	req := &Request{
		Port:       6881,
		Left:       1024,
		Downloaded: 512,
		Uploaded:   256,
		Event:      EventStarted,
		NumWant:    50,
	}
	copy(req.InfoHash[:], "\x12\x34\x56\x78\x9a\xbc\xde\xf0aaaaaaaaaaaa")
	copy(req.PeerID[:], "-TD0001-abcdefghijkl")
	return req
}

func TestHTTPAnnounceCompact(t *testing.T) {
	req := testRequest()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		// the query decoder reverses the raw-binary %XX escaping
		assert.Equal(t, string(req.InfoHash[:]), q.Get("info_hash"))
		assert.Equal(t, string(req.PeerID[:]), q.Get("peer_id"))
		assert.Equal(t, "6881", q.Get("port"))
		assert.Equal(t, "512", q.Get("downloaded"))
		assert.Equal(t, "256", q.Get("uploaded"))
		assert.Equal(t, "1024", q.Get("left"))
		assert.Equal(t, "1", q.Get("compact"))
		assert.Equal(t, "50", q.Get("numwant"))
		assert.Equal(t, "started", q.Get("event"))

		w.Write([]byte("d8:intervali900e12:min intervali60e5:peers12:" +
			"\x7f\x00\x00\x01\x1a\xe1" + "\x0a\x00\x00\x02\x1a\xe2" + "e"))
	}))
	defer srv.Close()

	res, err := httpAnnounce(context.Background(), srv.URL, req)
	require.NoError(t, err)
	assert.Equal(t, 900, int(res.Interval.Seconds()))
	assert.Equal(t, 60, int(res.MinInterval.Seconds()))
	require.Len(t, res.Peers, 2)
	assert.Equal(t, "127.0.0.1:6881", res.Peers[0].String())
	assert.Equal(t, "10.0.0.2:6882", res.Peers[1].String())
}

func TestHTTPAnnounceDictPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.Query().Get("event"), "regular re-announce has no event")
		w.Write([]byte("d8:intervali1800e5:peersld2:ip9:127.0.0.14:porti6881eeee"))
	}))
	defer srv.Close()

	req := testRequest()
	req.Event = EventNone
	res, err := httpAnnounce(context.Background(), srv.URL, req)
	require.NoError(t, err)
	require.Len(t, res.Peers, 1)
	assert.Equal(t, "127.0.0.1:6881", res.Peers[0].String())
}

func TestHTTPAnnounceFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d14:failure reason12:unauthorizede"))
	}))
	defer srv.Close()

	_, err := httpAnnounce(context.Background(), srv.URL, testRequest())
	var failure *FailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "unauthorized", failure.Reason)
}

// Tier one refuses, tier two serves peers: the refusing tracker is
// dead for the session and the fallback answers every later announce.
func TestClientTierFallback(t *testing.T) {
	var tierOneHits, tierTwoHits int

	tierOne := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tierOneHits++
		w.Write([]byte("d14:failure reason12:unauthorizede"))
	}))
	defer tierOne.Close()

	tierTwo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tierTwoHits++
		w.Write([]byte("d8:intervali900e5:peers18:" +
			"\x7f\x00\x00\x01\x1a\xe1\x7f\x00\x00\x01\x1a\xe2\x7f\x00\x00\x01\x1a\xe3" + "e"))
	}))
	defer tierTwo.Close()

	tf := &file.TorrentFile{
		Announce:     tierOne.URL,
		AnnounceList: [][]string{{tierOne.URL}, {tierTwo.URL}},
	}
	stats := &Stats{}
	stats.Left.Store(100)
	c := NewClient(tf, [20]byte{}, 6881, stats, quietLog())

	res, err := c.Announce(context.Background(), EventStarted)
	require.NoError(t, err)
	assert.Len(t, res.Peers, 3)
	assert.Equal(t, 1, tierOneHits)
	assert.True(t, c.dead[tierOne.URL])

	// the dead tracker is not contacted again
	_, err = c.Announce(context.Background(), EventNone)
	require.NoError(t, err)
	assert.Equal(t, 1, tierOneHits)
	assert.Equal(t, 2, tierTwoHits)
}

func TestClientPromotesResponder(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d8:intervali900e5:peers6:\x7f\x00\x00\x01\x1a\xe1e"))
	}))
	defer up.Close()

	tf := &file.TorrentFile{
		AnnounceList: [][]string{{down.URL, up.URL}},
	}
	c := NewClient(tf, [20]byte{}, 6881, &Stats{}, quietLog())
	// pin a deterministic order: the dead tracker first
	c.tiers = [][]string{{down.URL, up.URL}}

	_, err := c.Announce(context.Background(), EventNone)
	require.NoError(t, err)
	assert.Equal(t, up.URL, c.tiers[0][0], "responding tracker moves to the tier head")
	assert.Equal(t, down.URL, c.tiers[0][1])
}

func TestClientExhausted(t *testing.T) {
	tf := &file.TorrentFile{Announce: "http://127.0.0.1:1/announce"}
	c := NewClient(tf, [20]byte{}, 6881, &Stats{}, quietLog())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Announce(ctx, EventStarted)
	assert.ErrorIs(t, err, ErrExhausted)
}
