package tracker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	bencode "github.com/jackpal/bencode-go"

	"tide/peer"
)

const httpTimeout = 15 * time.Second

// Request carries everything an announce needs, whatever the wire
// protocol behind the tracker URL.
type Request struct {
	InfoHash [20]byte
	PeerID   [20]byte
	Port     uint16

	Uploaded   int64
	Downloaded int64
	Left       int64

	Event   Event
	NumWant int
}

// Response is a tracker's answer to an announce.
type Response struct {
	Interval    time.Duration
	MinInterval time.Duration
	Peers       []peer.Peer
}

// FailureError is a tracker-delivered "failure reason". The tracker is
// done for this session; fall back to the next one.
type FailureError struct {
	Reason string
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("tracker failure: %s", e.Reason)
}

// httpAnnounce runs one announce against an http(s) tracker URL.
func httpAnnounce(ctx context.Context, announceURL string, req *Request) (*Response, error) {
	base, err := url.Parse(announceURL)
	if err != nil {
		return nil, err
	}

	params := url.Values{
		"info_hash":  []string{string(req.InfoHash[:])},
		"peer_id":    []string{string(req.PeerID[:])},
		"port":       []string{strconv.Itoa(int(req.Port))},
		"uploaded":   []string{strconv.FormatInt(req.Uploaded, 10)},
		"downloaded": []string{strconv.FormatInt(req.Downloaded, 10)},
		"left":       []string{strconv.FormatInt(req.Left, 10)},
		"compact":    []string{"1"},
		"numwant":    []string{strconv.Itoa(req.NumWant)},
	}
	if req.Event != EventNone {
		params.Set("event", req.Event.String())
	}
	base.RawQuery = params.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, base.String(), nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: httpTimeout}
	httpRes, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpRes.Body.Close()

	if httpRes.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker returned status %s", httpRes.Status)
	}

	decoded, err := bencode.Decode(httpRes.Body)
	if err != nil {
		return nil, err
	}
	body, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("tracker response is not a dictionary")
	}

	return parseHTTPResponse(body)
}

// parseHTTPResponse pulls interval and peers out of a decoded announce
// body. Peers arrive either compact (6 bytes each) or as a list of
// dictionaries.
func parseHTTPResponse(body map[string]interface{}) (*Response, error) {
	if reason, ok := body["failure reason"].(string); ok {
		return nil, &FailureError{Reason: reason}
	}

	res := &Response{}
	if interval, ok := body["interval"].(int64); ok {
		res.Interval = time.Duration(interval) * time.Second
	}
	if minInterval, ok := body["min interval"].(int64); ok {
		res.MinInterval = time.Duration(minInterval) * time.Second
	}

	switch peers := body["peers"].(type) {
	case string:
		parsed, err := peer.Unmarshal([]byte(peers))
		if err != nil {
			return nil, err
		}
		res.Peers = parsed
	case []interface{}:
		entries := make([]peer.DictEntry, 0, len(peers))
		for _, item := range peers {
			dict, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			entry := peer.DictEntry{}
			if ip, ok := dict["ip"].(string); ok {
				entry.IP = ip
			}
			if port, ok := dict["port"].(int64); ok {
				entry.Port = int(port)
			}
			entries = append(entries, entry)
		}
		res.Peers = peer.FromDict(entries)
	case nil:
		return nil, fmt.Errorf("tracker response has no peers")
	default:
		return nil, fmt.Errorf("tracker peers have unexpected type %T", peers)
	}

	return res, nil
}
