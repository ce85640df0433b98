// Package tracker performs HTTP and UDP announces to obtain a peer list
// for a torrent, grounded on the teacher's torrent.SendTrackerResponse /
// SendHTTPTrackerRequest / SendUDPTrackerRequest and on
// original_source/async_torrent/src/engine/tracker.rs's fetch_peers.
package tracker

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"time"
)

// Timeout bounds a single announce attempt, per spec.md §4.3.
const Timeout = 5 * time.Second

// Peer is one entry of a tracker's peer list.
type Peer struct {
	IP   net.IP
	Port uint16
}

func (p Peer) String() string { return fmt.Sprintf("%s:%d", p.IP, p.Port) }

// Response is the subset of a tracker's announce reply the engine needs.
type Response struct {
	Peers    []Peer
	Interval int
}

// AnnounceRequest carries the parameters common to both HTTP and UDP
// announces.
type AnnounceRequest struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	NumWant    int
}

// Error reports a tracker that could not be reached or returned a
// malformed response. Per spec.md §7 this is non-fatal: the caller tries
// the next announce URL.
type Error struct {
	URL string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("tracker: %s: %v", e.URL, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// ErrNoPeers is returned once every candidate announce URL has been tried
// and none yielded a peer.
type ErrNoPeers struct{}

func (ErrNoPeers) Error() string { return "tracker: no peers received from any announce URL" }

// Announce tries each URL in order, HTTP first for http(s):// schemes and
// UDP (BEP 15) for udp:// schemes, bounding each attempt to Timeout.
// Candidates that fail (socket error, timeout, malformed response) are
// skipped in favor of the next one; ErrNoPeers is returned only once every
// candidate has failed or yielded zero peers.
func Announce(ctx context.Context, urls []string, req AnnounceRequest) (*Response, error) {
	var lastErr error

	for _, u := range urls {
		attemptCtx, cancel := context.WithTimeout(ctx, Timeout)
		var (
			resp *Response
			err  error
		)

		switch {
		case isHTTP(u):
			resp, err = announceHTTP(attemptCtx, u, req)
		case isUDP(u):
			resp, err = announceUDP(attemptCtx, u, req)
		default:
			err = &Error{URL: u, Err: fmt.Errorf("unrecognized announce scheme")}
		}
		cancel()

		if err != nil {
			log.Printf("[FAIL]\ttracker %s: %v\n", u, err)
			lastErr = err
			continue
		}

		if len(resp.Peers) == 0 {
			log.Printf("[INFO]\ttracker %s: 0 peers\n", u)
			continue
		}

		log.Printf("[INFO]\ttracker %s: %d peers, interval=%ds\n", u, len(resp.Peers), resp.Interval)
		return resp, nil
	}

	if lastErr != nil {
		log.Printf("[FAIL]\tall trackers exhausted, last error: %v\n", lastErr)
	}
	return nil, ErrNoPeers{}
}

func isHTTP(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

func isUDP(u string) bool {
	return strings.HasPrefix(u, "udp://")
}

// parseCompactPeers decodes a compact peer list: consecutive 6-byte
// entries of 4-byte IPv4 + 2-byte big-endian port.
func parseCompactPeers(b []byte) ([]Peer, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("compact peers length %d not a multiple of 6", len(b))
	}

	peers := make([]Peer, 0, len(b)/6)
	for i := 0; i < len(b); i += 6 {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3])
		port := uint16(b[i+4])<<8 | uint16(b[i+5])
		peers = append(peers, Peer{IP: ip, Port: port})
	}
	return peers, nil
}
