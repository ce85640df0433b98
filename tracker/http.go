package tracker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/jackpal/bencode-go"
)

type httpTrackerResponse struct {
	Interval      int         `bencode:"interval"`
	FailureReason string      `bencode:"failure reason"`
	Peers         interface{} `bencode:"peers"`
}

// announceHTTP issues the compact-form GET announce described in
// spec.md §4.3 and decodes the bencoded reply.
func announceHTTP(ctx context.Context, announceURL string, req AnnounceRequest) (*Response, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, &Error{URL: announceURL, Err: err}
	}

	query := fmt.Sprintf(
		"info_hash=%s&peer_id=%s&port=%d&uploaded=%d&downloaded=%d&left=%d&compact=1&event=started&numwant=%d",
		percentEncode(req.InfoHash[:]),
		percentEncode(req.PeerID[:]),
		req.Port,
		req.Uploaded,
		req.Downloaded,
		req.Left,
		req.NumWant,
	)
	if u.RawQuery != "" {
		u.RawQuery += "&" + query
	} else {
		u.RawQuery = query
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &Error{URL: announceURL, Err: err}
	}
	httpReq.Header.Set("User-Agent", "leecher/1.0")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, &Error{URL: announceURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{URL: announceURL, Err: fmt.Errorf("HTTP status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{URL: announceURL, Err: err}
	}

	var tr httpTrackerResponse
	if err := bencode.Unmarshal(bytes.NewReader(body), &tr); err != nil {
		return nil, &Error{URL: announceURL, Err: fmt.Errorf("decoding bencoded response: %w", err)}
	}

	if tr.FailureReason != "" {
		return nil, &Error{URL: announceURL, Err: fmt.Errorf("tracker failure: %s", tr.FailureReason)}
	}

	peers, err := decodeHTTPPeers(tr.Peers)
	if err != nil {
		return nil, &Error{URL: announceURL, Err: err}
	}

	return &Response{Peers: peers, Interval: tr.Interval}, nil
}

// decodeHTTPPeers accepts either the compact byte-string form or the
// list-of-dictionaries form; the core only requires the former (spec.md
// §4.3) but the latter is decoded too since some trackers default to it.
func decodeHTTPPeers(raw interface{}) ([]Peer, error) {
	switch v := raw.(type) {
	case string:
		return parseCompactPeers([]byte(v))
	case []interface{}:
		peers := make([]Peer, 0, len(v))
		for _, entry := range v {
			m, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			ipStr, _ := m["ip"].(string)
			portVal, _ := m["port"].(int64)
			ip := net.ParseIP(ipStr)
			if ip == nil {
				continue
			}
			peers = append(peers, Peer{IP: ip, Port: uint16(portVal)})
		}
		return peers, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unrecognized peers field type %T", raw)
	}
}
