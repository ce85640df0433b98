package tracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"net/url"
)

const (
	udpProtocolMagic  = 0x41727101980
	udpActionConnect  = 0
	udpActionAnnounce = 1
	udpActionError    = 3
	udpEventStarted   = 2
)

// announceUDP performs the two-phase BEP 15 exchange: connect, then
// announce, on a socket dialed to the tracker's host:port.
func announceUDP(ctx context.Context, announceURL string, req AnnounceRequest) (*Response, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, &Error{URL: announceURL, Err: err}
	}

	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, &Error{URL: announceURL, Err: err}
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, &Error{URL: announceURL, Err: err}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	connID, err := udpConnect(conn)
	if err != nil {
		return nil, &Error{URL: announceURL, Err: err}
	}

	peers, interval, err := udpAnnounce(conn, connID, req)
	if err != nil {
		return nil, &Error{URL: announceURL, Err: err}
	}

	return &Response{Peers: peers, Interval: interval}, nil
}

func udpConnect(conn *net.UDPConn) (uint64, error) {
	txID, err := randomUint32()
	if err != nil {
		return 0, err
	}

	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], udpProtocolMagic)
	binary.BigEndian.PutUint32(req[8:12], udpActionConnect)
	binary.BigEndian.PutUint32(req[12:16], txID)

	if _, err := conn.Write(req); err != nil {
		return 0, fmt.Errorf("sending connect request: %w", err)
	}

	resp := make([]byte, 16)
	n, err := conn.Read(resp)
	if err != nil {
		return 0, fmt.Errorf("reading connect response: %w", err)
	}
	if n < 16 {
		return 0, fmt.Errorf("connect response too short: %d bytes", n)
	}

	if action := binary.BigEndian.Uint32(resp[0:4]); action != udpActionConnect {
		return 0, fmt.Errorf("connect action mismatch: got %d", action)
	}
	if binary.BigEndian.Uint32(resp[4:8]) != txID {
		return 0, fmt.Errorf("connect transaction id mismatch")
	}

	return binary.BigEndian.Uint64(resp[8:16]), nil
}

func udpAnnounce(conn *net.UDPConn, connID uint64, req AnnounceRequest) ([]Peer, int, error) {
	txID, err := randomUint32()
	if err != nil {
		return nil, 0, err
	}
	key, err := randomUint32()
	if err != nil {
		return nil, 0, err
	}

	numWant := req.NumWant
	if numWant == 0 {
		numWant = 50
	}

	buf := make([]byte, 98)
	binary.BigEndian.PutUint64(buf[0:8], connID)
	binary.BigEndian.PutUint32(buf[8:12], udpActionAnnounce)
	binary.BigEndian.PutUint32(buf[12:16], txID)
	copy(buf[16:36], req.InfoHash[:])
	copy(buf[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(buf[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(buf[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(buf[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(buf[80:84], udpEventStarted)
	binary.BigEndian.PutUint32(buf[84:88], 0) // ip = 0 (default)
	binary.BigEndian.PutUint32(buf[88:92], key)
	binary.BigEndian.PutUint32(buf[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(buf[96:98], req.Port)

	if _, err := conn.Write(buf); err != nil {
		return nil, 0, fmt.Errorf("sending announce request: %w", err)
	}

	resp := make([]byte, 2048)
	n, err := conn.Read(resp)
	if err != nil {
		return nil, 0, fmt.Errorf("reading announce response: %w", err)
	}
	if n < 20 {
		return nil, 0, fmt.Errorf("announce response too short: %d bytes", n)
	}

	action := binary.BigEndian.Uint32(resp[0:4])
	if action == udpActionError {
		return nil, 0, fmt.Errorf("tracker error: %s", string(resp[8:n]))
	}
	if action != udpActionAnnounce {
		return nil, 0, fmt.Errorf("announce action mismatch: got %d", action)
	}
	if binary.BigEndian.Uint32(resp[4:8]) != txID {
		return nil, 0, fmt.Errorf("announce transaction id mismatch")
	}

	interval := int(binary.BigEndian.Uint32(resp[8:12]))

	peers, err := parseCompactPeers(resp[20:n])
	if err != nil {
		return nil, 0, err
	}

	return peers, interval, nil
}

func randomUint32() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("generating random value: %w", err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}
