package tracker

// percentEncode escapes b the way BitTorrent trackers expect binary
// query parameters encoded: every byte outside the unreserved set
// (letters, digits, and -_.~) becomes a %XX triplet. url.QueryEscape is
// not used here because it turns spaces into '+' and is tuned for text,
// not 20-byte binary hashes.
func percentEncode(b []byte) string {
	const hex = "0123456789ABCDEF"

	out := make([]byte, 0, len(b)*3)
	for _, c := range b {
		if isUnreserved(c) {
			out = append(out, c)
			continue
		}
		out = append(out, '%', hex[c>>4], hex[c&0x0f])
	}
	return string(out)
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.' || c == '~':
		return true
	default:
		return false
	}
}
