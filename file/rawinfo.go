package file

import (
	"bytes"
	"fmt"
	"strconv"
)

// The info hash must be the SHA-1 of the info dictionary exactly as it
// appeared in the torrent file. Re-encoding a decoded dictionary is not
// byte-stable, so we walk the raw bencode tokens once and remember the
// span of the top-level "info" value.

// infoSpan returns the [start, end) byte range of the value bound to
// the "info" key of the outermost dictionary.
func infoSpan(data []byte) (int, int, error) {
	if len(data) == 0 || data[0] != 'd' {
		return 0, 0, fmt.Errorf("metainfo is not a bencoded dictionary")
	}

	pos := 1
	for pos < len(data) && data[pos] != 'e' {
		keyStart := pos
		keyEnd, err := skipValue(data, pos)
		if err != nil {
			return 0, 0, err
		}
		if data[keyStart] < '0' || data[keyStart] > '9' {
			return 0, 0, fmt.Errorf("dictionary key at offset %d is not a string", keyStart)
		}
		key, err := stringBody(data, keyStart)
		if err != nil {
			return 0, 0, err
		}

		valStart := keyEnd
		valEnd, err := skipValue(data, valStart)
		if err != nil {
			return 0, 0, err
		}

		if bytes.Equal(key, []byte("info")) {
			return valStart, valEnd, nil
		}
		pos = valEnd
	}

	return 0, 0, fmt.Errorf("metainfo has no info dictionary")
}

// stringBody returns the bytes of the bencoded string starting at pos.
func stringBody(data []byte, pos int) ([]byte, error) {
	colon := bytes.IndexByte(data[pos:], ':')
	if colon < 0 {
		return nil, fmt.Errorf("unterminated string length at offset %d", pos)
	}
	n, err := strconv.Atoi(string(data[pos : pos+colon]))
	if err != nil || n < 0 {
		return nil, fmt.Errorf("bad string length at offset %d", pos)
	}
	start := pos + colon + 1
	if start+n > len(data) {
		return nil, fmt.Errorf("string at offset %d runs past end of input", pos)
	}
	return data[start : start+n], nil
}

// skipValue returns the offset one past the bencoded value at pos.
func skipValue(data []byte, pos int) (int, error) {
	if pos >= len(data) {
		return 0, fmt.Errorf("truncated bencode at offset %d", pos)
	}

	switch c := data[pos]; {
	case c == 'i':
		end := bytes.IndexByte(data[pos:], 'e')
		if end < 0 {
			return 0, fmt.Errorf("unterminated integer at offset %d", pos)
		}
		return pos + end + 1, nil

	case c == 'l' || c == 'd':
		cur := pos + 1
		for {
			if cur >= len(data) {
				return 0, fmt.Errorf("unterminated container at offset %d", pos)
			}
			if data[cur] == 'e' {
				return cur + 1, nil
			}
			next, err := skipValue(data, cur)
			if err != nil {
				return 0, err
			}
			cur = next
		}

	case c >= '0' && c <= '9':
		body, err := stringBody(data, pos)
		if err != nil {
			return 0, err
		}
		colon := bytes.IndexByte(data[pos:], ':')
		return pos + colon + 1 + len(body), nil

	default:
		return 0, fmt.Errorf("unexpected byte %q at offset %d", c, pos)
	}
}
