package ioutil

import (
	"fmt"
	"io"
	"unicode/utf8"
)

// MaxBodySize bounds how much of an upstream body is buffered
const MaxBodySize = 10 << 20

// ReadLimited reads at most limit bytes from r. A body longer than limit is
// an error rather than a silent truncation.
func ReadLimited(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("body exceeds %d bytes", limit)
	}
	return body, nil
}

// Truncate returns at most n bytes of s, backing off so a multi-byte rune
// is never split.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
