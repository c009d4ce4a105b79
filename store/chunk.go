package store

import "strings"

// Split partitions the bytes of s into contiguous chunks of exactly n
// bytes, with a possibly shorter final chunk.  Splitting is by bytes,
// not code points; the producer guarantees base64 input, so no
// multibyte code point can straddle a boundary.  Empty input yields no
// chunks.
func Split(s string, n int) []string {
	if len(s) == 0 {
		return nil
	}
	chunks := make([]string, 0, (len(s)+n-1)/n)
	for start := 0; start < len(s); start += n {
		end := start + n
		if end > len(s) {
			end = len(s)
		}
		chunks = append(chunks, s[start:end])
	}
	return chunks
}

// Join concatenates chunks in order.
func Join(chunks []string) string {
	return strings.Join(chunks, "")
}
