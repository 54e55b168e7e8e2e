package sandbox

import "strings"

// lastNonEmptyLine returns the last line of s that is not blank, as printed.
// Lines break on "\n", "\r\n" and "\r"; no other whitespace is removed.
func lastNonEmptyLine(s string) string {
	lines := strings.FieldsFunc(s, func(r rune) bool { return r == '\n' || r == '\r' })
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return lines[i]
		}
	}
	return ""
}

// tailBuffer keeps the last limit bytes written to it. The answer line is at
// the end of the stream, so a flooding program loses its head, not its answer.
type tailBuffer struct {
	buf       []byte
	limit     int
	truncated bool
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	if b.limit <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) >= b.limit {
		b.truncated = b.truncated || len(p) > b.limit || len(b.buf) > 0
		b.buf = append(b.buf[:0], p[len(p)-b.limit:]...)
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	// Compact once the slice holds twice the limit; memory stays within 2*limit.
	if len(b.buf) > 2*b.limit {
		b.buf = append(b.buf[:0], b.buf[len(b.buf)-b.limit:]...)
		b.truncated = true
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	if len(b.buf) > b.limit {
		b.truncated = true
		return string(b.buf[len(b.buf)-b.limit:])
	}
	return string(b.buf)
}
