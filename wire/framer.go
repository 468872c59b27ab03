package wire

import (
	"bytes"
)

// Framer splits a raw byte stream into newline-delimited records and
// frames outgoing records as newline-terminated lines.
//
// Feed may be called with arbitrarily sized chunks — a line split across
// any number of chunks is reassembled identically regardless of where the
// boundaries fall. The only state is the partial-line buffer.
type Framer struct {
	buf []byte
}

// Feed consumes one chunk of input and returns the complete lines it
// produced, in order. Trailing newlines are stripped and carriage returns
// are normalized away. Data after the last newline is buffered until the
// next chunk supplies the terminator.
func (f *Framer) Feed(chunk []byte) []string {
	if len(chunk) == 0 {
		return nil
	}

	f.buf = append(f.buf, chunk...)

	var lines []string
	for {
		idx := bytes.IndexByte(f.buf, '\n')
		if idx < 0 {
			break
		}
		line := f.buf[:idx]
		f.buf = f.buf[idx+1:]
		lines = append(lines, normalizeLine(line))
	}

	// Reclaim the backing array once fully consumed so a long-lived framer
	// doesn't pin every chunk it has ever seen.
	if len(f.buf) == 0 {
		f.buf = nil
	} else {
		f.buf = append([]byte(nil), f.buf...)
	}

	return lines
}

// Pending returns the number of buffered bytes awaiting a terminator.
func (f *Framer) Pending() int {
	return len(f.buf)
}

// Close discards any buffered partial line and returns it. A process that
// dies mid-line produces no record for that fragment — the discarded text
// is returned only so callers can log it.
func (f *Framer) Close() string {
	discarded := normalizeLine(f.buf)
	f.buf = nil
	return discarded
}

// AppendFrame appends line to dst followed by exactly one newline.
// Each message is framed individually; frames are never batched.
func AppendFrame(dst []byte, line []byte) []byte {
	dst = append(dst, line...)
	return append(dst, '\n')
}

// normalizeLine strips carriage returns from a line.
// JSON escapes control characters inside strings, so a raw CR byte can
// only be line-ending noise (CRLF output on Windows).
func normalizeLine(line []byte) string {
	if !bytes.ContainsRune(line, '\r') {
		return string(line)
	}
	return string(bytes.ReplaceAll(line, []byte{'\r'}, nil))
}
