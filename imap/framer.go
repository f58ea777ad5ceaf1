package imap

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	defaultMaxLineSize = 100 * 1024 // 100 KiB, spec 4.1 default
)

// Framer turns the raw byte stream into CRLF-terminated lines and
// {n}/{n+} literal payloads. It owns the bufio.Reader and enforces
// the line-length and literal-size ceilings; everything above it
// (the Assembler) only ever sees whole frames.
type Framer struct {
	r              *bufio.Reader
	maxLineSize    int
	maxLiteralSize int64
}

// NewFramer constructs a Framer over r with the given ceilings. A
// maxLineSize of 0 or less selects the 100 KiB default; a
// maxLiteralSize of 0 or less disables the literal-size check.
func NewFramer(r *bufio.Reader, maxLineSize int, maxLiteralSize int64) *Framer {
	if maxLineSize <= 0 {
		maxLineSize = defaultMaxLineSize
	}
	return &Framer{r: r, maxLineSize: maxLineSize, maxLiteralSize: maxLiteralSize}
}

// ReadLine reads one CRLF- or LF-terminated line, stripped of its
// terminator. Returns a *ProtocolError if the line, terminator
// included, exceeds maxLineSize; the length is checked after the
// whole line has been read.
func (f *Framer) ReadLine() (string, error) {
	var buf strings.Builder
	for {
		chunk, err := f.r.ReadString('\n')
		buf.WriteString(chunk)
		if buf.Len() > f.maxLineSize {
			return "", &ProtocolError{Message: fmt.Sprintf("line exceeds %d bytes", f.maxLineSize)}
		}
		if err != nil {
			if err == io.EOF && buf.Len() > 0 {
				break
			}
			return "", err
		}
		break
	}
	line := strings.TrimRight(buf.String(), "\r\n")
	return line, nil
}

// LiteralIntroducer describes a parsed {n} or {n+} trailing a
// command line: its byte size and whether it suppresses the server's
// "+ Ready for literal data" continuation (RFC 7888 non-synchronizing
// literals).
type LiteralIntroducer struct {
	Size       int64
	NonSync    bool
	FoundAt    int // byte offset of '{' in the source line
	Terminated bool
}

// ParseLiteralIntroducer looks for a trailing {n} or {n+} on line and
// validates it against maxLiteralSize. Returns ok=false if no literal
// introducer is present (not an error — most lines don't have one).
func (f *Framer) ParseLiteralIntroducer(line string) (*LiteralIntroducer, bool, error) {
	if !strings.HasSuffix(line, "}") {
		return nil, false, nil
	}
	open := strings.LastIndexByte(line, '{')
	if open < 0 {
		return nil, false, nil
	}
	spec := line[open+1 : len(line)-1]
	nonSync := strings.HasSuffix(spec, "+")
	if nonSync {
		spec = spec[:len(spec)-1]
	}
	if spec == "" {
		return nil, false, nil
	}
	size, err := strconv.ParseInt(spec, 10, 64)
	if err != nil || size < 0 {
		return nil, false, &ProtocolError{Message: "malformed literal size"}
	}
	if f.maxLiteralSize > 0 && size > f.maxLiteralSize {
		return nil, false, &ProtocolError{Message: fmt.Sprintf("literal of %d bytes exceeds limit %d", size, f.maxLiteralSize)}
	}
	return &LiteralIntroducer{Size: size, NonSync: nonSync, FoundAt: open}, true, nil
}

// ReadLiteral reads exactly n bytes of literal payload, unbuffered by
// line framing.
func (f *Framer) ReadLiteral(n int64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(f.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
