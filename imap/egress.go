package imap

import (
	"bufio"
	"compress/flate"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Egress is the single writer every outbound byte passes through:
// composer output, optionally squeezed through DEFLATE (RFC 4978
// COMPRESS=DEFLATE), then onto the transport. It serializes writes
// with a mutex so untagged notifications and tagged completions never
// interleave mid-line; EnableCompression takes the same mutex, so the
// switch to DEFLATE waits for any outstanding write to finish.
type Egress struct {
	mu         sync.Mutex
	underlying io.Writer
	bw         *bufio.Writer
	deflate    *flate.Writer
	compressed bool
}

// NewEgress wraps w (typically the connection's bufio.Writer target).
func NewEgress(w io.Writer) *Egress {
	return &Egress{underlying: w, bw: bufio.NewWriter(w)}
}

// EnableCompression switches the pipeline to DEFLATE framing. Callers
// must hold off issuing writes until this returns; the connection
// controller enforces that via the upgrading flag (spec 4.4).
func (e *Egress) EnableCompression() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.compressed {
		return &StateError{Command: "COMPRESS", State: "already compressed"}
	}
	if err := e.bw.Flush(); err != nil {
		return err
	}
	fw, err := flate.NewWriter(e.underlying, flate.DefaultCompression)
	if err != nil {
		return err
	}
	e.deflate = fw
	e.bw = bufio.NewWriter(fw)
	e.compressed = true
	return nil
}

// Rebind swaps the underlying transport, used after a STARTTLS
// handshake replaces the raw net.Conn with a *tls.Conn.
func (e *Egress) Rebind(w io.Writer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.underlying = w
	e.bw = bufio.NewWriter(w)
	e.deflate = nil
	e.compressed = false
}

// Write sends one fully formed response line (caller supplies its own
// CRLF terminator).
func (e *Egress) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, err := e.bw.Write(p)
	if err != nil {
		return n, &TransportError{Err: err}
	}
	if err := e.bw.Flush(); err != nil {
		return n, &TransportError{Err: err}
	}
	if e.deflate != nil {
		if err := e.deflate.Flush(); err != nil {
			return n, &TransportError{Err: err}
		}
	}
	return n, nil
}

// handleCompress implements the COMPRESS=DEFLATE extension (RFC
// 4978): negotiates the one supported mechanism and swaps the Egress
// Pipeline's transform atomically at the quiescent boundary after the
// tagged OK, guarded by Upgrading exactly as STARTTLS is (spec 4.4).
func (c *Connection) handleCompress(tag, args string) error {
	if !c.config.IMAP.EnableCompression {
		c.sendTagged(tag, "NO COMPRESS not available")
		return nil
	}
	if strings.ToUpper(strings.TrimSpace(args)) != "DEFLATE" {
		c.sendTagged(tag, "BAD Unsupported compression mechanism")
		return nil
	}
	if c.ctx.CompressionOn {
		c.sendTagged(tag, "BAD [COMPRESSIONACTIVE] Compression already active")
		return nil
	}
	if c.ctx.Upgrading {
		c.sendTagged(tag, "BAD Another upgrade is already in progress")
		return nil
	}

	c.ctx.Upgrading = true
	defer func() { c.ctx.Upgrading = false }()

	c.sendTagged(tag, "OK DEFLATE active")

	if err := c.egress.EnableCompression(); err != nil {
		c.logger.Error("compress negotiation failed", zap.Error(err))
		return errConnectionClosed
	}
	c.ctx.CompressionOn = true
	c.logger.Info("COMPRESS=DEFLATE active", zap.String("conn_id", c.id))
	return nil
}
