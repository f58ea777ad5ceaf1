package imap

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/artpromedia/imap-engine/config"
	"github.com/artpromedia/imap-engine/repository"
)

// Connection represents an IMAP client connection
type Connection struct {
	id              string
	conn            net.Conn
	server          *Server
	config          *config.Config
	repo            *repository.Repository
	logger          *zap.Logger
	notifyHub       *NotifyHub
	oauth2Validator *OAuth2Validator
	ctx             *ConnectionContext
	reader          *bufio.Reader
	shutdownChan    chan struct{}
	idleChan        chan IdleNotification
	idleStopChan    chan struct{}

	// framer/egress/composer/mux are the spec-4.x pipeline: framer
	// owns line-length and literal-size bookkeeping over reader,
	// egress is the single outbound writer (compression/TLS-rebind
	// state lives there instead of a raw bufio.Writer), composer owns
	// the uid_list-sensitive EXISTS/EXPUNGE/FETCH wire format, and mux
	// is this connection's Notification Multiplexer.
	framer    *Framer
	assembler *Assembler
	egress    *Egress
	composer  *Composer
	mux       *Multiplexer

	closeOnce sync.Once
}

// Handle handles the IMAP connection
func (c *Connection) Handle() {
	defer c.Close()

	c.reader = bufio.NewReader(c.conn)
	c.egress = NewEgress(c.conn)
	c.composer = NewComposer(c.egress)
	c.framer = NewFramer(c.reader, c.config.IMAP.MaxLineSize, c.config.IMAP.MaxLiteralSize)
	c.assembler = NewAssembler(c.framer, c.sendContinuation, c.config.IMAP.LiteralPlus)
	c.mux = NewMultiplexer(c)

	c.ctx.ClientHostname = c.resolveClientHostname()

	// spec 4.5: if the client sends bytes before the greeting goes
	// out (i.e. while reverse DNS was still resolving) that's a
	// protocol violation — the server hasn't offered anything to
	// respond to yet.
	if c.clientSpokeTooSoon() {
		c.sendUntagged("BAD You talk too soon")
		return
	}

	if err := c.composer.Greeting(c.ctx.Capabilities, "Enterprise Email IMAP Server ready"); err != nil {
		c.logger.Debug("Failed to send greeting", zap.Error(err))
		return
	}

	// Main command loop
	for {
		select {
		case <-c.shutdownChan:
			c.composer.Bye("Server shutting down")
			return
		default:
		}

		// Set read deadline
		c.conn.SetReadDeadline(time.Now().Add(c.config.Server.ReadTimeout))

		// Read and assemble the next command, including any
		// {n}/{n+} literal payloads it carries (spec 4.1, 4.2).
		rec, err := c.assembler.Next()
		if err != nil {
			if perr, ok := err.(*ProtocolError); ok {
				c.sendUntagged("BAD %s", perr.Message)
				continue
			}
			if isTimeout(err) {
				c.composer.Bye("Idle timeout, closing connection")
				c.logger.Debug("Connection closed", zap.String("reason", err.Error()))
			} else if err == io.EOF {
				c.logger.Debug("Connection closed", zap.String("reason", err.Error()))
			} else {
				c.logger.Error("Read error", zap.Error(err))
			}
			return
		}

		if rec.Tag == "" && rec.Name == "" {
			continue
		}

		c.ctx.LastActivityAt = time.Now()
		c.logger.Debug("Received command", zap.String("tag", rec.Tag), zap.String("verb", rec.Name))

		// Flush any queued mailbox notifications before the next
		// command's tagged completion so untagged data always
		// precedes the response it pertains to (spec 4.6).
		c.mux.Flush()

		// Parse and execute command
		if err := c.processCommand(rec); err != nil {
			if err == errConnectionClosed {
				return
			}
			c.logger.Error("Command error", zap.Error(err))
		}
	}
}

// resolveClientHostname performs the best-effort reverse DNS lookup
// spec 4.5 calls for, falling back to a bracketed IP literal on
// failure or timeout.
func (c *Connection) resolveClientHostname() string {
	host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String())
	if err != nil {
		host = c.conn.RemoteAddr().String()
	}

	lookupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	names, err := net.DefaultResolver.LookupAddr(lookupCtx, host)
	if err != nil || len(names) == 0 {
		return "[" + host + "]"
	}
	return strings.TrimSuffix(names[0], ".")
}

// clientSpokeTooSoon reports whether bytes are already sitting on the
// connection before the greeting has been sent — the client isn't
// permitted to speak first (spec 4.5, 8).
func (c *Connection) clientSpokeTooSoon() bool {
	c.conn.SetReadDeadline(time.Now())
	_, err := c.reader.Peek(1)
	c.conn.SetReadDeadline(time.Time{})
	return err == nil
}

// Close tears the connection down: releases the notification
// subscription, stops idle bookkeeping, and closes the transport.
// Idempotent (spec 3 "destroyed on close exactly once", spec 8
// "close() invoked twice has the same effect as once") — the body
// runs under closeOnce, so a second call does nothing.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		if c.mux != nil {
			c.mux.Close()
		}

		if c.notifyHub != nil {
			c.notifyHub.UnsubscribeAll(c.id)
		}

		if c.idleStopChan != nil {
			close(c.idleStopChan)
		}

		c.ctx.State = StateClosed
		c.conn.Close()
	})
}

// processCommand dispatches one assembled command record against the
// verb registry (spec 4.5 steps 1-3): reject while upgrading, look up
// the handler, check its allowed-states set, invoke.
func (c *Connection) processCommand(rec *CommandRecord) error {
	tag := rec.Tag
	command := rec.Name
	args := rec.RawArgLine

	if tag == "" || command == "" {
		c.sendUntagged("BAD Invalid command")
		return nil
	}

	// spec 4.5 step 1: reject everything while an upgrade (STARTTLS or
	// COMPRESS) is in flight.
	if c.ctx.Upgrading {
		c.sendTagged(tag, "BAD Upgrade in progress")
		return nil
	}

	commandsProcessed.WithLabelValues(command).Inc()

	if command == "APPEND" {
		return c.handleAppend(tag, args, rec.Literals)
	}
	if command == "UID" {
		return c.dispatchUID(tag, args)
	}
	return c.dispatch(tag, command, args)
}

// sendUntagged sends an untagged response through the Egress
// Pipeline, so it is subject to the same DEFLATE framing as every
// other server-initiated write once COMPRESS is active (spec 4.4).
func (c *Connection) sendUntagged(format string, args ...interface{}) {
	response := fmt.Sprintf("* "+format+"\r\n", args...)
	if _, err := c.egress.Write([]byte(response)); err != nil {
		c.logger.Debug("Failed to send untagged response", zap.Error(err))
		return
	}
	c.logger.Debug("Sent response", zap.String("response", strings.TrimRight(response, "\r\n")))
}

// sendTagged sends a tagged completion through the Egress Pipeline.
func (c *Connection) sendTagged(tag, format string, args ...interface{}) {
	response := fmt.Sprintf(tag+" "+format+"\r\n", args...)
	if _, err := c.egress.Write([]byte(response)); err != nil {
		c.logger.Debug("Failed to send tagged response", zap.Error(err))
		return
	}
	c.logger.Debug("Sent response", zap.String("response", strings.TrimRight(response, "\r\n")))
}

// sendContinuation sends a "+" continuation request (e.g. "Ready for
// literal data") through the Egress Pipeline.
func (c *Connection) sendContinuation(format string, args ...interface{}) {
	response := fmt.Sprintf("+ "+format+"\r\n", args...)
	if _, err := c.egress.Write([]byte(response)); err != nil {
		c.logger.Debug("Failed to send continuation", zap.Error(err))
	}
}

// requireAuth checks if user is authenticated
func (c *Connection) requireAuth(tag string) bool {
	if !c.ctx.Authenticated {
		c.sendTagged(tag, "NO Not authenticated")
		return false
	}
	return true
}

// requireSelected checks if a mailbox is selected
func (c *Connection) requireSelected(tag string) bool {
	if !c.requireAuth(tag) {
		return false
	}
	if c.ctx.ActiveFolder == nil {
		c.sendTagged(tag, "NO No mailbox selected")
		return false
	}
	return true
}

// upgradeTLS upgrades the connection to TLS
func (c *Connection) upgradeTLS() error {
	if c.config.TLS.Enabled && c.server.tlsConfig != nil {
		tlsConn := tls.Server(c.conn, c.server.tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			return err
		}
		c.conn = tlsConn
		c.reader = bufio.NewReader(c.conn)
		c.framer = NewFramer(c.reader, c.config.IMAP.MaxLineSize, c.config.IMAP.MaxLiteralSize)
		c.assembler = NewAssembler(c.framer, c.sendContinuation, c.config.IMAP.LiteralPlus)
		c.egress.Rebind(c.conn)
		c.ctx.TLSEnabled = true

		// Update capabilities
		c.ctx.Capabilities = c.server.getCapabilities(true)
	}
	return nil
}

// getContext returns a context with timeout
func (c *Connection) getContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// parseMailboxPath parses a mailbox path and extracts domain context
// Returns (mailboxID, folderPath, error)
func (c *Connection) parseMailboxPath(path string) (*Mailbox, string, error) {
	path = strings.Trim(path, "\"")

	// Check for shared mailbox prefix
	if strings.HasPrefix(path, "Shared/") {
		return c.parseSharedMailboxPath(path)
	}

	// Check for domain-specific path (domain.com/FolderName)
	parts := strings.SplitN(path, "/", 2)
	if len(parts) == 2 {
		domainName := parts[0]
		folderPath := parts[1]

		// Find mailbox by domain
		for _, mb := range c.ctx.Mailboxes {
			if mb.Domain != nil && mb.Domain.Name == domainName {
				return mb, folderPath, nil
			}
		}
	}

	// Unified mode - use primary mailbox or active mailbox
	if c.ctx.ActiveMailbox != nil {
		return c.ctx.ActiveMailbox, path, nil
	}

	// Find primary mailbox
	for _, mb := range c.ctx.Mailboxes {
		if mb.IsPrimary {
			return mb, path, nil
		}
	}

	if len(c.ctx.Mailboxes) > 0 {
		return c.ctx.Mailboxes[0], path, nil
	}

	return nil, "", fmt.Errorf("no mailbox available")
}

// parseSharedMailboxPath parses a shared mailbox path
func (c *Connection) parseSharedMailboxPath(path string) (*Mailbox, string, error) {
	// Format: Shared/email@domain.com/FolderName
	path = strings.TrimPrefix(path, "Shared/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) < 1 {
		return nil, "", fmt.Errorf("invalid shared mailbox path")
	}

	sharedEmail := parts[0]
	folderPath := "INBOX"
	if len(parts) > 1 {
		folderPath = parts[1]
	}

	// Find shared mailbox
	for _, mb := range c.ctx.SharedMailboxes {
		if mb.Email == sharedEmail {
			return mb, folderPath, nil
		}
	}

	return nil, "", fmt.Errorf("shared mailbox not found: %s", sharedEmail)
}

// isTimeout checks if error is a timeout
func isTimeout(err error) bool {
	if netErr, ok := err.(net.Error); ok {
		return netErr.Timeout()
	}
	return false
}
