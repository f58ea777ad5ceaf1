package imap

import (
	"time"

	"go.uber.org/zap"
)

// handleIdle handles the IDLE command (RFC 2177). The Notification
// Multiplexer's subscription is already in place from SELECT/EXAMINE
// (UpdateNotificationListener); IDLE's only job is to hold the
// connection open, let the Multiplexer flush untagged updates as they
// arrive on the subscription it already owns, and return once the
// client sends DONE or the idle timeout elapses.
func (c *Connection) handleIdle(tag string) error {
	if !c.requireSelected(tag) {
		return nil
	}

	c.sendContinuation("idling")
	c.logger.Info("Entering IDLE mode", zap.String("mailbox_id", c.ctx.ActiveMailbox.ID))

	c.ctx.IdleActive = true
	defer func() { c.ctx.IdleActive = false }()

	timeout := time.NewTimer(c.config.IMAP.IdleTimeout)
	defer timeout.Stop()

	done := make(chan struct{})
	go c.waitForDone(done)

	for {
		select {
		case <-timeout.C:
			c.logger.Info("IDLE timeout")
			c.composer.Bye("IDLE timeout")
			return errConnectionClosed

		case <-done:
			c.logger.Info("IDLE terminated by client")
			c.mux.Flush()
			c.sendTagged(tag, "OK IDLE terminated")
			return nil

		case <-c.shutdownChan:
			return nil
		}
	}
}

// waitForDone waits for the client's DONE continuation line.
func (c *Connection) waitForDone(done chan<- struct{}) {
	for {
		line, err := c.framer.ReadLine()
		if err != nil {
			close(done)
			return
		}
		if line == "DONE" || line == "done" {
			close(done)
			return
		}
	}
}

// handleNotify handles the NOTIFY command (RFC 5465). Event-type and
// per-mailbox filtering is not modeled: enabling NOTIFY simply routes
// the selected mailbox's updates through the same Multiplexer IDLE
// uses, which is sufficient for the message-new/message-expunge/
// flag-change set this server advertises.
func (c *Connection) handleNotify(tag, args string) error {
	if !c.requireAuth(tag) {
		return nil
	}

	if args == "NONE" {
		c.mux.Close()
		c.sendTagged(tag, "OK NOTIFY disabled")
		return nil
	}

	c.sendTagged(tag, "OK NOTIFY enabled")
	return nil
}
