package imap

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/artpromedia/imap-engine/types"
)

// subscription is the per-connection record the Multiplexer keeps
// against the shared NotifyHub for the mailbox currently SELECTed
// (spec 4.6 "Subscription lifecycle"). locked inhibits re-entrant
// store round-trips while one is already in flight for this
// connection; it is the only synchronization the notifier callback
// needs because the connection's own command loop is single-threaded.
type subscription struct {
	mu        sync.Mutex
	mailboxID string
	folderID  string
	locked    bool
	cleared   bool
}

// Multiplexer is the per-connection Notification Multiplexer (spec
// 4.6): it owns the subscription against the server's NotifyHub,
// performs the store round-trip on each wakeup, coalesces
// EXISTS/EXPUNGE/FETCH into a single ordered flush, and advances
// HighestModSeq. One Multiplexer is created per Connection and never
// outlives it; its back-reference to the connection is exercised only
// from the connection's own goroutine or from its own listener
// goroutine, never concurrently with itself (the lock flag above
// serializes the two stages of work the listener goroutine can do).
type Multiplexer struct {
	conn *Connection

	mu   sync.Mutex
	sub  *subscription
	stop chan struct{}
}

// NewMultiplexer builds a Multiplexer bound to conn.
func NewMultiplexer(conn *Connection) *Multiplexer {
	return &Multiplexer{conn: conn}
}

// UpdateNotificationListener implements the subscription lifecycle of
// spec 4.6: no-op if already subscribed to the currently selected
// mailbox, unsubscribe-then-subscribe if the selection changed, and
// plain unsubscribe if nothing is selected. Called after
// SELECT/EXAMINE and after CLOSE/UNSELECT.
func (m *Multiplexer) UpdateNotificationListener() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sel := m.conn.ctx.Selected
	if sel == nil {
		m.unsubscribeLocked()
		return nil
	}
	if m.sub != nil && m.sub.mailboxID == sel.MailboxID {
		return nil
	}
	m.unsubscribeLocked()
	m.subscribeLocked(sel.MailboxID, sel.FolderID)
	return nil
}

func (m *Multiplexer) subscribeLocked(mailboxID, folderID string) {
	sub := &subscription{mailboxID: mailboxID, folderID: folderID}
	ch := m.conn.notifyHub.Subscribe(mailboxID, m.conn.id)
	stop := make(chan struct{})
	m.sub = sub
	m.stop = stop
	go m.listen(sub, ch, stop)
}

func (m *Multiplexer) unsubscribeLocked() {
	if m.sub == nil {
		return
	}
	m.sub.mu.Lock()
	m.sub.cleared = true
	m.sub.mu.Unlock()
	close(m.stop)
	m.conn.notifyHub.Unsubscribe(m.sub.mailboxID, m.conn.id)
	m.sub = nil
	m.stop = nil
}

// Close tears down any active subscription; called once from
// Connection.Close.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribeLocked()
}

// listen runs on its own goroutine for the lifetime of one
// subscription, translating NotifyHub pushes into onNotification
// calls. It is the only place the callback behavior of spec 4.6 is
// invoked from.
func (m *Multiplexer) listen(sub *subscription, ch <-chan IdleNotification, stop chan struct{}) {
	for {
		select {
		case n, ok := <-ch:
			if !ok {
				return
			}
			m.onNotification(sub, n)
		case <-stop:
			return
		}
	}
}

// onNotification implements the "Callback behavior" of spec 4.6.
func (m *Multiplexer) onNotification(sub *subscription, n IdleNotification) {
	c := m.conn

	if n.Type == "DELETE" {
		sel := c.ctx.Selected
		if sel != nil && sel.MailboxID == sub.mailboxID {
			c.composer.Bye("Selected mailbox was deleted, have to disconnect")
			c.Close()
		}
		return
	}

	sub.mu.Lock()
	if sub.locked {
		sub.mu.Unlock()
		return
	}
	if sub.cleared || c.ctx.State != StateSelected || c.ctx.Selected == nil || c.ctx.Selected.MailboxID != sub.mailboxID {
		sub.mu.Unlock()
		return
	}
	sub.locked = true
	sub.mu.Unlock()

	defer func() {
		sub.mu.Lock()
		sub.locked = false
		sub.mu.Unlock()
	}()

	sel := c.ctx.Selected
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	updates, err := c.repo.GetMailboxUpdatesSince(ctx, sel.FolderID, sel.HighestModSeq)
	if err != nil {
		c.logger.Error("notification multiplexer: fetch mailbox updates", zap.Error(err))
		return
	}
	if len(updates) == 0 {
		return
	}

	for _, u := range updates {
		sel.Notifications = append(sel.Notifications, *u)
	}
	if last := updates[len(updates)-1]; last.ModSeq > sel.HighestModSeq {
		sel.HighestModSeq = last.ModSeq
	}

	if c.ctx.IdleActive {
		m.Flush()
	}
}

// Flush implements the "Flush algorithm" (emit_notifications) of
// spec 4.6 exactly: coalesce, order, and write the pending
// notification queue, leaving uid_list and HighestModSeq consistent
// with what was actually put on the wire.
func (m *Multiplexer) Flush() {
	c := m.conn
	sel := c.ctx.Selected
	if sel == nil || len(sel.Notifications) == 0 {
		return
	}

	pending := sel.Notifications
	sel.Notifications = nil

	added := make(map[uint32]bool)
	removed := make(map[uint32]bool)
	for _, u := range pending {
		switch u.Command {
		case types.UpdateExists:
			added[u.UID] = true
		case types.UpdateExpunge:
			removed[u.UID] = true
		}
	}
	skip := make(map[uint32]bool)
	for uid := range added {
		if removed[uid] {
			skip[uid] = true
		}
	}

	// Coalesce FETCHes: scan right-to-left, keep only the last FETCH
	// per UID; a UID dominated by EXISTS/EXPUNGE gets no FETCH at all.
	survivingFetch := make(map[uint32]int)
	for i := len(pending) - 1; i >= 0; i-- {
		u := pending[i]
		if u.Command != types.UpdateFetch {
			continue
		}
		if added[u.UID] || removed[u.UID] {
			continue
		}
		if _, seen := survivingFetch[u.UID]; !seen {
			survivingFetch[u.UID] = i
		}
	}

	var deferredExists *types.ResponseRecord
	changed := false

	for i, u := range pending {
		if u.Command == types.UpdateFetch {
			if idx, ok := survivingFetch[u.UID]; !ok || idx != i {
				continue
			}
		}

		if skip[u.UID] {
			continue
		}

		if u.ModSeq > sel.HighestModSeq {
			sel.HighestModSeq = u.ModSeq
		}

		if u.Ignore == c.id {
			continue
		}

		switch u.Command {
		case types.UpdateExists:
			deferredExists = c.composer.FormatExists(sel, u.UID)
			changed = false

		case types.UpdateExpunge:
			seq := SeqNumForUID(sel, u.UID)
			if seq == 0 {
				continue
			}
			if err := c.composer.EmitExpunge(sel, seq); err != nil {
				c.logger.Error("notification multiplexer: emit expunge", zap.Error(err))
				continue
			}
			changed = true

		case types.UpdateFetch:
			seq := SeqNumForUID(sel, u.UID)
			if seq == 0 {
				continue
			}
			attrs := fetchAttributesForUpdate(u, sel.CondstoreEnabled)
			if err := c.composer.EmitFetch(seq, attrs); err != nil {
				c.logger.Error("notification multiplexer: emit fetch", zap.Error(err))
			}
		}
	}

	// The synthesized-EXISTS path bypasses EmitExists/FormatExists on
	// purpose: uid_list was already mutated when the deferred EXISTS
	// was formatted, so re-running that bookkeeping here would double
	// count (spec 9, "synthesized EXISTS bypasses bookkeeping").
	if changed {
		if err := c.composer.EmitRawExists(sel); err != nil {
			c.logger.Error("notification multiplexer: emit synthesized exists", zap.Error(err))
		}
	} else if deferredExists != nil {
		if err := c.composer.Write(deferredExists); err != nil {
			c.logger.Error("notification multiplexer: write deferred exists", zap.Error(err))
		}
	}
}

// fetchAttributesForUpdate builds the FETCH attribute list for a
// flag-change update, including MODSEQ iff CONDSTORE is enabled on
// the selected mailbox (spec 4.6 step 3 FETCH bullet).
func fetchAttributesForUpdate(u types.MailboxUpdate, condstoreEnabled bool) []types.ResponseAttribute {
	flagAtoms := make([]types.ResponseAttribute, 0, len(u.Flags))
	for _, f := range u.Flags {
		flagAtoms = append(flagAtoms, types.ResponseAttribute{Kind: types.AttrAtom, Atom: string(f)})
	}
	attrs := []types.ResponseAttribute{
		{Kind: types.AttrAtom, Atom: "FLAGS"},
		{Kind: types.AttrList, List: flagAtoms},
	}
	if condstoreEnabled {
		attrs = append(attrs,
			types.ResponseAttribute{Kind: types.AttrAtom, Atom: "MODSEQ"},
			types.ResponseAttribute{Kind: types.AttrList, List: []types.ResponseAttribute{
				{Kind: types.AttrAtom, Atom: strconv.FormatUint(u.ModSeq, 10)},
			}},
		)
	}
	return attrs
}
