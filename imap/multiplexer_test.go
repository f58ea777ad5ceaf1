package imap

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/artpromedia/imap-engine/types"
)

// newFlushHarness builds a Connection wired just enough to exercise
// Multiplexer.Flush in isolation: a Composer writing into buf, a
// ConnectionContext holding the Selected snapshot under test, and
// nothing else touched by the flush algorithm.
func newFlushHarness(t *testing.T, sessionID string, uidList []uint32) (*Connection, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	sel := &types.SelectedMailbox{
		MailboxID: "mbox-1",
		UIDList:   append([]uint32(nil), uidList...),
		Exists:    uint32(len(uidList)),
	}
	c := &Connection{
		id:     sessionID,
		logger: zap.NewNop(),
		ctx:    &types.ConnectionContext{ID: sessionID, State: StateSelected, Selected: sel},
	}
	c.egress = NewEgress(&buf)
	c.composer = NewComposer(c.egress)
	c.mux = NewMultiplexer(c)
	return c, &buf
}

func sel(c *Connection) *types.SelectedMailbox { return c.ctx.Selected }

func update(cmd string, uid uint32, modseq uint64, ignore string, flags ...types.MessageFlag) types.MailboxUpdate {
	return types.MailboxUpdate{Command: cmd, UID: uid, ModSeq: modseq, Ignore: ignore, Flags: flags}
}

// Scenario 2: coalesced EXISTS. Three consecutive EXISTS collapse to
// the single final count.
func TestMultiplexerFlush_CoalescedExists(t *testing.T) {
	c, buf := newFlushHarness(t, "S", []uint32{10, 11})
	sel(c).Notifications = []types.MailboxUpdate{
		update(types.UpdateExists, 12, 1, ""),
		update(types.UpdateExists, 13, 2, ""),
		update(types.UpdateExists, 14, 3, ""),
	}

	c.mux.Flush()

	assert.Equal(t, "* 5 EXISTS\r\n", buf.String())
	assert.Equal(t, []uint32{10, 11, 12, 13, 14}, sel(c).UIDList)
	assert.Empty(t, sel(c).Notifications)
}

// Scenario 3: a message that arrives and is expunged within the same
// flush is never shown to the client.
func TestMultiplexerFlush_ExistsThenExpungeOfNewUID(t *testing.T) {
	c, buf := newFlushHarness(t, "S", []uint32{10})
	sel(c).Notifications = []types.MailboxUpdate{
		update(types.UpdateExists, 11, 1, ""),
		update(types.UpdateExpunge, 11, 2, ""),
	}

	c.mux.Flush()

	assert.Empty(t, buf.String())
	assert.Equal(t, []uint32{10}, sel(c).UIDList)
}

// Scenario 4: EXISTS followed by EXPUNGE of a pre-existing message
// requires re-announcing EXISTS because the expunge shifted the
// sequence space the deferred EXISTS already accounted for.
func TestMultiplexerFlush_ExistsThenExpungeOfExisting(t *testing.T) {
	c, buf := newFlushHarness(t, "S", []uint32{10, 11})
	sel(c).Notifications = []types.MailboxUpdate{
		update(types.UpdateExists, 12, 1, ""),
		update(types.UpdateExpunge, 10, 2, ""),
	}

	c.mux.Flush()

	assert.Equal(t, "* 1 EXPUNGE\r\n* 2 EXISTS\r\n", buf.String())
	assert.Equal(t, []uint32{11, 12}, sel(c).UIDList)
}

// Scenario 5: FETCH coalescing keeps only the last FETCH per UID and
// honors echo suppression via Ignore == session id.
func TestMultiplexerFlush_FetchCoalescingAndEchoSuppression(t *testing.T) {
	c, buf := newFlushHarness(t, "S", []uint32{10, 11})
	sel(c).Notifications = []types.MailboxUpdate{
		update(types.UpdateFetch, 10, 1, "", "\\Seen"),
		update(types.UpdateFetch, 10, 2, "S", "\\Seen", "\\Flagged"),
		update(types.UpdateFetch, 11, 3, "", "\\Answered"),
	}

	c.mux.Flush()

	assert.Equal(t, "* 2 FETCH (FLAGS (\\Answered))\r\n", buf.String())
}

// Selected mailbox DELETE: BYE is written and the connection ends in
// StateClosed.
func TestMultiplexerOnNotification_SelectedMailboxDeleted(t *testing.T) {
	c, buf := newFlushHarness(t, "S", []uint32{10})
	client, server := net.Pipe()
	defer client.Close()
	c.conn = server
	sub := &subscription{mailboxID: sel(c).MailboxID}

	c.mux.onNotification(sub, types.IdleNotification{Type: "DELETE", MailboxID: sel(c).MailboxID})

	assert.Contains(t, buf.String(), "* BYE Selected mailbox was deleted, have to disconnect\r\n")
	assert.Equal(t, StateClosed, c.ctx.State)
}

// Open Question regression (spec 9): EXISTS, EXPUNGE, EXISTS must
// produce exactly one EXISTS line (the final deferred one), not two,
// with the EXPUNGE written in between.
func TestMultiplexerFlush_ExistsExpungeExistsYieldsSingleExists(t *testing.T) {
	c, buf := newFlushHarness(t, "S", []uint32{10, 11})
	sel(c).Notifications = []types.MailboxUpdate{
		update(types.UpdateExists, 12, 1, ""),
		update(types.UpdateExpunge, 10, 2, ""),
		update(types.UpdateExists, 13, 3, ""),
	}

	c.mux.Flush()

	require.Equal(t, "* 1 EXPUNGE\r\n* 3 EXISTS\r\n", buf.String())
	assert.Equal(t, []uint32{11, 12, 13}, sel(c).UIDList)
}
