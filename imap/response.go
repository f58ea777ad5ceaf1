package imap

import (
	"fmt"
	"strings"

	"github.com/artpromedia/imap-engine/types"
)

// Composer serializes types.ResponseRecord/ResponseAttribute trees to
// the wire and owns the EXISTS/EXPUNGE/FETCH sequence-bookkeeping
// invariants against a selected mailbox's uid_list (spec 4.3). Plain
// command completions go through the connection's printf-style
// sendUntagged/sendTagged helpers instead of through this tree; the
// Composer is reserved for the greeting, BYE, and the Multiplexer's
// sequence-sensitive updates, where the uid_list bookkeeping actually
// lives.
type Composer struct {
	out *Egress
}

// NewComposer builds a Composer writing to out.
func NewComposer(out *Egress) *Composer {
	return &Composer{out: out}
}

// Write serializes and sends rec.
func (c *Composer) Write(rec *types.ResponseRecord) error {
	var b strings.Builder
	b.WriteString(rec.Tag)
	if rec.Status != "" {
		b.WriteByte(' ')
		b.WriteString(rec.Status)
	}
	if rec.Code != "" {
		b.WriteString(" [")
		b.WriteString(rec.Code)
		b.WriteByte(']')
	}
	if rec.Text != "" {
		b.WriteByte(' ')
		b.WriteString(rec.Text)
	}
	for _, attr := range rec.Attributes {
		b.WriteByte(' ')
		writeAttribute(&b, attr)
	}
	b.WriteString("\r\n")
	_, err := c.out.Write([]byte(b.String()))
	return err
}

func writeAttribute(b *strings.Builder, a types.ResponseAttribute) {
	switch a.Kind {
	case types.AttrAtom:
		b.WriteString(a.Atom)
	case types.AttrNil:
		b.WriteString("NIL")
	case types.AttrString:
		b.WriteByte('"')
		escaped := strings.ReplaceAll(a.Str, `\`, `\\`)
		b.WriteString(strings.ReplaceAll(escaped, `"`, `\"`))
		b.WriteByte('"')
	case types.AttrLiteral:
		fmt.Fprintf(b, "{%d}\r\n%s", len(a.Str), a.Str)
	case types.AttrList:
		b.WriteByte('(')
		for i, child := range a.List {
			if i > 0 {
				b.WriteByte(' ')
			}
			writeAttribute(b, child)
		}
		b.WriteByte(')')
	case types.AttrStream:
		if a.Exact != nil {
			fmt.Fprintf(b, "{%d}", a.Exact.Size)
		}
	}
}

// Greeting sends the initial untagged OK banner.
func (c *Composer) Greeting(capabilities []string, banner string) error {
	return c.Write(&types.ResponseRecord{
		Tag:    "*",
		Status: "OK",
		Code:   "CAPABILITY " + strings.Join(capabilities, " "),
		Text:   banner,
	})
}

// Bye sends the untagged BYE line preceding connection teardown.
func (c *Composer) Bye(reason string) error {
	return c.Write(&types.ResponseRecord{Tag: "*", Status: "BYE", Text: reason})
}

// EmitExists appends uid to sel's uid_list and writes the resulting
// "* N EXISTS" — the canonical, bookkeeping-mutating path.
func (c *Composer) EmitExists(sel *types.SelectedMailbox, uid uint32) error {
	sel.UIDList = append(sel.UIDList, uid)
	sel.Exists = uint32(len(sel.UIDList))
	return c.Write(&types.ResponseRecord{
		Tag:        "*",
		Text:       fmt.Sprintf("%d EXISTS", sel.Exists),
		Attributes: nil,
	})
}

// EmitRawExists writes "* N EXISTS" using the current len(uid_list)
// without mutating it. Used when a deferred/synthesized EXISTS must
// be written to reconcile the client's view after an EXPUNGE, per the
// "synthesized EXISTS bypasses bookkeeping" decision: calling
// EmitExists here would double-count messages already in uid_list.
func (c *Composer) EmitRawExists(sel *types.SelectedMailbox) error {
	return c.Write(&types.ResponseRecord{
		Tag:  "*",
		Text: fmt.Sprintf("%d EXISTS", len(sel.UIDList)),
	})
}

// FormatExists mutates sel.UIDList exactly as EmitExists does but
// returns the record instead of writing it. The Notification
// Multiplexer uses this to defer an EXISTS: the uid_list bookkeeping
// must happen immediately (later EXPUNGEs in the same flush address
// sequence numbers that already account for it), but the line itself
// is only written once the flush determines a synthesized EXISTS
// isn't required instead (spec 4.6 step 3/4).
func (c *Composer) FormatExists(sel *types.SelectedMailbox, uid uint32) *types.ResponseRecord {
	sel.UIDList = append(sel.UIDList, uid)
	sel.Exists = uint32(len(sel.UIDList))
	return &types.ResponseRecord{Tag: "*", Text: fmt.Sprintf("%d EXISTS", sel.Exists)}
}

// EmitExpunge removes the message at 1-based sequence seqNum from
// sel's uid_list and writes "* N EXPUNGE". Every subsequent sequence
// number shifts down by one, matching RFC 3501 3.4.
func (c *Composer) EmitExpunge(sel *types.SelectedMailbox, seqNum uint32) error {
	idx := int(seqNum) - 1
	if idx < 0 || idx >= len(sel.UIDList) {
		return &ProtocolError{Message: "expunge sequence number out of range"}
	}
	sel.UIDList = append(sel.UIDList[:idx], sel.UIDList[idx+1:]...)
	sel.Exists = uint32(len(sel.UIDList))
	return c.Write(&types.ResponseRecord{Tag: "*", Text: fmt.Sprintf("%d EXPUNGE", seqNum)})
}

// EmitFetch writes a "* N FETCH (...)" for the message currently at
// seqNum, without mutating uid_list (FETCH never resizes the
// mailbox).
func (c *Composer) EmitFetch(seqNum uint32, attrs []types.ResponseAttribute) error {
	return c.Write(&types.ResponseRecord{
		Tag:        "*",
		Text:       fmt.Sprintf("%d FETCH", seqNum),
		Attributes: []types.ResponseAttribute{{Kind: types.AttrList, List: attrs}},
	})
}

// SeqNumForUID returns the 1-based sequence number of uid within
// sel.UIDList, or 0 if absent.
func SeqNumForUID(sel *types.SelectedMailbox, uid uint32) uint32 {
	for i, u := range sel.UIDList {
		if u == uid {
			return uint32(i + 1)
		}
	}
	return 0
}
