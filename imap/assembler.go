package imap

import (
	"strings"

	"github.com/artpromedia/imap-engine/types"
)

// Assembler turns Framer output into a complete types.CommandRecord,
// accumulating additional frames when a line ends in a literal
// introducer (spec 4.2). A synchronizing literal ({n}) triggers a "+
// Ready for literal data" continuation before the Assembler reads the
// literal bytes; a non-synchronizing one ({n+}) does not.
type Assembler struct {
	framer      *Framer
	sendCont    func(format string, args ...interface{})
	requireSync bool // if true, literal+ is rejected (LITERAL+ disabled)
}

// NewAssembler builds an Assembler over framer. sendCont is invoked
// to write the "+ Ready for literal data" continuation line for
// synchronizing literals.
func NewAssembler(framer *Framer, sendCont func(format string, args ...interface{}), allowNonSync bool) *Assembler {
	return &Assembler{framer: framer, sendCont: sendCont, requireSync: !allowNonSync}
}

// Next reads one complete command from the stream. It returns
// io.EOF-wrapped errors from the Framer unchanged (transport-level),
// and *ProtocolError for malformed commands (a line with no command
// name, or a rejected literal introducer).
func (a *Assembler) Next() (*types.CommandRecord, error) {
	line, err := a.framer.ReadLine()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(line) == "" {
		return &types.CommandRecord{}, nil
	}

	var literals [][]byte
	full := line

	for {
		lit, ok, err := a.framer.ParseLiteralIntroducer(full)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if lit.NonSync && a.requireSync {
			return nil, &ProtocolError{Message: "non-synchronizing literals not supported"}
		}
		if !lit.NonSync && a.sendCont != nil {
			a.sendCont("Ready for literal data")
		}
		payload, err := a.framer.ReadLiteral(lit.Size)
		if err != nil {
			return nil, err
		}
		literals = append(literals, payload)

		cont, err := a.framer.ReadLine()
		if err != nil {
			return nil, err
		}
		full = full[:lit.FoundAt] + "{literal}" + cont
		line = line + "\r\n" + cont
	}

	return a.tokenize(full, literals)
}

func (a *Assembler) tokenize(line string, literals [][]byte) (*types.CommandRecord, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return nil, &ProtocolError{Message: "missing command name"}
	}

	rec := &types.CommandRecord{
		Tag:      parts[0],
		Name:     strings.ToUpper(parts[1]),
		Literals: literals,
	}
	if len(parts) > 2 {
		rec.RawArgLine = parts[2]
		rec.Args = splitArgs(parts[2])
	}
	return rec, nil
}

// splitArgs performs a best-effort whitespace/quote-aware split of
// the argument tail, respecting the {literal} placeholder token the
// Assembler substitutes for literal payloads.
func splitArgs(s string) []string {
	var args []string
	var cur strings.Builder
	inQuote := false

	flush := func() {
		if cur.Len() > 0 {
			args = append(args, cur.String())
			cur.Reset()
		}
	}

	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '"':
			inQuote = !inQuote
			cur.WriteByte(ch)
		case ch == ' ' && !inQuote:
			flush()
		default:
			cur.WriteByte(ch)
		}
	}
	flush()
	return args
}
