package imap

import "strings"

// handlerFunc is the shape every registered verb dispatches through:
// the tag and the raw argument tail (the {n} literal placeholder
// already substituted in by the Assembler, if any).
type handlerFunc func(c *Connection, tag, args string) error

// handlerEntry pairs a verb's allowed session states with its
// procedure (spec 4.5 steps 2-3): the controller itself carries no
// verb semantics, only this table.
type handlerEntry struct {
	states []ConnectionState
	fn     handlerFunc
}

func (e *handlerEntry) allows(state ConnectionState) bool {
	for _, s := range e.states {
		if s == state {
			return true
		}
	}
	return false
}

var (
	anyState      = []ConnectionState{StateNotAuthenticated, StateAuthenticated, StateSelected, StateLogout}
	preAuthStates = []ConnectionState{StateNotAuthenticated}
	authStates    = []ConnectionState{StateAuthenticated, StateSelected}
	selectedOnly  = []ConnectionState{StateSelected}
)

// commandRegistry is keyed by verb ("UID FETCH" etc. for the UID
// sub-commands, since the Assembler tokenizes "UID FETCH 1:* (FLAGS)"
// with Name="UID" and the sub-verb in the argument tail).
var commandRegistry = map[string]*handlerEntry{
	"CAPABILITY": {anyState, func(c *Connection, tag, _ string) error { return c.handleCapability(tag) }},
	"NOOP":       {anyState, func(c *Connection, tag, _ string) error { return c.handleNoop(tag) }},
	"LOGOUT":     {anyState, func(c *Connection, tag, _ string) error { return c.handleLogout(tag) }},
	"ID":         {anyState, func(c *Connection, tag, args string) error { return c.handleID(tag, args) }},

	"STARTTLS": {preAuthStates, func(c *Connection, tag, _ string) error { return c.handleStartTLS(tag) }},
	"LOGIN":    {preAuthStates, func(c *Connection, tag, args string) error { return c.handleLogin(tag, args) }},
	"AUTHENTICATE": {preAuthStates, func(c *Connection, tag, args string) error {
		return c.handleAuthenticate(tag, args)
	}},

	"COMPRESS":    {authStates, func(c *Connection, tag, args string) error { return c.handleCompress(tag, args) }},
	"NAMESPACE":   {authStates, func(c *Connection, tag, _ string) error { return c.handleNamespace(tag) }},
	"LIST":        {authStates, func(c *Connection, tag, args string) error { return c.handleList(tag, args) }},
	"LSUB":        {authStates, func(c *Connection, tag, args string) error { return c.handleLsub(tag, args) }},
	"SELECT":      {authStates, func(c *Connection, tag, args string) error { return c.handleSelect(tag, args, false) }},
	"EXAMINE":     {authStates, func(c *Connection, tag, args string) error { return c.handleSelect(tag, args, true) }},
	"CREATE":      {authStates, func(c *Connection, tag, args string) error { return c.handleCreate(tag, args) }},
	"DELETE":      {authStates, func(c *Connection, tag, args string) error { return c.handleDelete(tag, args) }},
	"RENAME":      {authStates, func(c *Connection, tag, args string) error { return c.handleRename(tag, args) }},
	"SUBSCRIBE":   {authStates, func(c *Connection, tag, args string) error { return c.handleSubscribe(tag, args, true) }},
	"UNSUBSCRIBE": {authStates, func(c *Connection, tag, args string) error { return c.handleSubscribe(tag, args, false) }},
	"STATUS":      {authStates, func(c *Connection, tag, args string) error { return c.handleStatus(tag, args) }},
	"GETQUOTA":     {authStates, func(c *Connection, tag, args string) error { return c.handleGetQuota(tag, args) }},
	"GETQUOTAROOT": {authStates, func(c *Connection, tag, args string) error { return c.handleGetQuotaRoot(tag, args) }},
	"SETQUOTA":     {authStates, func(c *Connection, tag, args string) error { return c.handleSetQuota(tag, args) }},
	"ENABLE":       {authStates, func(c *Connection, tag, args string) error { return c.handleEnable(tag, args) }},
	"NOTIFY":       {authStates, func(c *Connection, tag, args string) error { return c.handleNotify(tag, args) }},

	"CHECK":    {selectedOnly, func(c *Connection, tag, _ string) error { return c.handleCheck(tag) }},
	"CLOSE":    {selectedOnly, func(c *Connection, tag, _ string) error { return c.handleClose(tag) }},
	"UNSELECT": {selectedOnly, func(c *Connection, tag, _ string) error { return c.handleUnselect(tag) }},
	"EXPUNGE":  {selectedOnly, func(c *Connection, tag, _ string) error { return c.handleExpunge(tag) }},
	"SEARCH":   {selectedOnly, func(c *Connection, tag, args string) error { return c.handleSearch(tag, args, false) }},
	"FETCH":    {selectedOnly, func(c *Connection, tag, args string) error { return c.handleFetch(tag, args, false) }},
	"STORE":    {selectedOnly, func(c *Connection, tag, args string) error { return c.handleStore(tag, args, false) }},
	"COPY":     {selectedOnly, func(c *Connection, tag, args string) error { return c.handleCopy(tag, args, false, false) }},
	"MOVE":     {selectedOnly, func(c *Connection, tag, args string) error { return c.handleCopy(tag, args, false, true) }},
	"IDLE":     {selectedOnly, func(c *Connection, tag, _ string) error { return c.handleIdle(tag) }},
	"THREAD":   {selectedOnly, func(c *Connection, tag, args string) error { return c.handleThread(tag, args, false) }},

	"UID FETCH":   {selectedOnly, func(c *Connection, tag, args string) error { return c.handleFetch(tag, args, true) }},
	"UID STORE":   {selectedOnly, func(c *Connection, tag, args string) error { return c.handleStore(tag, args, true) }},
	"UID COPY":    {selectedOnly, func(c *Connection, tag, args string) error { return c.handleCopy(tag, args, true, false) }},
	"UID MOVE":    {selectedOnly, func(c *Connection, tag, args string) error { return c.handleCopy(tag, args, true, true) }},
	"UID SEARCH":  {selectedOnly, func(c *Connection, tag, args string) error { return c.handleSearch(tag, args, true) }},
	"UID EXPUNGE": {selectedOnly, func(c *Connection, tag, args string) error { return c.handleUIDExpunge(tag, args) }},
	"UID THREAD":  {selectedOnly, func(c *Connection, tag, args string) error { return c.handleThread(tag, args, true) }},
}

// dispatchUID resolves the "UID <verb> ..." composite command against
// the registry entry keyed "UID <verb>".
func (c *Connection) dispatchUID(tag, args string) error {
	parts := strings.SplitN(strings.TrimSpace(args), " ", 2)
	if parts[0] == "" {
		c.sendTagged(tag, "BAD UID requires a sub-command")
		return nil
	}
	sub := strings.ToUpper(parts[0])
	subArgs := ""
	if len(parts) > 1 {
		subArgs = parts[1]
	}
	return c.dispatch(tag, "UID "+sub, subArgs)
}

// dispatch looks verb up in the registry and enforces its
// allowed-states set before invoking it (spec 4.5 steps 2-3).
func (c *Connection) dispatch(tag, verb, args string) error {
	entry, ok := commandRegistry[verb]
	if !ok {
		c.sendTagged(tag, "BAD Unknown command: %s", verb)
		return nil
	}
	if !entry.allows(c.ctx.State) {
		c.sendTagged(tag, "BAD Command not allowed in this state")
		return nil
	}
	return entry.fn(c, tag, args)
}
