package imap

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// handleFetch handles the FETCH command
func (c *Connection) handleFetch(tag, args string, uid bool) error {
	if !c.requireSelected(tag) {
		return nil
	}

	// Parse sequence set and fetch items
	parts := strings.SplitN(args, " ", 2)
	if len(parts) < 2 {
		c.sendTagged(tag, "BAD FETCH requires sequence set and data items")
		return nil
	}

	seqSet := parts[0]
	fetchItems := parseFetchItems(parts[1])

	ctx, cancel := c.getContext()
	defer cancel()

	// Get messages based on sequence or UID set
	messages, err := c.repo.GetMessagesBySequence(ctx, c.ctx.ActiveFolder.ID, seqSet, uid)
	if err != nil {
		c.logger.Error("Failed to fetch messages", zap.Error(err))
		c.sendTagged(tag, "NO FETCH failed")
		return nil
	}

	for _, msg := range messages {
		response := c.buildFetchResponse(msg, fetchItems, uid)
		c.sendUntagged("%d FETCH %s", msg.SequenceNum, response)

		// If BODY or RFC822 was fetched, mark as seen unless PEEK
		if c.shouldMarkSeen(fetchItems) && !c.ctx.ReadOnly {
			if err := c.repo.UpdateMessageFlags(ctx, msg.ID, []string{"\\Seen"}, "add"); err != nil {
				c.logger.Warn("Failed to mark message as seen", zap.Error(err))
			}
		}
	}

	command := "FETCH"
	if uid {
		command = "UID FETCH"
	}
	c.sendTagged(tag, "OK %s completed", command)
	return nil
}

// handleStore handles the STORE command
func (c *Connection) handleStore(tag, args string, uid bool) error {
	if !c.requireSelected(tag) {
		return nil
	}

	if c.ctx.ReadOnly {
		c.sendTagged(tag, "NO Mailbox is read-only")
		return nil
	}

	// Parse sequence set, operation, and flags
	parts := strings.SplitN(args, " ", 3)
	if len(parts) < 3 {
		c.sendTagged(tag, "BAD STORE requires sequence set, data item, and flags")
		return nil
	}

	seqSet := parts[0]
	dataItem := strings.ToUpper(parts[1])
	flagsStr := parts[2]

	// Parse flags
	flags := parseFlagList(flagsStr)

	// Determine operation
	var operation string
	var silent bool
	switch {
	case strings.HasPrefix(dataItem, "+FLAGS"):
		operation = "add"
		silent = strings.Contains(dataItem, ".SILENT")
	case strings.HasPrefix(dataItem, "-FLAGS"):
		operation = "remove"
		silent = strings.Contains(dataItem, ".SILENT")
	case strings.HasPrefix(dataItem, "FLAGS"):
		operation = "replace"
		silent = strings.Contains(dataItem, ".SILENT")
	default:
		c.sendTagged(tag, "BAD Invalid STORE data item")
		return nil
	}

	ctx, cancel := c.getContext()
	defer cancel()

	// Get messages
	messages, err := c.repo.GetMessagesBySequence(ctx, c.ctx.ActiveFolder.ID, seqSet, uid)
	if err != nil {
		c.logger.Error("Failed to get messages for STORE", zap.Error(err))
		c.sendTagged(tag, "NO STORE failed")
		return nil
	}

	for _, msg := range messages {
		// Update flags
		if err := c.repo.UpdateMessageFlags(ctx, msg.ID, flags, operation); err != nil {
			c.logger.Warn("Failed to update flags", zap.String("message_id", msg.ID), zap.Error(err))
			continue
		}

		newFlags := c.applyFlagOperation(msg.Flags, flags, operation)

		// Send FETCH response unless SILENT
		if !silent {
			flagList := strings.Join(newFlags, " ")

			if uid {
				c.sendUntagged("%d FETCH (UID %d FLAGS (%s))", msg.SequenceNum, msg.UID, flagList)
			} else {
				c.sendUntagged("%d FETCH (FLAGS (%s))", msg.SequenceNum, flagList)
			}
		}

		// Record the flag change for the Notification Multiplexer and
		// wake any other session watching this mailbox. Ignore carries
		// this session's id so its own STORE doesn't echo back to it.
		modseq, mErr := c.repo.IncrementModSeq(ctx, c.ctx.ActiveFolder.ID)
		if mErr != nil {
			c.logger.Warn("Failed to increment modseq", zap.Error(mErr))
		} else if rErr := c.repo.RecordMailboxEvent(ctx, c.ctx.ActiveFolder.ID, &MailboxUpdate{
			Command: UpdateFetch,
			UID:     msg.UID,
			ModSeq:  modseq,
			Flags:   toMessageFlags(newFlags),
			Ignore:  c.id,
		}); rErr != nil {
			c.logger.Warn("Failed to record mailbox event", zap.Error(rErr))
		}
		c.notifyHub.Notify(c.ctx.ActiveMailbox.ID, IdleNotification{
			Type:      UpdateFetch,
			MailboxID: c.ctx.ActiveMailbox.ID,
			UID:       msg.UID,
			Flags:     toMessageFlags(newFlags),
		})
	}

	command := "STORE"
	if uid {
		command = "UID STORE"
	}
	c.sendTagged(tag, "OK %s completed", command)
	return nil
}

// handleSearch handles the SEARCH command
func (c *Connection) handleSearch(tag, args string, uid bool) error {
	if !c.requireSelected(tag) {
		return nil
	}

	// Parse search criteria
	criteria := parseSearchCriteria(args)

	ctx, cancel := c.getContext()
	defer cancel()

	// Search messages
	results, err := c.searchMessages(ctx, c.ctx.ActiveFolder.ID, criteria, uid)
	if err != nil {
		c.logger.Error("Failed to search messages", zap.Error(err))
		c.sendTagged(tag, "NO SEARCH failed")
		return nil
	}

	command := "SEARCH"
	if uid {
		command = "UID SEARCH"
	}

	if len(results) > 0 {
		c.sendUntagged("SEARCH %s", strings.Join(results, " "))
	} else {
		c.sendUntagged("SEARCH")
	}

	c.sendTagged(tag, "OK %s completed", command)
	return nil
}

// handleExpunge handles the EXPUNGE command
func (c *Connection) handleExpunge(tag string) error {
	if !c.requireSelected(tag) {
		return nil
	}

	if c.ctx.ReadOnly {
		c.sendTagged(tag, "NO Mailbox is read-only")
		return nil
	}

	expunged := c.expungeMessages()

	// Emit EXPUNGE responses highest-sequence-first through the
	// Composer so ctx.Selected.UIDList stays authoritative for this
	// session too, not just for subscribers learning of the change
	// through the Notification Multiplexer (spec 4.3 sequence
	// bookkeeping). Descending order means each removal's index into
	// UIDList is still valid without recomputing shifted sequence
	// numbers for the remaining entries.
	for i := len(expunged) - 1; i >= 0; i-- {
		if err := c.composer.EmitExpunge(c.ctx.Selected, expunged[i]); err != nil {
			c.logger.Warn("Failed to emit EXPUNGE", zap.Error(err))
		}
	}

	c.sendTagged(tag, "OK EXPUNGE completed")
	return nil
}

// handleUIDExpunge handles UID EXPUNGE (RFC 4315): like EXPUNGE, but
// restricted to the \Deleted messages named in the given UID set.
func (c *Connection) handleUIDExpunge(tag, args string) error {
	if !c.requireSelected(tag) {
		return nil
	}

	if c.ctx.ReadOnly {
		c.sendTagged(tag, "NO Mailbox is read-only")
		return nil
	}

	uidSet := parseSequenceSet(strings.TrimSpace(args), 0xFFFFFFFF)
	if len(uidSet) == 0 {
		c.sendTagged(tag, "BAD Invalid UID set")
		return nil
	}
	allow := make(map[uint32]bool, len(uidSet))
	for _, uid := range uidSet {
		allow[uid] = true
	}

	expunged := c.expungeMessagesFiltered(allow)

	for i := len(expunged) - 1; i >= 0; i-- {
		if err := c.composer.EmitExpunge(c.ctx.Selected, expunged[i]); err != nil {
			c.logger.Warn("Failed to emit EXPUNGE", zap.Error(err))
		}
	}

	c.sendTagged(tag, "OK UID EXPUNGE completed")
	return nil
}

// handleAppend handles the APPEND command. Unlike the other handlers,
// its literal (the message body) is already fully read by the
// Assembler by the time this runs — the "+ Ready for literal data"
// continuation and the literal-size ceiling (spec 4.1) are the
// Assembler/Framer's job, not a second ad hoc read here.
func (c *Connection) handleAppend(tag, args string, literals [][]byte) error {
	if !c.requireAuth(tag) {
		return nil
	}

	// Parse APPEND arguments: mailbox [flags] [date-time]; the literal
	// itself travels in literals, not in args.
	mailboxName, flags, internalDate, err := parseAppendArgs(args)
	if err != nil {
		c.sendTagged(tag, "BAD %s", err.Error())
		return nil
	}
	if len(literals) == 0 {
		c.sendTagged(tag, "BAD APPEND requires a message literal")
		return nil
	}
	messageData := literals[len(literals)-1]

	mailbox, folderPath, err := c.parseMailboxPath(mailboxName)
	if err != nil {
		c.sendTagged(tag, "NO [TRYCREATE] %s", err.Error())
		return nil
	}

	ctx, cancel := c.getContext()
	defer cancel()

	folder, err := c.repo.GetFolderByPath(ctx, mailbox.ID, folderPath)
	if err != nil {
		c.sendTagged(tag, "NO [TRYCREATE] Mailbox does not exist")
		return nil
	}

	// Check quota
	quota, _ := c.repo.GetQuota(ctx, mailbox.ID)
	if quota != nil && quota.StorageUsed+int64(len(messageData)) > quota.StorageLimit {
		c.sendTagged(tag, "NO [OVERQUOTA] Quota exceeded")
		return nil
	}

	// Parse message
	size := int64(len(messageData))

	// Generate UID
	uid := folder.UIDNext

	// Create message record
	message := &Message{
		ID:         uuid.New().String(),
		MailboxID:  mailbox.ID,
		FolderID:   folder.ID,
		UID:        uid,
		Flags:      flags,
		Size:       size,
		ReceivedAt: internalDate,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}

	// Parse headers from message data
	message.Subject, message.From, message.To, message.MessageID, message.Date = parseMessageHeaders(string(messageData))

	// Store message
	if err := c.storeMessage(ctx, message, messageData); err != nil {
		c.logger.Error("Failed to store message", zap.Error(err))
		c.sendTagged(tag, "NO APPEND failed")
		return nil
	}

	// Update folder counters
	if err := c.repo.UpdateFolderCounts(ctx, folder.ID); err != nil {
		c.logger.Warn("Failed to update folder counts", zap.Error(err))
	}

	// Record the EXISTS change so the Notification Multiplexer of any
	// other session with this mailbox selected picks it up; ignore is
	// this session's id since its own APPEND doesn't echo to itself
	// (this connection isn't SELECTed on the destination in general).
	if modseq, mErr := c.repo.IncrementModSeq(ctx, folder.ID); mErr != nil {
		c.logger.Warn("Failed to increment modseq", zap.Error(mErr))
	} else if rErr := c.repo.RecordMailboxEvent(ctx, folder.ID, &MailboxUpdate{
		Command: UpdateExists,
		UID:     uid,
		ModSeq:  modseq,
		Ignore:  c.id,
	}); rErr != nil {
		c.logger.Warn("Failed to record mailbox event", zap.Error(rErr))
	}
	c.notifyHub.Notify(mailbox.ID, IdleNotification{Type: UpdateExists, MailboxID: mailbox.ID, UID: uid})

	c.logger.Info("Message appended",
		zap.String("folder", folderPath),
		zap.Uint32("uid", uid),
	)

	c.sendTagged(tag, "OK [APPENDUID %d %d] APPEND completed", folder.UIDValidity, uid)
	return nil
}

// buildFetchResponse builds FETCH response data
func (c *Connection) buildFetchResponse(msg *Message, items []string, uid bool) string {
	var parts []string

	for _, item := range items {
		upperItem := strings.ToUpper(item)

		switch {
		case upperItem == "FLAGS":
			flags := strings.Join(msg.Flags, " ")
			parts = append(parts, fmt.Sprintf("FLAGS (%s)", flags))

		case upperItem == "UID":
			parts = append(parts, fmt.Sprintf("UID %d", msg.UID))

		case upperItem == "INTERNALDATE":
			parts = append(parts, fmt.Sprintf(`INTERNALDATE "%s"`, msg.ReceivedAt.Format("02-Jan-2006 15:04:05 -0700")))

		case upperItem == "RFC822.SIZE":
			parts = append(parts, fmt.Sprintf("RFC822.SIZE %d", msg.Size))

		case upperItem == "ENVELOPE":
			parts = append(parts, fmt.Sprintf("ENVELOPE %s", c.buildEnvelope(msg)))

		case upperItem == "BODYSTRUCTURE":
			parts = append(parts, fmt.Sprintf("BODYSTRUCTURE %s", c.buildBodyStructure(msg)))

		case strings.HasPrefix(upperItem, "BODY[") || strings.HasPrefix(upperItem, "BODY.PEEK["):
			section := extractBodySection(item)
			data := c.fetchBodySection(msg, section)
			parts = append(parts, fmt.Sprintf("BODY[%s] {%d}\r\n%s", section, len(data), data))

		case upperItem == "RFC822":
			data := c.fetchFullMessage(msg)
			parts = append(parts, fmt.Sprintf("RFC822 {%d}\r\n%s", len(data), data))

		case upperItem == "RFC822.HEADER":
			data := c.fetchHeaders(msg)
			parts = append(parts, fmt.Sprintf("RFC822.HEADER {%d}\r\n%s", len(data), data))

		case upperItem == "RFC822.TEXT":
			data := c.fetchBody(msg)
			parts = append(parts, fmt.Sprintf("RFC822.TEXT {%d}\r\n%s", len(data), data))
		}
	}

	if uid {
		// Ensure UID is included
		hasUID := false
		for _, p := range parts {
			if strings.HasPrefix(p, "UID ") {
				hasUID = true
				break
			}
		}
		if !hasUID {
			parts = append(parts, fmt.Sprintf("UID %d", msg.UID))
		}
	}

	return "(" + strings.Join(parts, " ") + ")"
}

// parseFetchItems parses FETCH data items
func parseFetchItems(args string) []string {
	args = strings.TrimSpace(args)

	// Handle macros
	switch strings.ToUpper(args) {
	case "ALL":
		return []string{"FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE"}
	case "FAST":
		return []string{"FLAGS", "INTERNALDATE", "RFC822.SIZE"}
	case "FULL":
		return []string{"FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE", "BODYSTRUCTURE"}
	}

	// Handle parenthesized list
	if strings.HasPrefix(args, "(") && strings.HasSuffix(args, ")") {
		args = args[1 : len(args)-1]
	}

	return strings.Fields(args)
}

// parseFlagList parses a flag list from STORE command
func parseFlagList(args string) []string {
	args = strings.TrimSpace(args)
	if strings.HasPrefix(args, "(") && strings.HasSuffix(args, ")") {
		args = args[1 : len(args)-1]
	}
	return strings.Fields(args)
}

// parseSearchCriteria parses SEARCH criteria
func parseSearchCriteria(args string) []SearchKey {
	var criteria []SearchKey
	args = strings.TrimSpace(args)

	// Simple tokenization - production would need proper parsing
	tokens := strings.Fields(args)

	for i := 0; i < len(tokens); i++ {
		key := strings.ToUpper(tokens[i])
		criterion := SearchKey{Key: key}

		switch key {
		case "ALL", "ANSWERED", "DELETED", "DRAFT", "FLAGGED", "NEW", "OLD", "RECENT", "SEEN", "UNANSWERED", "UNDELETED", "UNDRAFT", "UNFLAGGED", "UNSEEN":
			// No value needed

		case "FROM", "TO", "CC", "BCC", "SUBJECT", "BODY", "TEXT":
			if i+1 < len(tokens) {
				i++
				criterion.Value = tokens[i]
			}

		case "BEFORE", "ON", "SINCE", "SENTBEFORE", "SENTON", "SENTSINCE":
			if i+1 < len(tokens) {
				i++
				criterion.Value = tokens[i]
			}

		case "LARGER", "SMALLER":
			if i+1 < len(tokens) {
				i++
				criterion.Value = tokens[i]
			}

		case "UID":
			if i+1 < len(tokens) {
				i++
				criterion.Value = tokens[i]
			}

		case "OR":
			// Would need to handle nested criteria
			continue

		case "NOT":
			// Would need to handle negation
			continue

		default:
			// Might be a sequence set
			criterion.Key = "SEQSET"
			criterion.Value = key
		}

		criteria = append(criteria, criterion)
	}

	return criteria
}

// applyFlagOperation applies flag changes and returns new flag list
func (c *Connection) applyFlagOperation(current, changes []string, operation string) []string {
	flagMap := make(map[string]bool)

	switch operation {
	case "add":
		for _, f := range current {
			flagMap[f] = true
		}
		for _, f := range changes {
			flagMap[f] = true
		}

	case "remove":
		for _, f := range current {
			flagMap[f] = true
		}
		for _, f := range changes {
			delete(flagMap, f)
		}

	case "replace":
		for _, f := range changes {
			flagMap[f] = true
		}
	}

	var result []string
	for f := range flagMap {
		result = append(result, f)
	}
	return result
}

// shouldMarkSeen checks if FETCH items should mark message as seen
func (c *Connection) shouldMarkSeen(items []string) bool {
	for _, item := range items {
		upper := strings.ToUpper(item)
		// BODY[...] without .PEEK marks as seen
		if strings.HasPrefix(upper, "BODY[") && !strings.HasPrefix(upper, "BODY.PEEK[") {
			return true
		}
		// RFC822 and RFC822.TEXT mark as seen
		if upper == "RFC822" || upper == "RFC822.TEXT" {
			return true
		}
	}
	return false
}

// expungeMessages removes every message carrying the \Deleted flag.
func (c *Connection) expungeMessages() []uint32 {
	return c.expungeMessagesFiltered(nil)
}

// expungeMessagesFiltered removes \Deleted messages, restricted to
// allow when non-nil (UID EXPUNGE's scoping, RFC 4315).
func (c *Connection) expungeMessagesFiltered(allow map[uint32]bool) []uint32 {
	ctx, cancel := c.getContext()
	defer cancel()

	messages, _ := c.repo.GetMessages(ctx, c.ctx.ActiveFolder.ID, 0, int(c.ctx.ActiveFolder.MessageCount)+1)

	var expunged []uint32
	for _, msg := range messages {
		if allow != nil && !allow[msg.UID] {
			continue
		}
		for _, flag := range msg.Flags {
			if flag == "\\Deleted" {
				// Delete message
				// Would call repo.DeleteMessage here
				expunged = append(expunged, msg.SequenceNum)

				if modseq, mErr := c.repo.IncrementModSeq(ctx, c.ctx.ActiveFolder.ID); mErr != nil {
					c.logger.Warn("Failed to increment modseq", zap.Error(mErr))
				} else if rErr := c.repo.RecordMailboxEvent(ctx, c.ctx.ActiveFolder.ID, &MailboxUpdate{
					Command: UpdateExpunge,
					UID:     msg.UID,
					ModSeq:  modseq,
					Ignore:  c.id,
				}); rErr != nil {
					c.logger.Warn("Failed to record mailbox event", zap.Error(rErr))
				}
				c.notifyHub.Notify(c.ctx.ActiveMailbox.ID, IdleNotification{
					Type:      UpdateExpunge,
					MailboxID: c.ctx.ActiveMailbox.ID,
					UID:       msg.UID,
					SeqNum:    msg.SequenceNum,
				})
				break
			}
		}
	}

	return expunged
}

// searchMessages searches messages based on criteria
func (c *Connection) searchMessages(ctx interface{}, folderID string, criteria []SearchKey, uid bool) ([]string, error) {
	// Implementation would build SQL query from criteria
	// For now, return empty results
	return []string{}, nil
}

// parseAppendArgs parses the mailbox/flags/date-time portion of APPEND
// command arguments. The literal itself is no longer described here —
// it arrives pre-read via the Assembler's Literals (spec 4.1, 4.2).
func parseAppendArgs(args string) (mailbox string, flags []string, internalDate time.Time, err error) {
	// Default values
	internalDate = time.Now()

	// Parse mailbox name
	parts := parseQuotedStrings(args)
	if len(parts) < 1 {
		err = fmt.Errorf("missing mailbox name")
		return
	}
	mailbox = parts[0]

	// Find flags if present
	flagStart := strings.Index(args, "(")
	flagEnd := strings.Index(args, ")")
	if flagStart != -1 && flagEnd != -1 {
		flagStr := args[flagStart+1 : flagEnd]
		flags = strings.Fields(flagStr)
	}

	// Find date-time if present
	dateStart := strings.Index(args, "\"")
	if dateStart > flagEnd {
		dateEnd := strings.Index(args[dateStart+1:], "\"")
		if dateEnd != -1 {
			dateStr := args[dateStart+1 : dateStart+1+dateEnd]
			if t, parseErr := time.Parse("02-Jan-2006 15:04:05 -0700", dateStr); parseErr == nil {
				internalDate = t
			}
		}
	}

	return
}

// parseMessageHeaders extracts common headers from message data
func parseMessageHeaders(data string) (subject, from, to, messageID string, date time.Time) {
	lines := strings.Split(data, "\r\n")
	for _, line := range lines {
		if line == "" {
			break // End of headers
		}

		lower := strings.ToLower(line)
		if strings.HasPrefix(lower, "subject:") {
			subject = strings.TrimSpace(line[8:])
		} else if strings.HasPrefix(lower, "from:") {
			from = strings.TrimSpace(line[5:])
		} else if strings.HasPrefix(lower, "to:") {
			to = strings.TrimSpace(line[3:])
		} else if strings.HasPrefix(lower, "message-id:") {
			messageID = strings.TrimSpace(line[11:])
		} else if strings.HasPrefix(lower, "date:") {
			dateStr := strings.TrimSpace(line[5:])
			// Try parsing common date formats
			formats := []string{
				time.RFC1123Z,
				time.RFC1123,
				time.RFC822Z,
				time.RFC822,
				"Mon, 2 Jan 2006 15:04:05 -0700",
			}
			for _, format := range formats {
				if t, err := time.Parse(format, dateStr); err == nil {
					date = t
					break
				}
			}
		}
	}
	return
}

// storeMessage stores message data
func (c *Connection) storeMessage(ctx interface{}, msg *Message, data []byte) error {
	// Would store to file system or object storage
	// And insert database record
	return nil
}

// extractBodySection extracts the section specifier from BODY[section]
func extractBodySection(item string) string {
	start := strings.Index(item, "[")
	end := strings.Index(item, "]")
	if start != -1 && end != -1 {
		return item[start+1 : end]
	}
	return ""
}

// buildEnvelope builds ENVELOPE response
func (c *Connection) buildEnvelope(msg *Message) string {
	// Simplified envelope structure
	return fmt.Sprintf(`("%s" NIL ((%s)) ((%s)) ((%s)) ((%s)) NIL NIL NIL "%s")`,
		msg.Date.Format("Mon, 02 Jan 2006 15:04:05 -0700"),
		msg.From,
		msg.From, // Sender
		msg.From, // Reply-To
		msg.To,
		msg.MessageID,
	)
}

// buildBodyStructure builds BODYSTRUCTURE response
func (c *Connection) buildBodyStructure(msg *Message) string {
	// Simplified body structure - would need actual MIME parsing
	return `("TEXT" "PLAIN" ("CHARSET" "UTF-8") NIL NIL "7BIT" 0 0)`
}

// fetchBodySection fetches a specific body section
func (c *Connection) fetchBodySection(msg *Message, section string) string {
	// Would fetch from storage based on section
	return ""
}

// fetchFullMessage fetches the complete message
func (c *Connection) fetchFullMessage(msg *Message) string {
	// Would fetch from storage
	return ""
}

// fetchHeaders fetches message headers
func (c *Connection) fetchHeaders(msg *Message) string {
	// Would fetch from storage
	return ""
}

// fetchBody fetches message body
func (c *Connection) fetchBody(msg *Message) string {
	// Would fetch from storage
	return ""
}

// decodeBase64 decodes base64 encoded string
func decodeBase64(s string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}
