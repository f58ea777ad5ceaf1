// Package imap re-exports the data types from the types package so
// handler code can refer to them without an import alias.
package imap

import (
	"github.com/artpromedia/imap-engine/types"
)

// Type aliases for backward compatibility
type NamespaceMode = types.NamespaceMode
type MailboxType = types.MailboxType
type SpecialUse = types.SpecialUse
type MessageFlag = types.MessageFlag
type Permission = types.Permission
type User = types.User
type Organization = types.Organization
type Domain = types.Domain
type Mailbox = types.Mailbox
type SharedMailboxAccess = types.SharedMailboxAccess
type Folder = types.Folder
type Message = types.Message
type Quota = types.Quota
type Namespace = types.Namespace
type NamespaceResponse = types.NamespaceResponse
type ConnectionContext = types.ConnectionContext
type FolderList = types.FolderList
type SelectResponse = types.SelectResponse
type FetchItem = types.FetchItem
type SearchKey = types.SearchKey
type CopyMoveRequest = types.CopyMoveRequest
type AuditLog = types.AuditLog
type ConnectionState = types.ConnectionState
type SelectedMailbox = types.SelectedMailbox
type MailboxUpdate = types.MailboxUpdate
type ResponseAttribute = types.ResponseAttribute
type AttributeKind = types.AttributeKind
type StreamAttribute = types.StreamAttribute
type ResponseRecord = types.ResponseRecord
type CommandRecord = types.CommandRecord
type IdleNotification = types.IdleNotification

// Re-export constants
const (
	NamespaceModeUnified         = types.NamespaceModeUnified
	NamespaceModeDomainSeparated = types.NamespaceModeDomainSeparated

	MailboxTypePersonal = types.MailboxTypePersonal
	MailboxTypeShared   = types.MailboxTypeShared
	MailboxTypeDomain   = types.MailboxTypeDomain

	SpecialUseInbox     = types.SpecialUseInbox
	SpecialUseSent      = types.SpecialUseSent
	SpecialUseDrafts    = types.SpecialUseDrafts
	SpecialUseTrash     = types.SpecialUseTrash
	SpecialUseJunk      = types.SpecialUseJunk
	SpecialUseArchive   = types.SpecialUseArchive
	SpecialUseFlagged   = types.SpecialUseFlagged
	SpecialUseAll       = types.SpecialUseAll
	SpecialUseImportant = types.SpecialUseImportant

	FlagSeen     = types.FlagSeen
	FlagAnswered = types.FlagAnswered
	FlagFlagged  = types.FlagFlagged
	FlagDeleted  = types.FlagDeleted
	FlagDraft    = types.FlagDraft
	FlagRecent   = types.FlagRecent

	PermissionRead      = types.PermissionRead
	PermissionWrite     = types.PermissionWrite
	PermissionInsert    = types.PermissionInsert
	PermissionDelete    = types.PermissionDelete
	PermissionAdmin     = types.PermissionAdmin
	PermissionReadWrite = types.PermissionReadWrite

	FetchItemAll           = types.FetchItemAll
	FetchItemFast          = types.FetchItemFast
	FetchItemFull          = types.FetchItemFull
	FetchItemEnvelope      = types.FetchItemEnvelope
	FetchItemFlags         = types.FetchItemFlags
	FetchItemInternalDate  = types.FetchItemInternalDate
	FetchItemRFC822        = types.FetchItemRFC822
	FetchItemRFC822Header  = types.FetchItemRFC822Header
	FetchItemRFC822Size    = types.FetchItemRFC822Size
	FetchItemRFC822Text    = types.FetchItemRFC822Text
	FetchItemBody          = types.FetchItemBody
	FetchItemBodyStructure = types.FetchItemBodyStructure
	FetchItemUID           = types.FetchItemUID
	FetchItemModSeq        = types.FetchItemModSeq

	StateNotAuthenticated = types.StateNotAuthenticated
	StateAuthenticated    = types.StateAuthenticated
	StateSelected         = types.StateSelected
	StateLogout           = types.StateLogout
	StateClosed           = types.StateClosed

	UpdateExists  = types.UpdateExists
	UpdateExpunge = types.UpdateExpunge
	UpdateFetch   = types.UpdateFetch

	AttrAtom    = types.AttrAtom
	AttrString  = types.AttrString
	AttrLiteral = types.AttrLiteral
	AttrNil     = types.AttrNil
	AttrList    = types.AttrList
	AttrStream  = types.AttrStream
)
