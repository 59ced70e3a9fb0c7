// Package wire defines the client↔server protocol messages and their
// length-prefixed protobuf-wire-format encoding.
//
// Field numbers are chosen to match the backend's real .proto definitions
// (see spec §6.1) so a generated peer decodes the same bytes; encoding is
// hand-written against google.golang.org/protobuf/encoding/protowire rather
// than protoc-generated code, since no protoc toolchain is available here.
package wire

import "fmt"

// RpcErrorCode enumerates the typed error codes the server can attach to an
// RpcError reply.
type RpcErrorCode int32

const (
	ErrUnknown RpcErrorCode = iota
	ErrBadRequest
	ErrUnauthenticated
	ErrRateLimit
	ErrInternalError
	ErrPeerIDInvalid
	ErrMessageIDInvalid
	ErrUserIDInvalid
	ErrUserAlreadyMember
	ErrSpaceIDInvalid
	ErrChatIDInvalid
	ErrEmailInvalid
	ErrPhoneNumberInvalid
	ErrSpaceAdminRequired
	ErrSpaceOwnerRequired
)

func (c RpcErrorCode) String() string {
	switch c {
	case ErrBadRequest:
		return "BAD_REQUEST"
	case ErrUnauthenticated:
		return "UNAUTHENTICATED"
	case ErrRateLimit:
		return "RATE_LIMIT"
	case ErrInternalError:
		return "INTERNAL_ERROR"
	case ErrPeerIDInvalid:
		return "PEER_ID_INVALID"
	case ErrMessageIDInvalid:
		return "MESSAGE_ID_INVALID"
	case ErrUserIDInvalid:
		return "USER_ID_INVALID"
	case ErrUserAlreadyMember:
		return "USER_ALREADY_MEMBER"
	case ErrSpaceIDInvalid:
		return "SPACE_ID_INVALID"
	case ErrChatIDInvalid:
		return "CHAT_ID_INVALID"
	case ErrEmailInvalid:
		return "EMAIL_INVALID"
	case ErrPhoneNumberInvalid:
		return "PHONE_NUMBER_INVALID"
	case ErrSpaceAdminRequired:
		return "SPACE_ADMIN_REQUIRED"
	case ErrSpaceOwnerRequired:
		return "SPACE_OWNER_REQUIRED"
	default:
		return "UNKNOWN"
	}
}

// ClientBody is the oneof payload of a ClientMessage.
type ClientBody interface{ isClientBody() }

// ConnectionInit authenticates a freshly connected transport.
type ConnectionInit struct {
	Token string
	Build int32
}

// RpcCall invokes a server method. Input is the caller-supplied,
// already-serialized argument payload (opaque to the session).
type RpcCall struct {
	Method string
	Input  []byte
}

// Ack acknowledges receipt of a server message by id.
type Ack struct {
	MsgID uint64
}

// Ping carries a client-chosen nonce the server must echo back in Pong.
type Ping struct {
	Nonce uint64
}

func (ConnectionInit) isClientBody() {}
func (RpcCall) isClientBody()        {}
func (Ack) isClientBody()            {}
func (Ping) isClientBody()           {}

// ClientMessage is the top-level client→server envelope.
type ClientMessage struct {
	ID   uint64
	Seq  uint32
	Body ClientBody
}

// ServerBody is the oneof payload of a ServerProtocolMessage.
type ServerBody interface{ isServerBody() }

// ConnectionOpen confirms a successful ConnectionInit handshake.
type ConnectionOpen struct{}

// RpcResult carries the successful result of a prior RpcCall.
type RpcResult struct {
	ReqMsgID uint64
	Result   []byte
}

// RpcError carries a failed RpcCall outcome.
type RpcError struct {
	ReqMsgID uint64
	Code     RpcErrorCode
	Message  string
}

// ServerMessage carries a batch of pushed updates.
type ServerMessage struct {
	Updates []Update
}

// Pong answers a Ping, echoing its nonce.
type Pong struct {
	Nonce uint64
}

func (ConnectionOpen) isServerBody() {}
func (RpcResult) isServerBody()      {}
func (RpcError) isServerBody()       {}
func (ServerMessage) isServerBody()  {}
func (Ack) isServerBody()            {}
func (Pong) isServerBody()           {}

// ServerProtocolMessage is the top-level server→client envelope.
type ServerProtocolMessage struct {
	ID   uint64
	Body ServerBody
}

// BucketKind distinguishes the three bucket scopes of the update sequence.
type BucketKind int8

const (
	BucketChat BucketKind = iota
	BucketSpace
	BucketUser
)

// BucketKey identifies a single monotonic-sequence scope.
type BucketKey struct {
	Kind BucketKind
	// ID is the chat/space id for BucketChat/BucketSpace; zero for BucketUser.
	ID int64
	// Peer distinguishes a chat bucket's counterparty (user or thread) when
	// Kind == BucketChat; zero for the other kinds.
	Peer int64
}

// UpdateKind enumerates Update's ~20 payload variants (spec §6.1).
type UpdateKind int32

const (
	UpdateNewMessage UpdateKind = iota
	UpdateEditMessage
	UpdateDeleteMessages
	UpdateMessageAttachment
	UpdateUpdateReaction
	UpdateDeleteReaction
	UpdateNewChat
	UpdateDeleteChat
	UpdateChatVisibility
	UpdateChatInfo
	UpdateParticipantAdd
	UpdateParticipantDelete
	UpdateSpaceMemberAdd
	UpdateSpaceMemberDelete
	UpdateSpaceMemberUpdate
	UpdateJoinSpace
	UpdateUpdateUserStatus
	UpdateUpdateUserSettings
	UpdateDialogArchived
	UpdatePinnedMessages
	UpdateMarkAsUnread
	UpdateUpdateReadMaxId
	UpdateNewMessageNotification
	// UpdateChatHasNewUpdates and UpdateSpaceHasNewUpdates are notifications,
	// not direct updates: they never reach ApplyUpdates, they trigger a
	// bucket fetch instead (spec §3, §4.4).
	UpdateChatHasNewUpdates
	UpdateSpaceHasNewUpdates
)

var updateKindNames = map[UpdateKind]string{
	UpdateNewMessage:             "newMessage",
	UpdateEditMessage:            "editMessage",
	UpdateDeleteMessages:         "deleteMessages",
	UpdateMessageAttachment:      "messageAttachment",
	UpdateUpdateReaction:         "updateReaction",
	UpdateDeleteReaction:         "deleteReaction",
	UpdateNewChat:                "newChat",
	UpdateDeleteChat:             "deleteChat",
	UpdateChatVisibility:         "chatVisibility",
	UpdateChatInfo:               "chatInfo",
	UpdateParticipantAdd:         "participantAdd",
	UpdateParticipantDelete:      "participantDelete",
	UpdateSpaceMemberAdd:         "spaceMemberAdd",
	UpdateSpaceMemberDelete:      "spaceMemberDelete",
	UpdateSpaceMemberUpdate:      "spaceMemberUpdate",
	UpdateJoinSpace:              "joinSpace",
	UpdateUpdateUserStatus:       "updateUserStatus",
	UpdateUpdateUserSettings:     "updateUserSettings",
	UpdateDialogArchived:         "dialogArchived",
	UpdatePinnedMessages:         "pinnedMessages",
	UpdateMarkAsUnread:           "markAsUnread",
	UpdateUpdateReadMaxId:        "updateReadMaxId",
	UpdateNewMessageNotification: "newMessageNotification",
	UpdateChatHasNewUpdates:      "chatHasNewUpdates",
	UpdateSpaceHasNewUpdates:     "spaceHasNewUpdates",
}

func (k UpdateKind) String() string {
	if name, ok := updateKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("updateKind(%d)", int32(k))
}

// HasNewUpdatesPayload is the payload of the two notification variants.
type HasNewUpdatesPayload struct {
	// ChatID is set for UpdateChatHasNewUpdates, SpaceID for UpdateSpaceHasNewUpdates.
	ChatID  int64
	SpaceID int64
	Seq     int64
}

// Update is a single pushed change. Raw holds the opaque, not-further
// modeled payload bytes for direct-update kinds — the session and sync
// engine route on Kind/Seq/Date without needing to fully decode every one of
// the ~20 application payloads; ApplyUpdates (an external collaborator,
// spec §6.3) owns the full decode.
//
// Bucket identifies the scope a direct update belongs to. The real backend
// embeds a chat/space/user scoping field in every update variant it sends
// (so the client can route it to the right bucket without decoding the
// full opaque payload); Bucket models that as an explicit wire field rather
// than requiring the sync engine to understand all ~20 variant schemas.
type Update struct {
	Seq     int32 // 0 = absent
	HasSeq  bool
	Date    int64 // 0 = absent
	HasDate bool

	Kind   UpdateKind
	Raw    []byte
	Bucket BucketKey

	// NewUpdates is populated only when Kind is one of the two notification
	// variants.
	NewUpdates HasNewUpdatesPayload
}

// IsNotification reports whether this update is a *HasNewUpdates
// notification rather than a directly-applicable change (spec §3, §4.4).
func (u Update) IsNotification() bool {
	return u.Kind == UpdateChatHasNewUpdates || u.Kind == UpdateSpaceHasNewUpdates
}

// NotificationBucket returns the BucketKey a notification update refers to.
// Only valid when IsNotification() is true.
func (u Update) NotificationBucket() BucketKey {
	switch u.Kind {
	case UpdateChatHasNewUpdates:
		return BucketKey{Kind: BucketChat, ID: u.NewUpdates.ChatID}
	case UpdateSpaceHasNewUpdates:
		return BucketKey{Kind: BucketSpace, ID: u.NewUpdates.SpaceID}
	default:
		return BucketKey{}
	}
}
