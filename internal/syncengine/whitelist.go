package syncengine

import "github.com/inline-chat/inline-sub014/internal/wire"

// catchupWhitelist is the set of update variants applied during bucket
// catch-up (spec §4.4 "catch-up whitelist"). Message content variants are
// excluded unless EnableMessageUpdates is on — catch-up re-streaming full
// message history is wasteful when a client fetches it lazily instead.
var catchupWhitelist = map[wire.UpdateKind]bool{
	wire.UpdateSpaceMemberAdd:    true,
	wire.UpdateSpaceMemberUpdate: true,
	wire.UpdateSpaceMemberDelete: true,
	wire.UpdateParticipantAdd:    true,
	wire.UpdateParticipantDelete: true,
	wire.UpdateChatVisibility:    true,
	wire.UpdateChatInfo:          true,
	wire.UpdateDeleteChat:        true,
	wire.UpdatePinnedMessages:    true,
	wire.UpdateDialogArchived:    true,
	wire.UpdateDeleteMessages:    true,
}

// messageUpdateKinds gates on SyncConfig.EnableMessageUpdates.
var messageUpdateKinds = map[wire.UpdateKind]bool{
	wire.UpdateNewMessage:             true,
	wire.UpdateEditMessage:            true,
	wire.UpdateMessageAttachment:      true,
	wire.UpdateNewMessageNotification: true,
}

// inCatchupWhitelist reports whether kind may be applied during a bucket
// catch-up fetch (as opposed to realtime delivery, where every direct
// update kind applies).
func inCatchupWhitelist(kind wire.UpdateKind, enableMessageUpdates bool) bool {
	if catchupWhitelist[kind] {
		return true
	}
	if enableMessageUpdates && messageUpdateKinds[kind] {
		return true
	}
	return false
}
