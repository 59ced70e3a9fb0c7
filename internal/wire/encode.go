package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers, preserved from the backend's .proto definitions (spec §6.1).
const (
	fnClientID   = 1
	fnClientSeq  = 2
	fnClientInit = 3
	fnClientRPC  = 4
	fnClientAck  = 5
	fnClientPing = 6

	fnInitToken = 1
	fnInitBuild = 2

	fnRPCMethod = 1
	fnRPCInput  = 2

	fnAckMsgID = 1

	fnPingNonce = 1

	fnServerID      = 1
	fnServerOpen    = 2
	fnServerResult  = 3
	fnServerError   = 4
	fnServerMessage = 5
	fnServerAck     = 6
	fnServerPong    = 7

	fnResultReqMsgID = 1
	fnResultPayload  = 2

	fnErrorReqMsgID = 1
	fnErrorCode     = 2
	fnErrorMessage  = 3

	fnMessageUpdates = 1

	fnPongNonce = 1

	fnUpdateSeq  = 1
	fnUpdateDate = 2
	// Update's oneof variants start at field 3; field number == UpdateKind+3.
	fnUpdateVariantBase = 3
	// fnUpdateBucket is reserved well past the last oneof variant field
	// (3 + len(UpdateKind) - 1) so new variants can be added without
	// colliding with it.
	fnUpdateBucket = 30

	fnBucketKind = 1
	fnBucketID   = 2
	fnBucketPeer = 3

	fnHasNewUpdatesChatID  = 1
	fnHasNewUpdatesSpaceID = 2
	fnHasNewUpdatesSeq     = 3
)

// maxFrameSize bounds the payload WriteFrame accepts for a single outgoing
// frame; decoding does not check it.
const maxFrameSize = 16 << 20 // 16 MiB

// EncodeClientMessage serializes msg to its protobuf wire-format bytes
// (without the length prefix — see WriteFrame).
func EncodeClientMessage(msg ClientMessage) []byte {
	var b []byte
	b = protowire.AppendTag(b, fnClientID, protowire.VarintType)
	b = protowire.AppendVarint(b, msg.ID)
	b = protowire.AppendTag(b, fnClientSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msg.Seq))

	switch body := msg.Body.(type) {
	case ConnectionInit:
		b = appendEmbedded(b, fnClientInit, encodeConnectionInit(body))
	case RpcCall:
		b = appendEmbedded(b, fnClientRPC, encodeRPCCall(body))
	case Ack:
		b = appendEmbedded(b, fnClientAck, encodeAck(body))
	case Ping:
		b = appendEmbedded(b, fnClientPing, encodePing(body))
	default:
		panic(fmt.Sprintf("wire: unknown ClientBody %T", body))
	}
	return b
}

func encodeConnectionInit(m ConnectionInit) []byte {
	var b []byte
	if m.Token != "" {
		b = protowire.AppendTag(b, fnInitToken, protowire.BytesType)
		b = protowire.AppendString(b, m.Token)
	}
	b = protowire.AppendTag(b, fnInitBuild, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(m.Build)))
	return b
}

func encodeRPCCall(m RpcCall) []byte {
	var b []byte
	b = protowire.AppendTag(b, fnRPCMethod, protowire.BytesType)
	b = protowire.AppendString(b, m.Method)
	if len(m.Input) > 0 {
		b = protowire.AppendTag(b, fnRPCInput, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Input)
	}
	return b
}

func encodeAck(m Ack) []byte {
	var b []byte
	b = protowire.AppendTag(b, fnAckMsgID, protowire.VarintType)
	b = protowire.AppendVarint(b, m.MsgID)
	return b
}

func encodePing(m Ping) []byte {
	var b []byte
	b = protowire.AppendTag(b, fnPingNonce, protowire.VarintType)
	b = protowire.AppendVarint(b, m.Nonce)
	return b
}

// EncodeServerMessage serializes msg to its protobuf wire-format bytes
// (without the length prefix). The client never produces these on the wire
// in production, but the encoder is kept symmetric for tests and for any
// embedding that fakes a server.
func EncodeServerMessage(msg ServerProtocolMessage) []byte {
	var b []byte
	b = protowire.AppendTag(b, fnServerID, protowire.VarintType)
	b = protowire.AppendVarint(b, msg.ID)

	switch body := msg.Body.(type) {
	case ConnectionOpen:
		b = appendEmbedded(b, fnServerOpen, nil)
	case RpcResult:
		b = appendEmbedded(b, fnServerResult, encodeRPCResult(body))
	case RpcError:
		b = appendEmbedded(b, fnServerError, encodeRPCError(body))
	case ServerMessage:
		b = appendEmbedded(b, fnServerMessage, encodeServerUpdates(body))
	case Ack:
		b = appendEmbedded(b, fnServerAck, encodeAck(body))
	case Pong:
		b = appendEmbedded(b, fnServerPong, encodePongBody(body))
	default:
		panic(fmt.Sprintf("wire: unknown ServerBody %T", body))
	}
	return b
}

func encodeRPCResult(m RpcResult) []byte {
	var b []byte
	b = protowire.AppendTag(b, fnResultReqMsgID, protowire.VarintType)
	b = protowire.AppendVarint(b, m.ReqMsgID)
	if len(m.Result) > 0 {
		b = protowire.AppendTag(b, fnResultPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Result)
	}
	return b
}

func encodeRPCError(m RpcError) []byte {
	var b []byte
	b = protowire.AppendTag(b, fnErrorReqMsgID, protowire.VarintType)
	b = protowire.AppendVarint(b, m.ReqMsgID)
	b = protowire.AppendTag(b, fnErrorCode, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(m.Code)))
	if m.Message != "" {
		b = protowire.AppendTag(b, fnErrorMessage, protowire.BytesType)
		b = protowire.AppendString(b, m.Message)
	}
	return b
}

func encodeServerUpdates(m ServerMessage) []byte {
	var b []byte
	for _, u := range m.Updates {
		b = appendEmbedded(b, fnMessageUpdates, encodeUpdate(u))
	}
	return b
}

func encodePongBody(m Pong) []byte {
	var b []byte
	b = protowire.AppendTag(b, fnPongNonce, protowire.VarintType)
	b = protowire.AppendVarint(b, m.Nonce)
	return b
}

func encodeUpdate(u Update) []byte {
	var b []byte
	if u.HasSeq {
		b = protowire.AppendTag(b, fnUpdateSeq, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(uint32(u.Seq)))
	}
	if u.HasDate {
		b = protowire.AppendTag(b, fnUpdateDate, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(u.Date))
	}

	if u.Kind == UpdateChatHasNewUpdates || u.Kind == UpdateSpaceHasNewUpdates {
		b = appendEmbedded(b, fnUpdateVariantBase+int(u.Kind), encodeHasNewUpdates(u.NewUpdates, u.Kind))
		return b
	}

	// Direct-update variants carry an opaque application payload the sync
	// engine and session do not need to interpret, plus a Bucket field so
	// the sync engine can route it without decoding Raw.
	b = appendEmbedded(b, fnUpdateVariantBase+int(u.Kind), u.Raw)
	b = appendEmbedded(b, fnUpdateBucket, encodeBucketKey(u.Bucket))
	return b
}

func encodeBucketKey(k BucketKey) []byte {
	var b []byte
	b = protowire.AppendTag(b, fnBucketKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int32(k.Kind)))
	if k.ID != 0 {
		b = protowire.AppendTag(b, fnBucketID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(k.ID))
	}
	if k.Peer != 0 {
		b = protowire.AppendTag(b, fnBucketPeer, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(k.Peer))
	}
	return b
}

func encodeHasNewUpdates(p HasNewUpdatesPayload, kind UpdateKind) []byte {
	var b []byte
	switch kind {
	case UpdateChatHasNewUpdates:
		b = protowire.AppendTag(b, fnHasNewUpdatesChatID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.ChatID))
	case UpdateSpaceHasNewUpdates:
		b = protowire.AppendTag(b, fnHasNewUpdatesSpaceID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.SpaceID))
	}
	b = protowire.AppendTag(b, fnHasNewUpdatesSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Seq))
	return b
}

func appendEmbedded(b []byte, field protowire.Number, payload []byte) []byte {
	b = protowire.AppendTag(b, field, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	return b
}

// WriteFrame writes a 4-byte big-endian length prefix followed by the
// protobuf-wire-format payload (spec §6.1: "length-prefixed protocol-buffer
// frames").
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameSize {
		return fmt.Errorf("wire: frame of %d bytes exceeds max %d", len(payload), maxFrameSize)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	return nil
}
