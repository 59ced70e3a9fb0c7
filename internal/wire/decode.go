package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// DecodeClientMessage parses the protobuf wire-format bytes of a
// ClientMessage (as produced by EncodeClientMessage, sans length prefix).
func DecodeClientMessage(b []byte) (ClientMessage, error) {
	var msg ClientMessage
	var bodyBytes []byte
	var bodyField protowire.Number

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return msg, fmt.Errorf("wire: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fnClientID:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return msg, fmt.Errorf("wire: bad ClientMessage.id")
			}
			msg.ID = v
			b = b[n:]
		case fnClientSeq:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return msg, fmt.Errorf("wire: bad ClientMessage.seq")
			}
			msg.Seq = uint32(v)
			b = b[n:]
		case fnClientInit, fnClientRPC, fnClientAck, fnClientPing:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return msg, fmt.Errorf("wire: bad ClientMessage body")
			}
			bodyField = num
			bodyBytes = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return msg, fmt.Errorf("wire: bad unknown field %d", num)
			}
			b = b[n:]
		}
	}

	switch bodyField {
	case fnClientInit:
		body, err := decodeConnectionInit(bodyBytes)
		if err != nil {
			return msg, err
		}
		msg.Body = body
	case fnClientRPC:
		body, err := decodeRPCCall(bodyBytes)
		if err != nil {
			return msg, err
		}
		msg.Body = body
	case fnClientAck:
		body, err := decodeAck(bodyBytes)
		if err != nil {
			return msg, err
		}
		msg.Body = body
	case fnClientPing:
		body, err := decodePing(bodyBytes)
		if err != nil {
			return msg, err
		}
		msg.Body = body
	default:
		return msg, fmt.Errorf("wire: ClientMessage missing body")
	}
	return msg, nil
}

func decodeConnectionInit(b []byte) (ConnectionInit, error) {
	var m ConnectionInit
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, fmt.Errorf("wire: bad ConnectionInit tag")
		}
		b = b[n:]
		switch num {
		case fnInitToken:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return m, fmt.Errorf("wire: bad ConnectionInit.token")
			}
			m.Token = v
			b = b[n:]
		case fnInitBuild:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("wire: bad ConnectionInit.build")
			}
			m.Build = int32(uint32(v))
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, fmt.Errorf("wire: bad ConnectionInit unknown field")
			}
			b = b[n:]
		}
	}
	return m, nil
}

func decodeRPCCall(b []byte) (RpcCall, error) {
	var m RpcCall
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, fmt.Errorf("wire: bad RpcCall tag")
		}
		b = b[n:]
		switch num {
		case fnRPCMethod:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return m, fmt.Errorf("wire: bad RpcCall.method")
			}
			m.Method = v
			b = b[n:]
		case fnRPCInput:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return m, fmt.Errorf("wire: bad RpcCall.input")
			}
			m.Input = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, fmt.Errorf("wire: bad RpcCall unknown field")
			}
			b = b[n:]
		}
	}
	return m, nil
}

func decodeAck(b []byte) (Ack, error) {
	var m Ack
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, fmt.Errorf("wire: bad Ack tag")
		}
		b = b[n:]
		if num == fnAckMsgID {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("wire: bad Ack.msgId")
			}
			m.MsgID = v
			b = b[n:]
			continue
		}
		n := protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return m, fmt.Errorf("wire: bad Ack unknown field")
		}
		b = b[n:]
	}
	return m, nil
}

func decodePing(b []byte) (Ping, error) {
	var m Ping
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, fmt.Errorf("wire: bad Ping tag")
		}
		b = b[n:]
		if num == fnPingNonce {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("wire: bad Ping.nonce")
			}
			m.Nonce = v
			b = b[n:]
			continue
		}
		n := protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return m, fmt.Errorf("wire: bad Ping unknown field")
		}
		b = b[n:]
	}
	return m, nil
}

// DecodeServerMessage parses the protobuf wire-format bytes of a
// ServerProtocolMessage (as produced by EncodeServerMessage, sans length
// prefix).
func DecodeServerMessage(b []byte) (ServerProtocolMessage, error) {
	var msg ServerProtocolMessage
	var bodyBytes []byte
	var bodyField protowire.Number

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return msg, fmt.Errorf("wire: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fnServerID:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return msg, fmt.Errorf("wire: bad ServerProtocolMessage.id")
			}
			msg.ID = v
			b = b[n:]
		case fnServerOpen, fnServerResult, fnServerError, fnServerMessage, fnServerAck, fnServerPong:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return msg, fmt.Errorf("wire: bad ServerProtocolMessage body")
			}
			bodyField = num
			bodyBytes = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return msg, fmt.Errorf("wire: bad unknown field %d", num)
			}
			b = b[n:]
		}
	}

	switch bodyField {
	case fnServerOpen:
		msg.Body = ConnectionOpen{}
	case fnServerResult:
		body, err := decodeRPCResult(bodyBytes)
		if err != nil {
			return msg, err
		}
		msg.Body = body
	case fnServerError:
		body, err := decodeRPCError(bodyBytes)
		if err != nil {
			return msg, err
		}
		msg.Body = body
	case fnServerMessage:
		body, err := decodeServerUpdates(bodyBytes)
		if err != nil {
			return msg, err
		}
		msg.Body = body
	case fnServerAck:
		body, err := decodeAck(bodyBytes)
		if err != nil {
			return msg, err
		}
		msg.Body = body
	case fnServerPong:
		body, err := decodePongBody(bodyBytes)
		if err != nil {
			return msg, err
		}
		msg.Body = body
	default:
		return msg, fmt.Errorf("wire: ServerProtocolMessage missing body")
	}
	return msg, nil
}

func decodeRPCResult(b []byte) (RpcResult, error) {
	var m RpcResult
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, fmt.Errorf("wire: bad RpcResult tag")
		}
		b = b[n:]
		switch num {
		case fnResultReqMsgID:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("wire: bad RpcResult.reqMsgId")
			}
			m.ReqMsgID = v
			b = b[n:]
		case fnResultPayload:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return m, fmt.Errorf("wire: bad RpcResult.result")
			}
			m.Result = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, fmt.Errorf("wire: bad RpcResult unknown field")
			}
			b = b[n:]
		}
	}
	return m, nil
}

func decodeRPCError(b []byte) (RpcError, error) {
	var m RpcError
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, fmt.Errorf("wire: bad RpcError tag")
		}
		b = b[n:]
		switch num {
		case fnErrorReqMsgID:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("wire: bad RpcError.reqMsgId")
			}
			m.ReqMsgID = v
			b = b[n:]
		case fnErrorCode:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("wire: bad RpcError.code")
			}
			m.Code = RpcErrorCode(int64(v))
			b = b[n:]
		case fnErrorMessage:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return m, fmt.Errorf("wire: bad RpcError.message")
			}
			m.Message = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, fmt.Errorf("wire: bad RpcError unknown field")
			}
			b = b[n:]
		}
	}
	return m, nil
}

func decodeServerUpdates(b []byte) (ServerMessage, error) {
	var m ServerMessage
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, fmt.Errorf("wire: bad UpdatesPayload tag")
		}
		b = b[n:]
		if num == fnMessageUpdates {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return m, fmt.Errorf("wire: bad UpdatesPayload.updates")
			}
			u, err := decodeUpdate(v)
			if err != nil {
				return m, err
			}
			m.Updates = append(m.Updates, u)
			b = b[n:]
			continue
		}
		n := protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return m, fmt.Errorf("wire: bad UpdatesPayload unknown field")
		}
		b = b[n:]
	}
	return m, nil
}

func decodePongBody(b []byte) (Pong, error) {
	var m Pong
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, fmt.Errorf("wire: bad Pong tag")
		}
		b = b[n:]
		if num == fnPongNonce {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("wire: bad Pong.nonce")
			}
			m.Nonce = v
			b = b[n:]
			continue
		}
		n := protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return m, fmt.Errorf("wire: bad Pong unknown field")
		}
		b = b[n:]
	}
	return m, nil
}

func decodeUpdate(b []byte) (Update, error) {
	var u Update
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return u, fmt.Errorf("wire: bad Update tag")
		}
		b = b[n:]
		switch {
		case num == fnUpdateSeq:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return u, fmt.Errorf("wire: bad Update.seq")
			}
			u.Seq = int32(uint32(v))
			u.HasSeq = true
			b = b[n:]
		case num == fnUpdateDate:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return u, fmt.Errorf("wire: bad Update.date")
			}
			u.Date = int64(v)
			u.HasDate = true
			b = b[n:]
		case num == fnUpdateBucket:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return u, fmt.Errorf("wire: bad Update.bucket")
			}
			bucket, err := decodeBucketKey(v)
			if err != nil {
				return u, err
			}
			u.Bucket = bucket
			b = b[n:]
		case num >= fnUpdateVariantBase:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return u, fmt.Errorf("wire: bad Update variant")
			}
			kind := UpdateKind(int(num) - fnUpdateVariantBase)
			u.Kind = kind
			switch kind {
			case UpdateChatHasNewUpdates, UpdateSpaceHasNewUpdates:
				payload, err := decodeHasNewUpdates(v)
				if err != nil {
					return u, err
				}
				u.NewUpdates = payload
			default:
				u.Raw = append([]byte(nil), v...)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return u, fmt.Errorf("wire: bad Update unknown field")
			}
			b = b[n:]
		}
	}
	return u, nil
}

func decodeBucketKey(b []byte) (BucketKey, error) {
	var k BucketKey
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return k, fmt.Errorf("wire: bad BucketKey tag")
		}
		b = b[n:]
		switch num {
		case fnBucketKind:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return k, fmt.Errorf("wire: bad BucketKey.kind")
			}
			k.Kind = BucketKind(int32(v))
			b = b[n:]
		case fnBucketID:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return k, fmt.Errorf("wire: bad BucketKey.id")
			}
			k.ID = int64(v)
			b = b[n:]
		case fnBucketPeer:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return k, fmt.Errorf("wire: bad BucketKey.peer")
			}
			k.Peer = int64(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return k, fmt.Errorf("wire: bad BucketKey unknown field")
			}
			b = b[n:]
		}
	}
	return k, nil
}

func decodeHasNewUpdates(b []byte) (HasNewUpdatesPayload, error) {
	var p HasNewUpdatesPayload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return p, fmt.Errorf("wire: bad HasNewUpdates tag")
		}
		b = b[n:]
		switch num {
		case fnHasNewUpdatesChatID:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return p, fmt.Errorf("wire: bad HasNewUpdates.chatId")
			}
			p.ChatID = int64(v)
			b = b[n:]
		case fnHasNewUpdatesSpaceID:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return p, fmt.Errorf("wire: bad HasNewUpdates.spaceId")
			}
			p.SpaceID = int64(v)
			b = b[n:]
		case fnHasNewUpdatesSeq:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return p, fmt.Errorf("wire: bad HasNewUpdates.seq")
			}
			p.Seq = int64(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return p, fmt.Errorf("wire: bad HasNewUpdates unknown field")
			}
			b = b[n:]
		}
	}
	return p, nil
}

// ParseFrameLength decodes the 4-byte big-endian length prefix that
// WriteFrame puts in front of each payload. Transport implementations read
// the prefix themselves (framing differs between a raw TCP stream and a
// message-oriented WebSocket) and pass the payload straight to the Decode*
// functions above.
func ParseFrameLength(b [4]byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
