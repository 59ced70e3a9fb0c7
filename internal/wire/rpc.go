package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers for the getUpdates/getUpdatesState RPC payloads (spec §6.2).
// These ride inside RpcCall.Input/RpcResult.Result, which the session treats
// as opaque — only the sync engine encodes/decodes them, but the codec lives
// here alongside the rest of the wire-format logic.
const (
	fnGetUpdatesBucket        = 1
	fnGetUpdatesStartSeq      = 2
	fnGetUpdatesSeqEnd        = 3
	fnGetUpdatesTotalLimit    = 4
	fnGetUpdatesResultSeq     = 1
	fnGetUpdatesResultDate    = 2
	fnGetUpdatesResultFinal   = 3
	fnGetUpdatesResultType    = 4
	fnGetUpdatesResultUpdates = 5

	fnGetUpdatesStateDate = 1
)

// GetUpdatesInput is the request payload of the getUpdates RPC.
type GetUpdatesInput struct {
	Bucket        BucketKey
	StartSeq      int64
	SeqEnd        int64
	HasSeqEnd     bool
	TotalLimit    int32
	HasTotalLimit bool
}

// GetUpdatesResultType distinguishes a normal page from a server refusal to
// compute the delta (spec §6.2 resultType).
type GetUpdatesResultType int32

const (
	GetUpdatesOK GetUpdatesResultType = iota
	GetUpdatesTooLong
)

// GetUpdatesResult is the response payload of the getUpdates RPC.
type GetUpdatesResult struct {
	Seq        int64
	Date       int64
	Final      bool
	ResultType GetUpdatesResultType
	Updates    []Update
}

// GetUpdatesStateInput is the request payload of the getUpdatesState RPC.
type GetUpdatesStateInput struct {
	Date int64
}

// EncodeGetUpdatesInput serializes a getUpdates RPC request.
func EncodeGetUpdatesInput(in GetUpdatesInput) []byte {
	var b []byte
	b = appendEmbedded(b, fnGetUpdatesBucket, encodeBucketKey(in.Bucket))
	b = protowire.AppendTag(b, fnGetUpdatesStartSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(in.StartSeq))
	if in.HasSeqEnd {
		b = protowire.AppendTag(b, fnGetUpdatesSeqEnd, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(in.SeqEnd))
	}
	if in.HasTotalLimit {
		b = protowire.AppendTag(b, fnGetUpdatesTotalLimit, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(uint32(in.TotalLimit)))
	}
	return b
}

// DecodeGetUpdatesInput parses a getUpdates RPC request.
func DecodeGetUpdatesInput(b []byte) (GetUpdatesInput, error) {
	var in GetUpdatesInput
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return in, fmt.Errorf("wire: bad GetUpdatesInput tag")
		}
		b = b[n:]
		switch num {
		case fnGetUpdatesBucket:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return in, fmt.Errorf("wire: bad GetUpdatesInput.bucket")
			}
			bucket, err := decodeBucketKey(v)
			if err != nil {
				return in, err
			}
			in.Bucket = bucket
			b = b[n:]
		case fnGetUpdatesStartSeq:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return in, fmt.Errorf("wire: bad GetUpdatesInput.startSeq")
			}
			in.StartSeq = int64(v)
			b = b[n:]
		case fnGetUpdatesSeqEnd:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return in, fmt.Errorf("wire: bad GetUpdatesInput.seqEnd")
			}
			in.SeqEnd = int64(v)
			in.HasSeqEnd = true
			b = b[n:]
		case fnGetUpdatesTotalLimit:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return in, fmt.Errorf("wire: bad GetUpdatesInput.totalLimit")
			}
			in.TotalLimit = int32(uint32(v))
			in.HasTotalLimit = true
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return in, fmt.Errorf("wire: bad GetUpdatesInput unknown field")
			}
			b = b[n:]
		}
	}
	return in, nil
}

// EncodeGetUpdatesResult serializes a getUpdates RPC response.
func EncodeGetUpdatesResult(r GetUpdatesResult) []byte {
	var b []byte
	b = protowire.AppendTag(b, fnGetUpdatesResultSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Seq))
	b = protowire.AppendTag(b, fnGetUpdatesResultDate, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Date))
	b = protowire.AppendTag(b, fnGetUpdatesResultFinal, protowire.VarintType)
	b = protowire.AppendVarint(b, boolVarint(r.Final))
	b = protowire.AppendTag(b, fnGetUpdatesResultType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int32(r.ResultType)))
	for _, u := range r.Updates {
		b = appendEmbedded(b, fnGetUpdatesResultUpdates, encodeUpdate(u))
	}
	return b
}

// DecodeGetUpdatesResult parses a getUpdates RPC response.
func DecodeGetUpdatesResult(b []byte) (GetUpdatesResult, error) {
	var r GetUpdatesResult
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return r, fmt.Errorf("wire: bad GetUpdatesResult tag")
		}
		b = b[n:]
		switch num {
		case fnGetUpdatesResultSeq:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return r, fmt.Errorf("wire: bad GetUpdatesResult.seq")
			}
			r.Seq = int64(v)
			b = b[n:]
		case fnGetUpdatesResultDate:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return r, fmt.Errorf("wire: bad GetUpdatesResult.date")
			}
			r.Date = int64(v)
			b = b[n:]
		case fnGetUpdatesResultFinal:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return r, fmt.Errorf("wire: bad GetUpdatesResult.final")
			}
			r.Final = v != 0
			b = b[n:]
		case fnGetUpdatesResultType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return r, fmt.Errorf("wire: bad GetUpdatesResult.resultType")
			}
			r.ResultType = GetUpdatesResultType(int32(v))
			b = b[n:]
		case fnGetUpdatesResultUpdates:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return r, fmt.Errorf("wire: bad GetUpdatesResult.updates")
			}
			u, err := decodeUpdate(v)
			if err != nil {
				return r, err
			}
			r.Updates = append(r.Updates, u)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return r, fmt.Errorf("wire: bad GetUpdatesResult unknown field")
			}
			b = b[n:]
		}
	}
	return r, nil
}

// EncodeGetUpdatesStateInput serializes a getUpdatesState RPC request.
func EncodeGetUpdatesStateInput(in GetUpdatesStateInput) []byte {
	var b []byte
	b = protowire.AppendTag(b, fnGetUpdatesStateDate, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(in.Date))
	return b
}

// DecodeGetUpdatesStateInput parses a getUpdatesState RPC request.
func DecodeGetUpdatesStateInput(b []byte) (GetUpdatesStateInput, error) {
	var in GetUpdatesStateInput
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return in, fmt.Errorf("wire: bad GetUpdatesStateInput tag")
		}
		b = b[n:]
		if num == fnGetUpdatesStateDate {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return in, fmt.Errorf("wire: bad GetUpdatesStateInput.date")
			}
			in.Date = int64(v)
			b = b[n:]
			continue
		}
		n := protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return in, fmt.Errorf("wire: bad GetUpdatesStateInput unknown field")
		}
		b = b[n:]
	}
	return in, nil
}

func boolVarint(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}
