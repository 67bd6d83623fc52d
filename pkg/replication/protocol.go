// Package replication implements the leader-side segment server and
// replica-side sync agent: a binary, length-prefixed protocol that
// lets a replica pull sealed WAL segments and apply them locally.
package replication

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ddhadho/cityhall/pkg/wal"
	"github.com/google/uuid"
)

// MessageType tags every frame on the wire.
type MessageType uint8

const (
	MsgSyncRequest   MessageType = 0x01
	MsgSyncResponse  MessageType = 0x02
	MsgNoNewData     MessageType = 0x03
	MsgListSealed    MessageType = 0x04
	MsgSealedReply   MessageType = 0x05
	MsgFetchSegment  MessageType = 0x06
	MsgHeartbeat     MessageType = 0x07
	MsgHeartbeatAck  MessageType = 0x08
	MsgError         MessageType = 0xFF
)

// ErrorCode distinguishes the reasons an Error frame can be sent.
type ErrorCode uint8

const (
	ErrCodeSegmentNotAvailable ErrorCode = 1
	ErrCodeSegmentActive       ErrorCode = 2
	ErrCodeInternal            ErrorCode = 3
)

// BatchLimit caps how many records ride in a single SyncResponse frame,
// so a replica catching up after a long outage doesn't have to buffer
// an entire multi-hundred-megabyte segment in memory at once.
const BatchLimit = 1000

// frame is one length-prefixed message: a 4-byte big-endian length
// covering everything after it, then a 1-byte type, then the payload.
func writeFrame(w io.Writer, msgType MessageType, payload []byte) error {
	var hdr [5]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(payload)+1))
	hdr[4] = byte(msgType)
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("replication: write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("replication: write frame payload: %w", err)
		}
	}
	return nil
}

// readFrame reads one frame, returning its type and payload (excluding
// the type byte).
func readFrame(r io.Reader) (MessageType, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return 0, nil, fmt.Errorf("replication: empty frame")
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("replication: read frame body: %w", err)
	}
	return MessageType(body[0]), body[1:], nil
}

// SyncRequest asks for sealed segments the replica hasn't applied yet,
// identified by (segment, offset) so a partially-consumed batch within
// a segment can resume mid-stream.
type SyncRequest struct {
	Segment uint64
	Offset  uint32 // record index within the segment already applied
}

func encodeSyncRequest(r SyncRequest) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint64(buf[0:8], r.Segment)
	binary.BigEndian.PutUint32(buf[8:12], r.Offset)
	return buf
}

func decodeSyncRequest(b []byte) (SyncRequest, error) {
	if len(b) < 12 {
		return SyncRequest{}, fmt.Errorf("replication: truncated sync request")
	}
	return SyncRequest{
		Segment: binary.BigEndian.Uint64(b[0:8]),
		Offset:  binary.BigEndian.Uint32(b[8:12]),
	}, nil
}

// SyncResponse carries up to BatchLimit records from one segment,
// starting at the requested offset, plus whether more remain beyond
// this batch within the same segment.
type SyncResponse struct {
	Segment uint64
	Offset  uint32
	Records []*wal.Record
	HasMore bool
}

func encodeSyncResponse(resp SyncResponse) ([]byte, error) {
	var buf []byte
	var head [13]byte
	binary.BigEndian.PutUint64(head[0:8], resp.Segment)
	binary.BigEndian.PutUint32(head[8:12], resp.Offset)
	if resp.HasMore {
		head[12] = 1
	}
	buf = append(buf, head[:]...)

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(resp.Records)))
	buf = append(buf, countBuf[:]...)

	for _, r := range resp.Records {
		encoded, err := r.Encode(nil)
		if err != nil {
			return nil, err
		}
		var recLen [4]byte
		binary.BigEndian.PutUint32(recLen[:], uint32(len(encoded)))
		buf = append(buf, recLen[:]...)
		buf = append(buf, encoded...)
	}
	return buf, nil
}

func decodeSyncResponse(b []byte) (SyncResponse, error) {
	if len(b) < 17 {
		return SyncResponse{}, fmt.Errorf("replication: truncated sync response")
	}
	resp := SyncResponse{
		Segment: binary.BigEndian.Uint64(b[0:8]),
		Offset:  binary.BigEndian.Uint32(b[8:12]),
		HasMore: b[12] != 0,
	}
	count := binary.BigEndian.Uint32(b[13:17])
	pos := 17
	for i := uint32(0); i < count; i++ {
		if pos+4 > len(b) {
			return SyncResponse{}, fmt.Errorf("replication: truncated record length")
		}
		recLen := int(binary.BigEndian.Uint32(b[pos : pos+4]))
		pos += 4
		if pos+recLen > len(b) {
			return SyncResponse{}, fmt.Errorf("replication: truncated record body")
		}
		rec, err := wal.DecodeRecord(bytes.NewReader(b[pos : pos+recLen]))
		if err != nil {
			return SyncResponse{}, fmt.Errorf("replication: decode record: %w", err)
		}
		resp.Records = append(resp.Records, rec)
		pos += recLen
	}
	return resp, nil
}

// ListSealedReply enumerates the leader's sealed segments plus its
// current (active, unsealed) segment number.
type ListSealedReply struct {
	Sealed  []uint64
	Current uint64
}

func encodeListSealedReply(r ListSealedReply) []byte {
	buf := make([]byte, 4+8*len(r.Sealed)+8)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(r.Sealed)))
	off := 4
	for _, s := range r.Sealed {
		binary.BigEndian.PutUint64(buf[off:off+8], s)
		off += 8
	}
	binary.BigEndian.PutUint64(buf[off:off+8], r.Current)
	return buf
}

func decodeListSealedReply(b []byte) (ListSealedReply, error) {
	if len(b) < 4 {
		return ListSealedReply{}, fmt.Errorf("replication: truncated sealed list")
	}
	count := binary.BigEndian.Uint32(b[0:4])
	off := 4
	var reply ListSealedReply
	for i := uint32(0); i < count; i++ {
		if off+8 > len(b) {
			return ListSealedReply{}, fmt.Errorf("replication: truncated sealed list entries")
		}
		reply.Sealed = append(reply.Sealed, binary.BigEndian.Uint64(b[off:off+8]))
		off += 8
	}
	if off+8 > len(b) {
		return ListSealedReply{}, fmt.Errorf("replication: truncated sealed list current")
	}
	reply.Current = binary.BigEndian.Uint64(b[off : off+8])
	return reply, nil
}

// FetchSegment names the segment a replica wants, plus the record
// offset to resume from.
type FetchSegment struct {
	Segment uint64
	Offset  uint32
}

func encodeFetchSegment(f FetchSegment) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint64(buf[0:8], f.Segment)
	binary.BigEndian.PutUint32(buf[8:12], f.Offset)
	return buf
}

func decodeFetchSegment(b []byte) (FetchSegment, error) {
	if len(b) < 12 {
		return FetchSegment{}, fmt.Errorf("replication: truncated fetch request")
	}
	return FetchSegment{
		Segment: binary.BigEndian.Uint64(b[0:8]),
		Offset:  binary.BigEndian.Uint32(b[8:12]),
	}, nil
}

// ProtocolError is carried in an Error frame.
type ProtocolError struct {
	Code    ErrorCode
	Message string
}

func encodeProtocolError(e ProtocolError) []byte {
	buf := make([]byte, 1+len(e.Message))
	buf[0] = byte(e.Code)
	copy(buf[1:], e.Message)
	return buf
}

func decodeProtocolError(b []byte) (ProtocolError, error) {
	if len(b) < 1 {
		return ProtocolError{}, fmt.Errorf("replication: truncated error frame")
	}
	return ProtocolError{Code: ErrorCode(b[0]), Message: string(b[1:])}, nil
}

func (e ProtocolError) Error() string {
	return fmt.Sprintf("replication: leader error %d: %s", e.Code, e.Message)
}

// encodeHeartbeat carries the replica's stable identity, so the leader
// can track a replica's progress across reconnects instead of keying
// its registry on an ephemeral TCP source address.
func encodeHeartbeat(id uuid.UUID) []byte {
	b, _ := id.MarshalBinary()
	return b
}

func decodeHeartbeat(b []byte) (uuid.UUID, error) {
	if len(b) == 0 {
		return uuid.Nil, nil
	}
	var id uuid.UUID
	if err := id.UnmarshalBinary(b); err != nil {
		return uuid.Nil, fmt.Errorf("replication: decode heartbeat: %w", err)
	}
	return id, nil
}
