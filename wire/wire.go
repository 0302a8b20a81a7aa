// Package wire implements the fixed on-wire headers shared by every
// transport: the LargeUdp chunk header (spec §4.1/§6) and the pub/sub frame
// header (spec §4.2/§6). Both are fixed-size encodings written
// little-endian whatever the host byte order, so on a big-endian host they
// are not in host order, matching the teacher's preference
// for small value types with explicit Marshal/Unmarshal pairs (cf.
// message.Framing in the teacher).
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ChunkHeaderSize is the fixed size in bytes of a ChunkHeader.
const ChunkHeaderSize = 16

// ChunkHeader is the 16-byte reassembly header prefixed to every LargeUdp
// datagram (spec §4.1, §6): {msg_ident, total_msg_size, part_msg_size, offset},
// each a little-endian uint32.
type ChunkHeader struct {
	MsgIdent     uint32
	TotalMsgSize uint32
	PartMsgSize  uint32
	Offset       uint32
}

// ErrShortBuffer is returned when a buffer is too small to hold a header.
var ErrShortBuffer = errors.New("wire: buffer too short")

// Put encodes the ChunkHeader into the first ChunkHeaderSize bytes of buf.
func (h ChunkHeader) Put(buf []byte) error {
	if len(buf) < ChunkHeaderSize {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint32(buf[0:4], h.MsgIdent)
	binary.LittleEndian.PutUint32(buf[4:8], h.TotalMsgSize)
	binary.LittleEndian.PutUint32(buf[8:12], h.PartMsgSize)
	binary.LittleEndian.PutUint32(buf[12:16], h.Offset)
	return nil
}

// ParseChunkHeader decodes a ChunkHeader from the first ChunkHeaderSize
// bytes of buf.
func ParseChunkHeader(buf []byte) (ChunkHeader, error) {
	if len(buf) < ChunkHeaderSize {
		return ChunkHeader{}, ErrShortBuffer
	}
	return ChunkHeader{
		MsgIdent:     binary.LittleEndian.Uint32(buf[0:4]),
		TotalMsgSize: binary.LittleEndian.Uint32(buf[4:8]),
		PartMsgSize:  binary.LittleEndian.Uint32(buf[8:12]),
		Offset:       binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}

// TopicFieldSize is the size in bytes of the NUL-padded topic field within
// a FrameHeader.
const TopicFieldSize = 1024

// FrameHeaderSize is the fixed size of a FrameHeader, not including the
// trailing payload_size/payload.
const FrameHeaderSize = TopicFieldSize + 4 + 1 + 1

// FrameHeader is the fixed header common to every transport (spec §4.2,
// §6): {topic[1024] NUL-padded, type uint32, major uint8, minor uint8},
// followed on the wire by {payload_size uint32}{payload_bytes...}.
type FrameHeader struct {
	Topic      string
	MsgTypeID  uint32
	MsgVersion MsgVersion
}

// MsgVersion is a (major, minor) message schema version (spec §3, §7).
type MsgVersion struct {
	Major uint8
	Minor uint8
}

// ErrTopicTooLong is returned when a topic name cannot fit in TopicFieldSize.
var ErrTopicTooLong = errors.New("wire: topic name exceeds 1024 bytes")

// PutFrameHeader encodes h into the first FrameHeaderSize bytes of buf.
func PutFrameHeader(h FrameHeader, buf []byte) error {
	if len(buf) < FrameHeaderSize {
		return ErrShortBuffer
	}
	if len(h.Topic) > TopicFieldSize {
		return ErrTopicTooLong
	}
	for i := range buf[:TopicFieldSize] {
		buf[i] = 0
	}
	copy(buf[0:TopicFieldSize], h.Topic)
	binary.LittleEndian.PutUint32(buf[TopicFieldSize:TopicFieldSize+4], h.MsgTypeID)
	buf[TopicFieldSize+4] = h.MsgVersion.Major
	buf[TopicFieldSize+5] = h.MsgVersion.Minor
	return nil
}

// ParseFrameHeader decodes a FrameHeader from the first FrameHeaderSize
// bytes of buf.
func ParseFrameHeader(buf []byte) (FrameHeader, error) {
	if len(buf) < FrameHeaderSize {
		return FrameHeader{}, ErrShortBuffer
	}
	var topicEnd = 0
	for topicEnd < TopicFieldSize && buf[topicEnd] != 0 {
		topicEnd++
	}
	return FrameHeader{
		Topic:     string(buf[0:topicEnd]),
		MsgTypeID: binary.LittleEndian.Uint32(buf[TopicFieldSize : TopicFieldSize+4]),
		MsgVersion: MsgVersion{
			Major: buf[TopicFieldSize+4],
			Minor: buf[TopicFieldSize+5],
		},
	}, nil
}

// PutPayloadSize encodes the payload size prefix following a FrameHeader.
func PutPayloadSize(n uint32, buf []byte) error {
	if len(buf) < 4 {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint32(buf[0:4], n)
	return nil
}

// ParsePayloadSize decodes the payload size prefix following a FrameHeader.
func ParsePayloadSize(buf []byte) (uint32, error) {
	if len(buf) < 4 {
		return 0, ErrShortBuffer
	}
	return binary.LittleEndian.Uint32(buf[0:4]), nil
}

// CompatibleVersion implements the checkVersion rule of spec §7/§9(a):
// receiver's major must equal sender's, and sender's minor must be >= the
// receiver's minor for the message to be deliverable.
func CompatibleVersion(sender, receiver MsgVersion) bool {
	return sender.Major == receiver.Major && sender.Minor >= receiver.Minor
}
