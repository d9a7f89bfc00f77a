package wire

import (
	"encoding/binary"
	"fmt"
)

// FragmentHeaderLen is the fixed length of a handshake fragment header:
// message type, 24-bit message length, message sequence number, 24-bit
// fragment offset and 24-bit fragment length.
const FragmentHeaderLen = 1 + 3 + 2 + 3 + 3

// HandshakeFragment carries one fragment of one logical handshake
// message, as found in the payload of a handshake record.
type HandshakeFragment struct {
	MsgType    HandshakeType
	MsgLen     uint32
	MsgSeq     uint16
	FragOffset uint32
	FragLen    uint32
	Frag       []byte
}

func (hsf HandshakeFragment) String() string {
	return fmt.Sprintf(
		"HandshakeFragment(type=%d, msg_len=%d, msg_seq=%d, frag_offset=%d, frag_len=%d)",
		hsf.MsgType, hsf.MsgLen, hsf.MsgSeq, hsf.FragOffset, hsf.FragLen)
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func uint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// EncodeHandshakeFragment serializes a HandshakeFragment into its 12-byte
// header plus fragment bytes.
func EncodeHandshakeFragment(hsf HandshakeFragment) []byte {
	buf := make([]byte, FragmentHeaderLen+len(hsf.Frag))
	buf[0] = byte(hsf.MsgType)
	putUint24(buf[1:4], hsf.MsgLen)
	binary.BigEndian.PutUint16(buf[4:6], hsf.MsgSeq)
	putUint24(buf[6:9], hsf.FragOffset)
	putUint24(buf[9:12], hsf.FragLen)
	copy(buf[FragmentHeaderLen:], hsf.Frag)
	return buf
}

// DecodeHandshakeFragment parses a handshake fragment from a record
// payload. The fragment bytes alias the input.
func DecodeHandshakeFragment(payload []byte) (HandshakeFragment, error) {
	var hsf HandshakeFragment

	if len(payload) < FragmentHeaderLen {
		return hsf, badPacket("bad handshake message header")
	}

	hsf.MsgType = HandshakeType(payload[0])
	hsf.MsgLen = uint24(payload[1:4])
	hsf.MsgSeq = binary.BigEndian.Uint16(payload[4:6])
	hsf.FragOffset = uint24(payload[6:9])
	hsf.FragLen = uint24(payload[9:12])
	hsf.Frag = payload[FragmentHeaderLen:]

	if uint32(len(hsf.Frag)) != hsf.FragLen {
		return hsf, badPacket("handshake fragment length doesn't match record length")
	}

	return hsf, nil
}
