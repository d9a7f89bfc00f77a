// Package wire implements the plaintext framing of DTLS 1.2 (RFC 6347):
// record headers, handshake fragment headers and just enough ClientHello
// parsing to drive a cookie exchange. All functions are pure and perform
// no I/O.
//
// Decoding functions handle untrusted network data. They must only ever
// fail with a *BadPacketError; an index panic or a raw parsing error
// escaping this package is a bug.
package wire

import (
	"encoding/binary"
	"fmt"
)

// ContentType is the first octet of a DTLS record. A comprehensive list
// is maintained by the IANA under "TLS ContentType".
type ContentType uint8

const (
	ContentChangeCipherSpec ContentType = 20
	ContentAlert            ContentType = 21
	ContentHandshake        ContentType = 22
	ContentApplicationData  ContentType = 23
	ContentHeartbeat        ContentType = 24
)

func (ct ContentType) String() string {
	switch ct {
	case ContentChangeCipherSpec:
		return "change_cipher_spec"
	case ContentAlert:
		return "alert"
	case ContentHandshake:
		return "handshake"
	case ContentApplicationData:
		return "application_data"
	case ContentHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("unknown content type %d", uint8(ct))
	}
}

// HandshakeType is the first octet of a handshake message.
type HandshakeType uint8

const (
	HandshakeClientHello        HandshakeType = 1
	HandshakeServerHello        HandshakeType = 2
	HandshakeHelloVerifyRequest HandshakeType = 3
	HandshakeCertificate        HandshakeType = 11
	HandshakeServerKeyExchange  HandshakeType = 12
	HandshakeCertificateRequest HandshakeType = 13
	HandshakeServerHelloDone    HandshakeType = 14
	HandshakeCertificateVerify  HandshakeType = 15
	HandshakeClientKeyExchange  HandshakeType = 16
	HandshakeFinished           HandshakeType = 20
)

// Version is the two-octet protocol version of a record. DTLS inverts the
// TLS version numbers, so 1.0 is {254, 255} and 1.2 is {254, 253}.
type Version [2]byte

var (
	VersionDTLS10 = Version{254, 255}
	VersionDTLS12 = Version{254, 253}
)

const (
	// RecordHeaderLen is the fixed length of a DTLS record header:
	// content type, version, epoch+seqno and payload length.
	RecordHeaderLen = 1 + 2 + 8 + 2

	// EpochMask selects the two epoch octets within an epoch+seqno field.
	EpochMask uint64 = 0xffff << 48
)

// Record is one DTLS record. The epoch and the 48-bit sequence number are
// kept as a single uint64, with the epoch occupying the top 16 bits; an
// epoch change is a jump forward by 2^48.
type Record struct {
	ContentType ContentType
	Version     Version
	EpochSeqno  uint64
	Payload     []byte
}

func (r Record) String() string {
	return fmt.Sprintf("Record(%v, version=%x, epoch_seqno=%d, payload=%x)",
		r.ContentType, r.Version, r.EpochSeqno, r.Payload)
}

// EncodeRecord serializes a Record into its 13-byte header plus payload.
func EncodeRecord(r Record) []byte {
	buf := make([]byte, RecordHeaderLen+len(r.Payload))
	buf[0] = byte(r.ContentType)
	copy(buf[1:3], r.Version[:])
	binary.BigEndian.PutUint64(buf[3:11], r.EpochSeqno)
	binary.BigEndian.PutUint16(buf[11:13], uint16(len(r.Payload)))
	copy(buf[RecordHeaderLen:], r.Payload)
	return buf
}

// DecodeRecords parses all records from one datagram. The payloads alias
// the input buffer and are not copied.
func DecodeRecords(packet []byte) ([]Record, error) {
	var records []Record

	for i := 0; i < len(packet); {
		if len(packet)-i < RecordHeaderLen {
			return nil, badPacket("truncated record header")
		}

		var r Record
		r.ContentType = ContentType(packet[i])
		copy(r.Version[:], packet[i+1:i+3])
		r.EpochSeqno = binary.BigEndian.Uint64(packet[i+3 : i+11])
		payloadLen := int(binary.BigEndian.Uint16(packet[i+11 : i+13]))
		i += RecordHeaderLen

		if len(packet)-i < payloadLen {
			return nil, badPacket("short record")
		}
		r.Payload = packet[i : i+payloadLen]
		i += payloadLen

		records = append(records, r)
	}

	return records, nil
}

// PartOfHandshake reports whether the packet starts with an epoch zero
// record, which is true iff it belongs to an initial handshake. It does
// not inspect the ContentType, because not every handshake record has
// ContentType handshake; ChangeCipherSpec ships with its own. Total over
// arbitrary input.
func PartOfHandshake(packet []byte) bool {
	return len(packet) >= 5 && packet[3] == 0 && packet[4] == 0
}

// IsClientHello reports whether the packet starts with a handshake record
// whose first handshake message is a ClientHello. Total over arbitrary
// input.
func IsClientHello(packet []byte) bool {
	return len(packet) > RecordHeaderLen &&
		ContentType(packet[0]) == ContentHandshake &&
		HandshakeType(packet[RecordHeaderLen]) == HandshakeClientHello
}
