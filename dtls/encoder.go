package dtls

import (
	"github.com/muxtls/dtls-go/wire"
)

// RecordEncoder packs a volley of handshake messages into MTU-bounded
// datagrams, fragmenting messages as needed and stamping each fresh
// record with a strictly increasing sequence number.
type RecordEncoder struct {
	nextSeq uint64
}

// NewRecordEncoder returns an encoder numbering records from zero.
func NewRecordEncoder() *RecordEncoder {
	return &RecordEncoder{}
}

// SetFirstRecordNumber makes the next record use the given sequence
// number. Used once on the server side after the cookie round trip, to
// continue numbering from the second ClientHello's sequence number: the
// HelloVerifyRequest copied the first ClientHello's number, and the peer
// must never observe our numbers going backward.
func (enc *RecordEncoder) SetFirstRecordNumber(n uint64) {
	enc.nextSeq = n
}

func (enc *RecordEncoder) seq() uint64 {
	n := enc.nextSeq
	enc.nextSeq++
	return n
}

// EncodeVolley encodes the messages into packets of at most mtu bytes.
func (enc *RecordEncoder) EncodeVolley(messages []wire.Message, mtu int) [][]byte {
	var packets [][]byte
	var packet []byte

	for _, message := range messages {
		switch msg := message.(type) {
		case wire.OpaqueHandshakeMessage:
			// Passed through as-is, keeping its record number, and
			// never split across packets.
			encoded := wire.EncodeRecord(msg.Record)
			if mtu-len(packet)-len(encoded) <= 0 {
				packets = append(packets, packet)
				packet = nil
			}
			packet = append(packet, encoded...)

		case wire.PseudoHandshakeMessage:
			if mtu-len(packet)-wire.RecordHeaderLen-len(msg.Payload) <= 0 {
				packets = append(packets, packet)
				packet = nil
			}
			packet = append(packet, wire.EncodeRecord(wire.Record{
				ContentType: msg.ContentType,
				Version:     msg.RecordVersion,
				EpochSeqno:  enc.seq(),
				Payload:     msg.Payload,
			})...)

		case *wire.HandshakeMessage:
			fragOffset := 0
			fragsEncoded := 0

			// An empty body still gets encoded as one zero-length
			// fragment, not zero fragments.
			for fragOffset < len(msg.Body) || fragsEncoded == 0 {
				space := mtu - len(packet) - wire.RecordHeaderLen - wire.FragmentHeaderLen
				if space <= 0 {
					packets = append(packets, packet)
					packet = nil
					continue
				}

				fragEnd := fragOffset + space
				if fragEnd > len(msg.Body) {
					fragEnd = len(msg.Body)
				}
				frag := msg.Body[fragOffset:fragEnd]

				payload := wire.EncodeHandshakeFragment(wire.HandshakeFragment{
					MsgType:    msg.MsgType,
					MsgLen:     uint32(len(msg.Body)),
					MsgSeq:     msg.MsgSeq,
					FragOffset: uint32(fragOffset),
					FragLen:    uint32(len(frag)),
					Frag:       frag,
				})
				packet = append(packet, wire.EncodeRecord(wire.Record{
					ContentType: wire.ContentHandshake,
					Version:     msg.RecordVersion,
					EpochSeqno:  enc.seq(),
					Payload:     payload,
				})...)

				fragOffset = fragEnd
				fragsEncoded++
			}
		}
	}

	if len(packet) > 0 {
		packets = append(packets, packet)
	}

	return packets
}
