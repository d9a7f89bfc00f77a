package wire

import "fmt"

// Message is one element of a handshake volley. It is a closed union over
// *HandshakeMessage, PseudoHandshakeMessage and OpaqueHandshakeMessage;
// nothing outside this package can add further variants.
type Message interface {
	volleyMessage()
}

// HandshakeMessage is one reassembled handshake-layer message. Body is a
// fixed-size buffer of the message's full length which incoming fragments
// get copied into.
type HandshakeMessage struct {
	RecordVersion Version
	MsgType       HandshakeType
	MsgSeq        uint16
	Body          []byte
}

func (msg *HandshakeMessage) volleyMessage() {}

func (msg *HandshakeMessage) String() string {
	return fmt.Sprintf("HandshakeMessage(type=%d, msg_seq=%d, len=%d)",
		msg.MsgType, msg.MsgSeq, len(msg.Body))
}

// PseudoHandshakeMessage is handshake-layer content that is not a
// handshake message and cannot be fragmented: ChangeCipherSpec and
// Alert. Always a single record.
type PseudoHandshakeMessage struct {
	RecordVersion Version
	ContentType   ContentType
	Payload       []byte
}

func (msg PseudoHandshakeMessage) volleyMessage() {}

// OpaqueHandshakeMessage is a record from a later epoch, in practice the
// encrypted Finished. It keeps its record number and passes through this
// layer unchanged; its payload is a single hash value, small enough to
// never need fragmenting.
type OpaqueHandshakeMessage struct {
	Record Record
}

func (msg OpaqueHandshakeMessage) volleyMessage() {}

// DecodeVolley reconstructs the handshake messages inside a raw outgoing
// volley, so that they can be repacked into fresh records during
// retransmission. The volley was generated locally by the TLS engine, so
// the data ought to be well behaved; decode errors still surface instead
// of panicking.
//
// Distinct messages keep their first-seen order. A later fragment for an
// already-seen msg_seq mutates the existing entry.
func DecodeVolley(volley []byte) ([]Message, error) {
	var messages []Message
	bySeq := make(map[uint16]*HandshakeMessage)

	records, err := DecodeRecords(volley)
	if err != nil {
		return nil, err
	}

	for _, record := range records {
		switch {
		case record.EpochSeqno&EpochMask != 0:
			messages = append(messages, OpaqueHandshakeMessage{Record: record})

		case record.ContentType == ContentChangeCipherSpec || record.ContentType == ContentAlert:
			messages = append(messages, PseudoHandshakeMessage{
				RecordVersion: record.Version,
				ContentType:   record.ContentType,
				Payload:       record.Payload,
			})

		case record.ContentType == ContentHandshake:
			fragment, err := DecodeHandshakeFragment(record.Payload)
			if err != nil {
				return nil, err
			}

			msg, known := bySeq[fragment.MsgSeq]
			if !known {
				msg = &HandshakeMessage{
					RecordVersion: record.Version,
					MsgType:       fragment.MsgType,
					MsgSeq:        fragment.MsgSeq,
					Body:          make([]byte, fragment.MsgLen),
				}
				messages = append(messages, msg)
				bySeq[fragment.MsgSeq] = msg
			}

			if uint32(len(msg.Body)) != fragment.MsgLen {
				return nil, badPacket("fragment disagrees about message length")
			}
			if fragment.FragOffset+fragment.FragLen > uint32(len(msg.Body)) {
				return nil, badPacket("fragment overruns message body")
			}
			copy(msg.Body[fragment.FragOffset:fragment.FragOffset+fragment.FragLen], fragment.Frag)

		default:
			return nil, badPacket(fmt.Sprintf("unexpected content type %d in volley", record.ContentType))
		}
	}

	return messages, nil
}
