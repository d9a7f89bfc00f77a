package wire

import (
	"bytes"
	"testing"
)

func fragmentRecord(seq uint64, msgType HandshakeType, msgLen uint32, msgSeq uint16, fragOffset uint32, frag []byte) []byte {
	return EncodeRecord(Record{ContentHandshake, VersionDTLS12, seq,
		EncodeHandshakeFragment(HandshakeFragment{
			MsgType:    msgType,
			MsgLen:     msgLen,
			MsgSeq:     msgSeq,
			FragOffset: fragOffset,
			FragLen:    uint32(len(frag)),
			Frag:       frag,
		})})
}

func TestDecodeVolley(t *testing.T) {
	body := bytes.Repeat([]byte{0xee}, 10)

	var volley []byte
	// One handshake message split over two fragments, interleaved with
	// a ChangeCipherSpec and followed by an epoch one record.
	volley = append(volley, fragmentRecord(0, HandshakeServerHello, 10, 3, 0, body[:4])...)
	volley = append(volley, EncodeRecord(Record{ContentChangeCipherSpec, VersionDTLS12, 1, []byte{1}})...)
	volley = append(volley, fragmentRecord(2, HandshakeServerHello, 10, 3, 4, body[4:])...)
	volley = append(volley, EncodeRecord(Record{ContentHandshake, VersionDTLS12, 1<<48 | 0, []byte("finished")})...)

	messages, err := DecodeVolley(volley)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 3 {
		t.Fatalf("Expected 3 messages, got %d: %v", len(messages), messages)
	}

	msg, ok := messages[0].(*HandshakeMessage)
	if !ok {
		t.Fatalf("Expected *HandshakeMessage, got %T", messages[0])
	}
	if msg.MsgType != HandshakeServerHello || msg.MsgSeq != 3 || !bytes.Equal(msg.Body, body) {
		t.Fatalf("Reassembled message is wrong: %v", msg)
	}

	pseudo, ok := messages[1].(PseudoHandshakeMessage)
	if !ok {
		t.Fatalf("Expected PseudoHandshakeMessage, got %T", messages[1])
	}
	if pseudo.ContentType != ContentChangeCipherSpec || !bytes.Equal(pseudo.Payload, []byte{1}) {
		t.Fatalf("Pseudo message is wrong: %v", pseudo)
	}

	opaque, ok := messages[2].(OpaqueHandshakeMessage)
	if !ok {
		t.Fatalf("Expected OpaqueHandshakeMessage, got %T", messages[2])
	}
	if !bytes.Equal(opaque.Record.Payload, []byte("finished")) {
		t.Fatalf("Opaque message is wrong: %v", opaque)
	}
}

func TestDecodeVolleyOrder(t *testing.T) {
	// Distinct messages keep their first-seen order even when their
	// fragments interleave.
	var volley []byte
	volley = append(volley, fragmentRecord(0, HandshakeCertificate, 4, 5, 0, []byte("ab"))...)
	volley = append(volley, fragmentRecord(1, HandshakeServerHelloDone, 0, 6, 0, nil)...)
	volley = append(volley, fragmentRecord(2, HandshakeCertificate, 4, 5, 2, []byte("cd"))...)

	messages, err := DecodeVolley(volley)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(messages))
	}

	first := messages[0].(*HandshakeMessage)
	second := messages[1].(*HandshakeMessage)
	if first.MsgSeq != 5 || second.MsgSeq != 6 {
		t.Fatalf("Message order is wrong: %d, %d", first.MsgSeq, second.MsgSeq)
	}
	if !bytes.Equal(first.Body, []byte("abcd")) {
		t.Fatalf("Body is wrong: %x", first.Body)
	}
	if len(second.Body) != 0 {
		t.Fatalf("Expected empty body, got %x", second.Body)
	}
}

func TestDecodeVolleyMalformed(t *testing.T) {
	overrun := fragmentRecord(0, HandshakeCertificate, 4, 5, 3, []byte("ab"))
	alien := EncodeRecord(Record{ContentHeartbeat, VersionDTLS12, 0, []byte("x")})

	for _, volley := range [][]byte{overrun, alien, {22, 0}} {
		if _, err := DecodeVolley(volley); err == nil {
			t.Fatalf("Expected error for %x", volley)
		}
	}
}
