package wire

// DecodeClientHello extracts the cookie exchange fields from a packet
// that is expected to start with an unfragmented ClientHello record.
//
// It returns the record's epoch+seqno, the cookie transmitted by the
// client, and the ClientHello body with the cookie field cut out. The
// latter is what gets hashed into a fresh cookie: RFC 6347 requires the
// client to repeat all ClientHello parameters when answering a
// HelloVerifyRequest, but the record layer framing (and the cookie
// itself) will differ between the two ClientHellos, so only the
// handshake body minus the cookie is a stable fingerprint.
func DecodeClientHello(packet []byte) (epochSeqno uint64, cookie, bits []byte, err error) {
	records, err := DecodeRecords(packet)
	if err != nil {
		return 0, nil, nil, err
	}
	if len(records) == 0 {
		return 0, nil, nil, badPacket("empty packet")
	}

	// The ClientHello has to be the first record in the packet.
	record := records[0]
	if record.ContentType != ContentHandshake {
		return 0, nil, nil, badPacket("not a handshake record")
	}

	fragment, err := DecodeHandshakeFragment(record.Payload)
	if err != nil {
		return 0, nil, nil, err
	}
	if fragment.MsgType != HandshakeClientHello {
		return 0, nil, nil, badPacket("not a ClientHello")
	}

	// A fragmented ClientHello is rejected outright: reassembly would
	// require per-connection state, and no state is allocated before a
	// valid cookie arrived.
	if fragment.FragOffset != 0 || fragment.FragLen != fragment.MsgLen {
		return 0, nil, nil, badPacket("fragmented ClientHello")
	}

	// ClientHello body layout:
	//   2 bytes client_version
	//   32 bytes random
	//   1 byte session_id length, session_id
	//   1 byte cookie length, cookie
	//   everything else
	body := fragment.Frag

	if len(body) < 2+32+1 {
		return 0, nil, nil, badPacket("short ClientHello")
	}
	sessionIDLen := int(body[2+32])

	cookieLenOffset := 2 + 32 + 1 + sessionIDLen
	if len(body) < cookieLenOffset+1 {
		return 0, nil, nil, badPacket("short ClientHello")
	}
	cookieLen := int(body[cookieLenOffset])

	cookieStart := cookieLenOffset + 1
	cookieEnd := cookieStart + cookieLen
	if len(body) < cookieEnd {
		return 0, nil, nil, badPacket("short cookie")
	}

	cookie = body[cookieStart:cookieEnd]
	bits = make([]byte, 0, len(body)-cookieLen)
	bits = append(bits, body[:cookieLenOffset]...)
	bits = append(bits, body[cookieEnd:]...)

	return record.EpochSeqno, cookie, bits, nil
}
