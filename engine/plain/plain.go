// Package plain provides a non-cryptographic reference implementation of
// the dtls.Engine interface. It performs the DTLS handshake mechanics --
// ClientHello, HelloVerifyRequest, ServerHello, Finished, in-memory bios
// -- but applies no cipher whatsoever: "cleartext" and "ciphertext" only
// differ by record framing.
//
// It exists for loopback testing, for the echo daemon and as a worked
// example for adapter authors binding a real TLS implementation. Do not
// put it on a network you care about.
package plain

import (
	"bytes"
	"crypto/rand"
	"errors"

	"github.com/muxtls/dtls-go/dtls"
	"github.com/muxtls/dtls-go/wire"
)

// Config creates plain Engines. The zero value is ready to use.
type Config struct{}

// NewEngine implements dtls.EngineConfig.
func (Config) NewEngine(side dtls.Side) (dtls.Engine, error) {
	engine := &Engine{side: side}
	if side == dtls.ServerSide {
		// Message sequence zero went to the HelloVerifyRequest, which
		// the endpoint sends without involving the engine.
		engine.msgSeq = 1
	}
	if _, err := rand.Read(engine.random[:]); err != nil {
		return nil, err
	}
	return engine, nil
}

type state int

const (
	stateInit state = iota
	stateHelloSent
	stateHello2Sent
	stateServerHelloSent
	stateDone
)

// partialMessage reassembles one handshake message from its fragments.
type partialMessage struct {
	msgType  wire.HandshakeType
	body     []byte
	received uint32
}

func (pm *partialMessage) complete() bool {
	return pm.received >= uint32(len(pm.body))
}

// Engine is one plain connection end. Not safe for concurrent use; the
// dtls.Channel serializes all calls.
type Engine struct {
	side  dtls.Side
	state state
	mtu   int

	random [32]byte
	cookie []byte

	// out is the ciphertext-to-network bio, in holds reassembled
	// inbound handshake messages keyed by message sequence number.
	out       bytes.Buffer
	in        map[uint16]*partialMessage
	cleartext [][]byte

	peerFinished bool
	pendingErr   error

	seq      uint64
	epoch1SQ uint64
	msgSeq   uint16
}

// PushIncoming implements dtls.Engine. Undecodable input is remembered
// and surfaces as a protocol error on the next Handshake step.
func (engine *Engine) PushIncoming(packet []byte) {
	records, err := wire.DecodeRecords(packet)
	if err != nil {
		engine.pendingErr = &dtls.ProtocolError{Reason: err.Error()}
		return
	}

	for _, record := range records {
		switch {
		case record.EpochSeqno&wire.EpochMask != 0:
			switch record.ContentType {
			case wire.ContentHandshake:
				engine.peerFinished = true
			case wire.ContentApplicationData:
				if engine.state == stateDone {
					data := make([]byte, len(record.Payload))
					copy(data, record.Payload)
					engine.cleartext = append(engine.cleartext, data)
				}
			}

		case record.ContentType == wire.ContentHandshake:
			fragment, err := wire.DecodeHandshakeFragment(record.Payload)
			if err != nil {
				engine.pendingErr = &dtls.ProtocolError{Reason: err.Error()}
				continue
			}
			engine.mergeFragment(fragment)

		case record.ContentType == wire.ContentChangeCipherSpec || record.ContentType == wire.ContentAlert:
			// Nothing to do for a cipherless engine.

		default:
			engine.pendingErr = &dtls.ProtocolError{
				Reason: "unexpected " + record.ContentType.String() + " record",
			}
		}
	}
}

func (engine *Engine) mergeFragment(fragment wire.HandshakeFragment) {
	if engine.in == nil {
		engine.in = make(map[uint16]*partialMessage)
	}

	pm, known := engine.in[fragment.MsgSeq]
	if !known {
		pm = &partialMessage{
			msgType: fragment.MsgType,
			body:    make([]byte, fragment.MsgLen),
		}
		engine.in[fragment.MsgSeq] = pm
	}

	if fragment.FragOffset+fragment.FragLen > uint32(len(pm.body)) {
		engine.pendingErr = &dtls.ProtocolError{Reason: "fragment overruns message"}
		return
	}
	copy(pm.body[fragment.FragOffset:], fragment.Frag)
	pm.received += fragment.FragLen
}

// findMessage returns the reassembled message of the given type, if any.
func (engine *Engine) findMessage(msgType wire.HandshakeType) *partialMessage {
	for _, pm := range engine.in {
		if pm.msgType == msgType && pm.complete() {
			return pm
		}
	}
	return nil
}

// Handshake implements dtls.Engine.
func (engine *Engine) Handshake() error {
	if err := engine.pendingErr; err != nil {
		engine.pendingErr = nil
		return err
	}
	if engine.state == stateDone {
		return nil
	}

	if engine.side == dtls.ClientSide {
		return engine.clientStep()
	}
	return engine.serverStep()
}

func (engine *Engine) clientStep() error {
	switch engine.state {
	case stateInit:
		engine.emitHandshake(wire.HandshakeClientHello, engine.clientHelloBody())
		engine.state = stateHelloSent
		return dtls.ErrWantRead

	case stateHelloSent:
		hvr := engine.findMessage(wire.HandshakeHelloVerifyRequest)
		if hvr == nil {
			return dtls.ErrWantRead
		}
		// HelloVerifyRequest body: 2 bytes version, length-prefixed
		// cookie.
		if len(hvr.body) < 3 || len(hvr.body) < 3+int(hvr.body[2]) {
			return &dtls.ProtocolError{Reason: "malformed HelloVerifyRequest"}
		}
		engine.cookie = hvr.body[3 : 3+int(hvr.body[2])]
		engine.emitHandshake(wire.HandshakeClientHello, engine.clientHelloBody())
		engine.state = stateHello2Sent
		return dtls.ErrWantRead

	case stateHello2Sent:
		if engine.findMessage(wire.HandshakeServerHello) == nil ||
			engine.findMessage(wire.HandshakeServerHelloDone) == nil {
			return dtls.ErrWantRead
		}
		engine.emitFinished()
		engine.state = stateDone
		return nil

	default:
		return &dtls.ProtocolError{Reason: "client in impossible state"}
	}
}

func (engine *Engine) serverStep() error {
	switch engine.state {
	case stateInit:
		hello := engine.findMessage(wire.HandshakeClientHello)
		if hello == nil || !clientHelloHasCookie(hello.body) {
			return dtls.ErrWantRead
		}
		engine.emitHandshake(wire.HandshakeServerHello, engine.serverHelloBody())
		engine.emitHandshake(wire.HandshakeServerHelloDone, nil)
		engine.state = stateServerHelloSent
		return dtls.ErrWantRead

	case stateServerHelloSent:
		if !engine.peerFinished {
			return dtls.ErrWantRead
		}
		engine.emitFinished()
		engine.state = stateDone
		return nil

	default:
		return &dtls.ProtocolError{Reason: "server in impossible state"}
	}
}

// clientHelloBody builds a ClientHello body: client version, random,
// empty session id, the cookie learned so far, and a minimal cipher
// suite plus compression list. Identical between the first and second
// ClientHello except for the cookie, as RFC 6347 requires.
func (engine *Engine) clientHelloBody() []byte {
	body := make([]byte, 0, 2+32+1+1+len(engine.cookie)+6)
	body = append(body, wire.VersionDTLS12[:]...)
	body = append(body, engine.random[:]...)
	body = append(body, 0) // empty session id
	body = append(body, byte(len(engine.cookie)))
	body = append(body, engine.cookie...)
	body = append(body, 0x00, 0x02, 0x00, 0x2f) // one cipher suite
	body = append(body, 0x01, 0x00)             // null compression
	return body
}

func (engine *Engine) serverHelloBody() []byte {
	body := make([]byte, 0, 2+32+1+3)
	body = append(body, wire.VersionDTLS12[:]...)
	body = append(body, engine.random[:]...)
	body = append(body, 0)          // empty session id
	body = append(body, 0x00, 0x2f) // chosen suite
	body = append(body, 0x00)       // null compression
	return body
}

func clientHelloHasCookie(body []byte) bool {
	if len(body) < 2+32+1 {
		return false
	}
	sessionIDLen := int(body[2+32])
	cookieLenOffset := 2 + 32 + 1 + sessionIDLen
	if len(body) < cookieLenOffset+1 {
		return false
	}
	return body[cookieLenOffset] > 0
}

// emitHandshake frames one handshake message as a single epoch zero
// record in the outgoing bio. The record numbering here is provisional;
// the Channel's encoder renumbers everything it retransmits.
func (engine *Engine) emitHandshake(msgType wire.HandshakeType, body []byte) {
	payload := wire.EncodeHandshakeFragment(wire.HandshakeFragment{
		MsgType:    msgType,
		MsgLen:     uint32(len(body)),
		MsgSeq:     engine.msgSeq,
		FragOffset: 0,
		FragLen:    uint32(len(body)),
		Frag:       body,
	})
	engine.msgSeq++

	engine.out.Write(wire.EncodeRecord(wire.Record{
		ContentType: wire.ContentHandshake,
		Version:     wire.VersionDTLS12,
		EpochSeqno:  engine.nextSeq(),
		Payload:     payload,
	}))
}

// emitFinished frames the Finished stand-in as an epoch one record,
// which passes through the record layer opaquely.
func (engine *Engine) emitFinished() {
	verify := make([]byte, 12)
	_, _ = rand.Read(verify)

	engine.out.Write(wire.EncodeRecord(wire.Record{
		ContentType: wire.ContentHandshake,
		Version:     wire.VersionDTLS12,
		EpochSeqno:  engine.nextEpoch1Seq(),
		Payload:     verify,
	}))
}

func (engine *Engine) nextSeq() uint64 {
	n := engine.seq
	engine.seq++
	return n
}

func (engine *Engine) nextEpoch1Seq() uint64 {
	n := engine.epoch1SQ
	engine.epoch1SQ++
	return 1<<48 | n
}

// PullOutgoing implements dtls.Engine.
func (engine *Engine) PullOutgoing(max int) ([]byte, error) {
	if engine.out.Len() == 0 {
		return nil, dtls.ErrWantRead
	}
	if max > engine.out.Len() {
		max = engine.out.Len()
	}
	return engine.out.Next(max), nil
}

// WriteCleartext implements dtls.Engine.
func (engine *Engine) WriteCleartext(data []byte) error {
	if engine.state != stateDone {
		return errors.New("plain: handshake not done")
	}

	engine.out.Write(wire.EncodeRecord(wire.Record{
		ContentType: wire.ContentApplicationData,
		Version:     wire.VersionDTLS12,
		EpochSeqno:  engine.nextEpoch1Seq(),
		Payload:     data,
	}))
	return nil
}

// ReadCleartext implements dtls.Engine.
func (engine *Engine) ReadCleartext(max int) ([]byte, error) {
	if len(engine.cleartext) == 0 {
		return nil, dtls.ErrWantRead
	}
	data := engine.cleartext[0]
	engine.cleartext = engine.cleartext[1:]
	return data, nil
}

// SetCiphertextMTU implements dtls.Engine.
func (engine *Engine) SetCiphertextMTU(mtu int) {
	engine.mtu = mtu
}

// CleartextMTU implements dtls.Engine. A plain record spends exactly one
// record header per datagram.
func (engine *Engine) CleartextMTU() (int, error) {
	if engine.state != stateDone {
		return 0, dtls.ErrHandshakeRequired
	}
	return engine.mtu - wire.RecordHeaderLen, nil
}
