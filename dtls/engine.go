package dtls

import "errors"

// maxRecordSize caps single reads from an Engine's bios at the maximum
// TLS record size.
const maxRecordSize = 1 << 14

// Side tells an Engine whether it initiates or accepts the handshake.
type Side int

const (
	ClientSide Side = iota
	ServerSide
)

func (s Side) String() string {
	switch s {
	case ClientSide:
		return "client"
	case ServerSide:
		return "server"
	default:
		return "INVALID"
	}
}

// Engine is the external TLS engine a Channel delegates all cryptography
// to. It is a sans-io state machine over two in-memory bios: ciphertext
// from the network is pushed in, ciphertext for the network is pulled
// out, and this layer does the actual datagram I/O, fragmentation and
// retransmission around it.
//
// An Engine implementation must come configured with renegotiation and
// any built-in path MTU discovery disabled, and a ServerSide Engine must
// not run its own cookie exchange; the Endpoint performs it before the
// Engine ever sees a ClientHello.
//
// Engines are not required to be safe for concurrent use; the Channel
// serializes all calls.
type Engine interface {
	// Handshake drives the handshake one step. It returns nil once the
	// handshake is complete, ErrWantRead if more peer data is needed,
	// or a *ProtocolError.
	Handshake() error

	// PullOutgoing reads up to max bytes of ciphertext destined for the
	// peer, returning ErrWantRead once the bio is dry.
	PullOutgoing(max int) ([]byte, error)

	// PushIncoming feeds one ciphertext datagram from the peer.
	PushIncoming(packet []byte)

	// WriteCleartext encrypts application data into the outgoing bio.
	// Only valid after the handshake completed.
	WriteCleartext(data []byte) error

	// ReadCleartext reads up to max bytes of decrypted application
	// data, returning ErrWantRead once nothing is buffered. Duplicate
	// or stray datagrams may decrypt to nothing at all.
	ReadCleartext(max int) ([]byte, error)

	// SetCiphertextMTU tells the engine the largest datagram payload it
	// may produce.
	SetCiphertextMTU(mtu int)

	// CleartextMTU reports the largest cleartext size that still fits
	// the ciphertext MTU, or an error before the handshake completed.
	CleartextMTU() (int, error)
}

// EngineConfig creates Engines for new connections, one per Channel.
type EngineConfig interface {
	NewEngine(side Side) (Engine, error)
}

// drainOutgoing pulls all pending ciphertext out of the engine.
func drainOutgoing(engine Engine) ([]byte, error) {
	var out []byte
	for {
		chunk, err := engine.PullOutgoing(maxRecordSize)
		if errors.Is(err, ErrWantRead) {
			return out, nil
		} else if err != nil {
			return nil, err
		} else if len(chunk) == 0 {
			return out, nil
		}
		out = append(out, chunk...)
	}
}

// drainCleartext pulls all pending decrypted data out of the engine.
func drainCleartext(engine Engine) ([]byte, error) {
	var out []byte
	for {
		chunk, err := engine.ReadCleartext(maxRecordSize)
		if errors.Is(err, ErrWantRead) {
			return out, nil
		} else if err != nil {
			return nil, err
		} else if len(chunk) == 0 {
			return out, nil
		}
		out = append(out, chunk...)
	}
}
