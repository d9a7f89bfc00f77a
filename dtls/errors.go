package dtls

import "errors"

var (
	// ErrWantRead is returned by an Engine when it cannot make progress
	// before more ciphertext arrives from the peer. It also terminates
	// the drain loops over an Engine's outgoing bios.
	ErrWantRead = errors.New("engine needs more input")

	// ErrClosed is returned for operations on a Channel or Endpoint
	// after a local Close.
	ErrClosed = errors.New("use of closed DTLS connection")

	// ErrReplaced is returned when the peer tore down this connection by
	// starting a new handshake from the same address.
	ErrReplaced = errors.New("peer tore down this connection to start a new one")

	// ErrHandshakeRequired is returned when the cleartext MTU is
	// requested before the handshake completed.
	ErrHandshakeRequired = errors.New("handshake not done yet")

	// ErrNoInitialVolley is returned when the Engine failed to produce a
	// first handshake volley, e.g. because the peer's ClientHello was
	// broken beyond use.
	ErrNoInitialVolley = errors.New("engine produced no initial handshake volley")
)

// ProtocolError is reported by an Engine when its peer violated the TLS
// protocol. During the handshake retry loop it usually just reflects a
// corrupted or stray datagram and is absorbed; outside of it, it
// propagates.
type ProtocolError struct {
	Reason string
}

func (pe *ProtocolError) Error() string {
	return "engine protocol error: " + pe.Reason
}

func isProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
