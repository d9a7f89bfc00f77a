package dtls

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/muxtls/dtls-go/wire"
)

// defaultRetransmitTimeout is the initial handshake retransmission
// timeout. Ideally it would be ~1.5 times the round-trip time to the
// peer, but one second is a reasonable default; on repeated loss the
// handshake loop backs off exponentially up to maxRetransmitTimeout.
const (
	defaultRetransmitTimeout = time.Second
	maxRetransmitTimeout     = 60 * time.Second
)

// clientHelloFingerprint identifies one concrete ClientHello, so that a
// retransmitted copy of an already-accepted handshake can be told apart
// from a genuinely new handshake attempt.
type clientHelloFingerprint struct {
	cookie string
	bits   string
}

// ChannelStatistics holds per-connection counters, see
// Channel.Statistics.
type ChannelStatistics struct {
	// IncomingPacketsDropped counts datagrams from this peer that were
	// received from the network but dropped because the connection's
	// inbound queue was full. A non-zero value suggests calling Receive
	// more often or raising the Endpoint's IncomingPacketsBuffer.
	IncomingPacketsDropped uint64
}

// Channel is one DTLS connection. Instances come from Endpoint.Connect
// or Endpoint.Serve; a Channel does not own any OS level resources, the
// socket belongs to the Endpoint.
type Channel struct {
	endpoint *Endpoint
	peerAddr *net.UDPAddr
	engine   Engine
	encoder  *RecordEncoder
	queue    *packetQueue

	didHandshake atomic.Bool
	replaced     atomic.Bool
	closed       atomic.Bool

	// closeSyn wakes any blocked Receive after a local Close.
	closeSyn  chan struct{}
	closeOnce sync.Once

	// handshakeMu makes DoHandshake idempotent under concurrent
	// callers; it also guards handshakeMTU, the volley fields and
	// initialTimeout while the handshake runs.
	handshakeMu    sync.Mutex
	handshakeMTU   int
	initialTimeout time.Duration
	currentVolley  []wire.Message
	finalVolley    []wire.Message

	// engineMu serializes post-handshake engine access between Send and
	// Receive callers.
	engineMu sync.Mutex

	clientHello clientHelloFingerprint
}

func newChannel(endpoint *Endpoint, peerAddr *net.UDPAddr, config EngineConfig, side Side) (*Channel, error) {
	engine, err := config.NewEngine(side)
	if err != nil {
		return nil, err
	}

	channel := &Channel{
		endpoint: endpoint,
		peerAddr: peerAddr,
		engine:   engine,
		encoder:  NewRecordEncoder(),
		queue:    newPacketQueue(endpoint.incomingPacketsBuffer),

		closeSyn:       make(chan struct{}),
		initialTimeout: defaultRetransmitTimeout,
	}
	channel.SetCiphertextMTU(bestGuessMTU(endpoint.conn.LocalAddr()))

	return channel, nil
}

// PeerAddr returns the address of the remote peer.
func (channel *Channel) PeerAddr() *net.UDPAddr {
	return channel.peerAddr
}

// log prepares a new log entry with predefined connection data.
func (channel *Channel) log() *log.Entry {
	return log.WithFields(log.Fields{
		"local": channel.endpoint.LocalAddr(),
		"peer":  channel.peerAddr,
	})
}

// setReplaced tears the Channel down after its peer opened a new valid
// handshake from the same address. Packets already queued can still be
// processed, but no more are coming.
func (channel *Channel) setReplaced() {
	channel.replaced.Store(true)
	channel.queue.close()
}

// Close closes this connection. It wakes any blocked Receive with
// ErrClosed and makes future operations fail; the underlying socket
// stays open, it belongs to the Endpoint.
func (channel *Channel) Close() error {
	channel.closeOnce.Do(func() {
		channel.closed.Store(true)
		channel.endpoint.forget(channel)
		channel.queue.close()
		close(channel.closeSyn)

		channel.log().Debug("Closed DTLS channel")
	})

	return nil
}

// SetInitialRetransmitTimeout overrides the initial handshake
// retransmission timeout. Must be called before the handshake starts.
func (channel *Channel) SetInitialRetransmitTimeout(timeout time.Duration) {
	channel.handshakeMu.Lock()
	defer channel.handshakeMu.Unlock()

	if timeout > 0 {
		channel.initialTimeout = timeout
	}
}

// SetCiphertextMTU announces the largest UDP payload assumed deliverable
// to this peer. Called before the handshake it bounds handshake
// fragmentation; it also changes the value CleartextMTU reports. The
// default is 1472 bytes on IPv4 and 1452 on IPv6, the usual Ethernet
// link MTU of 1500 minus IP/UDP headers.
func (channel *Channel) SetCiphertextMTU(mtu int) {
	channel.handshakeMu.Lock()
	defer channel.handshakeMu.Unlock()

	channel.handshakeMTU = mtu
	channel.engine.SetCiphertextMTU(mtu)
}

// CleartextMTU reports the largest data size that Send can fit into a
// single datagram, or ErrHandshakeRequired before the handshake is done.
func (channel *Channel) CleartextMTU() (int, error) {
	if !channel.didHandshake.Load() {
		return 0, ErrHandshakeRequired
	}
	return channel.engine.CleartextMTU()
}

// Statistics returns counters about this connection.
func (channel *Channel) Statistics() ChannelStatistics {
	return ChannelStatistics{
		IncomingPacketsDropped: channel.queue.droppedPackets(),
	}
}

// sendVolley encodes the messages against the current handshake MTU and
// writes the resulting datagrams to the peer.
func (channel *Channel) sendVolley(volley []wire.Message) error {
	packets := channel.encoder.EncodeVolley(volley, channel.handshakeMTU)
	for _, packet := range packets {
		if err := channel.endpoint.sendTo(packet, channel.peerAddr); err != nil {
			return err
		}
	}
	return nil
}

// resendFinalVolley re-sends the cached last handshake volley. The
// receive loop calls this when the peer keeps retransmitting handshake
// records after we consider the handshake done, meaning our final volley
// got lost. Sent directly instead of going through the inbound queue,
// because after the handshake nobody is guaranteed to be reading it.
func (channel *Channel) resendFinalVolley() {
	channel.handshakeMu.Lock()
	defer channel.handshakeMu.Unlock()

	if err := channel.sendVolley(channel.finalVolley); err != nil {
		channel.log().WithError(err).Debug("Resending final handshake volley errored")
	}
}

// readVolley drains the engine's outgoing bio and reassembles the
// handshake messages in it. If the engine decided to retransmit the
// previous volley on its own, recognizable by an unchanged leading
// message sequence number, the volley is discarded: retransmission
// policy lives in this layer, not in the engine.
func (channel *Channel) readVolley(current []wire.Message) ([]wire.Message, error) {
	volleyBytes, err := drainOutgoing(channel.engine)
	if err != nil {
		return nil, err
	}

	volley, err := wire.DecodeVolley(volleyBytes)
	if err != nil {
		return nil, err
	}

	if len(volley) > 0 && len(current) > 0 {
		newHead, newOk := volley[0].(*wire.HandshakeMessage)
		curHead, curOk := current[0].(*wire.HandshakeMessage)
		if newOk && curOk && newHead.MsgSeq == curHead.MsgSeq {
			return nil, nil
		}
	}

	return volley, nil
}

// DoHandshake performs the DTLS handshake, including cookie exchange on
// the server side, retransmission and exponential backoff. Calling it is
// optional; the first Send or Receive triggers it implicitly. It is safe
// to call multiple times and from multiple goroutines: the first caller
// performs the handshake, the others observe completion.
//
// Cancelling the context aborts the retransmit wait without corrupting
// connection state; a fresh call may resume the handshake.
func (channel *Channel) DoHandshake(ctx context.Context) error {
	channel.handshakeMu.Lock()
	defer channel.handshakeMu.Unlock()

	if channel.didHandshake.Load() {
		return nil
	}

	timeout := channel.initialTimeout
	volleyFailedSends := 0

	// A client generates its first volley from nothing; on the server
	// side the verified ClientHello is already in the engine's bio.
	// Either way there has to be an initial volley, otherwise the
	// connection is beyond saving.
	if err := channel.engine.Handshake(); err != nil && !errors.Is(err, ErrWantRead) {
		return err
	}
	volley, err := channel.readVolley(nil)
	if err != nil {
		return err
	}
	if len(volley) == 0 {
		// A cancelled handshake keeps its in-flight volley around so a
		// later call can pick up where it left off.
		if channel.currentVolley == nil {
			return ErrNoInitialVolley
		}
		volley = channel.currentVolley
	}
	channel.currentVolley = volley

	for {
		if channel.replaced.Load() {
			return ErrReplaced
		}
		if err := channel.sendVolley(volley); err != nil {
			return err
		}
		channel.endpoint.ensureReceiveLoop()

		timer := time.NewTimer(timeout)
		resend := false

		for !resend {
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()

			case <-channel.closeSyn:
				timer.Stop()
				return ErrClosed

			case packet, ok := <-channel.queue.ch:
				if !ok {
					// Queue closed mid-handshake: either a local Close
					// racing us or our peer replaced us.
					timer.Stop()
					if channel.closed.Load() {
						return ErrClosed
					}
					return ErrReplaced
				}

				channel.engine.PushIncoming(packet)
				stepErr := channel.engine.Handshake()

				if stepErr == nil {
					// Handshake complete. The final volley may well be
					// empty, then we just send no packets. didHandshake
					// only flips once the engine is free again: Send and
					// Receive use it as their fast path and must not enter
					// the engine while we still drain the final volley.
					final, err := channel.readVolley(volley)
					if err != nil {
						timer.Stop()
						return err
					}
					channel.finalVolley = final
					channel.currentVolley = nil
					channel.didHandshake.Store(true)
					timer.Stop()
					channel.log().Debug("DTLS handshake complete")
					return channel.sendVolley(final)
				}
				if !errors.Is(stepErr, ErrWantRead) && !isProtocolError(stepErr) {
					timer.Stop()
					return stepErr
				}
				// ErrWantRead or a protocol error from a corrupted or
				// stray packet: keep draining the queue.

				maybeVolley, err := channel.readVolley(volley)
				if err != nil {
					timer.Stop()
					return err
				}
				if len(maybeVolley) == 0 {
					continue
				}

				if pseudo, ok := maybeVolley[0].(wire.PseudoHandshakeMessage); ok && pseudo.ContentType == wire.ContentAlert {
					// One-shot alert, e.g. for a corrupted packet. Sent
					// best-effort without replacing the retained
					// retransmit volley.
					if err := channel.sendVolley(maybeVolley); err != nil {
						timer.Stop()
						return err
					}
					continue
				}

				// The peer's whole volley arrived and produced a new
				// one of ours. Per RFC 6347 the timer value is only
				// reset after a transmission without loss.
				volley = maybeVolley
				channel.currentVolley = volley
				if volleyFailedSends == 0 {
					timeout = channel.initialTimeout
				}
				volleyFailedSends = 0
				resend = true

			case <-timer.C:
				timeout *= 2
				if timeout > maxRetransmitTimeout {
					timeout = maxRetransmitTimeout
				}
				volleyFailedSends++
				if volleyFailedSends == 2 {
					// Two sends of the same volley went unanswered;
					// maybe the path MTU estimate is wrong. Drop to the
					// worst case and hope smaller fragments get through.
					worst := worstCaseMTU(channel.endpoint.conn.LocalAddr())
					if worst < channel.handshakeMTU {
						channel.handshakeMTU = worst
					}
					channel.log().WithField("mtu", channel.handshakeMTU).Debug(
						"Retransmissions unanswered, clamping handshake MTU")
				}
				resend = true
			}
		}
		timer.Stop()
	}
}

// Send encrypts and sends one datagram of data to the peer, performing
// the handshake first if necessary. Empty payloads are rejected, TLS
// engines do not support zero-length secured payloads.
func (channel *Channel) Send(ctx context.Context, data []byte) error {
	if channel.closed.Load() {
		return ErrClosed
	}
	if len(data) == 0 {
		return errors.New("engine does not support zero-length secured payloads")
	}
	if !channel.didHandshake.Load() {
		if err := channel.DoHandshake(ctx); err != nil {
			return err
		}
	}
	if channel.replaced.Load() {
		return ErrReplaced
	}

	channel.engineMu.Lock()
	err := channel.engine.WriteCleartext(data)
	var ciphertext []byte
	if err == nil {
		ciphertext, err = drainOutgoing(channel.engine)
	}
	channel.engineMu.Unlock()
	if err != nil {
		return err
	}

	return channel.endpoint.sendTo(ciphertext, channel.peerAddr)
}

// Receive returns the next datagram of decrypted data from the peer,
// blocking as needed and performing the handshake first if necessary.
// Safe to call from multiple goroutines, and safe to cancel: between
// taking a packet off the queue and delivering its cleartext there is no
// blocking point, so cancellation never loses a packet.
func (channel *Channel) Receive(ctx context.Context) ([]byte, error) {
	if !channel.didHandshake.Load() {
		if err := channel.DoHandshake(ctx); err != nil {
			return nil, err
		}
	}

	for {
		var packet []byte

		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-channel.closeSyn:
			return nil, ErrClosed

		case p, ok := <-channel.queue.ch:
			if !ok {
				// Both a local Close and a replacement close the queue;
				// the closed flag is set before the queue closes, so it
				// tells the two apart reliably.
				if channel.closed.Load() {
					return nil, ErrClosed
				}
				return nil, ErrReplaced
			}
			packet = p
		}

		// Stray late handshake packets or duplicate data records
		// decrypt to nothing; skip them instead of returning an empty
		// slice.
		channel.engineMu.Lock()
		channel.engine.PushIncoming(packet)
		cleartext, err := drainCleartext(channel.engine)
		channel.engineMu.Unlock()
		if err != nil {
			return nil, err
		}
		if len(cleartext) > 0 {
			return cleartext, nil
		}
	}
}
