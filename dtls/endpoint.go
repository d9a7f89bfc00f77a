// Package dtls implements DTLS 1.2 (RFC 6347) connection management on
// top of a single UDP socket: record framing, the stateless cookie
// exchange, handshake retransmission with backoff, MTU-aware
// fragmentation and the demultiplexing of many logical connections onto
// one socket. All cryptography is delegated to an external Engine.
package dtls

import (
	"context"
	"errors"
	"net"
	"sync"
	"syscall"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/muxtls/dtls-go/cookie"
	"github.com/muxtls/dtls-go/wire"
)

// defaultIncomingPacketsBuffer is the per-connection inbound queue
// capacity. UDP based protocols have to cope with the occasional lost
// packet anyway, so a small queue suffices; overflows show up in
// Channel.Statistics.
const defaultIncomingPacketsBuffer = 10

// Endpoint multiplexes arbitrarily many DTLS connections, as client or
// server simultaneously, over one UDP socket.
type Endpoint struct {
	conn                  net.PacketConn
	incomingPacketsBuffer int

	// sendMu serializes all writes to the shared socket: handshake
	// volleys, data records and cookie challenge replies.
	sendMu sync.Mutex

	// mu guards the connection table plus the listening and lifecycle
	// state below.
	mu             sync.Mutex
	channels       map[string]*Channel
	listeningConf  EngineConfig
	listeningKey   []byte
	closed         bool
	receiveSpawned bool

	incoming *connQueue
	stopSyn  chan struct{}
}

// EndpointOption adjusts a new Endpoint.
type EndpointOption func(*Endpoint)

// WithIncomingPacketsBuffer sets the per-connection inbound queue
// capacity.
func WithIncomingPacketsBuffer(n int) EndpointOption {
	return func(endpoint *Endpoint) {
		if n > 0 {
			endpoint.incomingPacketsBuffer = n
		}
	}
}

// NewEndpoint wraps a bound UDP socket. The Endpoint owns the socket
// from here on; Close releases it together with every connection.
func NewEndpoint(conn net.PacketConn, opts ...EndpointOption) *Endpoint {
	endpoint := &Endpoint{
		conn:                  conn,
		incomingPacketsBuffer: defaultIncomingPacketsBuffer,
		channels:              make(map[string]*Channel),
		incoming:              newConnQueue(),
		stopSyn:               make(chan struct{}),
	}

	for _, opt := range opts {
		opt(endpoint)
	}

	return endpoint
}

// LocalAddr returns the socket's local address.
func (endpoint *Endpoint) LocalAddr() net.Addr {
	return endpoint.conn.LocalAddr()
}

// log prepares a new log entry with predefined endpoint data.
func (endpoint *Endpoint) log() *log.Entry {
	return log.WithField("local", endpoint.conn.LocalAddr())
}

// sendTo writes one datagram under the shared send lock, preventing
// interleaved partial writes from concurrent connections.
func (endpoint *Endpoint) sendTo(packet []byte, addr *net.UDPAddr) error {
	if len(packet) == 0 {
		return nil
	}

	endpoint.sendMu.Lock()
	defer endpoint.sendMu.Unlock()

	_, err := endpoint.conn.WriteTo(packet, addr)
	return err
}

// forget removes the channel from the connection table, if it is still
// the one registered for its address.
func (endpoint *Endpoint) forget(channel *Channel) {
	endpoint.mu.Lock()
	defer endpoint.mu.Unlock()

	key := channel.peerAddr.String()
	if endpoint.channels[key] == channel {
		delete(endpoint.channels, key)
	}
}

func (endpoint *Endpoint) lookup(addr net.Addr) *Channel {
	endpoint.mu.Lock()
	defer endpoint.mu.Unlock()

	return endpoint.channels[addr.String()]
}

// ensureReceiveLoop spawns the receive loop on first use. It has to be
// lazy: on some platforms a receive on an unbound socket errors out
// immediately, and a client socket might only get bound by its first
// send.
func (endpoint *Endpoint) ensureReceiveLoop() {
	endpoint.mu.Lock()
	defer endpoint.mu.Unlock()

	if !endpoint.receiveSpawned && !endpoint.closed {
		endpoint.receiveSpawned = true
		go endpoint.receiveLoop()
	}
}

// receiveLoop reads datagrams off the socket and routes each one: a
// ClientHello goes into the cookie exchange, anything else either into
// the matching connection's inbound queue or to the floor.
func (endpoint *Endpoint) receiveLoop() {
	defer endpoint.log().Debug("Leaving receive loop")

	buf := make([]byte, maxUDPPacketSize)

	for {
		n, addr, err := endpoint.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, syscall.ECONNRESET) {
				// On Windows a previous send that triggered an ICMP
				// Port Unreachable surfaces as ECONNRESET on the next
				// receive, even on a connectionless socket. There is
				// nothing actionable in that, so retry.
				continue
			}
			if errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.EBADF) || errors.Is(err, syscall.ENOTSOCK) {
				return
			}

			endpoint.log().WithError(err).Error("Receive loop errored")
			return
		}

		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}

		// The read buffer is reused, the routed packet must not be.
		packet := make([]byte, n)
		copy(packet, buf[:n])

		switch {
		case wire.IsClientHello(packet):
			endpoint.handleClientHello(udpAddr, packet)

		default:
			channel := endpoint.lookup(addr)
			if channel == nil {
				// Unknown or expired connection.
				continue
			}
			if channel.didHandshake.Load() && wire.PartOfHandshake(packet) {
				// The peer still sends handshake records although we
				// consider the handshake done, so our final volley must
				// have been lost on the way.
				channel.resendFinalVolley()
			} else {
				channel.queue.push(packet)
			}
		}
	}
}

// handleClientHello runs the stateless cookie exchange: unverified
// ClientHellos are answered with a HelloVerifyRequest challenge, and
// only a ClientHello echoing a valid cookie allocates a connection.
func (endpoint *Endpoint) handleClientHello(addr *net.UDPAddr, packet []byte) {
	endpoint.mu.Lock()
	conf := endpoint.listeningConf
	endpoint.mu.Unlock()
	if conf == nil {
		// Not serving; a ClientHello is just noise.
		return
	}

	epochSeqno, clientCookie, bits, err := wire.DecodeClientHello(packet)
	if err != nil {
		return
	}

	key, err := endpoint.signingKey()
	if err != nil {
		endpoint.log().WithError(err).Error("Generating the cookie signing key failed")
		return
	}

	if !cookie.Valid(key, clientCookie, addr, bits) {
		challenge, err := cookie.Challenge(key, addr, epochSeqno, bits)
		if err != nil {
			return
		}
		// Best effort: a send error or an already-closed socket just
		// means no challenge goes out this time.
		if err := endpoint.sendTo(challenge, addr); err != nil {
			endpoint.log().WithError(err).Debug("Sending a cookie challenge errored")
		}
		return
	}

	// A genuine, verified ClientHello.
	channel, err := newChannel(endpoint, addr, conf, ServerSide)
	if err != nil {
		endpoint.log().WithError(err).Error("Creating an engine for an incoming connection failed")
		return
	}

	// Our HelloVerifyRequest copied the first ClientHello's record
	// number and this second ClientHello used a higher one, so future
	// numbers continuing from here can never appear stale to the peer.
	channel.encoder.SetFirstRecordNumber(epochSeqno)

	// The ClientHello is fed twice. Certain engine versions consume it
	// from their input bio during the accept step but expect to re-read
	// it during the first handshake step; for everyone else the second
	// copy is an ordinary duplicate datagram, which UDP produces anyway.
	channel.engine.PushIncoming(packet)
	channel.engine.PushIncoming(packet)

	fingerprint := clientHelloFingerprint{
		cookie: string(clientCookie),
		bits:   string(bits),
	}

	endpoint.mu.Lock()
	if old := endpoint.channels[addr.String()]; old != nil {
		if old.clientHello == fingerprint {
			// Just a retransmitted copy of an already accepted
			// ClientHello.
			endpoint.mu.Unlock()
			return
		}
		// A really new handshake; the old connection is superseded.
		old.setReplaced()
		endpoint.log().WithField("peer", addr).Debug("Connection replaced by a new handshake")
	}
	channel.clientHello = fingerprint
	endpoint.channels[addr.String()] = channel
	endpoint.mu.Unlock()

	endpoint.incoming.push(channel)
}

// signingKey lazily generates the endpoint's cookie signing key on the
// first ClientHello. Never rotated, never persisted.
func (endpoint *Endpoint) signingKey() ([]byte, error) {
	endpoint.mu.Lock()
	defer endpoint.mu.Unlock()

	if endpoint.listeningKey == nil {
		key, err := cookie.NewKey()
		if err != nil {
			return nil, err
		}
		endpoint.listeningKey = key
	}
	return endpoint.listeningKey, nil
}

// Connect prepares an outgoing DTLS connection. No I/O happens here; the
// handshake runs on the first Send, Receive or explicit DoHandshake,
// leaving room to configure the Channel first, e.g. its MTU. A previous
// connection to the same address is superseded.
func (endpoint *Endpoint) Connect(addr *net.UDPAddr, config EngineConfig) (*Channel, error) {
	channel, err := newChannel(endpoint, addr, config, ClientSide)
	if err != nil {
		return nil, err
	}

	// Closed-check and registration stay in one critical section, so a
	// racing Close cannot slip between them and miss this channel in
	// its cascade.
	endpoint.mu.Lock()
	defer endpoint.mu.Unlock()
	if endpoint.closed {
		return nil, ErrClosed
	}
	if old := endpoint.channels[addr.String()]; old != nil {
		old.setReplaced()
	}
	endpoint.channels[addr.String()] = channel

	return channel, nil
}

// Serve accepts incoming connections and runs handler for each in its
// own goroutine, until the context is cancelled or the Endpoint closed.
// Each handler owns its Channel and the Channel is closed when the
// handler returns, however it returns.
//
// The Channel passed to a handler has completed the cookie exchange, so
// its peer address is trustworthy, but the cryptographic handshake only
// runs once the handler starts using the Channel. That leaves room for
// last-minute configuration and for handling handshake errors.
func (endpoint *Endpoint) Serve(ctx context.Context, config EngineConfig, handler func(context.Context, *Channel)) error {
	endpoint.mu.Lock()
	if endpoint.closed {
		endpoint.mu.Unlock()
		return ErrClosed
	}
	if endpoint.listeningConf != nil {
		endpoint.mu.Unlock()
		return errors.New("another Serve is already listening on this endpoint")
	}
	endpoint.listeningConf = config
	endpoint.mu.Unlock()

	defer func() {
		endpoint.mu.Lock()
		endpoint.listeningConf = nil
		endpoint.mu.Unlock()
	}()

	endpoint.ensureReceiveLoop()
	endpoint.log().Info("Serving DTLS connections")

	var handlers sync.WaitGroup
	defer handlers.Wait()

	for {
		channel, err := endpoint.incoming.pop(ctx.Done(), endpoint.stopSyn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}

		handlers.Add(1)
		go func(channel *Channel) {
			defer handlers.Done()
			defer channel.Close()

			handler(ctx, channel)
		}(channel)
	}
}

// Close closes the socket and all connections living on it.
func (endpoint *Endpoint) Close() error {
	endpoint.mu.Lock()
	if endpoint.closed {
		endpoint.mu.Unlock()
		return nil
	}
	endpoint.closed = true
	channels := make([]*Channel, 0, len(endpoint.channels))
	for _, channel := range endpoint.channels {
		channels = append(channels, channel)
	}
	endpoint.mu.Unlock()

	close(endpoint.stopSyn)

	var errs error
	if err := endpoint.conn.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	for _, channel := range channels {
		if err := channel.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	endpoint.incoming.close()

	return errs
}
