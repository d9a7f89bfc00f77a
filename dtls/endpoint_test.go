package dtls

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"

	"github.com/muxtls/dtls-go/cookie"
	"github.com/muxtls/dtls-go/wire"
)

// recordingEngineConfig hands out inert engines and remembers them.
type recordingEngineConfig struct {
	created []*stubEngine
}

func (c *recordingEngineConfig) NewEngine(side Side) (Engine, error) {
	engine := &stubEngine{handshakeErr: ErrWantRead}
	c.created = append(c.created, engine)
	return engine, nil
}

// clientHelloPacket builds an unfragmented ClientHello datagram the way a
// client would, repeating the same parameters for a given random byte.
func clientHelloPacket(epochSeqno uint64, random byte, c []byte) []byte {
	body := make([]byte, 0, 96)
	body = append(body, wire.VersionDTLS12[:]...)
	body = append(body, bytes.Repeat([]byte{random}, 32)...)
	body = append(body, 0)
	body = append(body, byte(len(c)))
	body = append(body, c...)
	// One cipher suite, null compression.
	body = append(body, 0x00, 0x02, 0x00, 0x2f, 0x01, 0x00)

	payload := wire.EncodeHandshakeFragment(wire.HandshakeFragment{
		MsgType: wire.HandshakeClientHello,
		MsgLen:  uint32(len(body)),
		FragLen: uint32(len(body)),
		Frag:    body,
	})
	return wire.EncodeRecord(wire.Record{
		ContentType: wire.ContentHandshake,
		Version:     wire.VersionDTLS12,
		EpochSeqno:  epochSeqno,
		Payload:     payload,
	})
}

func listeningEndpoint(t *testing.T) (*Endpoint, *fakePacketConn, *recordingEngineConfig) {
	t.Helper()

	conn := newFakePacketConn()
	endpoint := NewEndpoint(conn)
	t.Cleanup(func() { endpoint.Close() })

	config := &recordingEngineConfig{}
	endpoint.mu.Lock()
	endpoint.listeningConf = config
	endpoint.mu.Unlock()

	return endpoint, conn, config
}

func pendingConnections(endpoint *Endpoint) int {
	endpoint.incoming.mu.Lock()
	defer endpoint.incoming.mu.Unlock()

	return len(endpoint.incoming.items)
}

func TestClientHelloIgnoredWithoutListener(t *testing.T) {
	conn := newFakePacketConn()
	endpoint := NewEndpoint(conn)
	defer endpoint.Close()

	endpoint.handleClientHello(testPeer, clientHelloPacket(0, 0x11, nil))

	if writes := conn.sentPackets(); len(writes) != 0 {
		t.Fatalf("Expected no reply, got %d packets", len(writes))
	}
	if channel := endpoint.lookup(testPeer); channel != nil {
		t.Fatal("A connection was allocated without a listener")
	}
}

func TestCookieExchange(t *testing.T) {
	endpoint, conn, config := listeningEndpoint(t)

	// First ClientHello, no cookie: a challenge goes out and no state is
	// allocated.
	endpoint.handleClientHello(testPeer, clientHelloPacket(0, 0x11, nil))

	writes := conn.sentPackets()
	if len(writes) != 1 {
		t.Fatalf("Expected 1 challenge, got %d packets", len(writes))
	}
	if writes[0].addr.String() != testPeer.String() {
		t.Fatalf("Challenge went to %v", writes[0].addr)
	}
	if channel := endpoint.lookup(testPeer); channel != nil {
		t.Fatal("A connection was allocated before cookie verification")
	}
	if len(config.created) != 0 {
		t.Fatal("An engine was created before cookie verification")
	}

	records, err := wire.DecodeRecords(writes[0].packet)
	if err != nil {
		t.Fatal(err)
	}
	if records[0].EpochSeqno != 0 {
		t.Fatalf("Challenge did not copy the ClientHello's record number: %d",
			records[0].EpochSeqno)
	}
	fragment, err := wire.DecodeHandshakeFragment(records[0].Payload)
	if err != nil {
		t.Fatal(err)
	}
	if fragment.MsgType != wire.HandshakeHelloVerifyRequest {
		t.Fatalf("Expected a HelloVerifyRequest, got %d", fragment.MsgType)
	}
	echoed := fragment.Frag[3:]
	if len(echoed) != cookie.CookieLength {
		t.Fatalf("Expected a %d byte cookie, got %d", cookie.CookieLength, len(echoed))
	}

	// Second ClientHello echoes the cookie with the same parameters and
	// a higher record number: a connection appears.
	hello2 := clientHelloPacket(1, 0x11, echoed)
	endpoint.handleClientHello(testPeer, hello2)

	channel := endpoint.lookup(testPeer)
	if channel == nil {
		t.Fatal("No connection after a verified ClientHello")
	}
	if pendingConnections(endpoint) != 1 {
		t.Fatalf("Expected 1 pending connection, got %d", pendingConnections(endpoint))
	}
	if channel.encoder.nextSeq != 1 {
		t.Fatalf("Record numbering does not continue from the ClientHello: %d",
			channel.encoder.nextSeq)
	}
	if len(config.created) != 1 {
		t.Fatalf("Expected 1 engine, got %d", len(config.created))
	}
	// The verified ClientHello is fed to the engine twice.
	pushed := config.created[0].pushed
	if len(pushed) != 2 || !bytes.Equal(pushed[0], hello2) || !bytes.Equal(pushed[1], hello2) {
		t.Fatalf("Engine did not get the ClientHello twice: %d pushes", len(pushed))
	}
}

func TestCookieRejectsForgedAddress(t *testing.T) {
	endpoint, conn, _ := listeningEndpoint(t)

	endpoint.handleClientHello(testPeer, clientHelloPacket(0, 0x11, nil))
	records, err := wire.DecodeRecords(conn.sentPackets()[0].packet)
	if err != nil {
		t.Fatal(err)
	}
	fragment, err := wire.DecodeHandshakeFragment(records[0].Payload)
	if err != nil {
		t.Fatal(err)
	}
	echoed := fragment.Frag[3:]

	// The same cookie from a different address is just challenged again.
	liar := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 99), Port: 2000}
	endpoint.handleClientHello(liar, clientHelloPacket(1, 0x11, echoed))

	if channel := endpoint.lookup(liar); channel != nil {
		t.Fatal("A forged address got a connection")
	}
	if writes := conn.sentPackets(); len(writes) != 2 {
		t.Fatalf("Expected a second challenge, got %d packets", len(writes))
	}
}

func TestClientHelloRetransmitAndReplacement(t *testing.T) {
	endpoint, conn, _ := listeningEndpoint(t)

	verified := func(random byte, epochSeqno uint64) []byte {
		endpoint.handleClientHello(testPeer, clientHelloPacket(epochSeqno, random, nil))
		writes := conn.sentPackets()
		records, err := wire.DecodeRecords(writes[len(writes)-1].packet)
		if err != nil {
			t.Fatal(err)
		}
		fragment, err := wire.DecodeHandshakeFragment(records[0].Payload)
		if err != nil {
			t.Fatal(err)
		}
		return clientHelloPacket(epochSeqno+1, random, fragment.Frag[3:])
	}

	hello := verified(0x11, 0)
	endpoint.handleClientHello(testPeer, hello)
	first := endpoint.lookup(testPeer)
	if first == nil {
		t.Fatal("No connection after a verified ClientHello")
	}

	// A retransmitted copy of the accepted ClientHello changes nothing.
	endpoint.handleClientHello(testPeer, hello)
	if endpoint.lookup(testPeer) != first {
		t.Fatal("A retransmitted ClientHello replaced the connection")
	}
	if pendingConnections(endpoint) != 1 {
		t.Fatalf("Expected 1 pending connection, got %d", pendingConnections(endpoint))
	}

	// A genuinely new handshake from the same address supersedes the old
	// connection.
	endpoint.handleClientHello(testPeer, verified(0x22, 10))
	second := endpoint.lookup(testPeer)
	if second == nil || second == first {
		t.Fatal("A new handshake did not produce a new connection")
	}
	if !first.replaced.Load() {
		t.Fatal("The old connection was not marked replaced")
	}
	first.didHandshake.Store(true)
	if _, err := first.Receive(context.Background()); !errors.Is(err, ErrReplaced) {
		t.Fatalf("Expected ErrReplaced from the old connection, got %v", err)
	}
	if pendingConnections(endpoint) != 2 {
		t.Fatalf("Expected 2 pending connections, got %d", pendingConnections(endpoint))
	}
}

func TestConnectCloseRace(t *testing.T) {
	// Whatever way a concurrent Connect and Close interleave, no open
	// channel may survive on a closed endpoint: Connect either fails
	// with ErrClosed or its channel is part of the close cascade.
	for i := 0; i < 200; i++ {
		endpoint := NewEndpoint(newFakePacketConn())

		var channel *Channel
		var connectErr error
		done := make(chan struct{})
		go func() {
			defer close(done)
			channel, connectErr = endpoint.Connect(testPeer, singleEngineConfig{&stubEngine{handshakeErr: ErrWantRead}})
		}()
		if err := endpoint.Close(); err != nil {
			t.Fatal(err)
		}
		<-done

		if connectErr != nil {
			if !errors.Is(connectErr, ErrClosed) {
				t.Fatalf("Expected ErrClosed, got %v", connectErr)
			}
			continue
		}
		if !channel.closed.Load() {
			t.Fatal("Connect raced Close and left an open channel behind")
		}
	}
}
