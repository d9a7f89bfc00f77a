package dtls_test

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/muxtls/dtls-go/dtls"
	"github.com/muxtls/dtls-go/engine/plain"
	"github.com/muxtls/dtls-go/wire"
)

func newUDPEndpoint(t *testing.T) (*dtls.Endpoint, *net.UDPAddr) {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	endpoint := dtls.NewEndpoint(conn)
	t.Cleanup(func() { endpoint.Close() })

	return endpoint, conn.LocalAddr().(*net.UDPAddr)
}

func TestLoopbackEcho(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server, serverAddr := newUDPEndpoint(t)
	client, _ := newUDPEndpoint(t)

	go func() {
		_ = server.Serve(ctx, plain.Config{}, func(ctx context.Context, channel *dtls.Channel) {
			for {
				data, err := channel.Receive(ctx)
				if err != nil {
					return
				}
				if err := channel.Send(ctx, data); err != nil {
					return
				}
			}
		})
	}()

	channel, err := client.Connect(serverAddr, plain.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := channel.DoHandshake(ctx); err != nil {
		t.Fatal(err)
	}
	// A second call is a no-op.
	if err := channel.DoHandshake(ctx); err != nil {
		t.Fatal(err)
	}

	mtu, err := channel.CleartextMTU()
	if err != nil {
		t.Fatal(err)
	}
	if mtu <= 0 || mtu >= 1472 {
		t.Fatalf("Implausible cleartext MTU %d", mtu)
	}

	for _, payload := range [][]byte{
		[]byte("ping"),
		bytes.Repeat([]byte{0xab}, mtu),
		{0x00},
	} {
		if err := channel.Send(ctx, payload); err != nil {
			t.Fatal(err)
		}
		echo, err := channel.Receive(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(echo, payload) {
			t.Fatalf("Echo differs: sent %d bytes, got %d", len(payload), len(echo))
		}
	}

	stats := channel.Statistics()
	if stats.IncomingPacketsDropped != 0 {
		t.Fatalf("Dropped %d packets on an idle loopback", stats.IncomingPacketsDropped)
	}
}

func TestLoopbackImplicitHandshake(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server, serverAddr := newUDPEndpoint(t)
	client, _ := newUDPEndpoint(t)

	received := make(chan []byte, 1)
	go func() {
		_ = server.Serve(ctx, plain.Config{}, func(ctx context.Context, channel *dtls.Channel) {
			data, err := channel.Receive(ctx)
			if err != nil {
				return
			}
			received <- data
		})
	}()

	channel, err := client.Connect(serverAddr, plain.Config{})
	if err != nil {
		t.Fatal(err)
	}

	// No explicit DoHandshake; the first Send performs it.
	if err := channel.Send(ctx, []byte("implicit")); err != nil {
		t.Fatal(err)
	}

	select {
	case data := <-received:
		if !bytes.Equal(data, []byte("implicit")) {
			t.Fatalf("Received %q", data)
		}
	case <-ctx.Done():
		t.Fatal("Server never received the datagram")
	}
}

// TestRawCookieChallenge talks to a serving endpoint from a plain UDP
// socket: the first ClientHello must be answered with a stateless
// HelloVerifyRequest.
func TestRawCookieChallenge(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server, serverAddr := newUDPEndpoint(t)
	go func() {
		_ = server.Serve(ctx, plain.Config{}, func(ctx context.Context, channel *dtls.Channel) {})
	}()

	conn, err := net.DialUDP("udp", nil, serverAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	body := make([]byte, 0, 64)
	body = append(body, wire.VersionDTLS12[:]...)
	body = append(body, bytes.Repeat([]byte{0x42}, 32)...)
	body = append(body, 0, 0)                   // empty session id and cookie
	body = append(body, 0x00, 0x02, 0x00, 0x2f) // one cipher suite
	body = append(body, 0x01, 0x00)             // null compression
	hello := wire.EncodeRecord(wire.Record{
		ContentType: wire.ContentHandshake,
		Version:     wire.VersionDTLS12,
		EpochSeqno:  0,
		Payload: wire.EncodeHandshakeFragment(wire.HandshakeFragment{
			MsgType: wire.HandshakeClientHello,
			MsgLen:  uint32(len(body)),
			FragLen: uint32(len(body)),
			Frag:    body,
		}),
	})

	if _, err := conn.Write(hello); err != nil {
		t.Fatal(err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatal(err)
	}

	records, err := wire.DecodeRecords(buf[:n])
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].ContentType != wire.ContentHandshake {
		t.Fatalf("Unexpected reply: %v", records)
	}
	fragment, err := wire.DecodeHandshakeFragment(records[0].Payload)
	if err != nil {
		t.Fatal(err)
	}
	if fragment.MsgType != wire.HandshakeHelloVerifyRequest {
		t.Fatalf("Expected a HelloVerifyRequest, got %d", fragment.MsgType)
	}
	if len(fragment.Frag) < 3 || fragment.Frag[2] == 0 {
		t.Fatalf("Challenge carries no cookie: %x", fragment.Frag)
	}
}
