// dtlscat sends stdin to a DTLS peer, one datagram per line, and prints
// every received datagram to stdout. A netcat for quick manual testing
// against dtlsechod, using the cipherless plain engine.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/muxtls/dtls-go/dtls"
	"github.com/muxtls/dtls-go/engine/plain"
)

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s host:port", os.Args[0])
	}

	peerAddr, err := net.ResolveUDPAddr("udp", os.Args[1])
	if err != nil {
		log.WithError(err).Fatal("Failed to resolve the peer address")
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		log.WithError(err).Fatal("Failed to open a UDP socket")
	}
	endpoint := dtls.NewEndpoint(conn)
	defer func() { _ = endpoint.Close() }()

	channel, err := endpoint.Connect(peerAddr, plain.Config{})
	if err != nil {
		log.WithError(err).Fatal("Failed to prepare the connection")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := channel.DoHandshake(ctx); err != nil {
		log.WithError(err).Fatal("Handshake failed")
	}

	go func() {
		for {
			data, err := channel.Receive(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, dtls.ErrClosed) {
					log.WithError(err).Error("Receiving errored")
				}
				return
			}
			fmt.Printf("%s\n", data)
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := channel.Send(ctx, line); err != nil {
			log.WithError(err).Fatal("Sending errored")
		}
	}
	if err := scanner.Err(); err != nil {
		log.WithError(err).Error("Reading stdin errored")
	}
}
