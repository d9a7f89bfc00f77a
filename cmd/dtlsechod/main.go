// dtlsechod is a DTLS echo daemon: every datagram a client sends over a
// handshaken connection comes straight back. It serves as a live test
// peer for adapter development and network debugging.
//
// It uses the cipherless plain engine, so everything crosses the wire
// readable. Do not point it at data you care about.
package main

import (
	"context"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/profile"

	"github.com/muxtls/dtls-go/dtls"
	"github.com/muxtls/dtls-go/engine/plain"
)

// waitSigint blocks the current thread until a SIGINT appears.
func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	<-signalAck
}

// watchConfig reapplies the Logging block whenever the configuration
// file changes, so the log level can be adjusted on a running daemon.
func watchConfig(filename string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filename); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case e, ok := <-watcher.Events:
				if !ok {
					return
				}
				if e.Op&fsnotify.Write == 0 {
					continue
				}

				var conf tomlConfig
				if _, err := toml.DecodeFile(filename, &conf); err != nil {
					log.WithError(err).Warn("Reloading the configuration failed")
					continue
				}
				applyLogging(conf.Logging)
				log.Info("Reloaded logging configuration")

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Error("fsnotify errored")
				return
			}
		}
	}()

	return watcher, nil
}

// echo answers every received datagram with itself.
func echo(ctx context.Context, channel *dtls.Channel) {
	logger := log.WithField("peer", channel.PeerAddr())
	logger.Info("Accepted connection")

	for {
		data, err := channel.Receive(ctx)
		if err != nil {
			logger.WithError(err).Debug("Connection ended")
			return
		}
		if err := channel.Send(ctx, data); err != nil {
			logger.WithError(err).Debug("Sending the echo errored")
			return
		}
	}
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	endpoint, manager, stats, conf, err := parseConfig(os.Args[1])
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Fatal("Failed to parse config")
	}

	if conf.Endpoint.Profiling {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	watcher, err := watchConfig(os.Args[1])
	if err != nil {
		log.WithError(err).Warn("Watching the configuration file failed")
	}

	if stats != nil {
		stats.start()
	}

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)

		err := endpoint.Serve(ctx, plain.Config{}, func(ctx context.Context, channel *dtls.Channel) {
			if stats != nil {
				defer stats.track(channel)()
			}
			echo(ctx, channel)
		})
		if err != nil && err != context.Canceled {
			log.WithError(err).Error("Serving errored")
		}
	}()

	waitSigint()
	log.Info("Shutting down..")

	cancel()
	if err := endpoint.Close(); err != nil {
		log.WithError(err).Warn("Closing the endpoint errored")
	}
	<-serveDone

	if manager != nil {
		manager.Close()
	}
	if stats != nil {
		stats.close()
	}
	if watcher != nil {
		_ = watcher.Close()
	}
}
