package main

import (
	"encoding/json"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/mux"

	"github.com/muxtls/dtls-go/dtls"
)

// statsServer exposes the daemon's active connections over HTTP.
type statsServer struct {
	router *mux.Router
	server *http.Server

	// map peer addresses to their *dtls.Channel
	channels sync.Map
}

// channelStats is one entry of the /channels response.
type channelStats struct {
	Peer           string `json:"peer"`
	PacketsDropped uint64 `json:"packets_dropped"`
}

func newStatsServer(listen string) (ss *statsServer) {
	ss = &statsServer{
		router: mux.NewRouter(),
	}
	ss.server = &http.Server{
		Addr:    listen,
		Handler: ss.router,
	}

	ss.router.HandleFunc("/channels", ss.handleChannels).Methods(http.MethodGet)

	return ss
}

// track a connection for the lifetime of its handler.
func (ss *statsServer) track(channel *dtls.Channel) func() {
	key := channel.PeerAddr().String()
	ss.channels.Store(key, channel)

	return func() { ss.channels.Delete(key) }
}

// handleChannels processes /channels GET requests.
func (ss *statsServer) handleChannels(w http.ResponseWriter, r *http.Request) {
	stats := make([]channelStats, 0)
	ss.channels.Range(func(k, v interface{}) bool {
		channel := v.(*dtls.Channel)
		stats = append(stats, channelStats{
			Peer:           k.(string),
			PacketsDropped: channel.Statistics().IncomingPacketsDropped,
		})
		return true
	})

	if err := json.NewEncoder(w).Encode(stats); err != nil {
		log.WithError(err).Warn("Failed to write channel statistics response")
	}
}

func (ss *statsServer) start() {
	go func() {
		if err := ss.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Statistics server errored")
		}
	}()
}

func (ss *statsServer) close() {
	_ = ss.server.Close()
}
