package main

import (
	"fmt"
	"net"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/BurntSushi/toml"
	"github.com/muxtls/dtls-go/discovery"
	"github.com/muxtls/dtls-go/dtls"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Endpoint  endpointConf
	Logging   logConf
	Discovery discoveryConf
	Stats     statsConf
}

// endpointConf describes the Endpoint-configuration block.
type endpointConf struct {
	Listen    string
	Service   string
	Buffer    int
	Profiling bool
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// discoveryConf describes the Discovery-configuration block.
type discoveryConf struct {
	Announce bool
	IPv4     bool
	IPv6     bool
	Interval uint
}

// statsConf describes the Stats-configuration block.
type statsConf struct {
	Listen string
}

// applyLogging configures logrus from the Logging block. Called again on
// every configuration reload.
func applyLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

func parseListenPort(endpoint string) (port int, err error) {
	var portStr string
	_, portStr, err = net.SplitHostPort(endpoint)
	if err != nil {
		return
	}
	port, err = strconv.Atoi(portStr)
	return
}

// parseConfig reads the configuration file and builds the daemon's
// parts: the serving Endpoint, an optional discovery Manager and an
// optional statistics server.
func parseConfig(filename string) (endpoint *dtls.Endpoint, manager *discovery.Manager, stats *statsServer, conf tomlConfig, err error) {
	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}

	applyLogging(conf.Logging)

	if conf.Endpoint.Listen == "" {
		err = fmt.Errorf("endpoint.listen is empty")
		return
	}
	if conf.Endpoint.Service == "" {
		conf.Endpoint.Service = "echo"
	}

	addr, addrErr := net.ResolveUDPAddr("udp", conf.Endpoint.Listen)
	if addrErr != nil {
		err = addrErr
		return
	}
	conn, listenErr := net.ListenUDP("udp", addr)
	if listenErr != nil {
		err = listenErr
		return
	}

	var opts []dtls.EndpointOption
	if conf.Endpoint.Buffer > 0 {
		opts = append(opts, dtls.WithIncomingPacketsBuffer(conf.Endpoint.Buffer))
	}
	endpoint = dtls.NewEndpoint(conn, opts...)

	if conf.Discovery.Announce {
		port, portErr := parseListenPort(conf.Endpoint.Listen)
		if portErr != nil {
			err = portErr
			return
		}
		if conf.Discovery.Interval == 0 {
			conf.Discovery.Interval = 10
		}

		announcements := []discovery.Announcement{
			{Service: conf.Endpoint.Service, Port: uint(port)},
		}
		peerFunc := func(announcement discovery.Announcement, addr *net.UDPAddr) {
			log.WithFields(log.Fields{
				"service": announcement.Service,
				"peer":    addr,
			}).Debug("Discovered a peer")
		}

		manager, err = discovery.NewManager(
			announcements, peerFunc, conf.Discovery.Interval,
			conf.Discovery.IPv4, conf.Discovery.IPv6)
		if err != nil {
			return
		}
	}

	if conf.Stats.Listen != "" {
		stats = newStatsServer(conf.Stats.Listen)
	}

	return
}
