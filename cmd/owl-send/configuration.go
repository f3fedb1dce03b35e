// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/owl-go/pkg/protocol"
	"github.com/dtn7/owl-go/pkg/send"
)

// tomlConfig describes the optional TOML configuration file. Values from
// the file fill in every flag not given explicitly on the command line.
type tomlConfig struct {
	Diode   diodeConf
	Logging logConf
}

// diodeConf mirrors the sender's command line flags.
type diodeConf struct {
	BindTCP           string `toml:"bind-tcp"`
	ToUDP             string `toml:"to-udp"`
	BindUDP           string `toml:"bind-udp"`
	UDPMTU            int    `toml:"udp-mtu"`
	EncodingBlockSize int    `toml:"encoding-block-size"`
	RepairBlockSize   int    `toml:"repair-block-size"`
	MaxBandwidth      int64  `toml:"max-bandwidth"`
	NbThreads         int    `toml:"nb-threads"`
	NbClients         int    `toml:"nb-clients"`
	Heartbeat         int    `toml:"heartbeat"`
	Metrics           string `toml:"metrics"`
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

type options struct {
	sender    send.Config
	metrics   string
	profiling bool
}

// parseFlags reads the command line and, if given, the TOML configuration
// file. Explicit flags always win over file values.
func parseFlags() (opts options, err error) {
	var (
		bindTCP     = flag.String("bind-tcp", "127.0.0.1:5000", "TCP listen address for upstream clients")
		toUDP       = flag.String("to-udp", "127.0.0.1:5001", "UDP address of the receiving diode side")
		bindUDP     = flag.String("bind-udp", "", "local address of the UDP socket")
		udpMTU      = flag.Int("udp-mtu", 1500, "MTU of the UDP link in bytes")
		encBlock    = flag.Int("encoding-block-size", 60000, "encoding block size in bytes")
		repBlock    = flag.Int("repair-block-size", 6000, "repair block size in bytes")
		maxBw       = flag.Int64("max-bandwidth", 1_000_000_000, "useful TCP ingress rate in bit/s")
		nbThreads   = flag.Int("nb-threads", 4, "number of encoding threads")
		nbClients   = flag.Int("nb-clients", 16, "maximum number of concurrent TCP sessions")
		heartbeat   = flag.Int("heartbeat", 1000, "heartbeat interval in milliseconds")
		metricsAddr = flag.String("metrics", "", "listen address of the Prometheus endpoint, disabled when empty")
		configFile  = flag.String("config", "", "optional TOML configuration file")
		logLevel    = flag.String("log-level", "info", "log level: trace, debug, info, warn, error")
		logFormat   = flag.String("log-format", "text", "log format: text or json")
		logCaller   = flag.Bool("log-caller", false, "log the calling method")
		profiling   = flag.Bool("profiling", false, "write a CPU profile to the working directory")
	)

	flag.Parse()

	if *configFile != "" {
		var conf tomlConfig
		if _, err = toml.DecodeFile(*configFile, &conf); err != nil {
			err = fmt.Errorf("parsing %s: %w", *configFile, err)
			return
		}

		given := make(map[string]bool)
		flag.Visit(func(f *flag.Flag) { given[f.Name] = true })

		applyFileValues(conf.Diode, given, map[string]interface{}{
			"bind-tcp":            bindTCP,
			"to-udp":              toUDP,
			"bind-udp":            bindUDP,
			"udp-mtu":             udpMTU,
			"encoding-block-size": encBlock,
			"repair-block-size":   repBlock,
			"max-bandwidth":       maxBw,
			"nb-threads":          nbThreads,
			"nb-clients":          nbClients,
			"heartbeat":           heartbeat,
			"metrics":             metricsAddr,
		})

		configureLogging(conf.Logging, given, *logLevel, *logFormat, *logCaller)
	} else {
		configureLogging(logConf{}, map[string]bool{
			"log-level": true, "log-format": true, "log-caller": true,
		}, *logLevel, *logFormat, *logCaller)
	}

	params, err := protocol.DeriveParams(*udpMTU, *encBlock, *repBlock)
	if err != nil {
		return
	}

	opts = options{
		sender: send.Config{
			BindTCP:      *bindTCP,
			BindUDP:      *bindUDP,
			ToUDP:        *toUDP,
			Params:       params,
			MaxBandwidth: *maxBw,
			NbThreads:    *nbThreads,
			MaxClients:   *nbClients,
			Heartbeat:    time.Duration(*heartbeat) * time.Millisecond,
		},
		metrics:   *metricsAddr,
		profiling: *profiling,
	}
	return
}

// applyFileValues copies file values into the flags the user did not give.
func applyFileValues(conf diodeConf, given map[string]bool, flags map[string]interface{}) {
	setString := func(name, value string) {
		if !given[name] && value != "" {
			*flags[name].(*string) = value
		}
	}
	setInt := func(name string, value int) {
		if !given[name] && value != 0 {
			*flags[name].(*int) = value
		}
	}

	setString("bind-tcp", conf.BindTCP)
	setString("to-udp", conf.ToUDP)
	setString("bind-udp", conf.BindUDP)
	setInt("udp-mtu", conf.UDPMTU)
	setInt("encoding-block-size", conf.EncodingBlockSize)
	setInt("repair-block-size", conf.RepairBlockSize)
	if !given["max-bandwidth"] && conf.MaxBandwidth != 0 {
		*flags["max-bandwidth"].(*int64) = conf.MaxBandwidth
	}
	setInt("nb-threads", conf.NbThreads)
	setInt("nb-clients", conf.NbClients)
	setInt("heartbeat", conf.Heartbeat)
	setString("metrics", conf.Metrics)
}

// configureLogging sets up logrus from the file block, overridden by any
// explicitly given logging flags.
func configureLogging(conf logConf, given map[string]bool, level, format string, caller bool) {
	if given["log-level"] || conf.Level == "" {
		conf.Level = level
	}
	if given["log-format"] || conf.Format == "" {
		conf.Format = format
	}
	if given["log-caller"] {
		conf.ReportCaller = caller
	}

	if lvl, err := log.ParseLevel(conf.Level); err != nil {
		log.WithFields(log.Fields{
			"level": conf.Level,
		}).Warn("Unknown log level, falling back to info")
	} else {
		log.SetLevel(lvl)
	}

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		log.WithFields(log.Fields{
			"format": conf.Format,
		}).Warn("Unknown log format, falling back to text")
	}

	log.SetReportCaller(conf.ReportCaller)
}
