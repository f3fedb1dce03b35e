// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// owl-recv is the receiving side of the diode: it reassembles FEC-coded
// UDP datagrams into the original TCP sessions and replays them to the
// configured downstream endpoint.
package main

import (
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/pkg/profile"

	"github.com/dtn7/owl-go/pkg/metrics"
	"github.com/dtn7/owl-go/pkg/recv"
)

// waitSignal blocks the current thread until a SIGINT or SIGTERM appears.
func waitSignal() {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	<-signalAck
}

func main() {
	opts, err := parseFlags()
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Fatal("Invalid configuration")
	}

	if opts.profiling {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	if opts.metrics != "" {
		metrics.Serve(opts.metrics)
	}

	receiver, err := recv.NewReceiver(opts.receiver)
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Fatal("Invalid configuration")
	}

	if err := receiver.Start(); err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Fatal("Failed to start the receiver")
	}

	waitSignal()
	log.Info("Shutting down..")

	if err := receiver.Close(); err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Warn("Shutdown was not fully clean")
	}
}
