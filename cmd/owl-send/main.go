// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// owl-send is the emitting side of the diode: it accepts TCP sessions and
// carries them as FEC-coded UDP datagrams over the unidirectional link.
package main

import (
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/pkg/profile"

	"github.com/dtn7/owl-go/pkg/metrics"
	"github.com/dtn7/owl-go/pkg/send"
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

	sender, err := send.NewSender(opts.sender)
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Fatal("Invalid configuration")
	}

	if err := sender.Start(); err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Fatal("Failed to start the sender")
	}

	waitSignal()
	log.Info("Shutting down..")

	if err := sender.Close(); err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Warn("Shutdown was not fully clean")
	}
}
