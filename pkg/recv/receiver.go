// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package recv implements the receiver side of the diode: a UDP ingress
// reader, a dispatcher owning all per-session reassembly state, a pool of
// FEC decoder workers and a framer delivering decoded blocks in strict
// per-session order to the downstream TCP endpoint.
package recv

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/owl-go/pkg/fec"
	"github.com/dtn7/owl-go/pkg/protocol"
)

// Config holds the receiver's operational parameters.
type Config struct {
	// BindUDP is the listen address for the diode's datagrams.
	BindUDP string
	// ToTCP is the downstream endpoint sessions are replayed to.
	ToTCP string

	// Params are the transmission parameters shared with the sender.
	Params protocol.TransmissionParams

	// FlushTimeout bounds how long a block waits for further symbols
	// before a decode is forced.
	FlushTimeout time.Duration
	// SessionExpiration tears down sessions without ingress activity.
	SessionExpiration time.Duration
	// NbThreads is the number of decoder workers.
	NbThreads int
	// MaxClients bounds the number of concurrently tracked sessions.
	MaxClients int
	// Heartbeat is the sender's heartbeat interval; its absence for twice
	// this duration is warned about.
	Heartbeat time.Duration
	// UDPBufferSize is applied to the socket's SO_RCVBUF when non-zero.
	UDPBufferSize int
	// ReorderWindow is the number of undelivered blocks the framer holds
	// per session before declaring it broken. Zero selects 32.
	ReorderWindow int
	// QueueDepth bounds the inter-stage channels. Zero selects
	// 2*NbThreads.
	QueueDepth int
}

// datagram is one received and parsed datagram, payload copied out of the
// ingress buffer.
type datagram struct {
	header  protocol.Header
	payload []byte
}

// decodedBlock is a decoder worker's verdict on one block: either the
// block's payload or a terminal failure for the owning session.
type decodedBlock struct {
	sessionID uint32
	seq       uint32
	flags     protocol.Flags
	payload   []byte
	failed    bool
}

// Receiver is the complete receiver pipeline. Create it with NewReceiver,
// run it with Start and shut it down with Close.
type Receiver struct {
	config  Config
	decoder *fec.Decoder

	conn *net.UDPConn

	datagrams chan datagram
	jobs      chan *reassembly
	results   chan decodedBlock
	expiries  chan uint32

	stopSyn chan struct{}
	stopAck chan struct{}
	workers sync.WaitGroup
}

// NewReceiver creates a Receiver for the given Config without touching any
// socket yet.
func NewReceiver(config Config) (*Receiver, error) {
	if config.NbThreads < 1 {
		return nil, fmt.Errorf("recv: %d decoding threads", config.NbThreads)
	}
	if config.MaxClients < 1 {
		return nil, fmt.Errorf("recv: %d max clients", config.MaxClients)
	}
	if config.Heartbeat <= 0 {
		return nil, fmt.Errorf("recv: heartbeat interval of %v", config.Heartbeat)
	}

	decoder, err := fec.NewDecoder(config.Params)
	if err != nil {
		return nil, err
	}

	if config.ReorderWindow == 0 {
		config.ReorderWindow = 32
	}

	depth := config.QueueDepth
	if depth == 0 {
		depth = 2 * config.NbThreads
	}

	return &Receiver{
		config:    config,
		decoder:   decoder,
		datagrams: make(chan datagram, depth),
		jobs:      make(chan *reassembly, depth),
		results:   make(chan decodedBlock, depth),
		expiries:  make(chan uint32, depth),
		stopSyn:   make(chan struct{}),
		stopAck:   make(chan struct{}),
	}, nil
}

// Start binds the UDP socket and launches all pipeline stages.
func (r *Receiver) Start() error {
	udpAddr, err := net.ResolveUDPAddr("udp", r.config.BindUDP)
	if err != nil {
		return fmt.Errorf("recv: resolving %s: %w", r.config.BindUDP, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("recv: binding %s: %w", r.config.BindUDP, err)
	}
	r.conn = conn

	if r.config.UDPBufferSize > 0 {
		if err := conn.SetReadBuffer(r.config.UDPBufferSize); err != nil {
			log.WithFields(log.Fields{
				"size":  r.config.UDPBufferSize,
				"error": err,
			}).Warn("Receiver failed to grow the UDP receive buffer")
		}
	}

	for i := 0; i < r.config.NbThreads; i++ {
		r.workers.Add(1)
		go r.decodeWorker()
	}
	go r.ingress()
	go r.dispatch()
	go r.frame()

	log.WithFields(log.Fields{
		"udp":    r.config.BindUDP,
		"tcp":    r.config.ToTCP,
		"params": r.config.Params.String(),
	}).Info("Receiver started")

	return nil
}

// Addr returns the address of the UDP socket, valid after Start. Useful
// when binding to an ephemeral port.
func (r *Receiver) Addr() net.Addr {
	return r.conn.LocalAddr()
}

// Close stops the pipeline. Open downstream connections are closed, pending
// reassembly state is discarded.
func (r *Receiver) Close() error {
	close(r.stopSyn)
	<-r.stopAck

	var errs *multierror.Error
	if err := r.conn.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}

	return errs.ErrorOrNil()
}
