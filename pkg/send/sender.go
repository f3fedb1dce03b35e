// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package send implements the sender side of the diode: a TCP acceptor
// assigning session ids, per-session ingress readers sealing payload into
// blocks, a pool of FEC encoder workers, and a single rate-limited UDP
// egress. Stages hand blocks over through bounded channels; backpressure
// propagates by blocking the upstream producer.
package send

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/dtn7/owl-go/pkg/fec"
	"github.com/dtn7/owl-go/pkg/protocol"
)

// Config holds the sender's operational parameters.
type Config struct {
	// BindTCP is the listen address for upstream TCP clients.
	BindTCP string
	// BindUDP optionally pins the local address of the UDP socket.
	BindUDP string
	// ToUDP is the remote address datagrams are sent to.
	ToUDP string

	// Params are the transmission parameters shared with the receiver.
	Params protocol.TransmissionParams

	// MaxBandwidth is the useful (TCP ingress) rate in bit/s.
	MaxBandwidth int64
	// NbThreads is the number of encoder workers.
	NbThreads int
	// MaxClients bounds the number of concurrent TCP sessions.
	MaxClients int
	// Heartbeat is the interval after which a heartbeat datagram is sent
	// on an otherwise silent wire.
	Heartbeat time.Duration
	// QueueDepth bounds the inter-stage channels. Zero selects
	// 2*NbThreads.
	QueueDepth int
}

// encoded is an encoder worker's result for one block.
type encoded struct {
	blk     *block
	symbols [][]byte
	err     error
}

// encodeJob couples a sealed block with the result slot the egress is
// already waiting on, so symbols leave in sealing order no matter which
// worker finishes first.
type encodeJob struct {
	blk  *block
	slot chan encoded
}

// Sender is the complete sender pipeline. Create it with NewSender, run it
// with Start and shut it down with Close.
type Sender struct {
	config  Config
	encoder *fec.Encoder

	listener *net.TCPListener
	conn     *net.UDPConn
	limiter  *rate.Limiter

	// blocks carries sealed blocks from the session handlers to the
	// sequencer, jobs from the sequencer to the encoder workers and order
	// the per-block result slots in sealing order to the egress.
	blocks chan *block
	jobs   chan encodeJob
	order  chan chan encoded

	nextSessionID uint32
	activeMutex   sync.Mutex
	active        map[uint32]net.Conn

	ctx     context.Context
	cancel  context.CancelFunc
	stopSyn chan struct{}
	stopAck chan struct{}
	workers sync.WaitGroup
}

// NewSender creates a Sender for the given Config without touching any
// socket yet.
func NewSender(config Config) (*Sender, error) {
	if config.MaxBandwidth <= 0 {
		return nil, fmt.Errorf("send: max bandwidth of %d bit/s", config.MaxBandwidth)
	}
	if config.NbThreads < 1 {
		return nil, fmt.Errorf("send: %d encoding threads", config.NbThreads)
	}
	if config.MaxClients < 1 {
		return nil, fmt.Errorf("send: %d max clients", config.MaxClients)
	}
	if config.Heartbeat <= 0 {
		return nil, fmt.Errorf("send: heartbeat interval of %v", config.Heartbeat)
	}

	encoder, err := fec.NewEncoder(config.Params)
	if err != nil {
		return nil, err
	}

	depth := config.QueueDepth
	if depth == 0 {
		depth = 2 * config.NbThreads
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Sender{
		config:  config,
		encoder: encoder,
		limiter: newPacer(config.MaxBandwidth, config.Params),
		blocks:  make(chan *block, depth),
		jobs:    make(chan encodeJob, depth),
		order:   make(chan chan encoded, depth),
		active:  make(map[uint32]net.Conn),
		ctx:     ctx,
		cancel:  cancel,
		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}, nil
}

// Start binds the sockets and launches all pipeline stages.
func (s *Sender) Start() error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", s.config.BindTCP)
	if err != nil {
		return fmt.Errorf("send: resolving %s: %w", s.config.BindTCP, err)
	}
	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("send: binding %s: %w", s.config.BindTCP, err)
	}
	s.listener = listener

	remoteAddr, err := net.ResolveUDPAddr("udp", s.config.ToUDP)
	if err != nil {
		_ = listener.Close()
		return fmt.Errorf("send: resolving %s: %w", s.config.ToUDP, err)
	}
	var localAddr *net.UDPAddr
	if s.config.BindUDP != "" {
		if localAddr, err = net.ResolveUDPAddr("udp", s.config.BindUDP); err != nil {
			_ = listener.Close()
			return fmt.Errorf("send: resolving %s: %w", s.config.BindUDP, err)
		}
	}
	conn, err := net.DialUDP("udp", localAddr, remoteAddr)
	if err != nil {
		_ = listener.Close()
		return fmt.Errorf("send: dialing %s: %w", s.config.ToUDP, err)
	}
	s.conn = conn

	for i := 0; i < s.config.NbThreads; i++ {
		s.workers.Add(1)
		go s.encodeWorker()
	}
	go s.sequencer()
	go s.acceptLoop()
	go s.egress()

	log.WithFields(log.Fields{
		"tcp":    s.config.BindTCP,
		"udp":    s.config.ToUDP,
		"params": s.config.Params.String(),
	}).Info("Sender started")

	return nil
}

// Addr returns the address of the TCP listener, valid after Start. Useful
// when binding to an ephemeral port.
func (s *Sender) Addr() net.Addr {
	return s.listener.Addr()
}

// Close stops the pipeline. Accepted connections are closed, in-flight
// blocks are abandoned.
func (s *Sender) Close() error {
	close(s.stopSyn)
	s.cancel()

	var errs *multierror.Error

	s.activeMutex.Lock()
	for _, conn := range s.active {
		if err := conn.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	s.activeMutex.Unlock()

	<-s.stopAck
	if err := s.conn.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}

	return errs.ErrorOrNil()
}
