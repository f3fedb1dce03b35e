// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package recv_test

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/dtn7/owl-go/pkg/fec"
	"github.com/dtn7/owl-go/pkg/protocol"
	"github.com/dtn7/owl-go/pkg/recv"
	"github.com/dtn7/owl-go/pkg/send"
)

func testParams(t *testing.T) protocol.TransmissionParams {
	params, err := protocol.DeriveParams(1500, 60000, 6000)
	if err != nil {
		t.Fatal(err)
	}
	return params
}

func testPattern(size int, seed byte) []byte {
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = seed ^ byte(i)
	}
	return payload
}

// startReceiver wires a Receiver to a fresh downstream TCP listener and
// returns both.
func startReceiver(t *testing.T, params protocol.TransmissionParams) (*recv.Receiver, *net.TCPListener) {
	downstream, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}

	receiver, err := recv.NewReceiver(recv.Config{
		BindUDP:           "127.0.0.1:0",
		ToTCP:             downstream.Addr().String(),
		Params:            params,
		FlushTimeout:      200 * time.Millisecond,
		SessionExpiration: 30 * time.Second,
		NbThreads:         2,
		MaxClients:        8,
		Heartbeat:         time.Second,
		UDPBufferSize:     4 << 20,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := receiver.Start(); err != nil {
		t.Fatal(err)
	}

	return receiver, downstream
}

// startSender wires a Sender to the given receiver.
func startSender(t *testing.T, params protocol.TransmissionParams, receiver *recv.Receiver) *send.Sender {
	sender, err := send.NewSender(send.Config{
		BindTCP:      "127.0.0.1:0",
		ToUDP:        receiver.Addr().String(),
		Params:       params,
		MaxBandwidth: 1_000_000_000,
		NbThreads:    2,
		MaxClients:   8,
		Heartbeat:    500 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := sender.Start(); err != nil {
		t.Fatal(err)
	}
	return sender
}

// collect accepts count downstream connections and returns each one's full
// byte stream.
func collect(downstream *net.TCPListener, count int) chan []byte {
	streams := make(chan []byte, count)

	go func() {
		for i := 0; i < count; i++ {
			conn, err := downstream.Accept()
			if err != nil {
				close(streams)
				return
			}

			go func(conn net.Conn) {
				data, _ := io.ReadAll(conn)
				_ = conn.Close()
				streams <- data
			}(conn)
		}
	}()

	return streams
}

func TestLoopbackSingleSession(t *testing.T) {
	params := testParams(t)

	receiver, downstream := startReceiver(t, params)
	defer func() { _ = receiver.Close() }()
	defer func() { _ = downstream.Close() }()

	sender := startSender(t, params, receiver)
	defer func() { _ = sender.Close() }()

	streams := collect(downstream, 1)

	payload := testPattern(200_000, 0)
	client, err := net.Dial("tcp", sender.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := client.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case data := <-streams:
		if !bytes.Equal(data, payload) {
			t.Fatalf("stream mangled: got %d bytes, want %d", len(data), len(payload))
		}
	case <-time.After(10 * time.Second):
		t.Fatal("downstream stream timed out")
	}
}

func TestLoopbackEmptySession(t *testing.T) {
	params := testParams(t)

	receiver, downstream := startReceiver(t, params)
	defer func() { _ = receiver.Close() }()
	defer func() { _ = downstream.Close() }()

	sender := startSender(t, params, receiver)
	defer func() { _ = sender.Close() }()

	streams := collect(downstream, 1)

	client, err := net.Dial("tcp", sender.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Close(); err != nil {
		t.Fatal(err)
	}

	// A session carrying zero bytes still opens and cleanly closes the
	// downstream connection.
	select {
	case data := <-streams:
		if len(data) != 0 {
			t.Fatalf("empty session delivered %d bytes", len(data))
		}
	case <-time.After(10 * time.Second):
		t.Fatal("downstream connection timed out")
	}
}

func TestLoopbackConcurrentSessions(t *testing.T) {
	params := testParams(t)

	receiver, downstream := startReceiver(t, params)
	defer func() { _ = receiver.Close() }()
	defer func() { _ = downstream.Close() }()

	sender := startSender(t, params, receiver)
	defer func() { _ = sender.Close() }()

	const sessions = 2
	streams := collect(downstream, sessions)

	payloads := map[byte][]byte{
		0x11: testPattern(100_000, 0x11),
		0x77: testPattern(100_000, 0x77),
	}

	errCh := make(chan error, sessions)
	for seed := range payloads {
		go func(payload []byte) {
			client, err := net.Dial("tcp", sender.Addr().String())
			if err != nil {
				errCh <- err
				return
			}

			// Interleave ingress in chunks.
			for off := 0; off < len(payload); off += 10_000 {
				end := off + 10_000
				if end > len(payload) {
					end = len(payload)
				}
				if _, err := client.Write(payload[off:end]); err != nil {
					errCh <- err
					return
				}
				time.Sleep(time.Millisecond)
			}

			errCh <- client.Close()
		}(payloads[seed])
	}
	for i := 0; i < sessions; i++ {
		if err := <-errCh; err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < sessions; i++ {
		select {
		case data := <-streams:
			if len(data) == 0 {
				t.Fatal("empty stream delivered")
			}
			expected, known := payloads[data[0]]
			if !known {
				t.Fatalf("stream with unknown seed %#02x", data[0])
			}
			if !bytes.Equal(data, expected) {
				t.Fatalf("stream %#02x mangled", data[0])
			}
			delete(payloads, data[0])
		case <-time.After(10 * time.Second):
			t.Fatal("downstream streams timed out")
		}
	}
}

// sendBlock emits one block's symbols directly onto the wire, skipping the
// given symbol indices, in reversed order to exercise reordering.
func sendBlock(t *testing.T, wire net.Conn, enc *fec.Encoder, sessionID, seq uint32, flags protocol.Flags, payload []byte, skip map[int]bool) {
	params := enc.Params()

	symbols, err := enc.Encode(payload)
	if err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, params.DatagramLen())
	for i := len(symbols) - 1; i >= 0; i-- {
		if skip[i] {
			continue
		}

		symbolFlags := flags
		if i >= params.K {
			symbolFlags |= protocol.FlagRepair
		}

		protocol.Header{
			Version:     protocol.Version,
			Flags:       symbolFlags,
			SessionID:   sessionID,
			BlockSeq:    seq,
			SymbolIndex: uint16(i),
			K:           uint16(params.K),
		}.MarshalBinary(buf)
		copy(buf[protocol.HeaderLen:], symbols[i])

		if _, err := wire.Write(buf); err != nil {
			t.Fatal(err)
		}
	}
}

func TestReceiverRecoversFromLoss(t *testing.T) {
	params := testParams(t)

	receiver, downstream := startReceiver(t, params)
	defer func() { _ = receiver.Close() }()
	defer func() { _ = downstream.Close() }()

	wire, err := net.Dial("udp", receiver.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = wire.Close() }()

	enc, err := fec.NewEncoder(params)
	if err != nil {
		t.Fatal(err)
	}

	streams := collect(downstream, 1)
	payload := testPattern(80_000, 0x42)

	// Drop R symbols of every block, the maximum the code absorbs.
	skip := map[int]bool{1: true, params.K / 3: true}
	for i := 2; i < params.R; i++ {
		skip[params.K+i] = true
	}

	capacity := params.BlockPayloadCapacity()
	sendBlock(t, wire, enc, 9, 0, protocol.FlagSessionOpen, nil, skip)
	sendBlock(t, wire, enc, 9, 1, 0, payload[:capacity], skip)
	sendBlock(t, wire, enc, 9, 2, protocol.FlagEndOfSession, payload[capacity:], skip)

	select {
	case data := <-streams:
		if !bytes.Equal(data, payload) {
			t.Fatalf("stream mangled after loss: got %d bytes, want %d", len(data), len(payload))
		}
	case <-time.After(10 * time.Second):
		t.Fatal("downstream stream timed out")
	}
}

func TestReceiverBreaksSessionOnLostBlock(t *testing.T) {
	params := testParams(t)

	receiver, downstream := startReceiver(t, params)
	defer func() { _ = receiver.Close() }()
	defer func() { _ = downstream.Close() }()

	wire, err := net.Dial("udp", receiver.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = wire.Close() }()

	enc, err := fec.NewEncoder(params)
	if err != nil {
		t.Fatal(err)
	}

	sendBlock(t, wire, enc, 13, 0, protocol.FlagSessionOpen, nil, nil)

	conn, err := downstream.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	// Block 1 loses all but one symbol; the flush timeout forces a decode
	// that cannot succeed and the session must die downstream.
	skip := make(map[int]bool)
	for i := 1; i < params.K+params.R; i++ {
		skip[i] = true
	}
	sendBlock(t, wire, enc, 13, 1, 0, testPattern(1000, 0x13), skip)

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	data, err := io.ReadAll(conn)
	if err == nil {
		t.Fatal("downstream connection survived a lost block")
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		t.Fatal("session was never broken")
	}
	if len(data) != 0 {
		t.Fatalf("%d garbled bytes delivered from a lost block", len(data))
	}
}
