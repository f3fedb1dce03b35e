// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package send

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/dtn7/owl-go/pkg/fec"
	"github.com/dtn7/owl-go/pkg/protocol"
)

func testParams(t *testing.T) protocol.TransmissionParams {
	params, err := protocol.DeriveParams(1500, 60000, 6000)
	if err != nil {
		t.Fatal(err)
	}
	return params
}

func TestChargePerDatagram(t *testing.T) {
	params := testParams(t)
	charge := chargePerDatagram(params)

	// All K+R datagrams of a block together must pay for at least the
	// block's useful bytes, but the rounding may add less than one byte per
	// datagram.
	total := charge * (params.K + params.R)
	if total < params.SymbolSize*params.K {
		t.Fatalf("block underpays: %d < %d", total, params.SymbolSize*params.K)
	}
	if total >= params.SymbolSize*params.K+params.K+params.R {
		t.Fatalf("block overpays: %d", total)
	}
}

// TestSenderWireFormat runs a whole sender pipeline against a local UDP
// socket and decodes what comes out: every sealed block must arrive as
// exactly K+R distinct symbols and decode back to the ingested bytes.
func TestSenderWireFormat(t *testing.T) {
	params := testParams(t)

	wire, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = wire.Close() }()
	_ = wire.SetReadBuffer(4 << 20)

	sender, err := NewSender(Config{
		BindTCP:      "127.0.0.1:0",
		ToUDP:        wire.LocalAddr().String(),
		Params:       params,
		MaxBandwidth: 1_000_000_000,
		NbThreads:    2,
		MaxClients:   4,
		Heartbeat:    time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := sender.Start(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = sender.Close() }()

	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte(i)
	}

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

	// Collect the two expected blocks: the session-open marker and the
	// data block carrying the end-of-session flag.
	type blockState struct {
		flags   protocol.Flags
		symbols [][]byte
		count   int
	}
	blocks := make(map[uint32]*blockState)
	buf := make([]byte, params.DatagramLen())

	deadline := time.Now().Add(5 * time.Second)
	for {
		complete := len(blocks) == 2
		for _, blk := range blocks {
			if blk.count != params.K+params.R {
				complete = false
			}
		}
		if complete {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out, got %d blocks", len(blocks))
		}

		_ = wire.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, err := wire.Read(buf)
		if err != nil {
			continue
		}

		header, symbol, err := protocol.UnmarshalBinary(buf[:n])
		if err != nil {
			t.Fatal(err)
		}
		if header.IsHeartbeat() {
			continue
		}

		if header.SessionID != 1 {
			t.Fatalf("session id %d, want 1", header.SessionID)
		}
		if int(header.K) != params.K {
			t.Fatalf("header k %d, want %d", header.K, params.K)
		}
		if repair := int(header.SymbolIndex) >= params.K; repair != header.Flags.Has(protocol.FlagRepair) {
			t.Fatalf("repair flag inconsistent on symbol %d", header.SymbolIndex)
		}

		blk, exists := blocks[header.BlockSeq]
		if !exists {
			blk = &blockState{symbols: make([][]byte, params.K+params.R)}
			blocks[header.BlockSeq] = blk
		}
		if blk.symbols[header.SymbolIndex] != nil {
			t.Fatalf("duplicate symbol %d of block %d", header.SymbolIndex, header.BlockSeq)
		}
		blk.symbols[header.SymbolIndex] = append([]byte(nil), symbol...)
		blk.count++
		blk.flags |= header.Flags &^ protocol.FlagRepair
	}

	dec, err := fec.NewDecoder(params)
	if err != nil {
		t.Fatal(err)
	}

	opener, exists := blocks[0]
	if !exists || !opener.flags.Has(protocol.FlagSessionOpen) {
		t.Fatal("no session-open marker block")
	}
	openerPayload, err := dec.Decode(opener.symbols)
	if err != nil {
		t.Fatal(err)
	}
	if len(openerPayload) != 0 {
		t.Fatalf("open marker carries %d bytes", len(openerPayload))
	}

	data, exists := blocks[1]
	if !exists || !data.flags.Has(protocol.FlagEndOfSession) {
		t.Fatal("no final data block with end-of-session flag")
	}
	dataPayload, err := dec.Decode(data.symbols)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dataPayload, payload) {
		t.Fatal("data block does not decode to the ingested bytes")
	}
}

// TestSenderRejectsExcessClients checks the client limit: connections over
// nb-clients are closed right away.
func TestSenderRejectsExcessClients(t *testing.T) {
	params := testParams(t)

	wire, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = wire.Close() }()

	sender, err := NewSender(Config{
		BindTCP:      "127.0.0.1:0",
		ToUDP:        wire.LocalAddr().String(),
		Params:       params,
		MaxBandwidth: 1_000_000_000,
		NbThreads:    1,
		MaxClients:   1,
		Heartbeat:    time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := sender.Start(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = sender.Close() }()

	first, err := net.Dial("tcp", sender.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = first.Close() }()

	// The first session must be registered before the second connect.
	time.Sleep(200 * time.Millisecond)

	second, err := net.Dial("tcp", sender.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = second.Close() }()

	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := second.Read(make([]byte, 1)); err == nil {
		t.Fatal("excess connection was not closed")
	}
}
