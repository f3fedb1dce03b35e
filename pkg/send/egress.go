// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package send

import (
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/dtn7/owl-go/pkg/metrics"
	"github.com/dtn7/owl-go/pkg/protocol"
)

// newPacer builds the token bucket shaping the useful rate. The bucket is
// filled in bytes of TCP ingress per second; each datagram of a block is
// charged its share of the block's useful bytes, so the wire rate exceeds
// the configured bandwidth by exactly the repair and header overhead.
func newPacer(maxBandwidth int64, params protocol.TransmissionParams) *rate.Limiter {
	bytesPerSecond := rate.Limit(float64(maxBandwidth) / 8)
	burst := 2 * chargePerDatagram(params)
	return rate.NewLimiter(bytesPerSecond, burst)
}

// chargePerDatagram is the token cost of one datagram: the block's K
// symbol payloads spread over all K+R datagrams, rounded up.
func chargePerDatagram(params protocol.TransmissionParams) int {
	total := params.K + params.R
	return (params.SymbolSize*params.K + total - 1) / total
}

// egress is the single owner of the UDP socket. It drains the ordered
// result slots, paces every datagram through the token bucket and keeps
// the wire alive with heartbeats.
func (s *Sender) egress() {
	defer close(s.stopAck)

	lastTx := time.Now()

	ticker := time.NewTicker(s.config.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSyn:
			return

		case <-ticker.C:
			if time.Since(lastTx) < s.config.Heartbeat {
				continue
			}

			if _, err := s.conn.Write(protocol.Heartbeat()); err != nil {
				metrics.TxUDPPktsErr.Inc()
			} else {
				metrics.TxUDPPkts.Inc()
				metrics.TxUDPBytes.Add(protocol.HeaderLen)
				lastTx = time.Now()
			}

		case slot, ok := <-s.order:
			if !ok {
				return
			}

			var res encoded
			select {
			case res = <-slot:
			case <-s.stopSyn:
				return
			}
			if res.err != nil {
				// Counted by the worker; the block is dropped and the
				// receiver will flag the session broken on the gap.
				continue
			}

			if s.transmit(res) {
				lastTx = time.Now()
			}
		}
	}
}

// transmit writes all symbols of one encoded block. Transient socket errors
// drop the single datagram, never the session; the FEC absorbs them like
// any other packet loss. Reports whether at least one datagram left.
func (s *Sender) transmit(res encoded) bool {
	charge := chargePerDatagram(s.config.Params)
	buf := make([]byte, s.config.Params.DatagramLen())
	sent := false

	for i, symbol := range res.symbols {
		if err := s.limiter.WaitN(s.ctx, charge); err != nil {
			return sent
		}

		flags := res.blk.flags
		if i >= s.config.Params.K {
			flags |= protocol.FlagRepair
		}

		protocol.Header{
			Version:     protocol.Version,
			Flags:       flags,
			SessionID:   res.blk.sessionID,
			BlockSeq:    res.blk.seq,
			SymbolIndex: uint16(i),
			K:           uint16(s.config.Params.K),
		}.MarshalBinary(buf)
		copy(buf[protocol.HeaderLen:], symbol)

		if _, err := s.conn.Write(buf); err != nil {
			metrics.TxUDPPktsErr.Inc()

			log.WithFields(log.Fields{
				"session": res.blk.sessionID,
				"block":   res.blk.seq,
				"symbol":  i,
				"error":   err,
			}).Debug("UDP send failed, datagram dropped")

			continue
		}

		metrics.TxUDPPkts.Inc()
		metrics.TxUDPBytes.Add(float64(len(buf)))
		sent = true
	}

	return sent
}
