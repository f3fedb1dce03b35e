// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package recv

import (
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/owl-go/pkg/metrics"
	"github.com/dtn7/owl-go/pkg/protocol"
)

// ingress is the single reader of the UDP socket. Datagrams are parsed
// right here so malformed ones never occupy queue slots; payloads are
// copied out of the reused receive buffer before the handoff.
func (r *Receiver) ingress() {
	defer close(r.datagrams)

	buf := make([]byte, r.config.Params.DatagramLen())

	for {
		select {
		case <-r.stopSyn:
			return

		default:
			if err := r.conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond)); err != nil {
				log.WithFields(log.Fields{
					"error": err,
				}).Warn("Receiver failed to set deadline on UDP socket")

				return
			}

			n, err := r.conn.Read(buf)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}

				metrics.RxUDPPktsErr.Inc()
				continue
			}

			metrics.RxUDPPkts.Inc()
			metrics.RxUDPBytes.Add(float64(n))

			header, payload, err := protocol.UnmarshalBinary(buf[:n])
			if err != nil {
				metrics.RxUDPPktsErr.Inc()

				log.WithFields(log.Fields{
					"error": err,
				}).Debug("Dropping malformed datagram")

				continue
			}

			select {
			case r.datagrams <- datagram{header: header, payload: append([]byte(nil), payload...)}:
			case <-r.stopSyn:
				return
			}
		}
	}
}
