// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package recv

import (
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/owl-go/pkg/metrics"
	"github.com/dtn7/owl-go/pkg/protocol"
)

// frSession is the framer's view of a session: the downstream connection
// and the small reorder buffer turning decode completion order back into
// block sequence order.
type frSession struct {
	id      uint32
	state   sessionState
	conn    net.Conn
	next    uint32
	pending map[uint32]decodedBlock
}

// frame delivers decoded blocks to the downstream TCP endpoint in strict
// per-session sequence order. It is the exclusive owner of all downstream
// connections.
func (r *Receiver) frame() {
	defer close(r.stopAck)

	sessions := make(map[uint32]*frSession)
	broken := make(map[uint32]bool)

	for {
		select {
		case res, ok := <-r.results:
			if !ok {
				for _, fs := range sessions {
					r.abort(fs, "receiver shutting down")
				}
				return
			}
			if broken[res.sessionID] {
				continue
			}
			r.handleDecoded(res, sessions, broken)

		case id := <-r.expiries:
			delete(broken, id)

			fs, known := sessions[id]
			if !known {
				continue
			}
			delete(sessions, id)

			if len(fs.pending) > 0 {
				r.abort(fs, "session expired with undelivered blocks")
			} else if fs.conn != nil {
				fs.state = stateClosed
				_ = fs.conn.Close()

				log.WithFields(log.Fields{
					"session": id,
				}).Info("Session expired, downstream connection closed")
			}
		}
	}
}

// handleDecoded files one decode result, delivering it and everything it
// unblocks, or breaking the session on a failed block or a hopeless gap.
func (r *Receiver) handleDecoded(res decodedBlock, sessions map[uint32]*frSession, broken map[uint32]bool) {
	fs, known := sessions[res.sessionID]
	if !known {
		fs = &frSession{
			id:      res.sessionID,
			state:   stateUnknown,
			pending: make(map[uint32]decodedBlock),
		}
		sessions[res.sessionID] = fs
	}

	if res.failed {
		delete(sessions, fs.id)
		broken[fs.id] = true
		r.abort(fs, "block lost beyond repair")
		return
	}

	if res.seq >= fs.next+uint32(r.config.ReorderWindow) {
		delete(sessions, fs.id)
		broken[fs.id] = true
		r.abort(fs, "block sequence gap exceeds reorder window")
		return
	}
	if res.seq < fs.next {
		// Duplicate decode of an already delivered block.
		return
	}

	fs.pending[res.seq] = res

	for {
		next, queued := fs.pending[fs.next]
		if !queued {
			return
		}
		delete(fs.pending, fs.next)
		fs.next++

		if !r.deliver(fs, next) {
			delete(sessions, fs.id)
			broken[fs.id] = true
			return
		}
		if fs.state == stateClosed {
			delete(sessions, fs.id)
			return
		}
	}
}

// deliver writes one in-order block downstream, handling the session's
// lifecycle markers. Reports false when the session died in the process.
func (r *Receiver) deliver(fs *frSession, res decodedBlock) bool {
	if res.flags.Has(protocol.FlagSessionOpen) {
		if fs.conn != nil {
			r.abort(fs, "unexpected session-open marker")
			return false
		}

		conn, err := dial(r.config.ToTCP)
		if err != nil {
			log.WithFields(log.Fields{
				"session": fs.id,
				"to":      r.config.ToTCP,
				"error":   err,
			}).Error("Dialing downstream endpoint failed")

			fs.state = stateBroken
			return false
		}

		fs.conn = conn
		fs.state = stateOpen
		metrics.RxSessions.Inc()

		log.WithFields(log.Fields{
			"session": fs.id,
		}).Debug("Session opened downstream")
	} else if fs.conn == nil {
		// Data before any session-open marker: the session predates us,
		// probably a receiver restart. Nothing can be delivered.
		r.abort(fs, "session without open marker")
		return false
	}

	if len(res.payload) > 0 {
		if _, err := fs.conn.Write(res.payload); err != nil {
			log.WithFields(log.Fields{
				"session": fs.id,
				"block":   res.seq,
				"error":   err,
			}).Warn("Downstream write failed")

			fs.state = stateBroken
			closeAbrupt(fs.conn)
			return false
		}

		metrics.RxTCPBytes.Add(float64(len(res.payload)))
		fs.state = stateDelivering
	}

	if res.flags.Has(protocol.FlagEndOfSession) {
		fs.state = stateClosed
		_ = fs.conn.Close()

		log.WithFields(log.Fields{
			"session": fs.id,
			"blocks":  fs.next,
		}).Debug("Session closed downstream")
	}

	return true
}

// abort breaks a session: the downstream connection is torn down abruptly
// so the far side sees an error, never silently truncated data.
func (r *Receiver) abort(fs *frSession, reason string) {
	fs.state = stateBroken

	log.WithFields(log.Fields{
		"session": fs.id,
		"block":   fs.next,
		"reason":  reason,
	}).Warn("Session broken")

	if fs.conn != nil {
		closeAbrupt(fs.conn)
		fs.conn = nil
	}
}

// closeAbrupt drops the connection with a reset instead of an orderly
// shutdown, signalling data loss to the downstream peer.
func closeAbrupt(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetLinger(0)
	}
	_ = conn.Close()
}
