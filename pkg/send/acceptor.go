// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package send

import (
	"io"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/owl-go/pkg/metrics"
	"github.com/dtn7/owl-go/pkg/protocol"
)

// acceptLoop accepts upstream TCP clients and assigns session ids. The
// deadline keeps the loop responsive to shutdown.
func (s *Sender) acceptLoop() {
	for {
		select {
		case <-s.stopSyn:
			_ = s.listener.Close()
			return

		default:
			if err := s.listener.SetDeadline(time.Now().Add(50 * time.Millisecond)); err != nil {
				log.WithFields(log.Fields{
					"error": err,
				}).Warn("Sender failed to set deadline on TCP listener")

				return
			}

			conn, err := s.listener.Accept()
			if err != nil {
				continue
			}

			s.activeMutex.Lock()
			if len(s.active) >= s.config.MaxClients {
				s.activeMutex.Unlock()

				log.WithFields(log.Fields{
					"conn":        conn.RemoteAddr(),
					"max_clients": s.config.MaxClients,
				}).Warn("Sender rejected connection, client limit reached")

				_ = conn.Close()
				continue
			}

			s.nextSessionID++
			sessionID := s.nextSessionID
			s.active[sessionID] = conn
			s.activeMutex.Unlock()

			metrics.TxSessions.Inc()
			go s.handleSession(conn, sessionID)
		}
	}
}

// handleSession is the ingress reader and block former for one session:
// it reads full blocks from the client, seals them with dense sequence
// numbers and frames the session with open and close marker blocks.
func (s *Sender) handleSession(conn net.Conn, sessionID uint32) {
	state := stateAccepting

	defer func() {
		_ = conn.Close()

		s.activeMutex.Lock()
		delete(s.active, sessionID)
		s.activeMutex.Unlock()

		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"session": sessionID,
				"error":   r,
			}).Warn("Sender's session handler failed")
		}
	}()

	log.WithFields(log.Fields{
		"session": sessionID,
		"conn":    conn.RemoteAddr(),
	}).Debug("Session accepted")

	if !s.seal(&block{sessionID: sessionID, seq: 0, flags: protocol.FlagSessionOpen}) {
		return
	}
	state = stateOpen

	var seq uint32 = 1
	buf := make([]byte, s.config.Params.BlockPayloadCapacity())

	for {
		n, err := io.ReadFull(conn, buf)
		if n > 0 {
			metrics.TxTCPBytes.Add(float64(n))
		}

		if err == nil {
			payload := append([]byte(nil), buf...)
			if !s.seal(&block{sessionID: sessionID, seq: seq, payload: payload}) {
				return
			}
			seq++
			continue
		}

		// A read error is indistinguishable from a clean close on the
		// wire; both end in a clean end-of-session marker.
		if err != io.EOF && err != io.ErrUnexpectedEOF {
			log.WithFields(log.Fields{
				"session": sessionID,
				"error":   err,
			}).Warn("Session read failed, closing")
		}

		state = stateDraining
		payload := append([]byte(nil), buf[:n]...)
		if !s.seal(&block{sessionID: sessionID, seq: seq, flags: protocol.FlagEndOfSession, payload: payload}) {
			return
		}

		state = stateClosed
		log.WithFields(log.Fields{
			"session": sessionID,
			"blocks":  seq + 1,
			"state":   state,
		}).Debug("Session drained")

		return
	}
}

// seal hands a sealed block to the encoding stage, blocking for
// backpressure. It reports false when the sender is shutting down.
func (s *Sender) seal(blk *block) bool {
	select {
	case s.blocks <- blk:
		return true
	case <-s.stopSyn:
		return false
	}
}
