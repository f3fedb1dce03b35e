// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package recv

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/owl-go/pkg/metrics"
	"github.com/dtn7/owl-go/pkg/protocol"
)

// reassembly collects the symbols of one block until a decode is
// triggered. Each context is mutated by the dispatcher alone; once ready it
// is owned by exactly one decoder worker and the dispatcher keeps only a
// stub to drop late symbols.
type reassembly struct {
	sessionID uint32
	seq       uint32
	flags     protocol.Flags
	symbols   [][]byte
	received  int
	lastSym   time.Time
	ready     bool
}

// rxSession is the dispatcher's view of a session: its reassembly contexts
// and the activity clock driving expiration.
type rxSession struct {
	id           uint32
	state        sessionState
	lastActivity time.Time
	contexts     map[uint32]*reassembly
	maxSeq       uint32
}

// dispatch owns all per-session reassembly state. It routes parsed
// datagrams into contexts, hands decode-ready contexts to the worker pool
// and runs the flush, expiration and heartbeat-absence timers.
func (r *Receiver) dispatch() {
	defer func() {
		close(r.jobs)
		r.workers.Wait()
		close(r.results)
	}()

	sessions := make(map[uint32]*rxSession)
	closed := make(map[uint32]time.Time)

	lastBeat := time.Now()
	lastBeatWarn := time.Time{}

	tick := 50 * time.Millisecond
	if r.config.FlushTimeout > 0 && r.config.FlushTimeout < tick {
		tick = r.config.FlushTimeout
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case dg, ok := <-r.datagrams:
			if !ok {
				return
			}

			// Any datagram proves the link alive; the sender only emits
			// heartbeats while no data is flowing.
			lastBeat = time.Now()
			if dg.header.IsHeartbeat() {
				continue
			}

			r.route(dg, sessions, closed)
			if r.config.FlushTimeout == 0 {
				r.flushScan(sessions)
			}

		case <-ticker.C:
			r.flushScan(sessions)
			r.expireScan(sessions, closed)

			if time.Since(lastBeat) > 2*r.config.Heartbeat && time.Since(lastBeatWarn) > 2*r.config.Heartbeat {
				lastBeatWarn = time.Now()

				log.WithFields(log.Fields{
					"last_heartbeat": lastBeat,
				}).Warn("No heartbeat from the sender, the link may be down")
			}
		}
	}
}

// route files one data datagram into its reassembly context, creating
// session and context lazily.
func (r *Receiver) route(dg datagram, sessions map[uint32]*rxSession, closed map[uint32]time.Time) {
	header := dg.header
	total := r.config.Params.K + r.config.Params.R

	if header.SessionID == protocol.HeartbeatSessionID ||
		int(header.K) != r.config.Params.K ||
		int(header.SymbolIndex) >= total ||
		len(dg.payload) != r.config.Params.SymbolSize {
		metrics.RxUDPPktsErr.Inc()

		log.WithFields(log.Fields{
			"datagram": header.String(),
		}).Debug("Dropping inconsistent datagram")

		return
	}

	if _, isClosed := closed[header.SessionID]; isClosed {
		return
	}

	sess, known := sessions[header.SessionID]
	if !known {
		if len(sessions) >= r.config.MaxClients {
			metrics.RxUDPPktsErr.Inc()

			log.WithFields(log.Fields{
				"session":     header.SessionID,
				"max_clients": r.config.MaxClients,
			}).Warn("Dropping datagram, session limit reached")

			return
		}

		sess = &rxSession{
			id:       header.SessionID,
			state:    stateOpen,
			contexts: make(map[uint32]*reassembly),
		}
		sessions[header.SessionID] = sess

		log.WithFields(log.Fields{
			"session": header.SessionID,
		}).Debug("Tracking new session")
	}
	sess.lastActivity = time.Now()
	if header.BlockSeq > sess.maxSeq {
		sess.maxSeq = header.BlockSeq
	}

	ctx, exists := sess.contexts[header.BlockSeq]
	if !exists {
		ctx = &reassembly{
			sessionID: header.SessionID,
			seq:       header.BlockSeq,
			symbols:   make([][]byte, total),
		}
		sess.contexts[header.BlockSeq] = ctx
	}
	if ctx.ready {
		// Late symbol for a block already under decode.
		return
	}

	if ctx.symbols[header.SymbolIndex] != nil {
		return
	}
	ctx.symbols[header.SymbolIndex] = dg.payload
	ctx.received++
	ctx.lastSym = time.Now()
	ctx.flags |= header.Flags &^ protocol.FlagRepair

	if ctx.received >= r.config.Params.K {
		r.handOff(ctx)
	}
}

// handOff moves a context's symbols to the decoder pool. The stub stays
// behind so late symbols are recognized and dropped.
func (r *Receiver) handOff(ctx *reassembly) {
	job := &reassembly{
		sessionID: ctx.sessionID,
		seq:       ctx.seq,
		flags:     ctx.flags,
		symbols:   ctx.symbols,
		received:  ctx.received,
	}
	ctx.symbols = nil
	ctx.ready = true

	select {
	case r.jobs <- job:
	case <-r.stopSyn:
	}
}

// flushScan forces decode attempts on stalled blocks, those without a new
// symbol for the flush timeout: a block with a later block already arriving,
// or the block at the head of its session. How long a block has been the
// head is not tracked; only the time since its last symbol counts.
func (r *Receiver) flushScan(sessions map[uint32]*rxSession) {
	now := time.Now()

	for _, sess := range sessions {
		minSeq, hasMin := uint32(0), false
		for seq, ctx := range sess.contexts {
			if !ctx.ready && (!hasMin || seq < minSeq) {
				minSeq, hasMin = seq, true
			}
		}
		if !hasMin {
			continue
		}

		for _, ctx := range sess.contexts {
			if ctx.ready || ctx.received == 0 {
				continue
			}

			if now.Sub(ctx.lastSym) < r.config.FlushTimeout {
				continue
			}

			if sess.maxSeq > ctx.seq || ctx.seq == minSeq {
				log.WithFields(log.Fields{
					"session": ctx.sessionID,
					"block":   ctx.seq,
					"symbols": ctx.received,
				}).Debug("Flushing block")

				r.handOff(ctx)
			}
		}
	}
}

// expireScan tears down idle sessions and forgets long-closed ids.
func (r *Receiver) expireScan(sessions map[uint32]*rxSession, closed map[uint32]time.Time) {
	now := time.Now()

	for id, sess := range sessions {
		if now.Sub(sess.lastActivity) < r.config.SessionExpiration {
			continue
		}

		log.WithFields(log.Fields{
			"session": id,
			"idle":    now.Sub(sess.lastActivity),
		}).Info("Expiring idle session")

		delete(sessions, id)
		closed[id] = now

		select {
		case r.expiries <- id:
		case <-r.stopSyn:
			return
		}
	}

	for id, since := range closed {
		if now.Sub(since) > 2*r.config.SessionExpiration+time.Minute {
			delete(closed, id)
		}
	}
}
