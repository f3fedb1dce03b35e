// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package send

import (
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/owl-go/pkg/metrics"
)

// sequencer assigns every sealed block a result slot and queues the slots
// in sealing order. Workers fill slots concurrently; the egress drains them
// in order, so symbols of block n+1 never leave before those of block n.
func (s *Sender) sequencer() {
	defer func() {
		close(s.jobs)
		s.workers.Wait()
		close(s.order)
	}()

	for {
		select {
		case <-s.stopSyn:
			return

		case blk := <-s.blocks:
			slot := make(chan encoded, 1)

			select {
			case s.jobs <- encodeJob{blk: blk, slot: slot}:
			case <-s.stopSyn:
				return
			}

			select {
			case s.order <- slot:
			case <-s.stopSyn:
				return
			}
		}
	}
}

// encodeWorker turns blocks into their K+R symbols.
func (s *Sender) encodeWorker() {
	defer s.workers.Done()

	for job := range s.jobs {
		symbols, err := s.encoder.Encode(job.blk.payload)
		if err != nil {
			metrics.TxEncodingBlocksErr.Inc()

			log.WithFields(log.Fields{
				"session": job.blk.sessionID,
				"block":   job.blk.seq,
				"error":   err,
			}).Error("Encoding block failed")
		} else {
			metrics.TxEncodingBlocks.Inc()
		}

		job.slot <- encoded{blk: job.blk, symbols: symbols, err: err}
	}
}
