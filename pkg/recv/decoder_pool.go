// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package recv

import (
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/owl-go/pkg/metrics"
)

// decodeWorker reconstructs block payloads from handed-off reassembly
// contexts. A failed decode is terminal for the block and, through the
// framer, for its session; a partial result is never delivered.
func (r *Receiver) decodeWorker() {
	defer r.workers.Done()

	for job := range r.jobs {
		payload, err := r.decoder.Decode(job.symbols)

		if err != nil {
			metrics.RxDecodingBlocksErr.Inc()

			log.WithFields(log.Fields{
				"session": job.sessionID,
				"block":   job.seq,
				"symbols": job.received,
				"error":   err,
			}).Warn("Decoding block failed, block is lost")
		} else {
			metrics.RxDecodingBlocks.Inc()
		}

		result := decodedBlock{
			sessionID: job.sessionID,
			seq:       job.seq,
			flags:     job.flags,
			payload:   payload,
			failed:    err != nil,
		}

		select {
		case r.results <- result:
		case <-r.stopSyn:
			return
		}
	}
}
