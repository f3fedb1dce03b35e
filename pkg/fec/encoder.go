// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package fec wraps a systematic Reed-Solomon erasure code into the
// block/symbol model of the wire protocol: every sealed block becomes
// exactly K source plus R repair symbols, and any K distinct symbols of
// those K+R reconstruct the block.
package fec

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/dtn7/owl-go/pkg/protocol"
)

// Encoder turns sealed block payloads into symbol sets. One Encoder is
// bound to one set of TransmissionParams and is safe for concurrent use.
type Encoder struct {
	params protocol.TransmissionParams
	rs     reedsolomon.Encoder
}

// NewEncoder creates an Encoder for the given transmission parameters.
func NewEncoder(params protocol.TransmissionParams) (*Encoder, error) {
	rs, err := reedsolomon.New(params.K, params.R)
	if err != nil {
		return nil, fmt.Errorf("fec: creating codec for k=%d r=%d: %w", params.K, params.R, err)
	}

	return &Encoder{params: params, rs: rs}, nil
}

// Encode produces the K+R symbols of a block, indexed by position. Symbols
// 0..K-1 are the source symbols carrying the length-framed payload, K..K+R-1
// the repair symbols. The payload must fit the block's capacity.
func (enc *Encoder) Encode(payload []byte) ([][]byte, error) {
	if len(payload) > enc.params.BlockPayloadCapacity() {
		return nil, fmt.Errorf("fec: payload of %d bytes exceeds block capacity of %d",
			len(payload), enc.params.BlockPayloadCapacity())
	}

	content := make([]byte, enc.params.BlockContentLen())
	binary.BigEndian.PutUint32(content, uint32(len(payload)))
	copy(content[4:], payload)

	symbols := make([][]byte, enc.params.K+enc.params.R)
	for i := 0; i < enc.params.K; i++ {
		symbols[i] = content[i*enc.params.SymbolSize : (i+1)*enc.params.SymbolSize]
	}
	for i := enc.params.K; i < len(symbols); i++ {
		symbols[i] = make([]byte, enc.params.SymbolSize)
	}

	if err := enc.rs.Encode(symbols); err != nil {
		return nil, fmt.Errorf("fec: encoding repair symbols: %w", err)
	}

	return symbols, nil
}

// Params returns the transmission parameters this Encoder is bound to.
func (enc *Encoder) Params() protocol.TransmissionParams {
	return enc.params
}
