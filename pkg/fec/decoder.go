// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package fec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/dtn7/owl-go/pkg/protocol"
)

// ErrNotEnoughSymbols is returned when fewer than K distinct symbols are
// available at decode time.
var ErrNotEnoughSymbols = errors.New("fec: fewer than K distinct symbols present")

// Decoder reconstructs block payloads from symbol sets. One Decoder is
// bound to one set of TransmissionParams and is safe for concurrent use.
type Decoder struct {
	params protocol.TransmissionParams
	rs     reedsolomon.Encoder
}

// NewDecoder creates a Decoder for the given transmission parameters.
func NewDecoder(params protocol.TransmissionParams) (*Decoder, error) {
	rs, err := reedsolomon.New(params.K, params.R)
	if err != nil {
		return nil, fmt.Errorf("fec: creating codec for k=%d r=%d: %w", params.K, params.R, err)
	}

	return &Decoder{params: params, rs: rs}, nil
}

// Decode reconstructs a block's payload from the received symbols, given as
// a K+R slice with nil entries for missing indices. At least K entries must
// be present; missing source symbols are rebuilt from repair symbols.
// The returned slice is freshly allocated and owned by the caller.
func (dec *Decoder) Decode(symbols [][]byte) ([]byte, error) {
	if len(symbols) != dec.params.K+dec.params.R {
		return nil, fmt.Errorf("fec: got %d symbol slots, want %d",
			len(symbols), dec.params.K+dec.params.R)
	}

	present := 0
	for _, symbol := range symbols {
		if symbol != nil {
			present++
		}
	}
	if present < dec.params.K {
		return nil, ErrNotEnoughSymbols
	}

	if err := dec.rs.ReconstructData(symbols); err != nil {
		return nil, fmt.Errorf("fec: reconstructing source symbols: %w", err)
	}

	content := make([]byte, 0, dec.params.BlockContentLen())
	for i := 0; i < dec.params.K; i++ {
		content = append(content, symbols[i]...)
	}

	payloadLen := binary.BigEndian.Uint32(content)
	if int(payloadLen) > dec.params.BlockPayloadCapacity() {
		return nil, fmt.Errorf("fec: decoded payload length %d exceeds block capacity of %d",
			payloadLen, dec.params.BlockPayloadCapacity())
	}

	return content[4 : 4+payloadLen], nil
}

// Params returns the transmission parameters this Decoder is bound to.
func (dec *Decoder) Params() protocol.TransmissionParams {
	return dec.params
}
