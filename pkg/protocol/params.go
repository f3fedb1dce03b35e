// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package protocol

import (
	"fmt"
)

const (
	ipHeaderLen  = 20
	udpHeaderLen = 8
)

// lengthPrefixLen is the in-payload length field preceding a block's payload
// within the FEC-protected content, see BlockContentLen.
const lengthPrefixLen = 4

// TransmissionParams are the values both sides must agree on, derived from
// the UDP MTU and the configured block sizes. They never change during a
// process lifetime.
type TransmissionParams struct {
	// MTU of the UDP link in bytes, including IP and UDP headers.
	MTU int
	// SymbolSize is the payload length of every data datagram.
	SymbolSize int
	// K source symbols per block.
	K int
	// R repair symbols per block.
	R int
}

// DeriveParams computes the transmission parameters for the given MTU and
// block sizes. An error marks a configuration the protocol cannot run on.
func DeriveParams(mtu, encodingBlockSize, repairBlockSize int) (TransmissionParams, error) {
	symbolSize := mtu - ipHeaderLen - udpHeaderLen - HeaderLen
	if symbolSize < 1 {
		return TransmissionParams{}, fmt.Errorf(
			"MTU of %d bytes leaves no room for a symbol payload", mtu)
	}

	k := encodingBlockSize / symbolSize
	if k < 1 {
		return TransmissionParams{}, fmt.Errorf(
			"encoding block size %d is smaller than one symbol of %d bytes",
			encodingBlockSize, symbolSize)
	}

	r := repairBlockSize / symbolSize

	if k+r > 0xFFFF {
		return TransmissionParams{}, fmt.Errorf(
			"%d symbols per block exceed the 16 bit symbol index", k+r)
	}

	return TransmissionParams{
		MTU:        mtu,
		SymbolSize: symbolSize,
		K:          k,
		R:          r,
	}, nil
}

// BlockContentLen is the size of the FEC-protected content of one block:
// K symbols, holding the length prefix plus up to BlockPayloadCapacity
// payload bytes, zero-padded.
func (tp TransmissionParams) BlockContentLen() int {
	return tp.K * tp.SymbolSize
}

// BlockPayloadCapacity is the maximum number of session payload bytes one
// block can carry.
func (tp TransmissionParams) BlockPayloadCapacity() int {
	return tp.BlockContentLen() - lengthPrefixLen
}

// DatagramLen is the on-wire size of one data datagram, header included.
func (tp TransmissionParams) DatagramLen() int {
	return HeaderLen + tp.SymbolSize
}

func (tp TransmissionParams) String() string {
	return fmt.Sprintf("params(mtu %d, symbol %d B, k %d, r %d)",
		tp.MTU, tp.SymbolSize, tp.K, tp.R)
}
