// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package protocol

import (
	"encoding/binary"
	"fmt"
)

// Version is the protocol version spoken by this implementation. Datagrams
// carrying another version MUST be dropped by a receiver.
const Version = 1

// HeaderLen is the fixed length of the datagram header preceding the symbol
// payload.
const HeaderLen = 14

// HeartbeatSessionID is the reserved session id used by heartbeat datagrams.
// Real sessions start at 1.
const HeartbeatSessionID = 0

// Flags of a datagram's header, held in a single byte.
type Flags uint8

const (
	// FlagEndOfSession marks the last block of a session.
	FlagEndOfSession Flags = 1 << iota
	// FlagSessionOpen marks the empty block opening a session.
	FlagSessionOpen
	// FlagHeartbeat marks a content-less liveness datagram.
	FlagHeartbeat
	// FlagRepair marks a repair symbol, symbol_index >= K.
	FlagRepair
)

func (f Flags) Has(flag Flags) bool {
	return f&flag != 0
}

// Header is the fixed part of every datagram on the wire, serialized in
// network byte order:
//
//	version(1) flags(1) session_id(4) block_seq(4) symbol_index(2) k(2)
type Header struct {
	Version     uint8
	Flags       Flags
	SessionID   uint32
	BlockSeq    uint32
	SymbolIndex uint16
	K           uint16
}

// ErrHeaderTooShort is returned when a datagram is shorter than HeaderLen.
type ErrHeaderTooShort int

func (e ErrHeaderTooShort) Error() string {
	return fmt.Sprintf("datagram of %d bytes is shorter than the %d byte header", int(e), HeaderLen)
}

// ErrVersionMismatch is returned for datagrams of an unrecognized version.
type ErrVersionMismatch uint8

func (e ErrVersionMismatch) Error() string {
	return fmt.Sprintf("unrecognized protocol version %d, expected %d", uint8(e), Version)
}

// MarshalBinary serializes the Header into the first HeaderLen bytes of buf,
// which must be large enough.
func (h Header) MarshalBinary(buf []byte) {
	buf[0] = h.Version
	buf[1] = byte(h.Flags)
	binary.BigEndian.PutUint32(buf[2:6], h.SessionID)
	binary.BigEndian.PutUint32(buf[6:10], h.BlockSeq)
	binary.BigEndian.PutUint16(buf[10:12], h.SymbolIndex)
	binary.BigEndian.PutUint16(buf[12:14], h.K)
}

// UnmarshalBinary parses a received datagram into its Header and its symbol
// payload. The payload aliases data; callers owning reused buffers must copy.
func UnmarshalBinary(data []byte) (h Header, payload []byte, err error) {
	if len(data) < HeaderLen {
		err = ErrHeaderTooShort(len(data))
		return
	}

	h.Version = data[0]
	if h.Version != Version {
		err = ErrVersionMismatch(h.Version)
		return
	}

	h.Flags = Flags(data[1])
	h.SessionID = binary.BigEndian.Uint32(data[2:6])
	h.BlockSeq = binary.BigEndian.Uint32(data[6:10])
	h.SymbolIndex = binary.BigEndian.Uint16(data[10:12])
	h.K = binary.BigEndian.Uint16(data[12:14])

	payload = data[HeaderLen:]
	return
}

// IsHeartbeat checks both the flag and the reserved field values, so a
// mangled data datagram cannot pass as a heartbeat.
func (h Header) IsHeartbeat() bool {
	return h.Flags.Has(FlagHeartbeat) &&
		h.SessionID == HeartbeatSessionID && h.BlockSeq == 0 && h.SymbolIndex == 0
}

// Heartbeat crafts the serialized form of a heartbeat datagram.
func Heartbeat() []byte {
	buf := make([]byte, HeaderLen)
	Header{Version: Version, Flags: FlagHeartbeat}.MarshalBinary(buf)
	return buf
}

func (h Header) String() string {
	return fmt.Sprintf("datagram(session %d, block %d, symbol %d/%d, flags %#02x)",
		h.SessionID, h.BlockSeq, h.SymbolIndex, h.K, uint8(h.Flags))
}
