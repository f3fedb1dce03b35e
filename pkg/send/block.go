// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package send

import (
	"fmt"

	"github.com/dtn7/owl-go/pkg/protocol"
)

// block is one sealed unit of session payload, immutable after sealing.
// Ownership moves with the block: the session handler seals it, an encoder
// worker consumes it, the egress transmits its symbols.
type block struct {
	sessionID uint32
	seq       uint32
	flags     protocol.Flags
	payload   []byte
}

func (b *block) String() string {
	return fmt.Sprintf("block(session %d, seq %d, %d bytes, flags %#02x)",
		b.sessionID, b.seq, len(b.payload), uint8(b.flags))
}

// sessionState tracks a sender-side session through its lifecycle.
type sessionState int

const (
	stateAccepting sessionState = iota
	stateOpen
	stateDraining
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateAccepting:
		return "accepting"
	case stateOpen:
		return "open"
	case stateDraining:
		return "draining"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("sessionState(%d)", int(s))
	}
}
