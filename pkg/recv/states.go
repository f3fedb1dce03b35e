// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package recv

import "fmt"

// sessionState tracks a receiver-side session through its lifecycle.
type sessionState int

const (
	stateUnknown sessionState = iota
	stateOpen
	stateDelivering
	stateClosed
	stateBroken
)

func (s sessionState) String() string {
	switch s {
	case stateUnknown:
		return "unknown"
	case stateOpen:
		return "open"
	case stateDelivering:
		return "delivering"
	case stateClosed:
		return "closed"
	case stateBroken:
		return "broken"
	default:
		return fmt.Sprintf("sessionState(%d)", int(s))
	}
}
