package ledger

import (
	"github.com/pkg/errors"
)

// Location is a ticket's current physical admission state.
type Location string

const (
	LocationOutside   Location = "OUTSIDE"
	LocationInside    Location = "INSIDE"
	LocationVIP       Location = "VIP"
	LocationBackstage Location = "BACKSTAGE"
)

// ScanType is the action presented at a checkpoint.
type ScanType string

const (
	ScanEntry        ScanType = "ENTRY"
	ScanExit         ScanType = "EXIT"
	ScanVipIn        ScanType = "VIP_IN"
	ScanVipOut       ScanType = "VIP_OUT"
	ScanReentry      ScanType = "REENTRY"
	ScanBackstageIn  ScanType = "BACKSTAGE_IN"
	ScanBackstageOut ScanType = "BACKSTAGE_OUT"
)

// State machine errors
var (
	ErrInvalidTransition = errors.New("invalid location transition")
	ErrTicketInvalidated = errors.New("ticket has been invalidated")
	ErrUnknownScanType   = errors.New("unknown scan type")
)

// transitions is the single normative definition of allowed location
// transitions. Both the scan validator and the ledger-side program
// apply this table; they must never drift apart.
var transitions = map[Location]map[ScanType]Location{
	LocationOutside: {
		ScanEntry:   LocationInside,
		ScanReentry: LocationInside,
	},
	LocationInside: {
		ScanExit:        LocationOutside,
		ScanVipIn:       LocationVIP,
		ScanBackstageIn: LocationBackstage,
	},
	LocationVIP: {
		ScanVipOut: LocationInside,
	},
	LocationBackstage: {
		ScanBackstageOut: LocationInside,
	},
}

// ApplyScan validates a scan against the transition table and returns
// the resulting location. An invalidated ticket never transitions,
// regardless of scan type.
func ApplyScan(current Location, scan ScanType, valid bool) (Location, error) {
	if !valid {
		return current, ErrTicketInvalidated
	}

	allowed, ok := transitions[current]
	if !ok {
		return current, errors.Wrapf(ErrInvalidTransition, "unknown location %q", current)
	}

	next, ok := allowed[scan]
	if !ok {
		return current, errors.Wrapf(ErrInvalidTransition, "%s not allowed at %s", scan, current)
	}

	return next, nil
}

// ValidScanType reports whether the scan type is one the engine knows.
func ValidScanType(scan ScanType) bool {
	switch scan {
	case ScanEntry, ScanExit, ScanVipIn, ScanVipOut, ScanReentry, ScanBackstageIn, ScanBackstageOut:
		return true
	}
	return false
}
