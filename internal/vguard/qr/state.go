package qr

import (
	"errors"
	"fmt"
	"time"

	"github.com/BrandonDHaskell/vguard/internal/vguard/types"
)

// ErrInvalidTransition is returned for any move outside the transition
// table. The state is left unchanged.
var ErrInvalidTransition = errors.New("invalid qr state transition")

var transitions = map[types.QRStatus][]types.QRStatus{
	types.QRUnused:         {types.QRCheckinUsed, types.QRAssumedScanned},
	types.QRCheckinUsed:    {types.QRCheckoutUsed, types.QRInvalidated},
	types.QRAssumedScanned: {types.QRCheckoutUsed, types.QRInvalidated},
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to types.QRStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition returns s moved to `to` at time at. Every accepted transition
// counts as a scan, capped at maxScans.
func Transition(s types.QRState, to types.QRStatus, at time.Time, maxScans int) (types.QRState, error) {
	from := s.Status
	if from == "" {
		from = types.QRUnused
	}
	if !CanTransition(from, to) {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	next := s.Clone()
	next.Status = to
	if next.ScanCount < maxScans {
		next.ScanCount++
	}

	at = at.UTC()
	switch to {
	case types.QRCheckinUsed:
		next.CheckinScanTime = &at
		next.AuthMethod = types.AuthDual
	case types.QRAssumedScanned:
		next.CheckinScanTime = &at
		next.AuthMethod = types.AuthFaceOnly
	case types.QRCheckoutUsed:
		next.CheckoutScanTime = &at
	case types.QRInvalidated:
		next.InvalidatedAt = &at
	}
	return next, nil
}

// ForceInvalidate moves any non-terminal state to INVALIDATED with reason.
// From CHECKIN_USED and ASSUMED_SCANNED this is the table transition; from
// UNUSED it bypasses the table and does not count as a scan.
func ForceInvalidate(s types.QRState, reason string, at time.Time, maxScans int) (types.QRState, error) {
	from := s.Status
	if from == "" {
		from = types.QRUnused
	}
	if from.Terminal() {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, types.QRInvalidated)
	}

	var next types.QRState
	if CanTransition(from, types.QRInvalidated) {
		var err error
		if next, err = Transition(s, types.QRInvalidated, at, maxScans); err != nil {
			return s, err
		}
	} else {
		at = at.UTC()
		next = s.Clone()
		next.Status = types.QRInvalidated
		next.InvalidatedAt = &at
	}
	next.InvalidatedReason = reason
	return next, nil
}
